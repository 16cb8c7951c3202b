// Package wire holds the virtio GPU control protocol: command and
// response codes, pixel formats, and the fixed-layout records exchanged
// with the device over the control queue. Record structs mirror the
// device ABI byte for byte, so encoding and decoding are plain copies
// of the struct memory.
package wire

import "fmt"

// MaxScanouts is the maximum number of scanouts (displays) a virtio GPU
// device reports.
const MaxScanouts = 16

// ControlType is the type field of every control queue request and
// response.
type ControlType uint32

// 2D commands.
const (
	CmdGetDisplayInfo ControlType = 0x0100 + iota
	CmdResourceCreate2D
	CmdResourceUnref
	CmdSetScanout
	CmdResourceFlush
	CmdTransferToHost2D
	CmdResourceAttachBacking
	CmdResourceDetachBacking
	CmdGetCapsetInfo
	CmdGetCapset
	CmdGetEDID
)

// Cursor commands.
const (
	CmdUpdateCursor ControlType = 0x0300 + iota
	CmdMoveCursor
)

// Success responses.
const (
	RespOKNoData ControlType = 0x1100 + iota
	RespOKDisplayInfo
	RespOKCapsetInfo
	RespOKCapset
	RespOKEDID
)

// Error responses.
const (
	RespErrUnspec ControlType = 0x1200 + iota
	RespErrOutOfMemory
	RespErrInvalidScanoutID
	RespErrInvalidResourceID
	RespErrInvalidContextID
	RespErrInvalidParameter
)

var controlTypeNames = map[ControlType]string{
	CmdGetDisplayInfo:        "getDisplayInfo",
	CmdResourceCreate2D:      "resourceCreate2d",
	CmdResourceUnref:         "resourceUnref",
	CmdSetScanout:            "setScanout",
	CmdResourceFlush:         "resourceFlush",
	CmdTransferToHost2D:      "transferToHost2d",
	CmdResourceAttachBacking: "resourceAttachBacking",
	CmdResourceDetachBacking: "resourceDetachBacking",
	CmdGetCapsetInfo:         "getCapsetInfo",
	CmdGetCapset:             "getCapset",
	CmdGetEDID:               "getEdid",
	CmdUpdateCursor:          "updateCursor",
	CmdMoveCursor:            "moveCursor",
	RespOKNoData:             "respOkNoData",
	RespOKDisplayInfo:        "respOkDisplayInfo",
	RespOKCapsetInfo:         "respOkCapsetInfo",
	RespOKCapset:             "respOkCapset",
	RespOKEDID:               "respOkEdid",
	RespErrUnspec:            "respErrUnspec",
	RespErrOutOfMemory:       "respErrOutOfMemory",
	RespErrInvalidScanoutID:  "respErrInvalidScanoutId",
	RespErrInvalidResourceID: "respErrInvalidResourceId",
	RespErrInvalidContextID:  "respErrInvalidContextId",
	RespErrInvalidParameter:  "respErrInvalidParameter",
}

func (t ControlType) String() string {
	if n, ok := controlTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("ControlType(%#x)", uint32(t))
}

// IsError reports whether t is a device error response code.
func (t ControlType) IsError() bool {
	return t >= RespErrUnspec && t <= RespErrInvalidParameter
}

// Format is a virtio GPU resource pixel format. The names spell the
// channel order from the most significant byte down, so R8G8B8A8 stores
// red in the lowest byte of a little-endian pixel.
type Format uint32

const (
	FormatB8G8R8A8 Format = 1
	FormatB8G8R8X8 Format = 2
	FormatA8R8G8B8 Format = 3
	FormatX8R8G8B8 Format = 4
	FormatR8G8B8A8 Format = 67
	FormatX8B8G8R8 Format = 68
	FormatA8B8G8R8 Format = 121
	FormatR8G8B8X8 Format = 134
)

var formatNames = map[Format]string{
	FormatB8G8R8A8: "b8g8r8a8",
	FormatB8G8R8X8: "b8g8r8x8",
	FormatA8R8G8B8: "a8r8g8b8",
	FormatX8R8G8B8: "x8r8g8b8",
	FormatR8G8B8A8: "r8g8b8a8",
	FormatX8B8G8R8: "x8b8g8r8",
	FormatA8B8G8R8: "a8b8g8r8",
	FormatR8G8B8X8: "r8g8b8x8",
}

func (f Format) String() string {
	if n, ok := formatNames[f]; ok {
		return n
	}
	return fmt.Sprintf("Format(%d)", uint32(f))
}
