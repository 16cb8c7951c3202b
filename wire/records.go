package wire

import (
	"errors"
	"unsafe"
)

// ErrBufferTooSmall is returned when a buffer cannot fit the record
// being encoded or decoded.
var ErrBufferTooSmall = errors.New("the buffer is too small to fit the record")

// Record sizes in bytes. The structs below have no implicit padding, so
// unsafe.Sizeof would agree with these; they are spelled out because
// they are part of the device ABI.
const (
	ControlHeaderSize         = 24
	RectSize                  = 16
	DisplayInfoSize           = RectSize + 8
	RespDisplayInfoSize       = ControlHeaderSize + MaxScanouts*DisplayInfoSize
	ResourceCreate2DSize      = ControlHeaderSize + 16
	ResourceUnrefSize         = ControlHeaderSize + 8
	ResourceAttachBackingSize = ControlHeaderSize + 8
	MemEntrySize              = 16
	ResourceDetachBackingSize = ControlHeaderSize + 8
	SetScanoutSize            = ControlHeaderSize + RectSize + 8
	TransferToHost2DSize      = ControlHeaderSize + RectSize + 16
	ResourceFlushSize         = ControlHeaderSize + RectSize + 8
)

func decode[T any](v *T, data []byte, size int) error {
	if len(data) < size {
		return ErrBufferTooSmall
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(v)), size), data[:size])
	return nil
}

func encode[T any](v *T, data []byte, size int) error {
	if len(data) < size {
		return ErrBufferTooSmall
	}
	copy(data[:size], unsafe.Slice((*byte)(unsafe.Pointer(v)), size))
	return nil
}

// ControlHeader prefixes every control queue request and response.
type ControlHeader struct {
	Type    ControlType
	Flags   uint32
	FenceID uint64
	CtxID   uint32
	Padding uint32
}

func (v *ControlHeader) Size() int { return ControlHeaderSize }
func (v *ControlHeader) Decode(data []byte) error { return decode(v, data, ControlHeaderSize) }
func (v *ControlHeader) Encode(data []byte) error { return encode(v, data, ControlHeaderSize) }

// Rect is a rectangle in device coordinates.
type Rect struct {
	X      uint32
	Y      uint32
	Width  uint32
	Height uint32
}

// DisplayInfo describes one scanout in a display info response.
type DisplayInfo struct {
	R       Rect
	Enabled uint32
	Flags   uint32
}

// RespDisplayInfo is the device response to [CmdGetDisplayInfo].
type RespDisplayInfo struct {
	Header   ControlHeader
	Scanouts [MaxScanouts]DisplayInfo
}

func (v *RespDisplayInfo) Size() int { return RespDisplayInfoSize }
func (v *RespDisplayInfo) Decode(data []byte) error { return decode(v, data, RespDisplayInfoSize) }
func (v *RespDisplayInfo) Encode(data []byte) error { return encode(v, data, RespDisplayInfoSize) }

// ResourceCreate2D requests creation of a host-side 2D resource.
type ResourceCreate2D struct {
	Header     ControlHeader
	ResourceID uint32
	Format     Format
	Width      uint32
	Height     uint32
}

func (v *ResourceCreate2D) Size() int { return ResourceCreate2DSize }
func (v *ResourceCreate2D) Decode(data []byte) error { return decode(v, data, ResourceCreate2DSize) }
func (v *ResourceCreate2D) Encode(data []byte) error { return encode(v, data, ResourceCreate2DSize) }

// ResourceUnref destroys a host-side resource.
type ResourceUnref struct {
	Header     ControlHeader
	ResourceID uint32
	Padding    uint32
}

func (v *ResourceUnref) Size() int { return ResourceUnrefSize }
func (v *ResourceUnref) Decode(data []byte) error { return decode(v, data, ResourceUnrefSize) }
func (v *ResourceUnref) Encode(data []byte) error { return encode(v, data, ResourceUnrefSize) }

// ResourceAttachBacking attaches guest memory to a resource. The request
// is followed on the wire by NrEntries [MemEntry] records in a second
// device-readable buffer.
type ResourceAttachBacking struct {
	Header     ControlHeader
	ResourceID uint32
	NrEntries  uint32
}

func (v *ResourceAttachBacking) Size() int { return ResourceAttachBackingSize }
func (v *ResourceAttachBacking) Decode(data []byte) error {
	return decode(v, data, ResourceAttachBackingSize)
}
func (v *ResourceAttachBacking) Encode(data []byte) error {
	return encode(v, data, ResourceAttachBackingSize)
}

// MemEntry is one guest memory span backing a resource.
type MemEntry struct {
	Addr    uint64
	Length  uint32
	Padding uint32
}

func (v *MemEntry) Size() int { return MemEntrySize }
func (v *MemEntry) Decode(data []byte) error { return decode(v, data, MemEntrySize) }
func (v *MemEntry) Encode(data []byte) error { return encode(v, data, MemEntrySize) }

// ResourceDetachBacking detaches all backing memory from a resource.
type ResourceDetachBacking struct {
	Header     ControlHeader
	ResourceID uint32
	Padding    uint32
}

func (v *ResourceDetachBacking) Size() int { return ResourceDetachBackingSize }
func (v *ResourceDetachBacking) Decode(data []byte) error {
	return decode(v, data, ResourceDetachBackingSize)
}
func (v *ResourceDetachBacking) Encode(data []byte) error {
	return encode(v, data, ResourceDetachBackingSize)
}

// SetScanout binds a resource to a scanout, or disables the scanout when
// ResourceID is zero.
type SetScanout struct {
	Header     ControlHeader
	R          Rect
	ScanoutID  uint32
	ResourceID uint32
}

func (v *SetScanout) Size() int { return SetScanoutSize }
func (v *SetScanout) Decode(data []byte) error { return decode(v, data, SetScanoutSize) }
func (v *SetScanout) Encode(data []byte) error { return encode(v, data, SetScanoutSize) }

// TransferToHost2D copies a rectangle of backing memory into the
// host-side resource. Offset is the byte offset of the rectangle within
// the backing.
type TransferToHost2D struct {
	Header     ControlHeader
	R          Rect
	Offset     uint64
	ResourceID uint32
	Padding    uint32
}

func (v *TransferToHost2D) Size() int { return TransferToHost2DSize }
func (v *TransferToHost2D) Decode(data []byte) error { return decode(v, data, TransferToHost2DSize) }
func (v *TransferToHost2D) Encode(data []byte) error { return encode(v, data, TransferToHost2DSize) }

// ResourceFlush makes a rectangle of a scanout resource visible.
type ResourceFlush struct {
	Header     ControlHeader
	R          Rect
	ResourceID uint32
	Padding    uint32
}

func (v *ResourceFlush) Size() int { return ResourceFlushSize }
func (v *ResourceFlush) Decode(data []byte) error { return decode(v, data, ResourceFlushSize) }
func (v *ResourceFlush) Encode(data []byte) error { return encode(v, data, ResourceFlushSize) }
