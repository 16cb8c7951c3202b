package gputest

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/virtgpu/virtgpu/virtqueue"
	"github.com/virtgpu/virtgpu/wire"
)

// handleChain processes one descriptor chain: it decodes the request
// from the device-readable buffers, mutates device state and writes the
// response into the device-writable buffer at the end of the chain.
// It returns the number of response bytes written.
func (d *Device) handleChain(q *virtqueue.SplitQueue, head uint16) (uint32, error) {
	buffers, err := q.DescriptorTable().Chain(head)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}

	var readable [][]byte
	var writable []byte
	for _, b := range buffers {
		if b.DeviceWritable {
			if writable != nil {
				return 0, fmt.Errorf("%w: more than one response buffer", ErrMalformedCommand)
			}
			writable = b.Data
		} else {
			if writable != nil {
				return 0, fmt.Errorf("%w: request buffer after response buffer", ErrMalformedCommand)
			}
			readable = append(readable, b.Data)
		}
	}
	if len(readable) == 0 || writable == nil {
		return 0, fmt.Errorf("%w: need request and response buffers", ErrMalformedCommand)
	}

	var hdr wire.ControlHeader
	if err := hdr.Decode(readable[0]); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}

	d.commandCounts[hdr.Type]++
	d.l.WithFields(logrus.Fields{
		"command": hdr.Type.String(),
		"head":    head,
	}).Debug("Processing command")

	var extra []byte
	if len(readable) > 1 {
		extra = readable[1]
	}

	switch hdr.Type {
	case wire.CmdGetDisplayInfo:
		return d.handleGetDisplayInfo(writable)
	case wire.CmdResourceCreate2D:
		return d.handleResourceCreate2D(readable[0], writable)
	case wire.CmdResourceUnref:
		return d.handleResourceUnref(readable[0], writable)
	case wire.CmdResourceAttachBacking:
		return d.handleAttachBacking(readable[0], extra, writable)
	case wire.CmdResourceDetachBacking:
		return d.handleDetachBacking(readable[0], writable)
	case wire.CmdSetScanout:
		return d.handleSetScanout(readable[0], writable)
	case wire.CmdTransferToHost2D:
		return d.handleTransferToHost2D(readable[0], writable)
	case wire.CmdResourceFlush:
		return d.handleResourceFlush(readable[0], writable)
	default:
		d.l.WithField("command", hdr.Type.String()).Warn("Unsupported command")
		return respond(writable, wire.RespErrUnspec)
	}
}

// respond writes a bare control header response.
func respond(resp []byte, t wire.ControlType) (uint32, error) {
	hdr := wire.ControlHeader{Type: t}
	if err := hdr.Encode(resp); err != nil {
		return 0, fmt.Errorf("%w: response buffer too small", ErrMalformedCommand)
	}
	return wire.ControlHeaderSize, nil
}

func (d *Device) handleGetDisplayInfo(resp []byte) (uint32, error) {
	info := wire.RespDisplayInfo{
		Header:   wire.ControlHeader{Type: wire.RespOKDisplayInfo},
		Scanouts: d.scanouts,
	}
	if err := info.Encode(resp); err != nil {
		return 0, fmt.Errorf("%w: response buffer too small for display info", ErrMalformedCommand)
	}
	return wire.RespDisplayInfoSize, nil
}

func (d *Device) handleResourceCreate2D(req, resp []byte) (uint32, error) {
	var cmd wire.ResourceCreate2D
	if err := cmd.Decode(req); err != nil {
		return respond(resp, wire.RespErrInvalidParameter)
	}

	if cmd.ResourceID == 0 {
		return respond(resp, wire.RespErrInvalidResourceID)
	}
	if cmd.Width == 0 || cmd.Height == 0 {
		return respond(resp, wire.RespErrInvalidParameter)
	}

	d.resources[cmd.ResourceID] = &resource{
		width:      cmd.Width,
		height:     cmd.Height,
		format:     cmd.Format,
		hostPixels: make([]byte, int(cmd.Width)*int(cmd.Height)*4),
	}
	return respond(resp, wire.RespOKNoData)
}

func (d *Device) handleResourceUnref(req, resp []byte) (uint32, error) {
	var cmd wire.ResourceUnref
	if err := cmd.Decode(req); err != nil {
		return respond(resp, wire.RespErrInvalidParameter)
	}

	if _, ok := d.resources[cmd.ResourceID]; !ok {
		return respond(resp, wire.RespErrInvalidResourceID)
	}

	delete(d.resources, cmd.ResourceID)
	for i := range d.scanoutResource {
		if d.scanoutResource[i] == cmd.ResourceID {
			d.scanoutResource[i] = 0
		}
	}
	return respond(resp, wire.RespOKNoData)
}

func (d *Device) handleAttachBacking(req, extra, resp []byte) (uint32, error) {
	var cmd wire.ResourceAttachBacking
	if err := cmd.Decode(req); err != nil {
		return respond(resp, wire.RespErrInvalidParameter)
	}

	res, ok := d.resources[cmd.ResourceID]
	if !ok {
		return respond(resp, wire.RespErrInvalidResourceID)
	}

	// Only single-entry backings are supported, which is all the driver
	// ever attaches.
	if cmd.NrEntries != 1 || extra == nil {
		return respond(resp, wire.RespErrInvalidParameter)
	}

	var entry wire.MemEntry
	if err := entry.Decode(extra); err != nil {
		return respond(resp, wire.RespErrInvalidParameter)
	}
	if entry.Addr == 0 || entry.Length == 0 {
		return respond(resp, wire.RespErrInvalidParameter)
	}

	res.backingAddr = uintptr(entry.Addr)
	res.backingLen = entry.Length
	return respond(resp, wire.RespOKNoData)
}

func (d *Device) handleDetachBacking(req, resp []byte) (uint32, error) {
	var cmd wire.ResourceDetachBacking
	if err := cmd.Decode(req); err != nil {
		return respond(resp, wire.RespErrInvalidParameter)
	}

	res, ok := d.resources[cmd.ResourceID]
	if !ok {
		return respond(resp, wire.RespErrInvalidResourceID)
	}

	res.backingAddr = 0
	res.backingLen = 0
	return respond(resp, wire.RespOKNoData)
}

func (d *Device) handleSetScanout(req, resp []byte) (uint32, error) {
	var cmd wire.SetScanout
	if err := cmd.Decode(req); err != nil {
		return respond(resp, wire.RespErrInvalidParameter)
	}

	if cmd.ScanoutID >= wire.MaxScanouts || d.scanouts[cmd.ScanoutID].Enabled == 0 {
		return respond(resp, wire.RespErrInvalidScanoutID)
	}

	// Resource id zero disables the scanout.
	if cmd.ResourceID != 0 {
		if _, ok := d.resources[cmd.ResourceID]; !ok {
			return respond(resp, wire.RespErrInvalidResourceID)
		}
	}

	d.scanoutResource[cmd.ScanoutID] = cmd.ResourceID
	return respond(resp, wire.RespOKNoData)
}

func (d *Device) handleTransferToHost2D(req, resp []byte) (uint32, error) {
	var cmd wire.TransferToHost2D
	if err := cmd.Decode(req); err != nil {
		return respond(resp, wire.RespErrInvalidParameter)
	}

	res, ok := d.resources[cmd.ResourceID]
	if !ok {
		return respond(resp, wire.RespErrInvalidResourceID)
	}

	r := cmd.R
	if r.X+r.Width > res.width || r.Y+r.Height > res.height {
		return respond(resp, wire.RespErrInvalidParameter)
	}

	backing, err := res.backing()
	if err != nil {
		return respond(resp, wire.RespErrUnspec)
	}

	// The backing holds the full resource image at the resource stride,
	// so source and destination offsets coincide row by row.
	stride := int(res.width) * 4
	for y := r.Y; y < r.Y+r.Height; y++ {
		off := int(y)*stride + int(r.X)*4
		n := int(r.Width) * 4
		if off+n > len(backing) {
			return respond(resp, wire.RespErrInvalidParameter)
		}
		copy(res.hostPixels[off:off+n], backing[off:off+n])
	}

	return respond(resp, wire.RespOKNoData)
}

func (d *Device) handleResourceFlush(req, resp []byte) (uint32, error) {
	var cmd wire.ResourceFlush
	if err := cmd.Decode(req); err != nil {
		return respond(resp, wire.RespErrInvalidParameter)
	}

	if _, ok := d.resources[cmd.ResourceID]; !ok {
		return respond(resp, wire.RespErrInvalidResourceID)
	}

	return respond(resp, wire.RespOKNoData)
}
