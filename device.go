package virtgpu

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/virtgpu/virtgpu/gpudev"
	"github.com/virtgpu/virtgpu/wire"
)

// screenResourceID is the host resource id used for the screen. The
// driver only ever drives one resource at a time, so a fixed id is
// enough.
const screenResourceID = 42

var (
	// ErrModesSliceTooSmall is returned by [Device.AvailableModes] when
	// fewer than two mode slots are provided.
	ErrModesSliceTooSmall = errors.New("at least two mode slots are required")

	// ErrInvalidMode is returned when a video mode carries a selector the
	// device does not know.
	ErrInvalidMode = errors.New("invalid video mode selector")

	// ErrUnsupportedTransition is returned when a mode switch would
	// require leaving a graphics mode, which this driver does not
	// implement yet.
	ErrUnsupportedTransition = errors.New("switching away from a graphics mode is unimplemented")

	// ErrNotInGraphicsMode is returned by drawing operations while the
	// device is in text mode.
	ErrNotInGraphicsMode = errors.New("device is not in a graphics mode")
)

// frameBuffer owns the pixel memory that is handed to the device as
// resource backing. The Device keeps a reference for as long as the
// resource exists, which keeps the memory reachable; Go never moves
// heap objects, so the address stays valid for the resource lifetime.
type frameBuffer struct {
	pixels []gpudev.Pixel
}

func newFrameBuffer(numPixels int) *frameBuffer {
	return &frameBuffer{pixels: make([]gpudev.Pixel, numPixels)}
}

func (f *frameBuffer) addr() uintptr {
	return uintptr(unsafe.Pointer(&f.pixels[0]))
}

func (f *frameBuffer) byteLen() uint32 {
	return uint32(len(f.pixels) * 4)
}

// Device is a virtio GPU driver instance. It implements
// [gpudev.Device].
//
// All state is guarded by a single mutex. The only operation that
// deliberately drops the lock partway is SetMode, which releases it
// before the trailing flush.
type Device struct {
	l         *logrus.Logger
	name      string
	transport Transport
	vga       VGATextBuffer

	controlQueue uint16
	cursorQueue  uint16

	metrics transactionMetrics

	mu sync.Mutex

	// haveDisplayInfo is set once displayInfo was fetched from the
	// device. The scanout layout is assumed stable afterwards.
	haveDisplayInfo bool
	displayInfo     wire.RespDisplayInfo

	// currentMode is 0 for text mode; mode n maps to scanout n-1.
	currentMode int

	fb       *frameBuffer
	frameBox gpudev.Rect
	clipBox  gpudev.Rect

	textSnapshot [TextCells]uint16
}

var _ gpudev.Device = (*Device)(nil)

// NewDevice initializes a virtio GPU driver over the given transport.
// The initialization acknowledges the device, declines all offered
// feature bits (the 2D command set needs none) and sets up the
// virtqueues. The device starts out in text mode.
func NewDevice(l *logrus.Logger, transport Transport, vga VGATextBuffer, options ...Option) (*Device, error) {
	o := optionDefaults
	o.apply(options)
	if err := o.validate(); err != nil {
		return nil, err
	}

	d := &Device{
		l:            l,
		name:         o.name,
		transport:    transport,
		vga:          vga,
		controlQueue: o.controlQueue,
		cursorQueue:  o.cursorQueue,
		metrics:      newTransactionMetrics(),
	}

	if err := transport.Ack(); err != nil {
		return nil, fmt.Errorf("acknowledge device: %w", err)
	}

	features, err := transport.ReadDeviceFeatures()
	if err != nil {
		return nil, fmt.Errorf("read device features: %w", err)
	}
	d.l.WithField("features", fmt.Sprintf("%#x", features)).Debug("Device features offered")

	if err := transport.WriteDriverFeatures(0); err != nil {
		return nil, fmt.Errorf("write driver features: %w", err)
	}

	if err := transport.InitQueues(); err != nil {
		return nil, fmt.Errorf("initialize virtqueues: %w", err)
	}

	d.l.WithField("name", d.name).Info("virtio GPU device initialized")
	return d, nil
}

// wireRequest is any wire record that can serve as a request or request
// part of a control queue transaction.
type wireRequest interface {
	Encode(data []byte) error
	Size() int
}

func (d *Device) checkResponse(hdr *wire.ControlHeader, expect wire.ControlType, what string) error {
	if hdr.Type == expect {
		return nil
	}
	d.l.WithFields(logrus.Fields{
		"name":     d.name,
		"response": hdr.Type.String(),
		"expected": expect.String(),
	}).Error(what)
	return fmt.Errorf("%s: %w: got %s", what, ErrUnexpectedResponse, hdr.Type)
}

// command runs a request/response transaction on the control queue and
// verifies that the device answered with an ok-no-data response.
func (d *Device) command(req wireRequest, what string) error {
	reqBuf := make([]byte, req.Size())
	if err := req.Encode(reqBuf); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	respBuf := make([]byte, wire.ControlHeaderSize)
	if err := d.transactRW(d.controlQueue, reqBuf, respBuf); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	var hdr wire.ControlHeader
	if err := hdr.Decode(respBuf); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return d.checkResponse(&hdr, wire.RespOKNoData, what)
}

// commandWithExtra is like command but carries a second device-readable
// buffer after the request record.
func (d *Device) commandWithExtra(req, extra wireRequest, what string) error {
	reqBuf := make([]byte, req.Size())
	if err := req.Encode(reqBuf); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	extraBuf := make([]byte, extra.Size())
	if err := extra.Encode(extraBuf); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	respBuf := make([]byte, wire.ControlHeaderSize)
	if err := d.transactRRW(d.controlQueue, reqBuf, extraBuf, respBuf); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	var hdr wire.ControlHeader
	if err := hdr.Decode(respBuf); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return d.checkResponse(&hdr, wire.RespOKNoData, what)
}

// updateModes fetches the display info from the device once and caches
// it. The scanout layout is not expected to change at runtime.
func (d *Device) updateModes() error {
	if d.haveDisplayInfo {
		return nil
	}

	req := wire.ControlHeader{Type: wire.CmdGetDisplayInfo}
	reqBuf := make([]byte, wire.ControlHeaderSize)
	if err := req.Encode(reqBuf); err != nil {
		return fmt.Errorf("get display info: %w", err)
	}

	respBuf := make([]byte, wire.RespDisplayInfoSize)
	if err := d.transactRW(d.controlQueue, reqBuf, respBuf); err != nil {
		return fmt.Errorf("get display info: %w", err)
	}

	var resp wire.RespDisplayInfo
	if err := resp.Decode(respBuf); err != nil {
		return fmt.Errorf("get display info: %w", err)
	}
	if err := d.checkResponse(&resp.Header, wire.RespOKDisplayInfo, "get display info"); err != nil {
		return err
	}

	d.displayInfo = resp
	d.haveDisplayInfo = true

	for i, scanout := range resp.Scanouts {
		if scanout.Enabled == 0 {
			continue
		}
		d.l.WithFields(logrus.Fields{
			"name":    d.name,
			"scanout": i,
			"width":   scanout.R.Width,
			"height":  scanout.R.Height,
		}).Debug("Scanout enabled")
	}

	return nil
}

// videoMode translates a driver mode number into the capability
// representation. Mode 0 is the fixed VGA text mode; mode n describes
// scanout n-1.
func (d *Device) videoMode(mode int) gpudev.VideoMode {
	if mode == 0 {
		return gpudev.VideoMode{
			Type:          gpudev.ModeTypeText,
			Width:         TextColumns,
			Height:        TextRows,
			ChannelOffset: [4]uint8{0, 1, 0xff, 0xff},
			Mode:          0,
		}
	}

	scanout := d.displayInfo.Scanouts[mode-1]
	return gpudev.VideoMode{
		Type:   gpudev.ModeTypeGraphics2D,
		Width:  scanout.R.Width,
		Height: scanout.R.Height,
		// The screen resource format is R8G8B8A8: red in the lowest byte.
		ChannelOffset:     [4]uint8{0, 1, 2, 3},
		Flags:             gpudev.HasMouseCursor,
		MouseCursorWidth:  64,
		MouseCursorHeight: 64,
		Mode:              mode,
	}
}

// AvailableModes implements [gpudev.Device]. The first returned mode is
// always the VGA text mode; one graphics mode follows per enabled
// scanout. The last provided slot is kept in reserve, so a two-slot
// query only reports the text mode.
func (d *Device) AvailableModes(modes []gpudev.VideoMode) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(modes) < 2 {
		return 0, ErrModesSliceTooSmall
	}

	if err := d.updateModes(); err != nil {
		return 0, err
	}

	limit := len(modes) - 1
	if limit > wire.MaxScanouts-1 {
		limit = wire.MaxScanouts - 1
	}

	cur := 0
	modes[cur] = d.videoMode(0)
	cur++

	for i := 0; i < wire.MaxScanouts; i++ {
		if cur >= limit {
			break
		}
		if d.displayInfo.Scanouts[i].Enabled != 0 {
			modes[cur] = d.videoMode(i + 1)
			cur++
		}
	}

	return cur, nil
}

// CurrentMode implements [gpudev.Device].
func (d *Device) CurrentMode() (gpudev.VideoMode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.videoMode(d.currentMode), nil
}

// reset brings the device back to a state a new mode can be entered
// from. Only text mode qualifies today; tearing down a live graphics
// mode would require unref'ing the screen resource and detaching its
// backing, which is not implemented.
func (d *Device) reset() error {
	if d.currentMode != 0 {
		return ErrUnsupportedTransition
	}
	d.l.WithField("name", d.name).Debug("Reset from text mode, nothing to do")
	return nil
}

// SetMode implements [gpudev.Device]. Switching into a graphics mode
// runs the four-step setup against the device: create the screen
// resource, allocate the frame buffer, attach it as backing and bind
// the resource to the scanout. Switching into text mode restores the
// text screen captured when text mode was last left.
//
// A failure partway leaves the device exactly as the failed step left
// it; there is no compensating teardown.
func (d *Device) SetMode(mode gpudev.VideoMode) error {
	needFlush, err := d.switchMode(mode)
	if err != nil {
		return err
	}
	if needFlush {
		// Flush takes the device lock itself, so the trailing flush of a
		// mode switch must run unlocked.
		return d.Flush()
	}
	return nil
}

func (d *Device) switchMode(mode gpudev.VideoMode) (needFlush bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	modeNum := mode.Mode
	if modeNum < 0 || modeNum > wire.MaxScanouts {
		return false, ErrInvalidMode
	}

	if d.currentMode == 0 {
		// Leaving VGA text mode, capture the text on screen.
		if err := d.vga.CopyOut(d.textSnapshot[:]); err != nil {
			return false, fmt.Errorf("snapshot text screen: %w", err)
		}
	}

	if err := d.reset(); err != nil {
		d.l.WithError(err).WithField("name", d.name).Error("Cannot reset device")
		return false, err
	}

	if modeNum == 0 {
		// Back to VGA text mode, restore the captured text screen.
		if err := d.vga.CopyIn(d.textSnapshot[:]); err != nil {
			return false, fmt.Errorf("restore text screen: %w", err)
		}
		d.l.WithField("name", d.name).Debug("Switched to text mode")
		return false, nil
	}

	if err := d.updateModes(); err != nil {
		return false, err
	}

	scanout := d.displayInfo.Scanouts[modeNum-1]
	box := scanout.R

	create := wire.ResourceCreate2D{
		Header:     wire.ControlHeader{Type: wire.CmdResourceCreate2D},
		ResourceID: screenResourceID,
		Format:     wire.FormatR8G8B8A8,
		Width:      box.Width,
		Height:     box.Height,
	}
	if err := d.command(&create, "create 2D screen resource"); err != nil {
		return false, err
	}

	d.fb = newFrameBuffer(int(box.Width) * int(box.Height))
	d.frameBox = gpudev.Rect{Width: box.Width, Height: box.Height}
	d.clipBox = d.frameBox

	attach := wire.ResourceAttachBacking{
		Header:     wire.ControlHeader{Type: wire.CmdResourceAttachBacking},
		ResourceID: screenResourceID,
		NrEntries:  1,
	}
	entry := wire.MemEntry{
		Addr:   uint64(d.fb.addr()),
		Length: d.fb.byteLen(),
	}
	if err := d.commandWithExtra(&attach, &entry, "attach frame buffer backing"); err != nil {
		return false, err
	}

	setScanout := wire.SetScanout{
		Header:     wire.ControlHeader{Type: wire.CmdSetScanout},
		R:          box,
		ScanoutID:  uint32(modeNum - 1),
		ResourceID: screenResourceID,
	}
	if err := d.command(&setScanout, "bind screen resource to scanout"); err != nil {
		return false, err
	}

	d.currentMode = modeNum
	d.l.WithFields(logrus.Fields{
		"name":   d.name,
		"mode":   modeNum,
		"width":  box.Width,
		"height": box.Height,
	}).Info("Switched to graphics mode")

	return true, nil
}

// Flush implements [gpudev.Device]: it transfers the frame buffer into
// the screen resource and flushes the resource to the scanout. In text
// mode there is nothing to do.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *Device) flushLocked() error {
	if d.currentMode == 0 {
		d.l.WithField("name", d.name).Debug("Flush in text mode, nothing to do")
		return nil
	}

	box := d.displayInfo.Scanouts[d.currentMode-1].R

	xfer := wire.TransferToHost2D{
		Header:     wire.ControlHeader{Type: wire.CmdTransferToHost2D},
		R:          box,
		ResourceID: screenResourceID,
	}
	if err := d.command(&xfer, "transfer frame buffer to host"); err != nil {
		return err
	}

	flush := wire.ResourceFlush{
		Header:     wire.ControlHeader{Type: wire.CmdResourceFlush},
		R:          box,
		ResourceID: screenResourceID,
	}
	return d.command(&flush, "flush screen resource")
}

// Unimplemented capability operations.

// TextSetChar implements [gpudev.Device].
func (d *Device) TextSetChar(at gpudev.Coordinate, c gpudev.Char) error {
	return gpudev.ErrUnsupported
}

// TextSetCursor implements [gpudev.Device].
func (d *Device) TextSetCursor(at gpudev.Coordinate, flags uint32) error {
	return gpudev.ErrUnsupported
}

// SetClippingRegion implements [gpudev.Device].
func (d *Device) SetClippingRegion(region gpudev.Region) error {
	return gpudev.ErrUnsupported
}

// DrawText implements [gpudev.Device].
func (d *Device) DrawText(at gpudev.Coordinate, font *gpudev.Font, text string) error {
	return gpudev.ErrUnsupported
}

// SetCursorBitmap implements [gpudev.Device].
func (d *Device) SetCursorBitmap(bitmap *gpudev.Bitmap) error {
	return gpudev.ErrUnsupported
}

// SetCursor implements [gpudev.Device].
func (d *Device) SetCursor(at gpudev.Coordinate) error {
	return gpudev.ErrUnsupported
}
