// Package gpudev defines the capability surface a 2D graphics driver
// exposes to the rest of a graphics subsystem: video mode discovery and
// switching, text cell access, and raster drawing primitives. Drivers
// implement [Device]; callers hold the interface and never see the
// underlying hardware protocol.
package gpudev

import "errors"

// ErrUnsupported is returned by capability operations the underlying
// device does not implement.
var ErrUnsupported = errors.New("operation not supported by this device")

// ModeType discriminates text and 2D graphics video modes.
type ModeType uint32

const (
	ModeTypeText ModeType = iota
	ModeTypeGraphics2D
)

func (t ModeType) String() string {
	switch t {
	case ModeTypeText:
		return "text"
	case ModeTypeGraphics2D:
		return "graphics2d"
	default:
		return "unknown"
	}
}

// Video mode capability flags.
const (
	// HasMouseCursor is set when the mode supports a hardware mouse
	// cursor plane.
	HasMouseCursor uint32 = 1 << 0
)

// VideoMode describes one mode the device can be switched into. Mode is
// an opaque driver-private selector; callers must pass modes back to
// SetMode unmodified.
type VideoMode struct {
	Type   ModeType
	Width  uint32
	Height uint32

	// ChannelOffset gives the byte offset of each color channel within a
	// pixel. For text modes only the first two entries are meaningful
	// (foreground/background attribute nibbles); unused entries are 0xff.
	ChannelOffset [4]uint8

	Flags             uint32
	MouseCursorWidth  uint32
	MouseCursorHeight uint32

	Mode int
}

// Coordinate is a position within a frame buffer or text screen.
type Coordinate struct {
	X uint32
	Y uint32
}

// Rect is a box with an inclusive origin and exclusive extent: a
// coordinate (x, y) lies inside when X <= x < X+Width and
// Y <= y < Y+Height.
type Rect struct {
	X      uint32
	Y      uint32
	Width  uint32
	Height uint32
}

// Region is a clipping region built from multiple boxes.
type Region struct {
	Rects []Rect
}

// Char is one text-mode cell: a character value plus an attribute byte.
type Char struct {
	Value     byte
	Attribute byte
}

// Font describes a fixed-cell bitmap font for graphics-mode text.
type Font struct {
	Width  uint32
	Height uint32
	Data   []byte
}

// Bitmap is a rectangular pixel array used as a fill pattern or cursor
// image. Pixels is in row-major order and must hold Width*Height
// entries.
type Bitmap struct {
	Width  uint32
	Height uint32
	Pixels []Pixel
}

// NewBitmap allocates a zeroed bitmap of the given dimensions.
func NewBitmap(width, height uint32) *Bitmap {
	return &Bitmap{
		Width:  width,
		Height: height,
		Pixels: make([]Pixel, width*height),
	}
}

// At returns a pointer to the pixel at (x, y).
func (b *Bitmap) At(x, y uint32) *Pixel {
	return &b.Pixels[y*b.Width+x]
}

// Device is the capability surface of a graphics device. Operations the
// device cannot perform return [ErrUnsupported]. Implementations are
// safe for concurrent use.
type Device interface {
	// AvailableModes fills modes with the modes the device can switch
	// into and returns how many were written. The slice must have room
	// for at least two entries.
	AvailableModes(modes []VideoMode) (int, error)

	// CurrentMode returns the mode the device is currently in.
	CurrentMode() (VideoMode, error)

	// SetMode switches the device into a mode previously returned by
	// AvailableModes or CurrentMode.
	SetMode(mode VideoMode) error

	// Flush makes all drawing performed since the last flush visible.
	Flush() error

	TextSetChar(at Coordinate, c Char) error
	TextSetCursor(at Coordinate, flags uint32) error

	// SetClippingBox restricts drawing to the given box. A nil box
	// resets clipping to the full frame buffer.
	SetClippingBox(box *Rect) error
	SetClippingRegion(region Region) error

	DrawPixel(at Coordinate, p Pixel) error
	DrawLine(start, end Coordinate, p Pixel) error
	DrawPoly(coords []Coordinate, p Pixel) error
	FillBoxWithPixel(box Rect, p Pixel, op BlitOp) error
	FillBoxWithBitmap(box Rect, bitmap *Bitmap, op BlitOp) error
	CopyBox(src, dst Rect, op BlitOp) error
	DrawText(at Coordinate, font *Font, text string) error

	SetCursorBitmap(bitmap *Bitmap) error
	SetCursor(at Coordinate) error
}
