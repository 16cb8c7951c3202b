package virtgpu

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/virtgpu/virtgpu/gpudev"
)

var (
	// ErrEmptyBitmap is returned when a bitmap fill is given a bitmap
	// with a zero dimension.
	ErrEmptyBitmap = errors.New("bitmap must not be empty")

	// ErrEmptyBox is returned when a copy is given a source box with a
	// zero dimension.
	ErrEmptyBox = errors.New("source box must not be empty")
)

func satAdd(x, y uint8) uint8 {
	s := uint16(x) + uint16(y)
	if s > 0xff {
		return 0xff
	}
	return uint8(s)
}

func satSub(x, y uint8) uint8 {
	if y > x {
		return 0
	}
	return x - y
}

func satMul(x, y uint8) uint8 {
	p := uint16(x) * uint16(y)
	if p > 0xff {
		return 0xff
	}
	return uint8(p)
}

func blitChannels(old, src gpudev.Pixel, f func(x, y uint8) uint8) gpudev.Pixel {
	var out [4]uint8
	for i := range out {
		out[i] = f(old.Channel(i), src.Channel(i))
	}
	return gpudev.PixelFromChannels(out)
}

// applyBlit combines the existing frame buffer pixel with the source
// pixel under the given operator and returns the result. The bitwise
// operators act on the raw 32-bit values; the arithmetic ones act per
// channel and saturate, with division by a zero channel yielding 255.
func applyBlit(old, src gpudev.Pixel, op gpudev.BlitOp) gpudev.Pixel {
	switch op {
	case gpudev.BlitOpCopy:
		return src
	case gpudev.BlitOpNot:
		return gpudev.PixelFromRaw(^src.Raw())
	case gpudev.BlitOpAnd:
		return gpudev.PixelFromRaw(old.Raw() & src.Raw())
	case gpudev.BlitOpOr:
		return gpudev.PixelFromRaw(old.Raw() | src.Raw())
	case gpudev.BlitOpNand:
		return gpudev.PixelFromRaw(^(old.Raw() & src.Raw()))
	case gpudev.BlitOpNor:
		return gpudev.PixelFromRaw(^(old.Raw() | src.Raw()))
	case gpudev.BlitOpXor:
		return gpudev.PixelFromRaw(old.Raw() ^ src.Raw())
	case gpudev.BlitOpXnor:
		return gpudev.PixelFromRaw(^(old.Raw() ^ src.Raw()))
	case gpudev.BlitOpPlus:
		return blitChannels(old, src, satAdd)
	case gpudev.BlitOpMinus:
		return blitChannels(old, src, satSub)
	case gpudev.BlitOpMultiply:
		return blitChannels(old, src, satMul)
	case gpudev.BlitOpDivide:
		return blitChannels(old, src, func(x, y uint8) uint8 {
			if y == 0 {
				return 0xff
			}
			return x / y
		})
	default:
		return old
	}
}

// inRect reports whether location lies within rect. The origin is
// inclusive and the extent exclusive.
func inRect(rect gpudev.Rect, location gpudev.Coordinate) bool {
	return location.X >= rect.X &&
		location.X < rect.X+rect.Width &&
		location.Y >= rect.Y &&
		location.Y < rect.Y+rect.Height
}

// pixelAt returns the frame buffer pixel at the given coordinate, which
// must be within the frame box.
func (d *Device) pixelAt(x, y uint32) *gpudev.Pixel {
	return &d.fb.pixels[y*d.frameBox.Width+x]
}

// clipApply applies op at location when the location is within the
// clipping box, and does nothing otherwise. The clipping box never
// exceeds the frame box, so an in-clip location is always a valid frame
// buffer index.
func (d *Device) clipApply(location gpudev.Coordinate, src gpudev.Pixel, op gpudev.BlitOp) {
	if !inRect(d.clipBox, location) {
		return
	}
	p := d.pixelAt(location.X, location.Y)
	*p = applyBlit(*p, src, op)
}

// drawLine rasterizes a line with Bresenham's algorithm, adapted from
// https://en.wikipedia.org/wiki/Bresenham%27s_line_algorithm#All_cases
func (d *Device) drawLine(start, end gpudev.Coordinate, p gpudev.Pixel) {
	x0, x1 := int32(start.X), int32(end.X)
	y0, y1 := int32(start.Y), int32(end.Y)

	dx := abs32(x1 - x0)
	dy := -abs32(y1 - y0)
	sx := sign32(x1 - x0)
	sy := sign32(y1 - y0)
	err := dx + dy

	for {
		d.clipApply(gpudev.Coordinate{X: uint32(x0), Y: uint32(y0)}, p, gpudev.BlitOpCopy)

		if x0 == x1 && y0 == y1 {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			if x0 == x1 {
				break
			}
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			if y0 == y1 {
				break
			}
			err += dx
			y0 += sy
		}
	}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func sign32(v int32) int32 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// SetClippingBox implements [gpudev.Device]. A nil box resets clipping
// to the full frame buffer.
func (d *Device) SetClippingBox(box *gpudev.Rect) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fb == nil {
		return ErrNotInGraphicsMode
	}

	if box == nil {
		d.clipBox = d.frameBox
	} else {
		d.clipBox = *box
	}
	return nil
}

// DrawPixel implements [gpudev.Device].
func (d *Device) DrawPixel(at gpudev.Coordinate, p gpudev.Pixel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fb == nil {
		return ErrNotInGraphicsMode
	}

	d.l.WithFields(logrus.Fields{
		"name": d.name,
		"x":    at.X,
		"y":    at.Y,
	}).Debug("Draw pixel")

	d.clipApply(at, p, gpudev.BlitOpCopy)
	return nil
}

// DrawLine implements [gpudev.Device].
func (d *Device) DrawLine(start, end gpudev.Coordinate, p gpudev.Pixel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fb == nil {
		return ErrNotInGraphicsMode
	}

	d.drawLine(start, end, p)
	return nil
}

// DrawPoly implements [gpudev.Device]. The polygon is closed: an edge is
// drawn from the last coordinate back to the first.
func (d *Device) DrawPoly(coords []gpudev.Coordinate, p gpudev.Pixel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fb == nil {
		return ErrNotInGraphicsMode
	}

	for i := range coords {
		d.drawLine(coords[i], coords[(i+1)%len(coords)], p)
	}
	return nil
}

// FillBoxWithPixel implements [gpudev.Device].
func (d *Device) FillBoxWithPixel(box gpudev.Rect, p gpudev.Pixel, op gpudev.BlitOp) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fb == nil {
		return ErrNotInGraphicsMode
	}

	for i := uint32(0); i < box.Width; i++ {
		for j := uint32(0); j < box.Height; j++ {
			d.clipApply(gpudev.Coordinate{X: box.X + i, Y: box.Y + j}, p, op)
		}
	}
	return nil
}

// FillBoxWithBitmap implements [gpudev.Device]. The bitmap is tiled
// across the box when it is smaller than the box.
func (d *Device) FillBoxWithBitmap(box gpudev.Rect, bitmap *gpudev.Bitmap, op gpudev.BlitOp) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fb == nil {
		return ErrNotInGraphicsMode
	}
	if bitmap == nil || bitmap.Width == 0 || bitmap.Height == 0 {
		return ErrEmptyBitmap
	}

	for i := uint32(0); i < box.Width; i++ {
		for j := uint32(0); j < box.Height; j++ {
			src := *bitmap.At(i%bitmap.Width, j%bitmap.Height)
			d.clipApply(gpudev.Coordinate{X: box.X + i, Y: box.Y + j}, src, op)
		}
	}
	return nil
}

// CopyBox implements [gpudev.Device]. The source box is tiled when the
// destination is larger.
//
// Quirk, kept for compatibility: each destination column stops at the
// first coordinate (source or destination) that falls outside the
// clipping box, instead of skipping just that pixel. Boxes that lie
// entirely within the clipping box are unaffected.
func (d *Device) CopyBox(src, dst gpudev.Rect, op gpudev.BlitOp) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fb == nil {
		return ErrNotInGraphicsMode
	}
	if src.Width == 0 || src.Height == 0 {
		return ErrEmptyBox
	}

	for i := uint32(0); i < dst.Width; i++ {
		for j := uint32(0); j < dst.Height; j++ {
			oldLocation := gpudev.Coordinate{X: dst.X + i, Y: dst.Y + j}
			newLocation := gpudev.Coordinate{
				X: src.X + i%src.Width,
				Y: src.Y + j%src.Height,
			}

			if !inRect(d.clipBox, oldLocation) {
				break
			}
			if !inRect(d.clipBox, newLocation) {
				break
			}

			// Snapshot the source pixel before blitting, in case source
			// and destination overlap.
			srcPixel := *d.pixelAt(newLocation.X, newLocation.Y)
			d.clipApply(oldLocation, srcPixel, op)
		}
	}
	return nil
}
