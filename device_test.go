package virtgpu_test

import (
	"image/color"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtgpu/virtgpu"
	"github.com/virtgpu/virtgpu/gpudev"
	"github.com/virtgpu/virtgpu/gputest"
	"github.com/virtgpu/virtgpu/wire"
)

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestSetup builds a driver over a simulated device with the given
// scanouts.
func newTestSetup(t *testing.T, scanouts ...wire.Rect) (*virtgpu.Device, *gputest.Device) {
	t.Helper()

	sim := gputest.NewDevice(newTestLogger(), scanouts...)
	t.Cleanup(func() {
		assert.NoError(t, sim.Close())
	})

	d, err := virtgpu.NewDevice(newTestLogger(), sim, sim)
	require.NoError(t, err)
	return d, sim
}

// enterGraphicsMode switches the driver into the first graphics mode.
func enterGraphicsMode(t *testing.T, d *virtgpu.Device) gpudev.VideoMode {
	t.Helper()

	modes := make([]gpudev.VideoMode, 4)
	n, err := d.AvailableModes(modes)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 2, "need a graphics mode")
	require.Equal(t, gpudev.ModeTypeGraphics2D, modes[1].Type)

	require.NoError(t, d.SetMode(modes[1]))
	return modes[1]
}

func TestNewDeviceStartsInTextMode(t *testing.T) {
	d, _ := newTestSetup(t, wire.Rect{Width: 640, Height: 480})

	mode, err := d.CurrentMode()
	require.NoError(t, err)
	assert.Equal(t, gpudev.ModeTypeText, mode.Type)
	assert.Equal(t, uint32(80), mode.Width)
	assert.Equal(t, uint32(25), mode.Height)
	assert.Equal(t, 0, mode.Mode)
}

func TestAvailableModes(t *testing.T) {
	d, sim := newTestSetup(t,
		wire.Rect{Width: 640, Height: 480},
		wire.Rect{Width: 1024, Height: 768},
	)

	_, err := d.AvailableModes(make([]gpudev.VideoMode, 1))
	assert.ErrorIs(t, err, virtgpu.ErrModesSliceTooSmall)

	// With two slots the reserved last slot leaves room for the text
	// mode only.
	modes := make([]gpudev.VideoMode, 2)
	n, err := d.AvailableModes(modes)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, gpudev.ModeTypeText, modes[0].Type)

	modes = make([]gpudev.VideoMode, 8)
	n, err = d.AvailableModes(modes)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	assert.Equal(t, gpudev.ModeTypeText, modes[0].Type)

	assert.Equal(t, gpudev.ModeTypeGraphics2D, modes[1].Type)
	assert.Equal(t, uint32(640), modes[1].Width)
	assert.Equal(t, uint32(480), modes[1].Height)
	assert.Equal(t, 1, modes[1].Mode)
	assert.NotZero(t, modes[1].Flags&gpudev.HasMouseCursor)
	assert.Equal(t, [4]uint8{0, 1, 2, 3}, modes[1].ChannelOffset)

	assert.Equal(t, uint32(1024), modes[2].Width)
	assert.Equal(t, 2, modes[2].Mode)

	// The display info is fetched once and cached.
	assert.Equal(t, 1, sim.CommandCount(wire.CmdGetDisplayInfo))
}

func TestSetModeGraphics(t *testing.T) {
	d, sim := newTestSetup(t, wire.Rect{Width: 64, Height: 32})

	mode := enterGraphicsMode(t, d)
	assert.Equal(t, uint32(64), mode.Width)

	cur, err := d.CurrentMode()
	require.NoError(t, err)
	assert.Equal(t, gpudev.ModeTypeGraphics2D, cur.Type)
	assert.Equal(t, 1, cur.Mode)

	assert.Equal(t, 1, sim.CommandCount(wire.CmdResourceCreate2D))
	assert.Equal(t, 1, sim.CommandCount(wire.CmdResourceAttachBacking))
	assert.Equal(t, 1, sim.CommandCount(wire.CmdSetScanout))

	// The mode switch ends with a flush of the fresh (black) frame.
	assert.Equal(t, 1, sim.CommandCount(wire.CmdTransferToHost2D))
	assert.Equal(t, 1, sim.CommandCount(wire.CmdResourceFlush))

	img, err := sim.Scanout(0)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 32, img.Bounds().Dy())
	assert.Equal(t, color.RGBA{}, img.RGBAAt(10, 10))
}

func TestSetModeLeavingGraphicsFails(t *testing.T) {
	d, _ := newTestSetup(t, wire.Rect{Width: 64, Height: 32})

	modes := make([]gpudev.VideoMode, 4)
	n, err := d.AvailableModes(modes)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, d.SetMode(modes[1]))

	// Graphics to graphics and graphics to text both need a device
	// reset, which is unimplemented.
	assert.ErrorIs(t, d.SetMode(modes[1]), virtgpu.ErrUnsupportedTransition)
	assert.ErrorIs(t, d.SetMode(modes[0]), virtgpu.ErrUnsupportedTransition)

	// The failed switches must not have changed the mode.
	cur, err := d.CurrentMode()
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Mode)
}

func TestSetModeTextToTextRestoresScreen(t *testing.T) {
	d, sim := newTestSetup(t, wire.Rect{Width: 64, Height: 32})

	cells := make([]uint16, virtgpu.TextCells)
	cells[0] = 0x0741
	cells[100] = 0x0742
	sim.SetTextScreen(cells)

	mode, err := d.CurrentMode()
	require.NoError(t, err)
	require.NoError(t, d.SetMode(mode))

	// The snapshot taken on the way out is restored on the way in.
	assert.Equal(t, cells, sim.TextScreen())
	assert.Equal(t, 0, sim.CommandCount(wire.CmdResourceCreate2D))
}

func TestSetModeInvalidSelector(t *testing.T) {
	d, _ := newTestSetup(t, wire.Rect{Width: 64, Height: 32})

	assert.ErrorIs(t, d.SetMode(gpudev.VideoMode{Mode: -1}), virtgpu.ErrInvalidMode)
	assert.ErrorIs(t, d.SetMode(gpudev.VideoMode{Mode: 17}), virtgpu.ErrInvalidMode)
}

func TestDrawingRequiresGraphicsMode(t *testing.T) {
	d, _ := newTestSetup(t, wire.Rect{Width: 64, Height: 32})

	p := gpudev.PixelFromRGBA(255, 0, 0, 255)
	box := gpudev.Rect{Width: 4, Height: 4}

	assert.ErrorIs(t, d.DrawPixel(gpudev.Coordinate{}, p), virtgpu.ErrNotInGraphicsMode)
	assert.ErrorIs(t, d.DrawLine(gpudev.Coordinate{}, gpudev.Coordinate{X: 3}, p), virtgpu.ErrNotInGraphicsMode)
	assert.ErrorIs(t, d.FillBoxWithPixel(box, p, gpudev.BlitOpCopy), virtgpu.ErrNotInGraphicsMode)
	assert.ErrorIs(t, d.CopyBox(box, box, gpudev.BlitOpCopy), virtgpu.ErrNotInGraphicsMode)
	assert.ErrorIs(t, d.SetClippingBox(nil), virtgpu.ErrNotInGraphicsMode)
}

func TestFillAndFlush(t *testing.T) {
	d, sim := newTestSetup(t, wire.Rect{Width: 16, Height: 16})
	enterGraphicsMode(t, d)

	red := gpudev.PixelFromRGBA(255, 0, 0, 255)
	require.NoError(t, d.FillBoxWithPixel(gpudev.Rect{X: 2, Y: 2, Width: 4, Height: 4}, red, gpudev.BlitOpCopy))

	// Not flushed yet: the device still shows the initial frame.
	img, err := sim.Scanout(0)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{}, img.RGBAAt(3, 3))

	require.NoError(t, d.Flush())

	img, err = sim.Scanout(0)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 255, A: 255}, img.RGBAAt(3, 3))
	assert.Equal(t, color.RGBA{R: 255, A: 255}, img.RGBAAt(5, 5))
	assert.Equal(t, color.RGBA{}, img.RGBAAt(6, 6), "outside the box")
	assert.Equal(t, color.RGBA{}, img.RGBAAt(1, 1), "outside the box")
}

func TestFillBoxWithBitmapTiling(t *testing.T) {
	d, sim := newTestSetup(t, wire.Rect{Width: 8, Height: 8})
	enterGraphicsMode(t, d)

	// 2x2 checkerboard tile.
	red := gpudev.PixelFromRGBA(255, 0, 0, 255)
	blue := gpudev.PixelFromRGBA(0, 0, 255, 255)
	tile := gpudev.NewBitmap(2, 2)
	*tile.At(0, 0) = red
	*tile.At(1, 1) = red
	*tile.At(1, 0) = blue
	*tile.At(0, 1) = blue

	require.NoError(t, d.FillBoxWithBitmap(gpudev.Rect{Width: 8, Height: 8}, tile, gpudev.BlitOpCopy))
	require.NoError(t, d.Flush())

	img, err := sim.Scanout(0)
	require.NoError(t, err)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			want := color.RGBA{R: 255, A: 255}
			if (x+y)%2 == 1 {
				want = color.RGBA{B: 255, A: 255}
			}
			assert.Equal(t, want, img.RGBAAt(x, y), "(%d,%d)", x, y)
		}
	}

	assert.ErrorIs(t, d.FillBoxWithBitmap(gpudev.Rect{Width: 2, Height: 2}, gpudev.NewBitmap(0, 2), gpudev.BlitOpCopy), virtgpu.ErrEmptyBitmap)
}

func TestCopyBoxTilesSource(t *testing.T) {
	d, sim := newTestSetup(t, wire.Rect{Width: 8, Height: 8})
	enterGraphicsMode(t, d)

	green := gpudev.PixelFromRGBA(0, 255, 0, 255)
	require.NoError(t, d.FillBoxWithPixel(gpudev.Rect{Width: 2, Height: 2}, green, gpudev.BlitOpCopy))

	// Copy the 2x2 source across a 4x4 destination: the source tiles.
	require.NoError(t, d.CopyBox(
		gpudev.Rect{Width: 2, Height: 2},
		gpudev.Rect{X: 4, Y: 4, Width: 4, Height: 4},
		gpudev.BlitOpCopy,
	))
	require.NoError(t, d.Flush())

	img, err := sim.Scanout(0)
	require.NoError(t, err)
	for y := 4; y < 8; y++ {
		for x := 4; x < 8; x++ {
			assert.Equal(t, color.RGBA{G: 255, A: 255}, img.RGBAAt(x, y), "(%d,%d)", x, y)
		}
	}

	assert.ErrorIs(t, d.CopyBox(gpudev.Rect{}, gpudev.Rect{Width: 2, Height: 2}, gpudev.BlitOpCopy), virtgpu.ErrEmptyBox)

	// Copying a box onto itself must not change anything.
	before, err := sim.Scanout(0)
	require.NoError(t, err)
	box := gpudev.Rect{X: 4, Y: 4, Width: 4, Height: 4}
	require.NoError(t, d.CopyBox(box, box, gpudev.BlitOpCopy))
	require.NoError(t, d.Flush())
	after, err := sim.Scanout(0)
	require.NoError(t, err)
	assert.Equal(t, before.Pix, after.Pix)
}

// Each destination column of a box copy aborts at the first coordinate
// outside the clipping box instead of skipping just that pixel. With a
// source that starts above the clipping box nothing is copied at all,
// even though parts of the source lie within it.
func TestCopyBoxStopsColumnAtClipEdge(t *testing.T) {
	d, sim := newTestSetup(t, wire.Rect{Width: 8, Height: 8})
	enterGraphicsMode(t, d)

	white := gpudev.PixelFromRGBA(255, 255, 255, 255)
	require.NoError(t, d.FillBoxWithPixel(gpudev.Rect{Width: 8, Height: 8}, white, gpudev.BlitOpCopy))

	clip := gpudev.Rect{X: 0, Y: 2, Width: 8, Height: 6}
	require.NoError(t, d.SetClippingBox(&clip))

	black := gpudev.PixelFromRGBA(0, 0, 0, 255)
	require.NoError(t, d.FillBoxWithPixel(gpudev.Rect{X: 0, Y: 2, Width: 8, Height: 6}, black, gpudev.BlitOpCopy))

	// Source rows 0..3 start above the clipping box, so every column
	// aborts at its first (out-of-clip) source row.
	require.NoError(t, d.CopyBox(
		gpudev.Rect{X: 0, Y: 0, Width: 2, Height: 4},
		gpudev.Rect{X: 0, Y: 2, Width: 2, Height: 6},
		gpudev.BlitOpCopy,
	))
	require.NoError(t, d.Flush())

	img, err := sim.Scanout(0)
	require.NoError(t, err)
	for y := 2; y < 8; y++ {
		for x := 0; x < 2; x++ {
			assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(x, y), "(%d,%d) must be untouched", x, y)
		}
	}
}

func TestSetClippingBoxReset(t *testing.T) {
	d, sim := newTestSetup(t, wire.Rect{Width: 8, Height: 8})
	enterGraphicsMode(t, d)

	red := gpudev.PixelFromRGBA(255, 0, 0, 255)
	clip := gpudev.Rect{X: 0, Y: 0, Width: 2, Height: 2}
	require.NoError(t, d.SetClippingBox(&clip))
	require.NoError(t, d.FillBoxWithPixel(gpudev.Rect{Width: 8, Height: 8}, red, gpudev.BlitOpCopy))

	// Reset to the full frame and fill again.
	blue := gpudev.PixelFromRGBA(0, 0, 255, 255)
	require.NoError(t, d.SetClippingBox(nil))
	require.NoError(t, d.FillBoxWithPixel(gpudev.Rect{X: 4, Y: 4, Width: 4, Height: 4}, blue, gpudev.BlitOpCopy))
	require.NoError(t, d.Flush())

	img, err := sim.Scanout(0)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 255, A: 255}, img.RGBAAt(1, 1))
	assert.Equal(t, color.RGBA{}, img.RGBAAt(3, 3), "clipped during first fill")
	assert.Equal(t, color.RGBA{B: 255, A: 255}, img.RGBAAt(5, 5))
}

func TestDrawPolyClosesOutline(t *testing.T) {
	d, sim := newTestSetup(t, wire.Rect{Width: 8, Height: 8})
	enterGraphicsMode(t, d)

	p := gpudev.PixelFromRGBA(255, 255, 0, 255)
	require.NoError(t, d.DrawPoly([]gpudev.Coordinate{
		{X: 1, Y: 1},
		{X: 6, Y: 1},
		{X: 6, Y: 6},
		{X: 1, Y: 6},
	}, p))
	require.NoError(t, d.Flush())

	img, err := sim.Scanout(0)
	require.NoError(t, err)
	want := color.RGBA{R: 255, G: 255, A: 255}

	// All four edges, including the closing one back to the start.
	for i := 1; i <= 6; i++ {
		assert.Equal(t, want, img.RGBAAt(i, 1), "top edge x=%d", i)
		assert.Equal(t, want, img.RGBAAt(i, 6), "bottom edge x=%d", i)
		assert.Equal(t, want, img.RGBAAt(1, i), "left edge y=%d", i)
		assert.Equal(t, want, img.RGBAAt(6, i), "right edge y=%d", i)
	}
	assert.Equal(t, color.RGBA{}, img.RGBAAt(3, 3), "interior stays empty")
}

func TestUnsupportedCapabilities(t *testing.T) {
	d, _ := newTestSetup(t, wire.Rect{Width: 8, Height: 8})

	assert.ErrorIs(t, d.TextSetChar(gpudev.Coordinate{}, gpudev.Char{}), gpudev.ErrUnsupported)
	assert.ErrorIs(t, d.TextSetCursor(gpudev.Coordinate{}, 0), gpudev.ErrUnsupported)
	assert.ErrorIs(t, d.SetClippingRegion(gpudev.Region{}), gpudev.ErrUnsupported)
	assert.ErrorIs(t, d.DrawText(gpudev.Coordinate{}, nil, "hi"), gpudev.ErrUnsupported)
	assert.ErrorIs(t, d.SetCursorBitmap(nil), gpudev.ErrUnsupported)
	assert.ErrorIs(t, d.SetCursor(gpudev.Coordinate{}), gpudev.ErrUnsupported)
}

func TestBlitOpsThroughFill(t *testing.T) {
	d, sim := newTestSetup(t, wire.Rect{Width: 4, Height: 4})
	enterGraphicsMode(t, d)

	base := gpudev.PixelFromChannels([4]uint8{100, 100, 100, 100})
	require.NoError(t, d.FillBoxWithPixel(gpudev.Rect{Width: 4, Height: 4}, base, gpudev.BlitOpCopy))

	add := gpudev.PixelFromChannels([4]uint8{200, 10, 0, 155})
	require.NoError(t, d.FillBoxWithPixel(gpudev.Rect{Width: 4, Height: 4}, add, gpudev.BlitOpPlus))
	require.NoError(t, d.Flush())

	img, err := sim.Scanout(0)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 255, G: 110, B: 100, A: 255}, img.RGBAAt(0, 0))
}

func TestWithNameOption(t *testing.T) {
	sim := gputest.NewDevice(newTestLogger(), wire.Rect{Width: 8, Height: 8})
	defer sim.Close()

	_, err := virtgpu.NewDevice(newTestLogger(), sim, sim, virtgpu.WithName(""))
	assert.Error(t, err)

	d, err := virtgpu.NewDevice(newTestLogger(), sim, sim, virtgpu.WithName("gpu0"))
	require.NoError(t, err)
	require.NotNil(t, d)
}
