// Command virtgpu-demo drives the virtio GPU driver against the
// in-process simulated device: it switches into the first graphics
// mode, renders a small scene and writes the resulting scanout contents
// to a PNG file.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/png"
	"os"

	"github.com/fogleman/gg"
	"github.com/sirupsen/logrus"
	"github.com/virtgpu/virtgpu"
	"github.com/virtgpu/virtgpu/config"
	"github.com/virtgpu/virtgpu/gpudev"
	"github.com/virtgpu/virtgpu/gputest"
	"github.com/virtgpu/virtgpu/wire"
)

func main() {
	configPath := flag.String("config", "", "Path to a file to load configuration from")
	outPath := flag.String("out", "", "Path to write the rendered scanout to, overrides demo.output")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if *configPath != "" {
		if err := c.Load(*configPath); err != nil {
			fmt.Printf("failed to load config: %s", err)
			os.Exit(1)
		}
	}

	if err := virtgpu.ConfigLogger(l, c); err != nil {
		l.WithError(err).Fatal("Failed to configure the logger")
	}

	out := *outPath
	if out == "" {
		out = c.GetString("demo.output", "scanout.png")
	}

	if err := run(l, c, out); err != nil {
		l.WithError(err).Fatal("Demo failed")
	}
}

func run(l *logrus.Logger, c *config.C, out string) error {
	width := c.GetUint32("display.width", 640)
	height := c.GetUint32("display.height", 480)

	sim := gputest.NewDevice(l, wire.Rect{Width: width, Height: height})
	defer sim.Close()

	d, err := virtgpu.NewDevice(l, sim, sim, virtgpu.WithName(c.GetString("device.name", "virtio-gpu")))
	if err != nil {
		return fmt.Errorf("initialize driver: %w", err)
	}

	modes := make([]gpudev.VideoMode, 4)
	n, err := d.AvailableModes(modes)
	if err != nil {
		return fmt.Errorf("query video modes: %w", err)
	}
	for _, mode := range modes[:n] {
		l.WithFields(logrus.Fields{
			"mode":   mode.Mode,
			"type":   mode.Type.String(),
			"width":  mode.Width,
			"height": mode.Height,
		}).Info("Video mode available")
	}
	if n < 2 {
		return fmt.Errorf("no graphics mode available")
	}

	modeNum := c.GetInt("demo.mode", 1)
	if modeNum < 1 || modeNum >= n {
		return fmt.Errorf("mode %d is not an available graphics mode", modeNum)
	}
	if err := d.SetMode(modes[modeNum]); err != nil {
		return fmt.Errorf("switch to graphics mode: %w", err)
	}

	if err := drawScene(d, modes[modeNum].Width, modes[modeNum].Height); err != nil {
		return fmt.Errorf("draw scene: %w", err)
	}
	if err := d.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}

	img, err := sim.Scanout(modes[modeNum].Mode - 1)
	if err != nil {
		return fmt.Errorf("read scanout: %w", err)
	}
	return writePNG(out, img)
}

// drawScene renders a backdrop with gg and layers driver-drawn
// primitives on top of it.
func drawScene(d gpudev.Device, width, height uint32) error {
	dc := gg.NewContext(int(width), int(height))
	dc.SetRGB(0.07, 0.07, 0.17)
	dc.Clear()
	dc.SetRGB(0.9, 0.7, 0.1)
	dc.DrawCircle(float64(width)/2, float64(height)/2, float64(height)/4)
	dc.Fill()

	backdrop := bitmapFromImage(dc.Image())
	if err := d.FillBoxWithBitmap(gpudev.Rect{Width: width, Height: height}, backdrop, gpudev.BlitOpCopy); err != nil {
		return err
	}

	// A crosshair over the circle.
	white := gpudev.PixelFromRGBA(255, 255, 255, 255)
	cx, cy := width/2, height/2
	if err := d.DrawLine(gpudev.Coordinate{X: 0, Y: cy}, gpudev.Coordinate{X: width - 1, Y: cy}, white); err != nil {
		return err
	}
	if err := d.DrawLine(gpudev.Coordinate{X: cx, Y: 0}, gpudev.Coordinate{X: cx, Y: height - 1}, white); err != nil {
		return err
	}

	// A frame around the whole screen.
	green := gpudev.PixelFromRGBA(0, 255, 0, 255)
	if err := d.DrawPoly([]gpudev.Coordinate{
		{X: 0, Y: 0},
		{X: width - 1, Y: 0},
		{X: width - 1, Y: height - 1},
		{X: 0, Y: height - 1},
	}, green); err != nil {
		return err
	}

	// Darken the top left quadrant by halving every channel.
	half := gpudev.PixelFromChannels([4]uint8{2, 2, 2, 1})
	return d.FillBoxWithPixel(gpudev.Rect{Width: cx, Height: cy}, half, gpudev.BlitOpDivide)
}

// bitmapFromImage converts an image into the driver's bitmap
// representation, R8G8B8A8 with red in the low byte.
func bitmapFromImage(img image.Image) *gpudev.Bitmap {
	bounds := img.Bounds()
	bm := gpudev.NewBitmap(uint32(bounds.Dx()), uint32(bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			*bm.At(uint32(x-bounds.Min.X), uint32(y-bounds.Min.Y)) = gpudev.PixelFromRGBA(
				uint8(r>>8), uint8(g>>8), uint8(b>>8), uint8(a>>8))
		}
	}
	return bm
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode png: %w", err)
	}
	return f.Close()
}
