// Package gputest provides an in-process simulated virtio GPU device.
// It implements the driver's Transport and VGATextBuffer contracts,
// shares virtqueue memory with the driver and processes descriptor
// chains synchronously when notified. Tests and the demo command use it
// in place of a real virtio transport: they can inspect per-command
// counters, the text screen and the rendered scanout contents.
package gputest

import (
	"errors"
	"fmt"
	"image"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/virtgpu/virtgpu"
	"github.com/virtgpu/virtgpu/virtqueue"
	"github.com/virtgpu/virtgpu/wire"
)

// Device feature bits offered to the driver.
const (
	// featureEDID is VIRTIO_GPU_F_EDID.
	featureEDID uint64 = 1 << 1
	// featureVersion1 is VIRTIO_F_VERSION_1.
	featureVersion1 uint64 = 1 << 32
)

const numQueues = 2

// ErrMalformedCommand is returned from Notify when the driver submits a
// descriptor chain the device cannot parse. A real device would answer
// with an error response; keeping it a transport error makes driver
// bugs fail loudly in tests.
var ErrMalformedCommand = errors.New("malformed command chain")

// resource is the device-side state of one 2D resource.
type resource struct {
	width  uint32
	height uint32
	format wire.Format

	backingAddr uintptr
	backingLen  uint32

	// hostPixels is the device-side copy of the resource contents,
	// updated by transferToHost2D. R8G8B8A8, row-major.
	hostPixels []byte
}

// Device is a simulated virtio GPU. It is not safe for concurrent use;
// command processing happens synchronously on the goroutine that calls
// Notify, which matches the driver's synchronous transaction engine.
type Device struct {
	l *logrus.Logger

	queueSize int
	queues    []*virtqueue.SplitQueue

	// lastAvail tracks, per queue, the available ring position up to
	// which chains were processed.
	lastAvail []uint16

	acked          bool
	driverFeatures uint64
	queueSelect    uint16

	scanouts        [wire.MaxScanouts]wire.DisplayInfo
	scanoutResource [wire.MaxScanouts]uint32
	resources       map[uint32]*resource

	commandCounts map[wire.ControlType]int

	textCells [virtgpu.TextCells]uint16
}

// The device must satisfy the driver's transport contracts.
var (
	_ virtgpu.Transport     = (*Device)(nil)
	_ virtgpu.VGATextBuffer = (*Device)(nil)
)

// NewDevice creates a simulated device with one enabled scanout per
// given rectangle.
func NewDevice(l *logrus.Logger, scanouts ...wire.Rect) *Device {
	d := &Device{
		l:             l,
		queueSize:     64,
		resources:     make(map[uint32]*resource),
		commandCounts: make(map[wire.ControlType]int),
	}
	for i, r := range scanouts {
		if i >= wire.MaxScanouts {
			break
		}
		d.scanouts[i] = wire.DisplayInfo{R: r, Enabled: 1}
	}
	return d
}

// Close releases the virtqueue memory.
func (d *Device) Close() error {
	var errs []error
	for _, q := range d.queues {
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.queues = nil
	return errors.Join(errs...)
}

// Ack implements [virtgpu.Transport].
func (d *Device) Ack() error {
	d.acked = true
	return nil
}

// ReadDeviceFeatures implements [virtgpu.Transport].
func (d *Device) ReadDeviceFeatures() (uint64, error) {
	return featureVersion1 | featureEDID, nil
}

// WriteDriverFeatures implements [virtgpu.Transport].
func (d *Device) WriteDriverFeatures(features uint64) error {
	d.driverFeatures = features
	return nil
}

// InitQueues implements [virtgpu.Transport]: it allocates the control
// and cursor queues.
func (d *Device) InitQueues() error {
	if d.queues != nil {
		return errors.New("queues are already initialized")
	}
	for i := 0; i < numQueues; i++ {
		q, err := virtqueue.NewSplitQueue(d.queueSize)
		if err != nil {
			return fmt.Errorf("create queue %d: %w", i, err)
		}
		d.queues = append(d.queues, q)
	}
	d.lastAvail = make([]uint16, numQueues)
	return nil
}

// Queue implements [virtgpu.Transport].
func (d *Device) Queue(index uint16) (*virtqueue.SplitQueue, error) {
	if int(index) >= len(d.queues) {
		return nil, fmt.Errorf("queue %d does not exist", index)
	}
	return d.queues[index], nil
}

// AllocChain implements [virtgpu.Transport].
func (d *Device) AllocChain(queueIndex uint16, count int) ([]uint16, error) {
	q, err := d.Queue(queueIndex)
	if err != nil {
		return nil, err
	}
	return q.DescriptorTable().AllocateChain(count)
}

// FreeChain implements [virtgpu.Transport].
func (d *Device) FreeChain(queueIndex uint16, head uint16) error {
	q, err := d.Queue(queueIndex)
	if err != nil {
		return err
	}
	return q.DescriptorTable().FreeChain(head)
}

// StoreRegister16 implements [virtgpu.Transport].
func (d *Device) StoreRegister16(reg virtgpu.Register, v uint16) {
	switch reg {
	case virtgpu.RegQueueSelect:
		d.queueSelect = v
	case virtgpu.RegQueueEnable:
		// Queues are always enabled in the simulation.
	}
}

// LoadCounter16 implements [virtgpu.Transport]. The simulated device
// runs on the driver's goroutine, so a plain load is enough.
func (d *Device) LoadCounter16(p *uint16) uint16 {
	return *p
}

// Barrier implements [virtgpu.Transport]. Driver and device share a
// goroutine, so program order is all the ordering there is.
func (d *Device) Barrier() {}

// Notify implements [virtgpu.Transport]: it synchronously drains the
// available ring of the given queue, processing each offered descriptor
// chain and pushing a used element for it.
func (d *Device) Notify(queueIndex uint16) error {
	q, err := d.Queue(queueIndex)
	if err != nil {
		return err
	}

	avail := q.AvailableRing()
	for d.lastAvail[queueIndex] != avail.Index() {
		head := avail.Entry(d.lastAvail[queueIndex])
		written, err := d.handleChain(q, head)
		if err != nil {
			return err
		}
		q.UsedRing().Push(head, written)
		d.lastAvail[queueIndex]++
	}
	return nil
}

// CommandCount returns how often the device has processed the given
// command type.
func (d *Device) CommandCount(t wire.ControlType) int {
	return d.commandCounts[t]
}

// CopyOut implements [virtgpu.VGATextBuffer].
func (d *Device) CopyOut(dst []uint16) error {
	if len(dst) < virtgpu.TextCells {
		return fmt.Errorf("text buffer needs %d cells, got %d", virtgpu.TextCells, len(dst))
	}
	copy(dst, d.textCells[:])
	return nil
}

// CopyIn implements [virtgpu.VGATextBuffer].
func (d *Device) CopyIn(src []uint16) error {
	if len(src) < virtgpu.TextCells {
		return fmt.Errorf("text buffer needs %d cells, got %d", virtgpu.TextCells, len(src))
	}
	copy(d.textCells[:], src)
	return nil
}

// TextScreen returns a copy of the current VGA text screen.
func (d *Device) TextScreen() []uint16 {
	out := make([]uint16, virtgpu.TextCells)
	copy(out, d.textCells[:])
	return out
}

// SetTextScreen replaces the VGA text screen contents.
func (d *Device) SetTextScreen(cells []uint16) {
	copy(d.textCells[:], cells)
}

// Scanout renders the resource bound to scanout n into an image. The
// image reflects the resource contents as of the last transfer, which
// is what a flushed screen shows.
func (d *Device) Scanout(n int) (*image.RGBA, error) {
	if n < 0 || n >= wire.MaxScanouts || d.scanouts[n].Enabled == 0 {
		return nil, fmt.Errorf("scanout %d does not exist", n)
	}

	id := d.scanoutResource[n]
	if id == 0 {
		return nil, fmt.Errorf("scanout %d has no resource bound", n)
	}
	res, ok := d.resources[id]
	if !ok {
		return nil, fmt.Errorf("scanout %d is bound to unknown resource %d", n, id)
	}

	img := image.NewRGBA(image.Rect(0, 0, int(res.width), int(res.height)))

	// The resource format is R8G8B8A8 with red in the lowest byte, which
	// is exactly the RGBA byte order of the stdlib image.
	copy(img.Pix, res.hostPixels)
	return img, nil
}

// backing returns the guest memory attached to a resource.
func (res *resource) backing() ([]byte, error) {
	if res.backingAddr == 0 {
		return nil, errors.New("resource has no backing attached")
	}

	// The backing address points to driver-owned memory that stays alive
	// for the resource lifetime, so this conversion is safe.
	// See https://github.com/golang/go/issues/58625
	//goland:noinspection GoVetUnsafePointer
	return unsafe.Slice((*byte)(unsafe.Pointer(res.backingAddr)), res.backingLen), nil
}
