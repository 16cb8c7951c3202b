// Package virtgpu implements a driver for the virtio GPU
// paravirtualized 2D graphics adapter. The driver speaks the virtio GPU
// control protocol over a split virtqueue, manages the screen resource
// and scanout lifecycle, and exposes the [gpudev.Device] capability
// surface with a software rasterizer over a driver-owned frame buffer.
//
// The driver never touches hardware directly. Everything
// device-specific goes through the [Transport] interface, so the same
// driver core runs against a real virtio transport or against the
// in-process simulated device in the gputest package.
package virtgpu

import (
	"github.com/virtgpu/virtgpu/virtqueue"
)

// Register identifies a 16-bit device register the driver stores into
// around a queue notification. The values are the offsets of the fields
// within the virtio PCI common configuration structure.
type Register uint16

const (
	// RegQueueSelect selects which virtqueue the other queue registers
	// refer to.
	RegQueueSelect Register = 0x16
	// RegQueueEnable enables the selected virtqueue.
	RegQueueEnable Register = 0x1c
)

// Queue indices of the virtio GPU device.
const (
	controlQueueIndex uint16 = 0
	cursorQueueIndex  uint16 = 1
)

// Transport is the lower edge of the driver: the virtio device access a
// platform provides. Implementations back the driver with a real virtio
// transport (PCI, MMIO) or with a simulated device.
type Transport interface {
	// Ack acknowledges the device during initialization.
	Ack() error

	// ReadDeviceFeatures returns the feature bits the device offers.
	ReadDeviceFeatures() (uint64, error)

	// WriteDriverFeatures tells the device which feature bits the driver
	// accepts.
	WriteDriverFeatures(features uint64) error

	// InitQueues allocates and registers the device's virtqueues.
	InitQueues() error

	// Queue returns the virtqueue with the given index. The queue memory
	// is shared with the device.
	Queue(index uint16) (*virtqueue.SplitQueue, error)

	// AllocChain allocates a chain of count linked descriptors on the
	// given queue and returns their table indices in chain order.
	AllocChain(queueIndex uint16, count int) ([]uint16, error)

	// FreeChain returns a descriptor chain to the free list.
	FreeChain(queueIndex uint16, head uint16) error

	// Notify kicks the device to process the given queue.
	Notify(queueIndex uint16) error

	// StoreRegister16 stores a 16-bit value into a device register.
	StoreRegister16(reg Register, v uint16)

	// LoadCounter16 loads a 16-bit counter from queue memory with the
	// ordering required to observe device writes.
	LoadCounter16(p *uint16) uint16

	// Barrier orders driver memory writes against device reads.
	Barrier()
}

// CompletionWaiter is an optional interface a [Transport] can implement
// to replace the driver's busy-poll completion loop, for example with an
// interrupt-driven wait. WaitCompletion blocks until the used ring index
// of the given queue reaches waitIndex.
type CompletionWaiter interface {
	WaitCompletion(queueIndex uint16, waitIndex uint16) error
}

// Text screen geometry of the VGA compatibility buffer.
const (
	TextColumns = 80
	TextRows    = 25
	TextCells   = TextColumns * TextRows
)

// VGATextBuffer is the legacy VGA text screen the driver snapshots when
// leaving text mode and restores when entering it again. Each cell is a
// character byte plus an attribute byte.
type VGATextBuffer interface {
	// CopyOut copies the text screen into dst, which must hold
	// [TextCells] cells.
	CopyOut(dst []uint16) error

	// CopyIn replaces the text screen with src, which must hold
	// [TextCells] cells.
	CopyIn(src []uint16) error
}
