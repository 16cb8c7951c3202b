package virtgpu

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/rcrowley/go-metrics"
)

// ErrUnexpectedResponse is returned when the device answers a command
// with a response type other than the expected one.
var ErrUnexpectedResponse = errors.New("unexpected response from device")

type transactionMetrics struct {
	submitted metrics.Counter
	completed metrics.Counter
	errored   metrics.Counter
}

func newTransactionMetrics() transactionMetrics {
	return transactionMetrics{
		submitted: metrics.GetOrRegisterCounter("virtgpu.transactions.submitted", nil),
		completed: metrics.GetOrRegisterCounter("virtgpu.transactions.completed", nil),
		errored:   metrics.GetOrRegisterCounter("virtgpu.transactions.errored", nil),
	}
}

func bufferAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// transact submits the descriptor chain starting at head to the given
// queue and waits for the device to complete it. The chain must already
// describe all request and response buffers.
//
// The submission order matters: the ring slot is written before the ring
// index is advanced, and both are visible to the device before it is
// notified. The barriers come from the transport so that a hardware
// transport can use real fences while the simulated one uses none.
func (d *Device) transact(queueIndex uint16, head uint16) error {
	q, err := d.transport.Queue(queueIndex)
	if err != nil {
		return fmt.Errorf("get queue %d: %w", queueIndex, err)
	}

	d.metrics.submitted.Inc(1)

	avail := q.AvailableRing()
	avail.Put(head)
	d.transport.Barrier()
	avail.Advance()

	// The device is done with our chain once the used ring index catches
	// up with the available ring index we just produced.
	waitIndex := avail.Index()
	d.transport.Barrier()

	d.transport.StoreRegister16(RegQueueSelect, queueIndex)
	d.transport.StoreRegister16(RegQueueEnable, 1)

	if err := d.transport.Notify(queueIndex); err != nil {
		d.metrics.errored.Inc(1)
		_ = d.transport.FreeChain(queueIndex, head)
		return fmt.Errorf("notify queue %d: %w", queueIndex, err)
	}

	if waiter, ok := d.transport.(CompletionWaiter); ok {
		if err := waiter.WaitCompletion(queueIndex, waitIndex); err != nil {
			d.metrics.errored.Inc(1)
			_ = d.transport.FreeChain(queueIndex, head)
			return fmt.Errorf("wait for queue %d completion: %w", queueIndex, err)
		}
	} else {
		usedIndex := q.UsedRing().IndexPtr()
		for d.transport.LoadCounter16(usedIndex) != waitIndex {
		}
	}

	if err := d.transport.FreeChain(queueIndex, head); err != nil {
		d.metrics.errored.Inc(1)
		return fmt.Errorf("free descriptor chain: %w", err)
	}

	d.metrics.completed.Inc(1)
	return nil
}

// transactRW performs a two-descriptor transaction: a device-readable
// request followed by a device-writable response.
func (d *Device) transactRW(queueIndex uint16, req, resp []byte) error {
	q, err := d.transport.Queue(queueIndex)
	if err != nil {
		return fmt.Errorf("get queue %d: %w", queueIndex, err)
	}

	indices, err := d.transport.AllocChain(queueIndex, 2)
	if err != nil {
		return fmt.Errorf("allocate descriptor chain: %w", err)
	}

	dt := q.DescriptorTable()
	if err := dt.SetBuffer(indices[0], bufferAddr(req), uint32(len(req)), false); err != nil {
		return fmt.Errorf("set request buffer: %w", err)
	}
	if err := dt.SetBuffer(indices[1], bufferAddr(resp), uint32(len(resp)), true); err != nil {
		return fmt.Errorf("set response buffer: %w", err)
	}

	err = d.transact(queueIndex, indices[0])

	// The descriptors reference the buffers by raw address, so keep them
	// alive until the device is done.
	runtime.KeepAlive(req)
	runtime.KeepAlive(resp)

	return err
}

// transactRRW performs a three-descriptor transaction: a device-readable
// request, a second device-readable buffer (such as a memory entry list)
// and a device-writable response.
func (d *Device) transactRRW(queueIndex uint16, req, extra, resp []byte) error {
	q, err := d.transport.Queue(queueIndex)
	if err != nil {
		return fmt.Errorf("get queue %d: %w", queueIndex, err)
	}

	indices, err := d.transport.AllocChain(queueIndex, 3)
	if err != nil {
		return fmt.Errorf("allocate descriptor chain: %w", err)
	}

	dt := q.DescriptorTable()
	if err := dt.SetBuffer(indices[0], bufferAddr(req), uint32(len(req)), false); err != nil {
		return fmt.Errorf("set request buffer: %w", err)
	}
	if err := dt.SetBuffer(indices[1], bufferAddr(extra), uint32(len(extra)), false); err != nil {
		return fmt.Errorf("set extra buffer: %w", err)
	}
	if err := dt.SetBuffer(indices[2], bufferAddr(resp), uint32(len(resp)), true); err != nil {
		return fmt.Errorf("set response buffer: %w", err)
	}

	err = d.transact(queueIndex, indices[0])

	runtime.KeepAlive(req)
	runtime.KeepAlive(extra)
	runtime.KeepAlive(resp)

	return err
}
