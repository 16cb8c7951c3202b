package virtqueue

import (
	"errors"
	"fmt"
	"math"
	"unsafe"
)

var (
	// ErrDescriptorChainEmpty is returned when a descriptor chain would contain
	// no buffers, which is not allowed.
	ErrDescriptorChainEmpty = errors.New("empty descriptor chains are not allowed")

	// ErrNotEnoughFreeDescriptors is returned when the free descriptors are
	// exhausted, meaning that the queue is full.
	ErrNotEnoughFreeDescriptors = errors.New("not enough free descriptors, queue is full")

	// ErrInvalidDescriptorChain is returned when a descriptor chain is not
	// valid for a given operation.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")
)

// noFreeHead is used to mark when all descriptors are in use and we have no
// free chain. This value is impossible to occur as an index naturally, because
// it exceeds the maximum queue size.
const noFreeHead = uint16(math.MaxUint16)

// descriptorTableSize is the number of bytes needed to store a
// [DescriptorTable] with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of a [DescriptorTable]
// in memory, as required by the virtio spec.
const descriptorTableAlignment = 16

// DescriptorTable is a table that holds [Descriptor]s, addressed via their
// index in the slice. Unused descriptors form a free chain that loops around,
// so allocating and freeing chains never needs to scan the table.
//
// Unlike queue implementations that preallocate a buffer per descriptor, this
// table does not own any buffer memory: callers describe their own buffers
// with [DescriptorTable.SetBuffer] after allocating a chain. The buffers must
// stay valid until the chain is freed again.
type DescriptorTable struct {
	descriptors []Descriptor

	// freeHeadIndex is the index of the head of the descriptor chain which
	// contains all currently unused descriptors. When all descriptors are in
	// use, this has the special value of noFreeHead.
	freeHeadIndex uint16
	// freeNum tracks the number of descriptors which are currently not in use.
	freeNum uint16
}

// ChainBuffer is one buffer of a descriptor chain as seen by the device side.
type ChainBuffer struct {
	Data           []byte
	DeviceWritable bool
}

// newDescriptorTable creates a descriptor table that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// descriptor table (see [descriptorTableSize]) for the given queue size.
// All descriptors start out free, forming a free chain that loops around.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	dtSize := descriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}

	dt := &DescriptorTable{
		descriptors: unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize),
	}

	for i := range dt.descriptors {
		dt.descriptors[i] = Descriptor{
			flags: descriptorFlagHasNext,
			next:  uint16((i + 1) % len(dt.descriptors)),
		}
	}
	dt.freeHeadIndex = 0
	dt.freeNum = uint16(len(dt.descriptors))

	return dt
}

// Address returns the pointer to the beginning of the descriptor table in
// memory. Do not modify the memory directly to not interfere with this
// implementation.
func (dt *DescriptorTable) Address() uintptr {
	if dt.descriptors == nil {
		panic("descriptor table is not initialized")
	}
	return uintptr(unsafe.Pointer(&dt.descriptors[0]))
}

// AllocateChain takes count descriptors out of the free chain and links them
// into a new descriptor chain, returning the table indices in chain order.
// The first returned index is the head of the chain. The descriptors have no
// buffers attached yet, see [DescriptorTable.SetBuffer].
// When the queue does not have enough free descriptors, a wrapped
// [ErrNotEnoughFreeDescriptors] is returned.
func (dt *DescriptorTable) AllocateChain(count int) ([]uint16, error) {
	if count <= 0 {
		return nil, ErrDescriptorChainEmpty
	}
	if count > int(dt.freeNum) {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrNotEnoughFreeDescriptors, count, dt.freeNum)
	}

	indices := make([]uint16, count)
	for i := range indices {
		// Above validation ensured that there are enough free descriptors, so
		// the free descriptor chain head should be valid.
		if dt.freeHeadIndex == noFreeHead {
			panic("free descriptor chain head is unset but there should be free descriptors")
		}

		// To avoid having to iterate over the whole table to find the
		// descriptor pointing to the head just to replace the free head, we
		// always take the descriptor coming after the head. This way we only
		// touch the head as a last resort, when all other descriptors are
		// already used.
		taken := dt.descriptors[dt.freeHeadIndex].next
		desc := &dt.descriptors[taken]
		next := desc.next

		checkUnusedDescriptorLength(taken, desc)

		desc.flags = 0
		desc.next = 0

		dt.freeNum--
		if dt.freeNum == 0 {
			// The last descriptor in the chain should be the free chain head
			// itself.
			if next != dt.freeHeadIndex {
				panic("free chain is exhausted but does not end with the free chain head")
			}
			dt.freeHeadIndex = noFreeHead
		} else {
			// We took a descriptor out of the free chain, so make sure to
			// close the circle again.
			dt.descriptors[dt.freeHeadIndex].next = next
		}

		indices[i] = taken
	}

	// Link the taken descriptors into a chain.
	for i := 0; i < count-1; i++ {
		dt.descriptors[indices[i]].flags = descriptorFlagHasNext
		dt.descriptors[indices[i]].next = indices[i+1]
	}

	return indices, nil
}

// SetBuffer attaches a caller-owned buffer to a descriptor previously
// allocated with [DescriptorTable.AllocateChain]. When deviceWritable is set,
// the device may write into the buffer; otherwise it may only read it.
// The buffer must stay valid and must not be moved until the chain is freed.
func (dt *DescriptorTable) SetBuffer(index uint16, addr uintptr, length uint32, deviceWritable bool) error {
	if int(index) >= len(dt.descriptors) {
		return fmt.Errorf("%w: index out of range", ErrInvalidDescriptorChain)
	}

	desc := &dt.descriptors[index]
	desc.address = addr
	desc.length = length
	if deviceWritable {
		desc.flags |= descriptorFlagWritable
	} else {
		desc.flags &^= descriptorFlagWritable
	}

	return nil
}

// Chain returns the buffers of the descriptor chain that starts with the
// given head index, in chain order. This is the view a device implementation
// sharing the address space uses to process a chain.
//
// Be careful to only access the returned buffers while the chain is live.
// They must not be accessed after [DescriptorTable.FreeChain] has been called.
func (dt *DescriptorTable) Chain(head uint16) ([]ChainBuffer, error) {
	if int(head) >= len(dt.descriptors) {
		return nil, fmt.Errorf("%w: index out of range", ErrInvalidDescriptorChain)
	}

	var buffers []ChainBuffer

	// Iterate over the chain. The iteration is limited to the queue size to
	// avoid ending up in an endless loop when things go very wrong.
	next := head
	for i := 0; i < len(dt.descriptors); i++ {
		if next == dt.freeHeadIndex {
			return nil, fmt.Errorf("%w: must not be part of the free chain", ErrInvalidDescriptorChain)
		}

		desc := &dt.descriptors[next]

		// The descriptor address points to caller-owned memory that is live
		// for the whole chain lifetime, so this conversion is safe.
		// See https://github.com/golang/go/issues/58625
		//goland:noinspection GoVetUnsafePointer
		bs := unsafe.Slice((*byte)(unsafe.Pointer(desc.address)), desc.length)

		buffers = append(buffers, ChainBuffer{
			Data:           bs,
			DeviceWritable: desc.flags&descriptorFlagWritable != 0,
		})

		// Is this the tail of the chain?
		if desc.flags&descriptorFlagHasNext == 0 {
			break
		}

		// Detect loops.
		if desc.next == head {
			return nil, fmt.Errorf("%w: contains a loop", ErrInvalidDescriptorChain)
		}

		next = desc.next
	}

	return buffers, nil
}

// FreeChain frees a descriptor chain when it is no longer in use. The
// descriptor chain that starts with the given head index is put back into the
// free chain, so the descriptors can be used for later calls of
// [DescriptorTable.AllocateChain].
// The chain must have been created by a previous allocation and must not have
// been freed yet.
func (dt *DescriptorTable) FreeChain(head uint16) error {
	if int(head) >= len(dt.descriptors) {
		return fmt.Errorf("%w: index out of range", ErrInvalidDescriptorChain)
	}

	// Iterate over the chain. The iteration is limited to the queue size to
	// avoid ending up in an endless loop when things go very wrong.
	next := head
	var tailDesc *Descriptor
	var chainLen uint16
	for i := 0; i < len(dt.descriptors); i++ {
		if next == dt.freeHeadIndex {
			return fmt.Errorf("%w: must not be part of the free chain", ErrInvalidDescriptorChain)
		}

		desc := &dt.descriptors[next]
		chainLen++

		// Clear the buffer reference of all freed descriptors.
		desc.address = 0
		desc.length = 0

		// Unset all flags except the next flag.
		desc.flags &= descriptorFlagHasNext

		// Is this the tail of the chain?
		if desc.flags&descriptorFlagHasNext == 0 {
			tailDesc = desc
			break
		}

		// Detect loops.
		if desc.next == head {
			return fmt.Errorf("%w: contains a loop", ErrInvalidDescriptorChain)
		}

		next = desc.next
	}
	if tailDesc == nil {
		// A descriptor chain longer than the queue size but without loops
		// should be impossible.
		panic(fmt.Sprintf("could not find a tail for descriptor chain starting at %d", head))
	}

	// The tail descriptor does not have the next flag set, but when it comes
	// back into the free chain, it should have.
	tailDesc.flags = descriptorFlagHasNext

	if dt.freeHeadIndex == noFreeHead {
		// The whole free chain was used up, so we turn this returned
		// descriptor chain into the new free chain by completing the circle
		// and using its head.
		tailDesc.next = head
		dt.freeHeadIndex = head
	} else {
		// Attach the returned chain at the beginning of the free chain but
		// right after the free chain head.
		freeHeadDesc := &dt.descriptors[dt.freeHeadIndex]
		tailDesc.next = freeHeadDesc.next
		freeHeadDesc.next = head
	}

	dt.freeNum += chainLen

	return nil
}

// FreeNum returns the number of descriptors that are currently free.
func (dt *DescriptorTable) FreeNum() int {
	return int(dt.freeNum)
}

// checkUnusedDescriptorLength asserts that the length of an unused descriptor
// is zero, as it should be.
// This is not a requirement by the virtio spec but rather a thing we do to
// notice when our algorithm goes sideways.
func checkUnusedDescriptorLength(index uint16, desc *Descriptor) {
	if desc.length != 0 {
		panic(fmt.Sprintf("descriptor %d should be unused but has a non-zero length", index))
	}
}
