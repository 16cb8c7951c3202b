package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSplitQueue(t *testing.T) {
	sq, err := NewSplitQueue(64)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, sq.Close())
	}()

	assert.Equal(t, 64, sq.Size())
	assert.Equal(t, 64, sq.DescriptorTable().FreeNum())

	// The virtio spec requires these minimum alignments for the parts.
	assert.Zero(t, sq.DescriptorTable().Address()%descriptorTableAlignment)
	assert.Zero(t, sq.AvailableRing().Address()%availableRingAlignment)
	assert.Zero(t, sq.UsedRing().Address()%usedRingAlignment)
}

func TestNewSplitQueueInvalidSize(t *testing.T) {
	for _, size := range []int{-1, 0, 3, 100, 65536} {
		_, err := NewSplitQueue(size)
		assert.ErrorIs(t, err, ErrQueueSizeInvalid, "size %d", size)
	}
}
