package ppm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameQueueFIFOOrder(t *testing.T) {
	q := NewFrameQueue()
	for i := 0; i < 3; i++ {
		f := NewPageFrame(uint8(i), 0, nil)
		require.True(t, q.Enqueue(f))
	}
	assert.Equal(t, 3, q.Len())
	for i := 0; i < 3; i++ {
		f, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, uint8(i), f.PageSeq)
	}
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestFrameQueueDropsNewestWhenFull(t *testing.T) {
	q := NewFrameQueue()
	for i := 0; i < ReceiveQueueCapacity; i++ {
		require.True(t, q.Enqueue(NewPageFrame(uint8(i), 0, nil)))
	}
	assert.False(t, q.Enqueue(NewPageFrame(99, 0, nil)))
	assert.Equal(t, uint64(1), q.Dropped())

	f, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, uint8(0), f.PageSeq, "oldest frame must still be retrievable, not the dropped one")
}
