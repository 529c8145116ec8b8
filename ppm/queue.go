package ppm

// ReceiveQueueCapacity is the bounded capacity of the decoded-frame receive
// queue: the line-completion context is the sole producer, the session
// engine is the sole consumer.
const ReceiveQueueCapacity = 4

// FrameQueue is a bounded FIFO of decoded frames. It is the Go-idiomatic
// rendering of the original's fixed-capacity ring of decoded-frame slots —
// adapted here from the teacher's FifoBuffer ring-buffer shape, but storing
// Frame values instead of raw bytes, since the consumer (session engine)
// always wants whole decoded frames, never a partial byte stream.
//
// Enqueue on a full queue drops the newest frame and reports the drop;
// it never blocks and never allocates on the hot path once the queue's
// backing array is sized.
type FrameQueue struct {
	buf   [ReceiveQueueCapacity]Frame
	read  int
	write int
	count int

	dropped uint64
}

// NewFrameQueue returns an empty queue ready for use.
func NewFrameQueue() *FrameQueue {
	return &FrameQueue{}
}

// Enqueue adds f to the queue. It reports whether the frame was accepted;
// false means the queue was full and f was dropped (counted in Dropped()).
func (q *FrameQueue) Enqueue(f Frame) bool {
	if q.count == ReceiveQueueCapacity {
		q.dropped++
		return false
	}
	q.buf[q.write] = f
	q.write = (q.write + 1) % ReceiveQueueCapacity
	q.count++
	return true
}

// Dequeue removes and returns the oldest frame. ok is false if the queue
// was empty.
func (q *FrameQueue) Dequeue() (Frame, bool) {
	if q.count == 0 {
		return Frame{}, false
	}
	f := q.buf[q.read]
	q.buf[q.read] = Frame{}
	q.read = (q.read + 1) % ReceiveQueueCapacity
	q.count--
	return f, true
}

// Len returns the number of frames currently queued.
func (q *FrameQueue) Len() int { return q.count }

// Dropped returns the cumulative count of frames dropped due to a full
// queue.
func (q *FrameQueue) Dropped() uint64 { return q.dropped }
