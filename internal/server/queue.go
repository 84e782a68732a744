package server

import (
	"errors"
	"sync"
)

var (
	errQueueClosed = errors.New("send queue closed")
	errQueueFull   = errors.New("send queue full")
)

// sendQueue is a bounded FIFO of outbound frames for one connection.
//
// Broadcasts enqueue from any goroutine while the connection's write pump
// dequeues. A full queue means the client is not reading; the caller treats
// that as a failed send and closes the connection rather than blocking the
// broadcaster.
//
// The queue uses a channel for signaling so the write pump can wait on it
// in a select together with its ping ticker.
type sendQueue struct {
	mu     sync.Mutex
	frames [][]byte
	limit  int
	closed bool
	signal chan struct{} // Signals frame availability (buffered, size 1)
}

func newSendQueue(limit int) *sendQueue {
	return &sendQueue{
		frames: make([][]byte, 0, limit),
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a frame to the back of the queue.
// Thread-safe: may be called from any goroutine.
func (q *sendQueue) Enqueue(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errQueueClosed
	}
	if len(q.frames) >= q.limit {
		return errQueueFull
	}

	q.frames = append(q.frames, frame)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// TryDequeue removes and returns the front frame without blocking.
func (q *sendQueue) TryDequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil, false
	}

	frame := q.frames[0]
	// Nil out the slot so the backing array does not pin sent frames.
	q.frames[0] = nil

	if len(q.frames) == 1 {
		q.frames = q.frames[:0]
	} else {
		q.frames = q.frames[1:]
	}

	return frame, true
}

// Wait returns a channel that signals when frames may be available.
// The channel is closed when the queue is closed.
func (q *sendQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued frames.
func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close drops pending frames and wakes the write pump.
// Calling Close more than once is a no-op.
func (q *sendQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.frames = nil
	close(q.signal)
}
