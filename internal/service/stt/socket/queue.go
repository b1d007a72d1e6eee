package socket

import (
	"sync"

	"ai-speech-live-client/internal/models"
)

// frameQueue is a bounded FIFO that discards the oldest frame when full.
type frameQueue struct {
	mu       sync.Mutex
	items    []models.AudioFrame
	capacity int
	notify   chan struct{}
	dropped  uint64
}

func newFrameQueue(capacity int) *frameQueue {
	if capacity <= 0 {
		capacity = DefaultSendQueueSize
	}
	return &frameQueue{
		items:    make([]models.AudioFrame, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push appends frame and reports whether an older frame was discarded.
func (q *frameQueue) push(frame models.AudioFrame) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) == q.capacity {
		q.items = append(q.items[:0], q.items[1:]...)
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (q *frameQueue) pop() (models.AudioFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return models.AudioFrame{}, false
	}
	frame := q.items[0]
	q.items = append(q.items[:0], q.items[1:]...)
	return frame, true
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *frameQueue) droppedTotal() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *frameQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}
