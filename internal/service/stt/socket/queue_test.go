package socket

import (
	"testing"

	"ai-speech-live-client/internal/models"
)

func TestFrameQueue_DropsOldest(t *testing.T) {
	q := newFrameQueue(3)
	for i := 0; i < 5; i++ {
		dropped := q.push(models.AudioFrame{Sequence: uint32(i)})
		if want := i >= 3; dropped != want {
			t.Errorf("push %d: expected dropped=%v, got %v", i, want, dropped)
		}
	}

	if q.len() != 3 {
		t.Fatalf("expected 3 queued frames, got %d", q.len())
	}
	if q.droppedTotal() != 2 {
		t.Errorf("expected 2 dropped, got %d", q.droppedTotal())
	}
	for _, want := range []uint32{2, 3, 4} {
		frame, ok := q.pop()
		if !ok || frame.Sequence != want {
			t.Errorf("expected sequence %d, got %d (ok=%v)", want, frame.Sequence, ok)
		}
	}
	if _, ok := q.pop(); ok {
		t.Error("expected empty queue")
	}
}

func TestFrameQueue_NotifyCoalesces(t *testing.T) {
	q := newFrameQueue(0)
	if q.capacity != DefaultSendQueueSize {
		t.Errorf("expected default capacity %d, got %d", DefaultSendQueueSize, q.capacity)
	}

	q.push(models.AudioFrame{})
	q.push(models.AudioFrame{})
	if len(q.notify) != 1 {
		t.Errorf("expected one pending notification, got %d", len(q.notify))
	}

	q.reset()
	if q.len() != 0 {
		t.Errorf("expected empty queue after reset, got %d", q.len())
	}
}
