package discovery

import (
	"context"
	"sync"
)

// replyHandle queues replies produced on a library goroutine until the owner
// drains them with ProcessResults.
type replyHandle[T any] struct {
	mu      sync.Mutex
	pending []T
	closed  bool
	ready   chan struct{}
	deliver func(T)
	cancel  context.CancelFunc
	onClose func()
}

func newReplyHandle[T any](deliver func(T), cancel context.CancelFunc) *replyHandle[T] {
	if cancel == nil {
		cancel = func() {}
	}
	return &replyHandle[T]{
		ready:   make(chan struct{}, 1),
		deliver: deliver,
		cancel:  cancel,
	}
}

func (h *replyHandle[T]) push(reply T) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.pending = append(h.pending, reply)
	h.mu.Unlock()

	select {
	case h.ready <- struct{}{}:
	default:
	}
}

func (h *replyHandle[T]) Ready() <-chan struct{} {
	return h.ready
}

func (h *replyHandle[T]) ProcessResults() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, reply := range batch {
		// a callback may close its own handle
		if h.isClosed() {
			break
		}
		h.deliver(reply)
	}
	return nil
}

func (h *replyHandle[T]) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *replyHandle[T]) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.pending = nil
	onClose := h.onClose
	h.mu.Unlock()

	h.cancel()
	if onClose != nil {
		onClose()
	}
	return nil
}
