package node

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
)

// mailbox is the message queue owned by a single process. It is backed by a
// buffered Go channel with close-safety guarantees: concurrent senders can
// never panic on a closed channel because Close takes the write lock while
// sends hold the read lock.
//
// Thread safety:
//   - Send and TrySend may be called concurrently from multiple goroutines.
//   - out and TryRecv are only used by the owning process goroutine.
//   - Close may be called concurrently with sends and is idempotent.
//   - Drain runs only after Close, from the node's termination path.
type mailbox struct {
	// ch is the underlying channel used to store messages.
	ch chan any

	// closed indicates whether the mailbox has been closed. Uses atomic
	// operations for lock-free reads.
	closed atomic.Bool

	// mu protects send operations to prevent sending to a closed channel.
	mu sync.RWMutex

	// closeOnce ensures Close is executed exactly once.
	closeOnce sync.Once

	// procCtx is the context governing the owning process's lifecycle.
	// Once it is cancelled, all sends fail fast.
	procCtx context.Context
}

// newMailbox creates a mailbox with the given capacity bound to the owning
// process's context. A non-positive capacity defaults to 1 so the mailbox is
// always buffered.
func newMailbox(procCtx context.Context, capacity int) *mailbox {
	if capacity <= 0 {
		capacity = 1
	}

	return &mailbox{
		ch:      make(chan any, capacity),
		procCtx: procCtx,
	}
}

// Send attempts to enqueue a message, blocking until the message is accepted,
// the caller's context is cancelled, or the owning process terminates.
// Returns true if the message was enqueued.
func (m *mailbox) Send(ctx context.Context, msg any) bool {
	// Fast-path rejection when either context is already cancelled,
	// avoiding the lock acquisition below. The select still handles
	// cancellation that lands after this check.
	if ctx.Err() != nil || m.procCtx.Err() != nil {
		return false
	}

	// Hold the read lock for the entire send so Close (which takes the
	// write lock before closing the channel) can never race us into a
	// send-on-closed-channel panic.
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}

	select {
	case m.ch <- msg:
		return true

	case <-ctx.Done():
		return false

	case <-m.procCtx.Done():
		return false
	}
}

// TrySend attempts to enqueue a message without blocking. Returns false if
// the mailbox is full, closed, or the owning process has terminated.
func (m *mailbox) TrySend(msg any) bool {
	if m.procCtx.Err() != nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}

	select {
	case m.ch <- msg:
		return true
	default:
		return false
	}
}

// TryRecv performs a single non-blocking receive. The second return value is
// false when the mailbox is currently empty or fully drained after close.
func (m *mailbox) TryRecv() (any, bool) {
	select {
	case msg, ok := <-m.ch:
		if !ok {
			return nil, false
		}
		return msg, true

	default:
		return nil, false
	}
}

// out exposes the receive side of the mailbox so the owning process can fold
// it into a select alongside typed channels and timers.
func (m *mailbox) out() chan any {
	return m.ch
}

// Close closes the mailbox, preventing any further sends. Safe to call
// multiple times; only the first call has an effect.
func (m *mailbox) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		log.TraceS(m.procCtx, "Mailbox closing",
			"remaining_messages", len(m.ch))

		m.closed.Store(true)
		close(m.ch)
	})
}

// IsClosed returns true if the mailbox has been closed.
func (m *mailbox) IsClosed() bool {
	return m.closed.Load()
}

// Drain returns an iterator over any messages remaining after Close. It is
// used by the node's termination path to forward leftover traffic to the
// dead-letter process.
func (m *mailbox) Drain() iter.Seq[any] {
	return func(yield func(any) bool) {
		if !m.IsClosed() {
			return
		}

		for {
			select {
			case msg, ok := <-m.ch:
				if !ok {
					return
				}

				if !yield(msg) {
					return
				}

			default:
				return
			}
		}
	}
}
