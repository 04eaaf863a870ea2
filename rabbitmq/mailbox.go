package rabbitmq

import "sync"

// mailbox is an unbounded FIFO feeding one actor goroutine. push never
// blocks, so the dispatcher reader is never stalled by a slow actor. After
// close, push fails with ErrActorGone.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

func (m *mailbox[T]) push(item T) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrActorGone
	}
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

// pop removes the oldest item without blocking.
func (m *mailbox[T]) pop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if len(m.items) == 0 {
		return zero, false
	}
	item := m.items[0]
	m.items[0] = zero
	m.items = m.items[1:]
	return item, true
}

// ready fires after a push. The receiver must drain with pop before waiting
// again.
func (m *mailbox[T]) ready() <-chan struct{} {
	return m.signal
}

// close rejects further pushes and returns whatever was still queued.
func (m *mailbox[T]) close() []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	rest := m.items
	m.items = nil
	return rest
}

func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
