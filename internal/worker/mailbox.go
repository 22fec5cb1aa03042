package worker

import (
	"sync"

	"labplane/internal/store"
)

// mailbox is an unbounded FIFO of messages with a single consumer.
// put never blocks, so a slow consumer cannot stall the pipeline.
type mailbox struct {
	mu     sync.Mutex
	items  []store.ExecutionMessage
	closed bool
	ready  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) put(msg store.ExecutionMessage) {
	m.mu.Lock()
	m.items = append(m.items, msg)
	m.mu.Unlock()
	m.signal()
}

// close marks the end of input. Items already queued are still taken.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// take blocks until messages are available and returns all of them in order.
// It returns false once the mailbox is closed and empty.
func (m *mailbox) take() ([]store.ExecutionMessage, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			batch := m.items
			m.items = nil
			m.mu.Unlock()
			return batch, true
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, false
		}
		<-m.ready
	}
}
