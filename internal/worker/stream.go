package worker

import (
	"context"
	"sync"

	"labplane/internal/store"
)

// Stream is the output of one handled invocation.
type Stream struct {
	messages chan store.ExecutionMessage
	done     chan struct{}

	mu  sync.Mutex
	err error
}

func newStream() *Stream {
	return &Stream{
		messages: make(chan store.ExecutionMessage),
		done:     make(chan struct{}),
	}
}

// Messages yields the invocation's messages in order. It is closed after
// the terminal message, or early when the caller's context is done.
func (s *Stream) Messages() <-chan store.ExecutionMessage {
	return s.messages
}

// Done is closed once the pipeline has finished and every message was persisted or failed to.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err waits for Done and returns the first store or approval failure, if any.
func (s *Stream) Err() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// deliver forwards queued messages to the caller until the mailbox closes.
// When ctx is done the caller is detached: Messages is closed and the rest
// of the mailbox is drained without being delivered.
func (s *Stream) deliver(ctx context.Context, box *mailbox) {
	attached := true
	defer func() {
		if attached {
			close(s.messages)
		}
	}()

	for {
		batch, ok := box.take()
		if !ok {
			return
		}
		if !attached {
			continue
		}
	send:
		for _, msg := range batch {
			select {
			case s.messages <- msg:
			case <-ctx.Done():
				close(s.messages)
				attached = false
				break send
			}
		}
	}
}
