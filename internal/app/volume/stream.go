package volume

import (
	"context"
	"sync"
)

// Stream is the finite progress of one load. Events is closed after the last milestone; a new
// load is needed to restart.
type Stream struct {
	events chan Progress
	done   chan struct{}

	mu  sync.Mutex
	res *Resource
	err error
}

// at most three milestones plus the terminal event are ever sent
const streamBuffer = 4

func newStream() *Stream {
	return &Stream{
		events: make(chan Progress, streamBuffer),
		done:   make(chan struct{}),
	}
}

// Events delivers milestones in order.
func (s *Stream) Events() <-chan Progress {
	return s.events
}

// Done is closed when the load settles.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Result waits for the load to settle or ctx to end.
func (s *Stream) Result(ctx context.Context) (*Resource, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res, s.err
}

func (s *Stream) push(p Progress) {
	select {
	case s.events <- p:
	default:
	}
}

func (s *Stream) finish(res *Resource, err error) {
	s.mu.Lock()
	s.res = res
	s.err = err
	s.mu.Unlock()
	close(s.events)
	close(s.done)
}
