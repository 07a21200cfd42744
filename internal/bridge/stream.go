package bridge

import (
	"context"
	"strings"
	"sync"
)

// Stream delivers the fragments of one invocation in order. The producer closes it
// after the last fragment; Next returns false from then on.
type Stream struct {
	ctx       context.Context
	ch        chan Fragment
	mu        sync.Mutex
	fragments []Fragment
	failure   *Error
	done      bool
}

func newStream(ctx context.Context) *Stream {
	return &Stream{
		ctx: ctx,
		ch:  make(chan Fragment, 64),
	}
}

func (s *Stream) send(f Fragment) {
	select {
	case s.ch <- f:
	case <-s.ctx.Done():
	}
}

func (s *Stream) close() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	close(s.ch)
}

// Next blocks for the next fragment.
func (s *Stream) Next() (Fragment, bool) {
	f, ok := <-s.ch
	if ok {
		s.mu.Lock()
		s.fragments = append(s.fragments, f)
		if f.Err != nil && s.failure == nil {
			s.failure = f.Err
		}
		s.mu.Unlock()
	}
	return f, ok
}

// Text concatenates every fragment received so far, error text included.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, f := range s.fragments {
		b.WriteString(f.Text)
	}
	return b.String()
}

// Failure returns the first error fragment received, or nil.
func (s *Stream) Failure() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Count returns the number of fragments received so far.
func (s *Stream) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fragments)
}
