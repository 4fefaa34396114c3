package device

import (
	"context"
	"sync"
)

// Simulated is an in-memory reader. Tags are presented with Present and
// consumed by Poll or WaitForTag; writes are recorded.
type Simulated struct {
	tags chan string

	mu       sync.Mutex
	current  string
	written  []string
	writeErr error
	pollErrs []error
	closed   bool
}

// NewSimulated creates a simulated reader that buffers up to 16 presentations.
func NewSimulated() *Simulated {
	return &Simulated{tags: make(chan string, 16)}
}

// Opener returns an Opener that always hands out s.
func (s *Simulated) Opener() Opener {
	return func() (Reader, error) { return s, nil }
}

// Present places a tag carrying id in the field.
func (s *Simulated) Present(id string) {
	s.tags <- id
}

// FailNextPoll makes the next Poll return err.
func (s *Simulated) FailNextPoll(err error) {
	s.mu.Lock()
	s.pollErrs = append(s.pollErrs, err)
	s.mu.Unlock()
}

// FailWrites makes every WriteID return err until called with nil.
func (s *Simulated) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// Written returns the identifiers written so far.
func (s *Simulated) Written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}

// Closed reports whether Close was called.
func (s *Simulated) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Simulated) Poll(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if len(s.pollErrs) > 0 {
		err := s.pollErrs[0]
		s.pollErrs = s.pollErrs[1:]
		s.mu.Unlock()
		return "", err
	}
	s.mu.Unlock()

	select {
	case id := <-s.tags:
		s.setCurrent(id)
		return id, nil
	default:
		return "", ErrNoTag
	}
}

func (s *Simulated) WaitForTag(ctx context.Context) (string, error) {
	if s.Closed() {
		return "", ErrClosed
	}
	select {
	case id := <-s.tags:
		s.setCurrent(id)
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Simulated) WriteID(ctx context.Context, id string) error {
	if _, err := encodeID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.writeErr != nil:
		return s.writeErr
	case s.current == "":
		return ErrNoTag
	}
	s.written = append(s.written, id)
	s.current = id
	return nil
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Simulated) setCurrent(id string) {
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
}
