package provider

import (
	"context"
	"sync"
)

// Static serves a fixed, ordered sequence of values. Without repeat, the
// sequence is consumed once and then the provider reports ErrExhausted.
// With repeat, consumption cycles over the values forever.
//
// Values returned via Push (auto-return) are re-queued ahead of the
// remaining sequence so a returned value is the next one taken.
type Static struct {
	name   string
	values []any
	repeat bool

	mu       sync.Mutex
	next     int
	returned []any
	closed   bool
}

// NewStatic builds a static provider over the given values.
func NewStatic(name string, values []any, repeat bool) *Static {
	return &Static{name: name, values: values, repeat: repeat}
}

func (s *Static) Name() string { return s.name }

// Peek returns the next value without advancing.
func (s *Static) Peek() (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peekLocked()
}

func (s *Static) peekLocked() (any, bool) {
	if s.closed {
		return nil, false
	}
	if len(s.returned) > 0 {
		return s.returned[0], true
	}
	if len(s.values) == 0 {
		return nil, false
	}
	if s.next >= len(s.values) && !s.repeat {
		return nil, false
	}
	return s.values[s.next%len(s.values)], true
}

// Take consumes the next value. Static providers never block: the value
// either exists now or the provider is exhausted.
func (s *Static) Take(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.returned) > 0 {
		v := s.returned[0]
		s.returned = s.returned[1:]
		return v, nil
	}
	if _, ok := s.peekLocked(); !ok {
		return nil, ErrExhausted
	}
	v := s.values[s.next%len(s.values)]
	s.next++
	return v, nil
}

// Push re-queues a returned value ahead of the remaining sequence.
func (s *Static) Push(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrExhausted
	}
	s.returned = append(s.returned, v)
	return nil
}

func (s *Static) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
