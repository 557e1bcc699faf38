package provider

import (
	"context"
	"sync"
)

// Range generates the integer sequence start, start+step, ... up to and
// including end. With repeat it wraps back to start after end; without, it
// reports ErrExhausted.
type Range struct {
	name   string
	start  int64
	end    int64
	step   int64
	repeat bool

	mu     sync.Mutex
	next   int64
	closed bool
}

// NewRange builds a range provider. A zero or negative step is normalized
// to 1.
func NewRange(name string, start, end, step int64, repeat bool) *Range {
	if step <= 0 {
		step = 1
	}
	return &Range{name: name, start: start, end: end, step: step, repeat: repeat, next: start}
}

func (r *Range) Name() string { return r.name }

func (r *Range) Peek() (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.next > r.end {
		return nil, false
	}
	return r.next, true
}

func (r *Range) Take(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.next > r.end {
		return nil, ErrExhausted
	}
	v := r.next
	r.next += r.step
	if r.next > r.end && r.repeat {
		r.next = r.start
	}
	return v, nil
}

func (r *Range) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
