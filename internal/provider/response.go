package provider

import (
	"context"
	"sync"
	"sync/atomic"
)

// FullPolicy decides what Push does when a response-derived provider's
// buffer is full. The policy is always explicit in configuration; there is
// no silent default behavior.
type FullPolicy string

const (
	// DropOldest evicts the oldest buffered value to make room.
	DropOldest FullPolicy = "drop-oldest"
	// Reject refuses the new value and returns ErrBufferFull.
	Reject FullPolicy = "reject"
)

// Response is a bounded buffer filled by the executor with values
// extracted from responses. Take blocks until a value arrives, which keeps
// endpoints that chain on extracted values (login token, created resource
// id) paced by the endpoints that produce them.
type Response struct {
	name     string
	policy   FullPolicy
	capacity int

	ch   chan any
	done chan struct{}

	mu     sync.Mutex
	peeked []any
	closed bool

	evicted atomic.Int64
}

// NewResponse builds a response-derived provider with the given buffer
// capacity and full-buffer policy.
func NewResponse(name string, capacity int, policy FullPolicy) *Response {
	if capacity <= 0 {
		capacity = 1
	}
	return &Response{
		name:     name,
		policy:   policy,
		capacity: capacity,
		ch:       make(chan any, capacity),
		done:     make(chan struct{}),
	}
}

func (p *Response) Name() string { return p.name }

// Push inserts a value, applying the full-buffer policy.
func (p *Response) Push(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrExhausted
	}
	// Values parked by Peek still occupy buffer capacity; fullness is the
	// logical count, not the channel's.
	if len(p.peeked)+len(p.ch) >= p.capacity {
		if p.policy == Reject {
			return ErrBufferFull
		}
		// Drop the oldest: a peeked value is the oldest if one is held.
		if len(p.peeked) > 0 {
			p.peeked = p.peeked[1:]
		} else {
			select {
			case <-p.ch:
			default:
			}
		}
		p.evicted.Add(1)
	}
	select {
	case p.ch <- v:
	default:
		// No channel room can remain only if the capacity accounting is
		// broken; drop rather than block the executor.
		p.evicted.Add(1)
	}
	return nil
}

// Evicted returns how many values the drop-oldest policy has discarded.
func (p *Response) Evicted() int64 { return p.evicted.Load() }

// Peek returns the oldest buffered value without consuming it.
func (p *Response) Peek() (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	if len(p.peeked) == 0 {
		select {
		case v := <-p.ch:
			p.peeked = append(p.peeked, v)
		default:
			return nil, false
		}
	}
	return p.peeked[0], true
}

// Take consumes the oldest value, blocking until one is pushed, the
// provider closes, or ctx is done.
func (p *Response) Take(ctx context.Context) (any, error) {
	p.mu.Lock()
	if len(p.peeked) > 0 {
		v := p.peeked[0]
		p.peeked = p.peeked[1:]
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()

	select {
	case v := <-p.ch:
		return v, nil
	case <-p.done:
		// Drain anything that raced with Close.
		select {
		case v := <-p.ch:
			return v, nil
		default:
			return nil, ErrExhausted
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Response) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.done)
	return nil
}
