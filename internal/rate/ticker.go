package rate

import (
	"errors"
	"math"
	"sync"
	"time"
)

var errUnboundedTail = errors.New("cannot append after an unbounded segment")

// Status classifies what Next scheduled.
type Status int

const (
	// Tick means a dispatch is due after the returned wait.
	Tick Status = iota
	// Idle means no dispatch is currently scheduled; poll again after
	// the returned wait. Happens only on an unbounded zero-rate tail.
	Idle
	// Done means the pattern's final segment has elapsed.
	Done
)

// DefaultCatchUpHorizon bounds how far behind wall clock a consumer may
// fall and still receive the intervening ticks immediately. Ticks older
// than the horizon are skipped, never burst-fired, so a long stall cannot
// produce a thundering herd and the realized curve stays a wall-clock
// rate, not a ticks-consumed rate.
const DefaultCatchUpHorizon = time.Second

const idlePoll = 250 * time.Millisecond

// Options tunes a Ticker.
type Options struct {
	// CatchUpHorizon overrides DefaultCatchUpHorizon; zero keeps the
	// default, negative disables catch-up entirely (every late tick is
	// skipped).
	CatchUpHorizon time.Duration
}

// Ticker turns a segment list into the stream of dispatch times for one
// load pattern. It is owned by a single producing goroutine: Next must not
// be called concurrently. Swap and Append are safe from other goroutines
// (the hot-reload path).
//
// All timing state is anchored to wall clock, not stream position: segment
// k+1 begins at the instant segment k ends even if the consumer was
// stalled across the boundary, and ticks that fell behind by more than the
// catch-up horizon are skipped and counted rather than emitted late.
type Ticker struct {
	mu       sync.Mutex
	segments []Segment
	pending  []Segment // replaces the remaining tail at the next boundary

	horizon time.Duration

	started  bool
	segIdx   int
	segStart time.Time // wall-clock start of the active segment
	consumed int64     // ticks emitted or skipped within the active segment

	ticks   int64
	skipped int64
}

// NewTicker builds a ticker over validated segments.
func NewTicker(segments []Segment, opts Options) *Ticker {
	horizon := opts.CatchUpHorizon
	if horizon == 0 {
		horizon = DefaultCatchUpHorizon
	}
	if horizon < 0 {
		horizon = 0
	}
	segs := make([]Segment, len(segments))
	copy(segs, segments)
	return &Ticker{segments: segs, horizon: horizon}
}

// Next computes the wait until the next dispatch at wall-clock time now.
// The first call anchors the pattern's start to now.
//
// Status Tick: sleep the returned wait, then dispatch one request.
// Status Idle: sleep the returned wait and call Next again.
// Status Done: the pattern is complete.
func (k *Ticker) Next(now time.Time) (time.Duration, Status) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.started {
		k.started = true
		k.segStart = now
	}

	for {
		if k.segIdx >= len(k.segments) {
			return 0, Done
		}
		seg := k.segments[k.segIdx]
		d := seg.Duration()

		// Skip ticks that fell behind the catch-up horizon. Ticks due
		// less than a horizon ago still fire (immediately), so a
		// briefly delayed consumer keeps cumulative counts on target;
		// anything older is stale and is counted, not burst-fired.
		// Because the cutoff is clamped to the segment window and
		// boundaries never shift, a consumer can also never replay an
		// already-elapsed segment as if no time had passed.
		if cutoff := now.Add(-k.horizon).Sub(k.segStart); cutoff > 0 {
			if d > 0 && cutoff > d {
				cutoff = d
			}
			cut := int64(math.Floor(seg.EventsThrough(cutoff) + 1e-9))
			if cut > k.consumed {
				k.skipped += cut - k.consumed
				k.consumed = cut
			}
		}

		n := k.consumed + 1
		if d > 0 {
			capacity := int64(math.Floor(seg.EventsThrough(d) + 1e-9))
			if n > capacity {
				// This segment's events are all emitted or
				// skipped; the next tick belongs to a later
				// segment, which starts exactly at this one's
				// wall-clock end.
				k.advanceLocked(d)
				continue
			}
		}

		local, ok := seg.TimeOfEvent(float64(n))
		if !ok {
			if d <= 0 {
				// Unbounded zero-rate tail: nothing scheduled,
				// keep the stream alive for observation.
				return idlePoll, Idle
			}
			k.advanceLocked(d)
			continue
		}
		if d > 0 && local > d {
			local = d
		}

		k.consumed = n
		k.ticks++
		wait := k.segStart.Add(local).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, Tick
	}
}

// advanceLocked moves to the next segment, anchoring its start to the
// previous segment's wall-clock end and applying any pending swap.
func (k *Ticker) advanceLocked(d time.Duration) {
	k.segStart = k.segStart.Add(d)
	k.segIdx++
	k.consumed = 0
	if k.pending != nil {
		k.segments = append(k.segments[:k.segIdx:k.segIdx], k.pending...)
		k.pending = nil
	}
}

// Swap queues a replacement for everything after the active segment. The
// change takes effect at the next segment boundary; the active segment
// always finishes as configured.
func (k *Ticker) Swap(tail []Segment) error {
	if err := Validate(tail); err != nil {
		return err
	}
	segs := make([]Segment, len(tail))
	copy(segs, tail)
	k.mu.Lock()
	k.pending = segs
	k.mu.Unlock()
	return nil
}

// Append adds a segment after the current pattern. It is rejected while
// the pattern ends in an unbounded segment.
func (k *Ticker) Append(seg Segment) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.segments) > 0 {
		if last := k.segments[len(k.segments)-1]; last.Duration() <= 0 {
			return errUnboundedTail
		}
	}
	k.segments = append(k.segments, seg)
	return nil
}

// Ticks returns how many dispatch ticks have been emitted.
func (k *Ticker) Ticks() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ticks
}

// Skipped returns how many stale ticks were skipped instead of emitted.
func (k *Ticker) Skipped() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.skipped
}

// CurrentRate reports the configured rate at wall-clock time now, for
// monitoring output.
func (k *Ticker) CurrentRate(now time.Time) float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.started || k.segIdx >= len(k.segments) {
		return 0
	}
	seg := k.segments[k.segIdx]
	elapsed := now.Sub(k.segStart)
	if elapsed < 0 {
		elapsed = 0
	}
	if d := seg.Duration(); d > 0 && elapsed > d {
		elapsed = d
	}
	return seg.RateAt(elapsed)
}
