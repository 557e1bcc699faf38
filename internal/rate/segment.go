// Package rate converts declarative load-pattern segments into a precise
// stream of dispatch times.
//
// A pattern is an ordered list of segments, each a pure rate function over
// its local elapsed time. The Ticker integrates that function and inverts
// the integral, so tick n of a segment fires at the instant the cumulative
// expected event count reaches n. Ramps stay smooth under fractional-rate
// accumulation: there is no "sleep 1/rate" approximation anywhere.
//
// The integration is deterministic (inverse-CDF style, no jitter): for a
// constant segment events are evenly spaced, and for a linear segment the
// event times solve the quadratic closed form of the integral.
package rate

import (
	"fmt"
	"math"
	"time"
)

// Segment is one piece of a load pattern: a rate function over local
// elapsed time t in [0, Duration). A non-positive Duration marks an
// unbounded segment, which is only valid in the last position.
type Segment interface {
	// Duration is the segment length; <= 0 means unbounded.
	Duration() time.Duration

	// RateAt returns the target rate in events/sec at local time t.
	RateAt(t time.Duration) float64

	// EventsThrough returns the integral of RateAt over [0, t]: the
	// number of events conceptually due by local time t.
	EventsThrough(t time.Duration) float64

	// TimeOfEvent inverts EventsThrough: the local time at which event
	// n (n >= 1) is due. ok is false when the segment never reaches n
	// events regardless of elapsed time.
	TimeOfEvent(n float64) (time.Duration, bool)
}

// Constant holds a fixed rate for a duration.
type Constant struct {
	Rate float64
	Dur  time.Duration
}

func (c Constant) Duration() time.Duration          { return c.Dur }
func (c Constant) RateAt(time.Duration) float64     { return c.Rate }
func (c Constant) EventsThrough(t time.Duration) float64 {
	if c.Rate <= 0 || t <= 0 {
		return 0
	}
	return c.Rate * t.Seconds()
}

func (c Constant) TimeOfEvent(n float64) (time.Duration, bool) {
	if c.Rate <= 0 {
		return 0, false
	}
	return secondsToDuration(n / c.Rate), true
}

func (c Constant) String() string {
	if c.Dur <= 0 {
		return fmt.Sprintf("constant %.6g/s forever", c.Rate)
	}
	return fmt.Sprintf("constant %.6g/s for %s", c.Rate, c.Dur)
}

// Linear ramps the rate from From to To over the segment duration. An
// unbounded linear segment holds no meaning, so Dur must be positive; the
// validator enforces it.
type Linear struct {
	From float64
	To   float64
	Dur  time.Duration
}

func (l Linear) Duration() time.Duration { return l.Dur }

func (l Linear) slope() float64 {
	if l.Dur <= 0 {
		return 0
	}
	return (l.To - l.From) / l.Dur.Seconds()
}

func (l Linear) RateAt(t time.Duration) float64 {
	r := l.From + l.slope()*t.Seconds()
	if r < 0 {
		return 0
	}
	return r
}

func (l Linear) EventsThrough(t time.Duration) float64 {
	if t <= 0 {
		return 0
	}
	if l.Dur > 0 && t > l.Dur {
		t = l.Dur
	}
	sec := t.Seconds()
	return l.From*sec + l.slope()*sec*sec/2
}

// TimeOfEvent solves From*t + slope*t^2/2 = n for t.
func (l Linear) TimeOfEvent(n float64) (time.Duration, bool) {
	s := l.slope()
	if s == 0 {
		if l.From <= 0 {
			return 0, false
		}
		return secondsToDuration(n / l.From), true
	}
	disc := l.From*l.From + 2*s*n
	if disc < 0 {
		// Down-ramp that plateaus before reaching n events.
		return 0, false
	}
	t := (-l.From + math.Sqrt(disc)) / s
	if t < 0 {
		return 0, false
	}
	return secondsToDuration(t), true
}

func (l Linear) String() string {
	return fmt.Sprintf("ramp %.6g/s -> %.6g/s over %s", l.From, l.To, l.Dur)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Validate checks that the segments compose into a usable pattern:
// non-empty, non-negative rates, positive durations everywhere except an
// optionally unbounded final constant segment.
func Validate(segments []Segment) error {
	if len(segments) == 0 {
		return fmt.Errorf("load pattern has no segments")
	}
	for i, seg := range segments {
		last := i == len(segments)-1
		switch s := seg.(type) {
		case Constant:
			if s.Rate < 0 {
				return fmt.Errorf("segment %d: negative rate %.6g", i, s.Rate)
			}
			if s.Dur <= 0 && !last {
				return fmt.Errorf("segment %d: only the last segment may be unbounded", i)
			}
		case Linear:
			if s.From < 0 || s.To < 0 {
				return fmt.Errorf("segment %d: negative ramp target", i)
			}
			if s.Dur <= 0 {
				return fmt.Errorf("segment %d: ramp requires a positive duration", i)
			}
		default:
			if seg.Duration() <= 0 && !last {
				return fmt.Errorf("segment %d: only the last segment may be unbounded", i)
			}
		}
	}
	return nil
}

// TotalDuration sums the segment durations; ok is false when the pattern
// ends with an unbounded segment.
func TotalDuration(segments []Segment) (time.Duration, bool) {
	var total time.Duration
	for _, seg := range segments {
		d := seg.Duration()
		if d <= 0 {
			return 0, false
		}
		total += d
	}
	return total, true
}
