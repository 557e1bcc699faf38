package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/volleyhq/volley/internal/metrics"
)

const (
	monitorInterval = 100 * time.Millisecond

	// healthyStreakToGrow is how many consecutive clean probes we want
	// before handing capacity back after a throttle.
	healthyStreakToGrow = 10
)

// monitor probes run health on a fixed cadence and resizes the admission
// gate. Two signals feed it: how late its own ticks fire (scheduler lag,
// a proxy for goroutine starvation) and the aggregator's queue depth
// (records waiting to be folded into windows). Either signal tripping
// halves the gate; a sustained healthy streak grows it back toward the
// configured ceiling.
type monitor struct {
	gate    *Gate
	agg     *metrics.Aggregator
	log     *zap.Logger
	ceiling int

	lagThreshold time.Duration
	depthHigh    int

	throttled atomic.Int64 // times the gate was shrunk
}

// throttleCount reports how often the monitor has shrunk the gate, for
// progress output and the run report.
func (m *monitor) throttleCount() int64 { return m.throttled.Load() }

func newMonitor(gate *Gate, agg *metrics.Aggregator, ceiling int, queueBuffer int, log *zap.Logger) *monitor {
	return &monitor{
		gate:         gate,
		agg:          agg,
		log:          log,
		ceiling:      ceiling,
		lagThreshold: monitorInterval / 2,
		depthHigh:    queueBuffer / 2,
	}
}

func (m *monitor) run(ctx context.Context) {
	t := time.NewTicker(monitorInterval)
	defer t.Stop()

	expected := time.Now().Add(monitorInterval)
	streak := 0

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			lag := now.Sub(expected)
			expected = now.Add(monitorInterval)

			depth := m.agg.QueueDepth()
			if lag > m.lagThreshold || depth > m.depthHigh {
				streak = 0
				cur := m.gate.Capacity()
				if cur > 1 {
					next := cur / 2
					m.gate.Resize(next)
					m.throttled.Add(1)
					m.log.Warn("throttling load generation",
						zap.Duration("scheduler_lag", lag),
						zap.Int("aggregator_queue", depth),
						zap.Int("admission_slots", next))
				}
				continue
			}

			streak++
			if streak >= healthyStreakToGrow {
				streak = 0
				cur := m.gate.Capacity()
				if cur < m.ceiling {
					next := cur + (m.ceiling-cur+3)/4
					if next > m.ceiling {
						next = m.ceiling
					}
					m.gate.Resize(next)
					m.log.Debug("restoring admission capacity",
						zap.Int("admission_slots", next))
				}
			}
		}
	}
}
