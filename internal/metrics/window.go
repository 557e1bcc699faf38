// Package metrics accumulates request outcomes into fixed-width time
// windows and exposes immutable periodic snapshots.
//
// Latency distributions use HDR histograms (1µs..1h, 3 significant
// figures) so percentile queries are O(1) regardless of volume.
package metrics

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/volleyhq/volley/internal/transport"
)

const (
	histMin     = 1          // 1 microsecond
	histMax     = 3600000000 // 1 hour in microseconds
	histSigFigs = 3
)

// LatencyStats summarizes a latency distribution.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}

func statsFromHist(h *hdrhistogram.Histogram) LatencyStats {
	if h.TotalCount() == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		Min:    time.Duration(h.Min()) * time.Microsecond,
		Max:    time.Duration(h.Max()) * time.Microsecond,
		Mean:   time.Duration(h.Mean()) * time.Microsecond,
		StdDev: time.Duration(h.StdDev()) * time.Microsecond,
		P50:    time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P90:    time.Duration(h.ValueAtQuantile(90)) * time.Microsecond,
		P95:    time.Duration(h.ValueAtQuantile(95)) * time.Microsecond,
		P99:    time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
		Count:  h.TotalCount(),
	}
}

// endpointAgg is the mutable per-endpoint accumulator inside an open
// window. Access is serialized by the aggregator's window lock.
type endpointAgg struct {
	requests   int64
	success    int64
	httpErrors int64
	timeouts   int64
	connErrors int64
	bytesIn    int64
	latency    *hdrhistogram.Histogram
	connWait   *hdrhistogram.Histogram
}

func newEndpointAgg() *endpointAgg {
	return &endpointAgg{
		latency:  hdrhistogram.New(histMin, histMax, histSigFigs),
		connWait: hdrhistogram.New(histMin, histMax, histSigFigs),
	}
}

func (a *endpointAgg) add(o *transport.Outcome) {
	a.requests++
	switch o.Kind {
	case transport.KindSuccess:
		a.success++
	case transport.KindHTTPError:
		a.httpErrors++
	case transport.KindTimeout:
		a.timeouts++
	case transport.KindConnectionError:
		a.connErrors++
	}
	a.bytesIn += o.BytesIn
	_ = a.latency.RecordValue(clampMicros(o.Latency))
	if o.ConnWait > 0 {
		_ = a.connWait.RecordValue(clampMicros(o.ConnWait))
	}
}

func (a *endpointAgg) snapshot() EndpointSnapshot {
	return EndpointSnapshot{
		Requests:   a.requests,
		Success:    a.success,
		HTTPErrors: a.httpErrors,
		Timeouts:   a.timeouts,
		ConnErrors: a.connErrors,
		BytesIn:    a.bytesIn,
		Latency:    statsFromHist(a.latency),
		ConnWait:   statsFromHist(a.connWait),
	}
}

func clampMicros(d time.Duration) int64 {
	micros := d.Microseconds()
	if micros < histMin {
		return histMin
	}
	if micros > histMax {
		return histMax
	}
	return micros
}

// window is one open time bucket.
type window struct {
	start     time.Time
	endpoints map[string]*endpointAgg
}

func newWindow(start time.Time) *window {
	return &window{start: start, endpoints: make(map[string]*endpointAgg)}
}

func (w *window) add(o *transport.Outcome) {
	agg, ok := w.endpoints[o.Endpoint]
	if !ok {
		agg = newEndpointAgg()
		w.endpoints[o.Endpoint] = agg
	}
	agg.add(o)
}

// EndpointSnapshot is an immutable per-endpoint view inside a sealed
// window.
type EndpointSnapshot struct {
	Requests   int64        `json:"requests"`
	Success    int64        `json:"success"`
	HTTPErrors int64        `json:"httpErrors"`
	Timeouts   int64        `json:"timeouts"`
	ConnErrors int64        `json:"connErrors"`
	BytesIn    int64        `json:"bytesIn"`
	Latency    LatencyStats `json:"latency"`
	ConnWait   LatencyStats `json:"connWait,omitempty"`
}

// SealedWindow is the immutable result of closing a bucket. Once sealed, a
// window never changes; late arrivals for its bucket land in the
// aggregator's late bucket instead.
type SealedWindow struct {
	Start     time.Time                   `json:"start"`
	End       time.Time                   `json:"end"`
	Endpoints map[string]EndpointSnapshot `json:"endpoints"`
}

func (w *window) seal(interval time.Duration) *SealedWindow {
	endpoints := make(map[string]EndpointSnapshot, len(w.endpoints))
	for name, agg := range w.endpoints {
		endpoints[name] = agg.snapshot()
	}
	return &SealedWindow{
		Start:     w.start,
		End:       w.start.Add(interval),
		Endpoints: endpoints,
	}
}
