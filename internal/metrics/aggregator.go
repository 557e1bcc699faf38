package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/volleyhq/volley/internal/transport"
)

// Sink receives sealed windows for durable storage. Hand-off is
// fire-and-forget: a slow sink never backpressures the aggregator.
type Sink interface {
	Write(w *SealedWindow)
}

// NopSink discards sealed windows.
type NopSink struct{}

func (NopSink) Write(*SealedWindow) {}

// Config tunes the aggregator.
type Config struct {
	// WindowInterval is the bucket width; default one minute.
	WindowInterval time.Duration

	// RecordBuffer is the record channel depth; default 16384.
	RecordBuffer int
}

func (c *Config) applyDefaults() {
	if c.WindowInterval <= 0 {
		c.WindowInterval = time.Minute
	}
	if c.RecordBuffer <= 0 {
		c.RecordBuffer = 16384
	}
}

// Aggregator accumulates outcome records into fixed-width windows.
//
// Record is non-blocking from the caller's perspective: records normally
// flow through a buffered channel drained by a dedicated goroutine; when
// the channel is momentarily full the caller falls through to a direct
// locked insert, so no record is ever dropped and the dispatch path never
// parks behind the sink.
//
// Sealing is atomic with respect to concurrent records: the window map and
// the seal share one lock, so a record lands either in its open window or,
// if the bucket sealed first, in the dedicated late bucket - never both,
// never neither.
type Aggregator struct {
	cfg  Config
	sink Sink

	recordCh chan *transport.Outcome
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu            sync.Mutex
	open          map[int64]*window // keyed by bucket start, unix nanos
	sealedThrough int64             // buckets starting before this are sealed
	lateWindow    *window
	lateCount     int64

	// Run totals, kept alongside the windows for the final report.
	totalRequests atomic.Int64
	totalSuccess  atomic.Int64
	totalFailed   atomic.Int64
	totalBytes    atomic.Int64
	histMu        sync.Mutex
	overallHist   *hdrhistogram.Histogram

	startTime time.Time
}

// NewAggregator starts an aggregator draining into the given sink.
func NewAggregator(cfg Config, sink Sink) *Aggregator {
	cfg.applyDefaults()
	if sink == nil {
		sink = NopSink{}
	}
	a := &Aggregator{
		cfg:         cfg,
		sink:        sink,
		recordCh:    make(chan *transport.Outcome, cfg.RecordBuffer),
		stopCh:      make(chan struct{}),
		open:        make(map[int64]*window),
		lateWindow:  newWindow(time.Time{}),
		overallHist: hdrhistogram.New(histMin, histMax, histSigFigs),
		startTime:   time.Now(),
	}
	a.wg.Add(2)
	go a.drain()
	go a.runSealer()
	return a
}

// Record hands an outcome to the aggregator. It never blocks on the sink
// and never drops a record.
func (a *Aggregator) Record(o *transport.Outcome) {
	select {
	case a.recordCh <- o:
	default:
		a.apply(o)
	}
}

func (a *Aggregator) drain() {
	defer a.wg.Done()
	for {
		select {
		case o := <-a.recordCh:
			a.apply(o)
		case <-a.stopCh:
			// Flush whatever raced with shutdown.
			for {
				select {
				case o := <-a.recordCh:
					a.apply(o)
				default:
					return
				}
			}
		}
	}
}

func (a *Aggregator) apply(o *transport.Outcome) {
	a.totalRequests.Add(1)
	a.totalBytes.Add(o.BytesIn)
	if o.Failed() {
		a.totalFailed.Add(1)
	} else {
		a.totalSuccess.Add(1)
	}
	a.histMu.Lock()
	_ = a.overallHist.RecordValue(clampMicros(o.Latency))
	a.histMu.Unlock()

	bucket := o.Timestamp.Truncate(a.cfg.WindowInterval)
	key := bucket.UnixNano()

	a.mu.Lock()
	defer a.mu.Unlock()
	if key < a.sealedThrough {
		a.lateWindow.add(o)
		a.lateCount++
		return
	}
	w, ok := a.open[key]
	if !ok {
		w = newWindow(bucket)
		a.open[key] = w
	}
	w.add(o)
}

func (a *Aggregator) runSealer() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.WindowInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			a.sealClosed(now)
		case <-a.stopCh:
			return
		}
	}
}

// sealClosed seals every open window whose bucket has fully elapsed at
// now and hands the results to the sink.
func (a *Aggregator) sealClosed(now time.Time) {
	var sealed []*SealedWindow

	a.mu.Lock()
	for key, w := range a.open {
		if !w.start.Add(a.cfg.WindowInterval).After(now) {
			sealed = append(sealed, w.seal(a.cfg.WindowInterval))
			delete(a.open, key)
			if key >= a.sealedThrough {
				a.sealedThrough = key + a.cfg.WindowInterval.Nanoseconds()
			}
		}
	}
	a.mu.Unlock()

	for _, w := range sealed {
		w := w
		go a.sink.Write(w)
	}
}

// Snapshot of an open (or the late) window on demand; nil when the bucket
// has no records yet.
func (a *Aggregator) Snapshot(bucket time.Time) *SealedWindow {
	key := bucket.Truncate(a.cfg.WindowInterval).UnixNano()
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.open[key]
	if !ok {
		return nil
	}
	return w.seal(a.cfg.WindowInterval)
}

// LateCount returns how many records arrived after their window sealed.
func (a *Aggregator) LateCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lateCount
}

// LateSnapshot returns the accumulated late bucket.
func (a *Aggregator) LateSnapshot() *SealedWindow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lateWindow.seal(0)
}

// QueueDepth reports the pending record backlog, for the health monitor.
func (a *Aggregator) QueueDepth() int {
	return len(a.recordCh)
}

// Totals is the cumulative run summary.
type Totals struct {
	Requests int64         `json:"requests"`
	Success  int64         `json:"success"`
	Failed   int64         `json:"failed"`
	BytesIn  int64         `json:"bytesIn"`
	Late     int64         `json:"late"`
	Latency  LatencyStats  `json:"latency"`
	Elapsed  time.Duration `json:"elapsed"`
}

// TotalsSnapshot returns the cumulative counters and overall latency
// distribution.
func (a *Aggregator) TotalsSnapshot() Totals {
	a.histMu.Lock()
	lat := statsFromHist(a.overallHist)
	a.histMu.Unlock()
	return Totals{
		Requests: a.totalRequests.Load(),
		Success:  a.totalSuccess.Load(),
		Failed:   a.totalFailed.Load(),
		BytesIn:  a.totalBytes.Load(),
		Late:     a.LateCount(),
		Latency:  lat,
		Elapsed:  time.Since(a.startTime),
	}
}

// Stop drains outstanding records, seals every remaining window, and
// flushes them to the sink synchronously.
func (a *Aggregator) Stop() {
	close(a.stopCh)
	a.wg.Wait()

	a.mu.Lock()
	var sealed []*SealedWindow
	for key, w := range a.open {
		sealed = append(sealed, w.seal(a.cfg.WindowInterval))
		delete(a.open, key)
	}
	a.mu.Unlock()

	for _, w := range sealed {
		a.sink.Write(w)
	}
}
