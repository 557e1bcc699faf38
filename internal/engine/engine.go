package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/volleyhq/volley/internal/config"
	"github.com/volleyhq/volley/internal/extract"
	"github.com/volleyhq/volley/internal/metrics"
	"github.com/volleyhq/volley/internal/provider"
	"github.com/volleyhq/volley/internal/rate"
	"github.com/volleyhq/volley/internal/template"
	"github.com/volleyhq/volley/internal/transport"
)

const defaultAdmission = 512

// recordBufferHint mirrors the aggregator's default record channel depth;
// the monitor treats half of it as the overload high-water mark.
const recordBufferHint = 16384

// InternalError marks a bug inside the engine (a contained panic or a
// broken invariant). It aborts the run it occurred in, nothing more: the
// process exits cleanly with the error attached to the run's report.
type InternalError struct {
	Component string
	Err       error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error in %s: %v", e.Component, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// Options configures an engine beyond what the test declaration carries.
type Options struct {
	// Sender overrides the default HTTP sender; tests inject fakes here.
	Sender transport.Sender
	// Sink receives sealed stats windows; defaults to a no-op.
	Sink metrics.Sink
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// MaxConcurrent is the admission gate ceiling across all endpoints.
	MaxConcurrent int
}

// Engine owns one load-test run: providers, per-endpoint tickers and
// tasks, the admission gate, the health monitor, and the aggregator.
type Engine struct {
	cfg    *config.Config
	log    *zap.Logger
	sender transport.Sender
	sink   metrics.Sink

	runID    string
	ceiling  int
	registry *provider.Registry
	tasks    []*endpointTask

	// tickers by pattern name, for hot pattern swaps. Endpoints never
	// share a ticker: Next is single-consumer.
	tickers map[string][]*rate.Ticker

	agg  *metrics.Aggregator
	gate *Gate
	mon  *monitor
}

// Progress is a live view of scheduling state for progress output.
type Progress struct {
	// TargetRate is the configured dispatch rate at this instant, summed
	// across endpoints.
	TargetRate     float64
	Misses         int64
	Skipped        int64
	AdmissionSlots int
	// Throttled counts how many times the health monitor has shrunk the
	// admission gate this run.
	Throttled int64
}

// LiveProgress samples the running engine's scheduling counters. Zero
// before Run starts.
func (e *Engine) LiveProgress(now time.Time) Progress {
	var p Progress
	for _, t := range e.tasks {
		p.TargetRate += t.ticker.CurrentRate(now)
		p.Misses += t.misses.Load()
		p.Skipped += t.ticker.Skipped()
	}
	if e.gate != nil {
		p.AdmissionSlots = e.gate.Capacity()
	}
	if e.mon != nil {
		p.Throttled = e.mon.throttleCount()
	}
	return p
}

// EndpointReport summarizes one endpoint's run.
type EndpointReport struct {
	Name       string `json:"name"`
	Dispatched int64  `json:"dispatched"`
	Misses     int64  `json:"misses"`
	Ticks      int64  `json:"ticks"`
	Skipped    int64  `json:"skipped"`
	PushDrops  int64  `json:"pushDrops,omitempty"`
}

// Report is the run summary returned by Run.
type Report struct {
	RunID     string           `json:"runId"`
	Name      string           `json:"name"`
	Started   time.Time        `json:"started"`
	Duration  time.Duration    `json:"duration"`
	Totals    metrics.Totals   `json:"totals"`
	Endpoints []EndpointReport `json:"endpoints"`
}

// New builds an engine from a validated test declaration. Construction
// performs every fallible step: after New returns, Run can only fail by
// cancellation or internal error.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = metrics.NopSink{}
	}
	sender := opts.Sender
	if sender == nil {
		httpCfg := transport.DefaultHTTPConfig()
		if t := cfg.Settings.Timeout.Std(); t > 0 {
			httpCfg.Timeout = t
		}
		if n := cfg.Settings.MaxIdleConnsPerHost; n > 0 {
			httpCfg.MaxIdleConnsPerHost = n
		}
		if n := cfg.Settings.MaxConnsPerHost; n > 0 {
			httpCfg.MaxConnsPerHost = n
		}
		httpCfg.InsecureSkipVerify = cfg.Settings.InsecureSkipVerify
		sender = transport.NewHTTPSender(httpCfg)
	}
	ceiling := opts.MaxConcurrent
	if ceiling <= 0 {
		ceiling = defaultAdmission
	}

	e := &Engine{
		cfg:     cfg,
		log:     log,
		sender:  sender,
		sink:    sink,
		runID:   uuid.NewString(),
		ceiling: ceiling,
		tickers: make(map[string][]*rate.Ticker),
	}
	if err := e.buildProviders(); err != nil {
		return nil, err
	}
	if err := e.buildTasks(); err != nil {
		e.registry.Close()
		return nil, err
	}
	return e, nil
}

// RunID returns this run's identifier, stamped on logs and reports.
func (e *Engine) RunID() string { return e.runID }

// SetSink replaces the stats sink. Callers that need the run ID in the
// sink (the snapshot writer names files by it) set it between New and
// Run; changing the sink after Run starts is not supported.
func (e *Engine) SetSink(sink metrics.Sink) {
	if sink != nil {
		e.sink = sink
	}
}

func (e *Engine) buildProviders() error {
	e.registry = provider.NewRegistry()
	for name, pc := range e.cfg.Providers {
		var p provider.Provider
		switch pc.Kind {
		case config.KindStatic:
			p = provider.NewStatic(name, pc.Values, pc.Repeat)
		case config.KindRange:
			p = provider.NewRange(name, pc.Start, pc.End, pc.Step, pc.Repeat)
		case config.KindFile:
			p = provider.NewFile(name, pc.Path, provider.FileOptions{
				Format:  provider.FileFormat(pc.Format),
				Order:   provider.FileOrder(pc.Order),
				Headers: pc.Headers,
				Repeat:  pc.Repeat,
				Buffer:  pc.Buffer,
			})
		case config.KindResponse:
			p = provider.NewResponse(name, pc.Buffer, provider.FullPolicy(pc.OnFull))
		default:
			return fmt.Errorf("provider %q: unknown kind %q", name, pc.Kind)
		}
		if err := e.registry.Add(p, pc.AutoReturn); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) buildTasks() error {
	horizon := e.cfg.Settings.CatchUpHorizon.Std()
	for _, ep := range e.cfg.Endpoints {
		segments, err := e.cfg.BuildSegments(ep.Pattern)
		if err != nil {
			return fmt.Errorf("endpoint %q: %w", ep.Name, err)
		}
		ticker := rate.NewTicker(segments, rate.Options{CatchUpHorizon: horizon})
		e.tickers[ep.Pattern] = append(e.tickers[ep.Pattern], ticker)

		task, err := e.buildTask(ep, ticker)
		if err != nil {
			return fmt.Errorf("endpoint %q: %w", ep.Name, err)
		}
		e.tasks = append(e.tasks, task)
	}
	return nil
}

func (e *Engine) buildTask(ep *config.Endpoint, ticker *rate.Ticker) (*endpointTask, error) {
	urlTpl, err := template.Parse(ep.URL)
	if err != nil {
		return nil, err
	}

	t := &endpointTask{
		name:     ep.Name,
		method:   ep.Method,
		url:      urlTpl,
		timeout:  ep.Timeout.Std(),
		ticker:   ticker,
		registry: e.registry,
		sender:   e.sender,
		log:      e.log,
	}

	maxParallel := ep.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	t.inflight = make(chan struct{}, maxParallel)

	headers := make(map[string]string, len(e.cfg.Settings.Headers)+len(ep.Headers))
	for k, v := range e.cfg.Settings.Headers {
		headers[k] = v
	}
	for k, v := range ep.Headers {
		headers[k] = v
	}
	if len(headers) > 0 {
		t.headers = make(map[string]*template.Template, len(headers))
		for k, v := range headers {
			tpl, err := template.Parse(v)
			if err != nil {
				return nil, fmt.Errorf("header %q: %w", k, err)
			}
			t.headers[k] = tpl
		}
	}

	if ep.Body != nil {
		body, err := template.ParseBody(ep.Body)
		if err != nil {
			return nil, err
		}
		t.body = body
	}

	peek := make(map[string]bool, len(ep.Peek))
	for _, name := range ep.Peek {
		peek[name] = true
		t.peekRefs = append(t.peekRefs, name)
	}
	seen := make(map[string]bool)
	addRef := func(name string) {
		if seen[name] || peek[name] {
			return
		}
		seen[name] = true
		t.takeRefs = append(t.takeRefs, name)
	}
	for _, name := range t.url.Refs() {
		addRef(name)
	}
	for _, tpl := range t.headers {
		for _, name := range tpl.Refs() {
			addRef(name)
		}
	}
	if t.body != nil {
		for _, name := range t.body.Refs() {
			addRef(name)
		}
	}

	if len(ep.Provides) > 0 {
		t.targets = make(map[string]provider.Pusher, len(ep.Provides))
		for _, ex := range ep.Provides {
			rule := extract.Rule{
				Provider:  ex.Provider,
				Source:    extract.Source(ex.Source),
				Path:      ex.Path,
				OnFailure: ex.OnFailure,
			}
			if err := rule.Validate(); err != nil {
				return nil, err
			}
			p, ok := e.registry.Get(ex.Provider)
			if !ok {
				return nil, fmt.Errorf("extract target %q not registered", ex.Provider)
			}
			pusher, ok := p.(provider.Pusher)
			if !ok {
				return nil, fmt.Errorf("extract target %q cannot accept pushes", ex.Provider)
			}
			t.rules = append(t.rules, rule)
			t.targets[ex.Provider] = pusher
		}
	}

	return t, nil
}

// Run executes the test until every pattern completes, the context is
// canceled, or an internal error aborts the run. The report is returned
// in every case; the error is non-nil only for internal errors.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.agg = metrics.NewAggregator(metrics.Config{
		WindowInterval: e.cfg.Settings.WindowInterval.Std(),
	}, e.sink)

	gate := NewGate(e.ceiling)
	e.gate = gate
	mon := newMonitor(gate, e.agg, e.ceiling, recordBufferHint, e.log)
	e.mon = mon
	monCtx, monCancel := context.WithCancel(context.Background())
	go mon.run(monCtx)

	e.log.Info("run starting",
		zap.String("run_id", e.runID),
		zap.String("test", e.cfg.Name),
		zap.Int("endpoints", len(e.tasks)))

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
		e.log.Error("endpoint task aborted", zap.Error(err))
		cancel()
	}
	for _, task := range e.tasks {
		task.agg = e.agg
		task.gate = gate
		task.onFatal = fail
		wg.Add(1)
		go func(t *endpointTask) {
			defer wg.Done()
			if err := supervise(ctx, t); err != nil {
				fail(err)
			}
		}(task)
	}
	wg.Wait()
	monCancel()

	e.agg.Stop()
	if err := e.registry.Close(); err != nil {
		e.log.Warn("provider shutdown", zap.Error(err))
	}

	report := &Report{
		RunID:    e.runID,
		Name:     e.cfg.Name,
		Started:  started,
		Duration: time.Since(started),
		Totals:   e.agg.TotalsSnapshot(),
	}
	for _, t := range e.tasks {
		report.Endpoints = append(report.Endpoints, EndpointReport{
			Name:       t.name,
			Dispatched: t.dispatched.Load(),
			Misses:     t.misses.Load(),
			Ticks:      t.ticker.Ticks(),
			Skipped:    t.ticker.Skipped(),
			PushDrops:  t.pushErrs.Load(),
		})
	}

	e.log.Info("run complete",
		zap.String("run_id", e.runID),
		zap.Duration("duration", report.Duration),
		zap.Int64("requests", report.Totals.Requests))
	return report, firstErr
}

// supervise contains panics from a task goroutine, converting them into
// an InternalError scoped to this run.
func supervise(ctx context.Context, t *endpointTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &InternalError{
				Component: "endpoint " + t.name,
				Err:       fmt.Errorf("panic: %v", r),
			}
		}
	}()
	t.run(ctx)
	return nil
}

// ApplyPatterns installs updated load patterns on a running engine. Each
// affected ticker swaps its remaining tail at its next segment boundary;
// pattern names with no running ticker are ignored.
func (e *Engine) ApplyPatterns(patterns map[string][]rate.Segment) {
	for name, segments := range patterns {
		for _, ticker := range e.tickers[name] {
			if err := ticker.Swap(segments); err != nil {
				e.log.Warn("pattern swap rejected",
					zap.String("pattern", name), zap.Error(err))
			}
		}
	}
}

// Aggregator exposes the live aggregator during a run, for progress
// output. Nil before Run starts.
func (e *Engine) Aggregator() *metrics.Aggregator { return e.agg }
