package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/volleyhq/volley/internal/config"
	"github.com/volleyhq/volley/internal/metrics"
	"github.com/volleyhq/volley/internal/provider"
	"github.com/volleyhq/volley/internal/rate"
	"github.com/volleyhq/volley/internal/template"
	"github.com/volleyhq/volley/internal/transport"
)

// fakeSender records every request and answers from a programmable
// handler, so runs are instant and deterministic.
type fakeSender struct {
	mu       sync.Mutex
	requests []*transport.ResolvedRequest
	handler  func(*transport.ResolvedRequest) *transport.Outcome
}

func newFakeSender() *fakeSender {
	return &fakeSender{}
}

func (f *fakeSender) Send(ctx context.Context, req *transport.ResolvedRequest) *transport.Outcome {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		return handler(req)
	}
	return &transport.Outcome{
		Timestamp:  time.Now(),
		Endpoint:   req.Endpoint,
		Kind:       transport.KindSuccess,
		StatusCode: 200,
		Latency:    time.Millisecond,
		Body:       []byte(fmt.Sprintf(`{"seq":%d}`, n)),
	}
}

func (f *fakeSender) sent() []*transport.ResolvedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*transport.ResolvedRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func floatPtr(v float64) *float64 { return &v }

func testConfig(rate float64, dur time.Duration) *config.Config {
	return &config.Config{
		Name: "unit",
		Providers: map[string]*config.Provider{
			"ids": {Kind: config.KindStatic, Values: []any{"a", "b", "c"}, Repeat: true},
		},
		Patterns: map[string][]*config.Segment{
			"steady": {{Rate: floatPtr(rate), Duration: config.Duration(dur)}},
		},
		Endpoints: []*config.Endpoint{
			{
				Name:    "get-user",
				Method:  "GET",
				URL:     "http://test.local/users/{{ids}}",
				Pattern: "steady",
			},
		},
	}
}

func TestRunToCompletion(t *testing.T) {
	sender := newFakeSender()
	eng, err := New(testConfig(100, 200*time.Millisecond), Options{Sender: sender})
	require.NoError(t, err)

	report, err := eng.Run(context.Background())
	require.NoError(t, err)

	// 100/s for 200ms is exactly 20 ticks, and with an instant sender
	// every tick dispatches.
	assert.Equal(t, int64(20), report.Totals.Requests)
	require.Len(t, report.Endpoints, 1)
	ep := report.Endpoints[0]
	assert.Equal(t, "get-user", ep.Name)
	assert.Equal(t, int64(20), ep.Dispatched)
	assert.Zero(t, ep.Misses)
	assert.Zero(t, ep.Skipped)
	assert.NotEmpty(t, report.RunID)

	// Templates resolved against the provider cycle. Dispatches run
	// concurrently, so check membership rather than arrival order.
	seen := make(map[string]int)
	for _, req := range sender.sent() {
		assert.Equal(t, "GET", req.Method)
		seen[req.URL]++
	}
	for _, want := range []string{
		"http://test.local/users/a",
		"http://test.local/users/b",
		"http://test.local/users/c",
	} {
		assert.Positive(t, seen[want], "missing dispatches for %s", want)
	}
}

func TestRunEveryTickAccounted(t *testing.T) {
	sender := newFakeSender()
	cfg := testConfig(100, 200*time.Millisecond)
	// Five one-shot values against twenty ticks: the rest are misses.
	cfg.Providers["ids"] = &config.Provider{
		Kind: config.KindStatic, Values: []any{"1", "2", "3", "4", "5"},
	}
	eng, err := New(cfg, Options{Sender: sender})
	require.NoError(t, err)

	report, err := eng.Run(context.Background())
	require.NoError(t, err)

	ep := report.Endpoints[0]
	assert.Equal(t, int64(5), ep.Dispatched)
	assert.Equal(t, int64(15), ep.Misses)
	assert.Equal(t, ep.Ticks, ep.Dispatched+ep.Misses,
		"every tick ends as a dispatch or a counted miss")
}

func TestRunCancellation(t *testing.T) {
	sender := newFakeSender()
	cfg := testConfig(50, 0) // unbounded pattern
	eng, err := New(cfg, Options{Sender: sender})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	var report *Report
	var runErr error
	go func() {
		report, runErr = eng.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
	require.NoError(t, runErr, "cancellation is a clean stop, not an error")
	assert.Greater(t, report.Totals.Requests, int64(0))
}

func TestRunExtractionChain(t *testing.T) {
	sender := newFakeSender()
	sender.handler = func(req *transport.ResolvedRequest) *transport.Outcome {
		o := &transport.Outcome{
			Timestamp:  time.Now(),
			Endpoint:   req.Endpoint,
			Kind:       transport.KindSuccess,
			StatusCode: 200,
			Latency:    time.Millisecond,
		}
		if req.Endpoint == "login" {
			o.Body = []byte(`{"token":"tok-1"}`)
		}
		return o
	}

	cfg := &config.Config{
		Name: "chain",
		Providers: map[string]*config.Provider{
			"users":  {Kind: config.KindStatic, Values: []any{"u1"}, Repeat: true},
			"tokens": {Kind: config.KindResponse, OnFull: "drop-oldest", Buffer: 10},
		},
		Patterns: map[string][]*config.Segment{
			"burst": {{Rate: floatPtr(50), Duration: config.Duration(200 * time.Millisecond)}},
		},
		Endpoints: []*config.Endpoint{
			{
				Name:    "login",
				Method:  "POST",
				URL:     "http://test.local/login",
				Body:    map[string]any{"user": "{{users}}"},
				Pattern: "burst",
				Provides: []*config.Extract{
					{Provider: "tokens", Source: "body", Path: "token"},
				},
			},
			{
				Name:    "profile",
				Method:  "GET",
				URL:     "http://test.local/me",
				Headers: map[string]string{"Authorization": "Bearer {{tokens}}"},
				Pattern: "burst",
			},
		},
	}

	eng, err := New(cfg, Options{Sender: sender})
	require.NoError(t, err)

	report, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Greater(t, report.Totals.Requests, int64(0))

	var sawToken bool
	for _, req := range sender.sent() {
		if req.Endpoint == "profile" {
			require.Equal(t, "Bearer tok-1", req.Headers["Authorization"])
			sawToken = true
		}
		if req.Endpoint == "login" {
			assert.JSONEq(t, `{"user":"u1"}`, string(req.Body))
		}
	}
	assert.True(t, sawToken, "profile requests should carry extracted tokens")
}

func TestRunContainsPanics(t *testing.T) {
	sender := newFakeSender()
	sender.handler = func(req *transport.ResolvedRequest) *transport.Outcome {
		panic("sender blew up")
	}

	eng, err := New(testConfig(100, 500*time.Millisecond), Options{Sender: sender})
	require.NoError(t, err)

	_, runErr := eng.Run(context.Background())
	require.Error(t, runErr)

	var internal *InternalError
	require.True(t, errors.As(runErr, &internal), "got %v", runErr)
	assert.Contains(t, internal.Component, "get-user")
}

func TestRunRecordsOutcomesToSink(t *testing.T) {
	sender := newFakeSender()
	sink := &captureSink{}
	cfg := testConfig(100, 200*time.Millisecond)
	cfg.Settings.WindowInterval = config.Duration(time.Minute)

	eng, err := New(cfg, Options{Sender: sender, Sink: sink})
	require.NoError(t, err)

	report, err := eng.Run(context.Background())
	require.NoError(t, err)

	var sinkTotal int64
	for _, w := range sink.windows() {
		for _, ep := range w.Endpoints {
			sinkTotal += ep.Requests
		}
	}
	assert.Equal(t, report.Totals.Requests, sinkTotal,
		"every outcome lands in exactly one sealed window")
}

func TestApplyPatternsSwapsTickers(t *testing.T) {
	eng, err := New(testConfig(10, 10*time.Second), Options{Sender: newFakeSender()})
	require.NoError(t, err)

	eng.ApplyPatterns(map[string][]rate.Segment{
		"steady":  {rate.Constant{Rate: 99, Dur: time.Second}},
		"unknown": {rate.Constant{Rate: 1, Dur: time.Second}},
	})
	// No running tickers consume yet; the swap is queued without error.
}

// failingProvider simulates a backing source that broke mid-run, e.g. a
// provider file deleted while the test is running.
type failingProvider struct {
	err error
}

func (p *failingProvider) Name() string { return "broken" }

func (p *failingProvider) Peek() (any, bool) { return nil, false }

func (p *failingProvider) Take(ctx context.Context) (any, error) { return nil, p.err }

func (p *failingProvider) Close() error { return nil }

func TestRunSurfacesProviderReadErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	reg := provider.NewRegistry()
	require.NoError(t, reg.Add(&failingProvider{err: errors.New("opening provider file: gone")}, false))

	agg := metrics.NewAggregator(metrics.Config{}, metrics.NopSink{})
	defer agg.Stop()

	task := &endpointTask{
		name:     "list",
		method:   "GET",
		url:      template.MustParse("http://test.local/{{broken}}"),
		takeRefs: []string{"broken"},
		ticker: rate.NewTicker(
			[]rate.Segment{rate.Constant{Rate: 100, Dur: 100 * time.Millisecond}},
			rate.Options{}),
		registry: reg,
		sender:   newFakeSender(),
		agg:      agg,
		gate:     NewGate(4),
		log:      zap.New(core),
		inflight: make(chan struct{}, 4),
	}
	task.run(context.Background())

	assert.Zero(t, task.dispatched.Load())
	assert.Equal(t, int64(10), task.misses.Load(), "every tick is a counted miss")

	// The cause is visible: warned once, not once per tick.
	warned := logs.FilterMessage("provider read failed, ticks will miss").All()
	require.Len(t, warned, 1)
	assert.Contains(t, fmt.Sprintf("%v", warned[0].ContextMap()["error"]), "gone")
}

type captureSink struct {
	mu   sync.Mutex
	wins []*metrics.SealedWindow
}

func (s *captureSink) Write(w *metrics.SealedWindow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wins = append(s.wins, w)
}

func (s *captureSink) windows() []*metrics.SealedWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*metrics.SealedWindow, len(s.wins))
	copy(out, s.wins)
	return out
}
