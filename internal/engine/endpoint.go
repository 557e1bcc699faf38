package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/volleyhq/volley/internal/extract"
	"github.com/volleyhq/volley/internal/metrics"
	"github.com/volleyhq/volley/internal/provider"
	"github.com/volleyhq/volley/internal/rate"
	"github.com/volleyhq/volley/internal/template"
	"github.com/volleyhq/volley/internal/transport"
)

const defaultMaxParallel = 64

// endpointTask drives one endpoint: it consumes the endpoint's tick
// stream, resolves templates against provider values, and dispatches
// requests without ever letting a slow response stall the tick loop.
type endpointTask struct {
	name    string
	method  string
	url     *template.Template
	headers map[string]*template.Template
	body    *template.Body
	timeout time.Duration

	// takeRefs are consumed per dispatch; peekRefs are read without
	// consuming. Both orders are fixed at build time so taking is
	// deterministic.
	takeRefs []string
	peekRefs []string

	rules   []extract.Rule
	targets map[string]provider.Pusher

	ticker   *rate.Ticker
	registry *provider.Registry
	sender   transport.Sender
	agg      *metrics.Aggregator
	gate     *Gate
	log      *zap.Logger

	// onFatal reports a contained panic from a dispatch goroutine; the
	// engine aborts the run.
	onFatal func(error)

	inflight chan struct{}
	wg       sync.WaitGroup

	dispatched atomic.Int64
	misses     atomic.Int64
	pushErrs   atomic.Int64
	readErrs   atomic.Int64
}

type takenValue struct {
	provider string
	value    any
}

// run is the endpoint's tick loop. It returns only on pattern completion
// or context cancellation; anything that would panic is contained by the
// supervisor wrapping it.
func (t *endpointTask) run(ctx context.Context) {
	defer t.wg.Wait()

	for {
		wait, status := t.ticker.Next(time.Now())
		switch status {
		case rate.Done:
			return
		case rate.Idle:
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}
		if !sleepCtx(ctx, wait) {
			return
		}

		// Admission: load generation yields here when the monitor has
		// shrunk the gate. The ticker's catch-up rules decide what
		// happens to ticks that aged out while we waited.
		if err := t.gate.Acquire(ctx); err != nil {
			return
		}

		bindings, taken, err := t.gather(ctx)
		if err != nil {
			t.gate.Release()
			if ctx.Err() != nil {
				return
			}
			// Exhaustion is a scheduling miss: counted, never fatal.
			t.misses.Add(1)
			if !errors.Is(err, provider.ErrExhausted) {
				// Anything else (a broken provider file, mid-run) would
				// otherwise make misses with no visible cause. Warn once,
				// then drop to debug to keep a fast tick rate readable.
				if t.readErrs.Add(1) == 1 {
					t.log.Warn("provider read failed, ticks will miss",
						zap.String("endpoint", t.name), zap.Error(err))
				} else {
					t.log.Debug("provider read failed, tick skipped",
						zap.String("endpoint", t.name), zap.Error(err))
				}
			}
			continue
		}

		req, err := t.render(bindings)
		if err != nil {
			t.gate.Release()
			t.returnTaken(taken)
			t.misses.Add(1)
			t.log.Debug("render failed, tick skipped",
				zap.String("endpoint", t.name), zap.Error(err))
			continue
		}

		select {
		case t.inflight <- struct{}{}:
		case <-ctx.Done():
			t.gate.Release()
			return
		}
		t.dispatched.Add(1)
		t.wg.Add(1)
		go t.dispatch(ctx, req, taken)
	}
}

// gather resolves the endpoint's provider bindings for one dispatch.
// A provider reporting ErrExhausted surfaces as a miss via the returned
// error; values already taken from other providers are pushed back.
func (t *endpointTask) gather(ctx context.Context) (map[string]any, []takenValue, error) {
	bindings := make(map[string]any, len(t.takeRefs)+len(t.peekRefs))
	taken := make([]takenValue, 0, len(t.takeRefs))

	for _, name := range t.takeRefs {
		p, ok := t.registry.Get(name)
		if !ok {
			return nil, nil, fmt.Errorf("provider %q not registered", name)
		}
		v, err := p.Take(ctx)
		if err != nil {
			t.returnTaken(taken)
			return nil, nil, err
		}
		bindings[name] = v
		taken = append(taken, takenValue{provider: name, value: v})
	}
	for _, name := range t.peekRefs {
		p, ok := t.registry.Get(name)
		if !ok {
			return nil, nil, fmt.Errorf("provider %q not registered", name)
		}
		v, ok := p.Peek()
		if !ok {
			t.returnTaken(taken)
			return nil, nil, provider.ErrExhausted
		}
		bindings[name] = v
	}
	return bindings, taken, nil
}

func (t *endpointTask) render(bindings map[string]any) (*transport.ResolvedRequest, error) {
	url, err := t.url.Render(bindings)
	if err != nil {
		return nil, err
	}
	req := &transport.ResolvedRequest{
		Endpoint: t.name,
		Method:   t.method,
		URL:      url,
		Timeout:  t.timeout,
	}
	if len(t.headers) > 0 {
		req.Headers = make(map[string]string, len(t.headers))
		for k, tpl := range t.headers {
			v, err := tpl.Render(bindings)
			if err != nil {
				return nil, err
			}
			req.Headers[k] = v
		}
	}
	if t.body != nil {
		raw, err := t.body.Render(bindings)
		if err != nil {
			return nil, err
		}
		req.Body = raw
	}
	return req, nil
}

// dispatch performs one request off the tick loop. The admission slot and
// the per-endpoint parallel slot are held for the request's full duration
// so in-flight work bounds admission of new work.
func (t *endpointTask) dispatch(ctx context.Context, req *transport.ResolvedRequest, taken []takenValue) {
	defer t.wg.Done()
	defer t.gate.Release()
	defer func() { <-t.inflight }()
	defer func() {
		if r := recover(); r != nil && t.onFatal != nil {
			t.onFatal(&InternalError{
				Component: "endpoint " + t.name,
				Err:       fmt.Errorf("panic: %v", r),
			})
		}
	}()

	o := t.sender.Send(ctx, req)

	// A request aborted by run shutdown is not a measurement.
	if ctx.Err() != nil && errors.Is(o.Err, context.Canceled) {
		return
	}

	t.extractInto(o)
	o.Body = nil
	o.Header = nil
	t.agg.Record(o)

	for _, tv := range taken {
		if t.registry.AutoReturn(tv.provider) {
			t.registry.Return(tv.provider, tv.value)
		}
	}
}

// extractInto pushes response-derived values to their target providers.
// Push failures (a rejecting full buffer) are counted, never fatal.
func (t *endpointTask) extractInto(o *transport.Outcome) {
	for _, r := range t.rules {
		v, ok := r.Apply(o)
		if !ok {
			continue
		}
		target := t.targets[r.Provider]
		if err := target.Push(v); err != nil {
			t.pushErrs.Add(1)
			t.log.Debug("extracted value dropped",
				zap.String("endpoint", t.name),
				zap.String("provider", r.Provider),
				zap.Error(err))
		}
	}
}

func (t *endpointTask) returnTaken(taken []takenValue) {
	for _, tv := range taken {
		t.registry.Return(tv.provider, tv.value)
	}
}

// sleepCtx sleeps for d, returning false if ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
