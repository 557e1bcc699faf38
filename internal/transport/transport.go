// Package transport defines the request-sending capability the executor
// drives, and a default net/http implementation of it.
//
// The executor never talks to the network directly: it hands a fully
// rendered request to a Sender and receives a typed Outcome back. Transport
// failures (refused connections, resets, timeouts, DNS errors) are outcome
// kinds, never Go errors that could abort a run.
package transport

import (
	"context"
	"time"
)

// Kind classifies how a dispatched request concluded.
type Kind string

const (
	// KindSuccess is a completed request with a 2xx/3xx status.
	KindSuccess Kind = "success"
	// KindHTTPError is a completed request with a 4xx/5xx status.
	KindHTTPError Kind = "error"
	// KindTimeout means the request exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindConnectionError covers refused/reset connections and DNS
	// failures: the request never completed at the HTTP layer.
	KindConnectionError Kind = "connection-error"
)

// ResolvedRequest is an endpoint's template output for one dispatch: every
// provider reference already substituted, nothing left to compute.
type ResolvedRequest struct {
	Endpoint string
	Method   string
	URL      string
	Headers  map[string]string
	Body     []byte
	Timeout  time.Duration
}

// Outcome records how one dispatched request concluded. It is immutable
// once created; ownership passes to the stats aggregator on hand-off.
//
// Latency covers only the time the transport spent performing the request.
// ConnWait is the time the dispatch spent queued for a connection (pool
// wait), reported separately so saturation of the connection pool shows up
// as queueing, not as inflated round-trip time.
type Outcome struct {
	Timestamp  time.Time
	Endpoint   string
	Kind       Kind
	StatusCode int
	Latency    time.Duration
	ConnWait   time.Duration
	BytesIn    int64

	// Body holds the response body when the endpoint extracts values
	// from responses; nil otherwise.
	Body []byte
	// Header values captured for extraction, keyed by canonical name.
	Header map[string][]string

	// Err describes transport-level failures for logging. Never fatal.
	Err error
}

// Failed reports whether the outcome counts against the error rate.
func (o *Outcome) Failed() bool { return o.Kind != KindSuccess }

// Sender is the external request-sending capability. Send blocks until the
// request concludes and always returns an Outcome; context cancellation
// and transport failures are encoded in the outcome's Kind.
type Sender interface {
	Send(ctx context.Context, req *ResolvedRequest) *Outcome
}
