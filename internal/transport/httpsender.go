package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"os"
	"time"
)

// HTTPConfig sizes the sender's connection pool. Load-test fidelity wants
// enough parallelism that requests never queue for a connection; when they
// do anyway, the wait is measured and reported as ConnWait.
type HTTPConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	DisableKeepAlives   bool
	InsecureSkipVerify  bool
}

// DefaultHTTPConfig returns pool sizing suited to load generation.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     0, // unlimited
		IdleConnTimeout:     90 * time.Second,
	}
}

// HTTPSender is the default Sender over net/http. One sender is shared by
// all endpoints so the transport pools connections per host.
type HTTPSender struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPSender builds a sender from the given pool configuration.
func NewHTTPSender(cfg HTTPConfig) *HTTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
	}
	return &HTTPSender{
		client:  &http.Client{Transport: transport},
		timeout: cfg.Timeout,
	}
}

// Send performs the request and classifies the result. The returned
// outcome's Latency excludes connection-pool wait: with a trace on the
// request, the span between asking the pool for a connection and receiving
// one, minus actual dial and TLS work, is queueing and lands in ConnWait.
func (s *HTTPSender) Send(ctx context.Context, req *ResolvedRequest) *Outcome {
	out := &Outcome{
		Timestamp: time.Now(),
		Endpoint:  req.Endpoint,
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL, body)
	if err != nil {
		out.Kind = KindConnectionError
		out.Err = err
		return out
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	var (
		getConn  time.Time
		gotConn  time.Time
		dialTime time.Duration
		tlsTime  time.Duration

		dialStart time.Time
		tlsStart  time.Time
	)
	trace := &httptrace.ClientTrace{
		GetConn: func(string) { getConn = time.Now() },
		GotConn: func(httptrace.GotConnInfo) { gotConn = time.Now() },
		ConnectStart: func(network, addr string) {
			if dialStart.IsZero() {
				dialStart = time.Now()
			}
		},
		ConnectDone: func(network, addr string, err error) {
			if err == nil && !dialStart.IsZero() {
				dialTime = time.Since(dialStart)
			}
		},
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			if err == nil && !tlsStart.IsZero() {
				tlsTime = time.Since(tlsStart)
			}
		},
	}
	httpReq = httpReq.WithContext(httptrace.WithClientTrace(reqCtx, trace))

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	elapsed := time.Since(start)

	if !getConn.IsZero() && !gotConn.IsZero() {
		wait := gotConn.Sub(getConn) - dialTime - tlsTime
		if wait > 0 {
			out.ConnWait = wait
		}
	}
	out.Latency = elapsed - out.ConnWait
	if out.Latency < 0 {
		out.Latency = 0
	}

	if err != nil {
		out.Kind = classifyError(err)
		out.Err = err
		return out
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	out.Latency += time.Since(start) - elapsed // body read is transport work
	out.BytesIn = int64(len(respBody))
	out.StatusCode = resp.StatusCode
	out.Body = respBody
	out.Header = resp.Header

	switch {
	case readErr != nil:
		out.Kind = classifyError(readErr)
		out.Err = readErr
	case resp.StatusCode >= 400:
		out.Kind = KindHTTPError
	default:
		out.Kind = KindSuccess
	}
	return out
}

// classifyError maps Go transport errors onto outcome kinds.
func classifyError(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindConnectionError
}

var _ Sender = (*HTTPSender)(nil)
