// Package streamproxy relays a backend job's SSE stream to a client. Before
// the backend answers it runs a health preflight and a bounded retry loop,
// and it speaks for itself with progress events and at most one terminal
// error event. Once connected it forwards backend bytes verbatim.
package streamproxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/trr/admin-api/internal/config"
	"github.com/trr/admin-api/internal/metrics"
	"github.com/trr/admin-api/internal/sse"
)

const (
	maxDetailBytes = 64 * 1024
	forwardBufSize = 32 * 1024
)

// Backend is the job service the proxy connects to.
type Backend interface {
	Host() string
	HealthURL() (string, error)
	HealthCheck(ctx context.Context, requestID string) error
	OpenStream(ctx context.Context, path string, body []byte, requestID string) (*http.Response, error)
}

// Sink receives the outgoing stream. Event writes a proxy-originated frame,
// Forward writes backend bytes untouched. A returned error means the client
// is gone.
type Sink interface {
	Event(ev sse.Event) error
	Forward(p []byte) error
}

// Config bounds the connect protocol.
type Config struct {
	AttemptTimeout    time.Duration
	HeartbeatInterval time.Duration
	PreflightTimeout  time.Duration
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
}

func DefaultConfig() Config {
	return Config{
		AttemptTimeout:    20 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		PreflightTimeout:  3 * time.Second,
		MaxAttempts:       5,
		BaseBackoff:       200 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
	}
}

// ConfigFrom builds a Config from the environment-backed stream settings.
// Unset or non-positive values keep their defaults.
func ConfigFrom(sc config.StreamConfig) Config {
	cfg := DefaultConfig()
	if d := sc.AttemptTimeout(); d > 0 {
		cfg.AttemptTimeout = d
	}
	if d := sc.HeartbeatInterval(); d > 0 {
		cfg.HeartbeatInterval = d
	}
	if d := sc.PreflightTimeout(); d > 0 {
		cfg.PreflightTimeout = d
	}
	if sc.ConnectMaxAttempts > 0 {
		cfg.MaxAttempts = sc.ConnectMaxAttempts
	}
	return cfg
}

// Request describes one proxied job.
type Request struct {
	Path      string
	Body      []byte
	RequestID string
}

// Outcome summarizes a finished Run.
type Outcome struct {
	Connected      bool
	Attempts       int
	ForwardedBytes int64
	Terminal       *Payload
}

type Proxy struct {
	backend Backend
	cfg     Config
}

func New(backend Backend, cfg Config) *Proxy {
	return &Proxy{backend: backend, cfg: cfg}
}

// Config returns the proxy's connect settings.
func (p *Proxy) Config() Config {
	return p.cfg
}

// Run executes the whole protocol against sink. It returns once the backend
// stream ends, a terminal event was emitted, or the client went away.
func (p *Proxy) Run(ctx context.Context, req Request, sink Sink) (out Outcome) {
	em := &emitter{sink: sink, requestID: req.RequestID}
	logger := log.WithFields(log.Fields{"request_id": req.RequestID, "path": req.Path})
	defer func() {
		out.Terminal = em.terminal
		if em.terminal != nil {
			logger.WithFields(log.Fields{
				"checkpoint": em.terminal.Checkpoint,
				"error_code": em.terminal.ErrorCode,
				"attempts":   out.Attempts,
			}).Warn("Stream proxy ended with terminal error")
		}
	}()

	if !p.preflight(ctx, req, em) {
		return out
	}

	conn, attempts := p.connect(ctx, req, em)
	out.Attempts = attempts
	if conn == nil {
		return out
	}
	defer conn.release()

	if !p.validate(conn, em) {
		return out
	}
	out.Connected = true
	logger.WithField("attempts", attempts).Debug("Backend stream connected")

	out.ForwardedBytes = p.forward(ctx, conn, em)
	return out
}

func (p *Proxy) preflight(ctx context.Context, req Request, em *emitter) bool {
	host := p.backend.Host()
	em.progress(Payload{
		Stage:       StageConnecting,
		Checkpoint:  CheckpointPreflightStart,
		Message:     "Checking backend health...",
		BackendHost: host,
	})

	healthURL, err := p.backend.HealthURL()
	var detail string
	if err != nil {
		healthURL = "unknown"
		detail = "Could not determine backend health endpoint URL."
	} else {
		pctx, cancel := context.WithTimeout(ctx, p.cfg.PreflightTimeout)
		err = p.backend.HealthCheck(pctx, req.RequestID)
		timedOut := pctx.Err() == context.DeadlineExceeded
		cancel()
		if err != nil {
			detail = errorDetail(err)
			if timedOut {
				detail = "Timed out waiting for backend health probe response."
			}
		}
	}

	if err != nil {
		em.fail(Payload{
			Stage:       StageConnecting,
			Checkpoint:  CheckpointPreflightFailed,
			Error:       "Backend health check failed",
			ErrorCode:   CodeBackendUnresponsive,
			Detail:      fmt.Sprintf("%s (health_url=%s, backend_host=%s)", detail, healthURL, host),
			HealthURL:   healthURL,
			BackendHost: host,
		})
		return false
	}

	em.progress(Payload{
		Stage:       StageConnecting,
		Checkpoint:  CheckpointPreflightOK,
		Message:     "Backend is healthy. Connecting to stream...",
		HealthURL:   healthURL,
		BackendHost: host,
	})
	return !em.broken
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetryable
	outcomeFatal
)

// attemptOutcome is the result of one connection attempt. Success carries
// the response and the cancel func that owns its lifetime; retryable
// carries the delay before the next attempt.
type attemptOutcome struct {
	kind   outcomeKind
	resp   *http.Response
	cancel context.CancelFunc
	code   string
	detail string
	status int
	delay  time.Duration
}

type attemptResult struct {
	resp *http.Response
	err  error
}

type connection struct {
	resp     *http.Response
	cancel   context.CancelFunc
	attempts int
}

func (c *connection) release() {
	if c.resp != nil && c.resp.Body != nil {
		c.resp.Body.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
}

func (p *Proxy) connect(ctx context.Context, req Request, em *emitter) (*connection, int) {
	host := p.backend.Host()
	started := time.Now()
	var last attemptOutcome

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		msg := "Connecting to backend stream..."
		if attempt > 1 {
			msg = fmt.Sprintf("Retrying backend connection (attempt %d/%d)...", attempt, p.cfg.MaxAttempts)
		}
		em.progress(Payload{
			Stage:            StageConnecting,
			Checkpoint:       CheckpointAttemptStart,
			Message:          msg,
			Attempt:          attempt,
			MaxAttempts:      p.cfg.MaxAttempts,
			Retrying:         attempt > 1,
			AttemptTimeoutMs: p.cfg.AttemptTimeout.Milliseconds(),
			BackendHost:      host,
		})

		last = p.attempt(ctx, req, attempt, em)
		switch last.kind {
		case outcomeSuccess:
			metrics.ConnectAttempts.WithLabelValues("connected").Inc()
			metrics.ConnectDuration.Observe(time.Since(started).Seconds())
			return &connection{resp: last.resp, cancel: last.cancel, attempts: attempt}, attempt
		case outcomeFatal:
			metrics.ConnectAttempts.WithLabelValues("fatal").Inc()
			em.fail(Payload{
				Stage:        StageConnecting,
				Checkpoint:   CheckpointFailed,
				Error:        "Backend fetch failed",
				ErrorCode:    last.code,
				Detail:       fmt.Sprintf("%s (backend_host=%s)", last.detail, host),
				Attempt:      attempt,
				AttemptsUsed: attempt,
				MaxAttempts:  p.cfg.MaxAttempts,
				BackendHost:  host,
			})
			return nil, attempt
		}

		metrics.ConnectAttempts.WithLabelValues("retryable").Inc()
		if attempt == p.cfg.MaxAttempts {
			break
		}

		em.progress(Payload{
			Stage:        StageConnecting,
			Checkpoint:   CheckpointRetry,
			Message:      fmt.Sprintf("Backend connection attempt %d failed (%s). Retrying in %dms...", attempt, last.code, last.delay.Milliseconds()),
			Detail:       last.detail,
			ErrorCode:    last.code,
			Status:       last.status,
			Attempt:      attempt,
			MaxAttempts:  p.cfg.MaxAttempts,
			RetryDelayMs: last.delay.Milliseconds(),
			BackendHost:  host,
		})

		if !sleepCtx(ctx, last.delay) {
			em.fail(Payload{
				Stage:        StageConnecting,
				Checkpoint:   CheckpointFailed,
				Error:        "Backend fetch failed",
				ErrorCode:    CodeConnectTimeout,
				Detail:       "Request was aborted while connecting to backend stream.",
				AttemptsUsed: attempt,
				MaxAttempts:  p.cfg.MaxAttempts,
				BackendHost:  host,
			})
			return nil, attempt
		}
	}

	em.fail(Payload{
		Stage:        StageConnecting,
		Checkpoint:   CheckpointExhausted,
		Error:        "Backend fetch failed",
		ErrorCode:    last.code,
		Detail:       fmt.Sprintf("%s (attempts=%d, backend_host=%s)", last.detail, p.cfg.MaxAttempts, host),
		Status:       last.status,
		AttemptsUsed: p.cfg.MaxAttempts,
		MaxAttempts:  p.cfg.MaxAttempts,
		BackendHost:  host,
	})
	return nil, p.cfg.MaxAttempts
}

// attempt issues one backend POST. While it is in flight a ticker emits
// connect_wait heartbeats; the loop only exits on the attempt's own result,
// so the response is received exactly once and never abandoned.
func (p *Proxy) attempt(ctx context.Context, req Request, attempt int, em *emitter) attemptOutcome {
	actx, cancel := context.WithCancel(ctx)

	// The timer bounds connection establishment only. It is stopped once
	// headers arrive so the long-lived body is not cut off.
	var timedOut atomic.Bool
	timer := time.AfterFunc(p.cfg.AttemptTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	started := time.Now()
	results := make(chan attemptResult, 1)
	go func() {
		resp, err := p.backend.OpenStream(actx, req.Path, req.Body, req.RequestID)
		results <- attemptResult{resp: resp, err: err}
	}()

	heartbeat := time.NewTicker(p.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var res attemptResult
wait:
	for {
		select {
		case res = <-results:
			break wait
		case <-heartbeat.C:
			elapsed := time.Since(started)
			remaining := (p.cfg.AttemptTimeout - elapsed).Milliseconds()
			if remaining < 0 {
				remaining = 0
			}
			em.progress(Payload{
				Stage:              StageConnecting,
				Checkpoint:         CheckpointWait,
				Message:            fmt.Sprintf("Waiting for backend stream (%ds elapsed)...", int(elapsed.Seconds())),
				Attempt:            attempt,
				MaxAttempts:        p.cfg.MaxAttempts,
				Retrying:           attempt > 1,
				AttemptElapsedMs:   elapsed.Milliseconds(),
				AttemptTimeoutMs:   p.cfg.AttemptTimeout.Milliseconds(),
				AttemptRemainingMs: &remaining,
			})
		}
	}

	// A response that raced the timer is unusable: its context is cancelled.
	if !timer.Stop() && res.err == nil {
		res.resp.Body.Close()
		res.resp = nil
		res.err = context.DeadlineExceeded
	}

	if res.err != nil {
		cancel()
		code, detail, retryable := classifyError(res.err, timedOut.Load(), p.cfg.AttemptTimeout)
		if !retryable {
			return attemptOutcome{kind: outcomeFatal, code: code, detail: detail}
		}
		return attemptOutcome{kind: outcomeRetryable, code: code, detail: detail, delay: p.backoff(attempt)}
	}

	resp := res.resp
	if resp.StatusCode < http.StatusInternalServerError || attempt >= p.cfg.MaxAttempts {
		return attemptOutcome{kind: outcomeSuccess, resp: resp, cancel: cancel}
	}

	detail := readDetail(resp)
	resp.Body.Close()
	cancel()
	return attemptOutcome{
		kind:   outcomeRetryable,
		code:   httpCode(resp.StatusCode),
		detail: detail,
		status: resp.StatusCode,
		delay:  p.backoff(attempt),
	}
}

// backoff returns min(base * 2^(attempt-1), max).
func (p *Proxy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	if d > p.cfg.MaxBackoff {
		return p.cfg.MaxBackoff
	}
	return d
}

func (p *Proxy) validate(conn *connection, em *emitter) bool {
	host := p.backend.Host()
	resp := conn.resp

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		checkpoint := CheckpointBackendHTTPError
		if resp.StatusCode >= http.StatusInternalServerError && conn.attempts >= p.cfg.MaxAttempts {
			checkpoint = CheckpointExhausted
		}
		em.fail(Payload{
			Stage:        StageBackend,
			Checkpoint:   checkpoint,
			Error:        "Backend refresh failed",
			ErrorCode:    httpCode(resp.StatusCode),
			Detail:       readDetail(resp),
			Status:       resp.StatusCode,
			AttemptsUsed: conn.attempts,
			MaxAttempts:  p.cfg.MaxAttempts,
			BackendHost:  host,
		})
		return false
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		em.fail(Payload{
			Stage:       StageBackend,
			Checkpoint:  CheckpointBackendNoBody,
			Error:       "No response body from backend",
			ErrorCode:   CodeBackendNoBody,
			Detail:      fmt.Sprintf("Backend returned HTTP %d without a stream body.", resp.StatusCode),
			Status:      resp.StatusCode,
			BackendHost: host,
		})
		return false
	}

	em.progress(Payload{
		Stage:        StageConnecting,
		Checkpoint:   CheckpointConnected,
		StreamState:  "connected",
		Message:      "Connected to backend stream.",
		AttemptsUsed: conn.attempts,
		MaxAttempts:  p.cfg.MaxAttempts,
		BackendHost:  host,
	})
	return !em.broken
}

// forward copies the backend body to the sink chunk by chunk. A clean EOF
// ends the stream without a synthetic event; the backend's own terminal
// event has already been forwarded.
func (p *Proxy) forward(ctx context.Context, conn *connection, em *emitter) int64 {
	buf := make([]byte, forwardBufSize)
	var total int64
	for {
		n, err := conn.resp.Body.Read(buf)
		if n > 0 {
			if werr := em.sink.Forward(buf[:n]); werr != nil {
				return total
			}
			total += int64(n)
			metrics.ForwardedBytes.Add(float64(n))
		}
		if err == io.EOF {
			return total
		}
		if err != nil {
			if ctx.Err() != nil {
				return total
			}
			code, detail, _ := classifyError(err, false, 0)
			em.fail(Payload{
				Stage:       StageForwarding,
				Checkpoint:  CheckpointForwardError,
				Error:       "Backend stream interrupted",
				ErrorCode:   code,
				Detail:      detail,
				BackendHost: p.backend.Host(),
			})
			return total
		}
	}
}

// emitter enforces the single-terminal-event invariant.
type emitter struct {
	sink      Sink
	requestID string
	terminal  *Payload
	broken    bool
}

func (e *emitter) progress(p Payload) {
	e.emit(sse.EventProgress, p)
}

func (e *emitter) fail(p Payload) {
	if e.terminal != nil {
		return
	}
	p.IsTerminal = true
	e.emit(sse.EventError, p)
	p.RequestID = e.requestID
	e.terminal = &p
}

func (e *emitter) emit(eventType string, p Payload) {
	if e.terminal != nil || e.broken {
		return
	}
	p.RequestID = e.requestID
	metrics.StreamEvents.WithLabelValues(eventType, p.Checkpoint).Inc()
	if err := e.sink.Event(sse.Event{Type: eventType, Data: p}); err != nil {
		e.broken = true
	}
}

func readDetail(resp *http.Response) string {
	if resp.Body == nil || resp.Body == http.NoBody {
		return http.StatusText(resp.StatusCode)
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxDetailBytes))
	detail := strings.TrimSpace(string(data))
	if detail == "" {
		return http.StatusText(resp.StatusCode)
	}
	return detail
}

func httpCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
