package streamproxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trr/admin-api/internal/client"
	"github.com/trr/admin-api/internal/config"
	"github.com/trr/admin-api/internal/sse"
)

const streamPath = "/admin/shows/show-1/refresh-photos/stream"

type recordingSink struct {
	mu        sync.Mutex
	events    []sse.Event
	forwarded bytes.Buffer
	failAfter int // Forward fails after this many calls when > 0
	forwards  int
}

func (s *recordingSink) Event(ev sse.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Forward(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwards++
	if s.failAfter > 0 && s.forwards > s.failAfter {
		return errors.New("client gone")
	}
	s.forwarded.Write(p)
	return nil
}

func (s *recordingSink) payloads() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Payload, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Data.(Payload))
	}
	return out
}

func (s *recordingSink) withCheckpoint(checkpoint string) []Payload {
	var out []Payload
	for _, p := range s.payloads() {
		if p.Checkpoint == checkpoint {
			out = append(out, p)
		}
	}
	return out
}

func (s *recordingSink) last() Payload {
	payloads := s.payloads()
	return payloads[len(payloads)-1]
}

// assertSingleTerminalLast checks that at most one proxy event is terminal
// and that it is the last one emitted.
func assertSingleTerminalLast(t *testing.T, s *recordingSink) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	terminalAt := -1
	for i, ev := range s.events {
		p := ev.Data.(Payload)
		if p.IsTerminal {
			require.Equal(t, -1, terminalAt, "more than one terminal event")
			require.Equal(t, sse.EventError, ev.Type)
			terminalAt = i
		}
	}
	if terminalAt >= 0 {
		assert.Equal(t, len(s.events)-1, terminalAt, "terminal event is not last")
	}
}

func testConfig() Config {
	return Config{
		AttemptTimeout:    500 * time.Millisecond,
		HeartbeatInterval: time.Second,
		PreflightTimeout:  500 * time.Millisecond,
		MaxAttempts:       5,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        4 * time.Millisecond,
	}
}

type testBackend struct {
	client      *client.BackendClient
	healthCalls atomic.Int32
	streamCalls atomic.Int32
}

func newTestBackend(t *testing.T, health, stream http.HandlerFunc) *testBackend {
	t.Helper()
	tb := &testBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		tb.healthCalls.Add(1)
		if health != nil {
			health(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/api/v1"+streamPath, func(w http.ResponseWriter, r *http.Request) {
		tb.streamCalls.Add(1)
		stream(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tb.client = client.NewBackendClient(&config.BackendConfig{BaseURL: srv.URL, ServiceRoleKey: "service-role-secret"})
	return tb
}

func sseHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(body))
	}
}

type fakeBackend struct {
	healthErr error
	open      func(call int) (*http.Response, error)
	calls     atomic.Int32
}

func (f *fakeBackend) Host() string { return "backend.test" }

func (f *fakeBackend) HealthURL() (string, error) { return "http://backend.test/health", nil }

func (f *fakeBackend) HealthCheck(ctx context.Context, requestID string) error { return f.healthErr }

func (f *fakeBackend) OpenStream(ctx context.Context, path string, body []byte, requestID string) (*http.Response, error) {
	return f.open(int(f.calls.Add(1)))
}

func okResponse(body io.ReadCloser) *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: body}
}

func connRefused() error {
	return &url.Error{Op: "Post", URL: "http://backend.test", Err: &net.OpError{
		Op: "dial", Net: "tcp",
		Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED},
	}}
}

type failingBody struct {
	data []byte
	err  error
	sent bool
}

func (b *failingBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, b.data), nil
	}
	return 0, b.err
}

func (b *failingBody) Close() error { return nil }

func run(p *Proxy, requestID string) (*recordingSink, Outcome) {
	sink := &recordingSink{}
	out := p.Run(context.Background(), Request{Path: streamPath, Body: []byte(`{}`), RequestID: requestID}, sink)
	return sink, out
}

func TestRun_ForwardsBackendStream(t *testing.T) {
	body := "event: progress\ndata: {\"stage\":\"sync_cast_photos\"}\n\nevent: done\ndata: {}\n\n"
	tb := newTestBackend(t, nil, sseHandler(body))

	sink, out := run(New(tb.client, testConfig()), "req-1")

	assert.True(t, out.Connected)
	assert.Equal(t, 1, out.Attempts)
	assert.Nil(t, out.Terminal)
	assert.Equal(t, int64(len(body)), out.ForwardedBytes)
	assert.Equal(t, body, sink.forwarded.String())

	var checkpoints []string
	for _, p := range sink.payloads() {
		checkpoints = append(checkpoints, p.Checkpoint)
		assert.Equal(t, "req-1", p.RequestID)
		assert.Equal(t, StageConnecting, p.Stage)
	}
	assert.Equal(t, []string{
		CheckpointPreflightStart,
		CheckpointPreflightOK,
		CheckpointAttemptStart,
		CheckpointConnected,
	}, checkpoints)
	assert.Equal(t, "connected", sink.last().StreamState)
	assertSingleTerminalLast(t, sink)
}

func TestRun_BytePassthrough(t *testing.T) {
	chunks := [][]byte{
		[]byte("event: progress\ndata: {\"stage\":\"sync"),
		[]byte("_imdb\",\"current\":1}\n\n"),
		{0x00, 0xff, 0x10, '\r', '\n'},
		[]byte(": comment\n\nevent: done\ndata: {\"ok\":true}\n\n"),
	}
	tb := newTestBackend(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = w.Write(c)
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	})

	sink, out := run(New(tb.client, testConfig()), "")

	assert.True(t, out.Connected)
	assert.Equal(t, bytes.Join(chunks, nil), sink.forwarded.Bytes())
}

func TestRun_RetryBudgetIsExact(t *testing.T) {
	tb := newTestBackend(t, nil, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
	})

	sink, out := run(New(tb.client, testConfig()), "req-503")

	assert.Equal(t, int32(5), tb.streamCalls.Load())
	assert.Equal(t, 5, out.Attempts)
	assert.False(t, out.Connected)
	require.NotNil(t, out.Terminal)

	last := sink.last()
	assert.True(t, last.IsTerminal)
	assert.Equal(t, CheckpointExhausted, last.Checkpoint)
	assert.Equal(t, 5, last.AttemptsUsed)
	assert.Equal(t, "HTTP_503", last.ErrorCode)
	assert.Equal(t, StageBackend, last.Stage)
	assert.Equal(t, "Backend refresh failed", last.Error)
	assert.Equal(t, "backend unavailable", last.Detail)

	retries := sink.withCheckpoint(CheckpointRetry)
	assert.Len(t, retries, 4)
	for _, r := range retries {
		assert.Equal(t, http.StatusServiceUnavailable, r.Status)
		assert.Equal(t, "HTTP_503", r.ErrorCode)
	}

	starts := sink.withCheckpoint(CheckpointAttemptStart)
	require.Len(t, starts, 5)
	assert.False(t, starts[0].Retrying)
	for _, s := range starts[1:] {
		assert.True(t, s.Retrying)
	}
	assertSingleTerminalLast(t, sink)
}

func TestRun_ClientErrorIsNotRetried(t *testing.T) {
	tb := newTestBackend(t, nil, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "show not found", http.StatusNotFound)
	})

	sink, out := run(New(tb.client, testConfig()), "")

	assert.Equal(t, int32(1), tb.streamCalls.Load())
	assert.Equal(t, 1, out.Attempts)
	last := sink.last()
	assert.True(t, last.IsTerminal)
	assert.Equal(t, CheckpointBackendHTTPError, last.Checkpoint)
	assert.Equal(t, "HTTP_404", last.ErrorCode)
	assert.Equal(t, "show not found", last.Detail)
	assert.Empty(t, sink.withCheckpoint(CheckpointRetry))
	assertSingleTerminalLast(t, sink)
}

func TestRun_PreflightGate(t *testing.T) {
	tb := newTestBackend(t,
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
		sseHandler("event: progress\ndata: {}\n\n"),
	)

	sink, out := run(New(tb.client, testConfig()), "req-preflight")

	assert.Equal(t, int32(1), tb.healthCalls.Load())
	assert.Equal(t, int32(0), tb.streamCalls.Load())
	assert.Equal(t, 0, out.Attempts)
	assert.Empty(t, sink.forwarded.Bytes())

	var terminals []Payload
	for _, p := range sink.payloads() {
		if p.IsTerminal {
			terminals = append(terminals, p)
		}
	}
	require.Len(t, terminals, 1)
	assert.Equal(t, CheckpointPreflightFailed, terminals[0].Checkpoint)
	assert.Equal(t, CodeBackendUnresponsive, terminals[0].ErrorCode)
	assert.Equal(t, "req-preflight", terminals[0].RequestID)
	assert.True(t, strings.HasSuffix(terminals[0].HealthURL, "/health"))
	assert.Contains(t, terminals[0].Detail, "HTTP 502")
	assertSingleTerminalLast(t, sink)
}

func TestRun_PreflightTimeout(t *testing.T) {
	tb := newTestBackend(t,
		func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
		sseHandler("event: progress\ndata: {}\n\n"),
	)
	cfg := testConfig()
	cfg.PreflightTimeout = 50 * time.Millisecond

	sink, _ := run(New(tb.client, cfg), "")

	assert.Equal(t, int32(0), tb.streamCalls.Load())
	last := sink.last()
	assert.Equal(t, CheckpointPreflightFailed, last.Checkpoint)
	assert.Contains(t, last.Detail, "Timed out waiting for backend health probe response.")
}

func TestRun_HeartbeatKeepsSameAttempt(t *testing.T) {
	body := "event: progress\ndata: {\"stage\":\"sync_imdb\"}\n\n"
	tb := newTestBackend(t, nil, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		sseHandler(body)(w, r)
	})
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond

	sink, out := run(New(tb.client, cfg), "req-heartbeat")

	assert.Equal(t, int32(1), tb.streamCalls.Load(), "heartbeats must not re-issue the attempt")
	assert.True(t, out.Connected)
	assert.Equal(t, body, sink.forwarded.String())

	waits := sink.withCheckpoint(CheckpointWait)
	require.GreaterOrEqual(t, len(waits), 2)
	for _, w := range waits {
		assert.Equal(t, int64(500), w.AttemptTimeoutMs)
		assert.Positive(t, w.AttemptElapsedMs)
		require.NotNil(t, w.AttemptRemainingMs)
		assert.Equal(t, 1, w.Attempt)
	}

	// Every heartbeat precedes the handoff.
	payloads := sink.payloads()
	connectedAt := -1
	for i, p := range payloads {
		if p.Checkpoint == CheckpointConnected {
			connectedAt = i
		}
		if p.Checkpoint == CheckpointWait {
			assert.Equal(t, -1, connectedAt)
		}
	}
	assert.Equal(t, len(payloads)-1, connectedAt)
}

func TestRun_AttemptTimeoutIsRetried(t *testing.T) {
	tb := newTestBackend(t, nil, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	cfg := testConfig()
	cfg.AttemptTimeout = 50 * time.Millisecond
	cfg.MaxAttempts = 2

	sink, out := run(New(tb.client, cfg), "")

	assert.Equal(t, int32(2), tb.streamCalls.Load())
	assert.Equal(t, 2, out.Attempts)
	last := sink.last()
	assert.Equal(t, CheckpointExhausted, last.Checkpoint)
	assert.Equal(t, CodeConnectTimeout, last.ErrorCode)
	assert.Equal(t, StageConnecting, last.Stage)
	assert.Equal(t, 2, last.AttemptsUsed)
	assertSingleTerminalLast(t, sink)
}

func TestRun_RetriesTransientErrorThenStreams(t *testing.T) {
	fb := &fakeBackend{open: func(call int) (*http.Response, error) {
		if call == 1 {
			return nil, connRefused()
		}
		return okResponse(io.NopCloser(strings.NewReader("event: progress\ndata: {\"stage\":\"sync_tmdb\"}\n\n"))), nil
	}}

	sink, out := run(New(fb, testConfig()), "req-retry")

	assert.Equal(t, int32(2), fb.calls.Load())
	assert.True(t, out.Connected)
	assert.Equal(t, 2, out.Attempts)
	assert.Contains(t, sink.forwarded.String(), "sync_tmdb")

	retries := sink.withCheckpoint(CheckpointRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, "ECONNREFUSED", retries[0].ErrorCode)
	assert.Equal(t, int64(1), retries[0].RetryDelayMs)

	starts := sink.withCheckpoint(CheckpointAttemptStart)
	require.Len(t, starts, 2)
	assert.True(t, starts[1].Retrying)
	assertSingleTerminalLast(t, sink)
}

func TestRun_ExhaustsOnTransportErrors(t *testing.T) {
	fb := &fakeBackend{open: func(int) (*http.Response, error) { return nil, connRefused() }}

	sink, out := run(New(fb, testConfig()), "req-exhausted")

	assert.Equal(t, int32(5), fb.calls.Load())
	assert.Equal(t, 5, out.Attempts)
	last := sink.last()
	assert.True(t, last.IsTerminal)
	assert.Equal(t, CheckpointExhausted, last.Checkpoint)
	assert.Equal(t, StageConnecting, last.Stage)
	assert.Equal(t, "Backend fetch failed", last.Error)
	assert.Equal(t, "ECONNREFUSED", last.ErrorCode)
	assert.Equal(t, 5, last.AttemptsUsed)
	assert.Equal(t, "backend.test", last.BackendHost)
	assert.Equal(t, "req-exhausted", last.RequestID)
	assertSingleTerminalLast(t, sink)
}

func TestRun_UnknownErrorStopsImmediately(t *testing.T) {
	fb := &fakeBackend{open: func(int) (*http.Response, error) {
		return nil, errors.New(`unsupported protocol scheme "ftp"`)
	}}

	sink, out := run(New(fb, testConfig()), "")

	assert.Equal(t, int32(1), fb.calls.Load())
	assert.Equal(t, 1, out.Attempts)
	last := sink.last()
	assert.Equal(t, CheckpointFailed, last.Checkpoint)
	assert.Equal(t, "UNKNOWN", last.ErrorCode)
	assert.Empty(t, sink.withCheckpoint(CheckpointRetry))
	assertSingleTerminalLast(t, sink)
}

// healthyBackend skips the health check so a backend that cannot speak HTTP
// is only reached through OpenStream.
type healthyBackend struct {
	*client.BackendClient
}

func (healthyBackend) HealthCheck(ctx context.Context, requestID string) error { return nil }

func TestRun_MalformedResponseIsRetried(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var calls atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			calls.Add(1)
			go func(conn net.Conn) {
				defer conn.Close()
				req, err := http.ReadRequest(bufio.NewReader(conn))
				if err != nil {
					return
				}
				_, _ = io.Copy(io.Discard, req.Body)
				_, _ = conn.Write([]byte("garbage not http\r\n\r\n"))
			}(conn)
		}
	}()

	backend := healthyBackend{client.NewBackendClient(&config.BackendConfig{
		BaseURL:        "http://" + ln.Addr().String(),
		ServiceRoleKey: "service-role-secret",
	})}

	sink, out := run(New(backend, testConfig()), "req-garbage")

	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, 5, out.Attempts)
	assert.False(t, out.Connected)
	last := sink.last()
	assert.True(t, last.IsTerminal)
	assert.Equal(t, CheckpointExhausted, last.Checkpoint)
	assert.Equal(t, "FETCH_FAILED", last.ErrorCode)
	assert.Len(t, sink.withCheckpoint(CheckpointRetry), 4)
	assertSingleTerminalLast(t, sink)
}

func TestRun_AbortDuringBackoff(t *testing.T) {
	fb := &fakeBackend{open: func(int) (*http.Response, error) { return nil, connRefused() }}
	cfg := testConfig()
	cfg.BaseBackoff = time.Second
	cfg.MaxBackoff = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sink := &recordingSink{}
	started := time.Now()
	out := New(fb, cfg).Run(ctx, Request{Path: streamPath, Body: []byte(`{}`), RequestID: "req-abort"}, sink)

	assert.Less(t, time.Since(started), 500*time.Millisecond)
	assert.Equal(t, int32(1), fb.calls.Load())
	assert.Equal(t, 1, out.Attempts)
	require.NotNil(t, out.Terminal)

	last := sink.last()
	assert.True(t, last.IsTerminal)
	assert.Equal(t, CheckpointFailed, last.Checkpoint)
	assert.Equal(t, CodeConnectTimeout, last.ErrorCode)
	assert.Equal(t, "Request was aborted while connecting to backend stream.", last.Detail)
	assert.Equal(t, 1, last.AttemptsUsed)
	assert.Len(t, sink.withCheckpoint(CheckpointRetry), 1)
	assertSingleTerminalLast(t, sink)
}

// disconnectingSink fails every write once ctx is done, like a client
// connection that has gone away.
type disconnectingSink struct {
	recordingSink
	ctx      context.Context
	rejected int
}

func (s *disconnectingSink) Event(ev sse.Event) error {
	if s.ctx.Err() != nil {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		return errors.New("client gone")
	}
	return s.recordingSink.Event(ev)
}

func (s *disconnectingSink) Forward(p []byte) error {
	if s.ctx.Err() != nil {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		return errors.New("client gone")
	}
	return s.recordingSink.Forward(p)
}

func TestRun_ClientGoneDuringAttempt(t *testing.T) {
	arrived := make(chan struct{})
	var once sync.Once
	tb := newTestBackend(t, nil, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(arrived) })
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-arrived
		cancel()
	}()
	sink := &disconnectingSink{ctx: ctx}

	started := time.Now()
	out := New(tb.client, testConfig()).Run(ctx, Request{Path: streamPath, Body: []byte(`{}`), RequestID: "req-gone"}, sink)

	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, int32(1), tb.streamCalls.Load())
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.Connected)
	require.NotNil(t, out.Terminal)
	assert.Equal(t, CodeConnectTimeout, out.Terminal.ErrorCode)

	// The first write after the disconnect fails and nothing follows it.
	assert.Equal(t, CheckpointAttemptStart, sink.last().Checkpoint)
	assert.Empty(t, sink.withCheckpoint(CheckpointRetry))
	assert.Empty(t, sink.withCheckpoint(CheckpointFailed))
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1, sink.rejected)
	assert.Zero(t, sink.forwarded.Len())
}

func TestRun_NoBody(t *testing.T) {
	fb := &fakeBackend{open: func(int) (*http.Response, error) { return okResponse(http.NoBody), nil }}

	sink, out := run(New(fb, testConfig()), "")

	assert.False(t, out.Connected)
	last := sink.last()
	assert.Equal(t, CheckpointBackendNoBody, last.Checkpoint)
	assert.Equal(t, CodeBackendNoBody, last.ErrorCode)
	assertSingleTerminalLast(t, sink)
}

func TestRun_ForwardErrorIsTerminal(t *testing.T) {
	first := "event: progress\ndata: {\"stage\":\"mirroring\"}\n\n"
	fb := &fakeBackend{open: func(int) (*http.Response, error) {
		return okResponse(&failingBody{data: []byte(first), err: io.ErrUnexpectedEOF}), nil
	}}

	sink, out := run(New(fb, testConfig()), "")

	assert.True(t, out.Connected)
	assert.Equal(t, first, sink.forwarded.String())
	require.NotNil(t, out.Terminal)
	assert.Equal(t, CheckpointForwardError, out.Terminal.Checkpoint)
	assert.Equal(t, StageForwarding, out.Terminal.Stage)
	assert.Equal(t, "ECONNRESET", out.Terminal.ErrorCode)
	assertSingleTerminalLast(t, sink)
}

func TestRun_ClientGoneStopsForwarding(t *testing.T) {
	fb := &fakeBackend{open: func(int) (*http.Response, error) {
		return okResponse(io.NopCloser(strings.NewReader(strings.Repeat("data: x\n\n", 10000)))), nil
	}}
	sink := &recordingSink{failAfter: 1}

	out := New(fb, testConfig()).Run(context.Background(), Request{Path: streamPath}, sink)

	assert.True(t, out.Connected)
	assert.Nil(t, out.Terminal)
	assert.Equal(t, int64(forwardBufSize), out.ForwardedBytes)
}

func TestBackoff(t *testing.T) {
	p := New(&fakeBackend{}, DefaultConfig())
	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for i, d := range want {
		assert.Equal(t, d, p.backoff(i+1), "attempt %d", i+1)
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.StreamConfig{
		ConnectAttemptTimeoutMs:    500,
		ConnectHeartbeatIntervalMs: 20,
		ConnectPreflightTimeoutMs:  1000,
	})
	assert.Equal(t, 500*time.Millisecond, cfg.AttemptTimeout)
	assert.Equal(t, 20*time.Millisecond, cfg.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.PreflightTimeout)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.BaseBackoff)
	assert.Equal(t, 2*time.Second, cfg.MaxBackoff)
}

func TestConfigFrom_NonPositiveKeepsDefaults(t *testing.T) {
	assert.Equal(t, DefaultConfig(), ConfigFrom(config.StreamConfig{}))
	assert.Equal(t, DefaultConfig(), ConfigFrom(config.StreamConfig{
		ConnectAttemptTimeoutMs:    -1,
		ConnectHeartbeatIntervalMs: -20,
		ConnectPreflightTimeoutMs:  0,
		ConnectMaxAttempts:         -3,
	}))
}
