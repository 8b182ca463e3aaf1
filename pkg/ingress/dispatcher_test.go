package ingress

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freitascorp/tunnelrelay/pkg/aliascache"
	"github.com/freitascorp/tunnelrelay/pkg/counters"
	"github.com/freitascorp/tunnelrelay/pkg/frame"
	"github.com/freitascorp/tunnelrelay/pkg/ratelimit"
	"github.com/freitascorp/tunnelrelay/pkg/routing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testToken = "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"

// fakeSender records frames sent to it and lets the test script a
// response by completing the registration's pending map directly.
type fakeSender struct {
	sent   chan frame.Frame
	closed atomic.Bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan frame.Frame, 8)}
}

func (f *fakeSender) Send(fr frame.Frame) bool {
	if f.closed.Load() {
		return false
	}
	f.sent <- fr
	return true
}

func (f *fakeSender) Close() error {
	f.closed.Store(true)
	return nil
}

func newRegisteredDispatcher(t *testing.T, cfg Config) (*Dispatcher, *routing.Table, *counters.Registry, *fakeSender) {
	t.Helper()
	table := routing.NewTable()
	sender := newFakeSender()
	reg := routing.NewRegistration(testToken, 3000, "203.0.113.5:1234", sender, sender)
	table.Register(reg)

	counterReg := counters.NewRegistry()
	limiter := ratelimit.New(1000)
	d := NewDispatcher(table, nil, limiter, counterReg, nil, testLogger(), cfg)
	return d, table, counterReg, sender
}

func TestDispatcher_HappyPath(t *testing.T) {
	d, table, counterReg, sender := newRegisteredDispatcher(t, DefaultConfig())

	go func() {
		sent := <-sender.sent
		reg, _ := table.Lookup(testToken)
		reg.Pending.Complete(sent.ID, frame.Frame{
			Kind:   frame.KindResponse,
			ID:     sent.ID,
			Status: 200,
			Body:   "b2s=", // base64("ok")
		})
	}()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = testToken + ".example"
	w := httptest.NewRecorder()

	d.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", w.Body.String())

	snap := counterReg.ByToken()[0]
	require.Equal(t, int64(1), snap.Requests)
	require.Equal(t, 200, snap.LastStatus)
}

func TestDispatcher_TunnelOffline(t *testing.T) {
	table := routing.NewTable()
	counterReg := counters.NewRegistry()
	d := NewDispatcher(table, nil, ratelimit.New(1000), counterReg, nil, testLogger(), DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = testToken + ".example"
	w := httptest.NewRecorder()

	d.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Contains(t, w.Body.String(), "tunnel offline")

	snap := counterReg.ByToken()[0]
	require.Equal(t, 502, snap.LastStatus)
}

func TestDispatcher_MissingHost(t *testing.T) {
	table := routing.NewTable()
	d := NewDispatcher(table, nil, ratelimit.New(1000), counters.NewRegistry(), nil, testLogger(), DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = ""
	w := httptest.NewRecorder()

	d.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatcher_OversizeBody(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 8
	d, _, _, _ := newRegisteredDispatcher(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/", &boundedReader{n: 1024})
	req.Host = testToken + ".example"
	w := httptest.NewRecorder()

	d.ServeHTTP(w, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestDispatcher_RequestTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	d, _, counterReg, _ := newRegisteredDispatcher(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = testToken + ".example"
	w := httptest.NewRecorder()

	d.ServeHTTP(w, req)

	require.Equal(t, http.StatusGatewayTimeout, w.Code)
	snap := counterReg.ByToken()[0]
	require.Equal(t, 504, snap.LastStatus)
}

func TestDispatcher_RateLimit(t *testing.T) {
	table := routing.NewTable()
	sender := newFakeSender()
	reg := routing.NewRegistration(testToken, 3000, "203.0.113.5:1234", sender, sender)
	table.Register(reg)
	counterReg := counters.NewRegistry()
	limiter := ratelimit.New(1) // one request per minute allowed
	d := NewDispatcher(table, nil, limiter, counterReg, nil, testLogger(), DefaultConfig())

	go func() {
		for i := 0; i < 2; i++ {
			select {
			case sent := <-sender.sent:
				r2, _ := table.Lookup(testToken)
				r2.Pending.Complete(sent.ID, frame.Frame{Kind: frame.KindResponse, ID: sent.ID, Status: 200, Body: ""})
			case <-time.After(time.Second):
				return
			}
		}
	}()

	req1 := httptest.NewRequest(http.MethodGet, "/", nil)
	req1.Host = testToken + ".example"
	w1 := httptest.NewRecorder()
	d.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusOK, w1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.Host = testToken + ".example"
	w2 := httptest.NewRecorder()
	d.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusTooManyRequests, w2.Code)
	require.NotEmpty(t, w2.Header().Get("Retry-After"))
}

func TestDispatcher_CallerDisconnect(t *testing.T) {
	d, _, _, _ := newRegisteredDispatcher(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = testToken + ".example"
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	cancel() // caller already gone before the handler even parks

	done := make(chan struct{})
	go func() {
		d.ServeHTTP(w, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not return promptly on caller disconnect")
	}
}

func TestDispatcher_AliasRouting(t *testing.T) {
	calls := 0
	controlPlane := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls++
		if req.URL.Query().Get("alias") == "myapp" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"token":"` + testToken + `"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer controlPlane.Close()

	resolver, err := aliascache.New(controlPlane.URL, "s3cr3t", 0, aliascache.WithPositiveTTL(time.Minute))
	require.NoError(t, err)

	table := routing.NewTable()
	sender := newFakeSender()
	reg := routing.NewRegistration(testToken, 3000, "203.0.113.5:1234", sender, sender)
	table.Register(reg)
	counterReg := counters.NewRegistry()
	d := NewDispatcher(table, resolver, ratelimit.New(1000), counterReg, nil, testLogger(), DefaultConfig())

	go func() {
		for i := 0; i < 2; i++ {
			select {
			case sent := <-sender.sent:
				r2, _ := table.Lookup(testToken)
				r2.Pending.Complete(sent.ID, frame.Frame{Kind: frame.KindResponse, ID: sent.ID, Status: 200, Body: "b2s="})
			case <-time.After(time.Second):
				return
			}
		}
	}()

	req1 := httptest.NewRequest(http.MethodGet, "/", nil)
	req1.Host = "myapp.example"
	w1 := httptest.NewRecorder()
	d.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusOK, w1.Code)
	require.Equal(t, "ok", w1.Body.String())

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.Host = "myapp.example"
	w2 := httptest.NewRecorder()
	d.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)

	require.Equal(t, 1, calls, "second request within TTL must not hit the control plane")

	byAlias := counterReg.ByAlias()
	require.Len(t, byAlias, 1)
	require.Equal(t, int64(2), byAlias[0].Requests)
}

func TestDispatcher_ConcurrencyLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentPerIdentity = 1
	cfg.RequestTimeout = time.Second
	d, table, counterReg, sender := newRegisteredDispatcher(t, cfg)

	req1 := httptest.NewRequest(http.MethodGet, "/", nil)
	req1.Host = testToken + ".example"
	w1 := httptest.NewRecorder()

	done1 := make(chan struct{})
	go func() {
		d.ServeHTTP(w1, req1)
		close(done1)
	}()

	// Wait for req1 to actually occupy its concurrency slot, signaled by
	// its frame reaching the control channel, before firing req2.
	var sent frame.Frame
	select {
	case sent = <-sender.sent:
	case <-time.After(time.Second):
		t.Fatal("first request never reached the control channel")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.Host = testToken + ".example"
	w2 := httptest.NewRecorder()
	d.ServeHTTP(w2, req2)

	require.Equal(t, http.StatusServiceUnavailable, w2.Code)

	reg, _ := table.Lookup(testToken)
	reg.Pending.Complete(sent.ID, frame.Frame{Kind: frame.KindResponse, ID: sent.ID, Status: 200, Body: "b2s="})

	select {
	case <-done1:
	case <-time.After(time.Second):
		t.Fatal("first request did not complete")
	}
	require.Equal(t, http.StatusOK, w1.Code)

	snap := counterReg.ByToken()[0]
	require.Equal(t, int64(2), snap.Requests, "both requests should be counted as received even though one was rejected")
}

// boundedReader produces n zero bytes then EOF, used to script an
// oversized request body without allocating it all up front.
type boundedReader struct{ n int }

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.n <= 0 {
		return 0, io.EOF
	}
	if len(p) > b.n {
		p = p[:b.n]
	}
	b.n -= len(p)
	return len(p), nil
}
