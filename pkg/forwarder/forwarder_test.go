package forwarder

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/freitascorp/tunnelrelay/pkg/frame"
	"github.com/freitascorp/tunnelrelay/pkg/observability"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRelay is a minimal control-channel stub that accepts one connection,
// completes the register handshake, and hands the test the frame.Reader /
// frame.Writer pair for scripting request/response exchanges.
func fakeRelay(t *testing.T) (addr string, accept func() (*frame.Reader, *frame.Writer, net.Conn)) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	return ln.Addr().String(), func() (*frame.Reader, *frame.Writer, net.Conn) {
		nc, err := ln.Accept()
		require.NoError(t, err)
		r := frame.NewReader(nc, 0)
		w := frame.NewWriter(nc, 0)

		reg, err := r.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, frame.KindRegister, reg.Kind)
		require.NoError(t, w.WriteFrame(frame.Frame{Kind: frame.KindRegistered, OK: true}))

		return r, w, nc
	}
}

func localEchoServer(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("X-Echo-Path", req.URL.Path)
		rw.WriteHeader(http.StatusOK)
		io.Copy(rw, req.Body)
	}))
	t.Cleanup(srv.Close)
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func newTestForwarder(t *testing.T, relayAddr string, _ int, localPort int) *Forwarder {
	t.Helper()
	host, portStr, err := net.SplitHostPort(relayAddr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	fwd, err := New(Config{
		RelayHost:         host,
		RelayControlPort:  port,
		Token:             "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6",
		LocalPort:         localPort,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
	}, observability.NewRelayMetrics(), testLogger())
	require.NoError(t, err)
	return fwd
}

func TestForwarder_RegisterAndForwardRequest(t *testing.T) {
	addr, accept := fakeRelay(t)
	localPort := localEchoServer(t)
	fwd := newTestForwarder(t, addr, 0, localPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.Run(ctx)

	r, w, nc := accept()
	defer nc.Close()

	require.NoError(t, w.WriteFrame(frame.Frame{
		Kind:   frame.KindRequest,
		ID:     1,
		Method: http.MethodGet,
		Path:   "/hello",
	}))

	nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	resp, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, frame.KindResponse, resp.Kind)
	require.Equal(t, uint64(1), resp.ID)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "/hello", resp.Headers["x-echo-path"])
}

func TestForwarder_LocalConnectionRefusedReturnsBadGateway(t *testing.T) {
	addr, accept := fakeRelay(t)
	closedPort := 1 // nothing listens here
	fwd := newTestForwarder(t, addr, 0, closedPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.Run(ctx)

	r, w, nc := accept()
	defer nc.Close()

	require.NoError(t, w.WriteFrame(frame.Frame{Kind: frame.KindRequest, ID: 2, Method: http.MethodGet, Path: "/"}))

	nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	resp, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, frame.KindResponse, resp.Kind)
	require.Equal(t, http.StatusBadGateway, resp.Status)
}

func TestForwarder_RespondsToPing(t *testing.T) {
	addr, accept := fakeRelay(t)
	localPort := localEchoServer(t)
	fwd := newTestForwarder(t, addr, 0, localPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.Run(ctx)

	r, w, nc := accept()
	defer nc.Close()

	require.NoError(t, w.WriteFrame(frame.Frame{Kind: frame.KindPing, TS: 99}))

	nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	pong, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, frame.KindPong, pong.Kind)
	require.Equal(t, int64(99), pong.TS)
}

func TestForwarder_Stats(t *testing.T) {
	addr, accept := fakeRelay(t)
	localPort := localEchoServer(t)
	fwd := newTestForwarder(t, addr, 0, localPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.Run(ctx)

	_, _, nc := accept()
	defer nc.Close()

	require.Eventually(t, func() bool { return fwd.Stats().Connected }, 2*time.Second, 10*time.Millisecond)
}

func TestForwarder_StopEndsRun(t *testing.T) {
	addr, accept := fakeRelay(t)
	localPort := localEchoServer(t)
	fwd := newTestForwarder(t, addr, 0, localPort)

	done := make(chan error, 1)
	go func() { done <- fwd.Run(context.Background()) }()

	_, _, nc := accept()
	defer nc.Close()

	require.Eventually(t, func() bool { return fwd.Stats().Connected }, 2*time.Second, 10*time.Millisecond)
	fwd.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
