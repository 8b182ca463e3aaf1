// Package forwarder implements the client side of the tunnel: it
// maintains a control-channel connection to the relay, reconnecting
// with backoff whenever it drops, and dispatches each request frame to
// a configured local HTTP port.
package forwarder

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freitascorp/tunnelrelay/pkg/frame"
	"github.com/freitascorp/tunnelrelay/pkg/observability"
	"github.com/freitascorp/tunnelrelay/pkg/resilience"
)

// hopByHopHeaders are stripped before both the outbound local request and
// the inbound response, per RFC 7230 §6.1 and spec.md §4.2.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Config configures a Forwarder.
type Config struct {
	RelayHost        string
	RelayControlPort int
	Token            string
	LocalPort        int
	MaxFrameBytes    int           // default 10 MiB
	RequestTimeout   time.Duration // default 30s
	HeartbeatInterval time.Duration // default 15s
	HeartbeatTimeout time.Duration // default 45s
}

// ConfigError is returned by New when cfg fails basic validation.
type ConfigError struct{ Reason string }

func (e *ConfigError) Error() string { return "forwarder: invalid config: " + e.Reason }

func (c *Config) setDefaults() error {
	if c.RelayHost == "" {
		return &ConfigError{"relayHost is required"}
	}
	if c.RelayControlPort <= 0 {
		return &ConfigError{"relayControlPort must be positive"}
	}
	if c.Token == "" {
		return &ConfigError{"token is required"}
	}
	if c.LocalPort <= 0 {
		return &ConfigError{"localPort must be positive"}
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 10 * 1024 * 1024
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	return nil
}

// Stats is a point-in-time snapshot of forwarder activity.
type Stats struct {
	Connected       bool      `json:"connected"`
	Requests        int64     `json:"requests"`
	Errors          int64     `json:"errors"`
	Reconnects      int64     `json:"reconnects"`
	StartedAt       time.Time `json:"startedAt"`
	LastConnectedAt time.Time `json:"lastConnectedAt"`
}

// Forwarder maintains the outbound control connection and serves local
// requests on behalf of the relay.
type Forwarder struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.RelayMetrics
	client  *http.Client

	connected       atomic.Bool
	requests        atomic.Int64
	errCount        atomic.Int64
	reconnects      atomic.Int64
	startedAt       time.Time
	lastConnectedMu sync.Mutex
	lastConnectedAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New validates cfg and constructs a Forwarder. It does not connect.
func New(cfg Config, metrics *observability.RelayMetrics, logger *slog.Logger) (*Forwarder, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 nil,
				ResponseHeaderTimeout: cfg.RequestTimeout,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}, nil
}

// Stats returns a snapshot of current forwarder statistics.
func (f *Forwarder) Stats() Stats {
	f.lastConnectedMu.Lock()
	last := f.lastConnectedAt
	f.lastConnectedMu.Unlock()
	return Stats{
		Connected:       f.connected.Load(),
		Requests:        f.requests.Load(),
		Errors:          f.errCount.Load(),
		Reconnects:      f.reconnects.Load(),
		StartedAt:       f.startedAt,
		LastConnectedAt: last,
	}
}

// Stop signals the forwarder to stop reconnecting and tears down any
// live connection. Run is expected to return shortly after.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// Run connects, registers, and serves until ctx is cancelled or Stop is
// called, and then returns nil. Transient connectivity failures are
// logged and retried with backoff; they are never returned.
func (f *Forwarder) Run(ctx context.Context) error {
	backoffCfg := resilience.ReconnectConfig()
	delay := time.Duration(0)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.stopCh:
			return nil
		default:
		}

		err := f.connectAndServe(ctx)
		f.connected.Store(false)
		if err == nil {
			// connectAndServe only returns nil on deliberate shutdown.
			return nil
		}

		f.logger.Warn("forwarder: connection lost, reconnecting", "err", err)
		f.reconnects.Add(1)
		if f.metrics != nil {
			f.metrics.ForwarderReconnects.Inc()
		}

		sleep, next := resilience.NextBackoff(backoffCfg, delay)
		delay = next
		select {
		case <-ctx.Done():
			return nil
		case <-f.stopCh:
			return nil
		case <-time.After(sleep):
		}
	}
}

func (f *Forwarder) connectAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(f.cfg.RelayHost, fmt.Sprintf("%d", f.cfg.RelayControlPort))
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("forwarder: dial: %w", err)
	}
	defer nc.Close()

	w := frame.NewWriter(nc, f.cfg.MaxFrameBytes)
	r := frame.NewReader(nc, f.cfg.MaxFrameBytes)

	if err := w.WriteFrame(frame.Frame{Kind: frame.KindRegister, Token: f.cfg.Token, TargetPort: f.cfg.LocalPort}); err != nil {
		return fmt.Errorf("forwarder: send register: %w", err)
	}

	nc.SetReadDeadline(time.Now().Add(10 * time.Second))
	ack, err := r.ReadFrame()
	if err != nil {
		return fmt.Errorf("forwarder: register timeout: %w", err)
	}
	nc.SetReadDeadline(time.Time{})
	if ack.Kind != frame.KindRegistered {
		return fmt.Errorf("forwarder: expected registered frame, got %q", ack.Kind)
	}
	if !ack.OK {
		return fmt.Errorf("forwarder: registration rejected: %s: %s", ack.Code, ack.Message)
	}

	f.connected.Store(true)
	f.lastConnectedMu.Lock()
	f.lastConnectedAt = time.Now()
	f.lastConnectedMu.Unlock()
	f.logger.Info("forwarder: registered", "token", f.cfg.Token, "relay", addr)

	return f.serve(ctx, nc, r, w)
}

func (f *Forwarder) serve(ctx context.Context, nc net.Conn, r *frame.Reader, w *frame.Writer) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan frame.Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			fr, err := r.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- fr:
			case <-serveCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	heartbeat := time.NewTicker(f.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	lastPong := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.stopCh:
			return nil
		case <-heartbeat.C:
			if time.Since(lastPong) > f.cfg.HeartbeatTimeout {
				return fmt.Errorf("forwarder: no pong within heartbeat timeout")
			}
			w.WriteFrame(frame.Frame{Kind: frame.KindPing, TS: time.Now().UnixMilli()})
		case err := <-readErr:
			return fmt.Errorf("forwarder: read: %w", err)
		case fr := <-frames:
			switch fr.Kind {
			case frame.KindRequest:
				wg.Add(1)
				go func(req frame.Frame) {
					defer wg.Done()
					f.handleRequest(ctx, w, req)
				}(fr)
			case frame.KindPing:
				w.WriteFrame(frame.Frame{Kind: frame.KindPong, TS: fr.TS})
			case frame.KindPong:
				lastPong = time.Now()
			default:
				f.logger.Warn("forwarder: unknown frame kind from relay", "kind", fr.Kind)
			}
		}
	}
}

func (f *Forwarder) handleRequest(ctx context.Context, w *frame.Writer, req frame.Frame) {
	f.requests.Add(1)
	if f.metrics != nil {
		f.metrics.ForwarderRequests.Inc()
	}
	start := time.Now()
	defer func() {
		if f.metrics != nil {
			f.metrics.LocalLatency.Observe(time.Since(start).Seconds())
		}
	}()

	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		f.sendError(w, req.ID, "BAD_REQUEST", "invalid base64 body")
		return
	}
	if len(body) > f.cfg.MaxFrameBytes {
		f.sendStatus(w, req.ID, http.StatusRequestEntityTooLarge, nil, nil)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	target := fmt.Sprintf("http://127.0.0.1:%d%s", f.cfg.LocalPort, req.Path)
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, target, strings.NewReader(string(body)))
	if err != nil {
		f.sendError(w, req.ID, "BAD_REQUEST", err.Error())
		return
	}
	for k, v := range req.Headers {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	httpReq.Host = fmt.Sprintf("127.0.0.1:%d", f.cfg.LocalPort)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		f.errCount.Add(1)
		if f.metrics != nil {
			f.metrics.ForwarderErrors.Inc()
		}
		if ctxErrIsTimeout(reqCtx) {
			f.sendStatus(w, req.ID, http.StatusGatewayTimeout, nil, []byte("local request timed out"))
		} else {
			f.sendStatus(w, req.ID, http.StatusBadGateway, nil, []byte("local connection refused: "+err.Error()))
		}
		return
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, int64(f.cfg.MaxFrameBytes)+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		f.sendError(w, req.ID, "READ_ERROR", err.Error())
		return
	}
	if len(respBody) > f.cfg.MaxFrameBytes {
		f.sendError(w, req.ID, "PAYLOAD_TOO_LARGE", "response body exceeds max frame size")
		return
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	f.sendStatus(w, req.ID, resp.StatusCode, headers, respBody)
}

func (f *Forwarder) sendStatus(w *frame.Writer, id uint64, status int, headers map[string]string, body []byte) {
	w.WriteFrame(frame.Frame{
		Kind:    frame.KindResponse,
		ID:      id,
		Status:  status,
		Headers: headers,
		Body:    base64.StdEncoding.EncodeToString(body),
	})
}

func (f *Forwarder) sendError(w *frame.Writer, id uint64, code, message string) {
	w.WriteFrame(frame.Frame{Kind: frame.KindError, ID: id, Code: code, Message: message})
}

func ctxErrIsTimeout(ctx context.Context) bool {
	return ctx.Err() != nil
}
