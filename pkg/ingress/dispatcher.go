// Package ingress implements the relay's public-facing HTTP surface:
// the ingress dispatcher that pairs each inbound request with its
// owning client's control channel (spec.md §4.5), and the authenticated
// introspection endpoints the control plane polls (§4.7).
package ingress

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/freitascorp/tunnelrelay/pkg/aliascache"
	"github.com/freitascorp/tunnelrelay/pkg/counters"
	"github.com/freitascorp/tunnelrelay/pkg/frame"
	"github.com/freitascorp/tunnelrelay/pkg/identity"
	"github.com/freitascorp/tunnelrelay/pkg/observability"
	"github.com/freitascorp/tunnelrelay/pkg/ratelimit"
	"github.com/freitascorp/tunnelrelay/pkg/routing"
)

// hopByHopHeaders are stripped from the snapshot handed to the client
// and never forwarded back to the caller verbatim either.
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

// Config tunes the ingress dispatcher's limits and timeouts.
type Config struct {
	MaxBodyBytes             int           // default 10 MiB, spec.md §4.5 step 3 / §6.4 TUNNEL_MAX_REQUEST_SIZE
	RequestTimeout           time.Duration // default 30s
	MaxConcurrentPerIdentity int           // default 100, spec.md §2(5)
	ReservedAlias            []string      // nil selects identity.DefaultReserved
}

// DefaultConfig returns the spec's default ingress limits.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:             10 * 1024 * 1024,
		RequestTimeout:           30 * time.Second,
		MaxConcurrentPerIdentity: DefaultMaxConcurrentPerIdentity,
	}
}

// Dispatcher accepts plaintext HTTP from the fronting proxy and routes
// each request to the control channel of the client owning its Host.
type Dispatcher struct {
	table       *routing.Table
	resolver    *aliascache.Resolver
	limiter     *ratelimit.Limiter
	concurrency *concurrencyLimiter
	counters    *counters.Registry
	metrics     *observability.RelayMetrics
	logger      *slog.Logger
	cfg         Config
}

// NewDispatcher builds a Dispatcher wired to the relay's shared state.
func NewDispatcher(table *routing.Table, resolver *aliascache.Resolver, limiter *ratelimit.Limiter, reg *counters.Registry, metrics *observability.RelayMetrics, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.MaxConcurrentPerIdentity <= 0 {
		cfg.MaxConcurrentPerIdentity = DefaultMaxConcurrentPerIdentity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		table:       table,
		resolver:    resolver,
		limiter:     limiter,
		concurrency: newConcurrencyLimiter(cfg.MaxConcurrentPerIdentity),
		counters:    reg,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
	}
}

// ServeHTTP implements http.Handler for the public ingress surface.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("ingress: handler panicked", "panic", rec)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	correlationID := uuid.NewString()
	start := time.Now()

	host := r.Host
	if host == "" {
		d.logger.Warn("ingress: missing host header", "correlation_id", correlationID)
		http.Error(w, "missing Host header", http.StatusBadRequest)
		return
	}

	token, alias, err := d.resolveIdentity(r.Context(), host)
	if err != nil {
		// Every identity-resolution failure renders as 502 to the public
		// caller, per spec.md §7: "Internal distinctions ... are hidden
		// from callers to prevent enumeration."
		d.logger.Warn("ingress: identity resolution failed", "correlation_id", correlationID, "host", host, "err", err)
		http.Error(w, "tunnel offline", http.StatusBadGateway)
		return
	}

	reg, ok := d.table.Lookup(token)
	if !ok {
		d.logger.Info("ingress: tunnel offline", "correlation_id", correlationID, "token", token)
		d.counters.RecordReceive(token, alias, 0)
		d.counters.RecordComplete(token, alias, 0, http.StatusBadGateway)
		if d.metrics != nil {
			d.metrics.IngressErrors.Inc()
		}
		http.Error(w, "tunnel offline", http.StatusBadGateway)
		return
	}

	if d.limiter != nil && !d.limiter.Allow(token) {
		retryAfter := d.limiter.RetryAfter(token)
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		if d.metrics != nil {
			d.metrics.RateLimitRejects.Inc()
		}
		d.counters.RecordReceive(token, alias, 0)
		d.counters.RecordComplete(token, alias, 0, http.StatusTooManyRequests)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := readLimitedBody(r.Body, int64(d.cfg.MaxBodyBytes))
	if err != nil {
		if d.metrics != nil {
			d.metrics.OversizeRejects.Inc()
		}
		d.counters.RecordReceive(token, alias, int64(d.cfg.MaxBodyBytes))
		d.counters.RecordComplete(token, alias, 0, http.StatusRequestEntityTooLarge)
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	d.counters.RecordReceive(token, alias, int64(len(body)))
	if d.metrics != nil {
		d.metrics.IngressRequests.Inc()
		d.metrics.IngressBytesIn.Add(int64(len(body)))
	}

	// Bound simultaneous in-flight requests per identity (spec.md §2(5))
	// before ever touching the control channel or the pending map.
	concErr := d.concurrency.bulkheadFor(token).TryExecute(func() error {
		d.dispatch(w, r, reg, token, alias, body, correlationID, start)
		return nil
	})
	if concErr != nil {
		if d.metrics != nil {
			d.metrics.BulkheadRejects.Inc()
		}
		d.logger.Warn("ingress: concurrency limit reached", "correlation_id", correlationID, "token", token)
		d.finish(w, token, alias, http.StatusServiceUnavailable, nil, nil, start)
		http.Error(w, "too many concurrent requests for this tunnel", http.StatusServiceUnavailable)
	}
}

// dispatch writes the request frame to the owning client's control
// channel, parks on its outcome, and streams the result back. Called
// from inside the per-identity bulkhead's TryExecute, so it always
// runs with a reserved concurrency slot.
func (d *Dispatcher) dispatch(w http.ResponseWriter, r *http.Request, reg *routing.Registration, token, alias string, body []byte, correlationID string, start time.Time) {
	reqID := reg.NextRequestID()
	reqFrame := frame.Frame{
		Kind:       frame.KindRequest,
		ID:         reqID,
		Method:     r.Method,
		Path:       requestPath(r),
		Headers:    snapshotHeaders(r.Header, r.RemoteAddr),
		Body:       base64.StdEncoding.EncodeToString(body),
		RemoteAddr: r.RemoteAddr,
	}

	outcomeCh := reg.Pending.Insert(reqID)

	if !reg.Sender.Send(reqFrame) {
		reg.Pending.Remove(reqID)
		d.logger.Warn("ingress: send to client failed", "correlation_id", correlationID, "token", token)
		d.finish(w, token, alias, http.StatusBadGateway, nil, nil, start)
		http.Error(w, "tunnel offline", http.StatusBadGateway)
		return
	}

	deadline := time.NewTimer(d.cfg.RequestTimeout)
	defer deadline.Stop()

	select {
	case outcome := <-outcomeCh:
		if !outcome.Delivered {
			reg.Pending.Remove(reqID)
			d.finish(w, token, alias, http.StatusBadGateway, nil, nil, start)
			http.Error(w, "tunnel offline", http.StatusBadGateway)
			return
		}
		d.writeResponse(w, token, alias, outcome.Frame, correlationID, start)

	case <-deadline.C:
		reg.Pending.Remove(reqID)
		d.finish(w, token, alias, http.StatusGatewayTimeout, nil, nil, start)
		http.Error(w, "upstream request timed out", http.StatusGatewayTimeout)

	case <-r.Context().Done():
		// Caller disconnected. No dedicated cancel frame in v1 (spec.md
		// §4.5 step 6): the pending entry is dropped and the client's
		// eventual response, if any, is silently discarded by
		// PendingMap.Complete finding no entry.
		reg.Pending.Remove(reqID)
		d.finish(w, token, alias, 0, nil, nil, start)
	}
}

func (d *Dispatcher) writeResponse(w http.ResponseWriter, token, alias string, f frame.Frame, correlationID string, start time.Time) {
	if f.Kind == frame.KindError {
		d.logger.Warn("ingress: client returned error frame", "correlation_id", correlationID, "code", f.Code, "message", f.Message)
		w.Header().Set("X-Relay-Upstream-Code", f.Code)
		d.finish(w, token, alias, http.StatusBadGateway, nil, nil, start)
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}

	body, err := base64.StdEncoding.DecodeString(f.Body)
	if err != nil {
		d.logger.Error("ingress: invalid base64 body from client", "correlation_id", correlationID, "err", err)
		d.finish(w, token, alias, http.StatusBadGateway, nil, nil, start)
		http.Error(w, "invalid upstream response", http.StatusBadGateway)
		return
	}

	status := f.Status
	if status < 100 || status > 599 {
		status = http.StatusBadGateway
	}

	for k, v := range f.Headers {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	w.Write(body)

	d.finish(w, token, alias, status, body, nil, start)
}

// finish records the completion counters and metrics common to every
// exit path. headers is currently unused but kept for symmetry with
// writeResponse's call sites and possible future per-status header
// accounting.
func (d *Dispatcher) finish(_ http.ResponseWriter, token, alias string, status int, body []byte, _ map[string]string, start time.Time) {
	if status != 0 {
		d.counters.RecordComplete(token, alias, int64(len(body)), status)
	}
	if d.metrics != nil {
		d.metrics.IngressBytesOut.Add(int64(len(body)))
		d.metrics.IngressLatency.Observe(time.Since(start).Seconds())
		if status < 200 || status >= 300 {
			d.metrics.IngressErrors.Inc()
		}
	}
}

// resolveIdentity implements spec.md §4.4: classify the leftmost Host
// label as token or alias shape, and resolve aliases through the
// bounded cache / control-plane shim.
func (d *Dispatcher) resolveIdentity(ctx context.Context, host string) (token, alias string, err error) {
	label := leftmostLabel(host)

	switch identity.Classify(label) {
	case identity.KindToken:
		return label, "", nil
	default:
		if err := identity.ValidateAlias(label, d.cfg.ReservedAlias); err != nil {
			return "", "", ErrUnknownIdentity
		}
		if d.resolver == nil || !d.resolver.Enabled() {
			return "", "", ErrUnknownIdentity
		}
		tok, found, err := d.resolver.Resolve(ctx, label)
		if err != nil {
			if d.metrics != nil {
				d.metrics.AliasResolveErrs.Inc()
			}
			return "", "", fmt.Errorf("%w: %v", ErrUpstreamAliasResolver, err)
		}
		if !found {
			if d.metrics != nil {
				d.metrics.AliasCacheMisses.Inc()
			}
			return "", "", ErrUnknownIdentity
		}
		if d.metrics != nil {
			d.metrics.AliasCacheHits.Inc()
		}
		return tok, label, nil
	}
}

func leftmostLabel(host string) string {
	h := host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		h = hostOnly
	}
	if i := strings.IndexByte(h, '.'); i >= 0 {
		return strings.ToLower(h[:i])
	}
	return strings.ToLower(h)
}

func requestPath(r *http.Request) string {
	if r.URL.RawQuery != "" {
		return r.URL.Path + "?" + r.URL.RawQuery
	}
	return r.URL.Path
}

func snapshotHeaders(h http.Header, remoteAddr string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		lower := strings.ToLower(k)
		if hopByHopHeaders[lower] || len(v) == 0 {
			continue
		}
		out[lower] = v[0]
	}

	forwardedFor := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		forwardedFor = host
	}
	if existing, ok := out["x-forwarded-for"]; ok && existing != "" {
		out["x-forwarded-for"] = existing + ", " + forwardedFor
	} else {
		out["x-forwarded-for"] = forwardedFor
	}
	return out
}

func readLimitedBody(r io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(r, limit+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("ingress: read body: %w", err)
	}
	if int64(len(b)) > limit {
		return nil, ErrOversizeBody
	}
	return b, nil
}
