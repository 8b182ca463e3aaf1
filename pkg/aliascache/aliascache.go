// Package aliascache resolves human-chosen aliases to the underlying
// token that owns them, backed by a bounded LRU cache with independent
// positive and negative TTLs, and the authenticated upstream call to
// the control plane on a miss.
package aliascache

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/freitascorp/tunnelrelay/pkg/resilience"
)

const (
	// DefaultPositiveTTL is how long a resolved alias->token mapping is cached.
	DefaultPositiveTTL = 60 * time.Second
	// DefaultNegativeTTL is how long an unknown-alias result is cached.
	DefaultNegativeTTL = 10 * time.Second
	// DefaultCapacity is the default number of cached entries (spec.md §4.4).
	DefaultCapacity = 10000

	// breakerMaxFailures/breakerResetTimeout shape the circuit breaker
	// guarding upstream alias-resolve calls (spec.md §7's "Upstream"
	// error class): five consecutive failures trips it, thirty seconds
	// before the next call is allowed through as a half-open probe.
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
)

type entry struct {
	token   string
	found   bool
	expires time.Time
}

// Resolver resolves aliases to tokens through a bounded cache fronting
// an authenticated call to the control plane. If no secret is
// configured, the resolver fails closed: every lookup reports not
// found, so only tokens remain routable (spec.md §4.8).
type Resolver struct {
	cache       *lru.Cache[string, entry]
	httpClient  *http.Client
	pipeline    *resilience.Pipeline
	baseURL     string
	secret      string
	positiveTTL time.Duration
	negativeTTL time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPositiveTTL overrides DefaultPositiveTTL.
func WithPositiveTTL(d time.Duration) Option { return func(r *Resolver) { r.positiveTTL = d } }

// WithNegativeTTL overrides DefaultNegativeTTL.
func WithNegativeTTL(d time.Duration) Option { return func(r *Resolver) { r.negativeTTL = d } }

// WithHTTPClient overrides the default http.Client used for upstream calls.
func WithHTTPClient(c *http.Client) Option { return func(r *Resolver) { r.httpClient = c } }

// New creates a Resolver. baseURL is the control plane's base address
// (e.g. "https://control.example.internal"); secret is the shared
// internal secret sent as X-Relay-Internal-Secret. An empty secret
// disables alias resolution entirely (fail closed).
func New(baseURL, secret string, capacity int, opts ...Option) (*Resolver, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("aliascache: %w", err)
	}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "alias-resolve-upstream",
		MaxFailures:  breakerMaxFailures,
		ResetTimeout: breakerResetTimeout,
	})
	r := &Resolver{
		cache:      c,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		pipeline: resilience.NewPipeline(nil,
			resilience.WithCircuitBreaker(breaker),
			resilience.WithRetry(resilience.RetryConfig{
				MaxAttempts:  2,
				InitialDelay: 50 * time.Millisecond,
				MaxDelay:     time.Second,
				Multiplier:   2,
			}),
		),
		baseURL:     baseURL,
		secret:      secret,
		positiveTTL: DefaultPositiveTTL,
		negativeTTL: DefaultNegativeTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Enabled reports whether alias resolution is active (a secret is configured).
func (r *Resolver) Enabled() bool { return r.secret != "" }

// Resolve returns the token owning alias, or ok=false if the alias is
// unknown, disabled, or the upstream call failed.
func (r *Resolver) Resolve(ctx context.Context, alias string) (token string, ok bool, err error) {
	if !r.Enabled() {
		return "", false, nil
	}

	if e, hit := r.cache.Get(alias); hit {
		if time.Now().Before(e.expires) {
			return e.token, e.found, nil
		}
		r.cache.Remove(alias)
	}

	token, found, err := r.fetch(ctx, alias)
	if err != nil {
		return "", false, err
	}

	ttl := r.negativeTTL
	if found {
		ttl = r.positiveTTL
	}
	r.cache.Add(alias, entry{token: token, found: found, expires: time.Now().Add(ttl)})
	return token, found, nil
}

type resolveResponse struct {
	Token string `json:"token"`
}

// fetch issues the §4.8 upstream resolve-alias call through a
// resilience.Pipeline: one quick retry absorbs a single
// transient blip, and the circuit breaker stops hammering a control
// plane that's actually down rather than retrying it into the ground.
// A 404 is a valid "no such alias" answer, not a pipeline failure.
func (r *Resolver) fetch(ctx context.Context, alias string) (string, bool, error) {
	u := fmt.Sprintf("%s/internal/resolve-alias?alias=%s", r.baseURL, url.QueryEscape(alias))

	var token string
	var found bool
	err := r.pipeline.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("aliascache: build request: %w", err)
		}
		req.Header.Set("X-Relay-Internal-Secret", r.secret)

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("aliascache: upstream unreachable: %w", err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			var body resolveResponse
			if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
				return fmt.Errorf("aliascache: decode response: %w", err)
			}
			token, found = body.Token, true
			return nil
		case http.StatusNotFound:
			found = false
			return nil
		default:
			return fmt.Errorf("aliascache: upstream status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return "", false, err
	}
	return token, found, nil
}

// CheckSecret performs the constant-time comparison the relay's own
// internal endpoints use to authenticate callers, shared here so the
// alias cache and the introspection endpoints apply the same policy.
func CheckSecret(configured, supplied string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(supplied)) == 1
}
