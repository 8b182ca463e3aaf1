package ingress

import "errors"

// Sentinel errors implementing spec.md §7's taxonomy. resolveIdentity
// returns ErrUnknownIdentity or wraps ErrUpstreamAliasResolver, and
// readLimitedBody returns ErrOversizeBody; the others are not returned
// by the dispatcher. ServeHTTP picks the HTTP status by the step that
// failed, not by inspecting the error value.
var (
	// ErrMissingHost: the inbound request carried no Host header.
	ErrMissingHost = errors.New("ingress: missing host header")

	// ErrUnknownIdentity: the Host label resolved to neither a token
	// nor a known alias (routing taxonomy; rendered to callers the
	// same as ErrTunnelOffline to avoid enumeration, per §7).
	ErrUnknownIdentity = errors.New("ingress: unknown identity")

	// ErrTunnelOffline: the identity is known but no client is
	// currently registered for it.
	ErrTunnelOffline = errors.New("ingress: tunnel offline")

	// ErrOversizeBody: the request body exceeded the configured
	// ingress limit (policy taxonomy).
	ErrOversizeBody = errors.New("ingress: request body too large")

	// ErrRateLimited: the per-identity token bucket rejected the
	// request (policy taxonomy).
	ErrRateLimited = errors.New("ingress: rate limit exceeded")

	// ErrUpstreamAliasResolver: the alias-resolution shim's call to the
	// control plane failed or returned an unexpected status (upstream
	// taxonomy).
	ErrUpstreamAliasResolver = errors.New("ingress: alias resolver upstream error")

	// ErrRequestTimeout: the per-request deadline elapsed before a
	// response or error frame arrived (timeout taxonomy).
	ErrRequestTimeout = errors.New("ingress: request deadline exceeded")

	// ErrQueueFull: the registration's outbound write queue was full or
	// the registration was otherwise dead at send time (internal
	// taxonomy; the registration is dropped by the control server, the
	// caller here just observes the send failing).
	ErrQueueFull = errors.New("ingress: client write queue unavailable")
)
