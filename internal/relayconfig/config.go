// Package relayconfig binds the environment-variable table of spec.md
// §6.4 to a typed Config struct, and layers an optional YAML file on
// top for the static data too structural to fit a single env var (the
// reserved-alias word list).
package relayconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds the environment-variable-driven settings. relayd loads
// it; tunnelclient does not and is configured by flags only.
type Config struct {
	// RELAY_INTERNAL_SECRET: shared secret for all internal endpoints.
	// Fails closed: alias resolution and introspection are disabled
	// when empty.
	InternalSecret string `env:"RELAY_INTERNAL_SECRET"`

	// TUNNEL_RELAY_HTTP_HOST / TUNNEL_RELAY_HTTP: ingress bind address.
	IngressHost string `env:"TUNNEL_RELAY_HTTP_HOST" envDefault:"127.0.0.1"`
	IngressPort int    `env:"TUNNEL_RELAY_HTTP" envDefault:"7070"`

	// TUNNEL_RELAY_CTRL: control-channel bind port.
	ControlPort int `env:"TUNNEL_RELAY_CTRL" envDefault:"7071"`

	// TUNNEL_MAX_REQUEST_SIZE: ingress body cap and frame body cap.
	MaxRequestSize int `env:"TUNNEL_MAX_REQUEST_SIZE" envDefault:"10485760"`

	// TUNNEL_RATE_LIMIT_REQUESTS: per-token requests per minute.
	RateLimitRequests int `env:"TUNNEL_RATE_LIMIT_REQUESTS" envDefault:"1000"`

	// TUNNEL_MAX_CONCURRENT_PER_IDENTITY: simultaneous in-flight
	// ingress requests allowed per token/alias (spec.md §2(5)).
	MaxConcurrentPerIdentity int `env:"TUNNEL_MAX_CONCURRENT_PER_IDENTITY" envDefault:"100"`

	// TUNNEL_REQUEST_TIMEOUT_MS: end-to-end per-request deadline.
	RequestTimeoutMS int `env:"TUNNEL_REQUEST_TIMEOUT_MS" envDefault:"30000"`

	// TUNNEL_HEARTBEAT_INTERVAL_MS / TUNNEL_HEARTBEAT_TIMEOUT_MS.
	HeartbeatIntervalMS int `env:"TUNNEL_HEARTBEAT_INTERVAL_MS" envDefault:"15000"`
	HeartbeatTimeoutMS  int `env:"TUNNEL_HEARTBEAT_TIMEOUT_MS" envDefault:"45000"`

	// ALIAS_CACHE_TTL_MS / ALIAS_CACHE_NEG_TTL_MS.
	AliasCacheTTLMS    int `env:"ALIAS_CACHE_TTL_MS" envDefault:"60000"`
	AliasCacheNegTTLMS int `env:"ALIAS_CACHE_NEG_TTL_MS" envDefault:"10000"`

	// ControlPlaneURL is the base address for the alias-resolution
	// shim's upstream call (§4.8). Not in spec.md's table verbatim but
	// required to make the shim concrete; defaults to the control
	// plane living on the same host as the relay.
	ControlPlaneURL string `env:"TUNNEL_CONTROL_PLANE_URL" envDefault:"http://127.0.0.1:8080"`

	// ReservedAliasFile optionally points at a YAML file overriding the
	// built-in reserved-alias word list (identity.DefaultReserved).
	ReservedAliasFile string `env:"TUNNEL_RESERVED_ALIAS_FILE"`

	// DebugPort is parsed from TUNNEL_DEBUG_PORT but nothing reads it:
	// tunnelclient takes its GET /debug/stats port from the --debug-port
	// flag (default 0, disabled).
	DebugPort int `env:"TUNNEL_DEBUG_PORT" envDefault:"0"`
}

// Load reads Config from the process environment, applying the
// defaults above for anything unset.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("relayconfig: parse env: %w", err)
	}
	return c, nil
}

// RequestTimeout returns RequestTimeoutMS as a time.Duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// HeartbeatInterval returns HeartbeatIntervalMS as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// HeartbeatTimeout returns HeartbeatTimeoutMS as a time.Duration.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMS) * time.Millisecond
}

// AliasCacheTTL returns AliasCacheTTLMS as a time.Duration.
func (c Config) AliasCacheTTL() time.Duration {
	return time.Duration(c.AliasCacheTTLMS) * time.Millisecond
}

// AliasCacheNegTTL returns AliasCacheNegTTLMS as a time.Duration.
func (c Config) AliasCacheNegTTL() time.Duration {
	return time.Duration(c.AliasCacheNegTTLMS) * time.Millisecond
}

// reservedAliasFile is the on-disk shape of TUNNEL_RESERVED_ALIAS_FILE.
type reservedAliasFile struct {
	Reserved []string `yaml:"reserved"`
}

// LoadReservedAliases reads the reserved-alias word list from path. An
// empty path returns nil, signaling the caller should fall back to
// identity.DefaultReserved.
func LoadReservedAliases(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relayconfig: read reserved alias file: %w", err)
	}
	var f reservedAliasFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("relayconfig: parse reserved alias file: %w", err)
	}
	return f.Reserved, nil
}
