package ingress

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/freitascorp/tunnelrelay/pkg/aliascache"
	"github.com/freitascorp/tunnelrelay/pkg/counters"
	"github.com/freitascorp/tunnelrelay/pkg/routing"
)

// Introspection serves the two authenticated endpoints the control
// plane polls (spec.md §4.7) plus an unauthenticated liveness probe for
// process supervisors (SPEC_FULL.md's supplemented /internal/healthz).
type Introspection struct {
	table      *routing.Table
	counters   *counters.Registry
	logger     *slog.Logger
	secret     string
	relayRunID string
	startedAt  time.Time
}

// NewIntrospection builds the introspection handler set.
func NewIntrospection(table *routing.Table, reg *counters.Registry, logger *slog.Logger, secret, relayRunID string) *Introspection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Introspection{table: table, counters: reg, logger: logger, secret: secret, relayRunID: relayRunID, startedAt: time.Now()}
}

func (in *Introspection) checkSecret(w http.ResponseWriter, r *http.Request) bool {
	supplied := r.Header.Get("X-Relay-Internal-Secret")
	if !aliascache.CheckSecret(in.secret, supplied) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

type tunnelInfo struct {
	Token       string    `json:"token"`
	ClientIP    string    `json:"clientIp"`
	TargetPort  int       `json:"targetPort"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type connectedTunnelsResponse struct {
	Tokens  []string     `json:"tokens"`
	Tunnels []tunnelInfo `json:"tunnels"`
}

// ConnectedTokens implements GET /internal/connected-tokens.
func (in *Introspection) ConnectedTokens(w http.ResponseWriter, r *http.Request) {
	if !in.checkSecret(w, r) {
		return
	}
	regs := in.table.Snapshot()
	resp := connectedTunnelsResponse{
		Tokens:  make([]string, 0, len(regs)),
		Tunnels: make([]tunnelInfo, 0, len(regs)),
	}
	for _, reg := range regs {
		resp.Tokens = append(resp.Tokens, reg.Token)
		resp.Tunnels = append(resp.Tunnels, tunnelInfo{
			Token:       reg.Token,
			ClientIP:    reg.RemoteAddr,
			TargetPort:  reg.TargetPort,
			ConnectedAt: reg.ConnectedAt,
		})
	}
	writeJSON(w, resp)
}

type trafficStatsResponse struct {
	RelayRunID string              `json:"relayRunId"`
	Since      time.Time           `json:"since"`
	Timestamp  time.Time           `json:"timestamp"`
	Totals     counters.Snapshot   `json:"totals"`
	ByToken    []counters.Snapshot `json:"byToken"`
	ByAlias    []counters.Snapshot `json:"byAlias"`
}

// TrafficStats implements GET /internal/traffic-stats.
func (in *Introspection) TrafficStats(w http.ResponseWriter, r *http.Request) {
	if !in.checkSecret(w, r) {
		return
	}
	resp := trafficStatsResponse{
		RelayRunID: in.relayRunID,
		Since:      in.startedAt,
		Timestamp:  time.Now(),
		Totals:     in.counters.Totals(),
		ByToken:    in.counters.ByToken(),
		ByAlias:    in.counters.ByAlias(),
	}
	writeJSON(w, resp)
}

type healthzResponse struct {
	Status           string `json:"status"`
	ConnectedTunnels int    `json:"connectedTunnels"`
	RelayRunID       string `json:"relayRunId"`
}

// Healthz implements GET /internal/healthz: a plain liveness endpoint
// for process supervisors, unauthenticated and distinct from the two
// control-plane-facing endpoints above.
func (in *Introspection) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthzResponse{
		Status:           "ok",
		ConnectedTunnels: in.table.Count(),
		RelayRunID:       in.relayRunID,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("ingress: encode response failed", "err", err)
	}
}
