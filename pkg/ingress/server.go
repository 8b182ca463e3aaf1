package ingress

import "net/http"

// NewMux wires the public ingress dispatcher and the internal
// introspection endpoints onto one http.ServeMux, matching spec.md
// §6.3: introspection shares the ingress port under the /internal/
// path prefix.
func NewMux(d *Dispatcher, in *Introspection) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/connected-tokens", in.ConnectedTokens)
	mux.HandleFunc("/internal/traffic-stats", in.TrafficStats)
	mux.HandleFunc("/internal/healthz", in.Healthz)
	mux.Handle("/", d)
	return mux
}
