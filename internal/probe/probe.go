/*
Package probe implements the management heartbeat and stats endpoints
for the gateway.

The heartbeat returns JSON with server status, version, uptime,
verdict counters, and process resource metrics. It is used by remote
monitors to confirm the gateway is reachable and functioning. The stats
endpoint adds per-client traffic detail from the stats collector and,
when enabled, the SQLite-backed history.
*/
package probe

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nishidake/spg/internal/version"
)

// GatewayInfo provides read access to the gateway's live counters.
type GatewayInfo interface {
	ConnectionsTotal() int64
	ConnectionsActive() int64
	PolicyServed() int64
	Passthrough() int64
	Uptime() time.Duration
}

// Response is the JSON structure returned by the heartbeat endpoint.
type Response struct {
	Status            string         `json:"status"`
	Service           string         `json:"service"`
	Version           string         `json:"version"`
	UptimeSeconds     int64          `json:"uptime_seconds"`
	Backend           string         `json:"backend"`
	PolicyBytes       int            `json:"policy_bytes"`
	ConnectionsTotal  int64          `json:"connections_total"`
	ConnectionsActive int64          `json:"connections_active"`
	PolicyServed      int64          `json:"policy_served"`
	Passthrough       int64          `json:"passthrough"`
	Resources         ResourcesBlock `json:"resources"`
}

// HeartbeatHandler returns an http.HandlerFunc that serves the heartbeat
// response. policyBytes and backend describe the static configuration the
// gateway started with.
func HeartbeatHandler(info GatewayInfo, policyBytes int, backend string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := Response{
			Status:            "ok",
			Service:           "spgd",
			Version:           version.Short(),
			UptimeSeconds:     int64(info.Uptime().Seconds()),
			Backend:           backend,
			PolicyBytes:       policyBytes,
			ConnectionsTotal:  info.ConnectionsTotal(),
			ConnectionsActive: info.ConnectionsActive(),
			PolicyServed:      info.PolicyServed(),
			Passthrough:       info.Passthrough(),
			Resources:         collectResources(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp) //nolint:gosec // best-effort response
	}
}
