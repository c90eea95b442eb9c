package probe

import (
	"encoding/json"
	"net/http"

	"github.com/nishidake/spg/internal/stats"
)

// StatsProvider bundles the sources the stats endpoint reads from.
// DB may be nil when SQLite persistence is disabled; the endpoint then
// reports in-memory counters only.
type StatsProvider struct {
	Info      GatewayInfo
	Collector *stats.Collector
	DB        *stats.DB
	RDNS      *ReverseDNS
}

// ClientEntry is one client row in the stats response.
type ClientEntry struct {
	IP           string `json:"ip"`
	Hostname     string `json:"hostname,omitempty"`
	Connections  int64  `json:"connections"`
	PolicyServed int64  `json:"policy_served"`
	BytesIn      int64  `json:"bytes_in"`
	BytesOut     int64  `json:"bytes_out"`
}

// HistoryBlock holds cumulative counters from the SQLite store,
// spanning process restarts.
type HistoryBlock struct {
	PolicyServed int64 `json:"policy_served"`
	Passthrough  int64 `json:"passthrough"`
	SniffErrors  int64 `json:"sniff_errors"`
}

// StatsResponse is the JSON structure returned by the stats endpoint.
// The top-level counters cover the current process; History, when
// present, covers everything the database has recorded.
type StatsResponse struct {
	UptimeSeconds int64         `json:"uptime_seconds"`
	PolicyServed  int64         `json:"policy_served"`
	Passthrough   int64         `json:"passthrough"`
	SniffErrors   int64         `json:"sniff_errors"`
	BytesIn       int64         `json:"bytes_in"`
	BytesOut      int64         `json:"bytes_out"`
	History       *HistoryBlock `json:"history,omitempty"`
	TopClients    []ClientEntry `json:"top_clients"`
}

const topClientsLimit = 25

// StatsHandler returns an http.HandlerFunc serving traffic statistics.
func StatsHandler(p *StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatsResponse{
			UptimeSeconds: int64(p.Info.Uptime().Seconds()),
			PolicyServed:  p.Collector.PolicyServed.Load(),
			Passthrough:   p.Collector.Passthrough.Load(),
			SniffErrors:   p.Collector.SniffErrors.Load(),
			BytesIn:       p.Collector.TotalBytesIn(),
			BytesOut:      p.Collector.TotalBytesOut(),
			TopClients:    []ClientEntry{},
		}

		var clients []stats.ClientSnapshot
		if p.DB != nil {
			totals := p.DB.Totals()
			resp.History = &HistoryBlock{
				PolicyServed: totals.PolicyServed,
				Passthrough:  totals.Passthrough,
				SniffErrors:  totals.SniffErrors,
			}
			clients = p.DB.MergedTopClients(topClientsLimit)
		} else {
			clients = p.Collector.SnapshotClients()
			if len(clients) > topClientsLimit {
				clients = clients[:topClientsLimit]
			}
		}

		for _, cs := range clients {
			entry := ClientEntry{
				IP:           cs.IP,
				Connections:  cs.Connections,
				PolicyServed: cs.PolicyServed,
				BytesIn:      cs.BytesIn,
				BytesOut:     cs.BytesOut,
			}
			if p.RDNS != nil {
				entry.Hostname = p.RDNS.Lookup(cs.IP)
			}
			resp.TopClients = append(resp.TopClients, entry)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp) //nolint:gosec // best-effort response
	}
}

// StatsDisabledHandler returns a handler reporting that statistics
// collection is disabled.
func StatsDisabledHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"enabled":false}`))
	}
}
