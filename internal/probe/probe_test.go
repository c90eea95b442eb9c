package probe_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nishidake/spg/internal/probe"
	"github.com/nishidake/spg/internal/stats"
)

type mockInfo struct {
	total  int64
	active int64
	served int64
	passed int64
	uptime time.Duration
}

func (m *mockInfo) ConnectionsTotal() int64  { return m.total }
func (m *mockInfo) ConnectionsActive() int64 { return m.active }
func (m *mockInfo) PolicyServed() int64      { return m.served }
func (m *mockInfo) Passthrough() int64       { return m.passed }
func (m *mockInfo) Uptime() time.Duration    { return m.uptime }

func doRequest(t *testing.T, handler http.HandlerFunc, target string, out any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHeartbeatHandler(t *testing.T) {
	info := &mockInfo{total: 42, active: 3, served: 7, passed: 35, uptime: 90 * time.Second}
	handler := probe.HeartbeatHandler(info, 120, "127.0.0.1:8080")

	var resp probe.Response
	doRequest(t, handler, "/spg/heartbeat", &resp)

	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "spgd", resp.Service)
	assert.NotEmpty(t, resp.Version)
	assert.Equal(t, int64(90), resp.UptimeSeconds)
	assert.Equal(t, "127.0.0.1:8080", resp.Backend)
	assert.Equal(t, 120, resp.PolicyBytes)
	assert.Equal(t, int64(42), resp.ConnectionsTotal)
	assert.Equal(t, int64(3), resp.ConnectionsActive)
	assert.Equal(t, int64(7), resp.PolicyServed)
	assert.Equal(t, int64(35), resp.Passthrough)
	assert.Positive(t, resp.Resources.Goroutines)
}

func TestStatsHandler_InMemoryOnly(t *testing.T) {
	collector := stats.NewCollector()
	collector.RecordPolicyServed("10.0.0.1")
	collector.RecordPassthrough("10.0.0.1")
	collector.RecordBytes("10.0.0.1", 100, 200)

	handler := probe.StatsHandler(&probe.StatsProvider{
		Info:      &mockInfo{uptime: time.Minute},
		Collector: collector,
	})

	var resp probe.StatsResponse
	doRequest(t, handler, "/spg/stats", &resp)

	assert.Equal(t, int64(60), resp.UptimeSeconds)
	assert.Equal(t, int64(1), resp.PolicyServed)
	assert.Equal(t, int64(1), resp.Passthrough)
	assert.Equal(t, int64(100), resp.BytesIn)
	assert.Equal(t, int64(200), resp.BytesOut)
	assert.Nil(t, resp.History)

	require.Len(t, resp.TopClients, 1)
	assert.Equal(t, "10.0.0.1", resp.TopClients[0].IP)
	assert.Equal(t, int64(2), resp.TopClients[0].Connections)
}

func TestStatsDisabledHandler(t *testing.T) {
	var resp map[string]any
	doRequest(t, probe.StatsDisabledHandler(), "/spg/stats", &resp)
	assert.Equal(t, false, resp["enabled"])
}

func TestReverseDNS_CachesResults(t *testing.T) {
	r := probe.NewReverseDNS(time.Hour)

	// The loopback address resolves (or fails) the same way twice; the
	// second call must come from cache, observable only as it not
	// blowing up and returning an identical result.
	first := r.Lookup("127.0.0.1")
	second := r.Lookup("127.0.0.1")
	assert.Equal(t, first, second)
}
