/*
Package stats provides in-memory counters and SQLite persistence for
gateway traffic statistics.

The Collector accumulates per-client and verdict counters in memory
using atomic operations for lock-free increments. A background flush
loop periodically writes deltas to a SQLite database for persistence
across restarts.
*/
package stats

import (
	"sync"
	"sync/atomic"
)

// clientStats holds per-client-IP counters (all atomic for lock-free access).
type clientStats struct {
	Connections  atomic.Int64
	PolicyServed atomic.Int64
	BytesIn      atomic.Int64
	BytesOut     atomic.Int64
}

// Collector accumulates in-memory traffic statistics.
type Collector struct {
	// Per-client-IP stats.
	clients sync.Map // string -> *clientStats

	// Verdict counters across all connections.
	PolicyServed atomic.Int64
	Passthrough  atomic.Int64
	SniffErrors  atomic.Int64
}

// NewCollector creates a new in-memory stats collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordPolicyServed records a connection answered with the policy document.
func (c *Collector) RecordPolicyServed(clientIP string) {
	cs := c.client(clientIP)
	cs.Connections.Add(1)
	cs.PolicyServed.Add(1)
	c.PolicyServed.Add(1)
}

// RecordPassthrough records a connection relayed to the backend.
func (c *Collector) RecordPassthrough(clientIP string) {
	c.client(clientIP).Connections.Add(1)
	c.Passthrough.Add(1)
}

// RecordBytes adds relay byte counts to a client entry once its tunnel
// closes and the final totals are known.
func (c *Collector) RecordBytes(clientIP string, bytesIn, bytesOut int64) {
	cs := c.client(clientIP)
	cs.BytesIn.Add(bytesIn)
	cs.BytesOut.Add(bytesOut)
}

// RecordSniffError records a transport failure during classification.
func (c *Collector) RecordSniffError() {
	c.SniffErrors.Add(1)
}

func (c *Collector) client(clientIP string) *clientStats {
	val, _ := c.clients.LoadOrStore(clientIP, &clientStats{})
	cs, _ := val.(*clientStats) //nolint:errcheck // type is guaranteed by LoadOrStore
	return cs
}

// ClientSnapshot captures a point-in-time view of per-client counters.
type ClientSnapshot struct {
	IP           string
	Connections  int64
	PolicyServed int64
	BytesIn      int64
	BytesOut     int64
}

// SnapshotClients returns current per-client stats.
func (c *Collector) SnapshotClients() []ClientSnapshot {
	var out []ClientSnapshot
	c.clients.Range(func(key, value any) bool {
		cs, _ := value.(*clientStats) //nolint:errcheck // type is guaranteed
		ip, _ := key.(string)         //nolint:errcheck // type is guaranteed
		out = append(out, ClientSnapshot{
			IP:           ip,
			Connections:  cs.Connections.Load(),
			PolicyServed: cs.PolicyServed.Load(),
			BytesIn:      cs.BytesIn.Load(),
			BytesOut:     cs.BytesOut.Load(),
		})
		return true
	})
	return out
}

// TotalConnections returns the sum of all client connection counts.
func (c *Collector) TotalConnections() int64 {
	var total int64
	c.clients.Range(func(_, value any) bool {
		cs, _ := value.(*clientStats) //nolint:errcheck // type is guaranteed
		total += cs.Connections.Load()
		return true
	})
	return total
}

// TotalBytesIn returns the sum of all client bytes-in counts.
func (c *Collector) TotalBytesIn() int64 {
	var total int64
	c.clients.Range(func(_, value any) bool {
		cs, _ := value.(*clientStats) //nolint:errcheck // type is guaranteed
		total += cs.BytesIn.Load()
		return true
	})
	return total
}

// TotalBytesOut returns the sum of all client bytes-out counts.
func (c *Collector) TotalBytesOut() int64 {
	var total int64
	c.clients.Range(func(_, value any) bool {
		cs, _ := value.(*clientStats) //nolint:errcheck // type is guaranteed
		total += cs.BytesOut.Load()
		return true
	})
	return total
}
