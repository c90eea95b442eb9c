package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DB manages the stats SQLite database and periodic flushing.
type DB struct {
	mu        sync.Mutex
	conn      *sqlite.Conn
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}

	// Cumulative snapshot from the previous flush, used to compute deltas.
	lastClients      map[string]ClientSnapshot
	lastPolicyServed int64
	lastPassthrough  int64
	lastSniffErrors  int64
}

// Open opens or creates a stats database at the given path.
func Open(dbPath string, collector *Collector, logger *slog.Logger, flushInterval time.Duration) (*DB, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	db := &DB{
		conn:        conn,
		collector:   collector,
		logger:      logger,
		interval:    flushInterval,
		done:        make(chan struct{}),
		lastClients: make(map[string]ClientSnapshot),
	}

	if err := db.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

// Start begins the background flush loop.
func (db *DB) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel

	go db.flushLoop(ctx)
}

// Close stops the flush loop, performs a final flush, and closes the database.
func (db *DB) Close() error {
	if db.cancel != nil {
		db.cancel()
		<-db.done
	}

	if err := db.Flush(); err != nil {
		db.logger.Error("final stats flush failed", "error", err)
	}

	return db.conn.Close()
}

// flushLoop runs periodic flushes until the context is cancelled.
func (db *DB) flushLoop(ctx context.Context) {
	defer close(db.done)

	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Flush(); err != nil {
				db.logger.Error("stats flush failed", "error", err)
			}
		}
	}
}

// Flush computes deltas since the last flush and writes them to SQLite.
func (db *DB) Flush() (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	hour := time.Now().UTC().Truncate(time.Hour).Format("2006-01-02T15")

	defer sqlitex.Save(db.conn)(&err)

	// Flush per-client deltas to conn_hourly.
	currentClients := make(map[string]ClientSnapshot)
	for _, cs := range db.collector.SnapshotClients() {
		currentClients[cs.IP] = cs
		prev := db.lastClients[cs.IP]
		dConns := cs.Connections - prev.Connections
		dServed := cs.PolicyServed - prev.PolicyServed
		dIn := cs.BytesIn - prev.BytesIn
		dOut := cs.BytesOut - prev.BytesOut
		if dConns == 0 && dServed == 0 && dIn == 0 && dOut == 0 {
			continue
		}
		err = sqlitex.Execute(db.conn, `
			INSERT INTO conn_hourly (hour, client_ip, connections, policy_served, bytes_in, bytes_out)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (hour, client_ip) DO UPDATE SET
				connections   = connections   + excluded.connections,
				policy_served = policy_served + excluded.policy_served,
				bytes_in      = bytes_in      + excluded.bytes_in,
				bytes_out     = bytes_out     + excluded.bytes_out
		`, &sqlitex.ExecOptions{
			Args: []any{hour, cs.IP, dConns, dServed, dIn, dOut},
		})
		if err != nil {
			return fmt.Errorf("upsert conn_hourly: %w", err)
		}
	}
	db.lastClients = currentClients

	// Flush verdict counter deltas to verdict_hourly.
	served := db.collector.PolicyServed.Load()
	passthrough := db.collector.Passthrough.Load()
	sniffErrs := db.collector.SniffErrors.Load()

	dServed := served - db.lastPolicyServed
	dPassthrough := passthrough - db.lastPassthrough
	dErrs := sniffErrs - db.lastSniffErrors

	if dServed != 0 || dPassthrough != 0 || dErrs != 0 {
		err = sqlitex.Execute(db.conn, `
			INSERT INTO verdict_hourly (hour, policy_served, passthrough, sniff_errors)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (hour) DO UPDATE SET
				policy_served = policy_served + excluded.policy_served,
				passthrough   = passthrough   + excluded.passthrough,
				sniff_errors  = sniff_errors  + excluded.sniff_errors
		`, &sqlitex.ExecOptions{
			Args: []any{hour, dServed, dPassthrough, dErrs},
		})
		if err != nil {
			return fmt.Errorf("upsert verdict_hourly: %w", err)
		}
	}
	db.lastPolicyServed = served
	db.lastPassthrough = passthrough
	db.lastSniffErrors = sniffErrs

	return nil
}

// TopClients returns the top n clients by connection count from the database.
func (db *DB) TopClients(n int) []ClientSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []ClientSnapshot
	_ = sqlitex.Execute(db.conn, `
		SELECT client_ip,
			SUM(connections) as total_connections,
			SUM(policy_served) as total_policy_served,
			SUM(bytes_in) as total_bytes_in,
			SUM(bytes_out) as total_bytes_out
		FROM conn_hourly
		GROUP BY client_ip
		ORDER BY total_connections DESC LIMIT ?
	`, &sqlitex.ExecOptions{
		Args: []any{n},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, ClientSnapshot{
				IP:           stmt.ColumnText(0),
				Connections:  stmt.ColumnInt64(1),
				PolicyServed: stmt.ColumnInt64(2),
				BytesIn:      stmt.ColumnInt64(3),
				BytesOut:     stmt.ColumnInt64(4),
			})
			return nil
		},
	})
	return out
}

// MergedTopClients returns the top n clients by merging DB totals with
// unflushed in-memory deltas.
func (db *DB) MergedTopClients(n int) []ClientSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	merged := make(map[string]*ClientSnapshot)

	_ = sqlitex.Execute(db.conn, `
		SELECT client_ip,
			SUM(connections), SUM(policy_served), SUM(bytes_in), SUM(bytes_out)
		FROM conn_hourly
		GROUP BY client_ip
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			cs := ClientSnapshot{
				IP:           stmt.ColumnText(0),
				Connections:  stmt.ColumnInt64(1),
				PolicyServed: stmt.ColumnInt64(2),
				BytesIn:      stmt.ColumnInt64(3),
				BytesOut:     stmt.ColumnInt64(4),
			}
			merged[cs.IP] = &cs
			return nil
		},
	})

	for _, cs := range db.collector.SnapshotClients() {
		prev := db.lastClients[cs.IP]
		dConns := cs.Connections - prev.Connections
		dServed := cs.PolicyServed - prev.PolicyServed
		dIn := cs.BytesIn - prev.BytesIn
		dOut := cs.BytesOut - prev.BytesOut
		if existing, ok := merged[cs.IP]; ok {
			existing.Connections += dConns
			existing.PolicyServed += dServed
			existing.BytesIn += dIn
			existing.BytesOut += dOut
		} else if dConns > 0 || dIn > 0 || dOut > 0 {
			merged[cs.IP] = &ClientSnapshot{
				IP:           cs.IP,
				Connections:  dConns,
				PolicyServed: dServed,
				BytesIn:      dIn,
				BytesOut:     dOut,
			}
		}
	}

	var result []ClientSnapshot
	for _, cs := range merged {
		result = append(result, *cs)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Connections > result[j].Connections
	})

	if n > 0 && len(result) > n {
		result = result[:n]
	}

	return result
}

// VerdictTotals holds cumulative verdict counters from the database.
type VerdictTotals struct {
	PolicyServed int64
	Passthrough  int64
	SniffErrors  int64
}

// Totals returns cumulative verdict counters across all recorded hours.
func (db *DB) Totals() VerdictTotals {
	db.mu.Lock()
	defer db.mu.Unlock()
	var vt VerdictTotals
	_ = sqlitex.Execute(db.conn, `
		SELECT COALESCE(SUM(policy_served), 0),
			COALESCE(SUM(passthrough), 0),
			COALESCE(SUM(sniff_errors), 0)
		FROM verdict_hourly
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			vt.PolicyServed = stmt.ColumnInt64(0)
			vt.Passthrough = stmt.ColumnInt64(1)
			vt.SniffErrors = stmt.ColumnInt64(2)
			return nil
		},
	})
	return vt
}

// TotalsSince returns aggregate traffic stats within a time window.
func (db *DB) TotalsSince(since time.Time) (connections, policyServed, bytesIn, bytesOut int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	sinceHour := since.UTC().Truncate(time.Hour).Format("2006-01-02T15")
	_ = sqlitex.Execute(db.conn, `
		SELECT COALESCE(SUM(connections), 0),
			COALESCE(SUM(policy_served), 0),
			COALESCE(SUM(bytes_in), 0),
			COALESCE(SUM(bytes_out), 0)
		FROM conn_hourly
		WHERE hour >= ?
	`, &sqlitex.ExecOptions{
		Args: []any{sinceHour},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			connections = stmt.ColumnInt64(0)
			policyServed = stmt.ColumnInt64(1)
			bytesIn = stmt.ColumnInt64(2)
			bytesOut = stmt.ColumnInt64(3)
			return nil
		},
	})
	return
}

// ensureSchema creates the stats tables.
func (db *DB) ensureSchema() error {
	return sqlitex.ExecuteScript(db.conn, `
		CREATE TABLE IF NOT EXISTS conn_hourly (
			hour          TEXT NOT NULL,
			client_ip     TEXT NOT NULL,
			connections   INTEGER NOT NULL DEFAULT 0,
			policy_served INTEGER NOT NULL DEFAULT 0,
			bytes_in      INTEGER NOT NULL DEFAULT 0,
			bytes_out     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (hour, client_ip)
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS verdict_hourly (
			hour          TEXT NOT NULL PRIMARY KEY,
			policy_served INTEGER NOT NULL DEFAULT 0,
			passthrough   INTEGER NOT NULL DEFAULT 0,
			sniff_errors  INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;

		CREATE INDEX IF NOT EXISTS idx_conn_hourly_hour ON conn_hourly(hour);
		CREATE INDEX IF NOT EXISTS idx_conn_hourly_client ON conn_hourly(client_ip);
	`, nil)
}
