// Package sqlite is a local durable Persister backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/store"
	"github.com/amoahfrank/firewatch/telemetry"
)

// DefaultReadingLimit caps Readings when the query sets no limit
const DefaultReadingLimit = 100

// Store keeps every accepted reading and the latest state of every node
type Store struct {
	db   *sql.DB
	path string
}

var (
	_ store.Persister     = (*Store)(nil)
	_ store.NodeLoader    = (*Store)(nil)
	_ store.ReadingSource = (*Store)(nil)
)

// Open opens or creates the database at path and ensures the schema.
// Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "open database")
	}
	// a single connection serializes writers and keeps ":memory:" databases alive
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initTables(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "Store", "Open", "initialize tables")
	}
	return s, nil
}

// Path returns the database location
func (s *Store) Path() string {
	return s.path
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			temperature REAL NOT NULL,
			humidity REAL NOT NULL,
			smoke INTEGER NOT NULL,
			co INTEGER NOT NULL,
			flame BOOLEAN NOT NULL,
			battery REAL NOT NULL,
			solar REAL,
			rssi INTEGER,
			UNIQUE (node_id, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT PRIMARY KEY,
			config TEXT NOT NULL,
			last_reading TEXT,
			last_seen TEXT NOT NULL,
			status TEXT NOT NULL,
			risk_level INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_node_ts ON readings(node_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status)`,
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("execute %q: %w", query, err)
		}
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort chronologically as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// RecordReading inserts reading; a repeat of the same node and timestamp is ignored
func (s *Store) RecordReading(ctx context.Context, r telemetry.Reading) error {
	const query = `INSERT OR IGNORE INTO readings
		(node_id, ts, temperature, humidity, smoke, co, flame, battery, solar, rssi)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var solar sql.NullFloat64
	if r.SolarVoltage != nil {
		solar = sql.NullFloat64{Float64: *r.SolarVoltage, Valid: true}
	}
	var rssi sql.NullInt64
	if r.SignalStrength != nil {
		rssi = sql.NullInt64{Int64: int64(*r.SignalStrength), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query, r.NodeID, formatTime(r.Timestamp), r.Temperature, r.Humidity,
		r.Smoke, r.CO, r.FlameDetected, r.Battery, solar, rssi)
	if err != nil {
		return errors.WrapTransient(err, "Store", "RecordReading", "insert reading")
	}
	return nil
}

// UpsertNodeStatus writes state unless the stored row has a higher Seq
func (s *Store) UpsertNodeStatus(ctx context.Context, nodeID string, state telemetry.NodeState) error {
	const query = `INSERT INTO nodes
		(node_id, config, last_reading, last_seen, status, risk_level, seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			config = excluded.config,
			last_reading = excluded.last_reading,
			last_seen = excluded.last_seen,
			status = excluded.status,
			risk_level = excluded.risk_level,
			seq = excluded.seq,
			updated_at = excluded.updated_at
		WHERE excluded.seq >= nodes.seq`

	cfg, err := json.Marshal(state.Config)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "UpsertNodeStatus", "encode config")
	}
	var lastReading sql.NullString
	if state.LastReading != nil {
		raw, err := json.Marshal(state.LastReading)
		if err != nil {
			return errors.WrapInvalid(err, "Store", "UpsertNodeStatus", "encode reading")
		}
		lastReading = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, query, nodeID, string(cfg), lastReading, formatTime(state.LastSeen),
		string(state.Status), state.RiskLevel, int64(state.Seq), formatTime(time.Now()))
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertNodeStatus", "upsert node")
	}
	return nil
}

// LoadNodes returns every stored node ordered by id
func (s *Store) LoadNodes(ctx context.Context) ([]telemetry.NodeState, error) {
	const query = `SELECT node_id, config, last_reading, last_seen, status, risk_level, seq
		FROM nodes ORDER BY node_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "LoadNodes", "query nodes")
	}
	defer rows.Close()

	var nodes []telemetry.NodeState
	for rows.Next() {
		var (
			state       telemetry.NodeState
			cfg         string
			lastReading sql.NullString
			lastSeen    string
			status      string
			seq         int64
		)
		if err := rows.Scan(&state.NodeID, &cfg, &lastReading, &lastSeen, &status, &state.RiskLevel, &seq); err != nil {
			return nil, errors.Wrap(err, "Store", "LoadNodes", "scan node")
		}
		if err := json.Unmarshal([]byte(cfg), &state.Config); err != nil {
			return nil, errors.Wrap(err, "Store", "LoadNodes", "decode config of "+state.NodeID)
		}
		if lastReading.Valid {
			state.LastReading = new(telemetry.Reading)
			if err := json.Unmarshal([]byte(lastReading.String), state.LastReading); err != nil {
				return nil, errors.Wrap(err, "Store", "LoadNodes", "decode reading of "+state.NodeID)
			}
		}
		if state.LastSeen, err = parseTime(lastSeen); err != nil {
			return nil, errors.Wrap(err, "Store", "LoadNodes", "parse last_seen of "+state.NodeID)
		}
		state.Status = telemetry.Status(status)
		state.Seq = uint64(seq)
		nodes = append(nodes, state)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "LoadNodes", "iterate nodes")
	}
	return nodes, nil
}

// Readings returns a node's readings, newest first
func (s *Store) Readings(ctx context.Context, nodeID string, q store.ReadingQuery) ([]telemetry.Reading, error) {
	query := `SELECT node_id, ts, temperature, humidity, smoke, co, flame, battery, solar, rssi
		FROM readings WHERE node_id = ?`
	args := []any{nodeID}
	if !q.From.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, formatTime(q.To))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultReadingLimit
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Readings", "query readings")
	}
	defer rows.Close()

	readings := []telemetry.Reading{}
	for rows.Next() {
		var (
			r     telemetry.Reading
			ts    string
			solar sql.NullFloat64
			rssi  sql.NullInt64
		)
		if err := rows.Scan(&r.NodeID, &ts, &r.Temperature, &r.Humidity, &r.Smoke, &r.CO,
			&r.FlameDetected, &r.Battery, &solar, &rssi); err != nil {
			return nil, errors.Wrap(err, "Store", "Readings", "scan reading")
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, errors.Wrap(err, "Store", "Readings", "parse timestamp")
		}
		if solar.Valid {
			v := solar.Float64
			r.SolarVoltage = &v
		}
		if rssi.Valid {
			v := int(rssi.Int64)
			r.SignalStrength = &v
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "Readings", "iterate readings")
	}
	return readings, nil
}
