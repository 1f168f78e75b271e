package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database without migrating it
func OpenReadOnly(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying connection for ad-hoc queries
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Controller runs
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT UNIQUE NOT NULL,
		node_id INTEGER NOT NULL,
		channel INTEGER NOT NULL,
		transport TEXT NOT NULL,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		ended_at DATETIME
	);

	-- Frames heard on or sent to the mesh
	CREATE TABLE IF NOT EXISTS packets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		raw BLOB NOT NULL,
		broadcast INTEGER NOT NULL,
		ttl INTEGER,
		class INTEGER,
		protocol_id INTEGER NOT NULL,
		source INTEGER NOT NULL,
		dest INTEGER,
		payload BLOB,
		category TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(uuid)
	);
	CREATE INDEX IF NOT EXISTS idx_packets_session ON packets(session_id);
	CREATE INDEX IF NOT EXISTS idx_packets_timestamp ON packets(timestamp);
	CREATE INDEX IF NOT EXISTS idx_packets_source ON packets(source);

	-- Reliable send outcomes
	CREATE TABLE IF NOT EXISTS sends (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT UNIQUE NOT NULL,
		session_id TEXT NOT NULL,
		frame BLOB NOT NULL,
		delivered INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(uuid)
	);
	CREATE INDEX IF NOT EXISTS idx_sends_session ON sends(session_id);
	CREATE INDEX IF NOT EXISTS idx_sends_timestamp ON sends(timestamp);

	-- Node wake cycles announced by button broadcasts
	CREATE TABLE IF NOT EXISTS node_cycles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		node_id INTEGER NOT NULL,
		loop_count INTEGER NOT NULL,
		state INTEGER NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(uuid)
	);
	CREATE INDEX IF NOT EXISTS idx_node_cycles_node ON node_cycles(node_id);
	CREATE INDEX IF NOT EXISTS idx_node_cycles_timestamp ON node_cycles(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func now(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// --- Session Operations ---

// InsertSession records the start of a controller run
func (db *DB) InsertSession(s *Session) (int64, error) {
	query := `INSERT INTO sessions (uuid, node_id, channel, transport, started_at)
		VALUES (?, ?, ?, ?, ?)`

	s.StartedAt = now(s.StartedAt)
	result, err := db.conn.Exec(query, s.UUID, s.NodeID, s.Channel, s.Transport, s.StartedAt)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// CloseSession records the end of a controller run
func (db *DB) CloseSession(uuid string) error {
	_, err := db.conn.Exec("UPDATE sessions SET ended_at = ? WHERE uuid = ? AND ended_at IS NULL",
		time.Now(), uuid)
	return err
}

// GetSessions retrieves the most recent sessions
func (db *DB) GetSessions(limit int) ([]*Session, error) {
	query := `SELECT id, uuid, node_id, channel, transport, started_at, ended_at
		FROM sessions ORDER BY started_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s := &Session{}
		var ended sql.NullTime
		if err := rows.Scan(&s.ID, &s.UUID, &s.NodeID, &s.Channel, &s.Transport,
			&s.StartedAt, &ended); err != nil {
			return nil, err
		}
		if ended.Valid {
			s.EndedAt = ended.Time
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// --- Packet Operations ---

// InsertPacket records a frame
func (db *DB) InsertPacket(p *Packet) (int64, error) {
	query := `INSERT INTO packets
		(session_id, direction, raw, broadcast, ttl, class, protocol_id, source, dest, payload, category, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var ttl, class, dest sql.NullInt64
	if p.Broadcast {
		ttl = sql.NullInt64{Int64: int64(p.TTL), Valid: true}
	} else {
		class = sql.NullInt64{Int64: int64(p.Class), Valid: true}
		dest = sql.NullInt64{Int64: int64(p.Dest), Valid: true}
	}

	p.Timestamp = now(p.Timestamp)
	result, err := db.conn.Exec(query, p.SessionID, p.Direction, p.Raw, p.Broadcast, ttl, class,
		p.ProtocolID, p.Source, dest, p.Payload, p.Category, p.Timestamp)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetRecentPackets retrieves the most recent frames, newest first. A
// negative source matches every node.
func (db *DB) GetRecentPackets(source int, limit int) ([]*Packet, error) {
	query := `SELECT id, session_id, direction, raw, broadcast, ttl, class, protocol_id,
		source, dest, payload, category, timestamp
		FROM packets WHERE (? < 0 OR source = ?)
		ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := db.conn.Query(query, source, source, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packets []*Packet
	for rows.Next() {
		p := &Packet{}
		var ttl, class, dest sql.NullInt64
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Direction, &p.Raw, &p.Broadcast, &ttl, &class,
			&p.ProtocolID, &p.Source, &dest, &p.Payload, &p.Category, &p.Timestamp); err != nil {
			return nil, err
		}
		p.TTL = uint8(ttl.Int64)
		p.Class = uint8(class.Int64)
		p.Dest = uint8(dest.Int64)
		packets = append(packets, p)
	}
	return packets, rows.Err()
}

// --- Send Operations ---

// InsertSendResult records the outcome of a reliable send
func (db *DB) InsertSendResult(r *SendResult) (int64, error) {
	query := `INSERT INTO sends (uuid, session_id, frame, delivered, attempts, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`

	r.Timestamp = now(r.Timestamp)
	result, err := db.conn.Exec(query, r.UUID, r.SessionID, r.Frame, r.Delivered, r.Attempts, r.Timestamp)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetSendResults retrieves the most recent send outcomes, optionally only
// the failed ones
func (db *DB) GetSendResults(failedOnly bool, limit int) ([]*SendResult, error) {
	query := `SELECT id, uuid, session_id, frame, delivered, attempts, timestamp
		FROM sends WHERE (? = 0 OR delivered = 0)
		ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := db.conn.Query(query, failedOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*SendResult
	for rows.Next() {
		r := &SendResult{}
		if err := rows.Scan(&r.ID, &r.UUID, &r.SessionID, &r.Frame, &r.Delivered,
			&r.Attempts, &r.Timestamp); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Node Operations ---

// RecordNodeCycle records a button announcement from a node
func (db *DB) RecordNodeCycle(c *NodeCycle) (int64, error) {
	query := `INSERT INTO node_cycles (session_id, node_id, loop_count, state, timestamp)
		VALUES (?, ?, ?, ?, ?)`

	c.Timestamp = now(c.Timestamp)
	result, err := db.conn.Exec(query, c.SessionID, c.NodeID, c.LoopCount, c.State, c.Timestamp)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetNodeCycles retrieves the announcements of a node, newest first
func (db *DB) GetNodeCycles(nodeID uint8, limit int) ([]*NodeCycle, error) {
	query := `SELECT id, session_id, node_id, loop_count, state, timestamp
		FROM node_cycles WHERE node_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := db.conn.Query(query, nodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []*NodeCycle
	for rows.Next() {
		c := &NodeCycle{}
		if err := rows.Scan(&c.ID, &c.SessionID, &c.NodeID, &c.LoopCount, &c.State, &c.Timestamp); err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// GetNodes summarizes every node that has announced itself
func (db *DB) GetNodes() ([]*NodeSummary, error) {
	query := `SELECT n.node_id, n.cnt, n.first_seen, n.last_seen,
			(SELECT loop_count FROM node_cycles c WHERE c.node_id = n.node_id
				ORDER BY c.timestamp DESC, c.id DESC LIMIT 1)
		FROM (SELECT node_id, COUNT(*) AS cnt, MIN(timestamp) AS first_seen, MAX(timestamp) AS last_seen
			FROM node_cycles GROUP BY node_id) n
		ORDER BY n.node_id`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeSummary
	for rows.Next() {
		n := &NodeSummary{}
		var first, last string
		if err := rows.Scan(&n.NodeID, &n.Announcements, &first, &last, &n.LastLoopCount); err != nil {
			return nil, err
		}
		n.FirstSeen = parseTime(first)
		n.LastSeen = parseTime(last)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// parseTime parses timestamps returned by aggregate functions, which
// SQLite hands back as text
func parseTime(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// --- Maintenance ---

// Stats counts the rows of every table
func (db *DB) Stats() (*Stats, error) {
	s := &Stats{}
	query := `SELECT
		(SELECT COUNT(*) FROM sessions),
		(SELECT COUNT(*) FROM packets),
		(SELECT COUNT(*) FROM sends),
		(SELECT COUNT(*) FROM sends WHERE delivered = 1),
		(SELECT COUNT(*) FROM sends WHERE delivered = 0),
		(SELECT COUNT(DISTINCT node_id) FROM node_cycles)`

	err := db.conn.QueryRow(query).Scan(&s.Sessions, &s.Packets, &s.Sends,
		&s.Delivered, &s.Failed, &s.Nodes)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// PruneBefore deletes packets, sends and node cycles older than cutoff
func (db *DB) PruneBefore(cutoff time.Time) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"packets", "sends", "node_cycles"} {
		result, err := tx.Exec("DELETE FROM "+table+" WHERE timestamp < ?", cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}
