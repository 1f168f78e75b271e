// Package storage provides SQLite database operations for the mesh controller.
package storage

import "time"

// Packet directions
const (
	DirectionRx = "rx"
	DirectionTx = "tx"
)

// Session represents one run of the controller
type Session struct {
	ID        int64     `json:"id"`
	UUID      string    `json:"uuid"`
	NodeID    uint8     `json:"node_id"` // Controller node id
	Channel   uint8     `json:"channel"`
	Transport string    `json:"transport"` // sim, bridge, ...
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"` // Zero while running
}

// Packet represents a frame seen on or sent to the mesh
type Packet struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Direction  string    `json:"direction"`
	Raw        []byte    `json:"raw"`
	Broadcast  bool      `json:"broadcast"`
	TTL        uint8     `json:"ttl,omitempty"`   // Broadcast only
	Class      uint8     `json:"class,omitempty"` // Addressed only
	ProtocolID uint8     `json:"protocol_id"`
	Source     uint8     `json:"source"`
	Dest       uint8     `json:"dest,omitempty"` // Addressed only
	Payload    []byte    `json:"payload,omitempty"`
	Category   string    `json:"category"`
	Timestamp  time.Time `json:"timestamp"`
}

// SendResult represents the outcome of one reliable send
type SendResult struct {
	ID        int64     `json:"id"`
	UUID      string    `json:"uuid"`
	SessionID string    `json:"session_id"`
	Frame     []byte    `json:"frame"`
	Delivered bool      `json:"delivered"`
	Attempts  uint8     `json:"attempts"` // 0 when not delivered
	Timestamp time.Time `json:"timestamp"`
}

// NodeCycle represents one wake cycle announced by a node
type NodeCycle struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	NodeID    uint8     `json:"node_id"`
	LoopCount uint8     `json:"loop_count"`
	State     uint8     `json:"state"` // Button state
	Timestamp time.Time `json:"timestamp"`
}

// NodeSummary aggregates the cycles of one node
type NodeSummary struct {
	NodeID        uint8     `json:"node_id"`
	Announcements int       `json:"announcements"`
	LastLoopCount uint8     `json:"last_loop_count"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// Stats summarizes the database contents
type Stats struct {
	Sessions  int `json:"sessions"`
	Packets   int `json:"packets"`
	Sends     int `json:"sends"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Nodes     int `json:"nodes"`
}
