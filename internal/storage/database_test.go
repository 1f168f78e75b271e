package storage

import (
	"bytes"
	"os"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "rfmesh-test-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	db, err := Open(tmpFile.Name())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)

	s := &Session{UUID: "6f1c1a8e-0000-4000-8000-000000000001", NodeID: 1, Channel: 10, Transport: "sim"}
	if _, err := db.InsertSession(s); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	if err := db.CloseSession(s.UUID); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}

	sessions, err := db.GetSessions(10)
	if err != nil {
		t.Fatalf("GetSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	if sessions[0].UUID != s.UUID || sessions[0].Channel != 10 || sessions[0].Transport != "sim" {
		t.Errorf("Session mismatch: %+v", sessions[0])
	}
	if sessions[0].EndedAt.IsZero() {
		t.Error("Expected session to be closed")
	}
}

func TestPackets(t *testing.T) {
	db := openTestDB(t)
	base := time.Now().Add(-time.Minute)

	bcast := &Packet{
		SessionID: "s1", Direction: DirectionRx,
		Raw:       []byte{0x04, 0x82, 0x06, 0x49, 0x01, 0x03},
		Broadcast: true, TTL: 2, ProtocolID: 0x06, Source: 0x49,
		Payload: []byte{0x01, 0x03}, Category: "sniffed|broadcast",
		Timestamp: base,
	}
	addr := &Packet{
		SessionID: "s1", Direction: DirectionRx,
		Raw:       []byte{0x05, 0x7B, 0x06, 0x17, 0x19, 0x07, 0xD0},
		Class:     0x7B, ProtocolID: 0x06, Source: 0x17, Dest: 0x19,
		Payload: []byte{0x07, 0xD0}, Category: "sniffed|addressed",
		Timestamp: base.Add(time.Second),
	}
	for _, p := range []*Packet{bcast, addr} {
		if _, err := db.InsertPacket(p); err != nil {
			t.Fatalf("InsertPacket failed: %v", err)
		}
	}

	all, err := db.GetRecentPackets(-1, 10)
	if err != nil {
		t.Fatalf("GetRecentPackets failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 packets, got %d", len(all))
	}
	// Newest first
	if all[0].Source != 0x17 || all[0].Dest != 0x19 || all[0].Class != 0x7B || all[0].Broadcast {
		t.Errorf("Addressed packet mismatch: %+v", all[0])
	}
	if !all[1].Broadcast || all[1].TTL != 2 || !bytes.Equal(all[1].Payload, []byte{0x01, 0x03}) {
		t.Errorf("Broadcast packet mismatch: %+v", all[1])
	}

	mine, err := db.GetRecentPackets(0x49, 10)
	if err != nil {
		t.Fatalf("GetRecentPackets failed: %v", err)
	}
	if len(mine) != 1 || !bytes.Equal(mine[0].Raw, bcast.Raw) {
		t.Errorf("Filter by source: got %+v", mine)
	}
}

func TestSendResults(t *testing.T) {
	db := openTestDB(t)

	results := []*SendResult{
		{UUID: "a", SessionID: "s1", Frame: []byte{0x02, 0x06, 0x49}, Delivered: true, Attempts: 1},
		{UUID: "b", SessionID: "s1", Frame: []byte{0x02, 0x06, 0x49}, Delivered: false, Attempts: 0},
		{UUID: "c", SessionID: "s1", Frame: []byte{0x01, 0xAA}, Delivered: true, Attempts: 3},
	}
	for _, r := range results {
		if _, err := db.InsertSendResult(r); err != nil {
			t.Fatalf("InsertSendResult failed: %v", err)
		}
	}

	failed, err := db.GetSendResults(true, 10)
	if err != nil {
		t.Fatalf("GetSendResults failed: %v", err)
	}
	if len(failed) != 1 || failed[0].UUID != "b" || failed[0].Attempts != 0 {
		t.Errorf("Failed sends: got %+v", failed)
	}

	all, err := db.GetSendResults(false, 10)
	if err != nil {
		t.Fatalf("GetSendResults failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 sends, got %d", len(all))
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Sends != 3 || stats.Delivered != 2 || stats.Failed != 1 {
		t.Errorf("Stats mismatch: %+v", stats)
	}
}

func TestNodeCycles(t *testing.T) {
	db := openTestDB(t)
	base := time.Now().Add(-time.Hour)

	for i, count := range []uint8{14, 15, 0, 1} {
		c := &NodeCycle{SessionID: "s1", NodeID: 73, LoopCount: count, State: 1,
			Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if _, err := db.RecordNodeCycle(c); err != nil {
			t.Fatalf("RecordNodeCycle failed: %v", err)
		}
	}
	if _, err := db.RecordNodeCycle(&NodeCycle{SessionID: "s1", NodeID: 12, LoopCount: 4, State: 1}); err != nil {
		t.Fatalf("RecordNodeCycle failed: %v", err)
	}

	cycles, err := db.GetNodeCycles(73, 2)
	if err != nil {
		t.Fatalf("GetNodeCycles failed: %v", err)
	}
	if len(cycles) != 2 || cycles[0].LoopCount != 1 || cycles[1].LoopCount != 0 {
		t.Errorf("Cycles: got %+v", cycles)
	}

	nodes, err := db.GetNodes()
	if err != nil {
		t.Fatalf("GetNodes failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("Expected 2 nodes, got %d", len(nodes))
	}
	if nodes[0].NodeID != 12 || nodes[1].NodeID != 73 {
		t.Errorf("Node order: %d, %d", nodes[0].NodeID, nodes[1].NodeID)
	}
	if nodes[1].Announcements != 4 || nodes[1].LastLoopCount != 1 {
		t.Errorf("Node 73 summary: %+v", nodes[1])
	}
	if nodes[1].LastSeen.Before(nodes[1].FirstSeen) {
		t.Errorf("Node 73 timestamps: %+v", nodes[1])
	}
}

func TestPruneBefore(t *testing.T) {
	db := openTestDB(t)
	old := time.Now().Add(-48 * time.Hour)

	db.InsertPacket(&Packet{SessionID: "s1", Direction: DirectionRx, Raw: []byte{0x02, 0x80, 0x05, 0x01},
		Broadcast: true, ProtocolID: 0x05, Source: 1, Category: "sniffed|broadcast", Timestamp: old})
	db.InsertPacket(&Packet{SessionID: "s1", Direction: DirectionRx, Raw: []byte{0x02, 0x80, 0x05, 0x01},
		Broadcast: true, ProtocolID: 0x05, Source: 1, Category: "sniffed|broadcast"})
	db.InsertSendResult(&SendResult{UUID: "old", SessionID: "s1", Frame: []byte{1, 2}, Timestamp: old})

	n, err := db.PruneBefore(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Pruned rows: got %d, want 2", n)
	}

	stats, _ := db.Stats()
	if stats.Packets != 1 || stats.Sends != 0 {
		t.Errorf("Stats after prune: %+v", stats)
	}
}
