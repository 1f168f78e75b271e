package bridge

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agsys/rfmesh/internal/radio"
)

func TestEnvelopes(t *testing.T) {
	tx := &TxRequest{ClientID: "a", Frame: []byte{0x02, 0x06, 0x49}, AckRequired: true}
	data, err := Marshal(tx)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got := &TxRequest{}
	if err := Unmarshal(data, got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.ClientID != "a" || !got.AckRequired || !bytes.Equal(got.Frame, tx.Frame) {
		t.Errorf("TxRequest mismatch: %+v", got)
	}

	if err := Unmarshal(nil, &Response{}); err == nil {
		t.Error("Expected error for empty payload")
	}
	if err := Unmarshal([]byte{0xFF, 0x00}, &Response{}); err == nil {
		t.Error("Expected error for invalid CBOR")
	}
}

func TestTxStatusString(t *testing.T) {
	tests := []struct {
		s    TxStatus
		want string
	}{
		{TxStatusOK, "OK"},
		{TxStatusNoAck, "NO_ACK"},
		{TxStatusNotConfigured, "NOT_CONFIGURED"},
		{TxStatus(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%d: got %s, want %s", tt.s, got, tt.want)
		}
	}
}

// recorder collects radio events from a client
type recorder struct {
	mu     sync.Mutex
	events []radio.EventType
}

func (r *recorder) handle(ev radio.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev.Type)
	r.mu.Unlock()
}

func (r *recorder) wait(t *testing.T, want radio.EventType) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for i, e := range r.events {
			if e == want {
				r.events = append(r.events[:i], r.events[i+1:]...)
				r.mu.Unlock()
				return
			}
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for event %d", want)
}

func startHub(t *testing.T) (*Hub, ClientConfig) {
	t.Helper()
	dir := t.TempDir()
	cfg := ClientConfig{
		EventURL:   "ipc://" + filepath.Join(dir, "event"),
		CommandURL: "ipc://" + filepath.Join(dir, "command"),
	}
	hub := NewHub(HubConfig{EventURL: cfg.EventURL, CommandURL: cfg.CommandURL})
	if err := hub.Start(); err != nil {
		t.Fatalf("Hub start failed: %v", err)
	}
	t.Cleanup(func() { hub.Stop() })
	return hub, cfg
}

func startClient(t *testing.T, cfg ClientConfig) (*Client, *recorder) {
	t.Helper()
	c := NewClient(cfg)
	if err := c.Start(); err != nil {
		t.Fatalf("Client start failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	rec := &recorder{}
	c.SetEventHandler(rec.handle)
	return c, rec
}

func TestHubDelivery(t *testing.T) {
	hub, cfg := startHub(t)
	controller, ctlEvents := startClient(t, cfg)
	node, nodeEvents := startClient(t, cfg)

	if err := controller.Transmit([]byte{0x02, 0x80, 0x05, 0x01}, false); err != radio.ErrNotConfigured {
		t.Errorf("Transmit before configure: got %v", err)
	}

	for _, c := range []*Client{controller, node} {
		if err := c.Configure(radio.DefaultConfig()); err != nil {
			t.Fatalf("Configure failed: %v", err)
		}
	}

	// Subscriptions propagate asynchronously; repeat the broadcast until
	// the node hears one
	frame := []byte{0x04, 0x82, 0x06, 0x49, 0x01, 0x03}
	deadline := time.Now().Add(3 * time.Second)
	var got []byte
	for got == nil && time.Now().Before(deadline) {
		if err := controller.Transmit(frame, false); err != nil {
			t.Fatalf("Transmit failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		got, _ = node.ReceiveNext()
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("Node received %X, want %X", got, frame)
	}
	ctlEvents.wait(t, radio.EventTxSuccess)
	nodeEvents.wait(t, radio.EventRxReady)

	// Own frames are never heard
	if f, ok := controller.ReceiveNext(); ok {
		t.Errorf("Controller heard its own frame %X", f)
	}

	// An acknowledged frame needs a listener on the channel
	if err := node.SetChannel(20); err != nil {
		t.Fatalf("SetChannel failed: %v", err)
	}
	if err := controller.Transmit([]byte{0x02, 0x7B, 0x06, 0x01, 0x49}, true); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	ctlEvents.wait(t, radio.EventTxFailed)

	if err := node.SetChannel(radio.MaxChannel + 1); err == nil {
		t.Error("Expected invalid channel error")
	}
	if err := controller.Flush(); err != nil {
		t.Errorf("Flush failed: %v", err)
	}

	stats := hub.Stats()
	if stats.Clients != 2 || stats.Frames == 0 {
		t.Errorf("Hub stats: %+v", stats)
	}
}

func TestHubRejectsOversizeFrame(t *testing.T) {
	_, cfg := startHub(t)
	c, _ := startClient(t, cfg)

	rc := radio.DefaultConfig()
	rc.PayloadLength = 8
	if err := c.Configure(rc); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := c.Transmit(make([]byte, 9), false); err == nil {
		t.Error("Expected oversize frame to be rejected")
	}
}

func TestHubLoss(t *testing.T) {
	hub, cfg := startHub(t)
	hub.mu.Lock()
	hub.lose = func() bool { return true }
	hub.mu.Unlock()

	a, aEvents := startClient(t, cfg)
	b, _ := startClient(t, cfg)
	for _, c := range []*Client{a, b} {
		if err := c.Configure(radio.DefaultConfig()); err != nil {
			t.Fatalf("Configure failed: %v", err)
		}
	}

	if err := a.Transmit([]byte{0x02, 0x7B, 0x06, 0x01, 0x49}, true); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	aEvents.wait(t, radio.EventTxFailed)

	if s := hub.Stats(); s.Lost != 1 || s.Delivered != 0 {
		t.Errorf("Hub stats: %+v", s)
	}
}
