package node

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agsys/rfmesh/internal/protocol"
	"github.com/agsys/rfmesh/internal/radio"
)

func TestPackUnpack(t *testing.T) {
	for count := uint8(0); count <= LoopCountMax; count++ {
		s := PersistentNodeState{Valid: true, LoopCount: count}
		b := s.Pack()
		if b>>4 != StateMarker {
			t.Errorf("count %d: marker nibble 0x%X", count, b>>4)
		}
		if got := Unpack(b); got != s {
			t.Errorf("count %d: got %+v", count, got)
		}
	}
}

func TestUnpackRejectsForeignValues(t *testing.T) {
	for _, b := range []uint8{0x00, 0x0F, 0x5A, 0xC3, 0xE1, 0xFF} {
		if Unpack(b).Valid {
			t.Errorf("0x%02X decoded as valid", b)
		}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SettleTime = 5 * time.Millisecond
	cfg.Link.CompletionTimeout = 50 * time.Millisecond
	return cfg
}

func TestBootColdFromGarbage(t *testing.T) {
	reg := NewMemoryRegister(0x5A)
	m := New(testConfig(), radio.NewSim("node"), reg, &CyclePower{})

	state, err := m.Boot()
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if state != StateColdBoot {
		t.Errorf("State: got %s, want cold_boot", state)
	}
	if m.Persisted().LoopCount != 1 {
		t.Errorf("LoopCount: got %d, want 1", m.Persisted().LoopCount)
	}

	// Written back immediately
	raw, _ := reg.Load()
	if raw != 0xD1 {
		t.Errorf("Register: got 0x%02X, want 0xD1", raw)
	}
}

func TestBootRecovered(t *testing.T) {
	reg := NewMemoryRegister(PersistentNodeState{Valid: true, LoopCount: 6}.Pack())
	m := New(testConfig(), radio.NewSim("node"), reg, &CyclePower{})

	state, err := m.Boot()
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if state != StateRecovered {
		t.Errorf("State: got %s, want recovered", state)
	}
	if m.Persisted().LoopCount != 7 {
		t.Errorf("LoopCount: got %d, want 7", m.Persisted().LoopCount)
	}
}

// TestLoopCountWraps runs a full cycle from a retained count of 15
func TestLoopCountWraps(t *testing.T) {
	reg := NewMemoryRegister(PersistentNodeState{Valid: true, LoopCount: 15}.Pack())
	power := &CyclePower{}
	sim := radio.NewSim("node")

	result, err := New(testConfig(), sim, reg, power).Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Boot != StateRecovered || result.State.LoopCount != 0 {
		t.Errorf("Result: got %+v", result)
	}

	raw, _ := reg.Load()
	got := Unpack(raw)
	if !got.Valid || got.LoopCount != 0 {
		t.Errorf("Retained: got %+v from 0x%02X", got, raw)
	}
	if raw>>4 != StateMarker {
		t.Errorf("Marker lost: 0x%02X", raw)
	}
	if power.Cycles != 1 {
		t.Errorf("PowerOff calls: got %d, want 1", power.Cycles)
	}
}

type failingRadio struct {
	*radio.Sim
}

func (f failingRadio) Configure(radio.Config) error { return errors.New("spi timeout") }

func TestRunAbortsOnRadioConfigError(t *testing.T) {
	reg := NewMemoryRegister(0)
	power := &CyclePower{}
	sim := radio.NewSim("node")

	_, err := New(testConfig(), failingRadio{sim}, reg, power).Run()
	if err == nil {
		t.Fatal("Expected configuration error")
	}
	if len(sim.TxLog()) != 0 {
		t.Error("Nothing may be transmitted with an unconfigured radio")
	}
	if power.Cycles != 0 {
		t.Error("Node must not power off after a fatal boot error")
	}
}

// TestWakeCycleOverAir checks the broadcasts a listener hears across
// consecutive cycles
func TestWakeCycleOverAir(t *testing.T) {
	air := radio.NewAir()
	listener := air.Attach("controller")
	if err := listener.Configure(radio.DefaultConfig()); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	reg := NewMemoryRegister(0)
	power := &CyclePower{}
	var transitions []State

	for cycle := 1; cycle <= 3; cycle++ {
		sim := air.Attach("node")
		m := New(testConfig(), sim, reg, power)
		m.SetTransitionCallback(func(s State) { transitions = append(transitions, s) })

		result, err := m.Run()
		if err != nil {
			t.Fatalf("cycle %d: Run failed: %v", cycle, err)
		}
		if result.AnnounceErr != nil || result.ReleaseErr != nil {
			t.Errorf("cycle %d: broadcast errors %v / %v", cycle, result.AnnounceErr, result.ReleaseErr)
		}
		sim.Close()

		for _, wantState := range []uint8{ButtonActive, ButtonInactive} {
			frame, ok := listener.ReceiveNext()
			if !ok {
				t.Fatalf("cycle %d: listener missed a broadcast", cycle)
			}
			p, err := protocol.Decode(frame)
			if err != nil {
				t.Fatalf("cycle %d: Decode failed: %v", cycle, err)
			}
			btn, err := protocol.DecodeButton(p)
			if err != nil {
				t.Fatalf("cycle %d: DecodeButton failed: %v", cycle, err)
			}
			if p.Source != 73 || btn.State != wantState || int(btn.LoopCount) != cycle {
				t.Errorf("cycle %d: got src=%d %+v", cycle, p.Source, btn)
			}
		}
	}

	if power.Cycles != 3 {
		t.Errorf("PowerOff calls: got %d, want 3", power.Cycles)
	}
	want := []State{StateColdBoot, StateAnnouncing, StateAwaitingDelivery, StatePoweringOff}
	for i, s := range want {
		if transitions[i] != s {
			t.Errorf("transition %d: got %s, want %s", i, transitions[i], s)
		}
	}
	if transitions[4] != StateRecovered {
		t.Errorf("second cycle boot: got %s, want recovered", transitions[4])
	}
}

func TestFileRegister(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpregret")
	reg := NewFileRegister(path)

	b, err := reg.Load()
	if err != nil || b != 0 {
		t.Fatalf("Load on missing file: got 0x%02X, %v", b, err)
	}

	if err := reg.Store(0xD9); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	b, err = reg.Load()
	if err != nil || b != 0xD9 {
		t.Errorf("Load: got 0x%02X, %v", b, err)
	}

	if err := reg.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected register file to be removed")
	}
}

func TestProcessPowerExits(t *testing.T) {
	code := -1
	closed := false
	p := &ProcessPower{exit: func(c int) { code = c }}
	p.BeforeOff(func() {
		if code != -1 {
			t.Error("BeforeOff must run before exit")
		}
		closed = true
	})
	p.PowerOff()
	if code != 0 {
		t.Errorf("Exit code: got %d", code)
	}
	if !closed {
		t.Error("Expected BeforeOff callback")
	}
}
