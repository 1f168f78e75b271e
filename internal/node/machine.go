package node

import (
	"fmt"
	"log"
	"time"

	"github.com/agsys/rfmesh/internal/protocol"
	"github.com/agsys/rfmesh/internal/radio"
	"github.com/agsys/rfmesh/internal/reliable"
)

// State of the wake cycle
type State uint8

const (
	StateColdBoot State = iota
	StateRecovered
	StateAnnouncing
	StateAwaitingDelivery
	StatePoweringOff
)

func (s State) String() string {
	switch s {
	case StateColdBoot:
		return "cold_boot"
	case StateRecovered:
		return "recovered"
	case StateAnnouncing:
		return "announcing"
	case StateAwaitingDelivery:
		return "awaiting_delivery"
	case StatePoweringOff:
		return "powering_off"
	default:
		return "unknown"
	}
}

// Button states carried in the announcement
const (
	ButtonInactive uint8 = 0
	ButtonActive   uint8 = 1
)

// Config holds node configuration
type Config struct {
	NodeID     uint8
	Radio      radio.Config
	Link       reliable.Config
	SettleTime time.Duration // Between the active and inactive broadcasts
}

// DefaultConfig returns the node defaults: id 73 on channel 10 with an
// 8 byte static payload
func DefaultConfig() Config {
	rc := radio.DefaultConfig()
	rc.PayloadLength = 8

	lc := reliable.DefaultConfig()
	lc.CompletionTimeout = 100 * time.Millisecond

	return Config{
		NodeID:     73,
		Radio:      rc,
		Link:       lc,
		SettleTime: 200 * time.Millisecond,
	}
}

// CycleResult summarizes one wake cycle
type CycleResult struct {
	Boot        State
	State       PersistentNodeState
	AnnounceErr error // Active broadcast
	ReleaseErr  error // Inactive broadcast
}

// Machine runs one wake cycle of a node
type Machine struct {
	config    Config
	transport radio.Transport
	link      *reliable.Link
	register  RetainedRegister
	power     PowerController
	state     State
	persisted PersistentNodeState

	onTransition func(State)
}

// New creates a node state machine
func New(config Config, transport radio.Transport, register RetainedRegister, power PowerController) *Machine {
	return &Machine{
		config:    config,
		transport: transport,
		link:      reliable.New(transport, config.Link),
		register:  register,
		power:     power,
	}
}

// SetTransitionCallback sets a callback invoked on every state change
func (m *Machine) SetTransitionCallback(cb func(State)) {
	m.onTransition = cb
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// Persisted returns the state that will be written before power-off
func (m *Machine) Persisted() PersistentNodeState {
	return m.persisted
}

func (m *Machine) enter(s State) {
	m.state = s
	log.Printf("Node %d: %s", m.config.NodeID, s)
	if m.onTransition != nil {
		m.onTransition(s)
	}
}

// Boot reads the retained register, classifies the boot and immediately
// writes back the advanced counter so an unexpected reset still finds a
// sane value.
func (m *Machine) Boot() (State, error) {
	raw, err := m.register.Load()
	if err != nil {
		log.Printf("Failed to load retained state, treating as cold boot: %v", err)
		raw = 0
	}

	prev := Unpack(raw)
	m.persisted = prev.Next()
	if prev.Valid {
		m.enter(StateRecovered)
	} else {
		m.enter(StateColdBoot)
	}

	if err := m.register.Store(m.persisted.Pack()); err != nil {
		return m.state, fmt.Errorf("failed to store retained state: %w", err)
	}
	return m.state, nil
}

// Run performs the full wake cycle and ends with a power-off request. A
// radio configuration failure is fatal and aborts before any traffic.
func (m *Machine) Run() (*CycleResult, error) {
	if err := m.transport.Configure(m.config.Radio); err != nil {
		return nil, fmt.Errorf("failed to configure radio: %w", err)
	}

	boot, err := m.Boot()
	if err != nil {
		return nil, err
	}
	result := &CycleResult{Boot: boot, State: m.persisted}

	m.enter(StateAnnouncing)
	result.AnnounceErr = m.broadcastButton(ButtonActive)

	m.enter(StateAwaitingDelivery)
	time.Sleep(m.config.SettleTime)
	// Success and failure both complete this state; the wait is bounded
	// by the link's completion timeout
	result.ReleaseErr = m.broadcastButton(ButtonInactive)

	m.enter(StatePoweringOff)
	m.discardReceived()
	if err := m.register.Store(m.persisted.Pack()); err != nil {
		log.Printf("Failed to store retained state before power-off: %v", err)
	}
	if err := m.power.DisableRetention(); err != nil {
		log.Printf("Failed to disable RAM retention: %v", err)
	}
	m.power.IndicatorsOff()
	m.power.PowerOff()

	return result, nil
}

func (m *Machine) broadcastButton(state uint8) error {
	p := protocol.NewButtonPacket(m.config.NodeID, protocol.ButtonPayload{
		State:     state,
		LoopCount: m.persisted.LoopCount,
	})
	frame, err := protocol.Encode(p)
	if err != nil {
		return fmt.Errorf("failed to encode button packet: %w", err)
	}
	if err := m.link.SendUnacked(frame); err != nil {
		log.Printf("Node %d: button %d broadcast failed: %v", m.config.NodeID, state, err)
		return err
	}
	return nil
}

// discardReceived empties frames drained from the radio during the cycle
func (m *Machine) discardReceived() {
	n := 0
	for {
		select {
		case <-m.link.Received():
			n++
		default:
			if n > 0 {
				log.Printf("Node %d: discarded %d received frames", m.config.NodeID, n)
			}
			return
		}
	}
}
