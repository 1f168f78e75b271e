package radio

import (
	"fmt"
	"log"
	"sync"
)

// rxDepth matches the receive FIFO of the radio
const rxDepth = 32

// Air is an in-memory shared medium. Every frame transmitted by an attached
// Sim is heard by all other Sims tuned to the same channel.
type Air struct {
	mu     sync.Mutex
	radios []*Sim
}

// NewAir creates an empty medium
func NewAir() *Air {
	return &Air{}
}

// Attach creates a new radio on this medium
func (a *Air) Attach(name string) *Sim {
	s := &Sim{air: a, name: name}
	a.mu.Lock()
	a.radios = append(a.radios, s)
	a.mu.Unlock()
	return s
}

// NewSim creates a radio alone on its own medium
func NewSim(name string) *Sim {
	return NewAir().Attach(name)
}

// deliver copies frame into the receive queue of every other radio on ch
// and returns the number of radios that heard it
func (a *Air) deliver(from *Sim, ch uint8, frame []byte) int {
	a.mu.Lock()
	peers := make([]*Sim, 0, len(a.radios))
	for _, s := range a.radios {
		if s != from {
			peers = append(peers, s)
		}
	}
	a.mu.Unlock()

	heard := 0
	for _, s := range peers {
		if s.hear(ch, frame) {
			heard++
		}
	}
	return heard
}

// Sim is a simulated radio attached to an Air
type Sim struct {
	air  *Air
	name string

	mu         sync.Mutex
	cfg        Config
	configured bool
	closed     bool
	rx         [][]byte
	txLog      [][]byte
	flushes    int
	failNext   int
	ackLoss    bool
	irqStuck   bool
	handler    func(Event)
}

var _ Transport = (*Sim)(nil)

// Configure programs the simulated radio and empties its FIFOs
func (s *Sim) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("failed to configure %s: %w", s.name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.cfg = cfg
	s.configured = true
	s.irqStuck = false
	s.rx = nil
	return nil
}

// Config returns the current configuration
func (s *Sim) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Transmit sends frame on the current channel. Addressed frames succeed
// only when another radio heard them.
func (s *Sim) Transmit(frame []byte, ackRequired bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.configured {
		s.mu.Unlock()
		return ErrNotConfigured
	}
	limit := MaxFrameSize
	if s.cfg.PayloadLength != 0 {
		limit = int(s.cfg.PayloadLength)
	}
	if len(frame) == 0 || len(frame) > limit {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLong, len(frame))
	}

	failed := false
	if s.failNext > 0 {
		s.failNext--
		failed = true
	}
	s.txLog = append(s.txLog, append([]byte(nil), frame...))
	ch := s.cfg.Channel
	ackLoss := s.ackLoss
	s.mu.Unlock()

	heard := 0
	if !failed {
		heard = s.air.deliver(s, ch, frame)
	}

	ok := !failed
	if ackRequired && (heard == 0 || ackLoss) {
		ok = false
	}
	if ok {
		s.emit(EventTxSuccess)
	} else {
		s.emit(EventTxFailed)
	}
	return nil
}

// hear queues a frame from another radio
func (s *Sim) hear(ch uint8, frame []byte) bool {
	s.mu.Lock()
	if s.closed || !s.configured || s.cfg.Channel != ch {
		s.mu.Unlock()
		return false
	}
	if len(s.rx) >= rxDepth {
		s.mu.Unlock()
		log.Printf("%s: rx fifo full, dropping frame", s.name)
		return false
	}
	s.rx = append(s.rx, append([]byte(nil), frame...))
	s.mu.Unlock()

	s.emit(EventRxReady)
	return true
}

// emit delivers an event asynchronously, as an interrupt would
func (s *Sim) emit(t EventType) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		go h(Event{Type: t})
	}
}

// ReceiveNext pops the oldest received frame
func (s *Sim) ReceiveNext() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rx) == 0 {
		return nil, false
	}
	frame := s.rx[0]
	s.rx = s.rx[1:]
	return frame, true
}

// SetChannel retunes the radio
func (s *Sim) SetChannel(ch uint8) error {
	if ch > MaxChannel {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured {
		return ErrNotConfigured
	}
	s.cfg.Channel = ch
	return nil
}

// Channel returns the current channel
func (s *Sim) Channel() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Channel
}

// IRQPending reports frames waiting with nobody servicing them
func (s *Sim) IRQPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.irqStuck || (len(s.rx) > 0 && s.handler == nil)
}

// Flush empties the transmit queue
func (s *Sim) Flush() error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

// SetEventHandler installs the interrupt handler
func (s *Sim) SetEventHandler(h func(Event)) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Close detaches the radio from the medium
func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// InjectRx queues a frame as if it had been received
func (s *Sim) InjectRx(frame []byte) {
	s.mu.Lock()
	s.rx = append(s.rx, append([]byte(nil), frame...))
	s.mu.Unlock()
	s.emit(EventRxReady)
}

// TxLog returns a copy of every frame transmitted
func (s *Sim) TxLog() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.txLog))
	for i, f := range s.txLog {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Flushes returns how many times Flush was called
func (s *Sim) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// FailNext makes the next n transmissions fail at the radio
func (s *Sim) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// SetAckLoss drops every link-level acknowledgment while set
func (s *Sim) SetAckLoss(lost bool) {
	s.mu.Lock()
	s.ackLoss = lost
	s.mu.Unlock()
}

// SetIRQStuck simulates an interrupt line held low until reconfigured
func (s *Sim) SetIRQStuck(stuck bool) {
	s.mu.Lock()
	s.irqStuck = stuck
	s.mu.Unlock()
}
