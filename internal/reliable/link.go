// Package reliable drives frames through a radio transport with bounded
// retries and turns radio interrupts into queued events.
package reliable

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agsys/rfmesh/internal/protocol"
	"github.com/agsys/rfmesh/internal/radio"
)

var (
	ErrTxFailed          = errors.New("transmission failed")
	ErrCompletionTimeout = errors.New("no completion from radio")
)

// Policy bounds a reliable send
type Policy struct {
	MaxRetries uint8         // Retries after the first attempt
	RetryDelay time.Duration // Wait between attempts
}

// DefaultPolicy returns the controller defaults: 5 retries, 100 ms apart
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 5,
		RetryDelay: 100 * time.Millisecond,
	}
}

// RetryOutcome is the result of a reliable send. AttemptsUsed counts the
// transmissions of a delivered frame and is 0 when delivery failed.
type RetryOutcome struct {
	Delivered    bool
	AttemptsUsed uint8
}

// Retries returns the number of retransmissions before delivery
func (o RetryOutcome) Retries() uint8 {
	if o.AttemptsUsed == 0 {
		return 0
	}
	return o.AttemptsUsed - 1
}

// Config holds link configuration
type Config struct {
	CompletionTimeout time.Duration // Bound on waiting for a radio event
	RxQueueSize       int
}

// DefaultConfig returns default link configuration
func DefaultConfig() Config {
	return Config{
		CompletionTimeout: 250 * time.Millisecond,
		RxQueueSize:       64,
	}
}

// Link owns the transport's event handler. Radio events only signal the
// completion slot or queue received frames; all waiting happens in the
// goroutine that called a Send method.
type Link struct {
	config    Config
	transport radio.Transport
	done      chan bool
	rx        chan []byte
	sendMu    sync.Mutex
	mu        sync.Mutex
	dropped   uint64
}

// New creates a link and installs its event handler on transport
func New(transport radio.Transport, config Config) *Link {
	if config.CompletionTimeout <= 0 {
		config.CompletionTimeout = DefaultConfig().CompletionTimeout
	}
	if config.RxQueueSize <= 0 {
		config.RxQueueSize = DefaultConfig().RxQueueSize
	}

	l := &Link{
		config:    config,
		transport: transport,
		done:      make(chan bool, 1),
		rx:        make(chan []byte, config.RxQueueSize),
	}
	transport.SetEventHandler(l.handleEvent)
	return l
}

// Transport returns the underlying radio
func (l *Link) Transport() radio.Transport {
	return l.transport
}

// Received delivers frames drained from the radio
func (l *Link) Received() <-chan []byte {
	return l.rx
}

// Dropped returns the number of received frames dropped on a full queue
func (l *Link) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// handleEvent runs in the transport's interrupt context
func (l *Link) handleEvent(ev radio.Event) {
	switch ev.Type {
	case radio.EventTxSuccess:
		l.signal(true)
	case radio.EventTxFailed:
		l.signal(false)
	case radio.EventRxReady:
		l.drain()
	}
}

// drain reads the receive FIFO until empty
func (l *Link) drain() {
	for {
		frame, ok := l.transport.ReceiveNext()
		if !ok {
			return
		}
		select {
		case l.rx <- frame:
		default:
			l.mu.Lock()
			l.dropped++
			l.mu.Unlock()
			log.Println("Receive queue full, dropping frame")
		}
	}
}

// signal stores the completion of the transmission in flight. A stale
// completion left in the slot is replaced.
func (l *Link) signal(ok bool) {
	select {
	case l.done <- ok:
	default:
		select {
		case <-l.done:
		default:
		}
		select {
		case l.done <- ok:
		default:
		}
	}
}

// clearCompletion discards a completion left over from an earlier send
func (l *Link) clearCompletion() {
	select {
	case <-l.done:
	default:
	}
}

// transmitOnce submits one frame and waits for its completion
func (l *Link) transmitOnce(frame []byte, ackRequired bool) error {
	l.clearCompletion()
	if err := l.transport.Transmit(frame, ackRequired); err != nil {
		return fmt.Errorf("failed to submit frame: %w", err)
	}

	timer := time.NewTimer(l.config.CompletionTimeout)
	defer timer.Stop()
	select {
	case ok := <-l.done:
		if !ok {
			return ErrTxFailed
		}
		return nil
	case <-timer.C:
		return ErrCompletionTimeout
	}
}

// SendReliable transmits an acknowledged frame, retrying up to
// policy.MaxRetries times. It blocks until delivery or exhaustion and must
// not be called from a radio event handler.
func (l *Link) SendReliable(frame []byte, policy Policy) RetryOutcome {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	attempts := int(policy.MaxRetries) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		err := l.transmitOnce(frame, true)
		if err == nil {
			return RetryOutcome{Delivered: true, AttemptsUsed: uint8(attempt)}
		}
		if ferr := l.transport.Flush(); ferr != nil {
			log.Printf("Failed to flush transmit queue: %v", ferr)
		}
		if attempt < attempts {
			time.Sleep(policy.RetryDelay)
		}
	}
	return RetryOutcome{}
}

// SendUnacked transmits frame exactly once without acknowledgment. The
// result only reflects whether the radio accepted and sent the frame.
func (l *Link) SendUnacked(frame []byte) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	err := l.transmitOnce(frame, false)
	if errors.Is(err, ErrTxFailed) {
		if ferr := l.transport.Flush(); ferr != nil {
			log.Printf("Failed to flush transmit queue: %v", ferr)
		}
	}
	return err
}

// SendPacket encodes p and sends it reliably when it is addressed, or once
// when it is a broadcast
func (l *Link) SendPacket(p *protocol.Packet, policy Policy) (RetryOutcome, error) {
	frame, err := protocol.Encode(p)
	if err != nil {
		return RetryOutcome{}, fmt.Errorf("failed to encode packet: %w", err)
	}
	if p.AckRequired() {
		return l.SendReliable(frame, policy), nil
	}
	if err := l.SendUnacked(frame); err != nil {
		return RetryOutcome{}, err
	}
	return RetryOutcome{Delivered: true, AttemptsUsed: 1}, nil
}
