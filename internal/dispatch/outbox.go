package dispatch

import (
	"errors"
	"sync"
)

// ErrSendPending is returned when a send is offered while another is
// still waiting for the main loop
var ErrSendPending = errors.New("send already pending")

// Outbox is the single-slot handoff between the console parser and the
// transmitting main loop. A pending frame is never overwritten.
type Outbox struct {
	mu      sync.Mutex
	frame   []byte
	pending bool
}

// NewOutbox creates an empty outbox
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Offer stores a copy of frame for transmission
func (o *Outbox) Offer(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending {
		return ErrSendPending
	}
	o.frame = append(o.frame[:0], frame...)
	o.pending = true
	return nil
}

// Take removes the pending frame, if any
func (o *Outbox) Take() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.pending {
		return nil, false
	}
	frame := append([]byte(nil), o.frame...)
	o.pending = false
	return frame, true
}

// Pending reports whether a frame is waiting
func (o *Outbox) Pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}
