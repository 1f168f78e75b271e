// Package protocol defines the mesh packet wire format exchanged between
// the controller and field nodes, and the command frames accepted on the
// controller console.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol identifiers
const (
	PidReset   uint8 = 0x04 // Controller restarted, nodes drop cached state
	PidAlive   uint8 = 0x05 // Periodic presence announcement
	PidButton  uint8 = 0x06 // Node button transition
	PidExecCmd uint8 = 0xEC // Console command frame
)

// Addressed message classes
const (
	ClassCommand uint8 = 0x7B // Binary command/control message
)

// Frame limits
const (
	HeaderSize   = 2  // length + control
	MaxFrameSize = 32 // Radio FIFO width
	MaxLength    = MaxFrameSize - HeaderSize
	BroadcastID  = 0xFF
	DefaultTTL   = 2
)

const (
	broadcastBit = 0x80
	controlMask  = 0x7F
	sniffMaxLen  = 31
	broadcastHdr = 2 // pid + src
	addressedHdr = 3 // pid + src + dst
)

var (
	ErrTruncated       = errors.New("frame truncated")
	ErrMalformed       = errors.New("frame malformed")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidTTL      = errors.New("ttl out of range")
	ErrInvalidClass    = errors.New("message class out of range")
)

// Control is the decoded control byte. It is either Broadcast or Addressed
// and is only packed into a single byte at the wire boundary.
type Control interface {
	controlByte() (uint8, error)
	IsBroadcast() bool
}

// Broadcast is the control value of a broadcast packet
type Broadcast struct {
	TTL uint8
}

func (b Broadcast) controlByte() (uint8, error) {
	if b.TTL > controlMask {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTTL, b.TTL)
	}
	return broadcastBit | b.TTL, nil
}

// IsBroadcast reports true
func (Broadcast) IsBroadcast() bool { return true }

// Addressed is the control value of a unicast packet
type Addressed struct {
	Class uint8
}

func (a Addressed) controlByte() (uint8, error) {
	if a.Class > controlMask {
		return 0, fmt.Errorf("%w: 0x%02X", ErrInvalidClass, a.Class)
	}
	return a.Class, nil
}

// IsBroadcast reports false
func (Addressed) IsBroadcast() bool { return false }

// ParseControl unpacks a wire control byte
func ParseControl(b uint8) Control {
	if b&broadcastBit != 0 {
		return Broadcast{TTL: b & controlMask}
	}
	return Addressed{Class: b & controlMask}
}

// Packet represents a decoded mesh packet
type Packet struct {
	Control    Control
	ProtocolID uint8
	Source     uint8
	Dest       uint8 // Addressed form only
	Payload    []byte
}

// AckRequired reports whether the packet is sent with link-level acknowledgment
func (p *Packet) AckRequired() bool {
	return p.Control != nil && !p.Control.IsBroadcast()
}

// IsBroadcast reports whether the broadcast flag is set
func (p *Packet) IsBroadcast() bool {
	return p.Control != nil && p.Control.IsBroadcast()
}

// Encode serializes the packet for transmission.
//
// Broadcast:  [N][0x80|ttl][pid][src][payload...]
// Addressed:  [N][class][pid][src][dst][payload...]
func Encode(p *Packet) ([]byte, error) {
	if p.Control == nil {
		return nil, fmt.Errorf("%w: missing control", ErrMalformed)
	}
	ctrl, err := p.Control.controlByte()
	if err != nil {
		return nil, err
	}

	fixed := broadcastHdr
	if !p.Control.IsBroadcast() {
		fixed = addressedHdr
	}
	n := fixed + len(p.Payload)
	if n > MaxLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}

	buf := make([]byte, HeaderSize+n)
	buf[0] = uint8(n)
	buf[1] = ctrl
	buf[2] = p.ProtocolID
	buf[3] = p.Source
	if fixed == addressedHdr {
		buf[4] = p.Dest
	}
	copy(buf[HeaderSize+fixed:], p.Payload)
	return buf, nil
}

// Decode parses a raw radio buffer. Bytes past the declared length are
// ignored since the radio pads its buffers.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	n := int(data[0])
	if len(data) < HeaderSize+n {
		return nil, fmt.Errorf("%w: declared %d, have %d", ErrTruncated, n, len(data)-HeaderSize)
	}
	if n > MaxLength {
		return nil, fmt.Errorf("%w: length %d", ErrMalformed, n)
	}
	body := data[HeaderSize : HeaderSize+n]

	p := &Packet{Control: ParseControl(data[1])}
	fixed := broadcastHdr
	if !p.Control.IsBroadcast() {
		fixed = addressedHdr
	}
	if n < fixed {
		return nil, fmt.Errorf("%w: length %d below header %d", ErrMalformed, n, fixed)
	}

	p.ProtocolID = body[0]
	p.Source = body[1]
	if fixed == addressedHdr {
		p.Dest = body[2]
	}
	if n > fixed {
		p.Payload = make([]byte, n-fixed)
		copy(p.Payload, body[fixed:])
	}
	return p, nil
}

// FrameLength returns the number of meaningful bytes in a raw buffer
// according to its length byte, bounded by the buffer itself.
func FrameLength(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := HeaderSize + int(data[0])
	if n > len(data) {
		return len(data)
	}
	return n
}

// Category is the set of receive categories a frame belongs to
type Category uint8

const (
	CategorySniffed Category = 1 << iota
	CategoryBroadcast
	CategoryAddressed
)

// Has reports whether c contains all bits of o
func (c Category) Has(o Category) bool { return c&o == o }

func (c Category) String() string {
	var parts []string
	if c.Has(CategorySniffed) {
		parts = append(parts, "sniffed")
	}
	if c.Has(CategoryBroadcast) {
		parts = append(parts, "broadcast")
	}
	if c.Has(CategoryAddressed) {
		parts = append(parts, "addressed")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Classify reports the receive categories of a decoded packet. Every
// overheard frame is sniffed; p may be nil when decoding failed.
func Classify(p *Packet) Category {
	c := CategorySniffed
	if p == nil {
		return c
	}
	if p.IsBroadcast() {
		c |= CategoryBroadcast
	} else if KnownProtocol(p.ProtocolID) {
		c |= CategoryAddressed
	}
	return c
}

// Sniffable reports whether a raw frame is short enough to be dumped
func Sniffable(data []byte) bool {
	return len(data) > 0 && data[0] < sniffMaxLen
}

// KnownProtocol reports whether pid is a protocol id this system understands
func KnownProtocol(pid uint8) bool {
	switch pid {
	case PidReset, PidAlive, PidButton, PidExecCmd:
		return true
	}
	return false
}

// ProtocolName returns a short name for a protocol id
func ProtocolName(pid uint8) string {
	switch pid {
	case PidReset:
		return "reset"
	case PidAlive:
		return "alive"
	case PidButton:
		return "button"
	case PidExecCmd:
		return "exec"
	default:
		return fmt.Sprintf("0x%02X", pid)
	}
}

// HexDump formats bytes as space separated uppercase hex
func HexDump(data []byte) string {
	var sb strings.Builder
	sb.Grow(len(data) * 3)
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// ButtonPayload is the payload of a PidButton broadcast
type ButtonPayload struct {
	State     uint8 // 1 pressed/active, 0 released/inactive
	LoopCount uint8 // Node wake cycle counter
}

// NewBroadcast builds a broadcast packet with the default TTL
func NewBroadcast(pid, src uint8, payload []byte) *Packet {
	return &Packet{
		Control:    Broadcast{TTL: DefaultTTL},
		ProtocolID: pid,
		Source:     src,
		Payload:    payload,
	}
}

// NewButtonPacket builds the broadcast a node sends on a button transition
func NewButtonPacket(src uint8, b ButtonPayload) *Packet {
	return NewBroadcast(PidButton, src, []byte{b.State, b.LoopCount})
}

// DecodeButton parses the payload of a PidButton packet
func DecodeButton(p *Packet) (*ButtonPayload, error) {
	if p.ProtocolID != PidButton {
		return nil, fmt.Errorf("not a button packet: pid 0x%02X", p.ProtocolID)
	}
	if len(p.Payload) < 1 {
		return nil, fmt.Errorf("button payload too short: %d bytes", len(p.Payload))
	}
	b := &ButtonPayload{State: p.Payload[0]}
	// Early node firmware sent the state only
	if len(p.Payload) > 1 {
		b.LoopCount = p.Payload[1]
	}
	return b, nil
}
