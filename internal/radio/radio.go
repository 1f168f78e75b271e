// Package radio defines the packet radio transport used by the controller
// and the nodes, plus an in-memory medium for simulation and tests.
package radio

import (
	"errors"
	"fmt"
)

// MaxChannel is the highest RF channel the radio can tune to
const MaxChannel = 125

// MaxFrameSize is the radio FIFO width
const MaxFrameSize = 32

var (
	ErrNotConfigured  = errors.New("radio not configured")
	ErrInvalidChannel = errors.New("invalid channel")
	ErrQueueFull      = errors.New("transmit queue full")
	ErrClosed         = errors.New("radio closed")
	ErrFrameTooLong   = errors.New("frame too long")
)

// Bitrate of the radio link
type Bitrate uint8

const (
	Bitrate250K Bitrate = iota
	Bitrate1M
	Bitrate2M
)

func (b Bitrate) String() string {
	switch b {
	case Bitrate250K:
		return "250kbps"
	case Bitrate1M:
		return "1Mbps"
	case Bitrate2M:
		return "2Mbps"
	default:
		return "unknown"
	}
}

// ParseBitrate parses a bitrate name as written in config files
func ParseBitrate(s string) (Bitrate, error) {
	switch s {
	case "250k", "250kbps":
		return Bitrate250K, nil
	case "1m", "1M", "1Mbps":
		return Bitrate1M, nil
	case "2m", "2M", "2Mbps", "":
		return Bitrate2M, nil
	default:
		return 0, fmt.Errorf("unknown bitrate %q", s)
	}
}

// CRCMode of the radio link
type CRCMode uint8

const (
	CRCOff CRCMode = iota
	CRC8
	CRC16
)

func (c CRCMode) String() string {
	switch c {
	case CRCOff:
		return "off"
	case CRC8:
		return "8bit"
	case CRC16:
		return "16bit"
	default:
		return "unknown"
	}
}

// Addressing holds the pipe base addresses and prefixes
type Addressing struct {
	Base0    uint32
	Base1    uint32
	Prefixes [8]byte
}

// Config holds radio configuration
type Config struct {
	Channel       uint8
	Bitrate       Bitrate
	CRC           CRCMode
	PayloadLength uint8 // Static payload length, 0 for dynamic
	Addressing    Addressing
}

// DefaultConfig returns the mesh defaults: channel 10, 2 Mbps, CRC16
func DefaultConfig() Config {
	return Config{
		Channel: 10,
		Bitrate: Bitrate2M,
		CRC:     CRC16,
		Addressing: Addressing{
			Base0:    0xE7E7E7E7,
			Base1:    0xC2C2C2C2,
			Prefixes: [8]byte{0xE7, 0xC2, 0xC3, 0xC4, 0xC5, 0xC6, 0xC7, 0xC8},
		},
	}
}

// Validate checks the configuration before it is programmed
func (c Config) Validate() error {
	if c.Channel > MaxChannel {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, c.Channel)
	}
	if c.Bitrate > Bitrate2M {
		return fmt.Errorf("invalid bitrate %d", c.Bitrate)
	}
	if c.CRC > CRC16 {
		return fmt.Errorf("invalid crc mode %d", c.CRC)
	}
	if c.PayloadLength > MaxFrameSize {
		return fmt.Errorf("invalid payload length %d", c.PayloadLength)
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("channel:%d;bitrate:%s;crc:%s;payload:%d;base0:%08X;base1:%08X;prefix:% X",
		c.Channel, c.Bitrate, c.CRC, c.PayloadLength,
		c.Addressing.Base0, c.Addressing.Base1, c.Addressing.Prefixes[:])
}

// EventType identifies a radio event
type EventType uint8

const (
	EventTxSuccess EventType = iota + 1
	EventTxFailed
	EventRxReady
)

func (e EventType) String() string {
	switch e {
	case EventTxSuccess:
		return "tx_success"
	case EventTxFailed:
		return "tx_failed"
	case EventRxReady:
		return "rx_ready"
	default:
		return "unknown"
	}
}

// Event is delivered by the transport from its own goroutine. Handlers
// must not block or transmit.
type Event struct {
	Type EventType
}

// Transport is a fixed-frame packet radio
type Transport interface {
	// Configure programs the radio. It must succeed before any traffic.
	Configure(cfg Config) error
	Config() Config
	// Transmit submits a frame; completion is reported as an Event.
	Transmit(frame []byte, ackRequired bool) error
	// ReceiveNext pops the next received frame
	ReceiveNext() ([]byte, bool)
	SetChannel(ch uint8) error
	Channel() uint8
	// IRQPending reports an interrupt that was raised but never serviced
	IRQPending() bool
	// Flush discards frames waiting in the transmit queue
	Flush() error
	SetEventHandler(h func(Event))
	Close() error
}
