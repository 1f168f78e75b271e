// Package bridge carries radio traffic between processes over ZeroMQ.
// Commands travel on a REQ/REP pair and received frames on PUB/SUB, each
// message being [type, cbor body].
package bridge

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Message types, sent as the first ZeroMQ frame
const (
	CmdConfigure = "configure"
	CmdTx        = "tx"
	CmdChannel   = "channel"
	CmdFlush     = "flush"
	EventRx      = "rx"
)

// TxStatus is the hub's verdict on a command
type TxStatus int32

const (
	TxStatusIgnored       TxStatus = 0
	TxStatusOK            TxStatus = 1
	TxStatusNoAck         TxStatus = 2
	TxStatusNotConfigured TxStatus = 3
	TxStatusInvalid       TxStatus = 4
	TxStatusInternalError TxStatus = 5
)

func (s TxStatus) String() string {
	switch s {
	case TxStatusIgnored:
		return "IGNORED"
	case TxStatusOK:
		return "OK"
	case TxStatusNoAck:
		return "NO_ACK"
	case TxStatusNotConfigured:
		return "NOT_CONFIGURED"
	case TxStatusInvalid:
		return "INVALID"
	case TxStatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ConfigureRequest registers a client on a channel
type ConfigureRequest struct {
	ClientID      string `cbor:"1,keyasint"`
	Channel       uint8  `cbor:"2,keyasint"`
	PayloadLength uint8  `cbor:"3,keyasint,omitempty"`
}

// TxRequest asks the hub to put a frame on the air
type TxRequest struct {
	ClientID    string `cbor:"1,keyasint"`
	Frame       []byte `cbor:"2,keyasint"`
	AckRequired bool   `cbor:"3,keyasint"`
}

// ChannelRequest retunes a client
type ChannelRequest struct {
	ClientID string `cbor:"1,keyasint"`
	Channel  uint8  `cbor:"2,keyasint"`
}

// FlushRequest empties a client's transmit queue
type FlushRequest struct {
	ClientID string `cbor:"1,keyasint"`
}

// Response answers every command
type Response struct {
	Status  TxStatus `cbor:"1,keyasint"`
	Heard   int      `cbor:"2,keyasint,omitempty"` // Peers that received a tx
	Message string   `cbor:"3,keyasint,omitempty"`
}

// RxEvent is a frame heard on a channel
type RxEvent struct {
	Source  string `cbor:"1,keyasint"` // Transmitting client
	Channel uint8  `cbor:"2,keyasint"`
	Frame   []byte `cbor:"3,keyasint"`
}

// Marshal encodes a message body
func Marshal(v interface{}) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CBOR: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a message body
func Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("empty CBOR payload")
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode CBOR: %w", err)
	}
	return nil
}
