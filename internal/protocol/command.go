package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Exec commands carried in a PidExecCmd frame
const (
	CmdStatus  uint8 = 0x01 // Report radio configuration
	CmdSend    uint8 = 0x02 // Queue a raw frame for transmission
	CmdChannel uint8 = 0x03 // Switch radio channel
)

// CommandOverhead is the size, pid and command bytes of a command frame
const CommandOverhead = 3

// TextSendPrefix introduces a text send request on the console
const TextSendPrefix = "msg"

var (
	ErrMalformedCommand = errors.New("malformed command frame")
	ErrNotCommand       = errors.New("not a command frame")
	ErrUnknownText      = errors.New("unrecognized text command")
)

// CommandFrame is a console instruction: [size][pid][cmd][params...]
type CommandFrame struct {
	Size       uint8
	ProtocolID uint8
	Command    uint8
	Params     []byte
}

// Validate checks the size invariant and the protocol id
func (f *CommandFrame) Validate() error {
	if f.ProtocolID != PidExecCmd {
		return fmt.Errorf("%w: pid 0x%02X", ErrNotCommand, f.ProtocolID)
	}
	if f.Size < CommandOverhead || int(f.Size)-CommandOverhead != len(f.Params) {
		return fmt.Errorf("%w: size=%d params=%d", ErrMalformedCommand, f.Size, len(f.Params))
	}
	return nil
}

// Encode serializes the command frame
func (f *CommandFrame) Encode() []byte {
	buf := make([]byte, CommandOverhead+len(f.Params))
	buf[0] = f.Size
	buf[1] = f.ProtocolID
	buf[2] = f.Command
	copy(buf[CommandOverhead:], f.Params)
	return buf
}

// CommandName returns a short name for an exec command
func CommandName(cmd uint8) string {
	switch cmd {
	case CmdStatus:
		return "status"
	case CmdSend:
		return "send"
	case CmdChannel:
		return "channel"
	default:
		return fmt.Sprintf("0x%02X", cmd)
	}
}

// ParseBinary parses a binary console frame. The returned frame is
// validated; ErrNotCommand is returned for frames with another pid so the
// caller can log them raw.
func ParseBinary(data []byte) (*CommandFrame, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	if data[1] != PidExecCmd {
		return nil, fmt.Errorf("%w: pid 0x%02X", ErrNotCommand, data[1])
	}
	if len(data) < CommandOverhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedCommand, len(data))
	}

	f := &CommandFrame{
		Size:       data[0],
		ProtocolID: data[1],
		Command:    data[2],
	}
	// Params end where the declared size says, never past the buffer
	end := int(f.Size)
	if end > len(data) {
		end = len(data)
	}
	if end > CommandOverhead {
		f.Params = make([]byte, end-CommandOverhead)
		copy(f.Params, data[CommandOverhead:end])
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// ParseText parses a human readable console line. The only recognized
// form is "msg <size> <b1> ... <bN>" with hex tokens, which becomes an
// exec send whose params are the outbound frame [size, b1..bN].
func ParseText(line string) (*CommandFrame, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != TextSendPrefix {
		return nil, ErrUnknownText
	}
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: missing size", ErrMalformedCommand)
	}

	size, err := parseHexByte(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: size: %v", ErrMalformedCommand, err)
	}
	data := fields[2:]
	if int(size) != len(data) {
		return nil, fmt.Errorf("%w: size=%d bytes=%d", ErrMalformedCommand, size, len(data))
	}
	if int(size)+1 > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}

	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, size)
	for i, tok := range data {
		b, err := parseHexByte(tok)
		if err != nil {
			return nil, fmt.Errorf("%w: byte %d: %v", ErrMalformedCommand, i, err)
		}
		frame = append(frame, b)
	}

	return &CommandFrame{
		Size:       uint8(CommandOverhead + len(frame)),
		ProtocolID: PidExecCmd,
		Command:    CmdSend,
		Params:     frame,
	}, nil
}

func parseHexByte(tok string) (uint8, error) {
	tok = strings.TrimPrefix(strings.TrimPrefix(tok, "0x"), "0X")
	v, err := strconv.ParseUint(tok, 16, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}
