package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// BinaryMarker introduces a binary frame on the console stream
const BinaryMarker = 'b'

// maxLine bounds a text line
const maxLine = 256

// ErrLineTooLong is returned when a text line exceeds maxLine bytes
var ErrLineTooLong = errors.New("console line too long")

// Frame is one unit read from the console: either a binary command frame
// whose first byte is its total size, or a text line.
type Frame struct {
	Binary []byte
	Text   string
}

// IsBinary reports whether the frame is a binary frame
func (f Frame) IsBinary() bool {
	return f.Binary != nil
}

// Reader splits a console byte stream into frames
type Reader struct {
	r *bufio.Reader
}

// NewReader creates a frame reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next frame. Empty lines are skipped. A binary frame is
// 'b' followed by the frame, whose first byte counts the whole frame.
func (r *Reader) Next() (Frame, error) {
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			return Frame{}, err
		}

		switch c {
		case '\r', '\n':
			continue
		case BinaryMarker:
			return r.readBinary()
		default:
			if err := r.r.UnreadByte(); err != nil {
				return Frame{}, err
			}
			line, err := r.readLine()
			if err != nil {
				return Frame{}, err
			}
			if line == "" {
				continue
			}
			return Frame{Text: line}, nil
		}
	}
}

func (r *Reader) readBinary() (Frame, error) {
	size, err := r.r.ReadByte()
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read binary frame size: %w", err)
	}
	if size == 0 {
		return Frame{Binary: []byte{}}, nil
	}

	frame := make([]byte, size)
	frame[0] = size
	if _, err := io.ReadFull(r.r, frame[1:]); err != nil {
		return Frame{}, fmt.Errorf("failed to read binary frame: %w", err)
	}
	return Frame{Binary: frame}, nil
}

func (r *Reader) readLine() (string, error) {
	var sb strings.Builder
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			// Last line without newline
			if errors.Is(err, io.EOF) && sb.Len() > 0 {
				return strings.TrimSpace(sb.String()), nil
			}
			return "", err
		}
		if c == '\n' {
			return strings.TrimRight(sb.String(), "\r \t"), nil
		}
		if sb.Len() >= maxLine {
			// Discard the rest of the line
			if _, err := r.r.ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
				return "", err
			}
			return "", ErrLineTooLong
		}
		sb.WriteByte(c)
	}
}
