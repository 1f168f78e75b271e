// Package console provides the byte-stream link to the operator: a serial
// port, a websocket or the process's own stdio.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
)

// Connection carries console bytes in both directions
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// Config selects and parameterizes the console connection
type Config struct {
	Port     string // Serial device, e.g. /dev/ttyUSB0
	BaudRate int
	URL      string // ws:// or wss:// endpoint
	Token    string // Bearer token for the websocket endpoint
}

// DefaultConfig returns the console defaults: stdio at 115200 baud when a
// port is given
func DefaultConfig() Config {
	return Config{BaudRate: 115200}
}

// SerialConnection wraps a serial port
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *SerialConnection) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *SerialConnection) Close() error                { return s.port.Close() }

// OpenSerial opens a serial port at 8N1
func OpenSerial(portName string, baudRate int) (*SerialConnection, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return &SerialConnection{port: port}, nil
}

// ErrConnectionClosed is returned when reading from a closed websocket
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocketConnection exposes a websocket as a byte stream. Binary and text
// messages are both accepted; writes go out as text messages.
type WebSocketConnection struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
	closed    bool
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if len(data) == 0 {
			continue
		}

		w.buf = data
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// OpenWebSocket dials a websocket console endpoint
func OpenWebSocket(ctx context.Context, wsURL, token string) (*WebSocketConnection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	headers := http.Header{}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connection failed: %w", err)
	}
	return &WebSocketConnection{conn: conn}, nil
}

// stdio joins stdin and stdout
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return nil }

// Open opens the connection selected by cfg: websocket when a URL is set,
// serial when a port is set, stdio otherwise. The description is for logs.
func Open(ctx context.Context, cfg Config) (Connection, string, error) {
	if cfg.URL != "" {
		conn, err := OpenWebSocket(ctx, cfg.URL, cfg.Token)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("websocket %s", cfg.URL), nil
	}

	if cfg.Port != "" {
		baud := cfg.BaudRate
		if baud == 0 {
			baud = DefaultConfig().BaudRate
		}
		conn, err := OpenSerial(cfg.Port, baud)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("serial %s @ %d baud", cfg.Port, baud), nil
	}

	return stdio{}, "stdio", nil
}
