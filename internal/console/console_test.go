package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestReaderSplitsFrames(t *testing.T) {
	stream := []byte("msg 2 06 49\r\n")
	stream = append(stream, 'b', 4, 0xEC, 0x03, 0x0C)
	stream = append(stream, []byte("\n\nstatus please\nlast")...)

	r := NewReader(bytes.NewReader(stream))

	f, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if f.IsBinary() || f.Text != "msg 2 06 49" {
		t.Errorf("Frame 1: got %+v", f)
	}

	f, err = r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if !f.IsBinary() || !bytes.Equal(f.Binary, []byte{4, 0xEC, 0x03, 0x0C}) {
		t.Errorf("Frame 2: got %+v", f)
	}

	f, err = r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if f.Text != "status please" {
		t.Errorf("Frame 3: got %+v", f)
	}

	f, err = r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if f.Text != "last" {
		t.Errorf("Frame 4: got %+v", f)
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF, got %v", err)
	}
}

func TestReaderTruncatedBinary(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{'b', 6, 0xEC, 0x02}))
	if _, err := r.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestReaderLongLine(t *testing.T) {
	long := strings.Repeat("x", maxLine+10) + "\nmsg 1 AA\n"
	r := NewReader(strings.NewReader(long))

	if _, err := r.Next(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("Expected ErrLineTooLong, got %v", err)
	}
	f, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if f.Text != "msg 1 AA" {
		t.Errorf("Expected reader to resync, got %+v", f)
	}
}

func TestReporter(t *testing.T) {
	var buf bytes.Buffer
	rep := NewReporter(&buf)
	rep.Report("send_msg:success;retries:%d", 0)
	rep.Report("channel:%d", 12)

	want := "send_msg:success;retries:0\r\nchannel:12\r\n"
	if buf.String() != want {
		t.Errorf("Output: got %q, want %q", buf.String(), want)
	}

	// Log only
	NewReporter(nil).Report("startup")
}

func TestWebSocketConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte("msg 1 AA\n"))
		conn.WriteMessage(websocket.BinaryMessage, []byte{'b', 3, 0xEC, 0x01})
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- string(data)
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	if _, err := OpenWebSocket(context.Background(), wsURL, "wrong"); err == nil {
		t.Fatal("Expected unauthorized dial to fail")
	}

	conn, err := OpenWebSocket(context.Background(), wsURL, "secret")
	if err != nil {
		t.Fatalf("OpenWebSocket failed: %v", err)
	}
	defer conn.Close()

	r := NewReader(conn)
	f, err := r.Next()
	if err != nil || f.Text != "msg 1 AA" {
		t.Fatalf("Text frame: got %+v, %v", f, err)
	}
	f, err = r.Next()
	if err != nil || !bytes.Equal(f.Binary, []byte{3, 0xEC, 0x01}) {
		t.Fatalf("Binary frame: got %+v, %v", f, err)
	}

	NewReporter(conn).Report("channel:%d", 10)
	select {
	case got := <-received:
		if got != "channel:10\r\n" {
			t.Errorf("Server received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Server never received the report")
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF after close, got %v", err)
	}
}

func TestOpenSelectsConnection(t *testing.T) {
	conn, desc, err := Open(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if desc != "stdio" {
		t.Errorf("Description: got %q", desc)
	}
	conn.Close()

	if _, _, err := Open(context.Background(), Config{URL: "http://example.com"}); err == nil {
		t.Error("Expected unsupported scheme error")
	}
}
