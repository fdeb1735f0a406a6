package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func recvFrame(t *testing.T, tr Transport) []byte {
	t.Helper()
	select {
	case frame := <-tr.Messages():
		return frame
	case err := <-tr.Errors():
		t.Fatalf("transport error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

func TestStdioEcho(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: "cat"}, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = tr.Close() }()

	if !tr.Connected() {
		t.Fatal("expected connected transport")
	}

	if err := tr.Send([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	frame := recvFrame(t, tr)
	if string(frame) != `{"jsonrpc":"2.0","id":1,"method":"ping"}` {
		t.Errorf("frame = %q", frame)
	}
}

// waitClosed drains Messages until the channel is closed, failing the test if
// it stays open. A consumer ranging over Messages must be released by Close.
func waitClosed(t *testing.T, tr Transport) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-tr.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Messages() still open after Close")
		}
	}
}

func TestStdioMessagesClosedAfterClose(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: "cat"}, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitClosed(t, tr)

	if err := tr.Connect(context.Background()); err == nil {
		t.Error("expected reconnect after Close to fail")
	}
}

func TestStdioMessagesClosedOnProcessExit(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: "true"}, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = tr.Close() }()
	waitClosed(t, tr)
}

func TestStdioCommandNotFound(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: "definitely-not-a-real-binary-xyz"}, nil)
	if err := tr.Connect(context.Background()); err == nil {
		_ = tr.Close()
		t.Fatal("expected Connect to fail")
	}
}

func TestStdioSendBeforeConnect(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: "cat"}, nil)
	if err := tr.Send([]byte("x")); err == nil {
		t.Fatal("expected ErrNotConnected")
	}
}

func TestSocketEcho(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr := NewSocket(SocketConfig{URL: url}, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = tr.Close() }()

	if err := tr.Send([]byte(`{"hello":"socket"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	frame := recvFrame(t, tr)
	if string(frame) != `{"hello":"socket"}` {
		t.Errorf("frame = %q", frame)
	}
}

func TestSocketMessagesClosedAfterClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr := NewSocket(SocketConfig{URL: url}, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitClosed(t, tr)

	if err := tr.Connect(context.Background()); err == nil {
		t.Error("expected reconnect after Close to fail")
	}
}

func TestSocketRejectsNonWebsocketScheme(t *testing.T) {
	tr := NewSocket(SocketConfig{URL: "http://localhost:1"}, nil)
	if err := tr.Connect(context.Background()); err == nil {
		_ = tr.Close()
		t.Fatal("expected scheme rejection")
	}
}
