package ws

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/doebem/chat-service/internal/protocol"
)

func TestHandleConn_OversizedFrameRejectedWithoutClose(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxFrameBytes = 64
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second

	received := make(chan []byte, 1)
	s := NewServer(cfg, func(c *Connection, data []byte) {
		received <- data
	})

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	c := &Connection{
		ID:        "c1",
		Conn:      serverSide,
		Fd:        socketFD(serverSide),
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}
	s.conns.Add(c)

	// The client sends a frame twice the configured limit and waits for the
	// server's verdict.
	verdict := make(chan []byte, 1)
	go func() {
		if err := wsutil.WriteClientText(clientSide, bytes.Repeat([]byte("a"), 128)); err != nil {
			return
		}
		if data, err := wsutil.ReadServerText(clientSide); err == nil {
			verdict <- data
		}
	}()

	s.handleConn(serverSide)

	select {
	case data := <-verdict:
		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil || msgType != protocol.TypeError {
			t.Fatalf("expected an error frame, got type=%q err=%v", msgType, err)
		}
		if errMsg := msg.(protocol.ErrorMsg); errMsg.Code != "payload_too_large" {
			t.Errorf("expected payload_too_large, got %q", errMsg.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no rejection frame received")
	}

	if s.conns.Get("c1") == nil {
		t.Fatal("oversized frame must not close the connection")
	}

	// The stream stays in sync: the next well-sized frame dispatches normally.
	go func() {
		_ = wsutil.WriteClientText(clientSide, []byte(`{"type":"ping"}`))
	}()
	s.handleConn(serverSide)

	select {
	case data := <-received:
		if string(data) != `{"type":"ping"}` {
			t.Errorf("unexpected dispatch payload %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up frame was not dispatched")
	}
}
