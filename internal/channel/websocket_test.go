package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DeepanB2005/MRI/internal/bus"
	"github.com/DeepanB2005/MRI/internal/domain"
)

func dialWS(t *testing.T, srv *httptest.Server, chatID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?chat_id=" + chatID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// Consume the "connected" status frame.
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read status frame: %v", err)
	}
	return conn
}

func (ws *WebSocketChannel) hasWriter(chatID string) bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	_, ok := ws.writers[chatID]
	return ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocket_WriterPrunedOnLastDisconnect(t *testing.T) {
	ws := NewWebSocketChannel(WSConfig{StepDelay: time.Millisecond, Logger: testLogger()})
	b := bus.New(4, testLogger())
	t.Cleanup(b.Close)
	ws.bus = b

	srv := httptest.NewServer(http.HandlerFunc(ws.handleUpgrade))
	defer srv.Close()

	first := dialWS(t, srv, "c1")
	second := dialWS(t, srv, "c1")

	ws.streamReply(context.Background(), domain.OutboundMessage{
		Channel: "websocket", ChatID: "c1", Content: "hi",
	})
	if !ws.hasWriter("c1") {
		t.Fatal("streaming a reply should create the chat's writer")
	}

	// One client remains, so the writer must survive.
	first.Close()
	time.Sleep(50 * time.Millisecond)
	if !ws.hasWriter("c1") {
		t.Fatal("writer pruned while a client is still connected")
	}

	second.Close()
	waitFor(t, "writer pruning", func() bool { return !ws.hasWriter("c1") })
}

func TestWebSocket_StreamEndsWithFinalFrame(t *testing.T) {
	ws := NewWebSocketChannel(WSConfig{StepDelay: time.Millisecond, Logger: testLogger()})
	b := bus.New(4, testLogger())
	t.Cleanup(b.Close)
	ws.bus = b

	srv := httptest.NewServer(http.HandlerFunc(ws.handleUpgrade))
	defer srv.Close()

	conn := dialWS(t, srv, "c1")
	defer conn.Close()

	go ws.streamReply(context.Background(), domain.OutboundMessage{
		Channel: "websocket", ChatID: "c1", Content: "ok",
	})

	var frames []WSMessage
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		frames = append(frames, msg)
		if msg.Type == "message" {
			break
		}
	}

	final := frames[len(frames)-1]
	if final.Content != "ok" || final.Failed {
		t.Errorf("unexpected final frame %+v", final)
	}
	for _, f := range frames[:len(frames)-1] {
		if f.Type != "stream" {
			t.Errorf("expected stream frame, got %+v", f)
		}
		if !strings.HasPrefix("ok", f.Content) {
			t.Errorf("stream frame %q is not a prefix of the reply", f.Content)
		}
	}
}
