package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DeepanB2005/MRI/internal/domain"
	"github.com/DeepanB2005/MRI/internal/metrics"
	"github.com/DeepanB2005/MRI/internal/session"
)

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	Host      string
	Port      int
	Path      string // WebSocket endpoint path (default: /ws)
	StepDelay time.Duration
	Logger    *slog.Logger
}

// WebSocketChannel streams replies to connected clients. Finished replies
// are revealed as growing prefixes over "stream" frames, then finalized
// with one "message" frame.
type WebSocketChannel struct {
	host      string
	port      int
	path      string
	stepDelay time.Duration
	bus       domain.MessageBus
	logger    *slog.Logger
	server    *http.Server

	mu      sync.RWMutex
	clients map[string]*wsClient
	writers map[string]*session.Typewriter // keyed by chatID
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

// WSMessage is the JSON protocol of the channel.
type WSMessage struct {
	Type    string         `json:"type"` // "message" | "stream" | "status"
	Content string         `json:"content,omitempty"`
	ChatID  string         `json:"chat_id,omitempty"`
	UserID  string         `json:"user_id,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	Failed  bool           `json:"failed,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // configure CORS before exposing beyond localhost
	},
}

func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.StepDelay == 0 {
		cfg.StepDelay = 15 * time.Millisecond
	}
	return &WebSocketChannel{
		host:      cfg.Host,
		port:      cfg.Port,
		path:      cfg.Path,
		stepDelay: cfg.StepDelay,
		logger:    cfg.Logger,
		clients:   make(map[string]*wsClient),
		writers:   make(map[string]*session.Typewriter),
	}
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

// Start begins the WebSocket server and blocks until ctx is done.
func (ws *WebSocketChannel) Start(ctx context.Context, bus domain.MessageBus) error {
	ws.bus = bus

	bus.OnOutbound("websocket", func(msg domain.OutboundMessage) {
		go ws.streamReply(ctx, msg)
	})

	mux := http.NewServeMux()
	mux.HandleFunc(ws.path, ws.handleUpgrade)

	ws.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", ws.host, ws.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.logger.Info("websocket channel started", "addr", ws.server.Addr, "path", ws.path)

	errCh := make(chan error, 1)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ws.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ws.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (ws *WebSocketChannel) Stop() error {
	ws.closeAllClients()
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}

// streamReply reveals a finished reply prefix by prefix, then sends the
// final frame. Failed replies skip the reveal and go out whole.
func (ws *WebSocketChannel) streamReply(ctx context.Context, msg domain.OutboundMessage) {
	final := WSMessage{
		Type:    "message",
		Content: msg.Content,
		ChatID:  msg.ChatID,
		Failed:  msg.Failed,
	}
	if msg.Failed {
		ws.broadcastToChat(msg.ChatID, final)
		return
	}

	ws.mu.Lock()
	tw, ok := ws.writers[msg.ChatID]
	if !ok {
		tw = session.NewTypewriter()
		ws.writers[msg.ChatID] = tw
	}
	ws.mu.Unlock()

	reveal := tw.Reveal(ctx, msg.Content, ws.stepDelay)
	for prefix := range reveal.Steps {
		ws.broadcastToChat(msg.ChatID, WSMessage{
			Type:    "stream",
			Content: prefix,
			ChatID:  msg.ChatID,
		})
	}
	select {
	case <-reveal.Done:
		ws.broadcastToChat(msg.ChatID, final)
	default:
		// Reveal was canceled by a newer reply; that reply owns the stream.
	}
}

func (ws *WebSocketChannel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = fmt.Sprintf("ws-%d", time.Now().UnixNano())
	}

	client := &wsClient{conn: conn, chatID: chatID}
	clientID := fmt.Sprintf("%s-%p", chatID, conn)

	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()
	metrics.WSConnections.Inc()

	ws.logger.Info("websocket client connected", "client_id", clientID, "chat_id", chatID)
	client.send(WSMessage{Type: "status", Content: "connected", ChatID: chatID})

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.pruneWriterLocked(chatID)
		ws.mu.Unlock()
		metrics.WSConnections.Dec()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(message, &wsMsg); err != nil {
			ws.logger.Warn("invalid websocket message", "err", err)
			continue
		}

		if wsMsg.Type != "message" {
			continue
		}
		ws.bus.Publish(domain.InboundMessage{
			Channel:   "websocket",
			ChatID:    chatID,
			SenderID:  wsMsg.UserID,
			Content:   wsMsg.Content,
			Context:   wsMsg.Context,
			Timestamp: time.Now(),
		})
	}
}

// pruneWriterLocked drops the chat's typewriter once its last client is
// gone, so the writers map does not grow for the life of the process.
// Caller holds ws.mu.
func (ws *WebSocketChannel) pruneWriterLocked(chatID string) {
	for _, c := range ws.clients {
		if c.chatID == chatID {
			return
		}
	}
	if tw, ok := ws.writers[chatID]; ok {
		tw.Stop()
		delete(ws.writers, chatID)
	}
}

func (ws *WebSocketChannel) broadcastToChat(chatID string, msg WSMessage) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, client := range ws.clients {
		if client.chatID != chatID {
			continue
		}
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			ws.logger.Debug("websocket write failed", "err", err)
		}
	}
}

func (c *wsClient) send(msg WSMessage) {
	data, _ := json.Marshal(msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocketChannel) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}
