package channel

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/DeepanB2005/MRI/internal/domain"
	"github.com/DeepanB2005/MRI/internal/metrics"
)

const (
	maxBodySize       = 1 << 20  // 1MB for JSON bodies
	maxUploadSize     = 10 << 20 // 10MB for scan/audio uploads
	requestTimeout    = 120 * time.Second
	sessionCookieName = "mri_session"
	sessionMaxAge     = 86400 * 30 // 30 days
)

//go:embed web_templates/*.html
var templateFS embed.FS

// Predictor classifies uploaded scans.
type Predictor interface {
	Predict(ctx context.Context, image []byte, filename string) (*domain.PredictionResult, error)
	Healthy(ctx context.Context) error
	Configured() bool
}

// Transcriber turns uploaded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
	Configured() bool
}

// Synthesizer renders reply text as speech audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Configured() bool
}

// Sessions exposes conversation history and reset to the HTTP surface. The
// relay satisfies this.
type Sessions interface {
	History(ctx context.Context, channelName, chatID string) []domain.ChatMessage
	Clear(ctx context.Context, channelName, chatID string)
}

// Web implements domain.Channel for the browser front end. It serves the
// chat page, the JSON API, and an SSE stream for incremental reply delivery.
type Web struct {
	host    string
	port    int
	bus     domain.MessageBus
	logger  *slog.Logger
	server  *http.Server
	tmpl    *htmltemplate.Template
	version string

	sessions    Sessions
	predictor   Predictor
	reporter    domain.ReportGenerator
	transcriber Transcriber
	synthesizer Synthesizer

	// geminiConfigured feeds the gemini_configured field of /api/health.
	geminiConfigured func() bool

	metricsHandler http.HandlerFunc

	authEnabled  bool
	authUser     string
	authPassHash string

	// SSE clients keyed by session ID for targeted delivery
	sseClients   map[string]chan domain.OutboundMessage
	sseClientsMu sync.RWMutex

	// Pending synchronous /api/chat waiters keyed by session ID
	pendingResponses   map[string]chan domain.OutboundMessage
	pendingResponsesMu sync.Mutex
}

type WebChannelConfig struct {
	Host             string
	Port             int
	Logger           *slog.Logger
	Version          string
	Sessions         Sessions
	Predictor        Predictor
	Reporter         domain.ReportGenerator // optional
	Transcriber      Transcriber            // optional
	Synthesizer      Synthesizer            // optional
	GeminiConfigured func() bool
	MetricsHandler   http.HandlerFunc // optional, mounted at /metrics
	AuthEnabled      bool
	AuthUser         string
	AuthPassHash     string
}

func NewWeb(cfg WebChannelConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.GeminiConfigured == nil {
		cfg.GeminiConfigured = func() bool { return false }
	}

	tmpl := htmltemplate.Must(htmltemplate.ParseFS(templateFS, "web_templates/*.html"))

	return &Web{
		host:             cfg.Host,
		port:             cfg.Port,
		logger:           cfg.Logger,
		tmpl:             tmpl,
		version:          cfg.Version,
		sessions:         cfg.Sessions,
		predictor:        cfg.Predictor,
		reporter:         cfg.Reporter,
		transcriber:      cfg.Transcriber,
		synthesizer:      cfg.Synthesizer,
		geminiConfigured: cfg.GeminiConfigured,
		metricsHandler:   cfg.MetricsHandler,
		authEnabled:      cfg.AuthEnabled,
		authUser:         cfg.AuthUser,
		authPassHash:     cfg.AuthPassHash,
		sseClients:       make(map[string]chan domain.OutboundMessage),
		pendingResponses: make(map[string]chan domain.OutboundMessage),
	}
}

func (w *Web) Name() string { return "web" }

// Handler builds the HTTP handler without starting a listener. Start uses
// it; tests hit it directly through httptest.
func (w *Web) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", w.requireAuth(w.handleChatPage))
	mux.HandleFunc("POST /api/chat", w.requireAuth(w.handleChat))
	mux.HandleFunc("POST /api/predict", w.requireAuth(w.handlePredict))
	mux.HandleFunc("POST /api/generate-report", w.requireAuth(w.handleGenerateReport))
	mux.HandleFunc("POST /api/transcribe", w.requireAuth(w.handleTranscribe))
	mux.HandleFunc("POST /api/speak", w.requireAuth(w.handleSpeak))
	mux.HandleFunc("GET /api/health", w.handleHealth) // public endpoint
	mux.HandleFunc("GET /chat/history", w.requireAuth(w.handleHistory))
	mux.HandleFunc("POST /chat/clear", w.requireAuth(w.handleClear))
	mux.HandleFunc("GET /chat/stream", w.requireAuth(w.handleSSE))

	if w.metricsHandler != nil {
		mux.HandleFunc("GET /metrics", w.metricsHandler)
	}
	return mux
}

// attachBus wires the outbound side: replies resolve the pending /api/chat
// waiter and mirror onto the SSE stream of the owning session. The send must
// stay under pendingResponsesMu: handleChat closes superseded channels under
// the same lock, and sending on one after that close would panic.
func (w *Web) attachBus(bus domain.MessageBus) {
	w.bus = bus
	bus.OnOutbound("web", func(msg domain.OutboundMessage) {
		w.pendingResponsesMu.Lock()
		if ch, ok := w.pendingResponses[msg.ChatID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		w.pendingResponsesMu.Unlock()
		w.sendSSE(msg.ChatID, msg)
	})
}

// Start registers the outbound handler and serves HTTP until ctx is done.
func (w *Web) Start(ctx context.Context, bus domain.MessageBus) error {
	w.attachBus(bus)

	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:    addr,
		Handler: w.Handler(),
	}

	w.logger.Info("web channel started", "addr", "http://"+addr, "auth", w.authEnabled)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.server.Shutdown(shutdownCtx)
	}()

	if err := w.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (w *Web) Stop() error {
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

// requireAuth wraps a handler with HTTP Basic Auth when auth is enabled.
func (w *Web) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !w.authEnabled {
			next(rw, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !w.checkCredentials(user, pass) {
			rw.Header().Set("WWW-Authenticate", `Basic realm="MRI"`)
			http.Error(rw, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(rw, r)
	}
}

// checkCredentials verifies username and SHA-256 hashed password.
func (w *Web) checkCredentials(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(w.authUser)) != 1 {
		return false
	}
	hash := sha256.Sum256([]byte(pass))
	got := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.authPassHash)) == 1
}

// getOrCreateSession returns a persistent session ID from cookies, creating
// one when absent. The session ID doubles as the conversation ChatID.
func (w *Web) getOrCreateSession(r *http.Request, rw http.ResponseWriter) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value
	}

	b := make([]byte, 16)
	var sessionID string
	if _, err := rand.Read(b); err != nil {
		sessionID = fmt.Sprintf("web_%d", time.Now().UnixNano())
		w.logger.Warn("rand.Read failed, using fallback session ID", "err", err)
	} else {
		sessionID = "web_" + hex.EncodeToString(b)
	}

	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sessionID
}

func (w *Web) handleChatPage(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(rw, r)
		return
	}
	w.getOrCreateSession(r, rw)
	if err := w.tmpl.ExecuteTemplate(rw, "chat.html", map[string]any{
		"Title":   "MRI Assistant",
		"Version": w.version,
	}); err != nil {
		w.logger.Error("template error", "template", "chat", "err", err)
	}
}

// handleChat accepts one user turn and blocks until the agent reply lands
// or the request times out.
func (w *Web) handleChat(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	var req struct {
		Message string         `json:"message"`
		Context map[string]any `json:"context"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil || json.Unmarshal(body, &req) != nil || req.Message == "" {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "message is required"})
		return
	}

	sessionID := w.getOrCreateSession(r, rw)

	responseCh := make(chan domain.OutboundMessage, 1)
	w.pendingResponsesMu.Lock()
	// A newer request supersedes any still-pending one for this session.
	if oldCh, exists := w.pendingResponses[sessionID]; exists {
		close(oldCh)
	}
	w.pendingResponses[sessionID] = responseCh
	w.pendingResponsesMu.Unlock()
	defer func() {
		w.pendingResponsesMu.Lock()
		if ch, ok := w.pendingResponses[sessionID]; ok && ch == responseCh {
			delete(w.pendingResponses, sessionID)
		}
		w.pendingResponsesMu.Unlock()
	}()

	metrics.TurnsTotal.Inc()
	w.bus.Publish(domain.InboundMessage{
		Channel:   "web",
		ChatID:    sessionID,
		SenderID:  "web_user",
		Content:   req.Message,
		Context:   req.Context,
		Timestamp: time.Now(),
	})

	timeout := time.NewTimer(requestTimeout)
	defer timeout.Stop()
	select {
	case msg, ok := <-responseCh:
		if !ok {
			rw.WriteHeader(http.StatusConflict)
			json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "superseded by new request"})
			return
		}
		if msg.Failed {
			metrics.TurnsFailed.Inc()
			json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": msg.Content})
			return
		}
		json.NewEncoder(rw).Encode(map[string]any{"success": true, "response": msg.Content})
	case <-timeout.C:
		rw.WriteHeader(http.StatusGatewayTimeout)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "request timed out"})
	case <-r.Context().Done():
		w.logger.Info("web client disconnected", "session", sessionID)
	}
}

func (w *Web) handlePredict(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	if w.predictor == nil || !w.predictor.Configured() {
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "inference service not configured"})
		return
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "invalid upload"})
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "image file is required"})
		return
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "cannot read upload"})
		return
	}

	metrics.PredictionsTotal.Inc()
	start := time.Now()
	result, err := w.predictor.Predict(r.Context(), image, header.Filename)
	metrics.PredictionLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		w.logger.Error("prediction failed", "err", err)
		rw.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "prediction failed"})
		return
	}
	json.NewEncoder(rw).Encode(result)
}

func (w *Web) handleGenerateReport(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	if w.reporter == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "report generation not configured"})
		return
	}

	var req struct {
		Diagnosis  string  `json:"diagnosis"`
		Confidence float64 `json:"confidence"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil || json.Unmarshal(body, &req) != nil || req.Diagnosis == "" {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "diagnosis is required"})
		return
	}

	report, err := w.reporter.GenerateReport(r.Context(), req.Diagnosis, req.Confidence)
	if err != nil {
		w.logger.Error("report generation failed", "err", err)
		rw.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "report generation failed"})
		return
	}
	metrics.ReportsTotal.Inc()
	json.NewEncoder(rw).Encode(map[string]any{"success": true, "report": report})
}

func (w *Web) handleTranscribe(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	if w.transcriber == nil || !w.transcriber.Configured() {
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "transcription not configured"})
		return
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "invalid upload"})
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "audio file is required"})
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "cannot read upload"})
		return
	}

	text, err := w.transcriber.Transcribe(r.Context(), audio, header.Filename)
	if err != nil {
		w.logger.Error("transcription failed", "err", err)
		rw.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "transcription failed"})
		return
	}
	json.NewEncoder(rw).Encode(map[string]any{"success": true, "text": text})
}

// handleSpeak returns MP3 audio for reply text.
func (w *Web) handleSpeak(rw http.ResponseWriter, r *http.Request) {
	if w.synthesizer == nil || !w.synthesizer.Configured() {
		rw.Header().Set("Content-Type", "application/json; charset=utf-8")
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "speech synthesis not configured"})
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil || json.Unmarshal(body, &req) != nil || req.Text == "" {
		rw.Header().Set("Content-Type", "application/json; charset=utf-8")
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "text is required"})
		return
	}

	audio, err := w.synthesizer.Synthesize(r.Context(), req.Text)
	if err != nil {
		w.logger.Error("speech synthesis failed", "err", err)
		rw.Header().Set("Content-Type", "application/json; charset=utf-8")
		rw.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(rw).Encode(map[string]any{"success": false, "error": "speech synthesis failed"})
		return
	}
	rw.Header().Set("Content-Type", "audio/mpeg")
	rw.Write(audio)
}

func (w *Web) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	modelsLoaded := false
	if w.predictor != nil && w.predictor.Configured() {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		modelsLoaded = w.predictor.Healthy(ctx) == nil
	}

	json.NewEncoder(rw).Encode(map[string]any{
		"status":            "healthy",
		"models_loaded":     modelsLoaded,
		"gemini_configured": w.geminiConfigured(),
	})
}

func (w *Web) handleHistory(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	sessionID := w.getOrCreateSession(r, rw)
	messages := w.sessions.History(r.Context(), "web", sessionID)
	if messages == nil {
		messages = []domain.ChatMessage{}
	}
	json.NewEncoder(rw).Encode(map[string]any{"messages": messages})
}

func (w *Web) handleClear(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	sessionID := w.getOrCreateSession(r, rw)
	w.sessions.Clear(r.Context(), "web", sessionID)
	json.NewEncoder(rw).Encode(map[string]any{"status": "cleared"})
}

func (w *Web) handleSSE(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sessionID := w.getOrCreateSession(r, rw)

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")

	ch := make(chan domain.OutboundMessage, 10)

	w.sseClientsMu.Lock()
	w.sseClients[sessionID] = ch
	w.sseClientsMu.Unlock()
	metrics.SSEConnections.Inc()

	defer func() {
		w.sseClientsMu.Lock()
		if existing, ok := w.sseClients[sessionID]; ok && existing == ch {
			delete(w.sseClients, sessionID)
		}
		w.sseClientsMu.Unlock()
		metrics.SSEConnections.Dec()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			data, _ := json.Marshal(map[string]any{
				"content": msg.Content,
				"failed":  msg.Failed,
			})
			fmt.Fprintf(rw, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// sendSSE delivers a reply to the SSE client that owns the session.
func (w *Web) sendSSE(sessionID string, msg domain.OutboundMessage) {
	w.sseClientsMu.RLock()
	ch, ok := w.sseClients[sessionID]
	w.sseClientsMu.RUnlock()
	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
}
