package channel

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DeepanB2005/MRI/internal/bus"
	"github.com/DeepanB2005/MRI/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSessions struct {
	history []domain.ChatMessage
	cleared bool
}

func (f *fakeSessions) History(ctx context.Context, channelName, chatID string) []domain.ChatMessage {
	return f.history
}

func (f *fakeSessions) Clear(ctx context.Context, channelName, chatID string) {
	f.cleared = true
}

type fakePredictor struct {
	configured bool
	healthy    bool
	result     *domain.PredictionResult
	err        error
}

func (f *fakePredictor) Configured() bool { return f.configured }

func (f *fakePredictor) Healthy(ctx context.Context) error {
	if f.healthy {
		return nil
	}
	return context.DeadlineExceeded
}

func (f *fakePredictor) Predict(ctx context.Context, image []byte, filename string) (*domain.PredictionResult, error) {
	return f.result, f.err
}

type fakeReporter struct {
	report string
	err    error
}

func (f *fakeReporter) GenerateReport(ctx context.Context, diagnosis string, confidence float64) (string, error) {
	return f.report, f.err
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Configured() bool { return true }
func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	return f.text, f.err
}

// respondWith wires a bus that answers every inbound message through fn.
func respondWith(t *testing.T, w *Web, fn func(domain.InboundMessage) domain.OutboundMessage) {
	t.Helper()
	b := bus.New(16, testLogger())
	t.Cleanup(b.Close)
	w.attachBus(b)
	go func() {
		for msg := range b.Subscribe() {
			b.SendOutbound(fn(msg))
		}
	}()
}

func newTestWeb(cfg WebChannelConfig) *Web {
	cfg.Logger = testLogger()
	if cfg.Sessions == nil {
		cfg.Sessions = &fakeSessions{}
	}
	return NewWeb(cfg)
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	payload, _ := json.Marshal(body)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestChat_RoundTrip(t *testing.T) {
	w := newTestWeb(WebChannelConfig{})
	respondWith(t, w, func(msg domain.InboundMessage) domain.OutboundMessage {
		return domain.OutboundMessage{
			Channel: msg.Channel, ChatID: msg.ChatID,
			Content: "answer to: " + msg.Content,
		}
	})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, out := postJSON(t, srv, "/api/chat", map[string]any{"message": "what is a glioma?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["success"] != true {
		t.Fatalf("expected success, got %v", out)
	}
	if out["response"] != "answer to: what is a glioma?" {
		t.Errorf("unexpected response %v", out["response"])
	}
}

func TestChat_ContextForwarded(t *testing.T) {
	w := newTestWeb(WebChannelConfig{})
	var gotCtx map[string]any
	respondWith(t, w, func(msg domain.InboundMessage) domain.OutboundMessage {
		gotCtx = msg.Context
		return domain.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: "ok"}
	})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	postJSON(t, srv, "/api/chat", map[string]any{
		"message": "tell me more",
		"context": map[string]any{"diagnosis": "glioma"},
	})
	if gotCtx["diagnosis"] != "glioma" {
		t.Errorf("context not forwarded: %v", gotCtx)
	}
}

func TestChat_FailedReply(t *testing.T) {
	w := newTestWeb(WebChannelConfig{})
	respondWith(t, w, func(msg domain.InboundMessage) domain.OutboundMessage {
		return domain.OutboundMessage{
			Channel: msg.Channel, ChatID: msg.ChatID,
			Content: "Server error", Failed: true,
		}
	})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	_, out := postJSON(t, srv, "/api/chat", map[string]any{"message": "hi"})
	if out["success"] != false {
		t.Fatalf("expected failure, got %v", out)
	}
	if out["error"] != "Server error" {
		t.Errorf("unexpected error %v", out["error"])
	}
}

func TestChat_ConcurrentSupersedeAndDelivery(t *testing.T) {
	w := newTestWeb(WebChannelConfig{})
	b := bus.New(64, testLogger())
	t.Cleanup(b.Close)
	w.attachBus(b)
	// Drain the inbound queue so Publish never blocks the handler.
	go func() {
		for range b.Subscribe() {
		}
	}()

	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	const chatID = "web_race"

	// Hammer the outbound side while overlapping /api/chat requests for the
	// same session keep superseding each other's pending channel. Sending a
	// reply into a channel that supersession just closed would panic.
	stop := make(chan struct{})
	var senders sync.WaitGroup
	for i := 0; i < 4; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			for {
				select {
				case <-stop:
					return
				default:
					b.SendOutbound(domain.OutboundMessage{
						Channel: "web", ChatID: chatID, Content: "reply",
					})
				}
			}
		}()
	}

	var chatters sync.WaitGroup
	for i := 0; i < 4; i++ {
		chatters.Add(1)
		go func() {
			defer chatters.Done()
			for j := 0; j < 25; j++ {
				req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/chat",
					strings.NewReader(`{"message":"hi"}`))
				if err != nil {
					t.Error(err)
					return
				}
				req.Header.Set("Content-Type", "application/json")
				req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: chatID})
				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					t.Errorf("chat request: %v", err)
					return
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				// 200 (delivered) and 409 (superseded) are both fine here;
				// the test is that the process survives the race.
				if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
					t.Errorf("status = %d", resp.StatusCode)
				}
			}
		}()
	}

	chatters.Wait()
	close(stop)
	senders.Wait()
}

func TestChat_EmptyMessageRejected(t *testing.T) {
	w := newTestWeb(WebChannelConfig{})
	respondWith(t, w, func(msg domain.InboundMessage) domain.OutboundMessage {
		t.Error("empty message should not reach the bus")
		return domain.OutboundMessage{}
	})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, _ := postJSON(t, srv, "/api/chat", map[string]any{"message": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	w := newTestWeb(WebChannelConfig{
		Predictor:        &fakePredictor{configured: true, healthy: true},
		GeminiConfigured: func() bool { return true },
	})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if out["status"] != "healthy" {
		t.Errorf("status = %v", out["status"])
	}
	if out["models_loaded"] != true {
		t.Errorf("models_loaded = %v", out["models_loaded"])
	}
	if out["gemini_configured"] != true {
		t.Errorf("gemini_configured = %v", out["gemini_configured"])
	}
}

func TestHealth_DegradedDependencies(t *testing.T) {
	w := newTestWeb(WebChannelConfig{
		Predictor: &fakePredictor{configured: true, healthy: false},
	})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)

	// Degraded dependencies still report a healthy gateway.
	if out["status"] != "healthy" {
		t.Errorf("status = %v", out["status"])
	}
	if out["models_loaded"] != false || out["gemini_configured"] != false {
		t.Errorf("unexpected health %v", out)
	}
}

func uploadFile(t *testing.T, srv *httptest.Server, path, field, filename string, content []byte) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile(field, filename)
	part.Write(content)
	mw.Close()

	resp, err := http.Post(srv.URL+path, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestPredict(t *testing.T) {
	w := newTestWeb(WebChannelConfig{
		Predictor: &fakePredictor{
			configured: true,
			result: &domain.PredictionResult{
				Success:       true,
				TopPrediction: domain.Prediction{Disease: "glioma", Confidence: 96.2},
				AllPredictions: []domain.Prediction{
					{Disease: "glioma", Confidence: 96.2},
					{Disease: "notumor", Confidence: 3.8},
				},
			},
		},
	})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, out := uploadFile(t, srv, "/api/predict", "image", "scan.png", []byte("png-bytes"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	top := out["top_prediction"].(map[string]any)
	if top["disease"] != "glioma" {
		t.Errorf("top disease = %v", top["disease"])
	}
}

func TestPredict_NotConfigured(t *testing.T) {
	w := newTestWeb(WebChannelConfig{Predictor: &fakePredictor{configured: false}})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, _ := uploadFile(t, srv, "/api/predict", "image", "scan.png", []byte("x"))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestPredict_MissingFile(t *testing.T) {
	w := newTestWeb(WebChannelConfig{Predictor: &fakePredictor{configured: true}})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, _ := uploadFile(t, srv, "/api/predict", "wrongfield", "scan.png", []byte("x"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGenerateReport(t *testing.T) {
	w := newTestWeb(WebChannelConfig{Reporter: &fakeReporter{report: "## Report\nDetails"}})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, out := postJSON(t, srv, "/api/generate-report", map[string]any{
		"diagnosis": "meningioma", "confidence": 88.1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["success"] != true || !strings.HasPrefix(out["report"].(string), "## Report") {
		t.Errorf("unexpected body %v", out)
	}
}

func TestGenerateReport_MissingDiagnosis(t *testing.T) {
	w := newTestWeb(WebChannelConfig{Reporter: &fakeReporter{report: "x"}})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, _ := postJSON(t, srv, "/api/generate-report", map[string]any{"confidence": 1.0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTranscribe(t *testing.T) {
	w := newTestWeb(WebChannelConfig{Transcriber: &fakeTranscriber{text: "what is a glioma"}})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, out := uploadFile(t, srv, "/api/transcribe", "audio", "voice.ogg", []byte("ogg"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["text"] != "what is a glioma" {
		t.Errorf("text = %v", out["text"])
	}
}

func TestHistoryAndClear(t *testing.T) {
	sessions := &fakeSessions{history: []domain.ChatMessage{
		{ID: "1", Sender: domain.SenderUser, Text: "hi", CreatedAt: time.Now()},
	}}
	w := newTestWeb(WebChannelConfig{Sessions: sessions})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/chat/history")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if len(out.Messages) != 1 || out.Messages[0].Text != "hi" {
		t.Errorf("unexpected history %+v", out.Messages)
	}

	postJSON(t, srv, "/chat/clear", nil)
	if !sessions.cleared {
		t.Error("clear not propagated to session store")
	}
}

func TestAuth(t *testing.T) {
	hash := sha256.Sum256([]byte("hunter2"))
	w := newTestWeb(WebChannelConfig{
		AuthEnabled:  true,
		AuthUser:     "admin",
		AuthPassHash: hex.EncodeToString(hash[:]),
	})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/chat/history")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", srv.URL+"/chat/history", nil)
	req.SetBasicAuth("admin", "hunter2")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp2.StatusCode)
	}

	// Health stays public.
	resp3, _ := http.Get(srv.URL + "/api/health")
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp3.StatusCode)
	}
}
