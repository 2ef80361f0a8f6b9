package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// TTS synthesizes speech through an OpenAI-compatible /v1/audio/speech
// endpoint. Used by voice-capable channels to read replies aloud.
type TTS struct {
	apiKey  string
	apiBase string
	model   string
	voice   string
	client  *http.Client
	logger  *slog.Logger
}

type TTSConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Voice   string
	Logger  *slog.Logger
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	return &TTS{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		voice:   cfg.Voice,
		client:  newHTTPClient(defaultHTTPTimeout),
		logger:  cfg.Logger,
	}
}

func (t *TTS) Configured() bool { return t.apiKey != "" }

// Synthesize returns MP3 audio for the given text.
func (t *TTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if !t.Configured() {
		return nil, fmt.Errorf("tts: API key not configured")
	}

	payload, err := json.Marshal(map[string]string{
		"model": t.model,
		"voice": t.voice,
		"input": text,
	})
	if err != nil {
		return nil, err
	}

	buildReq := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			t.apiBase+"/v1/audio/speech", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
		return req, nil
	}

	resp, err := doWithRetry(ctx, t.client, buildReq, t.logger)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tts %d: %s", resp.StatusCode, string(respBody))
	}
	return io.ReadAll(resp.Body)
}
