package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/DeepanB2005/MRI/internal/domain"
)

// Gemini implements domain.Responder against the Generative Language API
// (gemini-1.5-flash and friends). It also generates diagnosis reports.
type Gemini struct {
	apiKey  string
	apiBase string
	model   string
	prompts *PromptSet
	client  *http.Client
	logger  *slog.Logger
}

type GeminiConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Prompts *PromptSet
	Logger  *slog.Logger
}

func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://generativelanguage.googleapis.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	return &Gemini{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		prompts: cfg.Prompts,
		client:  newHTTPClient(defaultHTTPTimeout),
		logger:  cfg.Logger,
	}
}

func (g *Gemini) Name() string { return "gemini" }

// Configured reports whether an API key is set. The health endpoint exposes
// this as gemini_configured.
func (g *Gemini) Configured() bool { return g.apiKey != "" }

func (g *Gemini) Healthy(ctx context.Context) error {
	if !g.Configured() {
		return fmt.Errorf("gemini: API key not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiBase+"/v1beta/models?pageSize=1", nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-goog-api-key", g.apiKey)
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gemini not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("gemini: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gemini returned %d", resp.StatusCode)
	}
	return nil
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Respond answers one chat turn. The per-turn context may carry a
// "diagnosis" tag which is echoed into the prompt; everything else in the
// context is ignored here.
func (g *Gemini) Respond(ctx context.Context, req domain.ReplyRequest) (*domain.ReplyResponse, error) {
	if !g.Configured() {
		return &domain.ReplyResponse{
			Success: false,
			Error:   "Gemini API key not configured",
		}, nil
	}

	diagnosis, _ := req.Context["diagnosis"].(string)
	prompt, err := g.prompts.Chat(req.Message, diagnosis)
	if err != nil {
		return nil, err
	}

	text, err := g.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return &domain.ReplyResponse{Success: false, Error: "empty completion"}, nil
	}
	return &domain.ReplyResponse{Success: true, Response: text}, nil
}

// GenerateReport produces a structured report for a diagnosis prediction.
func (g *Gemini) GenerateReport(ctx context.Context, diagnosis string, confidence float64) (string, error) {
	if !g.Configured() {
		return "", fmt.Errorf("gemini: API key not configured")
	}
	prompt, err := g.prompts.Report(diagnosis, confidence)
	if err != nil {
		return "", err
	}
	text, err := g.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("gemini: empty report")
	}
	return text, nil
}

func (g *Gemini) generate(ctx context.Context, prompt string) (string, error) {
	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.apiBase, g.model)
	buildReq := func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", g.apiKey)
		return httpReq, nil
	}

	resp, err := doWithRetry(ctx, g.client, buildReq, g.logger)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gemini %d: %s", resp.StatusCode, string(respBody))
	}

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if gr.Error != nil {
		return "", fmt.Errorf("gemini error %d: %s", gr.Error.Code, gr.Error.Message)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}
	return gr.Candidates[0].Content.Parts[0].Text, nil
}
