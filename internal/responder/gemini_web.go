package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/DeepanB2005/MRI/internal/browser"
	"github.com/DeepanB2005/MRI/internal/domain"
)

// GeminiWeb answers chat turns by driving the Gemini website through a
// real browser session. Used as a fallback when no API key is available;
// requires a one-time `mri login` to seed the Chrome profile.
type GeminiWeb struct {
	bridge    *browser.Bridge
	selectors browser.SelectorSet
	logger    *slog.Logger

	// The bridge drives a single Chrome profile; interleaved turns would
	// clobber each other, so sends are serialized.
	mu sync.Mutex
}

type GeminiWebConfig struct {
	Bridge *browser.Bridge
	Logger *slog.Logger
}

func NewGeminiWeb(cfg GeminiWebConfig) *GeminiWeb {
	return &GeminiWeb{
		bridge:    cfg.Bridge,
		selectors: browser.GeminiSelectors(),
		logger:    cfg.Logger,
	}
}

func (g *GeminiWeb) Name() string { return "gemini-web" }

func (g *GeminiWeb) Healthy(ctx context.Context) error {
	if g.bridge == nil {
		return fmt.Errorf("gemini-web: browser bridge not configured")
	}
	return nil
}

// Login opens a visible browser pointed at the Gemini site so the user can
// sign in; the session cookie persists in the Chrome profile.
func (g *GeminiWeb) Login(ctx context.Context) error {
	return g.bridge.Login(ctx, g.selectors.URL)
}

func (g *GeminiWeb) Respond(ctx context.Context, req domain.ReplyRequest) (*domain.ReplyResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prompt := req.Message
	if diagnosis, ok := req.Context["diagnosis"].(string); ok && diagnosis != "" {
		prompt = fmt.Sprintf("Context: my scan was classified as %q.\n\n%s", diagnosis, req.Message)
	}

	g.logger.Debug("sending message via browser", "len", len(prompt))

	text, err := g.bridge.SendAndReceive(ctx, g.selectors, prompt)
	if err != nil {
		return nil, fmt.Errorf("browser send: %w", err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return &domain.ReplyResponse{Success: false, Error: "empty response from browser session"}, nil
	}
	return &domain.ReplyResponse{Success: true, Response: text}, nil
}
