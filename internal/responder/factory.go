package responder

import (
	"fmt"
	"log/slog"

	"github.com/DeepanB2005/MRI/internal/browser"
	"github.com/DeepanB2005/MRI/internal/domain"
)

// FactoryConfig carries everything needed to build any responder. Fields for
// responders that are not selected may be left zero.
type FactoryConfig struct {
	GeminiAPIKey  string
	GeminiAPIBase string
	GeminiModel   string
	PromptsPath   string

	Bridge *browser.Bridge

	Logger *slog.Logger
}

// New builds the responder registered under name. Known names: "gemini",
// "gemini-web", "echo".
func New(name string, cfg FactoryConfig) (domain.Responder, error) {
	switch name {
	case "gemini":
		prompts, err := LoadPrompts(cfg.PromptsPath)
		if err != nil {
			return nil, err
		}
		return NewGemini(GeminiConfig{
			APIKey:  cfg.GeminiAPIKey,
			APIBase: cfg.GeminiAPIBase,
			Model:   cfg.GeminiModel,
			Prompts: prompts,
			Logger:  cfg.Logger,
		}), nil
	case "gemini-web":
		if cfg.Bridge == nil {
			return nil, fmt.Errorf("responder %q requires a browser bridge", name)
		}
		return NewGeminiWeb(GeminiWebConfig{Bridge: cfg.Bridge, Logger: cfg.Logger}), nil
	case "echo", "":
		return NewEcho(), nil
	default:
		return nil, fmt.Errorf("unknown responder %q", name)
	}
}

// NewDefault picks the most capable responder the configuration allows:
// gemini with an API key, gemini-web with a browser bridge, echo otherwise.
func NewDefault(cfg FactoryConfig) (domain.Responder, error) {
	switch {
	case cfg.GeminiAPIKey != "":
		return New("gemini", cfg)
	case cfg.Bridge != nil:
		return New("gemini-web", cfg)
	default:
		return New("echo", cfg)
	}
}
