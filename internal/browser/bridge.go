package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
)

// Bridge manages headless Chrome instances for the browser-mode Gemini
// responder. The profile directory persists cookies between runs so a
// manual login survives restarts.
type Bridge struct {
	profileDir string
	headless   bool
	logger     *slog.Logger
}

type BridgeConfig struct {
	ProfileDir string
	Headless   bool
	Logger     *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".mri", "chrome-profiles", "default")
	}
	return &Bridge{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		logger:     cfg.Logger,
	}
}

func (b *Bridge) allocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
	)
	if headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// newContext creates a chromedp context over the bridge's Chrome profile.
// The returned cancel must be called when done.
func (b *Bridge) newContext(parent context.Context, headless bool) (context.Context, context.CancelFunc) {
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		b.logger.Error("failed to create profile dir", "dir", b.profileDir, "err", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, b.allocatorOptions(headless)...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

// Login opens a visible browser so the user can sign in manually; cookies
// land in the profile directory for later headless use.
func (b *Bridge) Login(ctx context.Context, url string) error {
	b.logger.Info("opening browser for login", "url", url)

	taskCtx, cancel := b.newContext(ctx, false)
	defer cancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}

	b.logger.Info("browser opened. Log in manually, then press Ctrl+C.")
	<-ctx.Done()

	b.logger.Info("login session saved", "profile", b.profileDir)
	return nil
}

// SendAndReceive navigates to the chat page, submits a message, waits for
// the typing indicator to clear, and extracts the last response block.
func (b *Bridge) SendAndReceive(ctx context.Context, sel SelectorSet, message string) (string, error) {
	taskCtx, cancel := b.newContext(ctx, b.headless)
	defer cancel()

	taskCtx, taskCancel := context.WithTimeout(taskCtx, 120*time.Second)
	defer taskCancel()

	err := chromedp.Run(taskCtx,
		chromedp.Navigate(sel.URL),
		chromedp.WaitReady("body"),
		chromedp.WaitVisible(sel.Input, chromedp.ByQuery),
		chromedp.Sleep(1*time.Second),
		chromedp.Click(sel.Input, chromedp.ByQuery),
		chromedp.SendKeys(sel.Input, message, chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Click(sel.Submit, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("submit message: %w", err)
	}

	b.logger.Debug("waiting for response...")

	for i := 0; i < 120; i++ {
		select {
		case <-taskCtx.Done():
			return "", taskCtx.Err()
		case <-time.After(1 * time.Second):
		}

		var loading bool
		err = chromedp.Run(taskCtx,
			chromedp.Evaluate(
				fmt.Sprintf(`document.querySelector('%s') !== null`, sel.Loading),
				&loading,
			),
		)
		if err != nil || !loading {
			break
		}
	}
	// Give the final render a moment to settle.
	time.Sleep(500 * time.Millisecond)

	var response string
	err = chromedp.Run(taskCtx,
		chromedp.Evaluate(
			fmt.Sprintf(`
				(function() {
					var blocks = document.querySelectorAll('%s');
					if (blocks.length === 0) return '';
					var last = blocks[blocks.length - 1];
					return last.innerText || last.textContent || '';
				})()
			`, sel.Response),
			&response,
		),
	)
	if err != nil {
		return "", fmt.Errorf("extract response: %w", err)
	}

	return response, nil
}

// SelectorSet contains the CSS selectors for a chat website.
type SelectorSet struct {
	URL      string // chat page URL
	Input    string // text input area
	Submit   string // send button
	Response string // response text blocks
	Loading  string // loading/typing indicator
}

// GeminiSelectors returns the default selectors for gemini.google.com.
func GeminiSelectors() SelectorSet {
	return SelectorSet{
		URL:      "https://gemini.google.com",
		Input:    ".ql-editor",
		Submit:   ".send-button",
		Response: ".response-content",
		Loading:  ".loading-indicator",
	}
}
