package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DeepanB2005/MRI/internal/domain"
	"github.com/DeepanB2005/MRI/internal/session"
)

// CLI implements domain.Channel for interactive terminal chat. Replies are
// typed out character by character through the reveal sequence.
type CLI struct {
	bus       domain.MessageBus
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	stepDelay time.Duration
	writer    *session.Typewriter

	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
}

type CLIChannelConfig struct {
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
	StepDelay time.Duration // 0 prints replies whole
}

func NewCLI(cfg CLIChannelConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &CLI{
		logger:    cfg.Logger,
		in:        cfg.In,
		out:       cfg.Out,
		stepDelay: cfg.StepDelay,
		writer:    session.NewTypewriter(),
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the interactive REPL and blocks until the context is canceled
// or the user quits.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	bus.OnOutbound("cli", func(msg domain.OutboundMessage) {
		c.stopThinking()
		fmt.Fprint(c.out, "\r\033[K")
		if msg.Failed {
			fmt.Fprintf(c.out, "! %s\n", msg.Content)
		} else {
			c.printReply(ctx, msg.Content)
		}
		fmt.Fprint(c.out, "You> ")
	})

	fmt.Fprintln(c.out, "MRI assistant. Ask about a scan or condition. Type /quit to exit.")
	fmt.Fprint(c.out, "You> ")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(c.out, "You> ")
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			return nil
		}

		c.startThinking()
		c.bus.Publish(domain.InboundMessage{
			Channel:   "cli",
			ChatID:    "direct",
			SenderID:  "user",
			Content:   line,
			Timestamp: time.Now(),
		})
	}
}

// printReply renders the reply via the reveal sequence. Each step is a
// longer prefix, so only the delta gets written to the terminal.
func (c *CLI) printReply(ctx context.Context, text string) {
	if c.stepDelay <= 0 {
		fmt.Fprintln(c.out, text)
		return
	}
	reveal := c.writer.Reveal(ctx, text, c.stepDelay)
	printed := 0
	for prefix := range reveal.Steps {
		fmt.Fprint(c.out, prefix[printed:])
		printed = len(prefix)
	}
	select {
	case <-reveal.Done:
	default:
		// Canceled mid-reveal; flush the rest so nothing is lost.
		fmt.Fprint(c.out, text[printed:])
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) startThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-c.thinkStop:
				return
			case <-ticker.C:
				fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				i++
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
}

// Stop is a no-op; the REPL exits when Start returns.
func (c *CLI) Stop() error { return nil }
