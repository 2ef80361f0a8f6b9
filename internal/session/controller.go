package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeepanB2005/MRI/internal/domain"
)

// FallbackText is the fixed user-visible reply when a turn fails for any
// reason (transport error, protocol error, panic while awaiting).
const FallbackText = "Server error"

// Controller orchestrates one conversation: it appends the user message
// optimistically, holds a single-turn busy gate, invokes the remote
// responder, and records the terminal outcome. Submit is fire-and-forget;
// callers observe completion through the Store or the OnAgentReply hook.
type Controller struct {
	store     *Store
	responder domain.Responder
	logger    *slog.Logger

	// onAgentReply fires after an agent message reaches a terminal status.
	onAgentReply func(domain.ChatMessage)

	now  func() time.Time
	seq  atomic.Int64
	mu   sync.Mutex
	busy bool
}

// ControllerConfig holds the dependencies of a Controller.
type ControllerConfig struct {
	Store        *Store
	Responder    domain.Responder
	Logger       *slog.Logger
	OnAgentReply func(domain.ChatMessage) // optional
	Now          func() time.Time         // optional, for tests
}

// NewController creates a Controller for one conversation.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		store:        cfg.Store,
		responder:    cfg.Responder,
		logger:       cfg.Logger,
		onAgentReply: cfg.OnAgentReply,
		now:          cfg.Now,
	}
}

// Busy reports whether a turn is currently in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Store returns the controller's message log.
func (c *Controller) Store() *Store {
	return c.store
}

// Submit starts one turn: append the user message, append a pending agent
// placeholder, and resolve it asynchronously against the responder.
// Empty input and submissions while a turn is in flight are silently
// ignored; a second turn is rejected, not queued.
func (c *Controller) Submit(ctx context.Context, rawText string, turnCtx map[string]any) {
	text := strings.TrimSpace(rawText)
	if text == "" {
		return
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		c.logger.Debug("submit rejected: turn in flight")
		return
	}

	now := c.now()
	userMsg := domain.ChatMessage{
		ID:        c.nextID(),
		Sender:    domain.SenderUser,
		Text:      text,
		CreatedAt: now,
	}
	c.store.Append(ctx, userMsg)

	c.busy = true
	agentMsg := domain.ChatMessage{
		ID:        c.nextID(),
		Sender:    domain.SenderAgent,
		CreatedAt: c.now(),
		Status:    domain.StatusPending,
	}
	c.store.Append(ctx, agentMsg)
	c.mu.Unlock()

	go c.resolve(ctx, agentMsg.ID, text, turnCtx)
}

// resolve awaits the responder and records the terminal outcome. The busy
// flag is released on every path, including panics while awaiting, and is
// already false by the time OnAgentReply observes the terminal message.
func (c *Controller) resolve(ctx context.Context, agentID, text string, turnCtx map[string]any) {
	finalText, status := c.await(ctx, text, turnCtx)
	c.store.UpdateStatus(ctx, agentID, status, finalText)

	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()

	c.notify(agentID)
}

// await calls the responder and maps every failure mode onto the fixed
// fallback reply. Transport and protocol failures are deliberately not
// distinguished in the outcome; only the log tells them apart.
func (c *Controller) await(ctx context.Context, text string, turnCtx map[string]any) (finalText string, status domain.Status) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("responder panic", "panic", r)
			finalText, status = FallbackText, domain.StatusFailed
		}
	}()

	resp, err := c.responder.Respond(ctx, domain.ReplyRequest{Message: text, Context: turnCtx})
	if err != nil {
		c.logger.Warn("responder transport failure", "err", err)
		return FallbackText, domain.StatusFailed
	}
	if resp == nil || !resp.Success || resp.Response == "" {
		// A response arrived but the expected field is missing.
		c.logger.Warn("responder protocol failure", "error_field", errField(resp))
		return FallbackText, domain.StatusFailed
	}
	return resp.Response, domain.StatusDelivered
}

func (c *Controller) notify(agentID string) {
	if c.onAgentReply == nil {
		return
	}
	for _, msg := range c.store.Messages() {
		if msg.ID == agentID {
			c.onAgentReply(msg)
			return
		}
	}
}

// nextID returns an opaque, monotonically orderable message id: creation
// timestamp plus a sequence number to break same-nanosecond ties.
func (c *Controller) nextID() string {
	return fmt.Sprintf("%d-%04d", c.now().UnixNano(), c.seq.Add(1))
}

func errField(resp *domain.ReplyResponse) string {
	if resp == nil {
		return "<nil response>"
	}
	return resp.Error
}
