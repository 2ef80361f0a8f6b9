// Package relay routes inbound bus messages to per-conversation session
// controllers and pushes terminal replies back onto the bus.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DeepanB2005/MRI/internal/domain"
	"github.com/DeepanB2005/MRI/internal/metrics"
	"github.com/DeepanB2005/MRI/internal/session"
)

// Relay consumes the inbound side of the message bus. Each (channel, chat)
// pair gets its own session.Controller, created lazily with history restored
// from the snapshot store.
type Relay struct {
	bus       domain.MessageBus
	snapshots domain.SnapshotStore
	responder domain.Responder
	logger    *slog.Logger

	mu          sync.Mutex
	controllers map[string]*session.Controller
}

type Config struct {
	Bus       domain.MessageBus
	Snapshots domain.SnapshotStore
	Responder domain.Responder
	Logger    *slog.Logger
}

func New(cfg Config) *Relay {
	return &Relay{
		bus:         cfg.Bus,
		snapshots:   cfg.Snapshots,
		responder:   timedResponder{cfg.Responder},
		logger:      cfg.Logger,
		controllers: make(map[string]*session.Controller),
	}
}

// Run consumes inbound messages until the context is canceled or the bus
// closes. Blocking; callers run it in a goroutine.
func (r *Relay) Run(ctx context.Context) {
	inbound := r.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *Relay) handle(ctx context.Context, msg domain.InboundMessage) {
	ctrl := r.controller(ctx, msg.Channel, msg.ChatID)
	if ctrl.Busy() {
		// One turn at a time per conversation; extra submissions are
		// dropped, never queued.
		r.logger.Debug("turn in flight, message dropped",
			"channel", msg.Channel, "chat", msg.ChatID)
		return
	}
	ctrl.Submit(ctx, msg.Content, msg.Context)
}

// controller returns the session controller for a conversation, creating it
// and restoring its persisted history on first use.
func (r *Relay) controller(ctx context.Context, channelName, chatID string) *session.Controller {
	key := sessionKey(channelName, chatID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if ctrl, ok := r.controllers[key]; ok {
		return ctrl
	}

	store := session.NewStore(key, r.snapshots, r.logger)
	restored := store.Load(ctx)

	ctrl := session.NewController(session.ControllerConfig{
		Store:     store,
		Responder: r.responder,
		Logger:    r.logger,
		OnAgentReply: func(msg domain.ChatMessage) {
			r.bus.SendOutbound(domain.OutboundMessage{
				Channel: channelName,
				ChatID:  chatID,
				Content: msg.Text,
				Failed:  msg.Status == domain.StatusFailed,
			})
		},
	})
	r.controllers[key] = ctrl
	metrics.ActiveSessions.Set(int64(len(r.controllers)))

	r.logger.Info("session created",
		"channel", channelName, "chat", chatID, "restored", len(restored))
	return ctrl
}

// History returns the conversation log for a chat, restoring it from the
// snapshot store if the session is not yet live.
func (r *Relay) History(ctx context.Context, channelName, chatID string) []domain.ChatMessage {
	return r.controller(ctx, channelName, chatID).Store().Messages()
}

// Busy reports whether the conversation has a turn in flight.
func (r *Relay) Busy(ctx context.Context, channelName, chatID string) bool {
	return r.controller(ctx, channelName, chatID).Busy()
}

// Clear wipes the conversation log and its persisted snapshot.
func (r *Relay) Clear(ctx context.Context, channelName, chatID string) {
	r.controller(ctx, channelName, chatID).Store().Clear(ctx)
	r.logger.Info("session cleared", "channel", channelName, "chat", chatID)
}

func sessionKey(channelName, chatID string) string {
	return channelName + ":" + chatID
}

// timedResponder records responder latency around every reply.
type timedResponder struct {
	inner domain.Responder
}

func (t timedResponder) Respond(ctx context.Context, req domain.ReplyRequest) (*domain.ReplyResponse, error) {
	start := time.Now()
	resp, err := t.inner.Respond(ctx, req)
	metrics.ResponderLatency.Observe(time.Since(start).Seconds())
	return resp, err
}

func (t timedResponder) Name() string { return t.inner.Name() }

func (t timedResponder) Healthy(ctx context.Context) error { return t.inner.Healthy(ctx) }
