package responder

import (
	"context"

	"github.com/DeepanB2005/MRI/internal/domain"
)

// Echo is the stub responder: it replies with the user's own message. It is
// the default when no upstream service is configured, which keeps the chat
// loop exercisable end to end without credentials.
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Name() string { return "echo" }

func (e *Echo) Healthy(ctx context.Context) error { return nil }

func (e *Echo) Respond(ctx context.Context, req domain.ReplyRequest) (*domain.ReplyResponse, error) {
	return &domain.ReplyResponse{Success: true, Response: req.Message}, nil
}
