package domain

import "context"

// ReplyRequest carries one user turn to a remote responder. Context is
// opaque passthrough metadata; the session layer never interprets it.
type ReplyRequest struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// ReplyResponse mirrors the relay wire contract
// {success: bool, response?: string, error?: string}.
type ReplyResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Responder is a remote procedure that turns a user message into reply text.
// A transport failure surfaces as a non-nil error; a protocol failure as a
// response with Success=false or a missing Response field.
type Responder interface {
	Respond(ctx context.Context, req ReplyRequest) (*ReplyResponse, error)
	Name() string
	Healthy(ctx context.Context) error
}

// ReportGenerator is an optional extension for responders that can produce
// a structured report for a diagnosis.
type ReportGenerator interface {
	GenerateReport(ctx context.Context, diagnosis string, confidence float64) (string, error)
}
