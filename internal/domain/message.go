package domain

import "time"

// Sender identifies who authored a chat message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Status tracks the lifecycle of an agent reply. User messages carry no
// status. An agent message starts Pending and moves to exactly one of
// Delivered or Failed, never back.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// ChatMessage is one entry in a conversation log.
type ChatMessage struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status,omitempty"`
}

// InboundMessage is a user message arriving from a channel.
type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	Context   map[string]any // opaque per-turn metadata, e.g. current diagnosis
	Timestamp time.Time
}

// OutboundMessage is a finished agent reply routed back to a channel.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Failed  bool
}
