package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/DeepanB2005/MRI/internal/domain"
)

// snapshotVersion is bumped whenever the persisted message shape changes.
// Snapshots with an unknown version are discarded on load instead of being
// half-decoded into garbage.
const snapshotVersion = 1

type snapshot struct {
	Version  int                  `json:"version"`
	Messages []domain.ChatMessage `json:"messages"`
}

// Store owns the ordered, append-only message log of one conversation and
// mirrors it into a SnapshotStore after every mutation. The persisted
// snapshot always reflects the last completed mutation, never a partial one.
type Store struct {
	key       string
	snapshots domain.SnapshotStore
	logger    *slog.Logger

	mu       sync.Mutex
	messages []domain.ChatMessage
}

// NewStore creates a Store scoped to the given session key.
func NewStore(key string, snapshots domain.SnapshotStore, logger *slog.Logger) *Store {
	return &Store{
		key:       key,
		snapshots: snapshots,
		logger:    logger,
	}
}

// Load restores the message log from the snapshot store. Missing or
// malformed snapshots degrade to an empty history; load never fails.
func (s *Store) Load(ctx context.Context) []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := s.snapshots.Get(ctx, s.key)
	if err != nil {
		s.logger.Warn("snapshot read failed, starting empty", "session", s.key, "err", err)
		s.messages = nil
		return nil
	}
	if len(payload) == 0 {
		s.messages = nil
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		s.logger.Warn("snapshot malformed, starting empty", "session", s.key, "err", err)
		s.messages = nil
		return nil
	}
	if snap.Version != snapshotVersion {
		s.logger.Warn("snapshot version mismatch, starting empty",
			"session", s.key, "got", snap.Version, "want", snapshotVersion)
		s.messages = nil
		return nil
	}

	s.messages = snap.Messages
	return s.copyLocked()
}

// Append adds a message to the end of the log and persists the full sequence.
func (s *Store) Append(ctx context.Context, msg domain.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.persistLocked(ctx)
}

// UpdateStatus sets the terminal status of the message with the given id
// and, when finalText is non-empty, its final text. Unknown ids are a
// silent no-op; that path is a defensive guard, not normal operation.
func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.Status, finalText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID != id {
			continue
		}
		s.messages[i].Status = status
		if finalText != "" {
			s.messages[i].Text = finalText
		}
		s.persistLocked(ctx)
		return
	}
	s.logger.Warn("update for unknown message id ignored", "session", s.key, "id", id)
}

// Clear empties the log and erases the persisted snapshot.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	if err := s.snapshots.Clear(ctx, s.key); err != nil {
		s.logger.Warn("snapshot clear failed", "session", s.key, "err", err)
	}
}

// Messages returns a copy of the current log in insertion order.
func (s *Store) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Len returns the number of messages in the log.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Store) copyLocked() []domain.ChatMessage {
	if len(s.messages) == 0 {
		return nil
	}
	out := make([]domain.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// persistLocked writes the whole serialized sequence. Session logs are small
// (single-user chat history), so whole-snapshot writes are acceptable here;
// anyone scaling this up should switch to append-only log persistence.
// Persistence failures never surface to the caller.
func (s *Store) persistLocked(ctx context.Context) {
	payload, err := json.Marshal(snapshot{Version: snapshotVersion, Messages: s.messages})
	if err != nil {
		s.logger.Error("snapshot marshal failed", "session", s.key, "err", err)
		return
	}
	if err := s.snapshots.Set(ctx, s.key, payload); err != nil {
		s.logger.Warn("snapshot write failed", "session", s.key, "err", err)
	}
}
