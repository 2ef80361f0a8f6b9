package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/DeepanB2005/MRI/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memSnapshots is an in-memory SnapshotStore for tests.
type memSnapshots struct {
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
	setErr error
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{data: make(map[string][]byte)}
}

func (m *memSnapshots) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.data[key], nil
}

func (m *memSnapshots) Set(ctx context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.data[key] = cp
	return nil
}

func (m *memSnapshots) Clear(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memSnapshots) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func userMsg(id, text string) domain.ChatMessage {
	return domain.ChatMessage{ID: id, Sender: domain.SenderUser, Text: text, CreatedAt: time.Now()}
}

func TestLoad_NoSnapshot(t *testing.T) {
	s := NewStore("s1", newMemSnapshots(), testLogger())
	if got := s.Load(context.Background()); got != nil {
		t.Fatalf("expected empty history, got %v", got)
	}
}

func TestLoad_MalformedSnapshot(t *testing.T) {
	snaps := newMemSnapshots()
	snaps.data["s1"] = []byte("{not json")
	s := NewStore("s1", snaps, testLogger())
	if got := s.Load(context.Background()); got != nil {
		t.Fatalf("malformed snapshot should load as empty, got %v", got)
	}
}

func TestLoad_VersionMismatch(t *testing.T) {
	snaps := newMemSnapshots()
	snaps.data["s1"] = []byte(`{"version":99,"messages":[{"id":"x","sender":"user","text":"hi"}]}`)
	s := NewStore("s1", snaps, testLogger())
	if got := s.Load(context.Background()); got != nil {
		t.Fatalf("unknown version should load as empty, got %v", got)
	}
}

func TestLoad_ReadError(t *testing.T) {
	snaps := newMemSnapshots()
	snaps.getErr = errors.New("disk gone")
	s := NewStore("s1", snaps, testLogger())
	if got := s.Load(context.Background()); got != nil {
		t.Fatalf("read error should degrade to empty, got %v", got)
	}
}

func TestRoundTrip_AfterRestart(t *testing.T) {
	ctx := context.Background()
	snaps := newMemSnapshots()

	s := NewStore("s1", snaps, testLogger())
	s.Append(ctx, userMsg("1", "hello"))
	s.Append(ctx, domain.ChatMessage{ID: "2", Sender: domain.SenderAgent, Status: domain.StatusPending})
	s.UpdateStatus(ctx, "2", domain.StatusDelivered, "hi there")

	// Simulated restart: a fresh Store over the same snapshot store.
	restored := NewStore("s1", snaps, testLogger())
	got := restored.Load(ctx)
	want := s.Messages()
	if len(got) != len(want) {
		t.Fatalf("restored %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Text != want[i].Text || got[i].Status != want[i].Status {
			t.Errorf("message %d differs after restart: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestUpdateStatus_SetsTerminalStateAndText(t *testing.T) {
	ctx := context.Background()
	s := NewStore("s1", newMemSnapshots(), testLogger())
	s.Append(ctx, domain.ChatMessage{ID: "a", Sender: domain.SenderAgent, Status: domain.StatusPending})

	s.UpdateStatus(ctx, "a", domain.StatusDelivered, "final text")

	msgs := s.Messages()
	if msgs[0].Status != domain.StatusDelivered {
		t.Errorf("status: got %q", msgs[0].Status)
	}
	if msgs[0].Text != "final text" {
		t.Errorf("text: got %q", msgs[0].Text)
	}
}

func TestUpdateStatus_UnknownIDIsNoop(t *testing.T) {
	ctx := context.Background()
	s := NewStore("s1", newMemSnapshots(), testLogger())
	s.Append(ctx, userMsg("1", "hello"))

	s.UpdateStatus(ctx, "nope", domain.StatusFailed, "x")

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Fatalf("unknown id must not change the log, got %v", msgs)
	}
}

func TestAppendOnly_NoRemovalOrReorder(t *testing.T) {
	ctx := context.Background()
	s := NewStore("s1", newMemSnapshots(), testLogger())
	ids := []string{"1", "2", "3", "4"}
	for _, id := range ids {
		s.Append(ctx, userMsg(id, "m"+id))
	}
	s.UpdateStatus(ctx, "3", domain.StatusDelivered, "changed")

	msgs := s.Messages()
	if len(msgs) != len(ids) {
		t.Fatalf("log length changed: %d", len(msgs))
	}
	for i, id := range ids {
		if msgs[i].ID != id {
			t.Errorf("position %d: got id %q, want %q", i, msgs[i].ID, id)
		}
	}
}

func TestClear_EmptiesLogAndSnapshot(t *testing.T) {
	ctx := context.Background()
	snaps := newMemSnapshots()
	s := NewStore("s1", snaps, testLogger())
	s.Append(ctx, userMsg("1", "hello"))
	if !snaps.has("s1") {
		t.Fatal("append should persist a snapshot")
	}

	s.Clear(ctx)

	if s.Len() != 0 {
		t.Errorf("log not empty after clear")
	}
	if snaps.has("s1") {
		t.Errorf("persisted snapshot should be removed on clear")
	}
}

func TestPersistFailure_KeepsInMemoryLog(t *testing.T) {
	ctx := context.Background()
	snaps := newMemSnapshots()
	snaps.setErr = errors.New("disk full")
	s := NewStore("s1", snaps, testLogger())

	s.Append(ctx, userMsg("1", "hello"))

	if s.Len() != 1 {
		t.Fatalf("persistence failure must not drop the in-memory message")
	}
}
