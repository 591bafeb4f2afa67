package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nerrad567/graystore/internal/infrastructure/config"
	"github.com/nerrad567/graystore/internal/infrastructure/logging"
	"github.com/nerrad567/graystore/internal/storage"
	"github.com/nerrad567/graystore/internal/storage/observe"
)

// fakePublisher records publishes and optionally fails them.
type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	err      error
}

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (p *fakePublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic: topic, payload: payload, qos: qos, retained: retained})
	return p.err
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.messages...)
}

// mockLogger implements Logger for testing.
type mockLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *mockLogger) Error(msg string, args ...any) {}

func (l *mockLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *mockLogger) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

func TestFeed_ObserveTouches_GroupsByKind(t *testing.T) {
	pub := &fakePublisher{}
	feed := NewFeed(pub, 1)

	feed.ObserveTouches([]observe.Touch{
		{Kind: "kv_entry", ID: "profiles/alice"},
		{Kind: "thread", ID: "t-1"},
		{Kind: "kv_entry", ID: "profiles/bob"},
	})

	messages := pub.all()
	if len(messages) != 2 {
		t.Fatalf("published %d messages, want 2", len(messages))
	}

	// Kinds publish in first-appearance order.
	if messages[0].topic != "graystore/changes/kv_entry" {
		t.Errorf("messages[0].topic = %q, want %q", messages[0].topic, "graystore/changes/kv_entry")
	}
	if messages[1].topic != "graystore/changes/thread" {
		t.Errorf("messages[1].topic = %q, want %q", messages[1].topic, "graystore/changes/thread")
	}

	var msg ChangeMessage
	if err := json.Unmarshal(messages[0].payload, &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if msg.Kind != "kv_entry" {
		t.Errorf("Kind = %q, want %q", msg.Kind, "kv_entry")
	}
	if len(msg.IDs) != 2 || msg.IDs[0] != "profiles/alice" || msg.IDs[1] != "profiles/bob" {
		t.Errorf("IDs = %v, want [profiles/alice profiles/bob]", msg.IDs)
	}
	if msg.At == "" {
		t.Error("At should be populated")
	}

	for _, m := range messages {
		if m.qos != 1 {
			t.Errorf("qos = %d, want 1", m.qos)
		}
		if m.retained {
			t.Error("change events must not be retained")
		}
	}
}

func TestFeed_ObserveTouches_Empty(t *testing.T) {
	pub := &fakePublisher{}
	feed := NewFeed(pub, 1)

	feed.ObserveTouches(nil)

	if len(pub.all()) != 0 {
		t.Errorf("published %d messages for empty set, want 0", len(pub.all()))
	}
}

func TestFeed_ObserveTouches_PublishErrorLogged(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker gone")}
	logger := &mockLogger{}
	feed := NewFeed(pub, 1)
	feed.SetLogger(logger)

	feed.ObserveTouches([]observe.Touch{
		{Kind: "kv_entry", ID: "a"},
		{Kind: "thread", ID: "b"},
	})

	// Both kinds are still attempted.
	if len(pub.all()) != 2 {
		t.Errorf("published %d messages, want 2 attempts", len(pub.all()))
	}
	if logger.warnCount() != 2 {
		t.Errorf("warn count = %d, want 2", logger.warnCount())
	}
}

func TestFeed_ReindexEntry(t *testing.T) {
	pub := &fakePublisher{}
	feed := NewFeed(pub, 2)

	feed.ReindexEntry("kv_entry", "profiles/alice")

	messages := pub.all()
	if len(messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(messages))
	}
	if messages[0].topic != "graystore/reindex/kv_entry" {
		t.Errorf("topic = %q, want %q", messages[0].topic, "graystore/reindex/kv_entry")
	}
	if messages[0].qos != 2 {
		t.Errorf("qos = %d, want 2", messages[0].qos)
	}

	var msg ReindexMessage
	if err := json.Unmarshal(messages[0].payload, &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if msg.Kind != "kv_entry" || msg.ID != "profiles/alice" {
		t.Errorf("message = %+v, want kind kv_entry id profiles/alice", msg)
	}
}

func TestFeed_Attach(t *testing.T) {
	store := feedTestStore(t)
	pub := &fakePublisher{}
	feed := NewFeed(pub, 1)
	feed.Attach(store)

	err := store.Write(context.Background(), func(tx *storage.WriteTx) error {
		tx.Touch("kv_entry", "profiles/alice", true)
		tx.Touch("thread", "t-1", false)
		return nil
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// Two change messages plus one reindex message, observers first.
	messages := pub.all()
	if len(messages) != 3 {
		t.Fatalf("published %d messages, want 3", len(messages))
	}
	if messages[0].topic != "graystore/changes/kv_entry" {
		t.Errorf("messages[0].topic = %q, want changes/kv_entry", messages[0].topic)
	}
	if messages[1].topic != "graystore/changes/thread" {
		t.Errorf("messages[1].topic = %q, want changes/thread", messages[1].topic)
	}
	if messages[2].topic != "graystore/reindex/kv_entry" {
		t.Errorf("messages[2].topic = %q, want reindex/kv_entry", messages[2].topic)
	}
}

// readyCoordinator reports startup as always complete.
type readyCoordinator struct{}

func (readyCoordinator) Ready() bool { return true }

func feedTestStore(t *testing.T) *storage.Store {
	t.Helper()

	s, err := storage.New(storage.Options{
		Database: config.DatabaseConfig{
			Path:          filepath.Join(t.TempDir(), "graystore.db"),
			BusyTimeoutMS: 5000,
			MaxReaders:    2,
		},
		Coordinator: readyCoordinator{},
		Logger: logging.New(config.LoggingConfig{
			Level:  "error",
			Format: "text",
			Output: "stderr",
		}, "test"),
	})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
