package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/graystore/internal/infrastructure/config"
	"github.com/nerrad567/graystore/internal/infrastructure/logging"
	"github.com/nerrad567/graystore/internal/storage/observe"

	// Registers the embedded schema migrations.
	_ "github.com/nerrad567/graystore/migrations"
)

func TestNew(t *testing.T) {
	t.Run("requires a coordinator", func(t *testing.T) {
		_, err := New(Options{
			Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "graystore.db")},
		})
		if !errors.Is(err, ErrCoordinatorRequired) {
			t.Errorf("New() error = %v, want ErrCoordinatorRequired", err)
		}
	})

	t.Run("requires a database path", func(t *testing.T) {
		_, err := New(Options{Coordinator: &testCoordinator{}})
		if err == nil {
			t.Error("New() error = nil, want path error")
		}
	})
}

func TestOpen_LazyAndIdempotent(t *testing.T) {
	s, _ := newTestStore(t, true)

	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("database file exists before first use")
	}

	if err := s.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Open(); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}

	if _, err := os.Stat(s.Path()); err != nil {
		t.Errorf("database file missing after Open(): %v", err)
	}
}

func TestWrite_DeliversTouchesInOrder(t *testing.T) {
	s, _ := newTestStore(t, true)

	var deliveries [][]observe.Touch
	s.AddObserver(func(changes []observe.Touch) {
		deliveries = append(deliveries, append([]observe.Touch(nil), changes...))
	})

	ctx := context.Background()
	err := s.Write(ctx, func(tx *WriteTx) error {
		if _, err := tx.ExecContext(ctx,
			"CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)"); err != nil {
			return err
		}
		tx.Touch("note", "a", false)
		tx.Touch("note", "b", false)
		tx.Touch("thread", "c", false)
		return nil
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if len(deliveries) != 1 {
		t.Fatalf("observer invoked %d times, want 1", len(deliveries))
	}
	want := []observe.Touch{
		{Kind: "note", ID: "a"},
		{Kind: "note", ID: "b"},
		{Kind: "thread", ID: "c"},
	}
	got := deliveries[0]
	if len(got) != len(want) {
		t.Fatalf("delivered %d touches, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("touch[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestWrite_NoDeliveryOnError(t *testing.T) {
	s, _ := newTestStore(t, true)

	calls := 0
	s.AddObserver(func([]observe.Touch) { calls++ })

	ctx := context.Background()
	errBody := errors.New("body failed")
	err := s.Write(ctx, func(tx *WriteTx) error {
		if _, err := tx.ExecContext(ctx,
			"CREATE TABLE notes (id INTEGER PRIMARY KEY)"); err != nil {
			return err
		}
		tx.Touch("note", "a", false)
		return errBody
	})
	if !errors.Is(err, errBody) {
		t.Fatalf("Write() error = %v, want body error", err)
	}
	if calls != 0 {
		t.Error("observer invoked for a rolled-back write")
	}

	// The rollback must also cover the data.
	err = s.Read(ctx, func(tx *sql.Tx) error {
		var n int
		return tx.QueryRowContext(ctx,
			"SELECT count(*) FROM sqlite_master WHERE name = 'notes'").Scan(&n)
	})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
}

func TestWrite_NoDeliveryOnPanic(t *testing.T) {
	s, _ := newTestStore(t, true)

	calls := 0
	s.AddObserver(func([]observe.Touch) { calls++ })

	ctx := context.Background()
	func() {
		defer func() {
			if recover() == nil {
				t.Error("Write() swallowed the body panic")
			}
		}()
		_ = s.Write(ctx, func(tx *WriteTx) error {
			tx.Touch("note", "a", false)
			panic("boom")
		})
	}()

	if calls != 0 {
		t.Error("observer invoked for a panicked write")
	}

	// The writer slot must be released.
	if err := s.Write(ctx, func(tx *WriteTx) error { return nil }); err != nil {
		t.Errorf("Write() after panic error = %v", err)
	}
}

func TestWrite_ResolvesIDRemapping(t *testing.T) {
	s, _ := newTestStore(t, true)

	var got []observe.Touch
	s.AddObserver(func(changes []observe.Touch) {
		got = append([]observe.Touch(nil), changes...)
	})

	ctx := context.Background()
	err := s.Write(ctx, func(tx *WriteTx) error {
		tx.Touch("note", "provisional-1", false)
		tx.UpdateIDMapping("note", "provisional-1", "17")
		return nil
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if len(got) != 1 || got[0].ID != "17" {
		t.Errorf("delivered touches = %v, want single touch with final id 17", got)
	}
}

func TestWrite_DropsBeforeCoordinatorReady(t *testing.T) {
	s, coord := newTestStore(t, false)

	calls := 0
	s.AddObserver(func([]observe.Touch) { calls++ })

	ctx := context.Background()
	write := func() {
		t.Helper()
		err := s.Write(ctx, func(tx *WriteTx) error {
			tx.Touch("note", "a", false)
			return nil
		})
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	write()
	if calls != 0 {
		t.Error("observer invoked before coordinator readiness")
	}
	if got := s.registry.DroppedBeforeReady(); got != 1 {
		t.Errorf("dropped change sets = %d, want 1", got)
	}

	// The write itself must still be durable; only the notification is lost.
	coord.ready.Store(true)
	write()
	if calls != 1 {
		t.Errorf("observer calls after readiness = %d, want 1", calls)
	}
}

func TestWrite_ReindexSink(t *testing.T) {
	s, _ := newTestStore(t, true)

	var reindexed []string
	s.SetReindexSink(func(kind, id string) {
		reindexed = append(reindexed, kind+"/"+id)
	})

	ctx := context.Background()
	err := s.Write(ctx, func(tx *WriteTx) error {
		tx.Touch("note", "a", true)
		tx.Touch("note", "b", false)
		return nil
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if len(reindexed) != 1 || reindexed[0] != "note/a" {
		t.Errorf("reindex sink got %v, want [note/a]", reindexed)
	}
}

func TestRead_SeesCommittedData(t *testing.T) {
	s, _ := newTestStore(t, true)

	ctx := context.Background()
	err := s.Write(ctx, func(tx *WriteTx) error {
		if _, err := tx.ExecContext(ctx,
			"CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "INSERT INTO notes (body) VALUES ('hello')")
		return err
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	var body string
	err = s.Read(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, "SELECT body FROM notes").Scan(&body)
	})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if body != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
}

func TestClose(t *testing.T) {
	s, _ := newTestStore(t, true)

	ctx := context.Background()
	if err := s.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if err := s.Open(); !errors.Is(err, ErrClosed) {
		t.Errorf("Open() after Close() error = %v, want ErrClosed", err)
	}
	err := s.Read(ctx, func(tx *sql.Tx) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Read() after Close() error = %v, want ErrClosed", err)
	}
	err = s.Write(ctx, func(tx *WriteTx) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close() error = %v, want ErrClosed", err)
	}
}

func TestCrossProcessPipeline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graystore.db")

	a := newStoreAt(t, path, true, true)
	b := newStoreAt(t, path, true, true)

	seen := make(chan struct{}, 8)
	b.OnCrossProcessWriteSync(func() { seen <- struct{}{} })

	ctx := context.Background()
	err := a.Write(ctx, func(tx *WriteTx) error {
		_, err := tx.ExecContext(ctx, "CREATE TABLE notes (id INTEGER PRIMARY KEY)")
		return err
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case <-seen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the cross-process signal")
	}
}

func TestSignalPath(t *testing.T) {
	s := &Store{dbCfg: config.DatabaseConfig{Path: "/data/graystore.db"}}
	if got := s.signalPath(); got != "/data/graystore.db.signal" {
		t.Errorf("signalPath() = %q", got)
	}

	s.nCfg.Dir = "/run/graystore"
	if got := s.signalPath(); got != "/run/graystore/graystore.db.signal" {
		t.Errorf("signalPath() with dir override = %q", got)
	}
}

// testCoordinator is a readiness switch for tests.
type testCoordinator struct {
	ready atomic.Bool
}

func (c *testCoordinator) Ready() bool {
	return c.ready.Load()
}

// newTestStore returns a store over a fresh temp database with the
// cross-process notifier disabled.
func newTestStore(t *testing.T, ready bool) (*Store, *testCoordinator) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graystore.db")
	s := newStoreAt(t, path, ready, false)
	return s, s.coordinator.(*testCoordinator)
}

// newStoreAt builds a store on an explicit path, optionally with the
// notifier running.
func newStoreAt(t *testing.T, path string, ready, notifier bool) *Store {
	t.Helper()

	coord := &testCoordinator{}
	coord.ready.Store(ready)

	s, err := New(Options{
		Database: config.DatabaseConfig{
			Path:          path,
			BusyTimeoutMS: 5000,
			MaxReaders:    4,
			ForeignKeys:   true,
		},
		Notifier:    config.NotifierConfig{Enabled: notifier},
		Coordinator: coord,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

// quietLogger suppresses everything below error level.
func quietLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{
		Level:  "error",
		Format: "text",
		Output: "stderr",
	}, "test")
}
