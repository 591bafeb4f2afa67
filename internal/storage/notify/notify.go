package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	natomic "github.com/natefinch/atomic"
)

// File permission constants.
const (
	// dirPermissions restricts the signal directory to owner and group.
	dirPermissions = 0750

	// filePermissions restricts the signal file to owner only.
	filePermissions = 0600
)

// Config holds notifier settings.
type Config struct {
	// SignalPath is the full path of the signal file, shared by every
	// process holding the same database. Conventionally "<dbpath>.signal".
	SignalPath string
}

// signal is the JSON payload of the signal file.
type signal struct {
	Token string    `json:"token"`
	PID   int       `json:"pid"`
	Seq   uint64    `json:"seq"`
	At    time.Time `json:"at"`
}

// Notifier announces local writes to sibling processes and surfaces
// theirs to this one.
//
// Signal state (pending flag and foreground flag) lives behind one mutex,
// so raising a signal and clearing the pending flag never race.
type Notifier struct {
	signalPath string
	token      string

	mu                   sync.Mutex
	onChange             func()
	onChangeSync         func()
	isForeground         bool
	pendingExternalWrite bool

	dirty  chan struct{}
	done   chan struct{}
	closed atomic.Bool
	seq    atomic.Uint64
	wg     sync.WaitGroup

	watcher *fsnotify.Watcher
	logger  Logger
}

// New creates a notifier and starts watching for sibling signals.
// The signal file's directory is created if missing. Callers must Close
// the notifier to release the watch.
func New(cfg Config) (*Notifier, error) {
	if cfg.SignalPath == "" {
		return nil, fmt.Errorf("%w: signal path required", ErrStartFailed)
	}

	dir := filepath.Dir(cfg.SignalPath)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("%w: creating signal directory: %w", ErrStartFailed, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: creating watcher: %w", ErrStartFailed, err)
	}
	// Watch the directory, not the file: the signal lands by rename, and a
	// watch on the file itself would die with the first replaced inode.
	if err := watcher.Add(dir); err != nil {
		watcher.Close() //nolint:errcheck // Already failing, best effort
		return nil, fmt.Errorf("%w: watching %s: %w", ErrStartFailed, dir, err)
	}

	n := &Notifier{
		signalPath: filepath.Clean(cfg.SignalPath),
		token:      newToken(),
		dirty:      make(chan struct{}, 1),
		done:       make(chan struct{}),
		watcher:    watcher,
		logger:     noopLogger{},
	}

	n.wg.Add(2)
	go n.emitLoop()
	go n.watchLoop()

	return n, nil
}

// SetLogger installs a logger for signal diagnostics. Passing nil
// restores the no-op logger.
func (n *Notifier) SetLogger(l Logger) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l == nil {
		n.logger = noopLogger{}
		return
	}
	n.logger = l
}

// NotifyChangedAsync schedules a cross-process signal for a committed
// write. It never blocks: back-to-back calls coalesce into one signal
// write, which is enough for an advisory "something changed" contract.
func (n *Notifier) NotifyChangedAsync() {
	if n.closed.Load() {
		return
	}
	select {
	case n.dirty <- struct{}{}:
	default:
	}
}

// OnChange registers the coalescing callback for foreign writes. It fires
// promptly while the process is active; signals observed while inactive
// collapse into one deferred invocation on the next SetActive(true).
//
// If a foreign signal is already pending and the process is active, the
// callback fires once immediately, so a signal observed before
// registration is not lost.
func (n *Notifier) OnChange(fn func()) {
	n.mu.Lock()
	n.onChange = fn
	var deliver func()
	if fn != nil && n.pendingExternalWrite && n.isForeground {
		n.pendingExternalWrite = false
		deliver = fn
	}
	n.mu.Unlock()

	if deliver != nil {
		go deliver()
	}
}

// OnChangeSync registers the always-on callback. It runs inline on the
// watch goroutine for every observed foreign signal, regardless of
// foreground state, and must return promptly.
func (n *Notifier) OnChangeSync(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onChangeSync = fn
}

// SetActive records a foreground (true) or background (false) transition.
// A transition to active with a signal pending redelivers exactly one
// coalesced callback; repeated calls with the same state are no-ops.
func (n *Notifier) SetActive(active bool) {
	n.mu.Lock()
	if n.isForeground == active {
		n.mu.Unlock()
		return
	}
	n.isForeground = active
	var deliver func()
	if active && n.pendingExternalWrite && n.onChange != nil {
		n.pendingExternalWrite = false
		deliver = n.onChange
	}
	n.mu.Unlock()

	if deliver != nil {
		go deliver()
	}
}

// Close stops the watcher and the signal writer. It is idempotent.
func (n *Notifier) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	close(n.done)
	err := n.watcher.Close()
	n.wg.Wait()
	if err != nil {
		return fmt.Errorf("notify: closing watcher: %w", err)
	}
	return nil
}

// emitLoop writes one signal file per dirty mark.
func (n *Notifier) emitLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case <-n.dirty:
			n.writeSignal()
		}
	}
}

// writeSignal atomically replaces the signal file with a fresh payload.
func (n *Notifier) writeSignal() {
	payload := signal{
		Token: n.token,
		PID:   os.Getpid(),
		Seq:   n.seq.Add(1),
		At:    time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		n.warn("encoding cross-process signal", "error", err)
		return
	}

	if err := natomic.WriteFile(n.signalPath, bytes.NewReader(data)); err != nil {
		n.warn("writing cross-process signal", "error", err)
		return
	}
	// Set file permissions (atomic.WriteFile doesn't set them for new files).
	if err := os.Chmod(n.signalPath, filePermissions); err != nil {
		n.warn("setting signal file permissions", "error", err)
	}
}

// watchLoop dispatches signal file events until the watcher closes.
func (n *Notifier) watchLoop() {
	defer n.wg.Done()
	for {
		select {
		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != n.signalPath {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			n.readAndDispatch()
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.warn("signal watcher error", "error", err)
		}
	}
}

// readAndDispatch reads the signal file and, for foreign tokens, runs the
// delivery policy. Unreadable files are skipped: the file may be mid-swap
// or removed by a reset.
func (n *Notifier) readAndDispatch() {
	data, err := os.ReadFile(n.signalPath)
	if err != nil {
		return
	}

	var payload signal
	if err := json.Unmarshal(data, &payload); err != nil {
		n.warn("decoding cross-process signal", "error", err)
		return
	}
	if payload.Token == n.token {
		return // Echo of our own write.
	}

	n.mu.Lock()
	syncCB := n.onChangeSync
	var deliver func()
	if n.onChange != nil && n.isForeground {
		deliver = n.onChange
	} else {
		n.pendingExternalWrite = true
	}
	n.mu.Unlock()

	if syncCB != nil {
		syncCB()
	}
	if deliver != nil {
		go deliver()
	}
}

// warn logs through the currently configured logger.
func (n *Notifier) warn(msg string, args ...any) {
	n.mu.Lock()
	l := n.logger
	n.mu.Unlock()
	l.Warn(msg, args...)
}

// newToken returns the identity carried in signal payloads. Tokens are
// unique per notifier instance, not just per process, so a reopened
// notifier never mistakes a predecessor's signal for its own.
func newToken() string {
	return uuid.NewString()
}

// Logger receives notifier diagnostics.
type Logger interface {
	Warn(msg string, args ...any)
}

// noopLogger discards all output.
type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}
