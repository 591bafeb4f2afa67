package observe

import (
	"sync"

	"github.com/google/uuid"
)

// ObserverFunc receives the sealed change set of one committed write
// transaction. It runs on the committing goroutine with the registry
// mutex held and must return promptly.
type ObserverFunc func(changes []Touch)

// ReindexFunc receives each reindex-flagged entity of a committed write,
// separately from observer delivery.
type ReindexFunc func(kind, id string)

// Handle identifies one observer registration.
type Handle string

// registration pairs an observer with its handle, in registration order.
type registration struct {
	handle Handle
	fn     ObserverFunc
}

// Registry fans committed change sets out to registered observers.
//
// All methods are safe for concurrent use. A single mutex serializes
// registration, removal and delivery, so delivery always sees a stable
// observer list and observers for one commit finish before the next
// commit's delivery begins.
type Registry struct {
	mu        sync.Mutex
	observers []registration
	reindex   ReindexFunc
	ready     bool
	dropped   uint64
	logger    Logger
}

// NewRegistry returns a registry in the not-ready state. Deliveries are
// dropped until MarkReady is called.
func NewRegistry() *Registry {
	return &Registry{
		logger: noopLogger{},
	}
}

// SetLogger installs a logger for drop diagnostics. Passing nil restores
// the no-op logger.
func (r *Registry) SetLogger(l Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l == nil {
		r.logger = noopLogger{}
		return
	}
	r.logger = l
}

// Append registers an observer and returns its handle. Observers are
// notified in registration order. A nil observer panics: registering
// nothing is a programming error, not a runtime condition.
func (r *Registry) Append(fn ObserverFunc) Handle {
	if fn == nil {
		panic("observe: nil observer")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h := Handle(uuid.NewString())
	r.observers = append(r.observers, registration{handle: h, fn: fn})
	return h
}

// Remove deregisters the observer with the given handle. It reports
// whether a registration was found; removing an unknown or already
// removed handle is a no-op.
func (r *Registry) Remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, reg := range r.observers {
		if reg.handle == h {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return true
		}
	}
	return false
}

// SetReindexSink installs the external search indexer callback. Only
// reindex-flagged touches reach the sink.
func (r *Registry) SetReindexSink(fn ReindexFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reindex = fn
}

// MarkReady ends the bootstrap window. Deliveries before this call are
// dropped with a diagnostic; deliveries after it reach every observer.
func (r *Registry) MarkReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = true
}

// Ready reports whether the bootstrap window has ended.
func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Deliver hands one committed change set to every registered observer in
// registration order, then forwards reindex-flagged entities to the sink.
// The caller must invoke it only after the owning transaction's commit is
// durable. An empty change set is a no-op.
func (r *Registry) Deliver(changes []Touch) {
	if len(changes) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ready {
		r.dropped++
		r.logger.Warn("dropping change notifications before startup",
			"touches", len(changes),
			"dropped_total", r.dropped,
		)
		return
	}

	for _, reg := range r.observers {
		reg.fn(changes)
	}

	if r.reindex == nil {
		return
	}
	for _, t := range changes {
		if t.Reindex {
			r.reindex(t.Kind, t.ID)
		}
	}
}

// DroppedBeforeReady returns how many change sets were discarded during
// the bootstrap window.
func (r *Registry) DroppedBeforeReady() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Logger receives drop diagnostics from the registry.
type Logger interface {
	Warn(msg string, args ...any)
}

// noopLogger discards all output.
type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}
