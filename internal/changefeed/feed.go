package changefeed

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/graystore/internal/storage"
	"github.com/nerrad567/graystore/internal/storage/observe"
)

// Publisher is the outbound surface the feed publishes through.
// *Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// ChangeMessage is the JSON body published to graystore/changes/{kind}.
// IDs preserve the touch order of the committed write.
type ChangeMessage struct {
	Kind string   `json:"kind"`
	IDs  []string `json:"ids"`
	At   string   `json:"at"`
}

// ReindexMessage is the JSON body published to graystore/reindex/{kind}.
type ReindexMessage struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	At   string `json:"at"`
}

// Feed turns committed change sets into MQTT messages, one message per
// kind per write. It runs on the committing goroutine, so it never blocks:
// publish failures are logged and the write continues unaffected.
type Feed struct {
	pub    Publisher
	qos    byte
	topics Topics
	logger Logger
}

// NewFeed creates a feed publishing through pub at the given QoS.
func NewFeed(pub Publisher, qos byte) *Feed {
	return &Feed{pub: pub, qos: qos}
}

// SetLogger sets a logger for publish failures. If not set, failures are
// silently dropped.
func (f *Feed) SetLogger(logger Logger) {
	f.logger = logger
}

// Attach registers the feed on the store as both a change observer and
// the reindex sink. Returns the observer handle for later removal.
func (f *Feed) Attach(s *storage.Store) observe.Handle {
	handle := s.AddObserver(f.ObserveTouches)
	s.SetReindexSink(f.ReindexEntry)
	return handle
}

// ObserveTouches publishes one ChangeMessage per kind in the committed
// set, kinds ordered by first appearance. Satisfies observe.ObserverFunc.
func (f *Feed) ObserveTouches(changes []observe.Touch) {
	if len(changes) == 0 {
		return
	}

	var kinds []string
	byKind := make(map[string][]string)
	for _, touch := range changes {
		if _, ok := byKind[touch.Kind]; !ok {
			kinds = append(kinds, touch.Kind)
		}
		byKind[touch.Kind] = append(byKind[touch.Kind], touch.ID)
	}

	at := time.Now().UTC().Format(time.RFC3339)
	for _, kind := range kinds {
		msg := ChangeMessage{Kind: kind, IDs: byKind[kind], At: at}
		payload, err := json.Marshal(msg)
		if err != nil {
			f.warn("encoding change message failed", "kind", kind, "error", err)
			continue
		}

		if err := f.pub.Publish(f.topics.Changes(kind), payload, f.qos, false); err != nil {
			f.warn("publishing change message failed", "kind", kind, "error", err)
		}
	}
}

// ReindexEntry publishes a ReindexMessage for one flagged entity.
// Satisfies observe.ReindexFunc.
func (f *Feed) ReindexEntry(kind, id string) {
	msg := ReindexMessage{
		Kind: kind,
		ID:   id,
		At:   time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		f.warn("encoding reindex message failed", "kind", kind, "error", err)
		return
	}

	if err := f.pub.Publish(f.topics.Reindex(kind), payload, f.qos, false); err != nil {
		f.warn("publishing reindex message failed", "kind", kind, "error", err)
	}
}

func (f *Feed) warn(msg string, args ...any) {
	if f.logger != nil {
		f.logger.Warn(msg, args...)
	}
}
