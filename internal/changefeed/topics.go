package changefeed

import "fmt"

// Topic prefixes for the graystore MQTT surface.
//
// Change topics use the flat scheme: graystore/{category}/{kind}
const (
	// TopicPrefix is the base for all graystore topics.
	TopicPrefix = "graystore"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "graystore/system"
)

// Topics provides builders for graystore MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := changefeed.Topics{}
//	topic := topics.Changes("kv_entry")
//	// Returns: "graystore/changes/kv_entry"
type Topics struct{}

// Changes returns the topic for committed entity changes of one kind.
//
// Example: graystore/changes/kv_entry
func (Topics) Changes(kind string) string {
	return fmt.Sprintf("%s/changes/%s", TopicPrefix, kind)
}

// Reindex returns the topic for reindex requests of one kind.
//
// Example: graystore/reindex/kv_entry
func (Topics) Reindex(kind string) string {
	return fmt.Sprintf("%s/reindex/%s", TopicPrefix, kind)
}

// SystemStatus returns the feed status topic.
//
// Example: graystore/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllChanges returns a pattern matching change events of every kind.
//
// Pattern: graystore/changes/+
func (Topics) AllChanges() string {
	return fmt.Sprintf("%s/changes/+", TopicPrefix)
}

// AllReindex returns a pattern matching reindex requests of every kind.
//
// Pattern: graystore/reindex/+
func (Topics) AllReindex() string {
	return fmt.Sprintf("%s/reindex/+", TopicPrefix)
}

// AllTopics returns a pattern matching all graystore topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: graystore/#
func (Topics) AllTopics() string {
	return "graystore/#"
}
