// Package observe delivers committed write changes to in-process observers.
//
// A write transaction accumulates touches (entity kind, identifier and an
// optional reindex flag) in a ChangeSet. After the transaction commits, the
// sealed change set is handed to the Registry, which invokes every
// registered observer in registration order and forwards reindex-flagged
// entities to the search index sink separately.
//
// # Serialization
//
// A single mutex orders every registry operation. Registration, removal and
// delivery never interleave, so an observer list seen by one delivery is
// exactly the list some append or remove left behind. Observers run with
// that mutex held and must not mutate the registry from inside a
// notification; doing so deadlocks.
//
// # Startup window
//
// Deliveries before MarkReady are dropped with a diagnostic log line. This
// is acceptable only while the process is still bootstrapping; once startup
// completes the owner marks the registry ready and every committed write is
// delivered.
package observe
