// Package changefeed publishes committed storage changes to an MQTT broker.
//
// The feed is publish-only. graystore never learns about external writes
// over MQTT (the cross-process notifier owns that path); the broker exists
// so sibling services can react to entity changes without polling the
// database.
//
// Topic layout:
//
//	graystore/changes/{kind}   one message per committed write per kind
//	graystore/reindex/{kind}   one message per reindex-flagged entity
//	graystore/system/status    retained online/offline presence
//
// Connect the client, build a Feed over it, and attach the feed to a
// storage.Store. Publish failures are logged and dropped; the feed never
// blocks or fails a write transaction.
package changefeed
