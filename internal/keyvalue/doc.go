// Package keyvalue persists keyed records in named collections on top of
// the storage facade.
//
// Every mutation goes through a write transaction and records a touch, so
// change observers and the search index sink learn about it after commit.
// The package also fronts the storage_meta table used for small internal
// bookkeeping values (install markers, transfer provenance).
package keyvalue
