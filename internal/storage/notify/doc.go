// Package notify coordinates advisory write signals between OS processes
// sharing one database file.
//
// Each committed write asks the notifier to signal siblings. The notifier
// rewrites a small JSON signal file next to the database via an atomic
// rename; every process watches the containing directory and reacts to
// signal files carrying a token other than its own. The signal carries no
// payload beyond "at least one write happened": consumers re-derive state,
// they do not replay deltas.
//
// # Delivery policy
//
// The always-on callback fires for every observed foreign signal. The
// coalescing callback fires promptly while the process is active; while
// inactive, any number of foreign signals collapse into a single pending
// flag, redelivered as exactly one callback on the next transition to
// active. A pending signal is never lost.
//
// Signalling is fire-and-forget. A failed signal write is logged and
// dropped; the mechanism is advisory invalidation, not locking.
package notify
