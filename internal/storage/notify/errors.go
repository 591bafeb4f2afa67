package notify

import "errors"

var (
	// ErrStartFailed indicates the notifier could not begin watching for
	// cross-process signals.
	ErrStartFailed = errors.New("notify: start failed")
)
