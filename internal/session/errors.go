package session

import "errors"

var (
	// ErrStoreUnavailable wraps persistence failures during session creation
	ErrStoreUnavailable = errors.New("session store unavailable")
)
