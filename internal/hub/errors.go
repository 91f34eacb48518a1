package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrEventChannelFull  = errors.New("hub event channel is full")
	ErrRecipientOffline  = errors.New("recipient has no live connection")
)
