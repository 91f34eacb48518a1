package router

import "errors"

var (
	ErrMalformedCommand = errors.New("command is not valid JSON")
)
