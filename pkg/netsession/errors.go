package netsession

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotConnected    = errors.New("session not connected")
	ErrClosed          = errors.New("session manager closed")
)
