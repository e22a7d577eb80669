package session

import "errors"

var (
	ErrStoreUnavailable = errors.New("credential store unavailable")
	ErrSessionNotFound  = errors.New("session not found or not connected")
	ErrSendFailed       = errors.New("send failed")
	ErrShuttingDown     = errors.New("manager is shutting down")
)
