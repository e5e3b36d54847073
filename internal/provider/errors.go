package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionInvalid is returned when the provider no longer accepts the
	// account's session.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrNotFound is returned when a username does not resolve to a channel.
	ErrNotFound = errors.New("channel not found")
)

// FloodWaitError is the provider's throttle with an advertised wait.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("FLOOD_WAIT_%d: a wait of %d seconds is required", e.Seconds, e.Seconds)
}

// APIError is any other provider failure, carrying the provider's code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}
