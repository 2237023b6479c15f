package inboxsync

import (
	"errors"
	"fmt"
)

var (
	ErrTransientFetch      = errors.New("transient fetch error")
	ErrSubscriptionDropped = errors.New("subscription dropped")
	ErrHeartbeatTimeout    = errors.New("heartbeat timeout")
	ErrStaleSelection      = errors.New("stale selection")
	ErrSessionClosed       = errors.New("session closed")
	ErrClosed              = errors.New("inbox closed")
	ErrInvalidInput        = errors.New("invalid input")
)

// FetchError reports a failed poll or on-select fetch. Cached state is left
// as it was and the next tick retries.
type FetchError struct {
	Scope Scope
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Scope, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	return target == ErrTransientFetch
}

type SubscriptionError struct {
	Scope Scope
	Err   error
}

func (e *SubscriptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("subscription %s dropped", e.Scope)
	}
	return fmt.Sprintf("subscription %s dropped: %v", e.Scope, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

func (e *SubscriptionError) Is(target error) bool {
	return target == ErrSubscriptionDropped
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
