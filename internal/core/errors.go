package core

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports a missing or invalid SDK key or account id.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrNetwork reports a transient transport failure. Callers may retry.
	ErrNetwork = errors.New("network unavailable")
	// ErrInvalidCredentials reports that the backend rejected the SDK key.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrMalformedConfiguration reports remote configuration that could not
	// be decoded or does not belong to the configured account.
	ErrMalformedConfiguration = errors.New("malformed remote configuration")

	ErrPrecondition      = errors.New("precondition failed")
	ErrNotReady          = fmt.Errorf("%w: client is not ready", ErrPrecondition)
	ErrUnresolvedContext = fmt.Errorf("%w: user context has no id", ErrPrecondition)

	ErrTypeMismatch        = errors.New("type mismatch")
	ErrUnknownFlag         = errors.New("unknown flag")
	ErrIdentityUnavailable = errors.New("device identity unavailable")
	ErrClosed              = errors.New("client closed")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("record not found")
)

// TypeMismatchError is scoped to a single key. It matches [ErrTypeMismatch].
type TypeMismatchError struct {
	Key  string
	Got  string
	Want string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s: key %q has type %s, want %s", ErrTypeMismatch, e.Key, e.Got, e.Want)
}

func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}
