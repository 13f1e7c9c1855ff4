package core

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
)

// UserContext carries the identity and custom variables for evaluations and
// tracking. The caller owns it and may share it across goroutines.
//
// Once an id is known it never changes. Custom variables may be added or
// overwritten at any time but never removed.
type UserContext struct {
	mu                  sync.Mutex
	id                  string
	useDeviceIDFallback bool
	variables           map[string]Value
}

// NewUserContext returns a context for id. An empty id is allowed only when
// the device id fallback is enabled before first use.
func NewUserContext(id string, variables map[string]Value) *UserContext {
	uc := &UserContext{
		id:        strings.TrimSpace(id),
		variables: make(map[string]Value, len(variables)),
	}
	for key, value := range variables {
		if value.IsValid() {
			uc.variables[key] = value
		}
	}
	return uc
}

// WithDeviceIDFallback enables resolving an empty id from the installation's
// stable device id. It has no effect once the id is known.
func (c *UserContext) WithDeviceIDFallback() *UserContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id == "" {
		c.useDeviceIDFallback = true
	}
	return c
}

func (c *UserContext) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *UserContext) UsesDeviceIDFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useDeviceIDFallback
}

// Resolved reports whether the context has a usable id.
func (c *UserContext) Resolved() bool {
	return c.ID() != ""
}

// SetVariable adds or overwrites one custom variable.
func (c *UserContext) SetVariable(key string, value Value) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: variable key is required", ErrPrecondition)
	}
	if !value.IsValid() {
		return &TypeMismatchError{Key: key, Got: value.Kind().String(), Want: "string, number or boolean"}
	}

	c.mu.Lock()
	c.variables[key] = value
	c.mu.Unlock()
	return nil
}

// Variables returns a copy of the custom variables.
func (c *UserContext) Variables() map[string]Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.variables)
}

// Snapshot returns the id and a copy of the variables under one lock.
func (c *UserContext) Snapshot() (string, map[string]Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id, maps.Clone(c.variables)
}

// Resolve returns the context id, calling fallback at most once to fill an
// empty id when the device id fallback is enabled. A failed fallback leaves
// the context unresolved so a later call may retry.
func (c *UserContext) Resolve(ctx context.Context, fallback func(context.Context) (string, error)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.id != "" {
		return c.id, nil
	}
	if !c.useDeviceIDFallback || fallback == nil {
		return "", ErrUnresolvedContext
	}

	id, err := fallback(ctx)
	if err != nil {
		return "", err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: provider returned an empty id", ErrIdentityUnavailable)
	}

	c.id = id
	return id, nil
}
