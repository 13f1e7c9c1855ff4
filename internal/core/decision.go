package core

import (
	"context"
	"slices"
)

// Variable is a named flag variable.
type Variable struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// FlagDecision is the outcome of evaluating one flag for one user. A decision
// is never modified after it is created; a later evaluation replaces it.
type FlagDecision struct {
	Key             string     `json:"key"`
	Enabled         bool       `json:"enabled"`
	Variables       []Variable `json:"variables"`
	SourceContextID string     `json:"source_context_id"`
}

// Lookup returns the first variable named name.
func (d FlagDecision) Lookup(name string) (Value, bool) {
	for _, variable := range d.Variables {
		if variable.Name == name {
			return variable.Value, true
		}
	}
	return Value{}, false
}

// Clone returns a copy that shares no memory with d.
func (d FlagDecision) Clone() FlagDecision {
	d.Variables = slices.Clone(d.Variables)
	if d.Variables == nil {
		d.Variables = []Variable{}
	}
	return d
}

// Disabled returns the decision reported for a failed evaluation.
func Disabled(key, contextID string) FlagDecision {
	return FlagDecision{Key: key, SourceContextID: contextID, Variables: []Variable{}}
}

// Decision is what a [DecisionEngine] computes for a flag.
type Decision struct {
	Enabled   bool
	Variables []Variable
}

// DecisionEngine computes flag decisions. It is usually network backed and
// may be slow or unavailable.
type DecisionEngine interface {
	Decide(ctx context.Context, flagKey, userID string, variables map[string]Value) (Decision, error)
}

// TrackingEvent is an event submitted for a resolved user.
type TrackingEvent struct {
	Name       string           `json:"name"`
	UserID     string           `json:"user_id"`
	Properties map[string]Value `json:"properties,omitempty"`
}

// BackendClient delivers events and attribute updates.
//
// SendEvent reports success per delivery target. SendAttributes reports a
// nil error for every applied key and a non-nil error for rejected keys.
type BackendClient interface {
	SendEvent(ctx context.Context, event TrackingEvent) (map[string]bool, error)
	SendAttributes(ctx context.Context, userID string, attributes map[string]Value) (map[string]error, error)
}

// DeviceIdentityProvider returns a stable per-installation identifier.
type DeviceIdentityProvider interface {
	StableID(ctx context.Context, scope string) (string, error)
}
