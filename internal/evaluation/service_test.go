package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/identity"
)

type decideCall struct {
	key       string
	userID    string
	variables map[string]core.Value
}

type fakeEngine struct {
	mu        sync.Mutex
	calls     []decideCall
	decisions map[string]core.Decision
	err       error
	gates     map[string]chan struct{}
}

func (e *fakeEngine) Decide(_ context.Context, key, userID string, variables map[string]core.Value) (core.Decision, error) {
	e.mu.Lock()
	e.calls = append(e.calls, decideCall{key: key, userID: userID, variables: variables})
	gate := e.gates[userID]
	e.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if e.err != nil {
		return core.Decision{}, e.err
	}
	decision, ok := e.decisions[key]
	if !ok {
		return core.Decision{}, fmt.Errorf("%w: %s", core.ErrUnknownFlag, key)
	}
	return decision, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fakeRecorder struct {
	mu        sync.Mutex
	results   []string
	cacheSize int
}

func (r *fakeRecorder) RecordEvaluation(result string, _ time.Duration) {
	r.mu.Lock()
	r.results = append(r.results, result)
	r.mu.Unlock()
}

func (r *fakeRecorder) SetDecisionCacheSize(size int) {
	r.mu.Lock()
	r.cacheSize = size
	r.mu.Unlock()
}

func featureEngine() *fakeEngine {
	return &fakeEngine{decisions: map[string]core.Decision{
		"feature-key": {
			Enabled:   true,
			Variables: []core.Variable{{Name: "variable_key", Value: core.String("value-x")}},
		},
		"dark-launch": {
			Enabled:   false,
			Variables: []core.Variable{{Name: "color", Value: core.String("blue")}, {Name: "limit", Value: core.Number(3)}},
		},
	}}
}

func TestEvaluateCachesDecision(t *testing.T) {
	engine := featureEngine()
	recorder := &fakeRecorder{}
	svc := New(engine, WithRecorder(recorder))
	uc := core.NewUserContext("u1", map[string]core.Value{"plan": core.String("pro")})

	decision, err := svc.Evaluate(context.Background(), "feature-key", uc)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !decision.Enabled || decision.Key != "feature-key" || decision.SourceContextID != "u1" {
		t.Fatalf("Evaluate() = %+v", decision)
	}
	if got := Variable(decision, "variable_key", core.String("default")); !got.Equal(core.String("value-x")) {
		t.Fatalf("Variable(variable_key) = %v, want value-x", got)
	}
	if got := Variable(decision, "absent", core.String("default")); !got.Equal(core.String("default")) {
		t.Fatalf("Variable(absent) = %v, want default", got)
	}

	cached, ok := svc.Decision("feature-key")
	if !ok || !cached.Enabled || len(cached.Variables) != 1 {
		t.Fatalf("Decision() = %+v, %v", cached, ok)
	}
	if call := engine.calls[0]; call.userID != "u1" || !call.variables["plan"].Equal(core.String("pro")) {
		t.Fatalf("engine call = %+v", call)
	}
	if recorder.cacheSize != 1 || len(recorder.results) != 1 || recorder.results[0] != ResultEnabled {
		t.Fatalf("recorder = %+v", recorder)
	}
}

func TestEvaluateUnknownFlagYieldsDisabledDecision(t *testing.T) {
	svc := New(featureEngine())

	decision, err := svc.Evaluate(context.Background(), "unknown-key", core.NewUserContext("u1", nil))
	if !errors.Is(err, core.ErrUnknownFlag) {
		t.Fatalf("Evaluate() error = %v, want %v", err, core.ErrUnknownFlag)
	}
	if decision.Enabled || decision.Variables == nil || len(decision.Variables) != 0 {
		t.Fatalf("Evaluate() = %+v, want disabled with empty variables", decision)
	}
	if _, ok := svc.Decision("unknown-key"); ok {
		t.Fatal("unknown flag was cached")
	}
}

func TestEvaluateFailureKeepsPreviousDecision(t *testing.T) {
	engine := featureEngine()
	svc := New(engine)
	uc := core.NewUserContext("u1", nil)

	if _, err := svc.Evaluate(context.Background(), "feature-key", uc); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	engine.err = fmt.Errorf("%w: connection refused", core.ErrNetwork)
	decision, err := svc.Evaluate(context.Background(), "feature-key", uc)
	if !errors.Is(err, core.ErrNetwork) {
		t.Fatalf("Evaluate() error = %v, want %v", err, core.ErrNetwork)
	}
	if decision.Enabled || len(decision.Variables) != 0 {
		t.Fatalf("Evaluate() = %+v, want disabled empty decision", decision)
	}

	cached, ok := svc.Decision("feature-key")
	if !ok || !cached.Enabled {
		t.Fatalf("Decision() = %+v, %v, want previous enabled decision", cached, ok)
	}
}

func TestEvaluateRejectsMalformedEngineResponse(t *testing.T) {
	engine := &fakeEngine{decisions: map[string]core.Decision{
		"broken": {Enabled: true, Variables: []core.Variable{{Name: "x"}}},
	}}
	svc := New(engine)

	_, err := svc.Evaluate(context.Background(), "broken", core.NewUserContext("u1", nil))
	if !errors.Is(err, core.ErrMalformedConfiguration) {
		t.Fatalf("Evaluate() error = %v, want %v", err, core.ErrMalformedConfiguration)
	}
	if _, ok := svc.Decision("broken"); ok {
		t.Fatal("malformed decision was cached")
	}
}

func TestEvaluatePreconditionsFailBeforeEngine(t *testing.T) {
	notReady := func() error { return core.ErrNotReady }

	tests := []struct {
		name string
		svc  *Service
		key  string
		uc   *core.UserContext
	}{
		{name: "not ready", svc: New(featureEngine(), WithReadiness(notReady)), key: "feature-key", uc: core.NewUserContext("u1", nil)},
		{name: "empty id without fallback", svc: New(featureEngine()), key: "feature-key", uc: core.NewUserContext("", nil)},
		{name: "nil context", svc: New(featureEngine()), key: "feature-key"},
		{name: "empty key", svc: New(featureEngine()), key: "  ", uc: core.NewUserContext("u1", nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := tt.svc.Evaluate(context.Background(), tt.key, tt.uc)
			if !errors.Is(err, core.ErrPrecondition) {
				t.Fatalf("Evaluate() error = %v, want %v", err, core.ErrPrecondition)
			}
			if decision.Enabled {
				t.Fatal("Evaluate() returned enabled decision on precondition failure")
			}
			if calls := tt.svc.engine.(*fakeEngine).callCount(); calls != 0 {
				t.Fatalf("engine calls = %d, want 0", calls)
			}
		})
	}
}

func TestEvaluateUsesDeviceIDFallback(t *testing.T) {
	engine := featureEngine()
	store := identity.NewMemoryStore()
	if _, err := store.SaveDeviceID(context.Background(), "demo-app", "device-42"); err != nil {
		t.Fatalf("SaveDeviceID() error = %v", err)
	}
	svc := New(engine, WithFallback(identity.NewFallback(identity.NewStoreProvider(store), "demo-app", nil)))

	uc := core.NewUserContext("", nil).WithDeviceIDFallback()
	decision, err := svc.Evaluate(context.Background(), "feature-key", uc)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if decision.SourceContextID != "device-42" || uc.ID() != "device-42" {
		t.Fatalf("SourceContextID = %q, context id = %q, want device-42", decision.SourceContextID, uc.ID())
	}
}

func TestEvaluateLastSubmittedWins(t *testing.T) {
	tests := []struct {
		name       string
		firstDone  string
		secondDone string
	}{
		{name: "later submission completes first", firstDone: "b", secondDone: "a"},
		{name: "submissions complete in order", firstDone: "a", secondDone: "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{
				decisions: map[string]core.Decision{"f": {Enabled: true}},
				gates:     map[string]chan struct{}{"a": make(chan struct{}), "b": make(chan struct{})},
			}
			svc := New(engine)

			done := make(chan string, 2)
			svc.EvaluateAsync(context.Background(), "f", core.NewUserContext("a", nil), func(d core.FlagDecision, err error) {
				if err != nil {
					t.Errorf("evaluate a: %v", err)
				}
				done <- d.SourceContextID
			})
			svc.EvaluateAsync(context.Background(), "f", core.NewUserContext("b", nil), func(d core.FlagDecision, err error) {
				if err != nil {
					t.Errorf("evaluate b: %v", err)
				}
				done <- d.SourceContextID
			})

			close(engine.gates[tt.firstDone])
			if got := <-done; got != tt.firstDone {
				t.Fatalf("first completion = %q, want %q", got, tt.firstDone)
			}
			close(engine.gates[tt.secondDone])
			<-done
			svc.Wait()

			cached, ok := svc.Decision("f")
			if !ok || cached.SourceContextID != "b" {
				t.Fatalf("Decision() source = %q, want b", cached.SourceContextID)
			}
		})
	}
}

func TestConcurrentKeysAreIndependent(t *testing.T) {
	engine := &fakeEngine{decisions: map[string]core.Decision{}}
	for i := range 20 {
		engine.decisions[fmt.Sprintf("flag-%d", i)] = core.Decision{Enabled: i%2 == 0}
	}
	svc := New(engine)

	for i := range 20 {
		svc.EvaluateAsync(context.Background(), fmt.Sprintf("flag-%d", i), core.NewUserContext("u1", nil), nil)
	}
	svc.Wait()

	for i := range 20 {
		decision, ok := svc.Decision(fmt.Sprintf("flag-%d", i))
		if !ok || decision.Enabled != (i%2 == 0) {
			t.Fatalf("Decision(flag-%d) = %+v, %v", i, decision, ok)
		}
	}
}

func TestHooksObserveSuccessfulEvaluations(t *testing.T) {
	var seen []string
	svc := New(featureEngine(), WithHook(func(_ context.Context, d core.FlagDecision) {
		seen = append(seen, d.Key)
	}))

	_, _ = svc.Evaluate(context.Background(), "feature-key", core.NewUserContext("u1", nil))
	_, _ = svc.Evaluate(context.Background(), "unknown-key", core.NewUserContext("u1", nil))

	if len(seen) != 1 || seen[0] != "feature-key" {
		t.Fatalf("hook saw %v, want [feature-key]", seen)
	}
}

func TestVariablesNeverNil(t *testing.T) {
	svc := New(featureEngine())
	if got := svc.Variables("never-evaluated"); got == nil || len(got) != 0 {
		t.Fatalf("Variables() = %v, want empty non-nil", got)
	}

	if _, err := svc.Evaluate(context.Background(), "dark-launch", core.NewUserContext("u1", nil)); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	got := svc.Variables("dark-launch")
	if len(got) != 2 || got[0].Name != "color" || got[1].Name != "limit" {
		t.Fatalf("Variables() = %+v, want declared order", got)
	}

	got[0].Value = core.String("mutated")
	if again := svc.Variables("dark-launch"); !again[0].Value.Equal(core.String("blue")) {
		t.Fatal("Variables() exposes cached decision")
	}
}
