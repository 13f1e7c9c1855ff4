package flagkit_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matt-riley/flagkit"
)

var testConfig = flagkit.Config{SDKKey: "K", AccountID: 123}

type stubEngine struct {
	calls atomic.Int32
	block chan struct{}
}

func (e *stubEngine) Decide(ctx context.Context, flagKey, userID string, variables map[string]flagkit.Value) (flagkit.Decision, error) {
	e.calls.Add(1)
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return flagkit.Decision{}, ctx.Err()
		}
	}
	if flagKey != "feature-key" {
		return flagkit.Decision{}, fmt.Errorf("%w: %s", flagkit.ErrUnknownFlag, flagKey)
	}
	return flagkit.Decision{
		Enabled:   true,
		Variables: []flagkit.Variable{{Name: "variable_key", Value: flagkit.String("value-x")}},
	}, nil
}

type stubBackend struct {
	mu     sync.Mutex
	events []flagkit.TrackingEvent
}

func (b *stubBackend) SendEvent(_ context.Context, event flagkit.TrackingEvent) (map[string]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return map[string]bool{"ok": true}, nil
}

func (b *stubBackend) SendAttributes(context.Context, string, map[string]flagkit.Value) (map[string]error, error) {
	return nil, nil
}

type stubIdentity struct{ id string }

func (p stubIdentity) StableID(context.Context, string) (string, error) { return p.id, nil }

type settingsSource struct{ raw string }

func (s settingsSource) FetchSettings(context.Context, string, int64) ([]byte, error) {
	return []byte(s.raw), nil
}

func readyClient(t *testing.T, opts ...flagkit.Option) *flagkit.Client {
	t.Helper()
	client := flagkit.New(opts...)
	client.Init(testConfig)
	if err := client.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return client
}

func TestEndToEndEvaluation(t *testing.T) {
	client := readyClient(t, flagkit.WithDecisionEngine(&stubEngine{}))

	if got := client.Status().State; got != flagkit.StateReady {
		t.Fatalf("Status().State = %v, want ready", got)
	}

	decision, err := client.Evaluate(context.Background(), "feature-key", flagkit.NewUserContext("u1", nil))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !decision.Enabled || len(decision.Variables) != 1 {
		t.Fatalf("Evaluate() = %+v", decision)
	}

	if got := flagkit.VariableAs(decision, "variable_key", "default"); got != "value-x" {
		t.Fatalf("VariableAs(variable_key) = %q, want value-x", got)
	}
	if got := flagkit.VariableAs(decision, "absent", "default"); got != "default" {
		t.Fatalf("VariableAs(absent) = %q, want default", got)
	}
	if got := flagkit.VariableValue(decision, "variable_key", flagkit.Bool(false)); !got.Equal(flagkit.Bool(false)) {
		t.Fatalf("VariableValue(wrong kind) = %v, want default", got)
	}

	cached, ok := client.Decision("feature-key")
	if !ok || cached.SourceContextID != "u1" {
		t.Fatalf("Decision() = %+v, %v", cached, ok)
	}
	if vars := client.Variables("feature-key"); len(vars) != 1 || vars[0].Name != "variable_key" {
		t.Fatalf("Variables() = %+v", vars)
	}
}

func TestEvaluateUnknownFlag(t *testing.T) {
	client := readyClient(t, flagkit.WithDecisionEngine(&stubEngine{}))

	decision, err := client.Evaluate(context.Background(), "unknown-key", flagkit.NewUserContext("u1", nil))
	if !errors.Is(err, flagkit.ErrUnknownFlag) {
		t.Fatalf("Evaluate() error = %v, want ErrUnknownFlag", err)
	}
	if decision.Enabled || len(decision.Variables) != 0 {
		t.Fatalf("Evaluate() = %+v, want disabled with no variables", decision)
	}
	if vars := client.Variables("unknown-key"); vars == nil || len(vars) != 0 {
		t.Fatalf("Variables() = %#v, want empty", vars)
	}
}

func TestInitIssuesSingleRequest(t *testing.T) {
	release := make(chan struct{})
	var requests atomic.Int32
	client := flagkit.New(
		flagkit.WithDecisionEngine(&stubEngine{}),
		flagkit.WithBootstrapper(func(ctx context.Context, creds flagkit.Credentials) error {
			requests.Add(1)
			<-release
			return nil
		}),
	)
	defer client.Close(context.Background())

	var ready, failed atomic.Int32
	for range 3 {
		client.OnInit(flagkit.InitListenerFuncs{
			Ready:  func(*flagkit.Client) { ready.Add(1) },
			Failed: func(error) { failed.Add(1) },
		})
	}
	for range 5 {
		if status := client.Init(testConfig); status.State != flagkit.StateInitializing {
			t.Fatalf("Init() state = %v, want initializing", status.State)
		}
	}
	close(release)

	if err := client.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("bootstrap requests = %d, want 1", got)
	}
	if ready.Load() != 3 || failed.Load() != 0 {
		t.Fatalf("listener calls: ready=%d failed=%d, want 3 and 0", ready.Load(), failed.Load())
	}

	if status := client.Init(testConfig); status.State != flagkit.StateReady {
		t.Fatalf("Init() after ready state = %v", status.State)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("bootstrap requests after ready = %d, want 1", got)
	}
}

func TestLateListenerIsCalledSynchronously(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		client := readyClient(t, flagkit.WithDecisionEngine(&stubEngine{}))

		var got *flagkit.Client
		client.OnInit(flagkit.InitListenerFuncs{Ready: func(c *flagkit.Client) { got = c }})
		if got != client {
			t.Fatal("late listener was not called with the client before OnInit returned")
		}
	})

	t.Run("failed", func(t *testing.T) {
		client := flagkit.New(flagkit.WithDecisionEngine(&stubEngine{}))
		defer client.Close(context.Background())

		client.Init(flagkit.Config{AccountID: 123})
		if err := client.WaitReady(context.Background()); !errors.Is(err, flagkit.ErrConfiguration) {
			t.Fatalf("WaitReady() error = %v, want ErrConfiguration", err)
		}

		var got error
		client.OnInit(flagkit.InitListenerFuncs{Failed: func(err error) { got = err }})
		if !errors.Is(got, flagkit.ErrConfiguration) {
			t.Fatalf("late listener error = %v, want ErrConfiguration", got)
		}
	})
}

func TestInitRetryAfterFailure(t *testing.T) {
	var attempts atomic.Int32
	client := flagkit.New(
		flagkit.WithDecisionEngine(&stubEngine{}),
		flagkit.WithBootstrapper(func(context.Context, flagkit.Credentials) error {
			if attempts.Add(1) == 1 {
				return fmt.Errorf("fetch settings: %w", flagkit.ErrNetwork)
			}
			return nil
		}),
	)
	defer client.Close(context.Background())

	client.Init(testConfig)
	if err := client.WaitReady(context.Background()); !errors.Is(err, flagkit.ErrNetwork) {
		t.Fatalf("first WaitReady() error = %v, want ErrNetwork", err)
	}
	if got := client.Status().State; got != flagkit.StateFailed {
		t.Fatalf("state = %v, want failed", got)
	}

	client.Init(testConfig)
	if err := client.WaitReady(context.Background()); err != nil {
		t.Fatalf("second WaitReady() error = %v", err)
	}
	if got := client.Status().State; got != flagkit.StateReady {
		t.Fatalf("state = %v, want ready", got)
	}
}

func TestInitWithoutDecisionEngineFails(t *testing.T) {
	client := flagkit.New()
	defer client.Close(context.Background())

	client.Init(testConfig)
	if err := client.WaitReady(context.Background()); !errors.Is(err, flagkit.ErrConfiguration) {
		t.Fatalf("WaitReady() error = %v, want ErrConfiguration", err)
	}
}

func TestPreconditions(t *testing.T) {
	t.Run("not ready", func(t *testing.T) {
		engine := &stubEngine{}
		backend := &stubBackend{}
		client := flagkit.New(flagkit.WithDecisionEngine(engine), flagkit.WithBackend(backend))
		defer client.Close(context.Background())

		uc := flagkit.NewUserContext("u1", nil)
		if _, err := client.Evaluate(context.Background(), "feature-key", uc); !errors.Is(err, flagkit.ErrNotReady) {
			t.Fatalf("Evaluate() error = %v, want ErrNotReady", err)
		}
		if _, err := client.Track(context.Background(), "productViewed", uc, nil); !errors.Is(err, flagkit.ErrPrecondition) {
			t.Fatalf("Track() error = %v, want ErrPrecondition", err)
		}
		if engine.calls.Load() != 0 || len(backend.events) != 0 {
			t.Fatal("collaborators were called before ready")
		}
	})

	t.Run("unresolved context", func(t *testing.T) {
		engine := &stubEngine{}
		backend := &stubBackend{}
		client := readyClient(t, flagkit.WithDecisionEngine(engine), flagkit.WithBackend(backend))

		uc := flagkit.NewUserContext("", nil)
		if _, err := client.Evaluate(context.Background(), "feature-key", uc); !errors.Is(err, flagkit.ErrUnresolvedContext) {
			t.Fatalf("Evaluate() error = %v, want ErrUnresolvedContext", err)
		}
		if _, err := client.Track(context.Background(), "productViewed", uc, nil); !errors.Is(err, flagkit.ErrPrecondition) {
			t.Fatalf("Track() error = %v, want ErrPrecondition", err)
		}
		if engine.calls.Load() != 0 || len(backend.events) != 0 {
			t.Fatal("collaborators were called with an unresolved context")
		}
	})
}

func TestDeviceIdentityFallback(t *testing.T) {
	client := readyClient(t,
		flagkit.WithDecisionEngine(&stubEngine{}),
		flagkit.WithDeviceIdentity(stubIdentity{id: "device-1"}, "demo"),
	)

	uc := flagkit.NewUserContext("", nil).WithDeviceIDFallback()
	decision, err := client.Evaluate(context.Background(), "feature-key", uc)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if decision.SourceContextID != "device-1" || uc.ID() != "device-1" {
		t.Fatalf("context id = %q (decision %q), want device-1", uc.ID(), decision.SourceContextID)
	}
}

func TestTrack(t *testing.T) {
	backend := &stubBackend{}
	client := readyClient(t, flagkit.WithDecisionEngine(&stubEngine{}), flagkit.WithBackend(backend))

	results, err := client.Track(context.Background(), "productViewed", flagkit.NewUserContext("u1", nil), map[string]any{"cartvalue": 120})
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if len(results) != 1 || !results["productViewed"] {
		t.Fatalf("Track() = %v, want {productViewed: true}", results)
	}
	if got := backend.events[0].Properties["cartvalue"]; !got.Equal(flagkit.Number(120)) {
		t.Fatalf("sent cartvalue = %v", got)
	}
}

type offlineBackend struct{}

func (offlineBackend) SendEvent(context.Context, flagkit.TrackingEvent) (map[string]bool, error) {
	return nil, fmt.Errorf("%w: no route to host", flagkit.ErrNetwork)
}

func (offlineBackend) SendAttributes(context.Context, string, map[string]flagkit.Value) (map[string]error, error) {
	return nil, flagkit.ErrNetwork
}

type sliceQueue struct {
	mu      sync.Mutex
	groups  map[string]bool
	entries []flagkit.QueuedEvent
}

func (q *sliceQueue) EnqueueEvent(_ context.Context, group string, event flagkit.TrackingEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.groups == nil {
		q.groups = make(map[string]bool)
	}
	q.groups[group] = true
	q.entries = append(q.entries, flagkit.QueuedEvent{ID: int64(len(q.entries) + 1), Event: event})
	return nil
}

func (q *sliceQueue) QueuedEvents(_ context.Context, group string, limit int) ([]flagkit.QueuedEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.groups[group] {
		return nil, nil
	}
	return append([]flagkit.QueuedEvent(nil), q.entries[:min(limit, len(q.entries))]...), nil
}

func (q *sliceQueue) CountQueuedEvents(_ context.Context, group string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.groups[group] {
		return 0, nil
	}
	return len(q.entries), nil
}

func (q *sliceQueue) DeleteQueuedEvents(_ context.Context, ids []int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	for _, entry := range q.entries {
		deleted := false
		for _, id := range ids {
			deleted = deleted || entry.ID == id
		}
		if !deleted {
			kept = append(kept, entry)
		}
	}
	q.entries = kept
	return nil
}

type recordingUploader struct {
	mu      sync.Mutex
	keys    []string
	batches [][]flagkit.TrackingEvent
}

func (u *recordingUploader) SendEventBatch(_ context.Context, sdkKey string, accountID int64, events []flagkit.TrackingEvent) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, fmt.Sprintf("%s/%d", sdkKey, accountID))
	u.batches = append(u.batches, events)
	return nil
}

func TestTrackQueuesWhileOffline(t *testing.T) {
	queue := &sliceQueue{}
	uploader := &recordingUploader{}
	batcher, err := flagkit.NewEventBatcher(offlineBackend{}, queue, uploader,
		flagkit.BatchMinSize(2), flagkit.BatchInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewEventBatcher() error = %v", err)
	}
	client := readyClient(t,
		flagkit.WithDecisionEngine(&stubEngine{}),
		flagkit.WithBackend(batcher),
		flagkit.WithEventBatcher(batcher),
	)

	for _, name := range []string{"productViewed", "checkout"} {
		results, err := client.Track(context.Background(), name, flagkit.NewUserContext("u1", nil), nil)
		if err != nil {
			t.Fatalf("Track(%s) error = %v", name, err)
		}
		if !results[name] {
			t.Fatalf("Track(%s) = %v, want accepted", name, results)
		}
	}

	group := flagkit.Credentials{SDKKey: testConfig.SDKKey, AccountID: testConfig.AccountID}.CacheKey()
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, _ := queue.CountQueuedEvents(context.Background(), group)
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d queued events were not uploaded", n)
		}
		time.Sleep(time.Millisecond)
	}

	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	if len(uploader.batches) != 1 || uploader.keys[0] != "K/123" || len(uploader.batches[0]) != 2 || uploader.batches[0][1].Name != "checkout" {
		t.Fatalf("upload = %v %+v", uploader.keys, uploader.batches)
	}
}

func TestSetAttributesPartialFailure(t *testing.T) {
	client := readyClient(t, flagkit.WithDecisionEngine(&stubEngine{}), flagkit.WithBackend(&stubBackend{}))

	uc := flagkit.NewUserContext("u1", nil)
	result, err := client.SetAttributes(context.Background(), map[string]any{
		"userType": "paid",
		"badKey":   struct{}{},
	}, uc)
	if err != nil {
		t.Fatalf("SetAttributes() error = %v", err)
	}
	if len(result.Applied) != 1 || result.Applied[0] != "userType" {
		t.Fatalf("Applied = %v, want [userType]", result.Applied)
	}
	if len(result.Rejected) != 1 || !errors.Is(result.Rejected["badKey"], flagkit.ErrTypeMismatch) {
		t.Fatalf("Rejected = %v, want only badKey", result.Rejected)
	}
	if got := uc.Variables()["userType"]; !got.Equal(flagkit.String("paid")) {
		t.Fatalf("context userType = %v, want paid", got)
	}

	if err := client.SetAttribute(context.Background(), "nested", []int{1}, uc); !errors.Is(err, flagkit.ErrTypeMismatch) {
		t.Fatalf("SetAttribute() error = %v, want ErrTypeMismatch", err)
	}
}

func TestSettingsManagerTargeting(t *testing.T) {
	manager := flagkit.NewSettingsManager(settingsSource{raw: `{
	  "account_id": 123,
	  "version": 1,
	  "flags": [
	    {
	      "key": "beta-pricing",
	      "enabled": true,
	      "rules": [{"attribute": "userType", "operator": "equals", "value": "paid"}],
	      "variables": [{"key": "discount", "type": "number", "value": 15}]
	    }
	  ]
	}`})
	client := readyClient(t, flagkit.WithSettingsManager(manager), flagkit.WithBackend(&stubBackend{}))

	uc := flagkit.NewUserContext("u1", nil)
	before, err := client.Evaluate(context.Background(), "beta-pricing", uc)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if before.Enabled {
		t.Fatalf("Evaluate() before attributes = %+v, want disabled", before)
	}

	if err := client.SetAttribute(context.Background(), "userType", "paid", uc); err != nil {
		t.Fatalf("SetAttribute() error = %v", err)
	}

	after, err := client.Evaluate(context.Background(), "beta-pricing", uc)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !after.Enabled || flagkit.VariableAs(after, "discount", 0) != 15 {
		t.Fatalf("Evaluate() after attributes = %+v, want enabled with discount 15", after)
	}
}

func TestIntegrationHook(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []map[string]any
	)
	client := readyClient(t,
		flagkit.WithDecisionEngine(&stubEngine{}),
		flagkit.WithIntegration(func(_ context.Context, data map[string]any) {
			mu.Lock()
			seen = append(seen, data)
			mu.Unlock()
		}),
	)

	if _, err := client.Evaluate(context.Background(), "feature-key", flagkit.NewUserContext("u1", nil)); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	_, _ = client.Evaluate(context.Background(), "unknown-key", flagkit.NewUserContext("u1", nil))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("integration calls = %d, want 1", len(seen))
	}
	data := seen[0]
	variables, _ := data["variables"].(map[string]any)
	if data["featureKey"] != "feature-key" || data["userId"] != "u1" || data["enabled"] != true || variables["variable_key"] != "value-x" {
		t.Fatalf("integration data = %v", data)
	}
}

func TestLoggerConfig(t *testing.T) {
	var buf bytes.Buffer
	client := flagkit.New(flagkit.WithDecisionEngine(&stubEngine{}), flagkit.WithLogWriter(&buf))
	defer client.Close(context.Background())

	client.Init(flagkit.Config{SDKKey: "K", AccountID: 123, LoggerConfig: map[string]any{"level": "debug", "prefix": "sdk"}})
	if err := client.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "client initialized") || !strings.Contains(out, `"logger":"sdk"`) {
		t.Fatalf("log output = %q", out)
	}
}

func TestCloseWaitsForAsyncWork(t *testing.T) {
	engine := &stubEngine{block: make(chan struct{})}
	backend := &stubBackend{}
	client := flagkit.New(flagkit.WithDecisionEngine(engine), flagkit.WithBackend(backend))
	client.Init(testConfig)
	if err := client.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	var evaluated, tracked atomic.Bool
	client.EvaluateAsync("feature-key", flagkit.NewUserContext("u1", nil), func(d flagkit.FlagDecision, err error) {
		evaluated.Store(err == nil && d.Enabled)
	})
	client.TrackAsync("productViewed", flagkit.NewUserContext("u1", nil), nil, func(results map[string]bool, err error) {
		tracked.Store(err == nil && results["productViewed"])
	})

	time.AfterFunc(50*time.Millisecond, func() { close(engine.block) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !evaluated.Load() || !tracked.Load() {
		t.Fatalf("async work not finished before Close returned: evaluated=%v tracked=%v", evaluated.Load(), tracked.Load())
	}

	if _, err := client.Evaluate(context.Background(), "feature-key", flagkit.NewUserContext("u1", nil)); !errors.Is(err, flagkit.ErrClosed) {
		t.Fatalf("Evaluate() after Close error = %v, want ErrClosed", err)
	}
	var asyncErr error
	client.EvaluateAsync("feature-key", flagkit.NewUserContext("u1", nil), func(_ flagkit.FlagDecision, err error) { asyncErr = err })
	if !errors.Is(asyncErr, flagkit.ErrClosed) {
		t.Fatalf("EvaluateAsync() after Close error = %v, want ErrClosed", asyncErr)
	}
	if err := client.Close(context.Background()); !errors.Is(err, flagkit.ErrClosed) {
		t.Fatalf("second Close() error = %v, want ErrClosed", err)
	}
	if status := client.Init(testConfig); !errors.Is(status.Err, flagkit.ErrClosed) {
		t.Fatalf("Init() after Close = %+v, want ErrClosed", status)
	}
}

func TestMetricsHandler(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		client := flagkit.New()
		rec := httptest.NewRecorder()
		client.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		client := readyClient(t, flagkit.WithDecisionEngine(&stubEngine{}), flagkit.WithMetrics(flagkit.NewMetrics()))
		if _, err := client.Evaluate(context.Background(), "feature-key", flagkit.NewUserContext("u1", nil)); err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}

		rec := httptest.NewRecorder()
		client.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body := rec.Body.String()
		for _, want := range []string{"flagkit_flag_evaluations_total", "flagkit_init_state"} {
			if !strings.Contains(body, want) {
				t.Errorf("metrics output missing %s", want)
			}
		}
	})
}
