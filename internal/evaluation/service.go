// Package evaluation requests flag decisions from a decision engine and keeps
// the latest decision per flag key.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/identity"
)

const tracerName = "github.com/matt-riley/flagkit/internal/evaluation"

const (
	ResultEnabled  = "enabled"
	ResultDisabled = "disabled"
	ResultUnknown  = "unknown"
	ResultError    = "error"
)

// Recorder receives evaluation metrics.
type Recorder interface {
	RecordEvaluation(result string, duration time.Duration)
	SetDecisionCacheSize(size int)
}

// Hook observes every successful evaluation.
type Hook func(ctx context.Context, decision core.FlagDecision)

// Callback receives the outcome of an asynchronous evaluation.
type Callback func(decision core.FlagDecision, err error)

type entry struct {
	seq      uint64
	decision core.FlagDecision
}

type Service struct {
	engine   core.DecisionEngine
	fallback *identity.Fallback
	ready    func() error
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
	hooks    []Hook

	mu        sync.RWMutex
	cache     map[string]entry
	submitted map[string]uint64

	inflight sync.WaitGroup
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(s *Service) { s.recorder = recorder }
}

// WithReadiness installs a check that must pass before the engine is called.
func WithReadiness(ready func() error) Option {
	return func(s *Service) { s.ready = ready }
}

// WithFallback resolves contexts that opt into the device id fallback.
func WithFallback(fallback *identity.Fallback) Option {
	return func(s *Service) { s.fallback = fallback }
}

func WithHook(hook Hook) Option {
	return func(s *Service) {
		if hook != nil {
			s.hooks = append(s.hooks, hook)
		}
	}
}

func New(engine core.DecisionEngine, opts ...Option) *Service {
	s := &Service{
		engine:    engine,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		cache:     make(map[string]entry),
		submitted: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate returns the decision for flagKey under uc and caches it. Any
// failure returns a disabled decision with no variables together with the
// error, and leaves the cached decision for flagKey untouched.
func (s *Service) Evaluate(ctx context.Context, flagKey string, uc *core.UserContext) (core.FlagDecision, error) {
	flagKey = strings.TrimSpace(flagKey)
	return s.evaluate(ctx, flagKey, uc, s.submit(flagKey))
}

// EvaluateAsync evaluates in a new goroutine and reports to cb. The
// submission order is fixed before EvaluateAsync returns, so a later call
// for the same key always wins the cache.
func (s *Service) EvaluateAsync(ctx context.Context, flagKey string, uc *core.UserContext, cb Callback) {
	flagKey = strings.TrimSpace(flagKey)
	seq := s.submit(flagKey)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		decision, err := s.evaluate(ctx, flagKey, uc, seq)
		if cb != nil {
			cb(decision, err)
		}
	}()
}

// Wait blocks until all asynchronous evaluations have reported.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) evaluate(ctx context.Context, flagKey string, uc *core.UserContext, seq uint64) (core.FlagDecision, error) {
	if flagKey == "" {
		return core.Disabled("", ""), fmt.Errorf("%w: flag key is required", core.ErrPrecondition)
	}
	if s.ready != nil {
		if err := s.ready(); err != nil {
			return core.Disabled(flagKey, ""), err
		}
	}
	if s.engine == nil {
		return core.Disabled(flagKey, ""), fmt.Errorf("%w: no decision engine configured", core.ErrConfiguration)
	}

	userID, err := s.resolve(ctx, uc)
	if err != nil {
		return core.Disabled(flagKey, ""), err
	}
	_, variables := uc.Snapshot()

	ctx, span := s.tracer.Start(ctx, "evaluation.Evaluate", trace.WithAttributes(
		attribute.String("flag.key", flagKey),
	))
	defer span.End()

	start := time.Now()
	result, err := s.engine.Decide(ctx, flagKey, userID, variables)
	if err == nil {
		err = validateDecision(result)
	}
	elapsed := time.Since(start)

	if err != nil {
		outcome := ResultError
		if errors.Is(err, core.ErrUnknownFlag) {
			outcome = ResultUnknown
			s.logger.Debug("unknown flag", "flag", flagKey)
		} else {
			s.logger.Warn("flag evaluation failed", "flag", flagKey, "error", err)
		}
		s.record(outcome, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return core.Disabled(flagKey, userID), fmt.Errorf("evaluate %q: %w", flagKey, err)
	}

	decision := core.FlagDecision{
		Key:             flagKey,
		Enabled:         result.Enabled,
		Variables:       result.Variables,
		SourceContextID: userID,
	}.Clone()

	if stored := s.store(flagKey, seq, decision); !stored {
		s.logger.Debug("discarding superseded decision", "flag", flagKey, "seq", seq)
	}

	outcome := ResultDisabled
	if decision.Enabled {
		outcome = ResultEnabled
	}
	s.record(outcome, elapsed)
	span.SetAttributes(attribute.Bool("flag.enabled", decision.Enabled))

	for _, hook := range s.hooks {
		hook(ctx, decision.Clone())
	}

	return decision, nil
}

func (s *Service) resolve(ctx context.Context, uc *core.UserContext) (string, error) {
	if uc == nil {
		return "", core.ErrUnresolvedContext
	}
	if s.fallback != nil {
		return s.fallback.Resolve(ctx, uc)
	}
	return uc.Resolve(ctx, nil)
}

func validateDecision(decision core.Decision) error {
	for i, variable := range decision.Variables {
		if strings.TrimSpace(variable.Name) == "" {
			return fmt.Errorf("%w: variable %d has no name", core.ErrMalformedConfiguration, i)
		}
		if !variable.Value.IsValid() {
			return fmt.Errorf("%w: variable %q has no value", core.ErrMalformedConfiguration, variable.Name)
		}
	}
	return nil
}

// Decision returns the cached decision for flagKey.
func (s *Service) Decision(flagKey string) (core.FlagDecision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cached, ok := s.cache[flagKey]
	if !ok {
		return core.FlagDecision{}, false
	}
	return cached.decision.Clone(), true
}

// Variables returns the variables of the cached decision for flagKey, or an
// empty slice when there is none.
func (s *Service) Variables(flagKey string) []core.Variable {
	decision, ok := s.Decision(flagKey)
	if !ok {
		return []core.Variable{}
	}
	return decision.Variables
}

func (s *Service) submit(flagKey string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted[flagKey]++
	return s.submitted[flagKey]
}

func (s *Service) store(flagKey string, seq uint64, decision core.FlagDecision) bool {
	s.mu.Lock()
	if cached, ok := s.cache[flagKey]; ok && cached.seq > seq {
		s.mu.Unlock()
		return false
	}
	s.cache[flagKey] = entry{seq: seq, decision: decision}
	size := len(s.cache)
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.SetDecisionCacheSize(size)
	}
	return true
}

func (s *Service) record(result string, elapsed time.Duration) {
	if s.recorder != nil {
		s.recorder.RecordEvaluation(result, elapsed)
	}
}
