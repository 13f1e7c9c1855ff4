// Package tracking forwards events and attribute updates for resolved user
// contexts to a backend client.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/identity"
)

const tracerName = "github.com/matt-riley/flagkit/internal/tracking"

// Recorder receives tracking metrics.
type Recorder interface {
	RecordEvent(target string, delivered bool)
	RecordAttributes(applied, rejected int)
}

// Callback receives the outcome of an asynchronous Track.
type Callback func(results map[string]bool, err error)

// AttributeResult reports which attributes were applied. Rejected keys map
// to the reason they were not applied.
type AttributeResult struct {
	Applied  []string
	Rejected map[string]error
}

// Err joins every rejection, ordered by key, or returns nil.
func (r AttributeResult) Err() error {
	if len(r.Rejected) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Rejected))
	for _, key := range slices.Sorted(maps.Keys(r.Rejected)) {
		errs = append(errs, r.Rejected[key])
	}
	return errors.Join(errs...)
}

type Service struct {
	backend  core.BackendClient
	fallback *identity.Fallback
	ready    func() error
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer

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

func WithReadiness(ready func() error) Option {
	return func(s *Service) { s.ready = ready }
}

func WithFallback(fallback *identity.Fallback) Option {
	return func(s *Service) { s.fallback = fallback }
}

func New(backend core.BackendClient, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Track delivers an event and reports success per delivery target. A single
// target is reported under the event name. Properties with unsupported value
// types are dropped from the event and reported through the returned error,
// which then accompanies a non-nil result.
func (s *Service) Track(ctx context.Context, name string, uc *core.UserContext, properties map[string]any) (map[string]bool, error) {
	values, rejected := core.ValuesOf(properties)
	return s.track(ctx, strings.TrimSpace(name), uc, values, rejected)
}

// TrackAsync is Track on a new goroutine. Properties are copied before it
// returns.
func (s *Service) TrackAsync(ctx context.Context, name string, uc *core.UserContext, properties map[string]any, cb Callback) {
	values, rejected := core.ValuesOf(properties)
	name = strings.TrimSpace(name)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		results, err := s.track(ctx, name, uc, values, rejected)
		if cb != nil {
			cb(results, err)
		}
	}()
}

// Wait blocks until all asynchronous calls have reported.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) track(ctx context.Context, name string, uc *core.UserContext, values map[string]core.Value, rejected map[string]error) (map[string]bool, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: event name is required", core.ErrPrecondition)
	}
	userID, err := s.preflight(ctx, uc)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "tracking.Track", trace.WithAttributes(
		attribute.String("event.name", name),
	))
	defer span.End()

	propertyErr := AttributeResult{Rejected: rejected}.Err()
	if propertyErr != nil {
		s.logger.Warn("dropping event properties", "event", name, "error", propertyErr)
	}

	delivered, err := s.backend.SendEvent(ctx, core.TrackingEvent{Name: name, UserID: userID, Properties: values})
	results := normalizeResults(name, delivered, err == nil)
	for target, ok := range results {
		s.recordEvent(target, ok)
	}
	if err != nil {
		s.logger.Warn("event delivery failed", "event", name, "results", results, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return results, errors.Join(fmt.Errorf("track %q: %w", name, err), propertyErr)
	}
	s.logger.Debug("event tracked", "event", name, "results", results)

	return results, propertyErr
}

// normalizeResults reports a single-target or empty backend response under
// the event name and passes multi-target responses through. An empty
// response counts as delivered only when the backend returned no error.
func normalizeResults(name string, delivered map[string]bool, sent bool) map[string]bool {
	switch len(delivered) {
	case 0:
		return map[string]bool{name: sent}
	case 1:
		for _, ok := range delivered {
			return map[string]bool{name: ok}
		}
	}
	return maps.Clone(delivered)
}

// SetAttributes applies each attribute independently. Unsupported value
// types and keys the backend refuses are listed in the result; the others
// are applied and also added to uc's custom variables. The error is non-nil
// only when the backend could not be reached at all.
func (s *Service) SetAttributes(ctx context.Context, attributes map[string]any, uc *core.UserContext) (AttributeResult, error) {
	userID, err := s.preflight(ctx, uc)
	if err != nil {
		return AttributeResult{}, err
	}

	values, rejected := core.ValuesOf(attributes)
	if rejected == nil {
		rejected = make(map[string]error)
	}
	for key := range values {
		if strings.TrimSpace(key) == "" {
			rejected[key] = fmt.Errorf("%w: attribute key is required", core.ErrPrecondition)
			delete(values, key)
		}
	}

	result := AttributeResult{Applied: []string{}, Rejected: rejected}
	if len(values) == 0 {
		s.recordAttributes(0, len(rejected))
		return result, nil
	}

	ctx, span := s.tracer.Start(ctx, "tracking.SetAttributes", trace.WithAttributes(
		attribute.Int("attributes.count", len(values)),
	))
	defer span.End()

	perKey, err := s.backend.SendAttributes(ctx, userID, values)
	if err != nil {
		err = fmt.Errorf("set attributes: %w", err)
		for key := range values {
			result.Rejected[key] = err
		}
		s.recordAttributes(0, len(result.Rejected))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("attribute delivery failed", "error", err)
		return result, err
	}

	for _, key := range slices.Sorted(maps.Keys(values)) {
		if keyErr := perKey[key]; keyErr != nil {
			result.Rejected[key] = keyErr
			continue
		}
		if err := uc.SetVariable(key, values[key]); err != nil {
			result.Rejected[key] = err
			continue
		}
		result.Applied = append(result.Applied, key)
	}

	s.recordAttributes(len(result.Applied), len(result.Rejected))
	if len(result.Rejected) > 0 {
		s.logger.Warn("attributes rejected", "applied", result.Applied, "error", result.Err())
	}

	return result, nil
}

// SetAttribute applies a single attribute.
func (s *Service) SetAttribute(ctx context.Context, key string, value any, uc *core.UserContext) error {
	result, err := s.SetAttributes(ctx, map[string]any{key: value}, uc)
	if err != nil {
		return err
	}
	return result.Rejected[key]
}

func (s *Service) preflight(ctx context.Context, uc *core.UserContext) (string, error) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			return "", err
		}
	}
	if s.backend == nil {
		return "", fmt.Errorf("%w: no backend client configured", core.ErrConfiguration)
	}
	if uc == nil {
		return "", core.ErrUnresolvedContext
	}
	if s.fallback != nil {
		return s.fallback.Resolve(ctx, uc)
	}
	return uc.Resolve(ctx, nil)
}

func (s *Service) recordEvent(target string, delivered bool) {
	if s.recorder != nil {
		s.recorder.RecordEvent(target, delivered)
	}
}

func (s *Service) recordAttributes(applied, rejected int) {
	if s.recorder != nil {
		s.recorder.RecordAttributes(applied, rejected)
	}
}
