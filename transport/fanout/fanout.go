// Package fanout delivers tracked events to a primary backend plus any number
// of mirror sinks, reporting one result per target.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/matt-riley/flagkit/internal/core"
)

// PrimaryTarget names the primary backend in results when the backend
// reports no targets of its own.
const PrimaryTarget = "backend"

// Sink is an additional event destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, event core.TrackingEvent) error
}

// Backend implements core.BackendClient over a primary backend and sinks.
type Backend struct {
	primary core.BackendClient
	sinks   []Sink
	logger  *slog.Logger
}

type Option func(*Backend)

func WithSink(sink Sink) Option {
	return func(b *Backend) {
		if sink != nil {
			b.sinks = append(b.sinks, sink)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New returns a Backend. primary may be nil, in which case events go to the
// sinks only and attribute updates fail with core.ErrConfiguration.
func New(primary core.BackendClient, opts ...Option) *Backend {
	b := &Backend{primary: primary, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SendEvent delivers event to every target concurrently. The error is
// non-nil only when no target accepted the event.
func (b *Backend) SendEvent(ctx context.Context, event core.TrackingEvent) (map[string]bool, error) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]bool, len(b.sinks)+1)
		errs    []error
	)

	if b.primary != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reported, err := b.primary.SendEvent(ctx, event)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[PrimaryTarget] = false
				errs = append(errs, fmt.Errorf("%s: %w", PrimaryTarget, err))
				return
			}
			if len(reported) == 0 {
				results[PrimaryTarget] = true
				return
			}
			for target, delivered := range reported {
				results[target] = delivered
			}
		}()
	}

	for _, sink := range b.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sink.Publish(ctx, event)

			mu.Lock()
			defer mu.Unlock()
			results[sink.Name()] = err == nil
			if err != nil {
				b.logger.Warn("event sink delivery failed", "sink", sink.Name(), "event", event.Name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			}
		}()
	}

	wg.Wait()

	if len(results) == 0 {
		return nil, fmt.Errorf("%w: no event targets configured", core.ErrConfiguration)
	}
	for _, delivered := range results {
		if delivered {
			return results, nil
		}
	}
	return results, errors.Join(errs...)
}

// SendAttributes forwards to the primary backend only.
func (b *Backend) SendAttributes(ctx context.Context, userID string, attributes map[string]core.Value) (map[string]error, error) {
	if b.primary == nil {
		return nil, fmt.Errorf("%w: no attribute backend configured", core.ErrConfiguration)
	}
	return b.primary.SendAttributes(ctx, userID, attributes)
}
