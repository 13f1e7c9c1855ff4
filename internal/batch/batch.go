// Package batch keeps tracked events that could not reach the backend in a
// local queue and uploads them in batches once the backend is reachable.
//
// A [Batcher] wraps the primary backend. Events it cannot deliver because the
// network is unavailable are queued under the client's credentials. Queued
// events are uploaded oldest first when the queue reaches the minimum batch
// size and on a fixed interval, and are deleted only after the backend
// accepts the batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/settings"
)

const (
	// QueuedTarget reports an event held in the queue for a later upload.
	QueuedTarget = "queue"

	DefaultInterval = 3 * time.Minute
	// MaxBatchEvents bounds one upload request.
	MaxBatchEvents = 500

	uploadTimeout = 30 * time.Second
)

// Entry is a queued event.
type Entry struct {
	ID    int64
	Event core.TrackingEvent
}

// Queue persists events between upload attempts. group identifies the
// credentials the events were tracked under.
type Queue interface {
	EnqueueEvent(ctx context.Context, group string, event core.TrackingEvent) error
	// QueuedEvents returns up to limit entries of group, oldest first.
	QueuedEvents(ctx context.Context, group string, limit int) ([]Entry, error)
	CountQueuedEvents(ctx context.Context, group string) (int, error)
	DeleteQueuedEvents(ctx context.Context, ids []int64) error
}

// Uploader sends a batch of events in one request. A nil error means the
// backend accepted every event.
type Uploader interface {
	SendEventBatch(ctx context.Context, sdkKey string, accountID int64, events []core.TrackingEvent) error
}

// Recorder receives queue metrics.
type Recorder interface {
	RecordQueuedEvent()
	RecordBatchUpload(events int, uploaded bool)
}

// Batcher implements core.BackendClient over a primary backend, queueing the
// events it cannot deliver.
type Batcher struct {
	primary  core.BackendClient
	queue    Queue
	uploader Uploader
	minSize  int
	interval time.Duration
	logger   *slog.Logger
	recorder Recorder

	credsMu sync.RWMutex
	creds   settings.Credentials

	flushMu sync.Mutex
	wake    chan struct{}
}

type Option func(*Batcher)

// WithMinSize uploads as soon as size events are queued. Zero or less
// leaves only the interval.
func WithMinSize(size int) Option {
	return func(b *Batcher) { b.minSize = size }
}

// WithInterval sets how often queued events are uploaded. Defaults to
// [DefaultInterval].
func WithInterval(interval time.Duration) Option {
	return func(b *Batcher) {
		if interval > 0 {
			b.interval = interval
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Batcher) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(b *Batcher) { b.recorder = recorder }
}

// New returns a Batcher delivering to primary. Events are queued only after
// [Batcher.Bind] has set the credentials to group them under.
func New(primary core.BackendClient, queue Queue, uploader Uploader, opts ...Option) (*Batcher, error) {
	if primary == nil || queue == nil || uploader == nil {
		return nil, fmt.Errorf("%w: batcher needs a backend, a queue and an uploader", core.ErrConfiguration)
	}
	b := &Batcher{
		primary:  primary,
		queue:    queue,
		uploader: uploader,
		interval: DefaultInterval,
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Bind sets the credentials events are queued and uploaded under.
func (b *Batcher) Bind(creds settings.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	b.credsMu.Lock()
	b.creds = creds
	b.credsMu.Unlock()
	return nil
}

func (b *Batcher) credentials() (settings.Credentials, bool) {
	b.credsMu.RLock()
	defer b.credsMu.RUnlock()
	return b.creds, b.creds.Validate() == nil
}

// SendEvent delivers event to the primary backend. When that fails because
// the network is unavailable, the event is queued and reported under
// [QueuedTarget].
func (b *Batcher) SendEvent(ctx context.Context, event core.TrackingEvent) (map[string]bool, error) {
	results, err := b.primary.SendEvent(ctx, event)
	if err == nil || !errors.Is(err, core.ErrNetwork) {
		return results, err
	}

	creds, ok := b.credentials()
	if !ok {
		return results, err
	}
	if qErr := b.queue.EnqueueEvent(ctx, creds.CacheKey(), event); qErr != nil {
		return results, errors.Join(err, fmt.Errorf("queue event: %w", qErr))
	}
	if b.recorder != nil {
		b.recorder.RecordQueuedEvent()
	}
	b.logger.Info("event queued for batch upload", "event", event.Name, "error", err)

	if b.minSize > 0 {
		queued, cErr := b.queue.CountQueuedEvents(ctx, creds.CacheKey())
		switch {
		case cErr != nil:
			b.logger.Warn("count queued events failed", "error", cErr)
		case queued >= b.minSize:
			b.notify()
		}
	}
	return map[string]bool{QueuedTarget: true}, nil
}

// SendAttributes forwards to the primary backend.
func (b *Batcher) SendAttributes(ctx context.Context, userID string, attributes map[string]core.Value) (map[string]error, error) {
	return b.primary.SendAttributes(ctx, userID, attributes)
}

func (b *Batcher) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run uploads queued events on the interval and whenever the queue reaches
// the minimum batch size, until ctx is done.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.wake:
		}

		flushCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		uploaded, err := b.Flush(flushCtx)
		cancel()
		switch {
		case err != nil && ctx.Err() == nil:
			b.logger.Warn("batch upload failed", "uploaded", uploaded, "error", err)
		case uploaded > 0:
			b.logger.Info("queued events uploaded", "events", uploaded)
		}
	}
}

// Flush uploads every queued event of the bound credentials, one batch at a
// time, and returns how many were accepted. A failed batch stays queued and
// stops the flush.
func (b *Batcher) Flush(ctx context.Context) (int, error) {
	creds, ok := b.credentials()
	if !ok {
		return 0, nil
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	group := creds.CacheKey()
	uploaded := 0
	for {
		entries, err := b.queue.QueuedEvents(ctx, group, MaxBatchEvents)
		if err != nil {
			return uploaded, fmt.Errorf("read queued events: %w", err)
		}
		if len(entries) == 0 {
			return uploaded, nil
		}

		events := make([]core.TrackingEvent, len(entries))
		ids := make([]int64, len(entries))
		for i, entry := range entries {
			events[i] = entry.Event
			ids[i] = entry.ID
		}

		if err := b.uploader.SendEventBatch(ctx, creds.SDKKey, creds.AccountID, events); err != nil {
			b.record(len(events), false)
			return uploaded, fmt.Errorf("upload %d events: %w", len(events), err)
		}
		b.record(len(events), true)

		if err := b.queue.DeleteQueuedEvents(ctx, ids); err != nil {
			return uploaded, fmt.Errorf("delete uploaded events: %w", err)
		}
		uploaded += len(entries)

		if len(entries) < MaxBatchEvents {
			return uploaded, nil
		}
	}
}

func (b *Batcher) record(events int, uploaded bool) {
	if b.recorder != nil {
		b.recorder.RecordBatchUpload(events, uploaded)
	}
}
