// Package flagkit is a feature-flag SDK client. A [Client] starts
// uninitialized, loads its remote configuration once through [Client.Init],
// and then evaluates flags, tracks events and applies user attributes.
//
// Transports and stores live in sub-packages and are plugged in with
// options:
//
//	import flagkithttp "github.com/matt-riley/flagkit/transport/http"
//	import flagkitgrpc "github.com/matt-riley/flagkit/transport/grpc"
package flagkit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/matt-riley/flagkit/internal/batch"
	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/evaluation"
	"github.com/matt-riley/flagkit/internal/identity"
	"github.com/matt-riley/flagkit/internal/lifecycle"
	"github.com/matt-riley/flagkit/internal/logging"
	"github.com/matt-riley/flagkit/internal/metrics"
	"github.com/matt-riley/flagkit/internal/settings"
	"github.com/matt-riley/flagkit/internal/tracking"
)

const defaultInitTimeout = 15 * time.Second

type (
	Value        = core.Value
	UserContext  = core.UserContext
	FlagDecision = core.FlagDecision
	Variable     = core.Variable
	Decision     = core.Decision

	DecisionEngine         = core.DecisionEngine
	BackendClient          = core.BackendClient
	DeviceIdentityProvider = core.DeviceIdentityProvider
	TrackingEvent          = core.TrackingEvent
	TypeMismatchError      = core.TypeMismatchError

	Credentials     = settings.Credentials
	AttributeResult = tracking.AttributeResult
	Metrics         = metrics.Metrics

	State             = lifecycle.State
	Status            = lifecycle.Status[*Client]
	InitListener      = lifecycle.Listener[*Client]
	InitListenerFuncs = lifecycle.ListenerFuncs[*Client]
)

const (
	StateUninitialized = lifecycle.Uninitialized
	StateInitializing  = lifecycle.Initializing
	StateReady         = lifecycle.Ready
	StateFailed        = lifecycle.Failed
)

var (
	ErrConfiguration          = core.ErrConfiguration
	ErrNetwork                = core.ErrNetwork
	ErrInvalidCredentials     = core.ErrInvalidCredentials
	ErrMalformedConfiguration = core.ErrMalformedConfiguration
	ErrPrecondition           = core.ErrPrecondition
	ErrNotReady               = core.ErrNotReady
	ErrUnresolvedContext      = core.ErrUnresolvedContext
	ErrTypeMismatch           = core.ErrTypeMismatch
	ErrUnknownFlag            = core.ErrUnknownFlag
	ErrIdentityUnavailable    = core.ErrIdentityUnavailable
	ErrClosed                 = core.ErrClosed
)

// NewUserContext returns a context for id with a copy of variables.
func NewUserContext(id string, variables map[string]Value) *UserContext {
	return core.NewUserContext(id, variables)
}

// ValueOf converts a Go string, bool or number into a [Value].
func ValueOf(x any) (Value, error) { return core.ValueOf(x) }

func String(s string) Value  { return core.String(s) }
func Number(n float64) Value { return core.Number(n) }
func Bool(b bool) Value      { return core.Bool(b) }

// NewMetrics returns a metrics set with its own Prometheus registry, for use
// with [WithMetrics].
func NewMetrics() *Metrics { return metrics.New() }

// Config carries the credentials for [Client.Init]. LoggerConfig is passed
// through to the logger untouched; see the "level", "format" and "prefix"
// keys.
type Config struct {
	SDKKey       string
	AccountID    int64
	LoggerConfig map[string]any
}

// InvalidationSource subscribes to settings change signals. The channel is
// closed when ctx is done.
type InvalidationSource func(ctx context.Context) (<-chan struct{}, error)

// BootstrapFunc performs the single initialization request.
type BootstrapFunc func(ctx context.Context, creds Credentials) error

type services struct {
	logger *slog.Logger
	eval   *evaluation.Service
	track  *tracking.Service
}

// Client is safe for concurrent use. The zero value is not usable; create
// clients with [New].
type Client struct {
	logger        *slog.Logger
	logWriter     io.Writer
	engine        core.DecisionEngine
	backend       core.BackendClient
	bootstrap     BootstrapFunc
	manager       *settings.Manager
	batcher       *batch.Batcher
	invalidations []InvalidationSource
	identity      core.DeviceIdentityProvider
	identityScope string
	integrations  []Integration
	initTimeout   time.Duration
	metrics       *metrics.Metrics

	ctrl *lifecycle.Controller[*Client]

	svcMu sync.RWMutex
	svc   *services

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	bg       sync.WaitGroup
}

// New returns an uninitialized client.
func New(opts ...Option) *Client {
	c := &Client{
		logger:      slog.Default(),
		logWriter:   os.Stderr,
		initTimeout: defaultInitTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	ctrlOpts := lifecycle.Options{Logger: c.logger}
	if c.metrics != nil {
		ctrlOpts.OnTransition = c.metrics.RecordTransition
	}
	c.ctrl = lifecycle.New[*Client](ctrlOpts)
	c.svc = c.buildServices(c.logger)

	return c
}

func (c *Client) buildServices(logger *slog.Logger) *services {
	var fallback *identity.Fallback
	if c.identity != nil {
		fallback = identity.NewFallback(c.identity, c.identityScope, logger)
	}

	evalOpts := []evaluation.Option{
		evaluation.WithLogger(logger),
		evaluation.WithReadiness(c.ready),
		evaluation.WithFallback(fallback),
	}
	trackOpts := []tracking.Option{
		tracking.WithLogger(logger),
		tracking.WithReadiness(c.ready),
		tracking.WithFallback(fallback),
	}
	if c.metrics != nil {
		evalOpts = append(evalOpts, evaluation.WithRecorder(c.metrics))
		trackOpts = append(trackOpts, tracking.WithRecorder(c.metrics))
	}
	for _, integration := range c.integrations {
		evalOpts = append(evalOpts, evaluation.WithHook(integrationHook(integration)))
	}

	return &services{
		logger: logger,
		eval:   evaluation.New(c.engine, evalOpts...),
		track:  tracking.New(c.backend, trackOpts...),
	}
}

func (c *Client) services() *services {
	c.svcMu.RLock()
	defer c.svcMu.RUnlock()
	return c.svc
}

func (c *Client) ready() error {
	if c.isClosed() {
		return ErrClosed
	}
	if state := c.ctrl.State(); state != lifecycle.Ready {
		return fmt.Errorf("%w (state %s)", ErrNotReady, state)
	}
	return nil
}

// Init starts initialization and returns without waiting for it. Calls made
// while an attempt is running, or after the client is ready, return the
// current status and issue no new request. After a failure Init may be
// called again.
func (c *Client) Init(cfg Config) Status {
	if c.isClosed() {
		status := c.ctrl.Status()
		status.Err = ErrClosed
		return status
	}
	return c.ctrl.Init(c.ctx, c.initialize(cfg))
}

func (c *Client) initialize(cfg Config) lifecycle.InitFunc[*Client] {
	return func(ctx context.Context) (*Client, error) {
		creds := Credentials{SDKKey: cfg.SDKKey, AccountID: cfg.AccountID}
		if err := creds.Validate(); err != nil {
			return nil, err
		}
		if c.engine == nil {
			return nil, fmt.Errorf("%w: no decision engine configured", ErrConfiguration)
		}

		if logger := logging.FromConfig(cfg.LoggerConfig, c.logWriter); logger != nil {
			c.svcMu.Lock()
			c.svc = c.buildServices(logger)
			c.svcMu.Unlock()
		}
		logger := c.services().logger

		if c.bootstrap != nil {
			ctx, cancel := context.WithTimeout(ctx, c.initTimeout)
			defer cancel()
			if err := c.bootstrap(ctx, creds); err != nil {
				return nil, fmt.Errorf("bootstrap: %w", err)
			}
		}

		if c.batcher != nil {
			if err := c.batcher.Bind(creds); err != nil {
				return nil, err
			}
		}

		c.startBackground(logger)
		logger.Info("client initialized", "account_id", creds.AccountID)
		return c, nil
	}
}

func (c *Client) startBackground(logger *slog.Logger) {
	if c.batcher != nil {
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			c.batcher.Run(c.ctx)
		}()
	}

	if c.manager == nil {
		return
	}

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.manager.Run(c.ctx)
	}()

	for _, source := range c.invalidations {
		signals, err := source(c.ctx)
		if err != nil {
			logger.Warn("settings invalidation subscription failed", "error", err)
			continue
		}
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			c.manager.Watch(c.ctx, signals)
		}()
	}
}

// OnInit registers listener for the outcome of initialization. A listener
// registered after the outcome is known is called before OnInit returns.
func (c *Client) OnInit(listener InitListener) {
	c.ctrl.OnInit(listener)
}

// WaitReady blocks until the current initialization attempt finishes.
func (c *Client) WaitReady(ctx context.Context) error {
	_, err := c.ctrl.Wait(ctx)
	return err
}

func (c *Client) Status() Status {
	return c.ctrl.Status()
}

// MetricsHandler serves the client's Prometheus metrics. Without
// [WithMetrics] it responds 404.
func (c *Client) MetricsHandler() http.Handler {
	if c.metrics == nil {
		return http.NotFoundHandler()
	}
	return c.metrics.Handler()
}

// Close waits for asynchronous evaluations and tracking calls to report,
// then stops background refreshes. If ctx is done first, in-flight work is
// cancelled. Every later call on
// the client fails with [ErrClosed].
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		c.cancel()
		c.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.services().logger.Debug("client closed")
		return nil
	case <-ctx.Done():
		c.cancel()
		return fmt.Errorf("close: %w", ctx.Err())
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// begin registers an asynchronous call so Close can wait for it.
func (c *Client) begin() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	c.inflight.Add(1)
	return true
}
