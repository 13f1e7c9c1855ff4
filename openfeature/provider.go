// Package openfeature exposes a flagkit client as an OpenFeature provider.
//
// Boolean evaluations resolve a flag's enabled state. Typed evaluations read
// one of the flag's variables, addressed as "<flag>/<variable>":
//
//	provider := openfeature.NewProvider(client, flagkit.Config{SDKKey: key, AccountID: id})
//	if err := of.SetProviderAndWait(provider); err != nil {
//	    log.Fatal(err)
//	}
//	discount, _ := of.NewClient("shop").IntValue(ctx, "beta-pricing/discount", 0, evalCtx)
package openfeature

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	of "github.com/open-feature/go-sdk/openfeature"

	"github.com/matt-riley/flagkit"
)

const (
	providerName = "flagkit"

	defaultInitTimeout     = 15 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	// TrackingValueKey holds the numeric value of a tracking event among the
	// event properties.
	TrackingValueKey = "value"
)

var (
	_ of.FeatureProvider = (*Provider)(nil)
	_ of.StateHandler    = (*Provider)(nil)
	_ of.Tracker         = (*Provider)(nil)
)

// Provider adapts a [flagkit.Client]. The provider owns the client's
// lifecycle: Init initializes it and Shutdown closes it.
type Provider struct {
	client         *flagkit.Client
	config         flagkit.Config
	logger         *slog.Logger
	initTimeout    time.Duration
	deviceFallback bool
}

type Option func(*Provider)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithInitTimeout bounds how long Init waits for the client to become ready.
func WithInitTimeout(timeout time.Duration) Option {
	return func(p *Provider) {
		if timeout > 0 {
			p.initTimeout = timeout
		}
	}
}

// WithDeviceIDFallback resolves evaluation contexts without a targeting key
// from the client's device identity instead of failing them.
func WithDeviceIDFallback() Option {
	return func(p *Provider) { p.deviceFallback = true }
}

func NewProvider(client *flagkit.Client, cfg flagkit.Config, opts ...Option) *Provider {
	p := &Provider{
		client:      client,
		config:      cfg,
		logger:      slog.Default(),
		initTimeout: defaultInitTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Metadata() of.Metadata {
	return of.Metadata{Name: providerName}
}

func (p *Provider) Hooks() []of.Hook {
	return []of.Hook{}
}

// Init starts client initialization and waits for its outcome.
func (p *Provider) Init(of.EvaluationContext) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.initTimeout)
	defer cancel()

	p.client.Init(p.config)
	if err := p.client.WaitReady(ctx); err != nil {
		p.logger.Warn("flagkit provider initialization failed", "error", err)
		return err
	}
	return nil
}

func (p *Provider) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := p.client.Close(ctx); err != nil && !errors.Is(err, flagkit.ErrClosed) {
		p.logger.Warn("flagkit provider shutdown incomplete", "error", err)
	}
}

// BooleanEvaluation resolves whether flag is enabled.
func (p *Provider) BooleanEvaluation(ctx context.Context, flag string, def bool, ec of.FlattenedContext) of.BoolResolutionDetail {
	decision, detail := p.evaluate(ctx, flag, ec)
	if detail.Error() != nil {
		return of.BoolResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	return of.BoolResolutionDetail{Value: decision.Enabled, ProviderResolutionDetail: detail}
}

func (p *Provider) StringEvaluation(ctx context.Context, flag, def string, ec of.FlattenedContext) of.StringResolutionDetail {
	value, detail := p.variable(ctx, flag, ec)
	if detail.Error() != nil {
		return of.StringResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	s, ok := value.AsString()
	if !ok {
		return of.StringResolutionDetail{Value: def, ProviderResolutionDetail: typeMismatch(value, "string")}
	}
	return of.StringResolutionDetail{Value: s, ProviderResolutionDetail: detail}
}

func (p *Provider) FloatEvaluation(ctx context.Context, flag string, def float64, ec of.FlattenedContext) of.FloatResolutionDetail {
	value, detail := p.variable(ctx, flag, ec)
	if detail.Error() != nil {
		return of.FloatResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	n, ok := value.AsNumber()
	if !ok {
		return of.FloatResolutionDetail{Value: def, ProviderResolutionDetail: typeMismatch(value, "number")}
	}
	return of.FloatResolutionDetail{Value: n, ProviderResolutionDetail: detail}
}

func (p *Provider) IntEvaluation(ctx context.Context, flag string, def int64, ec of.FlattenedContext) of.IntResolutionDetail {
	value, detail := p.variable(ctx, flag, ec)
	if detail.Error() != nil {
		return of.IntResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	n, ok := value.AsNumber()
	if !ok || n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
		return of.IntResolutionDetail{Value: def, ProviderResolutionDetail: typeMismatch(value, "integer")}
	}
	return of.IntResolutionDetail{Value: int64(n), ProviderResolutionDetail: detail}
}

// ObjectEvaluation returns a single variable for "<flag>/<variable>", or all
// of the flag's variables as a map for a bare flag key.
func (p *Provider) ObjectEvaluation(ctx context.Context, flag string, def any, ec of.FlattenedContext) of.InterfaceResolutionDetail {
	if _, _, addressed := strings.Cut(flag, "/"); addressed {
		value, detail := p.variable(ctx, flag, ec)
		if detail.Error() != nil {
			return of.InterfaceResolutionDetail{Value: def, ProviderResolutionDetail: detail}
		}
		return of.InterfaceResolutionDetail{Value: value.Any(), ProviderResolutionDetail: detail}
	}

	decision, detail := p.evaluate(ctx, flag, ec)
	if detail.Error() != nil {
		return of.InterfaceResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	variables := make(map[string]any, len(decision.Variables))
	for _, variable := range decision.Variables {
		variables[variable.Name] = variable.Value.Any()
	}
	return of.InterfaceResolutionDetail{Value: variables, ProviderResolutionDetail: detail}
}

// Track forwards an OpenFeature tracking event. A non-zero event value is
// sent as the "value" property.
func (p *Provider) Track(ctx context.Context, name string, evalCtx of.EvaluationContext, details of.TrackingEventDetails) {
	flattened := make(of.FlattenedContext, len(evalCtx.Attributes())+1)
	for key, value := range evalCtx.Attributes() {
		flattened[key] = value
	}
	flattened[of.TargetingKey] = evalCtx.TargetingKey()

	uc, ok := p.userContext(flattened)
	if !ok {
		p.logger.Warn("dropping tracking event without targeting key", "event", name)
		return
	}

	properties := details.Attributes()
	if properties == nil {
		properties = make(map[string]any, 1)
	}
	if value := details.Value(); value != 0 {
		properties[TrackingValueKey] = value
	}

	if _, err := p.client.Track(ctx, name, uc, properties); err != nil {
		p.logger.Warn("tracking event failed", "event", name, "error", err)
	}
}

func (p *Provider) evaluate(ctx context.Context, flag string, ec of.FlattenedContext) (flagkit.FlagDecision, of.ProviderResolutionDetail) {
	if err := ctx.Err(); err != nil {
		return flagkit.FlagDecision{}, resolutionError(of.NewGeneralResolutionError(err.Error()), of.ErrorReason)
	}
	uc, ok := p.userContext(ec)
	if !ok {
		return flagkit.FlagDecision{}, resolutionError(of.NewTargetingKeyMissingResolutionError("targeting key missing"), of.ErrorReason)
	}

	decision, err := p.client.Evaluate(ctx, flag, uc)
	if err != nil {
		p.logger.Debug("flag evaluation failed", "flag", flag, "error", err)
		return decision, evaluationError(err)
	}

	reason := of.TargetingMatchReason
	variant := "on"
	if !decision.Enabled {
		reason = of.DisabledReason
		variant = "off"
	}
	return decision, of.ProviderResolutionDetail{Reason: reason, Variant: variant}
}

func (p *Provider) variable(ctx context.Context, address string, ec of.FlattenedContext) (flagkit.Value, of.ProviderResolutionDetail) {
	flag, name, ok := strings.Cut(address, "/")
	if !ok || flag == "" || name == "" {
		return flagkit.Value{}, resolutionError(
			of.NewGeneralResolutionError(`typed flags are addressed as "<flag>/<variable>"`), of.ErrorReason)
	}

	decision, detail := p.evaluate(ctx, flag, ec)
	if detail.Error() != nil {
		return flagkit.Value{}, detail
	}
	value, found := decision.Lookup(name)
	if !found {
		return flagkit.Value{}, resolutionError(of.NewFlagNotFoundResolutionError("variable "+name+" not found"), of.DefaultReason)
	}
	detail.Variant = name
	return value, detail
}

// userContext builds a user context from the targeting key and the scalar
// attributes of ec. Other attribute types are skipped.
func (p *Provider) userContext(ec of.FlattenedContext) (*flagkit.UserContext, bool) {
	key, _ := ec[of.TargetingKey].(string)

	variables := make(map[string]flagkit.Value, len(ec))
	for name, raw := range ec {
		if name == of.TargetingKey {
			continue
		}
		value, err := flagkit.ValueOf(raw)
		if err != nil {
			p.logger.Debug("skipping evaluation context attribute", "attribute", name, "error", err)
			continue
		}
		variables[name] = value
	}

	uc := flagkit.NewUserContext(key, variables)
	if key == "" {
		if !p.deviceFallback {
			return nil, false
		}
		uc.WithDeviceIDFallback()
	}
	return uc, true
}

func evaluationError(err error) of.ProviderResolutionDetail {
	switch {
	case errors.Is(err, flagkit.ErrUnknownFlag):
		return resolutionError(of.NewFlagNotFoundResolutionError(err.Error()), of.DefaultReason)
	case errors.Is(err, flagkit.ErrNotReady), errors.Is(err, flagkit.ErrClosed):
		return resolutionError(of.NewProviderNotReadyResolutionError(err.Error()), of.ErrorReason)
	case errors.Is(err, flagkit.ErrUnresolvedContext), errors.Is(err, flagkit.ErrIdentityUnavailable):
		return resolutionError(of.NewTargetingKeyMissingResolutionError(err.Error()), of.ErrorReason)
	case errors.Is(err, flagkit.ErrTypeMismatch):
		return resolutionError(of.NewTypeMismatchResolutionError(err.Error()), of.ErrorReason)
	case errors.Is(err, flagkit.ErrMalformedConfiguration):
		return resolutionError(of.NewParseErrorResolutionError(err.Error()), of.ErrorReason)
	default:
		return resolutionError(of.NewGeneralResolutionError(err.Error()), of.ErrorReason)
	}
}

func typeMismatch(value flagkit.Value, want string) of.ProviderResolutionDetail {
	return resolutionError(
		of.NewTypeMismatchResolutionError("variable is "+value.Kind().String()+", want "+want), of.ErrorReason)
}

func resolutionError(resErr of.ResolutionError, reason of.Reason) of.ProviderResolutionDetail {
	return of.ProviderResolutionDetail{ResolutionError: resErr, Reason: reason}
}
