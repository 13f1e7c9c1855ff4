// Package grpc implements the flagkit backend over gRPC. Messages are
// google.protobuf.Struct values so no generated stubs are required.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/metrics"
)

// ServiceName is the fully qualified gRPC service the client calls.
const ServiceName = "flagkit.v1.Backend"

// Full method names.
const (
	MethodFetchSettings  = "/" + ServiceName + "/FetchSettings"
	MethodDecide         = "/" + ServiceName + "/Decide"
	MethodSendEvent      = "/" + ServiceName + "/SendEvent"
	MethodSendAttributes = "/" + ServiceName + "/SendAttributes"
)

// AccountMetadataKey carries the account id in request metadata.
const AccountMetadataKey = "x-flagkit-account"

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the backend, e.g. "localhost:9090".
	Address   string
	SDKKey    string
	AccountID int64
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
	// Metrics, when set, counts and times every call.
	Metrics *metrics.Metrics
}

// Client implements settings.Source, core.DecisionEngine and
// core.BackendClient over gRPC.
type Client struct {
	conn *grpc.ClientConn

	mu        sync.RWMutex
	sdkKey    string
	accountID int64
}

// NewGRPCClient creates a client for the backend. The connection is
// established lazily. Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{grpc.WithStatsHandler(otelgrpc.NewClientHandler())}
	if cfg.Metrics != nil {
		opts = append(opts, grpc.WithChainUnaryInterceptor(cfg.Metrics.UnaryClientInterceptor()))
	}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("flagkit: grpc dial: %w: %w", core.ErrConfiguration, err)
	}
	return &Client{conn: conn, sdkKey: cfg.SDKKey, accountID: cfg.AccountID}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token and account into outgoing metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	c.mu.RLock()
	sdkKey, accountID := c.sdkKey, c.accountID
	c.mu.RUnlock()

	return metadata.AppendToOutgoingContext(ctx,
		"authorization", "Bearer "+sdkKey,
		AccountMetadataKey, strconv.FormatInt(accountID, 10),
	)
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("flagkit: encode %s: %w", method, err)
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(c.authCtx(ctx), method, in, out); err != nil {
		return nil, mapError(method, err)
	}
	return out, nil
}

// mapError attaches the flagkit error taxonomy to a gRPC status error.
func mapError(method string, err error) error {
	var sentinel error
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		sentinel = core.ErrInvalidCredentials
	case codes.NotFound:
		sentinel = core.ErrUnknownFlag
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		sentinel = core.ErrNetwork
	case codes.InvalidArgument, codes.FailedPrecondition:
		sentinel = core.ErrPrecondition
	}
	if sentinel == nil {
		return fmt.Errorf("flagkit: %s: %w", method, err)
	}
	return fmt.Errorf("flagkit: %s: %w: %w", method, sentinel, err)
}

// -- settings.Source ---------------------------------------------------------

// FetchSettings downloads the raw settings document. The credentials are
// remembered for later calls.
func (c *Client) FetchSettings(ctx context.Context, sdkKey string, accountID int64) ([]byte, error) {
	c.mu.Lock()
	c.sdkKey, c.accountID = sdkKey, accountID
	c.mu.Unlock()

	out, err := c.invoke(ctx, MethodFetchSettings, map[string]any{"account_id": float64(accountID)})
	if err != nil {
		return nil, err
	}

	doc, ok := out.GetFields()["document"]
	if !ok {
		return nil, fmt.Errorf("flagkit: %s: %w: response has no document", MethodFetchSettings, core.ErrMalformedConfiguration)
	}
	if _, isString := doc.GetKind().(*structpb.Value_StringValue); !isString {
		return nil, fmt.Errorf("flagkit: %s: %w: document is not a string", MethodFetchSettings, core.ErrMalformedConfiguration)
	}
	return []byte(doc.GetStringValue()), nil
}

// -- core.DecisionEngine -----------------------------------------------------

// Decide asks the backend for the decision on flagKey.
func (c *Client) Decide(ctx context.Context, flagKey, userID string, variables map[string]core.Value) (core.Decision, error) {
	out, err := c.invoke(ctx, MethodDecide, map[string]any{
		"flag_key":  flagKey,
		"user_id":   userID,
		"variables": ValuesToMap(variables),
	})
	if err != nil {
		return core.Decision{}, err
	}

	fields := out.GetFields()
	decision := core.Decision{Enabled: fields["enabled"].GetBoolValue()}
	for _, item := range fields["variables"].GetListValue().GetValues() {
		entry := item.GetStructValue().GetFields()
		name := entry["name"].GetStringValue()
		value, err := ValueFromProto(entry["value"])
		if err != nil {
			return core.Decision{}, fmt.Errorf("flagkit: %s: variable %q: %w: %w", MethodDecide, name, core.ErrMalformedConfiguration, err)
		}
		decision.Variables = append(decision.Variables, core.Variable{Name: name, Value: value})
	}
	return decision, nil
}

// -- core.BackendClient ------------------------------------------------------

// SendEvent delivers event and returns the per-target results the backend
// reports.
func (c *Client) SendEvent(ctx context.Context, event core.TrackingEvent) (map[string]bool, error) {
	out, err := c.invoke(ctx, MethodSendEvent, map[string]any{
		"name":       event.Name,
		"user_id":    event.UserID,
		"properties": ValuesToMap(event.Properties),
	})
	if err != nil {
		return nil, err
	}

	reported := out.GetFields()["results"].GetStructValue().GetFields()
	if len(reported) == 0 {
		return nil, nil
	}
	results := make(map[string]bool, len(reported))
	for target, delivered := range reported {
		results[target] = delivered.GetBoolValue()
	}
	return results, nil
}

// SendAttributes stores attributes for userID and returns the keys the
// backend refused, with reasons.
func (c *Client) SendAttributes(ctx context.Context, userID string, attributes map[string]core.Value) (map[string]error, error) {
	out, err := c.invoke(ctx, MethodSendAttributes, map[string]any{
		"user_id":    userID,
		"attributes": ValuesToMap(attributes),
	})
	if err != nil {
		return nil, err
	}

	reported := out.GetFields()["rejected"].GetStructValue().GetFields()
	if len(reported) == 0 {
		return nil, nil
	}
	rejected := make(map[string]error, len(reported))
	for key, reason := range reported {
		rejected[key] = errors.New(reason.GetStringValue())
	}
	return rejected, nil
}

// -- value conversion --------------------------------------------------------

// ValuesToMap converts values to the plain form structpb accepts, dropping
// invalid ones.
func ValuesToMap(values map[string]core.Value) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		if value.IsValid() {
			out[key] = value.Any()
		}
	}
	return out
}

// ValueFromProto converts a string, bool or finite number to a core.Value.
func ValueFromProto(v *structpb.Value) (core.Value, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return core.String(kind.StringValue), nil
	case *structpb.Value_BoolValue:
		return core.Bool(kind.BoolValue), nil
	case *structpb.Value_NumberValue:
		if math.IsNaN(kind.NumberValue) || math.IsInf(kind.NumberValue, 0) {
			return core.Value{}, fmt.Errorf("%w: non-finite number", core.ErrTypeMismatch)
		}
		return core.Number(kind.NumberValue), nil
	default:
		return core.Value{}, fmt.Errorf("%w: unsupported value %T", core.ErrTypeMismatch, kind)
	}
}
