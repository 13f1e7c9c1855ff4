package server

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/middleware"
	"github.com/matt-riley/flagkit/internal/service"
	flagkitgrpc "github.com/matt-riley/flagkit/transport/grpc"
)

// BackendServer handles the flagkit.v1.Backend methods. Requests and
// responses are google.protobuf.Struct values.
type BackendServer interface {
	FetchSettings(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SendEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SendAttributes(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterBackendServer registers srv under flagkitgrpc.ServiceName.
func RegisterBackendServer(registrar grpc.ServiceRegistrar, srv BackendServer) {
	registrar.RegisterService(&backendServiceDesc, srv)
}

var backendServiceDesc = grpc.ServiceDesc{
	ServiceName: flagkitgrpc.ServiceName,
	HandlerType: (*BackendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchSettings", Handler: unaryHandler(flagkitgrpc.MethodFetchSettings, BackendServer.FetchSettings)},
		{MethodName: "Decide", Handler: unaryHandler(flagkitgrpc.MethodDecide, BackendServer.Decide)},
		{MethodName: "SendEvent", Handler: unaryHandler(flagkitgrpc.MethodSendEvent, BackendServer.SendEvent)},
		{MethodName: "SendAttributes", Handler: unaryHandler(flagkitgrpc.MethodSendAttributes, BackendServer.SendAttributes)},
	},
	Metadata: "flagkit/v1/backend.proto",
}

type unaryMethod func(BackendServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BackendServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BackendServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCServer implements BackendServer on top of a Service.
type GRPCServer struct {
	service Service
}

// NewGRPCServer creates a [GRPCServer].
func NewGRPCServer(svc Service) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}
	return &GRPCServer{service: svc}
}

func (s *GRPCServer) FetchSettings(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := grpcAccountID(ctx, int64(req.GetFields()["account_id"].GetNumberValue()))
	if err != nil {
		return nil, toGRPCError(err)
	}

	raw, err := s.service.Settings(ctx, accountID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return newStruct(map[string]any{"document": string(raw)})
}

func (s *GRPCServer) Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := grpcAccountID(ctx, 0)
	if err != nil {
		return nil, toGRPCError(err)
	}

	fields := req.GetFields()
	flagKey := fields["flag_key"].GetStringValue()
	if strings.TrimSpace(flagKey) == "" {
		return nil, status.Error(codes.InvalidArgument, "flag_key is required")
	}
	variables, rejected := valuesFromStruct(fields["variables"].GetStructValue())
	if key, err := firstRejected(rejected); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "variable %q: %v", key, err)
	}

	decision, err := s.service.Decide(ctx, accountID, flagKey, fields["user_id"].GetStringValue(), variables)
	if err != nil {
		return nil, toGRPCError(err)
	}

	list := make([]any, 0, len(decision.Variables))
	for _, v := range decision.Variables {
		list = append(list, map[string]any{"name": v.Name, "value": v.Value.Any()})
	}
	return newStruct(map[string]any{"enabled": decision.Enabled, "variables": list})
}

func (s *GRPCServer) SendEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := grpcAccountID(ctx, 0)
	if err != nil {
		return nil, toGRPCError(err)
	}

	fields := req.GetFields()
	properties, rejected := valuesFromStruct(fields["properties"].GetStructValue())
	if key, err := firstRejected(rejected); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "property %q: %v", key, err)
	}

	results, err := s.service.Track(ctx, accountID, core.TrackingEvent{
		Name:       fields["name"].GetStringValue(),
		UserID:     fields["user_id"].GetStringValue(),
		Properties: properties,
	})
	if err != nil {
		return nil, toGRPCError(err)
	}

	reported := make(map[string]any, len(results))
	for target, delivered := range results {
		reported[target] = delivered
	}
	return newStruct(map[string]any{"results": reported})
}

// SendAttributes rejects a value of an unsupported kind on its own and
// stores the rest.
func (s *GRPCServer) SendAttributes(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := grpcAccountID(ctx, 0)
	if err != nil {
		return nil, toGRPCError(err)
	}

	fields := req.GetFields()
	attributes, invalid := valuesFromStruct(fields["attributes"].GetStructValue())

	rejected, err := s.service.SetAttributes(ctx, accountID, fields["user_id"].GetStringValue(), attributes)
	if err != nil {
		return nil, toGRPCError(err)
	}

	reasons := make(map[string]any, len(invalid)+len(rejected))
	for key, reason := range invalid {
		reasons[key] = reason.Error()
	}
	for key, reason := range rejected {
		reasons[key] = reason.Error()
	}
	return newStruct(map[string]any{"rejected": reasons})
}

// grpcAccountID resolves the account a call addresses from the
// authenticated account, the account metadata and the request's own
// account field, in that order. They must agree when more than one is set.
func grpcAccountID(ctx context.Context, requested int64) (int64, error) {
	var metadataAccount int64
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(flagkitgrpc.AccountMetadataKey); len(values) > 0 {
			parsed, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
			if err != nil || parsed < 0 {
				return 0, errInvalidAccount
			}
			metadataAccount = parsed
		}
	}

	resolved := int64(0)
	if authenticated, ok := middleware.AccountIDFromContext(ctx); ok {
		resolved = authenticated
	}
	for _, candidate := range []int64{metadataAccount, requested} {
		switch {
		case candidate <= 0:
		case resolved == 0:
			resolved = candidate
		case candidate != resolved:
			return 0, errAccountMismatch
		}
	}
	return resolved, nil
}

func valuesFromStruct(in *structpb.Struct) (map[string]core.Value, map[string]error) {
	fields := in.GetFields()
	if len(fields) == 0 {
		return nil, nil
	}

	values := make(map[string]core.Value, len(fields))
	var rejected map[string]error
	for key, raw := range fields {
		value, err := flagkitgrpc.ValueFromProto(raw)
		if err != nil {
			if rejected == nil {
				rejected = make(map[string]error)
			}
			rejected[key] = err
			continue
		}
		values[key] = value
	}
	return values, rejected
}

// firstRejected picks the lowest key so the reported error is stable.
func firstRejected(rejected map[string]error) (string, error) {
	if len(rejected) == 0 {
		return "", nil
	}
	key := slices.Min(slices.Collect(maps.Keys(rejected)))
	return key, rejected[key]
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, core.ErrUnknownFlag):
		return status.Error(codes.NotFound, "unknown flag")
	case errors.Is(err, service.ErrAccountNotFound), errors.Is(err, errAccountMismatch):
		return status.Error(codes.PermissionDenied, "account not allowed")
	case errors.Is(err, errInvalidAccount),
		errors.Is(err, core.ErrPrecondition),
		errors.Is(err, core.ErrTypeMismatch),
		errors.Is(err, service.ErrReservedAttribute):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}
