package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates a bearer token and returns the account it grants.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (int64, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter throttles repeated authentication failures per client IP.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// failed records a failure for ip and reports whether the client may retry.
func (c authConfig) failed(ip string) bool {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.rateLimiter == nil || ip == "" {
		return true
	}
	return c.rateLimiter.Take(ip)
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, err := authorizeHTTP(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if !cfg.failed(ExtractIP(r.RemoteAddr)) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				writeHTTPUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContextWithAccountID(r.Context(), accountID)))
		})
	}
}

// UnaryBearerAuthInterceptor enforces bearer-token auth for unary gRPC requests.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		accountID, err := authorizeGRPC(ctx, validator)
		if err != nil {
			if !cfg.failed(extractGRPCPeerIP(ctx)) {
				return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		return handler(NewContextWithAccountID(ctx, accountID), req)
	}
}

// StreamBearerAuthInterceptor enforces bearer-token auth for streaming gRPC requests.
func StreamBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		accountID, err := authorizeGRPC(ctx, validator)
		if err != nil {
			if !cfg.failed(extractGRPCPeerIP(ctx)) {
				return status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			return status.Error(codes.Unauthenticated, "unauthorized")
		}

		return handler(srv, &wrappedServerStream{
			ServerStream: ss,
			ctx:          NewContextWithAccountID(ctx, accountID),
		})
	}
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

type contextKey string

const accountIDKey contextKey = "account_id"

// AccountIDFromContext retrieves the authenticated account from the context.
func AccountIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(accountIDKey).(int64)
	return id, ok
}

// NewContextWithAccountID returns a new context with the given account.
func NewContextWithAccountID(ctx context.Context, accountID int64) context.Context {
	noteAccount(ctx, accountID)
	return context.WithValue(ctx, accountIDKey, accountID)
}

func authorizeHTTP(ctx context.Context, authorizationHeader string, validator TokenValidator) (int64, error) {
	if validator == nil {
		return 0, errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return 0, errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return 0, err
	}
	return validateToken(ctx, validator, token)
}

func authorizeGRPC(ctx context.Context, validator TokenValidator) (int64, error) {
	if validator == nil {
		return 0, errors.New("token validator is nil")
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return 0, errMissingAuthorizationHeader
	}

	authorizationHeaders := md.Get("authorization")
	if len(authorizationHeaders) == 0 {
		return 0, errMissingAuthorizationHeader
	}

	for _, authorizationHeader := range authorizationHeaders {
		token, err := parseBearerToken(authorizationHeader)
		if err != nil {
			continue
		}
		if accountID, err := validateToken(ctx, validator, token); err == nil {
			return accountID, nil
		}
	}

	return 0, errInvalidAuthorizationHeader
}

func validateToken(ctx context.Context, validator TokenValidator, token string) (int64, error) {
	accountID, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return 0, err
	}
	if accountID <= 0 {
		return 0, errInvalidAuthorizationHeader
	}
	return accountID, nil
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
