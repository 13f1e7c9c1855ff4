package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 128

type logContextKey string

const (
	requestIDKey   logContextKey = "request_id"
	loggerKey      logContextKey = "logger"
	accountSlotKey logContextKey = "account_slot"
)

// RequestIDFromContext retrieves the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// LoggerFromContext retrieves the request-scoped logger from the context.
// Falls back to slog.Default() if none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// requestID keeps a caller-supplied id when it is usable and mints one
// otherwise.
func requestID(supplied string) string {
	if supplied != "" && len(supplied) <= maxRequestIDLength {
		return supplied
	}
	return uuid.NewString()
}

func grpcRequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return requestID("")
	}
	if ids := md.Get("x-request-id"); len(ids) > 0 {
		return requestID(ids[0])
	}
	return requestID("")
}

// requestAccount is filled in by auth middleware running inside the
// logging middleware, so the completion log can name the account.
type requestAccount struct {
	id atomic.Int64
}

func noteAccount(ctx context.Context, accountID int64) {
	if acct, ok := ctx.Value(accountSlotKey).(*requestAccount); ok {
		acct.id.Store(accountID)
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that unwrap writers.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HTTPRequestLogging returns middleware that logs each HTTP request with its
// request ID, method, path, status code and duration. A request ID sent in
// X-Request-ID is kept and echoed back.
func HTTPRequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := requestID(r.Header.Get(RequestIDHeader))
			w.Header().Set(RequestIDHeader, reqID)
			reqLogger := logger.With(slog.String("request_id", reqID))

			ctx := context.WithValue(r.Context(), requestIDKey, reqID)
			ctx = context.WithValue(ctx, loggerKey, reqLogger)
			acct := &requestAccount{}
			ctx = context.WithValue(ctx, accountSlotKey, acct)

			reqLogger.InfoContext(ctx, "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrapped, r.WithContext(ctx))
			duration := time.Since(start)

			reqLogger.InfoContext(ctx, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.statusCode),
				slog.Int64("account_id", acct.id.Load()),
				slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
			)
		})
	}
}

// UnaryRequestLoggingInterceptor returns a gRPC unary server interceptor that
// logs each call with its request ID, method, status code and duration. An
// x-request-id metadata value is kept.
func UnaryRequestLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		reqID := grpcRequestID(ctx)
		reqLogger := logger.With(slog.String("request_id", reqID))

		ctx = context.WithValue(ctx, requestIDKey, reqID)
		ctx = context.WithValue(ctx, loggerKey, reqLogger)
		acct := &requestAccount{}
		ctx = context.WithValue(ctx, accountSlotKey, acct)

		reqLogger.InfoContext(ctx, "request started",
			slog.String("method", info.FullMethod),
		)

		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		code := status.Code(err)
		reqLogger.InfoContext(ctx, "request completed",
			slog.String("method", info.FullMethod),
			slog.String("status_code", code.String()),
			slog.Int64("account_id", acct.id.Load()),
			slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
		)

		return resp, err
	}
}
