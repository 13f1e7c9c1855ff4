package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})), &buf
}

func TestHTTPRequestLogging(t *testing.T) {
	t.Run("logs request with request_id in context", func(t *testing.T) {
		logger, buf := newBufferLogger()

		var capturedReqID string
		var capturedLogger *slog.Logger
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := RequestIDFromContext(r.Context())
			if !ok {
				t.Fatal("expected request_id in context")
			}
			capturedReqID = id
			capturedLogger = LoggerFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		})

		handler := HTTPRequestLogging(logger)(inner)
		req := httptest.NewRequest(http.MethodPost, "/v1/decide", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if _, err := uuid.Parse(capturedReqID); err != nil {
			t.Fatalf("request_id %q is not a uuid: %v", capturedReqID, err)
		}
		if got := rec.Header().Get(RequestIDHeader); got != capturedReqID {
			t.Fatalf("%s header = %q, want %q", RequestIDHeader, got, capturedReqID)
		}
		if capturedLogger == nil {
			t.Fatal("expected logger in context")
		}

		output := buf.String()
		for _, want := range []string{
			"request started",
			"request completed",
			capturedReqID,
			"method=POST",
			"path=/v1/decide",
			"status_code=200",
			"duration_ms=",
			"account_id=0",
		} {
			if !strings.Contains(output, want) {
				t.Fatalf("expected %q in log output, got: %s", want, output)
			}
		}
	})

	t.Run("keeps caller request id", func(t *testing.T) {
		logger, buf := newBufferLogger()

		handler := HTTPRequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, _ := RequestIDFromContext(r.Context()); id != "trace-abc" {
				t.Errorf("request id = %q, want trace-abc", id)
			}
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "trace-abc")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get(RequestIDHeader); got != "trace-abc" {
			t.Fatalf("%s header = %q, want trace-abc", RequestIDHeader, got)
		}
		if !strings.Contains(buf.String(), "request_id=trace-abc") {
			t.Fatalf("expected caller request id in log output, got: %s", buf.String())
		}
	})

	t.Run("replaces oversized request id", func(t *testing.T) {
		handler := HTTPRequestLogging(slog.Default())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, strings.Repeat("x", maxRequestIDLength+1))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if _, err := uuid.Parse(rec.Header().Get(RequestIDHeader)); err != nil {
			t.Fatalf("expected a fresh uuid, got %q", rec.Header().Get(RequestIDHeader))
		}
	})

	t.Run("logs the authenticated account", func(t *testing.T) {
		logger, buf := newBufferLogger()

		validator := &testTokenValidator{expectedToken: "good", accountID: 42}
		handler := HTTPRequestLogging(logger)(HTTPBearerAuthMiddleware(validator)(
			http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
		))
		req := httptest.NewRequest(http.MethodGet, "/v1/settings", nil)
		req.Header.Set("Authorization", "Bearer good")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if !strings.Contains(buf.String(), "account_id=42") {
			t.Fatalf("expected account_id=42 in log output, got: %s", buf.String())
		}
	})

	t.Run("captures non-200 status code", func(t *testing.T) {
		logger, buf := newBufferLogger()

		handler := HTTPRequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/decide", nil))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		if !strings.Contains(buf.String(), "status_code=404") {
			t.Fatalf("expected status_code=404 in log output, got: %s", buf.String())
		}
	})

	t.Run("captures status from Write without explicit WriteHeader", func(t *testing.T) {
		logger, buf := newBufferLogger()

		handler := HTTPRequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("hello"))
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		if !strings.Contains(buf.String(), "status_code=200") {
			t.Fatalf("expected status_code=200 in log output, got: %s", buf.String())
		}
	})

	t.Run("nil logger uses default", func(t *testing.T) {
		handler := HTTPRequestLogging(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})
}

func TestUnaryRequestLoggingInterceptor(t *testing.T) {
	const method = "/flagkit.v1.Backend/Decide"

	t.Run("logs gRPC request with request_id", func(t *testing.T) {
		logger, buf := newBufferLogger()

		var capturedReqID string
		interceptor := UnaryRequestLoggingInterceptor(logger)
		info := &grpc.UnaryServerInfo{FullMethod: method}

		resp, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
			id, ok := RequestIDFromContext(ctx)
			if !ok {
				t.Fatal("expected request_id in context")
			}
			capturedReqID = id
			return "ok", nil
		})

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp != "ok" {
			t.Fatalf("expected response 'ok', got %v", resp)
		}
		if _, err := uuid.Parse(capturedReqID); err != nil {
			t.Fatalf("request_id %q is not a uuid: %v", capturedReqID, err)
		}

		output := buf.String()
		for _, want := range []string{"request started", "request completed", method, "status_code=OK", "duration_ms="} {
			if !strings.Contains(output, want) {
				t.Fatalf("expected %q in log output, got: %s", want, output)
			}
		}
	})

	t.Run("keeps metadata request id", func(t *testing.T) {
		interceptor := UnaryRequestLoggingInterceptor(slog.Default())
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-request-id", "trace-abc"))

		_, err := interceptor(ctx, "req", &grpc.UnaryServerInfo{FullMethod: method}, func(ctx context.Context, _ any) (any, error) {
			if id, _ := RequestIDFromContext(ctx); id != "trace-abc" {
				t.Errorf("request id = %q, want trace-abc", id)
			}
			return nil, nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("logs the authenticated account", func(t *testing.T) {
		logger, buf := newBufferLogger()
		logging := UnaryRequestLoggingInterceptor(logger)
		auth := UnaryBearerAuthInterceptor(&testTokenValidator{expectedToken: "good", accountID: 7})
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer good"))
		info := &grpc.UnaryServerInfo{FullMethod: method}

		_, err := logging(ctx, "req", info, func(ctx context.Context, req any) (any, error) {
			return auth(ctx, req, info, func(context.Context, any) (any, error) { return "ok", nil })
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(buf.String(), "account_id=7") {
			t.Fatalf("expected account_id=7 in log output, got: %s", buf.String())
		}
	})

	t.Run("logs error status code", func(t *testing.T) {
		logger, buf := newBufferLogger()
		interceptor := UnaryRequestLoggingInterceptor(logger)

		_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: method}, func(context.Context, any) (any, error) {
			return nil, status.Error(codes.NotFound, "not found")
		})

		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(buf.String(), "status_code=NotFound") {
			t.Fatalf("expected status_code=NotFound in log output, got: %s", buf.String())
		}
	})

	t.Run("nil logger uses default", func(t *testing.T) {
		interceptor := UnaryRequestLoggingInterceptor(nil)
		resp, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "/test"}, func(context.Context, any) (any, error) {
			return "ok", nil
		})

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp != "ok" {
			t.Fatalf("expected 'ok', got %v", resp)
		}
	})
}

func TestRequestIDFromContext(t *testing.T) {
	if _, ok := RequestIDFromContext(context.Background()); ok {
		t.Fatal("expected false for empty context")
	}

	ctx := context.WithValue(context.Background(), requestIDKey, "test-id")
	id, ok := RequestIDFromContext(ctx)
	if !ok || id != "test-id" {
		t.Fatalf("RequestIDFromContext() = %q, %v; want test-id, true", id, ok)
	}
}

func TestLoggerFromContext(t *testing.T) {
	if LoggerFromContext(context.Background()) == nil {
		t.Fatal("expected non-nil logger")
	}

	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := context.WithValue(context.Background(), loggerKey, custom)
	if LoggerFromContext(ctx) != custom {
		t.Fatal("expected custom logger")
	}
}

func TestResponseWriterCapture(t *testing.T) {
	t.Run("double WriteHeader only records first", func(t *testing.T) {
		rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}

		rw.WriteHeader(http.StatusCreated)
		rw.WriteHeader(http.StatusInternalServerError)

		if rw.statusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rw.statusCode)
		}
	})

	t.Run("Unwrap returns underlying writer", func(t *testing.T) {
		rec := httptest.NewRecorder()
		rw := &responseWriter{ResponseWriter: rec}
		if rw.Unwrap() != rec {
			t.Fatal("Unwrap should return underlying ResponseWriter")
		}
	})
}
