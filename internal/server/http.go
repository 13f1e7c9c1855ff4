// Package server exposes the development backend over HTTP and gRPC in the
// wire formats the flagkit transports speak.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/flagkit/internal/batch"
	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/metrics"
	"github.com/matt-riley/flagkit/internal/middleware"
	"github.com/matt-riley/flagkit/internal/service"
	flagkithttp "github.com/matt-riley/flagkit/transport/http"
)

const (
	defaultStreamPollInterval = time.Second
	maxJSONBodyBytes          = 1 << 20
)

var (
	errJSONBodyTooLarge = errors.New("json request body too large")
	errAccountMismatch  = errors.New("account does not match sdk key")
	errInvalidAccount   = errors.New("invalid account header")
)

type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	logger             *slog.Logger
	metrics            *metrics.ServerMetrics
	apiMiddleware      []func(http.Handler) http.Handler
}

// HTTPOption configures the HTTP handler.
type HTTPOption func(*HTTPServer)

// WithStreamPollInterval sets how often /v1/stream checks for changes.
func WithStreamPollInterval(interval time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if interval > 0 {
			s.streamPollInterval = interval
		}
	}
}

// WithHTTPLogger sets the logger used when a request falls back to the
// default logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(s *HTTPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerMetrics counts API requests and serves GET /metrics.
func WithServerMetrics(m *metrics.ServerMetrics) HTTPOption {
	return func(s *HTTPServer) { s.metrics = m }
}

// WithAPIMiddleware wraps the /v1 routes, outermost first. /healthz and
// /metrics are never wrapped.
func WithAPIMiddleware(mw ...func(http.Handler) http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.apiMiddleware = append(s.apiMiddleware, mw...) }
}

type decideJSONRequest struct {
	FlagKey   string                `json:"flag_key"`
	UserID    string                `json:"user_id"`
	Variables map[string]core.Value `json:"variables,omitempty"`
}

type variableJSON struct {
	Name  string     `json:"name"`
	Value core.Value `json:"value"`
}

type decideJSONResponse struct {
	Enabled   bool           `json:"enabled"`
	Variables []variableJSON `json:"variables"`
}

type eventJSONResponse struct {
	Results map[string]bool `json:"results"`
}

type eventBatchJSONRequest struct {
	Events []core.TrackingEvent `json:"events"`
}

type eventBatchJSONResponse struct {
	Accepted int `json:"accepted"`
}

type attributesJSONRequest struct {
	UserID     string                     `json:"user_id"`
	Attributes map[string]json.RawMessage `json:"attributes"`
}

type attributesJSONResponse struct {
	Rejected map[string]string `json:"rejected"`
}

// NewHTTPHandler returns the backend's HTTP API.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(server)
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/settings", server.handleSettings)
	api.HandleFunc("POST /v1/decide", server.handleDecide)
	api.HandleFunc("POST /v1/events", server.handleEvents)
	api.HandleFunc("POST /v1/events/batch", server.handleEventBatch)
	api.HandleFunc("POST /v1/attributes", server.handleAttributes)
	api.HandleFunc("GET /v1/stream", server.handleStream)

	var apiHandler http.Handler = api
	if server.metrics != nil {
		apiHandler = server.metrics.HTTPMiddleware(apiHandler)
	}
	for i := len(server.apiMiddleware) - 1; i >= 0; i-- {
		apiHandler = server.apiMiddleware[i](apiHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", apiHandler)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}
	return mux
}

func (s *HTTPServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	accountID, err := requestAccountID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	raw, err := s.service.Settings(r.Context(), accountID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	contentType := "application/yaml"
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *HTTPServer) handleDecide(w http.ResponseWriter, r *http.Request) {
	accountID, err := requestAccountID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var request decideJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.FlagKey) == "" {
		writeJSONError(w, http.StatusBadRequest, "flag_key is required")
		return
	}

	decision, err := s.service.Decide(r.Context(), accountID, request.FlagKey, request.UserID, request.Variables)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	response := decideJSONResponse{Enabled: decision.Enabled, Variables: make([]variableJSON, 0, len(decision.Variables))}
	for _, v := range decision.Variables {
		response.Variables = append(response.Variables, variableJSON{Name: v.Name, Value: v.Value})
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	accountID, err := requestAccountID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var event core.TrackingEvent
	if err := decodeJSONBody(w, r, &event); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	results, err := s.service.Track(r.Context(), accountID, event)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if results == nil {
		results = map[string]bool{}
	}
	writeJSON(w, http.StatusOK, eventJSONResponse{Results: results})
}

// handleEventBatch records queued client events in order. The batch is
// checked before any event is recorded; a delivery failure part way through
// fails the request and the client uploads the batch again.
func (s *HTTPServer) handleEventBatch(w http.ResponseWriter, r *http.Request) {
	accountID, err := requestAccountID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var request eventBatchJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	switch {
	case len(request.Events) == 0:
		writeJSONError(w, http.StatusBadRequest, "events are required")
		return
	case len(request.Events) > batch.MaxBatchEvents:
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("at most %d events per batch", batch.MaxBatchEvents))
		return
	}
	for i, event := range request.Events {
		if strings.TrimSpace(event.Name) == "" {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("event %d has no name", i))
			return
		}
	}

	for _, event := range request.Events {
		if _, err := s.service.Track(r.Context(), accountID, event); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, eventBatchJSONResponse{Accepted: len(request.Events)})
}

// handleAttributes decodes each attribute on its own so one bad value is
// rejected without failing the rest.
func (s *HTTPServer) handleAttributes(w http.ResponseWriter, r *http.Request) {
	accountID, err := requestAccountID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var request attributesJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	response := attributesJSONResponse{Rejected: map[string]string{}}
	attributes := make(map[string]core.Value, len(request.Attributes))
	for key, raw := range request.Attributes {
		var value core.Value
		if err := json.Unmarshal(raw, &value); err != nil {
			response.Rejected[key] = err.Error()
			continue
		}
		attributes[key] = value
	}

	rejected, err := s.service.SetAttributes(r.Context(), accountID, request.UserID, attributes)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	for key, reason := range rejected {
		response.Rejected[key] = reason.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}
	if _, err := requestAccountID(r); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	currentEventID := lastEventID
	writeChanges := func(changes []service.Change) error {
		for _, change := range changes {
			currentEventID = change.EventID
			payload, err := json.Marshal(change)
			if err != nil {
				return err
			}
			if err := writeSSEEvent(w, change.EventID, flagkithttp.EventSettings, payload); err != nil {
				return err
			}
			if err := rc.Flush(); err != nil {
				return err
			}
		}
		return nil
	}

	initial, err := s.service.ListChangesSince(r.Context(), currentEventID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.requestLogger(r.Context()).Warn("streaming unsupported", "error", err)
		return
	}

	if s.metrics != nil {
		defer s.metrics.StreamOpened()()
	}

	if err := writeChanges(initial); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			changes, err := s.service.ListChangesSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, rc, serviceErrorMessage(err))
				return
			}
			if err := writeChanges(changes); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestAccountID resolves the account a request addresses. An
// authenticated account must agree with the account header when both are
// present. Zero means the account the backend serves.
func requestAccountID(r *http.Request) (int64, error) {
	var headerAccount int64
	if raw := strings.TrimSpace(r.Header.Get(flagkithttp.AccountHeader)); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return 0, errInvalidAccount
		}
		headerAccount = parsed
	}

	authenticated, ok := middleware.AccountIDFromContext(r.Context())
	switch {
	case !ok:
		return headerAccount, nil
	case headerAccount != 0 && headerAccount != authenticated:
		return 0, errAccountMismatch
	default:
		return authenticated, nil
	}
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		s.requestLogger(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSONError(w, code, serviceErrorMessage(err))
}

// requestLogger prefers the request-scoped logger of the logging middleware.
func (s *HTTPServer) requestLogger(ctx context.Context) *slog.Logger {
	if _, ok := middleware.RequestIDFromContext(ctx); ok {
		return middleware.LoggerFromContext(ctx)
	}
	return s.logger
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrUnknownFlag):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAccountNotFound), errors.Is(err, errAccountMismatch):
		return http.StatusForbidden
	case errors.Is(err, errInvalidAccount),
		errors.Is(err, core.ErrPrecondition),
		errors.Is(err, core.ErrTypeMismatch),
		errors.Is(err, service.ErrReservedAttribute):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, core.ErrUnknownFlag):
		return "unknown flag"
	case errors.Is(err, service.ErrAccountNotFound), errors.Is(err, errAccountMismatch):
		return "account not allowed"
	case errors.Is(err, errInvalidAccount),
		errors.Is(err, core.ErrPrecondition),
		errors.Is(err, core.ErrTypeMismatch),
		errors.Is(err, service.ErrReservedAttribute):
		return err.Error()
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, rc *http.ResponseController, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	_ = rc.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(string(payload), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
