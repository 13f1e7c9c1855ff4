// Package http implements the flagkit backend over HTTP/JSON: settings
// download, remote decisions, event delivery, attribute updates and a
// server-sent events stream of settings changes.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/metrics"
)

const (
	maxSettingsBytes = 8 << 20
	maxErrorBytes    = 4 << 10
	defaultTimeout   = 10 * time.Second
)

// AccountHeader carries the account id on every request.
const AccountHeader = "X-Flagkit-Account"

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the backend URL, e.g. "https://flags.example.com".
	BaseURL string
	// SDKKey is sent as the bearer token. FetchSettings replaces it with the
	// key it is called with.
	SDKKey    string
	AccountID int64
	// HTTPClient is optional; its Transport and Timeout are reused.
	HTTPClient *http.Client
	// Metrics, when set, counts and times every request.
	Metrics *metrics.Metrics
}

// Client implements settings.Source, core.DecisionEngine and
// core.BackendClient over HTTP.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client

	mu        sync.RWMutex
	sdkKey    string
	accountID int64
}

// NewHTTPClient returns a new HTTP client for the flagkit backend.
func NewHTTPClient(cfg Config) *Client {
	var (
		base    http.RoundTripper = http.DefaultTransport
		timeout                   = defaultTimeout
	)
	if cfg.HTTPClient != nil {
		if cfg.HTTPClient.Transport != nil {
			base = cfg.HTTPClient.Transport
		}
		timeout = cfg.HTTPClient.Timeout
	}

	rt := base
	if cfg.Metrics != nil {
		rt = cfg.Metrics.RoundTripper(rt)
	}
	rt = otelhttp.NewTransport(rt)

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   &http.Client{Transport: rt, Timeout: timeout},
		streamClient: &http.Client{Transport: rt},
		sdkKey:       cfg.SDKKey,
		accountID:    cfg.AccountID,
	}
}

// -- wire types --------------------------------------------------------------

type wireDecideReq struct {
	FlagKey   string                `json:"flag_key"`
	UserID    string                `json:"user_id"`
	Variables map[string]core.Value `json:"variables,omitempty"`
}

type wireVariable struct {
	Name  string     `json:"name"`
	Value core.Value `json:"value"`
}

type wireDecideResp struct {
	Enabled   bool           `json:"enabled"`
	Variables []wireVariable `json:"variables"`
}

type wireEventResp struct {
	Results map[string]bool `json:"results"`
}

type wireEventBatchReq struct {
	Events []core.TrackingEvent `json:"events"`
}

type wireAttributesReq struct {
	UserID     string                `json:"user_id"`
	Attributes map[string]core.Value `json:"attributes"`
}

type wireAttributesResp struct {
	Rejected map[string]string `json:"rejected"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) credentials() (string, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sdkKey, c.accountID
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	sdkKey, accountID := c.credentials()
	return c.newRequestAs(ctx, method, path, body, sdkKey, accountID)
}

func (c *Client) newRequestAs(ctx context.Context, method, path string, body any, sdkKey string, accountID int64) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("flagkit: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("flagkit: create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+sdkKey)
	if accountID > 0 {
		req.Header.Set(AccountHeader, strconv.FormatInt(accountID, 10))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) send(hc *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagkit: http: %w: %w", core.ErrNetwork, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.send(c.httpClient, req)
}

func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("flagkit: decode response: %w: %w", core.ErrMalformedConfiguration, err)
	}
	return nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagkit: HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code onto the flagkit error taxonomy so callers can
// use errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return core.ErrInvalidCredentials
	case e.StatusCode == http.StatusNotFound:
		return core.ErrUnknownFlag
	case e.StatusCode == http.StatusBadRequest:
		return core.ErrPrecondition
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500:
		return core.ErrNetwork
	default:
		return nil
	}
}

// -- settings.Source ---------------------------------------------------------

// FetchSettings downloads the raw settings document for the account. The
// credentials are remembered for later requests.
func (c *Client) FetchSettings(ctx context.Context, sdkKey string, accountID int64) ([]byte, error) {
	c.mu.Lock()
	c.sdkKey, c.accountID = sdkKey, accountID
	c.mu.Unlock()

	resp, err := c.do(ctx, http.MethodGet, "/v1/settings", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSettingsBytes+1))
	if err != nil {
		return nil, fmt.Errorf("flagkit: read settings: %w: %w", core.ErrNetwork, err)
	}
	if len(raw) > maxSettingsBytes {
		return nil, fmt.Errorf("flagkit: settings document exceeds %d bytes: %w", maxSettingsBytes, core.ErrMalformedConfiguration)
	}
	return raw, nil
}

// -- core.DecisionEngine -----------------------------------------------------

// Decide asks the backend for the decision on flagKey.
func (c *Client) Decide(ctx context.Context, flagKey, userID string, variables map[string]core.Value) (core.Decision, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/decide", wireDecideReq{
		FlagKey:   flagKey,
		UserID:    userID,
		Variables: variables,
	})
	if err != nil {
		return core.Decision{}, err
	}

	var out wireDecideResp
	if err := decodeJSON(resp, &out); err != nil {
		return core.Decision{}, err
	}

	decision := core.Decision{Enabled: out.Enabled, Variables: make([]core.Variable, 0, len(out.Variables))}
	for _, v := range out.Variables {
		decision.Variables = append(decision.Variables, core.Variable{Name: v.Name, Value: v.Value})
	}
	return decision, nil
}

// -- core.BackendClient ------------------------------------------------------

// SendEvent delivers event and returns the per-target results the backend
// reports. An empty result set means the single backend target accepted it.
func (c *Client) SendEvent(ctx context.Context, event core.TrackingEvent) (map[string]bool, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/events", event)
	if err != nil {
		return nil, err
	}

	var out wireEventResp
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// SendEventBatch delivers queued events in one request, authenticated with
// the credentials they were tracked under. On error the batch should be
// sent again; the backend may already have recorded part of it.
func (c *Client) SendEventBatch(ctx context.Context, sdkKey string, accountID int64, events []core.TrackingEvent) error {
	req, err := c.newRequestAs(ctx, http.MethodPost, "/v1/events/batch", wireEventBatchReq{Events: events}, sdkKey, accountID)
	if err != nil {
		return err
	}
	resp, err := c.send(c.httpClient, req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// SendAttributes stores attributes for userID. Keys the backend refuses are
// returned with their reasons.
func (c *Client) SendAttributes(ctx context.Context, userID string, attributes map[string]core.Value) (map[string]error, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/attributes", wireAttributesReq{
		UserID:     userID,
		Attributes: attributes,
	})
	if err != nil {
		return nil, err
	}

	var out wireAttributesResp
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	if len(out.Rejected) == 0 {
		return nil, nil
	}

	rejected := make(map[string]error, len(out.Rejected))
	for key, reason := range out.Rejected {
		rejected[key] = errors.New(reason)
	}
	return rejected, nil
}
