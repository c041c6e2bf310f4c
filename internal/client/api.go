// Package client holds the agent's HTTP access to the sync server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/backoff"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"go.uber.org/zap"
)

const (
	mutationsPath         = "/mutations"
	syncPath              = "/sync"
	defaultRequestTimeout = 30 * time.Second
	maxErrorBodyBytes     = 4 << 10
)

var (
	errMissingBaseURL = errors.New("client: base url is required")
	errMissingToken   = errors.New("client: token is required")
	// ErrRequestRejected indicates a 4xx answer: retrying the same request cannot succeed.
	ErrRequestRejected = errors.New("client: request rejected")
	// ErrServerUnavailable indicates a transport failure, a 5xx or a 429 answer.
	ErrServerUnavailable = errors.New("client: server unavailable")
)

// APIClientConfig wires an API client.
type APIClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Backoff    *backoff.Calculator
	Logger     *zap.Logger
}

// APIClient submits mutation batches. Every request is gated by its backoff calculator.
type APIClient struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	backoff    *backoff.Calculator
	logger     *zap.Logger
}

// NewAPIClient validates cfg and constructs a client.
func NewAPIClient(cfg APIClientConfig) (*APIClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: invalid base url: %w", err)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errMissingToken
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	calculator := cfg.Backoff
	if calculator == nil {
		calculator = backoff.New(backoff.Config{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIClient{
		baseURL:    parsed,
		token:      cfg.Token,
		httpClient: httpClient,
		backoff:    calculator,
		logger:     logger,
	}, nil
}

// Backoff exposes the calculator gating this client.
func (c *APIClient) Backoff() *backoff.Calculator {
	return c.backoff
}

// SyncURL returns the websocket endpoint derived from the base url.
func (c *APIClient) SyncURL() string {
	endpoint := *c.baseURL
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + syncPath
	return endpoint.String()
}

// AuthorizationHeader returns the bearer header value used for every request.
func (c *APIClient) AuthorizationHeader() string {
	return "Bearer " + c.token
}

// Send posts one ordered batch and returns the server's per-item results.
func (c *APIClient) Send(ctx context.Context, mutations []protocol.Mutation) ([]protocol.MutationResult, error) {
	if !c.backoff.CanRetry() {
		return nil, backoff.ErrBackoffInEffect
	}
	body, err := json.Marshal(protocol.SubmitMutationsRequest{Mutations: mutations})
	if err != nil {
		return nil, fmt.Errorf("client: encode mutations: %w", err)
	}
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + mutationsPath
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	request.Header.Set("Authorization", c.AuthorizationHeader())
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.backoff.IncreaseError()
		c.logger.Warn("mutation submit failed", zap.Error(err), zap.Int("batch_size", len(mutations)))
		return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= http.StatusInternalServerError:
		c.backoff.IncreaseError()
		c.logger.Warn("mutation submit unavailable",
			zap.Int("status", response.StatusCode),
			zap.Int("consecutive_errors", c.backoff.ConsecutiveErrors()))
		return nil, fmt.Errorf("%w: status %d", ErrServerUnavailable, response.StatusCode)
	case response.StatusCode >= http.StatusBadRequest:
		detail, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		c.logger.Error("mutation submit rejected",
			zap.Int("status", response.StatusCode),
			zap.ByteString("body", detail))
		return nil, fmt.Errorf("%w: status %d", ErrRequestRejected, response.StatusCode)
	}

	var payload protocol.SubmitMutationsResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		c.backoff.IncreaseError()
		return nil, fmt.Errorf("%w: decode response: %v", ErrServerUnavailable, err)
	}
	c.backoff.Reset()
	return payload.Results, nil
}
