// Package client implements the HTTP client for the Operion platform API:
// metric batch ingestion and resource registration. Requests carry a bearer
// token when the agent is credentialed; failures are classified as request
// errors, non-2xx responses (with status and body), or parse errors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/operion/sentinel-agent/internal/models"
)

// TokenProvider supplies the bearer token attached to API requests.
type TokenProvider interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for a fixed API key.
type StaticToken string

// GetAccessToken returns the fixed key.
func (t StaticToken) GetAccessToken(context.Context) (string, error) {
	return string(t), nil
}

// APIError indicates the platform returned a non-2xx status.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned status %d: %s", e.Status, e.Body)
}

// Client talks to the platform API.
type Client struct {
	client   *http.Client
	endpoint string
	tokens   TokenProvider
	logger   *zap.Logger
}

// New creates a Client for the given API endpoint. tokens may be nil for
// unauthenticated operation.
func New(endpoint string, timeout time.Duration, tokens TokenProvider, logger *zap.Logger) *Client {
	return &Client{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		tokens:   tokens,
		logger:   logger,
	}
}

// Endpoint returns the configured API endpoint.
func (c *Client) Endpoint() string { return c.endpoint }

// SendBatch posts a metric batch to the ingestion endpoint. The response
// body is discarded on success; a non-2xx status yields an *APIError.
func (c *Client) SendBatch(ctx context.Context, batch *models.Batch) error {
	resp, err := c.postJSON(ctx, c.endpoint+"/api/v1/metrics", batch)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	c.logger.Debug("Batch sent",
		zap.String("server_id", batch.ServerID),
		zap.Int("metrics", len(batch.Metrics)))
	return nil
}

// RegisterResource registers this host with the platform and returns the
// assigned resource identity.
func (c *Client) RegisterResource(ctx context.Context, reg *models.RegistrationRequest) (*models.RegistrationResponse, error) {
	resp, err := c.postJSON(ctx, c.endpoint+"/api/v1/resources", reg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var regResp models.RegistrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&regResp); err != nil {
		return nil, fmt.Errorf("parsing registration response: %w", err)
	}
	return &regResp, nil
}

// postJSON sends one JSON POST and verifies the status class. The caller
// owns the returned body on success.
func (c *Client) postJSON(ctx context.Context, url string, payload interface{}) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.GetAccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtaining access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		msg := "unable to read response body"
		if readErr == nil {
			msg = string(body)
		}
		return nil, &APIError{Status: resp.StatusCode, Body: msg}
	}
	return resp, nil
}
