package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/model"
)

// ErrUnexpectedStatus is returned when an agent answers with a non-2xx status
var ErrUnexpectedStatus = errors.New("unexpected agent response status")

// Client talks to the monitoring agent running on each server
type Client struct {
	logger      *zap.Logger
	httpClient  *http.Client
	defaultPort int
}

// NewClient creates a new agent client
func NewClient(logger *zap.Logger, timeout time.Duration, defaultPort int) *Client {
	return &Client{
		logger: logger.Named("agent-client"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		defaultPort: defaultPort,
	}
}

// WithHTTPClient replaces the underlying HTTP client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// CurrentData fetches the live snapshot from GET /current_data
func (c *Client) CurrentData(ctx context.Context, server *model.ServerDetails) (*model.Snapshot, error) {
	var snapshot model.Snapshot
	if err := c.do(ctx, server, http.MethodGet, "/current_data", nil, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Range fetches historical snapshots between start and end from POST /monitor/range
func (c *Client) Range(ctx context.Context, server *model.ServerDetails, start, end time.Time) (*model.RangeResponse, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("range end %s is before start %s", end.Format(model.AgentTimeLayout), start.Format(model.AgentTimeLayout))
	}
	var resp model.RangeResponse
	if err := c.do(ctx, server, http.MethodPost, "/monitor/range", model.NewRangeRequest(start, end), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Services lists the services the agent watches from GET /services
func (c *Client) Services(ctx context.Context, server *model.ServerDetails) ([]model.ServiceStatus, error) {
	var services []model.ServiceStatus
	if err := c.do(ctx, server, http.MethodGet, "/services", nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

// Health probes GET /health. It never returns an error: transport failures
// are reported as unreachable.
func (c *Client) Health(ctx context.Context, server *model.ServerDetails) model.HealthStatus {
	url := server.AgentBaseURL(c.defaultPort) + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.HealthStatus{Status: model.HealthUnreachable}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("Agent unreachable", zap.String("url", url), zap.Error(err))
		return model.HealthStatus{Status: model.HealthUnreachable}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.HealthStatus{Status: model.HealthUnhealthy}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil || !json.Valid(body) {
		return model.HealthStatus{Status: model.HealthHealthy}
	}
	return model.HealthStatus{Status: model.HealthHealthy, Data: body}
}

func (c *Client) do(ctx context.Context, server *model.ServerDetails, method, path string, in, out any) error {
	url := server.AgentBaseURL(c.defaultPort) + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Calling agent",
		zap.String("method", method),
		zap.String("url", url))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s returned %d: %w", method, url, resp.StatusCode, ErrUnexpectedStatus)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode agent response: %w", err)
	}
	return nil
}
