package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/config"
	"github.com/t77yq/servermon/internal/model"
)

const defaultHTTPTimeout = 10 * time.Second

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// WebhookChannel posts the alert JSON to a URL
type WebhookChannel struct {
	logger     *zap.Logger
	url        string
	httpClient *http.Client
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(logger *zap.Logger, cfg config.WebhookConfig) *WebhookChannel {
	return &WebhookChannel{
		logger:     logger.Named("webhook"),
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (c *WebhookChannel) Kind() Kind       { return KindWebhook }
func (c *WebhookChannel) Configured() bool { return c.url != "" }

// WebhookPayload is the body posted to webhooks
type WebhookPayload struct {
	Rule  string       `json:"rule_name"`
	Color string       `json:"color,omitempty"`
	Alert *model.Alert `json:"alert"`
}

func (c *WebhookChannel) Send(ctx context.Context, alert *model.Alert, rule *model.AlertRule) error {
	if !c.Configured() {
		return ErrChannelNotConfigured
	}
	return postJSON(ctx, c.httpClient, c.url, nil, WebhookPayload{Rule: rule.Name, Color: rule.Color, Alert: alert})
}

// SlackChannel posts to a Slack incoming webhook
type SlackChannel struct {
	logger     *zap.Logger
	url        string
	httpClient *http.Client
}

// NewSlackChannel creates a Slack channel
func NewSlackChannel(logger *zap.Logger, cfg config.SlackConfig) *SlackChannel {
	return &SlackChannel{
		logger:     logger.Named("slack"),
		url:        cfg.WebhookURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (c *SlackChannel) Kind() Kind       { return KindSlack }
func (c *SlackChannel) Configured() bool { return c.url != "" }

func (c *SlackChannel) Send(ctx context.Context, alert *model.Alert, rule *model.AlertRule) error {
	if !c.Configured() {
		return ErrChannelNotConfigured
	}
	text := fmt.Sprintf("*%s*\n%s", subject(alert), summary(alert, rule))
	return postJSON(ctx, c.httpClient, c.url, nil, map[string]string{"text": text})
}

// SMSChannel posts a short message to an SMS gateway
type SMSChannel struct {
	logger     *zap.Logger
	cfg        config.SMSConfig
	httpClient *http.Client
}

// NewSMSChannel creates an SMS gateway channel
func NewSMSChannel(logger *zap.Logger, cfg config.SMSConfig) *SMSChannel {
	return &SMSChannel{
		logger:     logger.Named("sms"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (c *SMSChannel) Kind() Kind { return KindSMS }

func (c *SMSChannel) Configured() bool {
	return c.cfg.Endpoint != "" && len(c.cfg.Recipients) > 0
}

// SMSMessage is the body posted to the SMS gateway
type SMSMessage struct {
	From string   `json:"from,omitempty"`
	To   []string `json:"to"`
	Text string   `json:"text"`
}

func (c *SMSChannel) Send(ctx context.Context, alert *model.Alert, rule *model.AlertRule) error {
	if !c.Configured() {
		return ErrChannelNotConfigured
	}

	text := alert.Description
	if text == "" {
		text = subject(alert)
	}
	// keep within a single SMS segment
	if len(text) > 160 {
		text = text[:157] + "..."
	}

	headers := map[string]string{}
	if c.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}
	return postJSON(ctx, c.httpClient, c.cfg.Endpoint, headers, SMSMessage{From: c.cfg.From, To: c.cfg.Recipients, Text: text})
}
