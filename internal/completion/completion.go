// Package completion is a minimal client for OpenAI-compatible
// chat-completions endpoints. It sends the full conversation on every
// call and returns the first choice's content.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/troupe/internal/config"
	"github.com/nugget/troupe/internal/httpkit"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultTimeout     = 2 * time.Minute

	maxErrorBody = 4096
)

// Roles used in conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrNoEndpoint is returned when no base URL is configured.
	ErrNoEndpoint = errors.New("completion: no endpoint configured")
	// ErrNoCredential is returned when no API key is configured.
	ErrNoCredential = errors.New("completion: no api key configured")
	// ErrNoMessages is returned for an empty conversation.
	ErrNoMessages = errors.New("completion: no messages")
	// ErrNoContent is returned when a 200 response carries no usable reply.
	ErrNoContent = errors.New("completion: response has no content")
)

// StatusError reports a non-200 response from the endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion: status %d: %s", e.StatusCode, e.Body)
}

// Message is one entry of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer produces the next assistant reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Config holds the endpoint settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
}

// Client talks to a single chat-completions endpoint.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// New creates a Client. A nil logger uses slog.Default.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		httpClient:  httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout)),
		logger:      logger,
	}
}

// Model returns the model name sent with each request.
func (c *Client) Model() string { return c.model }

// BaseURL returns the endpoint base URL.
func (c *Client) BaseURL() string { return c.baseURL }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Complete sends messages and returns the reply text. The slice is not
// modified.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	if c.baseURL == "" {
		return "", ErrNoEndpoint
	}
	if c.apiKey == "" {
		return "", ErrNoCredential
	}
	if len(messages) == 0 {
		return "", ErrNoMessages
	}

	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "completion request",
		"url", c.baseURL+"/chat/completions",
		"body", string(payload),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, maxErrorBody)
		return "", &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		c.logger.Warn("completion returned no content",
			"model", c.model,
			"choices", len(out.Choices),
		)
		return "", ErrNoContent
	}

	c.logger.Debug("completion finished",
		"model", c.model,
		"messages", len(messages),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return out.Choices[0].Message.Content, nil
}

// Ping checks that the endpoint answers GET /models. It is used by the
// connection watcher only.
func (c *Client) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return ErrNoEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 512)}
	}
	httpkit.DrainAndClose(resp.Body, 64*1024)
	return nil
}
