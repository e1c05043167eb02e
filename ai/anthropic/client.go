// Package anthropic provides a direct Anthropic Messages API client that
// satisfies the same Chat interface as the OpenRouter client.
package anthropic

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ensembleworks/ensemble/ai/openrouter"
	"github.com/ensembleworks/ensemble/ai/tracker"
	"github.com/ensembleworks/ensemble/errors"
	"github.com/ensembleworks/ensemble/internal/httpclient"
)

const (
	// DefaultModel is the default Claude model.
	DefaultModel = "claude-sonnet-4-20250514"

	// BaseURL is the Anthropic API endpoint.
	BaseURL = "https://api.anthropic.com/v1"

	// APIVersion is the required Anthropic API version header.
	APIVersion = "2023-06-01"
)

// Client is an Anthropic Messages API client.
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	config       Config
	usageTracker *tracker.UsageTracker
	logger       *zap.SugaredLogger
}

// Config holds Anthropic client configuration.
type Config struct {
	APIKey        string
	Model         string
	Temperature   float64
	MaxTokens     int
	Logger        *zap.SugaredLogger
	DB            *sql.DB
	Verbosity     int
	OperationType string
	EntityType    string
	EntityID      string
}

// NewClient creates an Anthropic API client.
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Temperature == 0 {
		config.Temperature = 0.1
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}

	var usageTracker *tracker.UsageTracker
	if config.DB != nil {
		usageTracker = tracker.NewUsageTracker(config.DB, config.Verbosity)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	blockPrivateIP := true
	saferClient := httpclient.NewWithOptions(120*time.Second, httpclient.Options{
		BlockPrivateIP: &blockPrivateIP,
	})

	return &Client{
		apiKey:       config.APIKey,
		baseURL:      BaseURL,
		httpClient:   saferClient.Client,
		config:       config,
		usageTracker: usageTracker,
		logger:       logger,
	}
}

// MessagesRequest is the wire format of the Anthropic Messages API.
type MessagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Message is a conversation message. Role is "user" or "assistant";
// the Messages API takes system instructions via the top-level System field.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessagesResponse is the Messages API response.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// ContentBlock is a block of response content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage represents token usage information.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chat implements the provider AIClient interface, allowing seamless
// switching between Anthropic and OpenRouter.
func (c *Client) Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("Anthropic API key not configured")
	}

	temperature := c.config.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	maxTokens := c.config.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	model := c.config.Model
	if req.Model != nil {
		model = *req.Model
	}

	system, messages := convertMessages(req)

	anthropicReq := MessagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		System:      system,
		Messages:    messages,
	}

	c.logger.Debugw("Anthropic chat request",
		"model", model, "temperature", temperature, "max_tokens", maxTokens)

	requestTime := time.Now()

	maxRetries := 3
	var resp *MessagesResponse
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * time.Second
			c.logger.Debugw("Retrying Anthropic request", "attempt", attempt, "delay", delay)
			time.Sleep(delay)
		}

		resp, err = c.createMessages(ctx, anthropicReq)
		if err == nil {
			break
		}

		c.logger.Warnw("Anthropic API error",
			"attempt", attempt+1, "max_retries", maxRetries, "error", err, "model", model)

		if !c.isRetryableError(err) {
			c.trackFailedRequest(requestTime, model, temperature, maxTokens, err)
			return nil, errors.Wrap(err, "Anthropic API error")
		}
	}

	if err != nil {
		c.trackFailedRequest(requestTime, model, temperature, maxTokens, err)
		return nil, errors.Wrapf(err, "Anthropic API error after %d retries", maxRetries)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	cost := CalculateCost(model, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	if c.usageTracker != nil {
		responseTime := time.Now()
		totalTokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
		modelConfig := tracker.NewModelConfig(&temperature, &maxTokens)

		usage := &tracker.ModelUsage{
			OperationType:     c.config.OperationType,
			EntityType:        c.config.EntityType,
			EntityID:          c.config.EntityID,
			ModelName:         model,
			ModelProvider:     "anthropic",
			ModelConfig:       modelConfig,
			RequestTimestamp:  requestTime,
			ResponseTimestamp: &responseTime,
			TokensUsed:        &totalTokens,
			Cost:              &cost,
			Success:           true,
		}

		if err := c.usageTracker.TrackUsage(usage); err != nil {
			c.logger.Warnw("Failed to track usage", "error", err, "model", model)
		}
	}

	return &openrouter.ChatResponse{
		Content: strings.TrimSpace(content.String()),
		Model:   model,
		CostUSD: cost,
		Usage: openrouter.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// convertMessages maps the provider-neutral request onto the Messages API
// shape: system instructions go in the System field, everything else in
// the messages array.
func convertMessages(req openrouter.ChatRequest) (string, []Message) {
	if len(req.Messages) == 0 {
		return req.SystemPrompt, []Message{{Role: "user", Content: req.UserPrompt}}
	}

	var system strings.Builder
	messages := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
			continue
		}
		messages = append(messages, Message{Role: m.Role, Content: m.Content})
	}

	return system.String(), messages
}

func (c *Client) createMessages(ctx context.Context, req MessagesRequest) (*MessagesResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var messagesResp MessagesResponse
	if err := json.Unmarshal(respBody, &messagesResp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}

	return &messagesResp, nil
}

func (c *Client) isRetryableError(err error) bool {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}

	if opErr, ok := err.(*net.OpError); ok {
		if errno, ok := opErr.Err.(syscall.Errno); ok {
			switch errno {
			case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT:
				return true
			}
		}
	}

	errStr := strings.ToLower(err.Error())
	networkErrors := []string{
		"connection reset by peer",
		"connection refused",
		"timeout",
		"temporary failure",
		"network is unreachable",
		"i/o timeout",
		"overloaded", // Anthropic-specific
		"529",        // Anthropic overloaded status
	}

	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

func (c *Client) trackFailedRequest(requestTime time.Time, model string, temperature float64, maxTokens int, err error) {
	if c.usageTracker == nil {
		return
	}

	responseTime := time.Now()
	errMsg := err.Error()
	modelConfig := tracker.NewModelConfig(&temperature, &maxTokens)

	usage := &tracker.ModelUsage{
		OperationType:     c.config.OperationType,
		EntityType:        c.config.EntityType,
		EntityID:          c.config.EntityID,
		ModelName:         model,
		ModelProvider:     "anthropic",
		ModelConfig:       modelConfig,
		RequestTimestamp:  requestTime,
		ResponseTimestamp: &responseTime,
		Success:           false,
		ErrorMessage:      &errMsg,
	}

	if trackErr := c.usageTracker.TrackUsage(usage); trackErr != nil {
		c.logger.Warnw("Failed to track failed request", "error", trackErr, "model", model)
	}
}

// IsConfigured returns true if the client has an API key.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// SetHTTPClient overrides the HTTP client for tests.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
