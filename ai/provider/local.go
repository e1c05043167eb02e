package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ensembleworks/ensemble/ai/openrouter"
	"github.com/ensembleworks/ensemble/errors"
)

// LocalClient talks to an OpenAI-compatible local inference endpoint
// (Ollama, LocalAI). Local inference has zero API cost, so no usage
// tracking is wired here.
type LocalClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// LocalClientConfig configures a local inference client.
type LocalClientConfig struct {
	BaseURL        string
	Model          string
	TimeoutSeconds int
	Logger         *zap.SugaredLogger
}

// NewLocalClient creates a client for a local inference server.
func NewLocalClient(cfg LocalClientConfig) *LocalClient {
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 3600
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &LocalClient{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
		logger: logger,
	}
}

type localChatRequest struct {
	Model    string               `json:"model"`
	Messages []openrouter.Message `json:"messages"`
	Stream   bool                 `json:"stream"`
	Options  *localOptions        `json:"options,omitempty"`
}

type localOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"num_predict,omitempty"` // Ollama uses num_predict
}

type localChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Index        int                `json:"index"`
		Message      openrouter.Message `json:"message"`
		FinishReason string             `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// Chat implements the AIClient interface for local inference.
func (c *LocalClient) Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	messages := req.Messages
	if len(messages) == 0 {
		messages = []openrouter.Message{{Role: "user", Content: req.UserPrompt}}
		if req.SystemPrompt != "" {
			messages = append([]openrouter.Message{{Role: "system", Content: req.SystemPrompt}}, messages...)
		}
	}

	temperature := 0.7
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	reqBody := localChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Options: &localOptions{
			Temperature: temperature,
			MaxTokens:   maxTokens,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	// OpenAI-compatible endpoint, works for Ollama and LocalAI
	endpoint := c.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "local inference request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, errors.Newf("local inference returned status %d: %s", resp.StatusCode, string(body))
	}

	var completion localChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, errors.Wrap(err, "failed to decode response")
	}

	if len(completion.Choices) == 0 {
		return nil, errors.New("no completion choices returned")
	}

	var usage openrouter.Usage
	if completion.Usage != nil {
		usage = openrouter.Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		}
	}

	model := completion.Model
	if model == "" {
		model = c.model
	}

	return &openrouter.ChatResponse{
		Content: strings.TrimSpace(completion.Choices[0].Message.Content),
		Model:   model,
		CostUSD: 0, // local inference is free
		Usage:   usage,
	}, nil
}

// SetHTTPClient overrides the HTTP client for tests.
func (c *LocalClient) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
