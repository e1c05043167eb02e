// Package provider selects and constructs LLM clients. All providers
// implement the same Chat interface so the workflow engine and chat
// layer never care which backend serves a request.
package provider

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/ensembleworks/ensemble/ai/anthropic"
	"github.com/ensembleworks/ensemble/ai/openrouter"
	"github.com/ensembleworks/ensemble/config"
	"github.com/ensembleworks/ensemble/errors"
)

// Provider identifies an LLM provider.
type Provider string

const (
	// ProviderLocal uses local inference (Ollama, LocalAI).
	ProviderLocal Provider = "local"
	// ProviderOpenRouter uses the OpenRouter.ai API.
	ProviderOpenRouter Provider = "openrouter"
	// ProviderAnthropic uses the direct Anthropic API.
	ProviderAnthropic Provider = "anthropic"
	// ProviderAuto selects a provider based on configuration.
	ProviderAuto Provider = "auto"
)

// AIClient is the interface all LLM providers implement.
type AIClient interface {
	Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error)
}

// ClientConfig holds common configuration for creating AI clients.
type ClientConfig struct {
	Logger        *zap.SugaredLogger
	DB            *sql.DB
	Verbosity     int
	OperationType string
	EntityType    string
	EntityID      string
}

// NewAIClient creates an AI client with automatic provider selection.
// Priority: local inference (if enabled), then Anthropic (if API key
// set), then OpenRouter.
func NewAIClient(cfg *config.Config, db *sql.DB, verbosity int, operationType, entityType, entityID string) AIClient {
	clientCfg := ClientConfig{
		DB:            db,
		Verbosity:     verbosity,
		OperationType: operationType,
		EntityType:    entityType,
		EntityID:      entityID,
	}
	return NewAIClientWithProvider(cfg, ProviderAuto, clientCfg)
}

// NewAIClientWithProvider creates an AI client for a specific provider.
// Use ProviderAuto to let the factory decide based on configuration.
func NewAIClientWithProvider(cfg *config.Config, provider Provider, clientCfg ClientConfig) AIClient {
	switch provider {
	case ProviderLocal:
		return newLocalClient(cfg, clientCfg)
	case ProviderAnthropic:
		return newAnthropicClient(cfg, clientCfg)
	case ProviderOpenRouter:
		return newOpenRouterClient(cfg, clientCfg)
	default:
		return autoSelectClient(cfg, clientCfg)
	}
}

func autoSelectClient(cfg *config.Config, clientCfg ClientConfig) AIClient {
	if cfg.LocalInference.Enabled {
		return newLocalClient(cfg, clientCfg)
	}
	if cfg.Anthropic.APIKey != "" {
		return newAnthropicClient(cfg, clientCfg)
	}
	return newOpenRouterClient(cfg, clientCfg)
}

func newLocalClient(cfg *config.Config, clientCfg ClientConfig) AIClient {
	return NewLocalClient(LocalClientConfig{
		BaseURL:        cfg.LocalInference.BaseURL,
		Model:          cfg.LocalInference.Model,
		TimeoutSeconds: cfg.LocalInference.TimeoutSeconds,
		Logger:         clientCfg.Logger,
	})
}

func newAnthropicClient(cfg *config.Config, clientCfg ClientConfig) AIClient {
	var temperature float64
	if cfg.Anthropic.Temperature != nil {
		temperature = *cfg.Anthropic.Temperature
	}
	var maxTokens int
	if cfg.Anthropic.MaxTokens != nil {
		maxTokens = *cfg.Anthropic.MaxTokens
	}
	return anthropic.NewClient(anthropic.Config{
		APIKey:        cfg.Anthropic.APIKey,
		Model:         cfg.Anthropic.Model,
		Temperature:   temperature,
		MaxTokens:     maxTokens,
		Logger:        clientCfg.Logger,
		DB:            clientCfg.DB,
		Verbosity:     clientCfg.Verbosity,
		OperationType: clientCfg.OperationType,
		EntityType:    clientCfg.EntityType,
		EntityID:      clientCfg.EntityID,
	})
}

func newOpenRouterClient(cfg *config.Config, clientCfg ClientConfig) AIClient {
	return openrouter.NewClient(openrouter.Config{
		APIKey:        cfg.OpenRouter.APIKey,
		Model:         cfg.OpenRouter.Model,
		Temperature:   cfg.OpenRouter.Temperature,
		MaxTokens:     cfg.OpenRouter.MaxTokens,
		Logger:        clientCfg.Logger,
		DB:            clientCfg.DB,
		Verbosity:     clientCfg.Verbosity,
		OperationType: clientCfg.OperationType,
		EntityType:    clientCfg.EntityType,
		EntityID:      clientCfg.EntityID,
	})
}

// GetAvailableProviders returns the providers usable with the current
// configuration.
func GetAvailableProviders(cfg *config.Config) []Provider {
	var providers []Provider

	if cfg.LocalInference.Enabled {
		providers = append(providers, ProviderLocal)
	}
	if cfg.Anthropic.APIKey != "" {
		providers = append(providers, ProviderAnthropic)
	}
	if cfg.OpenRouter.APIKey != "" {
		providers = append(providers, ProviderOpenRouter)
	}

	return providers
}

// ParseProvider converts a string to a Provider.
func ParseProvider(s string) (Provider, error) {
	switch s {
	case "local", "ollama", "localai":
		return ProviderLocal, nil
	case "openrouter", "or":
		return ProviderOpenRouter, nil
	case "anthropic", "claude":
		return ProviderAnthropic, nil
	case "auto", "":
		return ProviderAuto, nil
	default:
		return "", errors.Newf("unknown provider: %s (valid: local, openrouter, anthropic, auto)", s)
	}
}

// Verify interfaces are implemented.
var _ AIClient = (*openrouter.Client)(nil)
var _ AIClient = (*anthropic.Client)(nil)
var _ AIClient = (*LocalClient)(nil)
