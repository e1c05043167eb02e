// Package config provides the Ensemble configuration layer.
//
// Configuration is merged from TOML files in precedence order
// (system < user < project) and overridden by environment variables
// with the ENSEMBLE_ prefix. A handful of conventional variables
// (OPENROUTER_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY, HOST, PORT)
// are bound without the prefix.
package config

// Config is the root Ensemble configuration.
type Config struct {
	Database       DatabaseConfig       `mapstructure:"database"`
	Server         ServerConfig         `mapstructure:"server"`
	OpenRouter     OpenRouterConfig     `mapstructure:"openrouter"`
	Anthropic      AnthropicConfig      `mapstructure:"anthropic"`
	LocalInference LocalInferenceConfig `mapstructure:"local_inference"`
	Workflow       WorkflowConfig       `mapstructure:"workflow"`
	Personas       PersonasConfig       `mapstructure:"personas"`
	Chat           ChatConfig           `mapstructure:"chat"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the Ensemble HTTP server
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxUploadBytes int64    `mapstructure:"max_upload_bytes"`
}

// DefaultServerPort is the development port for the Ensemble server
const DefaultServerPort = 8180

// OpenRouterConfig configures OpenRouter.ai API access
type OpenRouterConfig struct {
	APIKey      string   `mapstructure:"api_key"`     // OpenRouter API key
	Model       string   `mapstructure:"model"`       // Default model (e.g., "openai/gpt-4o-mini")
	Temperature *float64 `mapstructure:"temperature"` // Sampling temperature (nil = default 0.1)
	MaxTokens   *int     `mapstructure:"max_tokens"`  // Maximum tokens per request (nil = default 2000)
}

// AnthropicConfig configures direct Anthropic API access
type AnthropicConfig struct {
	APIKey      string   `mapstructure:"api_key"`
	Model       string   `mapstructure:"model"`
	Temperature *float64 `mapstructure:"temperature"`
	MaxTokens   *int     `mapstructure:"max_tokens"`
}

// LocalInferenceConfig configures local model inference (Ollama, LocalAI, etc.)
type LocalInferenceConfig struct {
	Enabled        bool   `mapstructure:"enabled"`         // Prefer local inference over cloud APIs
	BaseURL        string `mapstructure:"base_url"`        // e.g., "http://localhost:11434" for Ollama
	Model          string `mapstructure:"model"`           // e.g., "llama3.2:3b"
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // Request timeout in seconds
}

// WorkflowConfig configures workflow execution behavior and spend limits
type WorkflowConfig struct {
	// Spend limits enforced against recorded usage (sliding windows)
	DailyBudgetUSD   float64 `mapstructure:"daily_budget_usd"`
	WeeklyBudgetUSD  float64 `mapstructure:"weekly_budget_usd"`
	MonthlyBudgetUSD float64 `mapstructure:"monthly_budget_usd"`
	CostPerStepUSD   float64 `mapstructure:"cost_per_step_usd"` // Estimated cost per persona step

	// Accumulated context is capped at this many bytes; oldest content
	// is dropped first when the cap is exceeded.
	MaxContextBytes int `mapstructure:"max_context_bytes"`

	// LLM call pacing
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

// PersonasConfig configures external persona definition loading
type PersonasConfig struct {
	// File is an optional YAML or JSON file with additional persona
	// definitions, loaded at startup and hot-reloaded on change.
	File string `mapstructure:"file"`
}

// ChatConfig configures the follow-up chat over completed analyses
type ChatConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	Model       string  `mapstructure:"model"` // Empty = provider default
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "ensemble.db"
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}
