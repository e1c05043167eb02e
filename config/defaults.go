package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "ensemble.db")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.max_upload_bytes", 32<<20) // 32MB

	// OpenRouter defaults
	v.SetDefault("openrouter.model", "openai/gpt-4o-mini") // Cost-effective default
	v.SetDefault("openrouter.temperature", 0.1)            // Deterministic analysis
	v.SetDefault("openrouter.max_tokens", 2000)

	// Anthropic defaults
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")

	// Local inference (Ollama) defaults
	v.SetDefault("local_inference.enabled", false)
	v.SetDefault("local_inference.base_url", "http://localhost:11434")
	v.SetDefault("local_inference.model", "llama3.2:3b")
	v.SetDefault("local_inference.timeout_seconds", 3600)

	// Workflow execution defaults
	v.SetDefault("workflow.daily_budget_usd", 3.0)
	v.SetDefault("workflow.weekly_budget_usd", 7.0)
	v.SetDefault("workflow.monthly_budget_usd", 15.0)
	v.SetDefault("workflow.cost_per_step_usd", 0.01)
	v.SetDefault("workflow.max_context_bytes", 48*1024)
	v.SetDefault("workflow.requests_per_minute", 20)

	// Chat defaults
	v.SetDefault("chat.temperature", 0.7) // Conversational
}

// BindSensitiveEnvVars binds sensitive configuration and conventional
// deployment variables that are expected without the ENSEMBLE_ prefix.
func BindSensitiveEnvVars(v *viper.Viper) {
	// API keys. OPENAI_API_KEY is honored as an OpenRouter key alias for
	// environments migrated from direct OpenAI access.
	v.BindEnv("openrouter.api_key", "ENSEMBLE_OPENROUTER_API_KEY", "OPENROUTER_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("anthropic.api_key", "ENSEMBLE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")

	// Conventional deployment variables
	v.BindEnv("server.host", "ENSEMBLE_SERVER_HOST", "HOST")
	v.BindEnv("server.port", "ENSEMBLE_SERVER_PORT", "PORT")

	// Database path
	v.BindEnv("database.path", "ENSEMBLE_DATABASE_PATH")

	// Local inference
	v.BindEnv("local_inference.enabled", "ENSEMBLE_LOCAL_INFERENCE_ENABLED")
	v.BindEnv("local_inference.base_url", "ENSEMBLE_LOCAL_INFERENCE_BASE_URL")
	v.BindEnv("local_inference.model", "ENSEMBLE_LOCAL_INFERENCE_MODEL")
}
