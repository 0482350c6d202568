package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
)

var validSSLModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

// Validate checks configuration values. Returns sentinel errors checkable
// with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// Provider and its credentials
	switch c.Provider {
	case ProviderGoogleAI:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required for the googleai provider",
				ErrMissingAPIKey)
		}
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY environment variable is required for the openai provider",
				ErrMissingAPIKey)
		}
	case ProviderOllama:
		if !strings.HasPrefix(c.OllamaHost, "http://") && !strings.HasPrefix(c.OllamaHost, "https://") {
			return fmt.Errorf("%w: must start with http:// or https://, got %q", ErrInvalidOllamaHost, c.OllamaHost)
		}
	default:
		return fmt.Errorf("%w: %q (supported: googleai, ollama, openai)", ErrInvalidProvider, c.Provider)
	}

	// Model configuration
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}
	if c.MaxTokens < 1 || c.MaxTokens > 2097152 {
		return fmt.Errorf("%w: must be between 1 and 2,097,152, got %d", ErrInvalidMaxTokens, c.MaxTokens)
	}
	if c.ContextWindow < c.MaxTokens {
		return fmt.Errorf("%w: context_window (%d) must be at least max_tokens (%d)",
			ErrInvalidMaxTokens, c.ContextWindow, c.MaxTokens)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	// Grounding retrieval
	if c.RAGTopK < 0 || c.RAGTopK > 20 {
		return fmt.Errorf("%w: must be between 0 (disabled) and 20, got %d", ErrInvalidRAGTopK, c.RAGTopK)
	}
	if c.RAGMinSimilarity < 0 || c.RAGMinSimilarity > 1 {
		return fmt.Errorf("%w: must be between 0.0 and 1.0, got %.2f", ErrInvalidRAGSimilarity, c.RAGMinSimilarity)
	}

	// Retry policy
	if c.RetryMaxRetries < 0 || c.RetryMaxRetries > 10 {
		return fmt.Errorf("%w: retry_max_retries must be between 0 and 10, got %d", ErrInvalidRetry, c.RetryMaxRetries)
	}
	if c.RetryInitialInterval <= 0 || c.RetryMaxInterval < c.RetryInitialInterval {
		return fmt.Errorf("%w: intervals must be positive and max >= initial", ErrInvalidRetry)
	}

	// Timeouts
	for name, d := range map[string]int64{
		"session_ttl":            int64(c.SessionTTL),
		"session_sweep_interval": int64(c.SessionSweepInterval),
		"wizard_field_timeout":   int64(c.WizardFieldTimeout),
		"wizard_confirm_timeout": int64(c.WizardConfirmTimeout),
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidTimeout, name)
		}
	}

	// PostgreSQL
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPass)
	}
	if c.PostgresPassword == "ispbot_dev_password" {
		slog.Warn("using default development password for PostgreSQL",
			"warning", "change postgres_password for production deployments")
	}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q (valid: %s)", ErrInvalidPostgresSSLMode,
			c.PostgresSSLMode, strings.Join(validSSLModes, ", "))
	}

	// Operations backend: optional, but when a base URL is set it must be
	// well-formed and carry a key.
	if c.BackendBaseURL != "" {
		if !strings.HasPrefix(c.BackendBaseURL, "http://") && !strings.HasPrefix(c.BackendBaseURL, "https://") {
			return fmt.Errorf("%w: backend_base_url must start with http:// or https://, got %q",
				ErrInvalidBackendURL, c.BackendBaseURL)
		}
		if c.BackendAPIKey == "" {
			return fmt.Errorf("%w: backend_api_key must be set when backend_base_url is configured",
				ErrInvalidBackendURL)
		}
	}

	// HTTP
	if c.HTTPAddr == "" || !strings.Contains(c.HTTPAddr, ":") {
		return fmt.Errorf("%w: %q (expected host:port or :port)", ErrInvalidHTTPAddr, c.HTTPAddr)
	}

	return nil
}
