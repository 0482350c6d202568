// Package provider wires the Genkit generation stack: plugin
// initialization per AI provider, the single-step model adapter the chat
// engine drives, and the embedding adapter the knowledge store uses.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"

	"github.com/abiroot/ispbot/internal/log"
)

// Supported providers.
const (
	ProviderGoogleAI = "googleai"
	ProviderOllama   = "ollama"
	ProviderOpenAI   = "openai"
)

// Config selects and parameterizes the AI provider.
type Config struct {
	Provider      string // googleai (default), ollama, openai
	ModelName     string // bare model name, e.g. gemini-2.5-flash
	EmbedderModel string // embedding model name
	OllamaHost    string // ollama server address
}

// Client is an initialized Genkit instance plus the resolved embedder.
type Client struct {
	Genkit   *genkit.Genkit
	Embedder ai.Embedder

	modelName string
	logger    log.Logger
}

// New initializes Genkit with the configured provider plugin and resolves
// the embedder. Providers register embedders differently: ollama needs
// explicit model registration, openai auto-registers on Init, googleai
// resolves lazily by name.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Client, error) {
	if cfg.ModelName == "" {
		return nil, errors.New("model name is required")
	}
	if cfg.EmbedderModel == "" {
		return nil, errors.New("embedder model is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	providerName := cfg.Provider
	if providerName == "" {
		providerName = ProviderGoogleAI
	}

	var (
		g        *genkit.Genkit
		embedder ai.Embedder
	)
	switch providerName {
	case ProviderOllama:
		plugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(plugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		plugin.DefineModel(g, ollama.ModelDefinition{Name: cfg.ModelName, Type: "chat"}, nil)
		plugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		embedder = ollama.Embedder(g, cfg.OllamaHost)

	case ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		embedder = genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))

	case ProviderGoogleAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with googleai provider")
		}
		embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)

	default:
		return nil, fmt.Errorf("unsupported provider %q", providerName)
	}

	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, providerName)
	}

	logger.Info("generation provider initialized",
		"provider", providerName,
		"model", cfg.ModelName,
		"embedder", cfg.EmbedderModel)

	return &Client{
		Genkit:    g,
		Embedder:  embedder,
		modelName: fullModelName(providerName, cfg.ModelName),
		logger:    logger,
	}, nil
}

// fullModelName returns the provider-qualified name Genkit resolves
// models by, e.g. "googleai/gemini-2.5-flash". Already-qualified names
// pass through.
func fullModelName(provider, model string) string {
	if strings.Contains(model, "/") {
		return model
	}
	return provider + "/" + model
}
