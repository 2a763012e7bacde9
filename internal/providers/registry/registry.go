package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"tradelog/internal/providers"
	"tradelog/internal/providers/openai_compat"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"
	geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

	// Self-hosted servers typically don't enforce auth; an OpenAI-style
	// client still wants a bearer token, so we send a placeholder.
	ollamaPlaceholderKey = "ollama"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// Build returns a chat client for the given provider kind. OpenAI, Gemini
// and Ollama all speak the chat-completions dialect; only the base URL and
// credential differ.
func Build(opts BuildOptions) (providers.Client, error) {
	cfg := openai_compat.Config{
		APIKey:      opts.APIKey,
		HTTPClient:  opts.HTTPClient,
		MaxRetries:  opts.MaxRetries,
		BackoffBase: opts.BackoffBase,
	}

	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "openai":
		cfg.BaseURL = openAIBaseURL
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
	case "gemini":
		cfg.BaseURL = geminiBaseURL
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
	case "ollama":
		host := strings.TrimSuffix(strings.TrimSpace(opts.BaseURL), "/")
		if host == "" {
			return nil, fmt.Errorf("ollama host url is empty")
		}
		if !strings.HasSuffix(host, "/v1") {
			host += "/v1"
		}
		cfg.BaseURL = host
		if cfg.APIKey == "" {
			cfg.APIKey = ollamaPlaceholderKey
		}
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}

	return openai_compat.New(cfg), nil
}
