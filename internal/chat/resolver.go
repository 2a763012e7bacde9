package chat

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tradelog/internal/crypto"
	"tradelog/internal/providers"
	"tradelog/internal/providers/registry"
	"tradelog/internal/settings"
)

// Purpose distinguishes interactive chat from background analysis runs.
type Purpose string

const (
	PurposeChat     Purpose = "chat"
	PurposeAnalysis Purpose = "analysis"
)

// Model families that cannot do function calling. Matched case-insensitively
// against the configured Ollama model name.
var toolIncapableFamilies = []string{"deepseek-r1"}

// Handle is a concrete callable model: a provider client bound to a model id.
type Handle struct {
	Client   providers.Client
	Provider string
	Model    string
}

// Resolution is a tagged result: the handle to use, plus why the preferred
// selection was not honored when it wasn't. Resolve never fails, since model
// selection must never block a chat request.
type Resolution struct {
	Handle   Handle
	Degraded bool
	Reason   string
}

// SettingsSource supplies the stored per-user provider configuration.
type SettingsSource interface {
	Snapshot(ctx context.Context, userID string) settings.Snapshot
}

type ResolverConfig struct {
	Settings SettingsSource
	Codec    *crypto.Codec

	// FallbackAPIKey is the operator-level key for the default provider,
	// used whenever the user's own configuration cannot serve.
	FallbackAPIKey  string
	FallbackBaseURL string

	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	Logger      zerolog.Logger
}

type Resolver struct {
	cfg      ResolverConfig
	fallback providers.Client
}

func NewResolver(cfg ResolverConfig) *Resolver {
	fallback, err := registry.Build(registry.BuildOptions{
		Kind:        settings.ProviderGemini,
		BaseURL:     cfg.FallbackBaseURL,
		APIKey:      cfg.FallbackAPIKey,
		HTTPClient:  cfg.HTTPClient,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
	})
	if err != nil {
		// Unreachable for a known kind; guard anyway so Resolve can rely on
		// the fallback client existing.
		cfg.Logger.Error().Err(err).Msg("build fallback provider client")
	}
	return &Resolver{cfg: cfg, fallback: fallback}
}

// FallbackHandle binds the default provider to the given model id.
func (r *Resolver) FallbackHandle(model string) Handle {
	return Handle{Client: r.fallback, Provider: settings.ProviderGemini, Model: model}
}

// Resolve produces the model handle for a user and purpose. Every failure
// path degrades to the fallback handle; the Reason records why, so callers
// and tests can assert the cause rather than just observing a fallback.
func (r *Resolver) Resolve(ctx context.Context, userID string, purpose Purpose, fallbackModel string, requireTools bool) Resolution {
	fb := r.FallbackHandle(fallbackModel)

	if purpose == PurposeAnalysis {
		// Analysis runs always use the default provider; self-hosted models
		// are chat-only.
		return Resolution{Handle: fb}
	}

	snap := r.cfg.Settings.Snapshot(ctx, userID)

	switch snap.PreferredProvider {
	case settings.ProviderGemini:
		if snap.GeminiAPIKeyEnc == "" {
			return Resolution{Handle: fb, Degraded: true, Reason: "gemini api key not configured"}
		}
		apiKey, err := r.cfg.Codec.Decrypt(snap.GeminiAPIKeyEnc)
		if err != nil {
			// Tampered or mis-keyed ciphertext is a security-relevant
			// condition: logged loudly, but the chat still proceeds on the
			// fallback handle.
			r.cfg.Logger.Error().Err(err).Str("user_id", userID).Msg("stored gemini api key failed to decrypt")
			return Resolution{Handle: fb, Degraded: true, Reason: "api key decryption failed"}
		}
		client, err := registry.Build(registry.BuildOptions{
			Kind:        settings.ProviderGemini,
			APIKey:      apiKey,
			HTTPClient:  r.cfg.HTTPClient,
			MaxRetries:  r.cfg.MaxRetries,
			BackoffBase: r.cfg.BackoffBase,
		})
		if err != nil {
			return Resolution{Handle: fb, Degraded: true, Reason: "provider construction failed"}
		}
		return Resolution{Handle: Handle{Client: client, Provider: settings.ProviderGemini, Model: snap.GeminiModel}}

	case settings.ProviderOllama:
		host := settings.NormalizeHostURL(snap.OllamaHostURL)
		model := strings.TrimSpace(snap.OllamaModel)
		if host == "" || model == "" {
			return Resolution{Handle: fb, Degraded: true, Reason: "ollama host or model not configured"}
		}
		if requireTools && toolIncapable(model) {
			return Resolution{Handle: fb, Degraded: true, Reason: "ollama model does not support tools"}
		}
		client, err := registry.Build(registry.BuildOptions{
			Kind:        settings.ProviderOllama,
			BaseURL:     host,
			HTTPClient:  r.cfg.HTTPClient,
			MaxRetries:  r.cfg.MaxRetries,
			BackoffBase: r.cfg.BackoffBase,
		})
		if err != nil {
			return Resolution{Handle: fb, Degraded: true, Reason: "provider construction failed"}
		}
		return Resolution{Handle: Handle{Client: client, Provider: settings.ProviderOllama, Model: model}}

	default:
		// openai (the at-rest default) and anything unexpected route to the
		// operator's default provider.
		return Resolution{Handle: fb}
	}
}

func toolIncapable(model string) bool {
	lower := strings.ToLower(model)
	for _, family := range toolIncapableFamilies {
		if strings.Contains(lower, family) {
			return true
		}
	}
	return false
}
