package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"tradelog/internal/crypto"
	"tradelog/internal/storage"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"

	// DefaultProvider and DefaultGeminiModel are the application-level
	// defaults returned when no row exists yet.
	DefaultProvider    = ProviderGemini
	DefaultGeminiModel = "gemini-flash-latest"
)

// GeminiModels is the allow-list accepted by Upsert.
var GeminiModels = []string{
	"gemini-flash-latest",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-2.5-pro",
}

// Reason classifies upsert failures so the UI can surface a targeted
// operator-facing message instead of a generic one.
type Reason string

const (
	ReasonInvalidPatch      Reason = "invalid_patch"
	ReasonMissingSecretKey  Reason = "missing_secret_key"
	ReasonMigrationMissing  Reason = "migration_missing"
	ReasonPersistenceFailed Reason = "persistence_failed"
)

// UpsertError carries the failure reason alongside the underlying cause.
type UpsertError struct {
	Reason Reason
	Err    error
}

func (e *UpsertError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *UpsertError) Unwrap() error { return e.Err }

// Settings is the client-facing read shape. The encrypted key is exposed only
// as a presence flag.
type Settings struct {
	PreferredProvider string `json:"preferredProvider"`
	GeminiModel       string `json:"geminiModel"`
	HasGeminiAPIKey   bool   `json:"hasGeminiApiKey"`
	OllamaHostURL     string `json:"ollamaHostUrl"`
	OllamaModel       string `json:"ollamaModel"`
}

// Patch is the write shape. Nil optional fields preserve stored values; a
// supplied empty string clears the field.
type Patch struct {
	PreferredProvider string  `json:"preferredProvider"`
	GeminiAPIKey      *string `json:"geminiApiKey"`
	GeminiModel       *string `json:"geminiModel"`
	OllamaHostURL     *string `json:"ollamaHostUrl"`
	OllamaModel       *string `json:"ollamaModel"`
}

// Snapshot is the internal read shape consumed by the model resolver. Unlike
// Settings it carries the key ciphertext, to be decrypted transiently.
type Snapshot struct {
	PreferredProvider string
	GeminiModel       string
	GeminiAPIKeyEnc   string
	OllamaHostURL     string
	OllamaModel       string
}

type Service struct {
	store  *storage.Store
	codec  *crypto.Codec
	logger zerolog.Logger
}

func NewService(store *storage.Store, codec *crypto.Codec, logger zerolog.Logger) *Service {
	return &Service{store: store, codec: codec, logger: logger}
}

func defaultSnapshot() Snapshot {
	return Snapshot{
		PreferredProvider: DefaultProvider,
		GeminiModel:       DefaultGeminiModel,
	}
}

// Get returns the client-facing settings. Missing rows, missing tables and
// unexpected storage errors all degrade to defaults; this path never fails.
func (s *Service) Get(ctx context.Context, userID string) Settings {
	snap := s.Snapshot(ctx, userID)
	return Settings{
		PreferredProvider: snap.PreferredProvider,
		GeminiModel:       snap.GeminiModel,
		HasGeminiAPIKey:   snap.GeminiAPIKeyEnc != "",
		OllamaHostURL:     snap.OllamaHostURL,
		OllamaModel:       snap.OllamaModel,
	}
}

// Snapshot reads the stored row, falling back to defaults on any error.
func (s *Service) Snapshot(ctx context.Context, userID string) Snapshot {
	row, err := s.store.GetAISettings(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrTableMissing) {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("read ai settings failed, using defaults")
		}
		return defaultSnapshot()
	}

	snap := Snapshot{
		PreferredProvider: row.PreferredProvider,
		GeminiModel:       row.GeminiModel,
		OllamaHostURL:     row.OllamaHostURL,
		OllamaModel:       row.OllamaModel,
	}
	if row.GeminiAPIKeyEnc != nil {
		snap.GeminiAPIKeyEnc = *row.GeminiAPIKeyEnc
	}
	if !validProvider(snap.PreferredProvider) {
		snap.PreferredProvider = DefaultProvider
	}
	if snap.GeminiModel == "" {
		snap.GeminiModel = DefaultGeminiModel
	}
	return snap
}

// Upsert validates and persists a patch. Only the supplied fields are
// written; everything else keeps its stored value.
func (s *Service) Upsert(ctx context.Context, userID string, patch Patch) error {
	provider := strings.ToLower(strings.TrimSpace(patch.PreferredProvider))
	if !validProvider(provider) {
		return &UpsertError{Reason: ReasonInvalidPatch, Err: fmt.Errorf("unknown provider %q", patch.PreferredProvider)}
	}

	update := storage.AISettingsUpdate{
		UserID:            userID,
		PreferredProvider: &provider,
	}

	if patch.GeminiModel != nil {
		model := strings.TrimSpace(*patch.GeminiModel)
		if !validGeminiModel(model) {
			return &UpsertError{Reason: ReasonInvalidPatch, Err: fmt.Errorf("unknown gemini model %q", model)}
		}
		update.GeminiModel = &model
	}

	if patch.GeminiAPIKey != nil {
		key := strings.TrimSpace(*patch.GeminiAPIKey)
		if key == "" {
			empty := ""
			update.GeminiAPIKeyEnc = &empty
		} else {
			enc, err := s.codec.Encrypt(key)
			if err != nil {
				if errors.Is(err, crypto.ErrSecretUnset) {
					return &UpsertError{Reason: ReasonMissingSecretKey, Err: err}
				}
				return &UpsertError{Reason: ReasonPersistenceFailed, Err: fmt.Errorf("encrypt api key: %w", err)}
			}
			update.GeminiAPIKeyEnc = &enc
		}
	}

	if patch.OllamaHostURL != nil {
		host := NormalizeHostURL(*patch.OllamaHostURL)
		update.OllamaHostURL = &host
	}
	if patch.OllamaModel != nil {
		model := strings.TrimSpace(*patch.OllamaModel)
		update.OllamaModel = &model
	}

	if err := s.store.UpsertAISettings(ctx, update); err != nil {
		if errors.Is(err, storage.ErrTableMissing) {
			return &UpsertError{Reason: ReasonMigrationMissing, Err: err}
		}
		return &UpsertError{Reason: ReasonPersistenceFailed, Err: err}
	}
	return nil
}

// NormalizeHostURL trims whitespace and strips a single trailing slash.
func NormalizeHostURL(raw string) string {
	return strings.TrimSuffix(strings.TrimSpace(raw), "/")
}

func validProvider(p string) bool {
	switch p {
	case ProviderOpenAI, ProviderGemini, ProviderOllama:
		return true
	}
	return false
}

func validGeminiModel(m string) bool {
	for _, allowed := range GeminiModels {
		if m == allowed {
			return true
		}
	}
	return false
}
