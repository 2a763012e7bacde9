package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"tradelog/internal/storage"
)

// History persists the canonical per-user conversation. Load never fails to
// the caller; Save and Reset report failure as a value so UI flows stay
// resilient.
type History struct {
	store  *storage.Store
	logger zerolog.Logger
}

func NewHistory(store *storage.Store, logger zerolog.Logger) *History {
	return &History{store: store, logger: logger}
}

// Load returns the stored conversation, hydrating legacy flat-content
// messages into the parts shape. Any storage error or malformed payload
// degrades to an empty sequence.
func (h *History) Load(ctx context.Context, userID string) []Message {
	row, err := h.store.GetChatHistory(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Error().Err(err).Str("user_id", userID).Msg("load chat history failed, returning empty")
		}
		return []Message{}
	}

	messages := ParseMessages(json.RawMessage(row.Payload))
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, Hydrate(m))
	}
	return out
}

// Save fully replaces the stored conversation for the user. Messages without
// a recognized role are dropped during normalization; this is not an append.
func (h *History) Save(ctx context.Context, userID string, messages []Message) error {
	normalized := make([]Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			continue
		}
		if len(m.Parts) == 0 && strings.TrimSpace(m.Content) == "" {
			continue
		}
		normalized = append(normalized, Hydrate(m))
	}

	payload, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("marshal chat history: %w", err)
	}
	if err := h.store.UpsertChatHistory(ctx, userID, string(payload)); err != nil {
		return fmt.Errorf("save chat history: %w", err)
	}
	return nil
}

// Reset deletes the user's stored conversation.
func (h *History) Reset(ctx context.Context, userID string) error {
	if err := h.store.DeleteChatHistory(ctx, userID); err != nil {
		return fmt.Errorf("reset chat history: %w", err)
	}
	return nil
}
