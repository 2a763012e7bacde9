package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tradelog/internal/chat"
	"tradelog/internal/providers/ollama"
	"tradelog/internal/settings"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity", "")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Settings.Get(r.Context(), userID))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity", "")
		return
	}

	var patch settings.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", string(settings.ReasonInvalidPatch))
		return
	}

	if err := s.cfg.Settings.Upsert(r.Context(), userID, patch); err != nil {
		var ue *settings.UpsertError
		if errors.As(err, &ue) {
			switch ue.Reason {
			case settings.ReasonInvalidPatch:
				writeError(w, http.StatusBadRequest, "invalid settings", string(ue.Reason))
			case settings.ReasonMissingSecretKey:
				writeError(w, http.StatusInternalServerError, "server encryption key is not configured", string(ue.Reason))
			case settings.ReasonMigrationMissing:
				writeError(w, http.StatusServiceUnavailable, "settings storage is not migrated", string(ue.Reason))
			default:
				writeError(w, http.StatusInternalServerError, "failed to save settings", string(ue.Reason))
			}
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to save settings", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity", "")
		return
	}

	host := r.URL.Query().Get("host")
	if host == "" {
		host = s.cfg.Settings.Snapshot(r.Context(), userID).OllamaHostURL
	}

	models := ollama.ListModels(r.Context(), nil, host)
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"models": models})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.cfg.History.Load(r.Context(), userID)})
}

func (s *Server) handleResetHistory(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity", "")
		return
	}
	if err := s.cfg.History.Reset(r.Context(), userID); err != nil {
		s.cfg.Logger.Error().Err(err).Str("user_id", userID).Msg("reset history failed")
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "failed to reset history"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type chatRequest struct {
	Messages json.RawMessage `json:"messages"`
	Username string          `json:"username"`
	Locale   string          `json:"locale"`
	Timezone string          `json:"timezone"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity", "")
		return
	}
	s.cfg.Metrics.ChatRequests.Inc()

	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	logger := s.cfg.Logger.With().Str("request_id", requestID).Str("user_id", userID).Logger()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	if s.cfg.RateLimiter != nil {
		allowed, _, resetAt, err := s.cfg.RateLimiter.Allow(r.Context(), userID, time.Now())
		if err != nil {
			// The limiter is advisory; a broken redis must not block chat.
			logger.Error().Err(err).Msg("rate limiter unavailable")
		} else if !allowed {
			w.Header().Set("Retry-After", resetAt.UTC().Format(http.TimeFormat))
			writeError(w, http.StatusTooManyRequests, "hourly message limit reached", "")
			return
		}
	}

	parsed := chat.ParseMessages(req.Messages)
	sanitized := chat.Sanitize(parsed)
	if len(sanitized) == 0 {
		writeError(w, http.StatusBadRequest, "no valid messages to send", "")
		return
	}

	resolution := s.cfg.Resolver.Resolve(r.Context(), userID, chat.PurposeChat, s.cfg.FallbackModel, true)
	if resolution.Degraded {
		s.cfg.Metrics.FallbackConversations.Inc()
		logger.Info().Str("reason", resolution.Reason).Msg("chat degraded to fallback model")
	}

	tools := chat.JournalTools(s.cfg.Store, userID)
	system := buildSystemPrompt(req.Username, req.Locale, req.Timezone, time.Now(), s.cfg.SystemPromptExtra)

	// The loop runs detached from the request context: a client disconnect
	// stops delivery but in-flight tool executions finish so the final turn
	// can still be persisted.
	loopCtx := context.WithoutCancel(r.Context())
	events := s.cfg.Orchestrator.Converse(loopCtx, chat.ConverseRequest{
		Handle:       resolution.Handle,
		Fallback:     s.cfg.Resolver.FallbackHandle(s.cfg.FallbackModel),
		SystemPrompt: system,
		History:      sanitized,
		Tools:        tools,
	})

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	clientGone := r.Context().Done()
	disconnected := false
	var finalText string
	failed := false

	for ev := range events {
		switch ev.Type {
		case chat.EventDone:
			finalText = ev.Text
		case chat.EventError:
			failed = true
		}
		if disconnected {
			continue
		}
		select {
		case <-clientGone:
			disconnected = true
			continue
		default:
		}
		if err := enc.Encode(ev); err != nil {
			disconnected = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	// A failed turn never corrupts the stored conversation; the client can
	// reload the last persisted history.
	if failed || finalText == "" {
		return
	}
	saved := append(hydrateAll(parsed), chat.Message{
		Role:  chat.RoleAssistant,
		Parts: []chat.Part{{Kind: chat.PartText, Text: finalText}},
	})
	if err := s.cfg.History.Save(loopCtx, userID, saved); err != nil {
		logger.Error().Err(err).Msg("persist conversation failed")
	}
}

func hydrateAll(messages []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, chat.Hydrate(m))
	}
	return out
}
