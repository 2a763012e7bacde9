package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tradelog/internal/chat"
	"tradelog/internal/crypto"
	"tradelog/internal/settings"
	"tradelog/internal/storage"
)

func newTestServer(t *testing.T, name, upstreamURL string) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", "file:"+name+"?mode=memory&cache=shared", true, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	codec := crypto.NewCodec("test-secret")
	settingsSvc := settings.NewService(store, codec, zerolog.Nop())
	srv := New(Config{
		Store:    store,
		Settings: settingsSvc,
		History:  chat.NewHistory(store, zerolog.Nop()),
		Resolver: chat.NewResolver(chat.ResolverConfig{
			Settings:        settingsSvc,
			Codec:           codec,
			FallbackAPIKey:  "operator-key",
			FallbackBaseURL: upstreamURL,
			Logger:          zerolog.Nop(),
		}),
		Orchestrator:  chat.NewOrchestrator(chat.OrchestratorConfig{Logger: zerolog.Nop()}),
		Logger:        zerolog.Nop(),
		FallbackModel: "gemini-flash-latest",
	})
	return srv, store
}

func doRequest(t *testing.T, srv *Server, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestMissingUserIdentity(t *testing.T) {
	srv, _ := newTestServer(t, "server_auth", "")

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/settings"},
		{http.MethodPut, "/api/v1/settings"},
		{http.MethodGet, "/api/v1/models"},
		{http.MethodGet, "/api/v1/history"},
		{http.MethodDelete, "/api/v1/history"},
		{http.MethodPost, "/api/v1/chat"},
	} {
		rec := doRequest(t, srv, tc.method, tc.path, "", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, "server_settings", "")

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/settings", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got settings.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, settings.DefaultProvider, got.PreferredProvider)
	require.False(t, got.HasGeminiAPIKey)

	rec = doRequest(t, srv, http.MethodPut, "/api/v1/settings", "u1",
		`{"preferredProvider":"gemini","geminiApiKey":"sk-abc","geminiModel":"gemini-2.5-flash"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/settings", "u1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "gemini", got.PreferredProvider)
	require.Equal(t, "gemini-2.5-flash", got.GeminiModel)
	require.True(t, got.HasGeminiAPIKey)

	// Invalid patches surface a reason code.
	rec = doRequest(t, srv, http.MethodPut, "/api/v1/settings", "u1", `{"preferredProvider":"skynet"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(settings.ReasonInvalidPatch), body.Reason)

	rec = doRequest(t, srv, http.MethodPut, "/api/v1/settings", "u1", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	srv, store := newTestServer(t, "server_history", "")
	require.NoError(t, store.UpsertChatHistory(context.Background(), "u1",
		`[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]`))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/history", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Messages, 2)

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/history", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":true`)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/history", "u1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Empty(t, got.Messages)
}

func TestListModelsEndpoint(t *testing.T) {
	tags := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3"},{"name":"mistral"}]}`))
	}))
	defer tags.Close()

	srv, _ := newTestServer(t, "server_models", "")
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/models?host="+tags.URL, "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"models":["llama3","mistral"]}`, rec.Body.String())

	// No host anywhere: an empty list, not an error.
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/models", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"models":[]}`, rec.Body.String())
}

func TestChatRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t, "server_chat_bad", "")

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/chat", "u1", `{broken`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Structurally valid but nothing survives sanitization.
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/chat", "u1",
		`{"messages":[{"role":"assistant","content":"only assistant"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "no valid messages")
}

func TestChatStreamsAndPersists(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1:
			var payload struct {
				Tools []any `json:"tools"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			require.Len(t, payload.Tools, 3, "all journal tools advertised")
			_, _ = w.Write([]byte(`{"choices":[{"message":{
				"content": null,
				"tool_calls": [{"id":"call_1","type":"function","function":{"name":"get_trade_stats","arguments":"{}"}}]
			}}]}`))
		default:
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"You closed 1 trade for +$50."}}]}`))
		}
	}))
	defer upstream.Close()

	srv, store := newTestServer(t, "server_chat_flow", upstream.URL)
	now := time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)
	_, err := store.InsertTrade(context.Background(), storage.Trade{
		UserID: "u1", Symbol: "AAPL", Side: "long", Quantity: 1, PnL: 50, OpenedAt: now, ClosedAt: now,
	})
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/chat", "u1",
		`{"messages":[{"role":"user","parts":[{"type":"text","text":"how did I do?"}]}],"username":"ade","timezone":"UTC"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var events []chat.Event
	for _, line := range strings.Split(strings.TrimSpace(rec.Body.String()), "\n") {
		var ev chat.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev), "line %q", line)
		events = append(events, ev)
	}
	require.Len(t, events, 4)
	require.Equal(t, chat.EventToolCall, events[0].Type)
	require.Equal(t, "get_trade_stats", events[0].ToolName)
	require.Equal(t, chat.EventToolResult, events[1].Type)
	require.Contains(t, events[1].Output, `"totalTrades":1`)
	require.Equal(t, chat.EventText, events[2].Type)
	require.Equal(t, chat.EventDone, events[3].Type)
	require.Equal(t, "You closed 1 trade for +$50.", events[3].Text)
	require.Equal(t, 2, calls)

	// The finished turn is persisted: the submitted user message plus the
	// assistant's final text.
	row, err := store.GetChatHistory(context.Background(), "u1")
	require.NoError(t, err)
	saved := chat.ParseMessages(json.RawMessage(row.Payload))
	require.Len(t, saved, 2)
	require.Equal(t, chat.RoleUser, saved[0].Role)
	require.Equal(t, chat.RoleAssistant, saved[1].Role)
	require.Equal(t, "You closed 1 trade for +$50.", saved[1].Parts[0].Text)
}

func TestChatUpstreamFailureDoesNotPersist(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer upstream.Close()

	srv, store := newTestServer(t, "server_chat_fail", upstream.URL)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/chat", "u1",
		`{"messages":[{"role":"user","parts":[{"type":"text","text":"hi"}]}]}`)
	require.Equal(t, http.StatusOK, rec.Code, "stream already started, failure rides inside it")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	var last chat.Event
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	require.Equal(t, chat.EventError, last.Type)
	require.NotEmpty(t, last.Error)

	_, err := store.GetChatHistory(context.Background(), "u1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// notifyingRecorder signals each body write so a test can synchronize with
// the streaming handler.
type notifyingRecorder struct {
	*httptest.ResponseRecorder
	writes chan struct{}
}

func (n *notifyingRecorder) Write(b []byte) (int, error) {
	n.writes <- struct{}{}
	return n.ResponseRecorder.Write(b)
}

func TestChatClientDisconnectStillPersists(t *testing.T) {
	calls := 0
	proceed := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			_, _ = w.Write([]byte(`{"choices":[{"message":{
				"content": null,
				"tool_calls": [{"id":"call_1","type":"function","function":{"name":"get_trade_stats","arguments":"{}"}}]
			}}]}`))
			return
		}
		// Hold the final turn until the client has gone away.
		<-proceed
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"All done."}}]}`))
	}))
	defer upstream.Close()

	srv, store := newTestServer(t, "server_chat_disconnect", upstream.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat",
		strings.NewReader(`{"messages":[{"role":"user","parts":[{"type":"text","text":"stats please"}]}]}`)).WithContext(ctx)
	req.Header.Set("X-User-ID", "u1")
	rec := &notifyingRecorder{ResponseRecorder: httptest.NewRecorder(), writes: make(chan struct{}, 32)}

	served := make(chan struct{})
	go func() {
		srv.Handler().ServeHTTP(rec, req)
		close(served)
	}()

	// Tool-call and tool-result reach the client first.
	for i := 0; i < 2; i++ {
		select {
		case <-rec.writes:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for streamed events")
		}
	}

	// Client disconnects while the final model turn is still in flight.
	cancel()
	close(proceed)
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not finish after disconnect")
	}

	// Nothing was delivered after the disconnect.
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var ev chat.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev), "line %q", line)
		require.NotEqual(t, chat.EventText, ev.Type)
		require.NotEqual(t, chat.EventDone, ev.Type)
	}

	// The turn still ran to completion and was persisted.
	row, err := store.GetChatHistory(context.Background(), "u1")
	require.NoError(t, err)
	saved := chat.ParseMessages(json.RawMessage(row.Payload))
	require.Len(t, saved, 2)
	require.Equal(t, chat.RoleAssistant, saved[1].Role)
	require.Equal(t, "All done.", saved[1].Parts[0].Text)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "server_health", "")
	rec := doRequest(t, srv, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestBuildSystemPrompt(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)

	prompt := buildSystemPrompt("ade", "de", "Europe/Berlin", now, "Mention risk limits.")
	require.Contains(t, prompt, "ade's trading history")
	require.Contains(t, prompt, `locale "de"`)
	require.Contains(t, prompt, "16:30 CEST")
	require.Contains(t, prompt, "Mention risk limits.")

	// Unknown timezone falls back to UTC, blank identity to placeholders.
	prompt = buildSystemPrompt("", "", "Mars/Olympus", now, "")
	require.Contains(t, prompt, "the trader's trading history")
	require.Contains(t, prompt, "14:30 UTC")
	require.Contains(t, prompt, `locale "en"`)
}
