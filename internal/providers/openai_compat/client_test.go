package openai_compat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradelog/internal/providers"
)

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"content": content}}},
	})
	return string(b)
}

func TestChatSendsWirePayload(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotPayload)
		_, _ = w.Write([]byte(completionBody("hi there")))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	resp, err := client.Chat(context.Background(), providers.ChatRequest{
		Model: "gemini-flash-latest",
		Messages: []providers.Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "hello"},
		},
		Tools: []providers.ToolDef{{
			Name:        "get_trades",
			Description: "fetch trades",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "hi there" {
		t.Fatalf("text = %q", resp.Text)
	}

	if gotPath != "/v1/chat/completions" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotPayload["model"] != "gemini-flash-latest" {
		t.Fatalf("model = %v", gotPayload["model"])
	}
	msgs := gotPayload["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", msgs)
	}
	tools := gotPayload["tools"].([]any)
	tool := tools[0].(map[string]any)
	if tool["type"] != "function" {
		t.Fatalf("tool wrapper = %v", tool)
	}
	fn := tool["function"].(map[string]any)
	if fn["name"] != "get_trades" || fn["description"] != "fetch trades" {
		t.Fatalf("tool function = %v", fn)
	}
}

func TestChatParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {
				"content": null,
				"tool_calls": [{
					"id": "call_abc",
					"type": "function",
					"function": {"name": "get_trade_stats", "arguments": "{\"symbol\":\"AAPL\"}"}
				}]
			}}]
		}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	resp, err := client.Chat(context.Background(), providers.ChatRequest{Model: "m", Messages: []providers.Message{{Role: "user", Content: "stats"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_abc" || tc.Name != "get_trade_stats" || tc.Arguments != `{"symbol":"AAPL"}` {
		t.Fatalf("tool call = %+v", tc)
	}
}

func TestChatParsesContentPartsArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}}]}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	resp, err := client.Chat(context.Background(), providers.ChatRequest{Model: "m", Messages: []providers.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "part one\npart two" {
		t.Fatalf("text = %q", resp.Text)
	}
}

func TestChatNonRetryableStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"model does not support tools"}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: 1})
	_, err := client.Chat(context.Background(), providers.ChatRequest{Model: "m", Messages: []providers.Message{{Role: "user", Content: "hi"}}})

	var st *providers.StatusError
	if !errors.As(err, &st) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if st.StatusCode != http.StatusBadRequest || st.Body != `{"error":"model does not support tools"}` {
		t.Fatalf("status error = %+v", st)
	}
	if calls != 1 {
		t.Fatalf("a 400 must not be retried, got %d calls", calls)
	}
}

func TestChatRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(completionBody("recovered")))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: 1})
	resp, err := client.Chat(context.Background(), providers.ChatRequest{Model: "m", Messages: []providers.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "recovered" || calls != 3 {
		t.Fatalf("text=%q calls=%d", resp.Text, calls)
	}
}

func TestChatEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	if _, err := client.Chat(context.Background(), providers.ChatRequest{Model: "m", Messages: []providers.Message{{Role: "user", Content: "hi"}}}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestBuildEndpointURL(t *testing.T) {
	cases := map[string]string{
		"https://api.openai.com/v1":               "https://api.openai.com/v1/chat/completions",
		"https://api.openai.com/v1/":              "https://api.openai.com/v1/chat/completions",
		"http://localhost:11434/v1":               "http://localhost:11434/v1/chat/completions",
		"https://example.com/v1/chat/completions": "https://example.com/v1/chat/completions",
	}
	for in, want := range cases {
		c := New(Config{BaseURL: in})
		got, err := c.buildEndpointURL()
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s: got %q, want %q", in, got, want)
		}
	}

	if _, err := New(Config{}).buildEndpointURL(); err == nil {
		t.Fatal("empty base url must error")
	}
}
