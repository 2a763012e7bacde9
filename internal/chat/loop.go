package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"tradelog/internal/metrics"
	"tradelog/internal/providers"
)

// MaxSteps bounds the model-turn/tool-turn exchange. The failure mode being
// guarded against is a tool-call cycle that never converges to an answer.
const MaxSteps = 10

type EventType string

const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one element of the ordered, append-only stream a conversation
// produces. The sequence terminates in either a done or an error event.
type Event struct {
	Type       EventType       `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Classification of an upstream provider error, branched on as a value
// instead of pattern-matching a caught exception.
type Classification int

const (
	ClassFatal Classification = iota
	ClassTransient
	ClassToolsUnsupported
)

var toolsUnsupportedMarkers = []string{
	"does not support tools",
	"does not support function",
	"tool use is not supported",
	"function calling is not enabled",
	"no tool support",
}

// ClassifyUpstreamError inspects a provider failure. A 400 whose body carries
// a tools-unsupported marker triggers the one-shot fallback retry; 5xx and
// 429 are transient; everything else is fatal.
func ClassifyUpstreamError(err error) Classification {
	var st *providers.StatusError
	if !errors.As(err, &st) {
		return ClassFatal
	}
	if st.StatusCode == http.StatusBadRequest {
		body := strings.ToLower(st.Body)
		for _, marker := range toolsUnsupportedMarkers {
			if strings.Contains(body, marker) {
				return ClassToolsUnsupported
			}
		}
		return ClassFatal
	}
	if st.StatusCode >= 500 || st.StatusCode == http.StatusTooManyRequests {
		return ClassTransient
	}
	return ClassFatal
}

type OrchestratorConfig struct {
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Orchestrator drives the bounded multi-step exchange between a resolved
// model and the server-side tool set.
type Orchestrator struct {
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Orchestrator{metrics: m, logger: cfg.Logger}
}

type ConverseRequest struct {
	Handle       Handle
	Fallback     Handle
	SystemPrompt string
	History      []Message
	Tools        []Tool
}

// Converse streams the exchange as events on the returned channel. The
// channel is closed after a terminal done or error event. The caller owns
// ctx; pass one detached from the client connection if tool executions
// should survive a disconnect.
func (o *Orchestrator) Converse(ctx context.Context, req ConverseRequest) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		o.run(ctx, req, events)
	}()
	return events
}

func (o *Orchestrator) run(ctx context.Context, req ConverseRequest, events chan<- Event) {
	wire := buildWireMessages(req.SystemPrompt, req.History)
	toolDefs := make([]providers.ToolDef, 0, len(req.Tools))
	toolIndex := make(map[string]Tool, len(req.Tools))
	for _, t := range req.Tools {
		toolDefs = append(toolDefs, providers.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
		toolIndex[t.Name] = t
	}

	handle := req.Handle
	usedFallback := false
	var finalText string

	for step := 0; step < MaxSteps; step++ {
		resp, err := handle.Client.Chat(ctx, providers.ChatRequest{
			Model:    handle.Model,
			Messages: wire,
			Tools:    toolDefs,
		})
		if err != nil {
			if ClassifyUpstreamError(err) == ClassToolsUnsupported && !usedFallback && req.Fallback.Client != nil {
				// Retry once against the known-good default model with
				// identical messages, system prompt and tools.
				usedFallback = true
				handle = req.Fallback
				o.metrics.FallbackConversations.Inc()
				o.logger.Warn().
					Str("provider", req.Handle.Provider).
					Str("model", req.Handle.Model).
					Msg("model rejected tool definitions, rerouting to default")
				step--
				continue
			}
			o.metrics.UpstreamErrors.Inc()
			events <- Event{Type: EventError, Error: err.Error()}
			return
		}

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Text
			if finalText != "" {
				events <- Event{Type: EventText, Text: finalText}
			}
			events <- Event{Type: EventDone, Text: finalText}
			return
		}

		// Interstitial assistant text ("Let me check your trades...") is
		// still part of the stream, not just wire context for the next turn.
		if resp.Text != "" {
			events <- Event{Type: EventText, Text: resp.Text}
		}

		assistantMsg := providers.Message{Role: RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls}
		wire = append(wire, assistantMsg)

		// Some models repeat a tool_call_id within one response; execute
		// each call once.
		seen := make(map[string]bool, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			if seen[tc.ID] {
				continue
			}
			seen[tc.ID] = true

			events <- Event{
				Type:       EventToolCall,
				ToolName:   tc.Name,
				ToolCallID: tc.ID,
				Input:      json.RawMessage(tc.Arguments),
			}
			o.metrics.ToolInvocations.Inc()

			output := o.executeTool(ctx, toolIndex, tc)
			events <- Event{
				Type:       EventToolResult,
				ToolName:   tc.Name,
				ToolCallID: tc.ID,
				Output:     output,
			}
			wire = append(wire, providers.Message{Role: "tool", ToolCallID: tc.ID, Content: output})
		}
	}

	events <- Event{Type: EventError, Error: fmt.Sprintf("conversation exceeded %d steps without a final answer", MaxSteps)}
}

func (o *Orchestrator) executeTool(ctx context.Context, tools map[string]Tool, tc providers.ToolCall) string {
	t, ok := tools[tc.Name]
	if !ok {
		return "Unknown tool: " + tc.Name
	}
	input := json.RawMessage(tc.Arguments)
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	out, err := t.Execute(ctx, input)
	if err != nil {
		o.logger.Error().Err(err).Str("tool", tc.Name).Msg("tool execution failed")
		return "Error: " + err.Error()
	}
	return out
}

// buildWireMessages converts sanitized history into the provider wire shape.
// Text parts are joined; user file attachments are referenced inline since
// the chat-completions dialect has no first-class attachment slot.
func buildWireMessages(system string, history []Message) []providers.Message {
	wire := make([]providers.Message, 0, len(history)+1)
	if strings.TrimSpace(system) != "" {
		wire = append(wire, providers.Message{Role: RoleSystem, Content: system})
	}
	for _, m := range history {
		var sb strings.Builder
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				if sb.Len() > 0 {
					sb.WriteString("\n\n")
				}
				sb.WriteString(p.Text)
			case PartFile:
				if sb.Len() > 0 {
					sb.WriteString("\n\n")
				}
				name := p.Filename
				if name == "" {
					name = p.URL
				}
				sb.WriteString("[attached file: " + name + " (" + p.MediaType + ")]")
			}
		}
		content := sb.String()
		if content == "" {
			continue
		}
		wire = append(wire, providers.Message{Role: m.Role, Content: content})
	}
	return wire
}
