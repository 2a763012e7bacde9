package chat

import (
	"encoding/json"
	"strings"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// PartKind enumerates the closed set of content fragment kinds a message may
// carry. Anything outside the union is coerced out at the parse boundary.
type PartKind string

const (
	PartText           PartKind = "text"
	PartFile           PartKind = "file"
	PartToolInvocation PartKind = "tool-invocation"
	PartStepStart      PartKind = "step-start"
)

// Part is one typed fragment of a message. Which fields are meaningful
// depends on Kind.
type Part struct {
	Kind PartKind

	// PartText
	Text string

	// PartFile
	MediaType string
	Filename  string
	URL       string

	// PartToolInvocation
	ToolName   string
	ToolCallID string
	State      string
	Input      json.RawMessage
	Output     json.RawMessage
}

// Message is one conversation turn. Content is the legacy flat shape kept for
// histories persisted before parts existed.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Parts   []Part `json:"parts,omitempty"`
}

type partWire struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	MediaType  string          `json:"mediaType,omitempty"`
	Filename   string          `json:"filename,omitempty"`
	URL        string          `json:"url,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	State      string          `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

func (p Part) MarshalJSON() ([]byte, error) {
	w := partWire{
		Type:       string(p.Kind),
		Text:       p.Text,
		MediaType:  p.MediaType,
		Filename:   p.Filename,
		URL:        p.URL,
		ToolName:   p.ToolName,
		ToolCallID: p.ToolCallID,
		State:      p.State,
		Input:      p.Input,
		Output:     p.Output,
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire shape with its "type" discriminator. Chat UI
// libraries emit tool parts as "tool-<name>"; those are folded into the
// tool-invocation kind. Unknown types map to an empty Kind, which the
// sanitizer drops.
func (p *Part) UnmarshalJSON(data []byte) error {
	var w partWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*p = Part{
		Text:       w.Text,
		MediaType:  w.MediaType,
		Filename:   w.Filename,
		URL:        w.URL,
		ToolName:   w.ToolName,
		ToolCallID: w.ToolCallID,
		State:      w.State,
		Input:      w.Input,
		Output:     w.Output,
	}

	switch {
	case w.Type == string(PartText):
		p.Kind = PartText
	case w.Type == string(PartFile):
		p.Kind = PartFile
	case w.Type == string(PartStepStart):
		p.Kind = PartStepStart
	case w.Type == string(PartToolInvocation):
		p.Kind = PartToolInvocation
	case strings.HasPrefix(w.Type, "tool-"):
		p.Kind = PartToolInvocation
		if p.ToolName == "" {
			p.ToolName = strings.TrimPrefix(w.Type, "tool-")
		}
	default:
		p.Kind = ""
	}
	return nil
}

// ParseMessages decodes a raw client-supplied history into messages,
// silently dropping anything that is not an object with a role. This is the
// tolerant boundary parse; strict filtering happens in Sanitize.
func ParseMessages(raw json.RawMessage) []Message {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}

	out := make([]Message, 0, len(entries))
	for _, entry := range entries {
		var m Message
		if err := json.Unmarshal(entry, &m); err != nil {
			continue
		}
		if strings.TrimSpace(m.Role) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Hydrate converts a legacy flat-content message into the parts shape. A
// message that already has parts is returned unchanged.
func Hydrate(m Message) Message {
	if len(m.Parts) > 0 || strings.TrimSpace(m.Content) == "" {
		return m
	}
	m.Parts = []Part{{Kind: PartText, Text: m.Content}}
	m.Content = ""
	return m
}
