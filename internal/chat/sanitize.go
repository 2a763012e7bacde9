package chat

import "strings"

// Sanitize transforms a raw, possibly malformed history into the ordered turn
// sequence strict providers accept. It is pure and deterministic: no I/O, no
// mutation of its input, and sanitizing an already-sanitized sequence yields
// the same sequence.
//
// Rules, per message:
//   - unknown or empty roles are dropped;
//   - step markers are always dropped (UI-only signal);
//   - tool invocations are always dropped: a strict provider requires a call
//     to be immediately followed by its result within the same submission,
//     which cannot be guaranteed across persisted and reloaded history;
//   - assistant and system turns keep only non-empty text;
//   - user turns keep non-empty text plus file attachments;
//   - a message whose parts filter down to nothing falls back to its legacy
//     flat content, and is dropped if that is empty too.
//
// Finally, trailing non-user turns are removed so generation always resumes
// from a user turn. A partial assistant turn left over from a failed exchange
// must not be submitted as context.
func Sanitize(messages []Message) []Message {
	out := make([]Message, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			continue
		}

		parts := filterParts(m.Role, m.Parts)
		if len(parts) == 0 {
			if text := strings.TrimSpace(m.Content); text != "" {
				parts = []Part{{Kind: PartText, Text: m.Content}}
			} else {
				continue
			}
		}
		out = append(out, Message{Role: m.Role, Parts: parts})
	}

	for len(out) > 0 && out[len(out)-1].Role != RoleUser {
		out = out[:len(out)-1]
	}
	return out
}

func filterParts(role string, parts []Part) []Part {
	kept := make([]Part, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case PartStepStart, PartToolInvocation:
			continue
		case PartText:
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			kept = append(kept, p)
		case PartFile:
			if role == RoleUser {
				kept = append(kept, p)
			}
		default:
			// Outside the closed union; coerced out.
			continue
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
