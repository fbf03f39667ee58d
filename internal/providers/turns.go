package providers

import "strings"

const DefaultContinueFiller = "Continue."

// NormalizeRoles returns a copy with every role mapped onto system, user or assistant.
func NormalizeRoles(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{Role: ParseRole(string(m.Role)), Content: m.Content})
	}
	return out
}

// SplitSystem lifts system turns out of the conversation and joins them with blank lines.
func SplitSystem(msgs []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// MergeConsecutive joins adjacent turns of the same role.
func MergeConsecutive(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content = out[n-1].Content + "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

// EnsureLeadingUser drops assistant turns that precede the first user turn.
func EnsureLeadingUser(msgs []Message) []Message {
	for i, m := range msgs {
		if m.Role == RoleUser {
			return msgs[i:]
		}
	}
	return nil
}

// EnsureTrailingUser appends a user turn holding filler unless the last turn already is one.
func EnsureTrailingUser(msgs []Message, filler string) []Message {
	if filler == "" {
		filler = DefaultContinueFiller
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == RoleUser {
		return msgs
	}
	return append(msgs, Message{Role: RoleUser, Content: filler})
}

// AlternatingTurns applies the shaping that strict user/assistant vendors require:
// system lifted out, merged runs, a leading user turn and a trailing user turn.
func AlternatingTurns(msgs []Message) (string, []Message) {
	system, rest := SplitSystem(NormalizeRoles(msgs))
	rest = EnsureLeadingUser(MergeConsecutive(rest))
	return system, EnsureTrailingUser(rest, DefaultContinueFiller)
}

// CollapseSingleTurn flattens a conversation into one system string and one prompt for
// providers without multi-turn semantics. The transcript always ends on a user turn:
// trailing assistant turns are dropped. A lone user turn is passed through verbatim.
func CollapseSingleTurn(msgs []Message) (system string, prompt string) {
	system, rest := SplitSystem(NormalizeRoles(msgs))
	end := len(rest)
	for end > 0 && rest[end-1].Role != RoleUser {
		end--
	}
	if end == 0 {
		rest = EnsureTrailingUser(rest, DefaultContinueFiller)
	} else {
		rest = rest[:end]
	}
	if len(rest) == 1 && rest[0].Role == RoleUser {
		return system, rest[0].Content
	}

	parts := make([]string, 0, len(rest))
	for _, m := range rest {
		label := "User"
		if m.Role == RoleAssistant {
			label = "Assistant"
		}
		parts = append(parts, label+": "+strings.TrimSpace(m.Content))
	}
	return system, strings.Join(parts, "\n\n")
}
