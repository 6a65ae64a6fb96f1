// ABOUTME: Renders transcript messages as plain text for summarization and memory prompts.
// ABOUTME: Tool arguments and results are truncated so one noisy call cannot dominate a prompt.

package tokens

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/2389/coven-relay/internal/llm"
)

// MaxToolTextChars bounds how much of a tool argument or result is rendered.
const MaxToolTextChars = 2000

// Serialize renders messages as "[Role]: text" blocks separated by blank lines.
func Serialize(msgs []llm.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		writeMessage(&b, m)
	}
	return b.String()
}

func writeMessage(b *strings.Builder, m llm.Message) {
	switch m.Role {
	case llm.RoleUser:
		b.WriteString("[User]: ")
		b.WriteString(m.Text())
		writeImageNote(b, m)
	case llm.RoleAssistant:
		b.WriteString("[Assistant]: ")
		b.WriteString(m.Text())
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(b, "\n[Tool call %s]: %s", tc.Name, truncate(string(tc.Args), MaxToolTextChars))
		}
	case llm.RoleToolResult:
		label := "Tool result"
		if m.IsError {
			label = "Tool error"
		}
		if m.ToolName != "" {
			label += " " + m.ToolName
		}
		fmt.Fprintf(b, "[%s]: %s", label, truncate(m.Text(), MaxToolTextChars))
		writeImageNote(b, m)
	default:
		fmt.Fprintf(b, "[%s]: %s", m.Role, m.Text())
	}
}

func writeImageNote(b *strings.Builder, m llm.Message) {
	if n := m.ImageCount(); n > 0 {
		fmt.Fprintf(b, " [%d image(s)]", n)
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	head := Clip(s, limit)
	return head + fmt.Sprintf("... [truncated %d chars]", len(s)-len(head))
}

// Clip returns the longest prefix of s that fits in limit bytes without
// splitting a rune.
func Clip(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
