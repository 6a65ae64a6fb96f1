// ABOUTME: Tests for markdown to plain text conversion used in channel replies.
// ABOUTME: Each case is a small markdown document and its expected rendering.

package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "just words", "just words"},
		{"emphasis", "**Hello** _world_", "Hello world"},
		{"heading and code span", "# Title\n\nSome `code` here.", "Title\n\nSome code here."},
		{"list", "- one\n- two", "- one\n- two"},
		{"link", "see [the docs](https://example.com/docs)", "see the docs (https://example.com/docs)"},
		{"fenced code", "```go\nfmt.Println(1)\n```", "fmt.Println(1)"},
		{"html dropped", "<div>x</div>\n\nafter", "after"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlainText(tt.in))
		})
	}
}
