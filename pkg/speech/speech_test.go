package speech

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "Okay.", "Okay."},
		{"blank", "  \n ", ""},
		{"emphasis", "I *love* this **song**!", "I love this song!"},
		{"link", "See [the docs](https://example.com) now.", "See the docs now."},
		{"heading and list", "# Colors\n\n- red\n- blue\n", "Colors. red. blue."},
		{"code block dropped", "Here you go:\n\n```go\nfmt.Println(1)\n```\n\nDone.", "Here you go: Done."},
		{"soft breaks", "line one\nline two", "line one line two"},
		{"inline code kept", "Run `make` first.", "Run make first."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Clean(tt.input))
		})
	}
}

func TestLimit(t *testing.T) {
	assert.Equal(t, "short", Limit("short", 10))
	assert.Equal(t, "One. Two.", Limit("One. Two. Three four five.", 12))
	assert.Equal(t, "alpha beta...", Limit("alpha beta gamma", 12))
	assert.Equal(t, "abc", Limit("abcdef", 3))
	assert.Equal(t, "anything", Limit("anything", 0))
}
