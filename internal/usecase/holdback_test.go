package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBalancedPrefix(t *testing.T) {
	tests := []struct {
		name string
		in   string
		safe string
		held string
	}{
		{"plain text", "hello world", "hello world", ""},
		{"closed fence", "a ```go\ncode\n``` b", "a ```go\ncode\n``` b", ""},
		{"open fence", "before ```go\npartial", "before ", "```go\npartial"},
		{"closed math", "price is $$x$$ total", "price is $$x$$ total", ""},
		{"open math", "formula $$\\frac{1", "formula ", "$$\\frac{1"},
		{"fence then open math", "```x``` and $$y", "```x``` and ", "$$y"},
		{"open fence before open math", "```a $$b", "", "```a $$b"},
		{"empty", "", "", ""},
		{"bare opener", "```", "", "```"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			safe, held := BalancedPrefix(tt.in)
			assert.Equal(t, tt.safe, safe)
			assert.Equal(t, tt.held, held)
			assert.Equal(t, tt.in, safe+held)
		})
	}
}

func TestBalancedPrefixThirdFenceHeld(t *testing.T) {
	// Two fences pair off; the third is an unmatched opener.
	in := "```a``` text ```open"
	safe, held := BalancedPrefix(in)
	assert.Equal(t, "```a``` text ", safe)
	assert.Equal(t, "```open", held)
}
