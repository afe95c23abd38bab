package render

import (
	"sync"

	"github.com/charmbracelet/glamour"

	"parley/internal/domain"
)

// GlamourRenderer implements domain.Renderer with terminal markdown
// rendering. It is invoked only for completed messages; streaming text is
// displayed raw, since half-open markdown renders badly.
type GlamourRenderer struct {
	mu       sync.Mutex
	width    int
	renderer *glamour.TermRenderer
}

// New creates a renderer wrapping at width columns.
func New(width int) *GlamourRenderer {
	if width <= 0 {
		width = 80
	}
	return &GlamourRenderer{width: width}
}

// SetWidth changes the wrap width and drops the cached renderer.
func (g *GlamourRenderer) SetWidth(width int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if width == g.width {
		return
	}
	g.width = width
	g.renderer = nil
}

// Render implements domain.Renderer. On renderer failure the raw markdown
// comes back unchanged along with the error, so the caller always has
// something to display.
func (g *GlamourRenderer) Render(markdown string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.renderer == nil {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(g.width),
		)
		if err != nil {
			return markdown, err
		}
		g.renderer = r
	}

	out, err := g.renderer.Render(markdown)
	if err != nil {
		return markdown, err
	}
	return out, nil
}

var _ domain.Renderer = (*GlamourRenderer)(nil)
