package cli

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

const defaultRenderWidth = 100

// renderMarkdown renders a report for the terminal. The dark style is fixed
// because auto-detection falls back to plain text off a TTY.
func renderMarkdown(text string, width int) (string, error) {
	wrap := width - 4
	if wrap < 20 {
		wrap = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath("dark"),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		return "", err
	}
	return r.Render(text)
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
