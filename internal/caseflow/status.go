package caseflow

import (
	"fmt"
	"strings"

	"github.com/origincreativegroup/Loom/internal/model"
)

// Progress is the per-tool breakdown shown to polling clients.
type Progress struct {
	CaseID         string
	Status         model.CaseStatus
	Message        string
	ToolsCompleted []string
	ToolsFailed    []string
	ToolsPending   []string
	ReportReady    bool
}

func ProgressOf(c model.Case) Progress {
	p := Progress{
		CaseID:         c.CaseID,
		Status:         c.Status,
		Message:        c.Message,
		ToolsCompleted: []string{},
		ToolsFailed:    []string{},
		ToolsPending:   []string{},
		ReportReady:    c.Status == model.CaseCompleted && c.Synthesized,
	}
	for _, name := range c.RequestedTools {
		out, ok := c.Outcome(name)
		switch {
		case !ok:
			p.ToolsPending = append(p.ToolsPending, name)
		case out.Succeeded():
			p.ToolsCompleted = append(p.ToolsCompleted, name)
		default:
			p.ToolsFailed = append(p.ToolsFailed, name)
		}
	}
	return p
}

// ExplanatoryReport describes why a case could not produce a synthesized
// report and what each tool did.
func ExplanatoryReport(c model.Case, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Investigation failed: %s\n\n", c.Title)
	fmt.Fprintf(&b, "Target: %s\n\n", c.Target)
	fmt.Fprintf(&b, "Reason: %s\n\n", reason)
	b.WriteString("## Tool results\n\n")
	for _, name := range c.RequestedTools {
		out, ok := c.Outcome(name)
		switch {
		case !ok:
			fmt.Fprintf(&b, "- %s: no result\n", name)
		case out.Succeeded():
			fmt.Fprintf(&b, "- %s: success (%d records)\n", name, len(out.Results))
		default:
			fmt.Fprintf(&b, "- %s: %s (%s)\n", name, out.Status, out.ErrorMessage)
		}
	}
	return b.String()
}
