package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/origincreativegroup/Loom/internal/llm"
	"github.com/origincreativegroup/Loom/internal/model"
	"github.com/origincreativegroup/Loom/internal/security"
)

var (
	ErrEmptyReport  = errors.New("llm returned an empty report")
	ErrNoSuccessful = errors.New("no successful tool outcomes to synthesize")
)

const systemPrompt = `You are an experienced OSINT analyst. Combine the results of several OSINT tools into one intelligence report.

Write the report in Markdown with these sections:
- Executive Summary
- Key Findings, grouped by category (Infrastructure, People, Social Media, Threats, ...)
- Tool-by-Tool Analysis
- Cross-Reference Analysis of findings that corroborate each other
- Recommendations
- Sources

Stay factual. Attribute every finding to the tool that produced it and call out gaps where tools failed or returned nothing.`

type Generator interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

type Limits struct {
	MaxRecords int
	MaxBytes   int
}

// Engine turns a case's outcomes into a report with a single LLM call.
type Engine struct {
	gen    Generator
	limits Limits
}

func New(gen Generator, limits Limits) *Engine {
	if limits.MaxRecords <= 0 {
		limits.MaxRecords = 50
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = 8 * 1024
	}
	return &Engine{gen: gen, limits: limits}
}

// Synthesize makes exactly one generation call. There is no retry; the
// caller decides what a failure means for the case.
func (e *Engine) Synthesize(ctx context.Context, c model.Case) (string, error) {
	if !hasSuccess(c.Outcomes) {
		return "", ErrNoSuccessful
	}
	report, err := e.gen.Generate(ctx, llm.Request{
		System: systemPrompt,
		Prompt: BuildPrompt(c, e.limits),
	})
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	report = strings.TrimSpace(report)
	if report == "" {
		return "", ErrEmptyReport
	}
	return report, nil
}

// BuildPrompt renders the case metadata and a bounded view of every
// outcome. The output depends only on its inputs.
func BuildPrompt(c model.Case, limits Limits) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target: %s\n", c.Target)
	fmt.Fprintf(&b, "Case: %s\n", c.Title)
	description := c.Description
	if strings.TrimSpace(description) == "" {
		description = "N/A"
	}
	fmt.Fprintf(&b, "Description: %s\n\n", description)
	b.WriteString("Tool Results:\n")

	for _, out := range c.Outcomes {
		fmt.Fprintf(&b, "\n## %s\n", strings.ToUpper(out.ToolName))
		fmt.Fprintf(&b, "Status: %s\n", out.Status)
		if out.ErrorMessage != "" {
			fmt.Fprintf(&b, "Error: %s\n", security.Redact(out.ErrorMessage))
		}
		if !out.Succeeded() {
			continue
		}
		fmt.Fprintf(&b, "Results Count: %d\n", len(out.Results))
		b.WriteString("Findings:\n")
		b.WriteString(renderRecords(out.Results, limits))
		b.WriteString("\n")
	}
	b.WriteString("\nWrite the unified OSINT intelligence report.")
	return b.String()
}

// renderRecords serializes at most MaxRecords records, then drops trailing
// records until the JSON fits MaxBytes. A single oversized record is cut
// at the byte limit.
func renderRecords(records []model.Record, limits Limits) string {
	shown := records
	if len(shown) > limits.MaxRecords {
		shown = shown[:limits.MaxRecords]
	}
	shown = security.RedactRecords(shown)

	text := marshal(shown)
	for len(text) > limits.MaxBytes && len(shown) > 1 {
		shown = shown[:len(shown)-1]
		text = marshal(shown)
	}
	if len(text) > limits.MaxBytes {
		text = cutAtRune(text, limits.MaxBytes) + "\n...[truncated]"
	}
	if len(shown) < len(records) {
		text += fmt.Sprintf("\n(showing %d of %d records)", len(shown), len(records))
	}
	return text
}

// cutAtRune returns at most n bytes of s without splitting a UTF-8 sequence.
func cutAtRune(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func marshal(records []model.Record) string {
	buf, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", records)
	}
	return string(buf)
}

func hasSuccess(outcomes []model.ToolOutcome) bool {
	for _, o := range outcomes {
		if o.Succeeded() {
			return true
		}
	}
	return false
}
