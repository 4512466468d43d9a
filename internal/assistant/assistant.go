// Package assistant answers free-form research questions with the same
// language model that writes case reports.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/origincreativegroup/Loom/internal/llm"
	"github.com/origincreativegroup/Loom/internal/model"
	"github.com/origincreativegroup/Loom/internal/target"
)

var ErrEmptyMessage = errors.New("message is required")

const maxMessageLen = 8000

// Context narrows an answer to an investigation in progress.
type Context struct {
	Target    string
	ToolsUsed []string
}

type Answer struct {
	Response       string
	Model          string
	TargetKind     model.TargetKind
	SuggestedTools []string
}

type Catalog interface {
	Descriptors() []model.ToolDescriptor
}

type Assistant struct {
	client  llm.Client
	catalog Catalog
}

func New(client llm.Client, catalog Catalog) *Assistant {
	return &Assistant{client: client, catalog: catalog}
}

func (a *Assistant) Ask(ctx context.Context, message string, cc Context) (Answer, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Answer{}, ErrEmptyMessage
	}
	if len(message) > maxMessageLen {
		return Answer{}, fmt.Errorf("message exceeds %d bytes", maxMessageLen)
	}

	ans := Answer{Model: a.client.Model()}
	if t := strings.TrimSpace(cc.Target); t != "" {
		ans.TargetKind = target.Classify(t)
		ans.SuggestedTools = a.available(target.SuggestTools(ans.TargetKind))
	}

	resp, err := a.client.Generate(ctx, llm.Request{
		System:      SystemPrompt(a.descriptors()),
		Prompt:      BuildPrompt(message, cc, ans.SuggestedTools),
		Temperature: 0.4,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("assistant: %w", err)
	}
	ans.Response = strings.TrimSpace(resp)
	return ans, nil
}

// SystemPrompt describes the assistant's role and the tools this deployment
// actually has registered.
func SystemPrompt(tools []model.ToolDescriptor) string {
	var b strings.Builder
	b.WriteString("You are an OSINT research assistant built into Loom, an investigation console.\n\n")
	b.WriteString("Help investigators with:\n")
	b.WriteString("1. Choosing which tools to run for a target type (domain, IP address, email, username)\n")
	b.WriteString("2. Correlating findings across tools\n")
	b.WriteString("3. Planning a methodical investigation\n")
	b.WriteString("4. OSINT technique, legal limits and operational security\n\n")
	if len(tools) > 0 {
		b.WriteString("Tools available in this deployment:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s (%s): %s\n", t.Name, t.Kind, t.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("Be concise and practical. When the user names a target, recommend specific tools from the list and explain what each would reveal.")
	return b.String()
}

func BuildPrompt(message string, cc Context, suggested []string) string {
	var b strings.Builder
	if t := strings.TrimSpace(cc.Target); t != "" {
		fmt.Fprintf(&b, "Target: %s\n", t)
		if len(suggested) > 0 {
			fmt.Fprintf(&b, "Tools suited to this target: %s\n", strings.Join(suggested, ", "))
		}
		b.WriteString("\n")
	}
	if len(cc.ToolsUsed) > 0 {
		fmt.Fprintf(&b, "Tools already used: %s\n\n", strings.Join(cc.ToolsUsed, ", "))
	}
	if b.Len() == 0 {
		return message
	}
	fmt.Fprintf(&b, "Question: %s", message)
	return b.String()
}

func (a *Assistant) descriptors() []model.ToolDescriptor {
	if a.catalog == nil {
		return nil
	}
	return a.catalog.Descriptors()
}

// available keeps the suggestions that are registered, or all of them when
// no catalog is configured.
func (a *Assistant) available(names []string) []string {
	if a.catalog == nil {
		return names
	}
	registered := map[string]bool{}
	for _, d := range a.catalog.Descriptors() {
		registered[d.Name] = true
	}
	out := []string{}
	for _, n := range names {
		if registered[n] {
			out = append(out, n)
		}
	}
	return out
}
