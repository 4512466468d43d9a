package api

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/origincreativegroup/Loom/internal/caseflow"
	"github.com/origincreativegroup/Loom/internal/model"
)

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func SummaryItem(s model.CaseSummary) CaseSummaryItem {
	tools := s.RequestedTools
	if tools == nil {
		tools = []string{}
	}
	return CaseSummaryItem{
		CaseID:      s.CaseID,
		Title:       s.Title,
		Description: s.Description,
		Target:      s.Target,
		TargetKind:  string(s.TargetKind),
		Status:      string(s.Status),
		Tools:       tools,
		CreatedAt:   timestamp(s.CreatedAt),
		UpdatedAt:   timestamp(s.UpdatedAt),
	}
}

func ToolResult(o model.ToolOutcome) ToolResultItem {
	item := ToolResultItem{
		Tool:       o.ToolName,
		Status:     string(o.Status),
		StartedAt:  timestamp(o.StartedAt),
		FinishedAt: timestamp(o.FinishedAt),
		DurationMS: o.Duration().Milliseconds(),
	}
	if o.Succeeded() {
		records := o.Results
		if records == nil {
			records = []model.Record{}
		}
		if raw, err := json.Marshal(records); err == nil {
			item.Results = raw
		}
	} else {
		item.Error = o.ErrorMessage
	}
	return item
}

func Detail(c model.Case, now time.Time) CaseDetail {
	d := CaseDetail{
		SchemaVersion:  SchemaVersion,
		GeneratedAt:    now,
		CaseID:         c.CaseID,
		Title:          c.Title,
		Description:    c.Description,
		Target:         c.Target,
		TargetKind:     string(c.TargetKind),
		Status:         string(c.Status),
		Message:        c.Message,
		RequestedTools: append([]string{}, c.RequestedTools...),
		ToolResults:    make([]ToolResultItem, 0, len(c.Outcomes)),
		Report:         c.Report,
		Synthesized:    c.Synthesized,
		CreatedAt:      timestamp(c.CreatedAt),
		UpdatedAt:      timestamp(c.UpdatedAt),
	}
	for _, o := range c.Outcomes {
		d.ToolResults = append(d.ToolResults, ToolResult(o))
	}
	if c.CompletedAt != nil {
		v := timestamp(*c.CompletedAt)
		d.CompletedAt = &v
	}
	return d
}

func Status(p caseflow.Progress) StatusItem {
	return StatusItem{
		CaseID:         p.CaseID,
		Status:         string(p.Status),
		Message:        p.Message,
		ToolsCompleted: p.ToolsCompleted,
		ToolsFailed:    p.ToolsFailed,
		ToolsPending:   p.ToolsPending,
		ReportReady:    p.ReportReady,
	}
}

// ToolItems converts descriptors in name order.
func ToolItems(descs []model.ToolDescriptor) []ToolItem {
	items := make([]ToolItem, 0, len(descs))
	for _, d := range descs {
		opts := d.DefaultOptions
		if opts == nil {
			opts = map[string]any{}
		}
		items = append(items, ToolItem{
			Name:           d.Name,
			Kind:           string(d.Kind),
			Description:    d.Description,
			DefaultOptions: opts,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

func Log(l model.ActivityLog) LogItem {
	details := json.RawMessage(l.DetailsJSON)
	if !json.Valid(details) {
		details = json.RawMessage("{}")
	}
	return LogItem{
		ID:        l.ID,
		Tool:      l.ToolName,
		Status:    l.Status,
		Step:      l.Step,
		Details:   details,
		CreatedAt: timestamp(l.CreatedAt),
	}
}
