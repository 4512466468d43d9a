package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/origincreativegroup/Loom/internal/caseflow"
	"github.com/origincreativegroup/Loom/internal/model"
)

const maxWait = 10 * time.Minute

type ListToolsTool struct {
	catalog Catalog
}

func NewListToolsTool(catalog Catalog) *ListToolsTool {
	return &ListToolsTool{catalog: catalog}
}

func (t *ListToolsTool) Definition() mcp.Tool {
	return mcp.NewTool("loom_list_tools",
		mcp.WithDescription("List the OSINT tools this Loom daemon can run, with their transport kind."),
	)
}

func (t *ListToolsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	descs := t.catalog.Descriptors()
	if len(descs) == 0 {
		return mcp.NewToolResultText("No tools are enabled."), nil
	}
	var sb strings.Builder
	sb.WriteString("## Available tools\n\n")
	for _, d := range descs {
		sb.WriteString(fmt.Sprintf("- **%s** (%s): %s\n", d.Name, d.Kind, d.Description))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

type InvestigateTool struct {
	cases Cases
}

func NewInvestigateTool(cases Cases) *InvestigateTool {
	return &InvestigateTool{cases: cases}
}

func (t *InvestigateTool) Definition() mcp.Tool {
	return mcp.NewTool("loom_investigate",
		mcp.WithDescription(
			"Start an investigation. Tools run concurrently; failed tools do not stop the others. "+
				"Set wait=true to block until the report is ready.",
		),
		mcp.WithString("target",
			mcp.Required(),
			mcp.Description("Domain, IPv4 address, email address or username"),
		),
		mcp.WithString("tools",
			mcp.Required(),
			mcp.Description("Comma separated tool names, e.g. searxng,whois"),
		),
		mcp.WithString("title",
			mcp.Description("Case title (default: Investigation of <target>)"),
		),
		mcp.WithString("description",
			mcp.Description("Free-form case description"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Wait for the case to finish and return its report"),
		),
		mcp.WithNumber("wait_seconds",
			mcp.Description("Maximum seconds to wait when wait=true (default 300)"),
		),
	)
}

func (t *InvestigateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target := strings.TrimSpace(req.GetString("target", ""))
	if target == "" {
		return mcp.NewToolResultError("'target' is required"), nil
	}
	tools := toolsArg(req)
	if len(tools) == 0 {
		return mcp.NewToolResultError("'tools' is required"), nil
	}
	title := strings.TrimSpace(req.GetString("title", ""))
	if title == "" {
		title = "Investigation of " + target
	}

	c, err := t.cases.Submit(ctx, caseflow.NewCase{
		Title:       title,
		Description: req.GetString("description", ""),
		Target:      target,
		Tools:       tools,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start investigation: %v", err)), nil
	}
	if !boolArg(req, "wait", false) {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Investigation queued.\n\n- **Case**: %s\n- **Target**: %s (%s)\n- **Tools**: %s\n",
			c.CaseID, c.Target, c.TargetKind, strings.Join(c.RequestedTools, ", "),
		)), nil
	}

	wait := time.Duration(intArg(req, "wait_seconds", 300)) * time.Second
	if wait <= 0 || wait > maxWait {
		wait = maxWait
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	done, err := t.cases.Wait(waitCtx, c.CaseID)
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Case %s is still running (%v). Use loom_case_status to follow it.", c.CaseID, err,
		)), nil
	}
	return mcp.NewToolResultText(reportText(done.CaseID, string(done.Status), done.Report, done.Synthesized)), nil
}

type StatusTool struct {
	cases Cases
}

func NewStatusTool(cases Cases) *StatusTool {
	return &StatusTool{cases: cases}
}

func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("loom_case_status",
		mcp.WithDescription("Show which tools of a case have completed, failed or are still pending."),
		mcp.WithString("case_id",
			mcp.Required(),
			mcp.Description("Case identifier returned by loom_investigate"),
		),
	)
}

func (t *StatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caseID := strings.TrimSpace(req.GetString("case_id", ""))
	if caseID == "" {
		return mcp.NewToolResultError("'case_id' is required"), nil
	}
	p, err := t.cases.Progress(ctx, caseID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get status: %v", err)), nil
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Case %s\n\n", p.CaseID))
	sb.WriteString(fmt.Sprintf("- **Status**: %s\n", p.Status))
	if p.Message != "" {
		sb.WriteString(fmt.Sprintf("- **Message**: %s\n", p.Message))
	}
	sb.WriteString(fmt.Sprintf("- **Completed**: %s\n", listOrNone(p.ToolsCompleted)))
	sb.WriteString(fmt.Sprintf("- **Failed**: %s\n", listOrNone(p.ToolsFailed)))
	sb.WriteString(fmt.Sprintf("- **Pending**: %s\n", listOrNone(p.ToolsPending)))
	sb.WriteString(fmt.Sprintf("- **Report ready**: %t\n", p.ReportReady))
	return mcp.NewToolResultText(sb.String()), nil
}

type ReportTool struct {
	cases Cases
}

func NewReportTool(cases Cases) *ReportTool {
	return &ReportTool{cases: cases}
}

func (t *ReportTool) Definition() mcp.Tool {
	return mcp.NewTool("loom_case_report",
		mcp.WithDescription("Return the markdown report of a finished case."),
		mcp.WithString("case_id",
			mcp.Required(),
			mcp.Description("Case identifier returned by loom_investigate"),
		),
	)
}

func (t *ReportTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caseID := strings.TrimSpace(req.GetString("case_id", ""))
	if caseID == "" {
		return mcp.NewToolResultError("'case_id' is required"), nil
	}
	report, synthesized, err := t.cases.Report(ctx, caseID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("report unavailable: %v", err)), nil
	}
	status := string(model.CaseCompleted)
	if !synthesized {
		status = string(model.CaseError)
	}
	return mcp.NewToolResultText(reportText(caseID, status, report, synthesized)), nil
}

type ListCasesTool struct {
	cases Cases
}

func NewListCasesTool(cases Cases) *ListCasesTool {
	return &ListCasesTool{cases: cases}
}

func (t *ListCasesTool) Definition() mcp.Tool {
	return mcp.NewTool("loom_list_cases",
		mcp.WithDescription("List recent investigation cases, newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Max cases (default: 10)"),
		),
	)
}

func (t *ListCasesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cases, err := t.cases.List(ctx, intArg(req, "limit", 10))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list cases: %v", err)), nil
	}
	if len(cases) == 0 {
		return mcp.NewToolResultText("No cases yet."), nil
	}
	var sb strings.Builder
	for _, c := range cases {
		sb.WriteString(fmt.Sprintf("- %s **%s** %s [%s]\n", c.CaseID, c.Status, c.Target, strings.Join(c.RequestedTools, ", ")))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func reportText(caseID, status, report string, synthesized bool) string {
	header := fmt.Sprintf("Case %s finished with status %s.", caseID, status)
	if !synthesized {
		header += " The report below explains why no synthesis was produced."
	}
	if strings.TrimSpace(report) == "" {
		return header
	}
	return header + "\n\n" + report
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

// toolsArg accepts either a comma separated string or a JSON array.
func toolsArg(req mcp.CallToolRequest) []string {
	var raw []string
	switch v := req.GetArguments()["tools"].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}
