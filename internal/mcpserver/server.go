// Package mcpserver exposes Loom investigations as MCP tools so that an
// assistant client can start cases and read reports over stdio.
package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"github.com/origincreativegroup/Loom/internal/caseflow"
	"github.com/origincreativegroup/Loom/internal/model"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Cases is the slice of the orchestrator the MCP tools need.
type Cases interface {
	Submit(ctx context.Context, req caseflow.NewCase) (model.Case, error)
	List(ctx context.Context, limit int) ([]model.CaseSummary, error)
	Progress(ctx context.Context, caseID string) (caseflow.Progress, error)
	Report(ctx context.Context, caseID string) (string, bool, error)
	Wait(ctx context.Context, caseID string) (model.Case, error)
}

type Catalog interface {
	Descriptors() []model.ToolDescriptor
}

// New builds the MCP server with every Loom tool registered.
func New(cases Cases, catalog Catalog) *server.MCPServer {
	s := server.NewMCPServer(
		"loom",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	listTools := NewListToolsTool(catalog)
	s.AddTool(listTools.Definition(), listTools.Handle)

	investigate := NewInvestigateTool(cases)
	s.AddTool(investigate.Definition(), investigate.Handle)

	status := NewStatusTool(cases)
	s.AddTool(status.Definition(), status.Handle)

	report := NewReportTool(cases)
	s.AddTool(report.Definition(), report.Handle)

	listCases := NewListCasesTool(cases)
	s.AddTool(listCases.Definition(), listCases.Handle)

	return s
}

const instructions = `Loom runs OSINT tools against a target and synthesizes a report.
Call loom_list_tools first, then loom_investigate with a target and tool names.
Poll loom_case_status until the case is completed or error, then read loom_case_report.`
