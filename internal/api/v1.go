package api

import (
	"encoding/json"
	"time"
)

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type CreateCaseRequest struct {
	Title       string                    `json:"title"`
	Description string                    `json:"description,omitempty"`
	Target      string                    `json:"target"`
	Tools       []string                  `json:"tools"`
	ToolOptions map[string]map[string]any `json:"tool_options,omitempty"`
}

type CaseAccepted struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	CaseID        string    `json:"case_id"`
	Status        string    `json:"status"`
	Message       string    `json:"message,omitempty"`
}

type CaseSummaryItem struct {
	CaseID      string   `json:"case_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Target      string   `json:"target"`
	TargetKind  string   `json:"target_kind"`
	Status      string   `json:"status"`
	Tools       []string `json:"tools"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

type CasesEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Cases         []CaseSummaryItem `json:"cases"`
}

// ToolResultItem is one tool outcome. Results is present only for
// successful outcomes and Error only for failed ones.
type ToolResultItem struct {
	Tool       string          `json:"tool"`
	Status     string          `json:"status"`
	Results    json.RawMessage `json:"results,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  string          `json:"started_at"`
	FinishedAt string          `json:"finished_at"`
	DurationMS int64           `json:"duration_ms"`
}

type CaseDetail struct {
	SchemaVersion  string           `json:"schema_version"`
	GeneratedAt    time.Time        `json:"generated_at"`
	CaseID         string           `json:"case_id"`
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	Target         string           `json:"target"`
	TargetKind     string           `json:"target_kind"`
	Status         string           `json:"status"`
	Message        string           `json:"message,omitempty"`
	RequestedTools []string         `json:"requested_tools"`
	ToolResults    []ToolResultItem `json:"tool_results"`
	Report         string           `json:"report,omitempty"`
	Synthesized    bool             `json:"synthesized"`
	CreatedAt      string           `json:"created_at"`
	UpdatedAt      string           `json:"updated_at"`
	CompletedAt    *string          `json:"completed_at,omitempty"`
}

type StatusItem struct {
	CaseID         string   `json:"case_id"`
	Status         string   `json:"status"`
	Message        string   `json:"message,omitempty"`
	ToolsCompleted []string `json:"tools_completed"`
	ToolsFailed    []string `json:"tools_failed"`
	ToolsPending   []string `json:"tools_pending"`
	ReportReady    bool     `json:"report_ready"`
}

type CaseStatusResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	StatusItem
}

type ReportResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	CaseID        string    `json:"case_id"`
	Status        string    `json:"status"`
	Synthesized   bool      `json:"synthesized"`
	Report        string    `json:"report"`
}

type ToolPayloadResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	CaseID        string    `json:"case_id"`
	ToolResultItem
	RawOutput string `json:"raw_output,omitempty"`
}

type CancelResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	CaseID        string    `json:"case_id"`
	Status        string    `json:"status"`
	Message       string    `json:"message"`
}

type LogItem struct {
	ID        int64           `json:"id"`
	Tool      string          `json:"tool,omitempty"`
	Status    string          `json:"status,omitempty"`
	Step      string          `json:"step"`
	Details   json.RawMessage `json:"details"`
	CreatedAt string          `json:"created_at"`
}

type LogsEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	CaseID        string    `json:"case_id"`
	Logs          []LogItem `json:"logs"`
}

type ToolItem struct {
	Name           string         `json:"name"`
	Kind           string         `json:"kind"`
	Description    string         `json:"description"`
	DefaultOptions map[string]any `json:"default_options"`
}

type ToolsEnvelope struct {
	SchemaVersion  string     `json:"schema_version"`
	GeneratedAt    time.Time  `json:"generated_at"`
	AvailableTools []ToolItem `json:"available_tools"`
}

type HealthResponse struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Status        string            `json:"status"`
	Components    map[string]string `json:"components"`
}

type ConfigResponse struct {
	SchemaVersion  string          `json:"schema_version"`
	GeneratedAt    time.Time       `json:"generated_at"`
	LLMProvider    string          `json:"llm_provider"`
	LLMModel       string          `json:"llm_model"`
	LLMURL         string          `json:"llm_url"`
	AvailableTools []ToolItem      `json:"available_tools"`
	APIKeyRequired bool            `json:"api_key_required"`
	Databases      map[string]bool `json:"databases"`
}

type ChatContext struct {
	Target    string   `json:"target,omitempty"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

type ChatRequest struct {
	Message string       `json:"message"`
	Context *ChatContext `json:"context,omitempty"`
}

type ChatResponse struct {
	SchemaVersion  string    `json:"schema_version"`
	GeneratedAt    time.Time `json:"generated_at"`
	Response       string    `json:"response"`
	Model          string    `json:"model"`
	TargetKind     string    `json:"target_kind,omitempty"`
	SuggestedTools []string  `json:"suggested_tools,omitempty"`
}

// WatchLine is one line of the case watch stream. Type is "snapshot" for
// every change and "terminal" for the last line.
type WatchLine struct {
	SchemaVersion string     `json:"schema_version"`
	EmittedAt     time.Time  `json:"emitted_at"`
	Type          string     `json:"type"`
	Sequence      int64      `json:"sequence"`
	Progress      StatusItem `json:"progress"`
}
