package model

import "time"

// CaseStatus is the lifecycle state of an investigation case.
type CaseStatus string

const (
	CaseQueued       CaseStatus = "queued"
	CaseProcessing   CaseStatus = "processing"
	CaseSynthesizing CaseStatus = "synthesizing"
	CaseCompleted    CaseStatus = "completed"
	CaseError        CaseStatus = "error"
)

// CaseStatusOrder ranks statuses along the forward-only lifecycle.
var CaseStatusOrder = map[CaseStatus]int{
	CaseQueued:       1,
	CaseProcessing:   2,
	CaseSynthesizing: 3,
	CaseCompleted:    4,
	CaseError:        4,
}

func (s CaseStatus) Terminal() bool {
	return s == CaseCompleted || s == CaseError
}

func (s CaseStatus) Valid() bool {
	_, ok := CaseStatusOrder[s]
	return ok
}

type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeError   OutcomeStatus = "error"
	OutcomeTimeout OutcomeStatus = "timeout"
)

// ToolKind is the transport an adapter uses to reach its tool.
type ToolKind string

const (
	KindLocalProcess   ToolKind = "local-process"
	KindLocalContainer ToolKind = "local-container"
	KindRemoteShell    ToolKind = "remote-shell"
	KindRemoteHTTP     ToolKind = "remote-http"
)

// Remote reports whether the kind opens a network connection to another host.
func (k ToolKind) Remote() bool {
	return k == KindRemoteShell || k == KindRemoteHTTP
}

// TargetKind is advisory classification of a target string.
type TargetKind string

const (
	TargetDomain   TargetKind = "domain"
	TargetIPv4     TargetKind = "ipv4"
	TargetEmail    TargetKind = "email"
	TargetUsername TargetKind = "username"
	TargetUnknown  TargetKind = "unknown"
)

type ToolDescriptor struct {
	Name           string
	Kind           ToolKind
	Description    string
	DefaultOptions map[string]any
}

// Record is one normalized finding produced by a tool.
type Record map[string]any

type ToolOutcome struct {
	ToolName     string
	Status       OutcomeStatus
	Results      []Record
	RawOutput    string
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time
}

func (o ToolOutcome) Succeeded() bool {
	return o.Status == OutcomeSuccess
}

func (o ToolOutcome) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

type Case struct {
	CaseID         string
	Title          string
	Description    string
	Target         string
	TargetKind     TargetKind
	RequestedTools []string
	ToolOptions    map[string]map[string]any
	Status         CaseStatus
	Outcomes       []ToolOutcome
	Report         string
	Synthesized    bool
	Message        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// Clone returns a copy that shares no slices or maps with c.
func (c Case) Clone() Case {
	out := c
	out.RequestedTools = append([]string(nil), c.RequestedTools...)
	if c.ToolOptions != nil {
		out.ToolOptions = make(map[string]map[string]any, len(c.ToolOptions))
		for name, opts := range c.ToolOptions {
			copied := make(map[string]any, len(opts))
			for k, v := range opts {
				copied[k] = v
			}
			out.ToolOptions[name] = copied
		}
	}
	out.Outcomes = append([]ToolOutcome(nil), c.Outcomes...)
	if c.CompletedAt != nil {
		v := *c.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

// Outcome returns the outcome recorded for toolName, if any.
func (c Case) Outcome(toolName string) (ToolOutcome, bool) {
	for _, o := range c.Outcomes {
		if o.ToolName == toolName {
			return o, true
		}
	}
	return ToolOutcome{}, false
}

func (c Case) Summary() CaseSummary {
	return CaseSummary{
		CaseID:         c.CaseID,
		Title:          c.Title,
		Description:    c.Description,
		Target:         c.Target,
		TargetKind:     c.TargetKind,
		Status:         c.Status,
		RequestedTools: append([]string(nil), c.RequestedTools...),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

type CaseSummary struct {
	CaseID         string
	Title          string
	Description    string
	Target         string
	TargetKind     TargetKind
	Status         CaseStatus
	RequestedTools []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Activity log steps written while a case moves through the pipeline.
const (
	StepCaseCreated        = "case_created"
	StepExecutingTools     = "executing_tools"
	StepToolCompleted      = "tool_completed"
	StepSynthesizingReport = "synthesizing_report"
	StepPipelineFinished   = "pipeline_finished"
	StepPipelineFailed     = "pipeline_failed"
)

type ActivityLog struct {
	ID          int64
	CaseID      string
	ToolName    string
	Status      string
	Step        string
	DetailsJSON string
	CreatedAt   time.Time
}

// Error codes defined by API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrUnauthorized       = "E_UNAUTHORIZED"
	ErrLLMUnavailable     = "E_LLM_UNAVAILABLE"
	ErrInternal           = "E_INTERNAL"
)
