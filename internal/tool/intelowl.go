package tool

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/origincreativegroup/Loom/internal/model"
	"github.com/origincreativegroup/Loom/internal/target"
)

const IntelOwlName = "intelowl"

var intelOwlDone = map[string]bool{
	"reported_without_fails": true,
	"reported_with_fails":    true,
	"failed":                 true,
	"killed":                 true,
}

type intelOwlJob struct {
	ID              int    `json:"id"`
	Status          string `json:"status"`
	AnalyzerReports []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Report any    `json:"report"`
		Errors []any  `json:"errors"`
	} `json:"analyzer_reports"`
}

// runIntelOwl submits the target as an observable, polls the job until it
// reaches a reported state and returns one record per analyzer report.
func runIntelOwl(ctx context.Context, api *APIClient, tgt string, opts Options) ([]model.Record, string, error) {
	payload := map[string]any{
		"observable_name":           tgt,
		"observable_classification": observableClassification(tgt),
		"tlp":                       opts.String("tlp", "CLEAR"),
	}
	if analyzers := opts.StringSlice("analyzers"); len(analyzers) > 0 {
		payload["analyzers_requested"] = analyzers
	}

	var submitted struct {
		JobID  int    `json:"job_id"`
		Status string `json:"status"`
	}
	if _, err := api.Do(ctx, APIRequest{Method: http.MethodPost, Path: "/api/analyze_observable", JSON: payload}, &submitted); err != nil {
		return nil, "", fmt.Errorf("submit observable: %w", err)
	}
	if submitted.JobID == 0 {
		return nil, "", fmt.Errorf("submit observable: no job id (status %q)", submitted.Status)
	}

	poller := api.Poller()
	for {
		if err := poller.Wait(ctx); err != nil {
			return nil, "", err
		}
		var job intelOwlJob
		raw, err := api.Do(ctx, APIRequest{Path: fmt.Sprintf("/api/jobs/%d", submitted.JobID)}, &job)
		if err != nil {
			return nil, "", fmt.Errorf("job status: %w", err)
		}
		if !intelOwlDone[job.Status] {
			continue
		}
		if job.Status == "failed" || job.Status == "killed" {
			return nil, "", fmt.Errorf("job %d %s", job.ID, job.Status)
		}
		records := make([]model.Record, 0, len(job.AnalyzerReports))
		for _, r := range job.AnalyzerReports {
			rec := model.Record{
				"type":     "analyzer_report",
				"analyzer": r.Name,
				"status":   r.Status,
				"report":   r.Report,
			}
			if len(r.Errors) > 0 {
				rec["errors"] = r.Errors
			}
			records = append(records, rec)
		}
		return records, string(raw), nil
	}
}

func observableClassification(tgt string) string {
	if strings.Contains(tgt, "://") {
		return "url"
	}
	switch target.Classify(tgt) {
	case model.TargetIPv4:
		return "ip"
	case model.TargetDomain:
		return "domain"
	default:
		return "generic"
	}
}
