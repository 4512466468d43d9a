package tool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/origincreativegroup/Loom/internal/model"
)

const SpiderFootName = "spiderfoot"

var spiderFootDone = map[string]bool{
	"FINISHED":     true,
	"ABORTED":      true,
	"ERROR-FAILED": true,
}

// runSpiderFoot starts a scan, polls its status until it leaves the running
// states and then collects every event the scan produced.
func runSpiderFoot(ctx context.Context, api *APIClient, target string, opts Options) ([]model.Record, string, error) {
	var started []any
	_, err := api.Do(ctx, APIRequest{
		Method: http.MethodPost,
		Path:   "/startscan",
		Form: url.Values{
			"scanname":   {"loom-" + target},
			"scantarget": {target},
			"usecase":    {opts.String("usecase", "passive")},
			"modulelist": {opts.String("modules", "")},
			"typelist":   {opts.String("types", "")},
		},
	}, &started)
	if err != nil {
		return nil, "", fmt.Errorf("start scan: %w", err)
	}
	scanID, err := spiderFootScanID(started)
	if err != nil {
		return nil, "", err
	}

	poller := api.Poller()
	status := ""
	for !spiderFootDone[status] {
		if err := poller.Wait(ctx); err != nil {
			return nil, "", err
		}
		var row []any
		if _, err := api.Do(ctx, APIRequest{Path: "/scanstatus", Query: url.Values{"id": {scanID}}}, &row); err != nil {
			return nil, "", fmt.Errorf("scan status: %w", err)
		}
		if len(row) < 6 {
			return nil, "", fmt.Errorf("scan status: unexpected response shape")
		}
		status = strings.ToUpper(fmt.Sprint(row[5]))
	}
	if status != "FINISHED" {
		return nil, "", fmt.Errorf("scan %s ended with status %s", scanID, status)
	}

	var rows [][]any
	raw, err := api.Do(ctx, APIRequest{
		Path:  "/scaneventresults",
		Query: url.Values{"id": {scanID}, "eventType": {"ALL"}},
	}, &rows)
	if err != nil {
		return nil, "", fmt.Errorf("scan results: %w", err)
	}
	return spiderFootRecords(rows), string(raw), nil
}

// spiderFootScanID reads the ["SUCCESS", "<id>"] reply of /startscan.
func spiderFootScanID(reply []any) (string, error) {
	if len(reply) < 2 {
		return "", fmt.Errorf("start scan: unexpected response shape")
	}
	if fmt.Sprint(reply[0]) != "SUCCESS" {
		return "", fmt.Errorf("start scan rejected: %v", reply[1])
	}
	id := strings.TrimSpace(fmt.Sprint(reply[1]))
	if id == "" {
		return "", fmt.Errorf("start scan: empty scan id")
	}
	return id, nil
}

// spiderFootRecords maps event rows. Columns: 0 last seen, 1 data, 2 source
// data, 3 module, and the event type in the last column.
func spiderFootRecords(rows [][]any) []model.Record {
	records := make([]model.Record, 0, len(rows))
	for _, row := range rows {
		if len(row) < 4 {
			continue
		}
		rec := model.Record{
			"type":      "spiderfoot_event",
			"last_seen": row[0],
			"data":      row[1],
			"source":    row[2],
			"module":    row[3],
		}
		if len(row) >= 11 {
			rec["event_type"] = row[len(row)-1]
		}
		records = append(records, rec)
	}
	return records
}

