package tool

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/origincreativegroup/Loom/internal/model"
)

const ReconNGName = "recon-ng"

var (
	workspaceUnsafe = regexp.MustCompile(`[^A-Za-z0-9_]`)
	shellTargetSafe = regexp.MustCompile(`^[A-Za-z0-9._@:\-]+$`)
)

// reconNGCommand runs one recon-ng module in a per-target workspace and
// prints the hosts table that the module populated.
func reconNGCommand(target string, opts Options) (string, error) {
	if err := rejectFlagLike(target); err != nil {
		return "", err
	}
	if !shellTargetSafe.MatchString(target) {
		return "", fmt.Errorf("target contains characters not allowed for remote execution")
	}
	workspace := "loom_" + workspaceUnsafe.ReplaceAllString(target, "_")
	module := opts.String("module", "recon/domains-hosts/hackertarget")
	return fmt.Sprintf(
		"recon-cli -w %s -m %s -o %s -x && recon-cli -w %s -C %s",
		shellQuote(workspace),
		shellQuote(module),
		shellQuote("SOURCE="+target),
		shellQuote(workspace),
		shellQuote("show hosts"),
	), nil
}

// parseReconNGHosts reads the ASCII table printed by `show hosts`. Rows are
// mapped through the header so column order changes do not matter.
func parseReconNGHosts(_, output string) ([]model.Record, error) {
	var (
		header  []string
		records []model.Record
		seen    = map[string]struct{}{}
	)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cells := splitTableRow(line)
		if header == nil {
			if indexOf(cells, "host") >= 0 {
				header = cells
			}
			continue
		}
		row := map[string]string{}
		for i, cell := range cells {
			if i < len(header) {
				row[header[i]] = cell
			}
		}
		host := row["host"]
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		rec := model.Record{"type": "subdomain", "value": host, "source": ReconNGName}
		if ip := row["ip_address"]; ip != "" {
			rec["ip_address"] = ip
		}
		records = append(records, rec)
	}
	return records, nil
}

func splitTableRow(line string) []string {
	parts := strings.Split(strings.Trim(line, "|"), "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

func indexOf(values []string, want string) int {
	for i, v := range values {
		if v == want {
			return i
		}
	}
	return -1
}
