package tool

import (
	"strconv"
	"strings"

	"github.com/origincreativegroup/Loom/internal/model"
)

const HarvesterName = "theharvester"

func harvesterArgs(target string, opts Options) ([]string, error) {
	if err := rejectFlagLike(target); err != nil {
		return nil, err
	}
	return []string{
		"-d", target,
		"-b", opts.String("sources", "google,bing,duckduckgo"),
		"-l", strconv.Itoa(opts.PositiveInt("limit", 500)),
	}, nil
}

// parseHarvester collects the entries listed under the "Emails found" and
// "Hosts found" banners. Host lines may carry an address as host:ip.
func parseHarvester(_, output string) ([]model.Record, error) {
	section := ""
	records := []model.Record{}
	seen := map[string]struct{}{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "" || strings.HasPrefix(line, "---"):
			continue
		case strings.Contains(line, "Emails found"):
			section = "email"
			continue
		case strings.Contains(line, "Hosts found"):
			section = "host"
			continue
		case strings.HasPrefix(line, "[*]") || strings.HasPrefix(line, "[-]") || strings.HasPrefix(line, "*"):
			section = ""
			continue
		}
		if section == "" || (section == "email" && !strings.Contains(line, "@")) {
			continue
		}
		key := section + ":" + line
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		rec := model.Record{"type": section, "value": line}
		if section == "host" {
			if host, ip, ok := strings.Cut(line, ":"); ok {
				rec["value"] = host
				rec["ip_address"] = ip
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
