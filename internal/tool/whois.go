package tool

import (
	"strings"

	"github.com/origincreativegroup/Loom/internal/model"
)

const WhoisName = "whois"

func whoisArgs(target string, _ Options) ([]string, error) {
	if err := rejectFlagLike(target); err != nil {
		return nil, err
	}
	return []string{strings.TrimSpace(target)}, nil
}

// parseWhois keeps `Key: Value` lines, skipping comments and repeats.
func parseWhois(_, output string) ([]model.Record, error) {
	records := []model.Record{}
	seen := map[string]struct{}{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "%") || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ">>>") {
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field = strings.TrimSpace(field)
		value = strings.TrimSpace(value)
		if field == "" || value == "" || (strings.Contains(field, " ") && len(field) > 40) {
			continue
		}
		key := strings.ToLower(field) + "=" + value
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		records = append(records, model.Record{"type": "whois", "field": field, "value": value})
	}
	return records, nil
}
