package tool

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/origincreativegroup/Loom/internal/model"
)

const SherlockName = "sherlock"

var sherlockHit = regexp.MustCompile(`^\[\+\]\s*([^:]+):\s*(\S+)`)

func sherlockArgs(target string, opts Options) ([]string, error) {
	if err := rejectFlagLike(target); err != nil {
		return nil, err
	}
	return []string{
		"--print-found",
		"--no-color",
		"--timeout", strconv.Itoa(opts.PositiveInt("timeout", 60)),
		strings.TrimSpace(target),
	}, nil
}

// parseSherlock keeps the `[+] Platform: URL` lines.
func parseSherlock(username, output string) ([]model.Record, error) {
	records := []model.Record{}
	for _, line := range strings.Split(output, "\n") {
		m := sherlockHit.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		records = append(records, model.Record{
			"type":     "social_media",
			"platform": strings.TrimSpace(m[1]),
			"url":      m[2],
			"username": strings.TrimSpace(username),
		})
	}
	return records, nil
}
