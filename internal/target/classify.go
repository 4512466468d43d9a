package target

import (
	"net/netip"
	"regexp"
	"strings"

	"github.com/origincreativegroup/Loom/internal/model"
)

var (
	emailPattern    = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)
	domainPattern   = regexp.MustCompile(`^(?:[A-Za-z0-9](?:[A-Za-z0-9\-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,63}$`)
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]{0,63}$`)
)

// Classify guesses what kind of observable raw is. The result is advisory:
// it drives tool suggestions and API observable types, never validation.
func Classify(raw string) model.TargetKind {
	v := strings.TrimSpace(raw)
	switch {
	case v == "":
		return model.TargetUnknown
	case emailPattern.MatchString(v):
		return model.TargetEmail
	case isIPv4(v):
		return model.TargetIPv4
	case domainPattern.MatchString(strings.TrimSuffix(v, ".")):
		return model.TargetDomain
	case usernamePattern.MatchString(v) && !strings.Contains(v, "."):
		return model.TargetUsername
	default:
		return model.TargetUnknown
	}
}

func isIPv4(v string) bool {
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return false
	}
	return addr.Is4()
}

var suggestions = map[model.TargetKind][]string{
	model.TargetDomain:   {"searxng", "theharvester", "recon-ng", "spiderfoot", "intelowl"},
	model.TargetIPv4:     {"searxng", "spiderfoot", "intelowl"},
	model.TargetEmail:    {"searxng", "spiderfoot", "intelowl"},
	model.TargetUsername: {"sherlock", "searxng"},
	model.TargetUnknown:  {"searxng"},
}

// SuggestTools lists built-in tool names that usually produce findings for kind.
func SuggestTools(kind model.TargetKind) []string {
	names, ok := suggestions[kind]
	if !ok {
		names = suggestions[model.TargetUnknown]
	}
	return append([]string(nil), names...)
}
