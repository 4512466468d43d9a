package security

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/origincreativegroup/Loom/internal/model"
)

const marker = "[REDACTED]"

var (
	secretKeyExpr        = `(?:password|passwd|secret|api[_-]?key|apikey|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"'&]+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\b(bearer|token)\s+[A-Za-z0-9._~+/=-]{8,}`)
	pemBlockPattern      = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	cookiePattern        = regexp.MustCompile(`(?i)(cookie\s*:\s*)[^\r\n]+`)
	urlUserinfoPattern   = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^\s/@:]+:[^\s/@]+@`)
	secretFieldPattern   = regexp.MustCompile(`(?i)^` + secretKeyExpr + `$`)
)

// Redact masks credentials that tools commonly echo back: key=value pairs,
// JSON secret fields, auth headers, private key blocks and URL passwords.
// Findings such as hostnames and e-mail addresses are left intact.
func Redact(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"`+marker+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return marker
		}
		return match[:idx+1] + marker
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}`+marker)
	out = bearerTokenPattern.ReplaceAllString(out, `${1} `+marker)
	out = cookiePattern.ReplaceAllString(out, `${1}`+marker)
	out = urlUserinfoPattern.ReplaceAllString(out, `${1}`+marker+`@`)
	return out
}

// RedactRecords returns a copy of records with secret-named fields masked and
// every string value passed through Redact.
func RedactRecords(records []model.Record) []model.Record {
	if records == nil {
		return nil
	}
	out := make([]model.Record, len(records))
	for i, rec := range records {
		out[i] = redactMap(rec)
	}
	return out
}

func redactMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if secretFieldPattern.MatchString(k) {
			if _, ok := v.(string); ok {
				out[k] = marker
				continue
			}
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch tv := v.(type) {
	case string:
		return Redact(tv)
	case map[string]any:
		return redactMap(tv)
	case model.Record:
		return model.Record(redactMap(tv))
	case []any:
		out := make([]any, len(tv))
		for i := range tv {
			out[i] = redactValue(tv[i])
		}
		return out
	default:
		return v
	}
}

// RedactURL drops the password from a URL so it can be shown to clients.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
