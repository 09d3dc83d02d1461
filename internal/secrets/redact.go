package secrets

import (
	"regexp"
	"strings"
)

// Mask replaces every redacted span.
const Mask = "********"

// defaultPatterns match the common shapes secrets take in command lines,
// JSON payloads, and connection strings.
var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)("?(?:password|passwd|pwd|secret|token|api[_-]?key)"?\s*[:=]\s*)("[^"]*"|\S+)`),
	regexp.MustCompile(`(?i)(-(?:p|-password)\s+)(\S+)`),
	regexp.MustCompile(`(?i)((?:postgres|mysql|mongodb|redis|amqp)://[^:/\s]+:)([^@/\s]+)(@)`),
	regexp.MustCompile(`(?i)(authorization:\s*(?:bearer|basic)\s+)(\S+)`),
}

// Redactor rewrites secret-looking material out of strings and payloads
// before they reach logs or responses. Tool specs can contribute extra
// patterns via AddPatterns.
type Redactor struct {
	patterns []*regexp.Regexp
	// literals are known plaintext secrets to scrub wherever they occur.
	literals []string
}

// NewRedactor creates a redactor with the default pattern set plus any
// extra regexes (invalid extras are silently skipped).
func NewRedactor(extra []string) *Redactor {
	r := &Redactor{patterns: append([]*regexp.Regexp(nil), defaultPatterns...)}
	r.AddPatterns(extra)
	return r
}

// AddPatterns compiles and appends additional redaction regexes.
func (r *Redactor) AddPatterns(patterns []string) {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		r.patterns = append(r.patterns, re)
	}
}

// AddLiteral registers a known secret value for literal scrubbing.
func (r *Redactor) AddLiteral(secret string) {
	if len(secret) >= 4 {
		r.literals = append(r.literals, secret)
	}
}

// Redact rewrites secret material in s.
func (r *Redactor) Redact(s string) string {
	for _, lit := range r.literals {
		s = strings.ReplaceAll(s, lit, Mask)
	}
	for _, re := range r.patterns {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			groups := re.FindStringSubmatch(m)
			if len(groups) >= 3 {
				tail := ""
				if len(groups) >= 4 {
					tail = groups[3]
				}
				return groups[1] + Mask + tail
			}
			return Mask
		})
	}
	return s
}

// RedactMap rewrites string values in a payload map, recursing into
// nested maps and string slices. Keys that name secrets are masked
// outright regardless of value shape.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if secretKey(k) {
			out[k] = Mask
			continue
		}
		switch tv := v.(type) {
		case string:
			out[k] = r.Redact(tv)
		case map[string]any:
			out[k] = r.RedactMap(tv)
		case []any:
			cp := make([]any, len(tv))
			for i, item := range tv {
				if s, ok := item.(string); ok {
					cp[i] = r.Redact(s)
				} else if mm, ok := item.(map[string]any); ok {
					cp[i] = r.RedactMap(mm)
				} else {
					cp[i] = item
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

func secretKey(k string) bool {
	k = strings.ToLower(k)
	switch k {
	case "password", "passwd", "pwd", "secret", "token", "api_key", "apikey":
		return true
	}
	return false
}
