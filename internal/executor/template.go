package executor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// placeholderRe matches {{name}}, {{name[2]}}, and {{name.field}}.
// Anything else between braces is malformed and left as literal text.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)(\[(\d+)\]|\.([A-Za-z_][A-Za-z0-9_]*))?\s*\}\}`)

// ResolveTemplates walks a step's inputs and substitutes {{var}}
// placeholders from the variable snapshot. Unknown variables resolve to
// empty string with a warning; resolution is idempotent because output
// text contains no placeholder syntax.
func ResolveTemplates(inputs map[string]any, vars map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = resolveValue(v, vars)
	}
	return out
}

func resolveValue(v any, vars map[string]any) any {
	switch val := v.(type) {
	case string:
		return resolveString(val, vars)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, vars)
		}
		return out
	case map[string]any:
		return ResolveTemplates(val, vars)
	default:
		return v
	}
}

// resolveString substitutes placeholders in a string. A string that is
// exactly one placeholder keeps the variable's native type (so
// {{target_hosts}} stays a list); mixed text renders everything to
// strings.
func resolveString(s string, vars map[string]any) any {
	matches := placeholderRe.FindStringSubmatch(s)
	if matches != nil && matches[0] == strings.TrimSpace(s) {
		if v, ok := lookupPlaceholder(matches, vars); ok {
			return v
		}
		log.Warn().Str("placeholder", strings.TrimSpace(s)).Msg("unresolved template variable")
		return ""
	}

	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		v, ok := lookupPlaceholder(sub, vars)
		if !ok {
			log.Warn().Str("placeholder", m).Msg("unresolved template variable")
			return ""
		}
		return stringify(v)
	})
}

// placeholderCollection reports whether a value is a single bare
// placeholder whose variable holds a non-empty collection. A singular
// name binds its plural form when the exact name is absent, so
// {{hostname}} reaches the hostnames list recorded by an earlier
// asset-query step. The returned name is the placeholder's own name,
// ready for per-element binding.
func placeholderCollection(item any, vars map[string]any) (string, []any, bool) {
	s, ok := item.(string)
	if !ok {
		return "", nil, false
	}
	sub := placeholderRe.FindStringSubmatch(s)
	if sub == nil || sub[0] != strings.TrimSpace(s) || sub[2] != "" {
		return "", nil, false
	}
	name := sub[1]
	if v, exact := vars[name]; exact {
		if list, isList := v.([]any); isList && len(list) > 0 {
			return name, list, true
		}
		return "", nil, false
	}
	for _, pluralized := range []string{name + "s", name + "es"} {
		if v, found := vars[pluralized]; found {
			if list, isList := v.([]any); isList && len(list) > 0 {
				return name, list, true
			}
		}
	}
	return "", nil, false
}

// lookupPlaceholder resolves one matched placeholder: sub[1] is the
// variable name, sub[3] an optional index, sub[4] an optional field.
func lookupPlaceholder(sub []string, vars map[string]any) (any, bool) {
	v, ok := vars[sub[1]]
	if !ok {
		return nil, false
	}

	if sub[3] != "" {
		idx, err := strconv.Atoi(sub[3])
		list, isList := v.([]any)
		if err != nil || !isList || idx < 0 || idx >= len(list) {
			return nil, false
		}
		return list[idx], true
	}

	if sub[4] != "" {
		obj, isMap := v.(map[string]any)
		if !isMap {
			return nil, false
		}
		field, ok := obj[sub[4]]
		return field, ok
	}
	return v, true
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ",")
	case float64:
		// JSON numbers arrive as float64; render integers without the
		// decimal point.
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}
