package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveTemplatesScalar(t *testing.T) {
	vars := map[string]any{
		"target_host": "web-01",
		"target_port": float64(5986),
	}
	out := ResolveTemplates(map[string]any{
		"host":    "{{target_host}}",
		"port":    "{{target_port}}",
		"command": "Get-Service -ComputerName {{target_host}}:{{target_port}}",
	}, vars)

	assert.Equal(t, "web-01", out["host"])
	assert.Equal(t, float64(5986), out["port"], "exact placeholder keeps the native type")
	assert.Equal(t, "Get-Service -ComputerName web-01:5986", out["command"], "mixed text renders the integer without a decimal point")
}

func TestResolveTemplatesListAndField(t *testing.T) {
	vars := map[string]any{
		"target_hosts": []any{"a", "b", "c"},
		"asset":        map[string]any{"hostname": "db-01", "ip": "10.0.0.9"},
	}
	out := ResolveTemplates(map[string]any{
		"hosts":  "{{target_hosts}}",
		"first":  "{{target_hosts[0]}}",
		"joined": "hosts: {{target_hosts}}",
		"name":   "{{asset.hostname}}",
	}, vars)

	assert.Equal(t, []any{"a", "b", "c"}, out["hosts"])
	assert.Equal(t, "a", out["first"])
	assert.Equal(t, "hosts: a,b,c", out["joined"])
	assert.Equal(t, "db-01", out["name"])
}

func TestResolveTemplatesUnknownVariable(t *testing.T) {
	out := ResolveTemplates(map[string]any{
		"exact": "{{missing}}",
		"mixed": "value is {{missing}}!",
	}, map[string]any{})

	assert.Equal(t, "", out["exact"])
	assert.Equal(t, "value is !", out["mixed"])
}

func TestResolveTemplatesMalformedLeftLiteral(t *testing.T) {
	vars := map[string]any{"a": "x"}
	out := ResolveTemplates(map[string]any{
		"bad_index": "{{a[not-a-number]}}",
		"unclosed":  "{{a",
		"spaces":    "{{ a }}",
	}, vars)

	assert.Equal(t, "{{a[not-a-number]}}", out["bad_index"])
	assert.Equal(t, "{{a", out["unclosed"])
	assert.Equal(t, "x", out["spaces"], "inner whitespace is tolerated")
}

func TestResolveTemplatesOutOfRangeIndex(t *testing.T) {
	vars := map[string]any{"list": []any{"only"}}
	out := ResolveTemplates(map[string]any{"v": "{{list[5]}}"}, vars)
	assert.Equal(t, "", out["v"])
}

func TestResolveTemplatesNested(t *testing.T) {
	vars := map[string]any{"target_host": "web-01"}
	out := ResolveTemplates(map[string]any{
		"options": map[string]any{"host": "{{target_host}}"},
		"argv":    []any{"-H", "{{target_host}}"},
	}, vars)

	assert.Equal(t, map[string]any{"host": "web-01"}, out["options"])
	assert.Equal(t, []any{"-H", "web-01"}, out["argv"])
}

func TestResolveTemplatesIdempotent(t *testing.T) {
	vars := map[string]any{"target_host": "web-01"}
	once := ResolveTemplates(map[string]any{"cmd": "ssh {{target_host}}"}, vars)
	twice := ResolveTemplates(once, vars)
	assert.Equal(t, once, twice)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "plain", stringify("plain"))
	assert.Equal(t, "1,2,3", stringify([]any{float64(1), float64(2), float64(3)}))
	assert.Equal(t, "42", stringify(float64(42)))
	assert.Equal(t, "3.5", stringify(3.5))
	assert.Equal(t, "", stringify(nil))
	assert.Equal(t, "true", stringify(true))
}
