// Package executor implements asset-intelligent plan execution: it
// resolves step inputs against the accumulated execution context,
// injects credentials, expands loops over host lists, and dispatches
// uniform envelopes to the collaborator services.
package executor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/opsconductor/opsconductor/pkg/models"
)

// ExecutionContext accumulates every variable a step template can
// reference: user-supplied inputs, asset metadata from the selection,
// and the outputs of completed steps. Safe for concurrent use.
type ExecutionContext struct {
	mu   sync.RWMutex
	vars map[string]any
}

func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{vars: make(map[string]any)}
}

// Seed loads the pre-execution variables: user inputs first, then the
// selection's asset metadata (which never overrides an explicit input).
func (c *ExecutionContext) Seed(userInputs map[string]any, sel *models.SelectionV1) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range userInputs {
		c.vars[k] = v
	}
	if sel == nil || sel.AssetMetadata == nil {
		return
	}
	meta := sel.AssetMetadata
	host := meta.Hostname
	if host == "" {
		host = meta.IP
	}
	c.setDefault("target_host", host)
	c.setDefault("target_hosts", []any{host})
	c.setDefault("target_platform", string(meta.Platform))
	if meta.Port > 0 {
		c.setDefault("target_port", meta.Port)
	}
	if meta.Domain != "" {
		c.setDefault("target_domain", meta.Domain)
	}
}

// setDefault requires the write lock to be held.
func (c *ExecutionContext) setDefault(key string, val any) {
	if _, exists := c.vars[key]; !exists {
		c.vars[key] = val
	}
}

func (c *ExecutionContext) Set(key string, val any) {
	c.mu.Lock()
	c.vars[key] = val
	c.mu.Unlock()
}

func (c *ExecutionContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[key]
	return v, ok
}

// Snapshot copies the variable map for template resolution.
func (c *ExecutionContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// RecordStepOutput stores a completed step's output under
// step_{index}_result and mines well-known shapes into first-class
// variables. Asset queries in particular feed later steps: their host
// lists become assets, hostnames, ip_addresses, and asset_count.
func (c *ExecutionContext) RecordStepOutput(stepIndex int, toolID string, output map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.vars[fmt.Sprintf("step_%d_result", stepIndex)] = output
	if output == nil {
		return
	}

	if isAssetQuery(toolID) {
		c.extractAssets(output)
	}

	// Scalar convenience keys: a step that outputs {"stdout": ...}
	// exposes it as step_{i}_stdout.
	for _, key := range []string{"stdout", "exit_code", "count"} {
		if v, ok := output[key]; ok {
			c.vars[fmt.Sprintf("step_%d_%s", stepIndex, key)] = v
		}
	}
}

func isAssetQuery(toolID string) bool {
	norm := strings.ReplaceAll(toolID, "_", "-")
	return norm == "asset-query"
}

// extractAssets requires the write lock to be held.
func (c *ExecutionContext) extractAssets(output map[string]any) {
	rawAssets, ok := output["assets"].([]any)
	if !ok {
		if n, ok := output["count"]; ok {
			c.vars["asset_count"] = n
		}
		return
	}

	var hostnames, ips []any
	for _, raw := range rawAssets {
		asset, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if h, ok := asset["hostname"].(string); ok && h != "" {
			hostnames = append(hostnames, h)
		}
		if ip, ok := asset["ip"].(string); ok && ip != "" {
			ips = append(ips, ip)
		}
	}

	c.vars["assets"] = rawAssets
	c.vars["hostnames"] = hostnames
	c.vars["ip_addresses"] = ips
	c.vars["asset_count"] = len(rawAssets)
	// Single-asset queries also resolve the target directly.
	if len(hostnames) == 1 {
		c.setDefault("target_host", hostnames[0])
	}
}
