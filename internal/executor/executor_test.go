package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/internal/assets"
	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/secrets"
	"github.com/opsconductor/opsconductor/internal/toolindex"
	"github.com/opsconductor/opsconductor/pkg/models"
)

// collaborator is a scripted /execute-plan endpoint that records every
// envelope it receives.
type collaborator struct {
	mu        sync.Mutex
	envelopes []models.EnvelopeRequest
	respond   func(req models.EnvelopeRequest) models.EnvelopeResponse
	status    int32
	server    *httptest.Server
}

func newCollaborator(t *testing.T) *collaborator {
	t.Helper()
	c := &collaborator{}
	c.respond = func(req models.EnvelopeRequest) models.EnvelopeResponse {
		return models.EnvelopeResponse{
			Result: models.EnvelopeResult{Success: true},
			StepResults: []models.EnvelopeStepResult{
				{Status: "completed", Output: map[string]any{"stdout": "ok", "exit_code": float64(0)}},
			},
		}
	}
	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute-plan" {
			http.NotFound(w, r)
			return
		}
		if code := atomic.LoadInt32(&c.status); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		var req models.EnvelopeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		c.mu.Lock()
		c.envelopes = append(c.envelopes, req)
		resp := c.respond(req)
		c.mu.Unlock()
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(c.server.Close)
	return c
}

func (c *collaborator) received() []models.EnvelopeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.EnvelopeRequest(nil), c.envelopes...)
}

func seedExecIndex(t *testing.T) *toolindex.MemoryStore {
	t.Helper()
	store := toolindex.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, &toolindex.FullSpec{
		Entry:             toolindex.Entry{ID: "linux_list_directory", Name: "linux list directory", Platform: models.PlatformLinux},
		ExecutionLocation: models.LocationAutomation,
	}))
	require.NoError(t, store.Upsert(ctx, &toolindex.FullSpec{
		Entry:               toolindex.Entry{ID: "windows_restart_service", Name: "windows restart service", Platform: models.PlatformWindows},
		ExecutionLocation:   models.LocationAutomation,
		ConnectionType:      models.ConnPowerShell,
		RequiresCredentials: true,
		Parameters: []toolindex.ParameterSpec{
			{Name: "service", Type: "string", Required: true},
			{Name: "username", Type: "string"},
			{Name: "password", Type: "string", Secret: true, Hint: "service account password"},
		},
	}))
	require.NoError(t, store.Upsert(ctx, &toolindex.FullSpec{
		Entry:             toolindex.Entry{ID: "asset-query", Name: "asset query", Platform: models.PlatformMulti},
		ExecutionLocation: models.LocationAsset,
	}))
	return store
}

func newTestExecutor(t *testing.T, index toolindex.Store, collabURL string, cfg Config) (*Executor, *secrets.Broker) {
	t.Helper()
	broker, err := secrets.NewBroker(secrets.NewMemoryStore(), "test-master-key")
	require.NoError(t, err)
	cfg.AutomationURL = collabURL
	cfg.AssetURL = collabURL
	ex := New(broker, assets.NewFacade("http://127.0.0.1:1"), index, metrics.New(prometheus.NewRegistry()), cfg)
	return ex, broker
}

func singleStepPlan(toolID string, inputs map[string]any) *models.ExecutionPlan {
	return &models.ExecutionPlan{
		ID:    "plan-1",
		Steps: []models.PlanStep{{Index: 0, ToolID: toolID, Inputs: inputs, TimeoutMs: 30_000, Retry: models.RetryPolicy{MaxAttempts: 1}}},
	}
}

func TestExecuteSingleStep(t *testing.T) {
	collab := newCollaborator(t)
	ex, _ := newTestExecutor(t, seedExecIndex(t), collab.server.URL, Config{})

	res := ex.Execute(context.Background(), "t-1",
		singleStepPlan("linux_list_directory", map[string]any{"path": "/opt", "target_host": "web-01"}),
		nil, nil)

	assert.Equal(t, models.ExecCompleted, res.Status)
	require.Len(t, res.StepResults, 1)
	assert.Equal(t, "completed", res.StepResults[0].Status)
	assert.Equal(t, "ok", res.StepResults[0].Output["stdout"])
	assert.False(t, res.CompletedAt.IsZero())

	env := collab.received()
	require.Len(t, env, 1)
	require.Len(t, env[0].Plan.Steps, 1)
	assert.Equal(t, "linux_list_directory", env[0].Plan.Steps[0].Tool)
	assert.Equal(t, "/opt", env[0].Plan.Steps[0].Inputs["path"])
}

func TestExecuteResolvesTemplatesFromSelection(t *testing.T) {
	collab := newCollaborator(t)
	ex, _ := newTestExecutor(t, seedExecIndex(t), collab.server.URL, Config{})

	sel := &models.SelectionV1{
		AssetMetadata: &models.AssetMetadata{Hostname: "web-01", Platform: models.PlatformLinux},
	}
	res := ex.Execute(context.Background(), "t-2",
		singleStepPlan("linux_list_directory", map[string]any{"host": "{{target_host}}", "path": "/opt"}),
		sel, nil)

	assert.Equal(t, models.ExecCompleted, res.Status)
	env := collab.received()
	require.Len(t, env, 1)
	assert.Equal(t, "web-01", env[0].Plan.Steps[0].Inputs["host"])
}

func TestExecuteLoopExpansion(t *testing.T) {
	collab := newCollaborator(t)
	ex, _ := newTestExecutor(t, seedExecIndex(t), collab.server.URL, Config{LoopConcurrency: 2})

	plan := singleStepPlan("linux_list_directory", map[string]any{
		"target_hosts": []any{"a", "b", "c", "d"},
		"path":         "/var/log",
	})
	res := ex.Execute(context.Background(), "t-3", plan, nil, nil)

	assert.Equal(t, models.ExecCompleted, res.Status)
	require.Len(t, res.StepResults, 4)
	for i, sr := range res.StepResults {
		assert.Equal(t, i+1, sr.LoopIteration)
		assert.Equal(t, 4, sr.LoopTotal)
		assert.Equal(t, "completed", sr.Status)
	}

	env := collab.received()
	require.Len(t, env, 4)
	hosts := map[string]bool{}
	for _, e := range env {
		step := e.Plan.Steps[0]
		host, _ := step.Inputs["target_host"].(string)
		hosts[host] = true
		_, plural := step.Inputs["target_hosts"]
		assert.False(t, plural, "plural form must be rewritten to singular")
		assert.Equal(t, "/var/log", step.Inputs["path"])
	}
	assert.Len(t, hosts, 4)
}

func TestExecuteLoopBindsRecordedHostnames(t *testing.T) {
	collab := newCollaborator(t)
	collab.respond = func(req models.EnvelopeRequest) models.EnvelopeResponse {
		if req.Plan.Steps[0].Tool == "asset-query" {
			return models.EnvelopeResponse{
				Result: models.EnvelopeResult{Success: true},
				StepResults: []models.EnvelopeStepResult{{
					Status: "completed",
					Output: map[string]any{
						"assets": []any{
							map[string]any{"hostname": "win-01"},
							map[string]any{"hostname": "win-02"},
							map[string]any{"hostname": "win-03"},
							map[string]any{"hostname": "win-04"},
						},
						"count": float64(4),
					},
				}},
			}
		}
		return models.EnvelopeResponse{
			Result:      models.EnvelopeResult{Success: true},
			StepResults: []models.EnvelopeStepResult{{Status: "completed"}},
		}
	}
	ex, _ := newTestExecutor(t, seedExecIndex(t), collab.server.URL, Config{})

	plan := &models.ExecutionPlan{
		ID: "plan-loop",
		Steps: []models.PlanStep{
			{Index: 0, ToolID: "asset-query", Inputs: map[string]any{"filters": map[string]any{"tag": "win10"}}},
			{Index: 1, ToolID: "linux_list_directory", Inputs: map[string]any{
				"target_hosts": []any{"{{hostname}}"},
				"command":      "dir {{hostname}}",
			}, DependsOn: []int{0}},
		},
	}
	res := ex.Execute(context.Background(), "t-loop", plan, nil, nil)

	require.Equal(t, models.ExecCompleted, res.Status)
	require.Len(t, res.StepResults, 5, "one asset-query result plus four loop iterations")
	for _, sr := range res.StepResults[1:] {
		assert.Equal(t, 4, sr.LoopTotal)
		assert.GreaterOrEqual(t, sr.LoopIteration, 1)
		assert.LessOrEqual(t, sr.LoopIteration, 4)
	}

	env := collab.received()
	require.Len(t, env, 5)
	seen := map[string]bool{}
	for _, e := range env[1:] {
		step := e.Plan.Steps[0]
		host, _ := step.Inputs["target_host"].(string)
		seen[host] = true
		assert.Equal(t, "dir "+host, step.Inputs["command"],
			"the singular placeholder re-binds per iteration")
		_, plural := step.Inputs["target_hosts"]
		assert.False(t, plural)
	}
	assert.Equal(t, map[string]bool{"win-01": true, "win-02": true, "win-03": true, "win-04": true}, seen)
}

func TestExecuteHostsParamLoops(t *testing.T) {
	collab := newCollaborator(t)
	ex, _ := newTestExecutor(t, seedExecIndex(t), collab.server.URL, Config{})

	res := ex.Execute(context.Background(), "t-hosts",
		singleStepPlan("linux_list_directory", map[string]any{"hosts": []any{"a", "b", "c"}, "path": "/tmp"}),
		nil, nil)

	require.Equal(t, models.ExecCompleted, res.Status)
	require.Len(t, res.StepResults, 3)

	env := collab.received()
	require.Len(t, env, 3)
	hosts := map[string]bool{}
	for _, e := range env {
		step := e.Plan.Steps[0]
		h, _ := step.Inputs["host"].(string)
		hosts[h] = true
		_, plural := step.Inputs["hosts"]
		assert.False(t, plural, "plural form must be rewritten to singular")
	}
	assert.Len(t, hosts, 3)
}

func TestEnvelopesShareRunExecutionID(t *testing.T) {
	collab := newCollaborator(t)
	ex, _ := newTestExecutor(t, seedExecIndex(t), collab.server.URL, Config{})

	plan := &models.ExecutionPlan{
		ID: "plan-ids",
		Steps: []models.PlanStep{
			{Index: 0, ToolID: "linux_list_directory", Inputs: map[string]any{"path": "/a"}},
			{Index: 1, ToolID: "linux_list_directory", Inputs: map[string]any{"path": "/b"}, DependsOn: []int{0}},
		},
	}
	res := ex.Execute(context.Background(), "t-ids", plan, nil, nil)

	require.Equal(t, models.ExecCompleted, res.Status)
	env := collab.received()
	require.Len(t, env, 2)
	for _, e := range env {
		assert.Equal(t, res.ExecutionID, e.ExecutionID, "every envelope carries the run's execution id")
	}
}

func TestExecuteSingleElementListCollapses(t *testing.T) {
	collab := newCollaborator(t)
	ex, _ := newTestExecutor(t, seedExecIndex(t), collab.server.URL, Config{})

	res := ex.Execute(context.Background(), "t-4",
		singleStepPlan("linux_list_directory", map[string]any{"target_hosts": []any{"solo"}}),
		nil, nil)

	assert.Equal(t, models.ExecCompleted, res.Status)
	require.Len(t, res.StepResults, 1)
	assert.Zero(t, res.StepResults[0].LoopIteration)

	env := collab.received()
	require.Len(t, env, 1)
	assert.Equal(t, "solo", env[0].Plan.Steps[0].Inputs["target_host"])
}

func TestExecuteInjectsBrokerCredentials(t *testing.T) {
	collab := newCollaborator(t)
	ex, broker := newTestExecutor(t, seedExecIndex(t), collab.server.URL, Config{})

	ctx := context.Background()
	require.NoError(t, broker.Upsert(ctx, "test", "win-01", "winrm", "svc-admin", "hunter2", "CORP"))

	res := ex.Execute(ctx, "t-5",
		singleStepPlan("windows_restart_service", map[string]any{"target_host": "win-01", "service": "spooler"}),
		nil, nil)

	assert.Equal(t, models.ExecCompleted, res.Status)
	env := collab.received()
	require.Len(t, env, 1)
	inputs := env[0].Plan.Steps[0].Inputs
	assert.Equal(t, "svc-admin", inputs["username"])
	assert.Equal(t, "hunter2", inputs["password"])
	assert.Equal(t, "CORP", inputs["domain"])
}

func TestExecuteMissingCredentials(t *testing.T) {
	collab := newCollaborator(t)
	ex, _ := newTestExecutor(t, seedExecIndex(t), collab.server.URL, Config{})

	res := ex.Execute(context.Background(), "t-6",
		singleStepPlan("windows_restart_service", map[string]any{"target_host": "unknown-01"}),
		nil, nil)

	assert.Equal(t, models.ExecFailed, res.Status)
	assert.Empty(t, collab.received(), "nothing is dispatched without credentials")

	byName := map[string]models.ParameterDescriptor{}
	for _, d := range res.MissingInputs {
		byName[d.Name] = d
	}
	require.Contains(t, byName, "username")
	require.Contains(t, byName, "password")
	assert.True(t, byName["password"].Secret)
	assert.Equal(t, "service account password", byName["password"].Hint,
		"descriptors come from the tool's declared parameters")
}

func TestExecuteExplicitCredentialsAsLastResort(t *testing.T) {
	collab := newCollaborator(t)
	ex, _ := newTestExecutor(t, seedExecIndex(t), collab.server.URL, Config{})

	// Broker has nothing for this host, so the explicit inputs are used.
	res := ex.Execute(context.Background(), "t-7",
		singleStepPlan("windows_restart_service", map[string]any{
			"target_host": "win-01", "username": "me", "password": "pw",
		}), nil, nil)

	assert.Equal(t, models.ExecCompleted, res.Status)
	env := collab.received()
	require.Len(t, env, 1)
	assert.Equal(t, "me", env[0].Plan.Steps[0].Inputs["username"])
}

func TestExecuteBrokerCredentialsOutrankExplicit(t *testing.T) {
	collab := newCollaborator(t)
	ex, broker := newTestExecutor(t, seedExecIndex(t), collab.server.URL, Config{})

	ctx := context.Background()
	require.NoError(t, broker.Upsert(ctx, "test", "win-01", "winrm", "svc-admin", "hunter2", ""))

	res := ex.Execute(ctx, "t-7b",
		singleStepPlan("windows_restart_service", map[string]any{
			"target_host": "win-01", "username": "me", "password": "pw",
		}), nil, nil)

	assert.Equal(t, models.ExecCompleted, res.Status)
	env := collab.received()
	require.Len(t, env, 1)
	assert.Equal(t, "svc-admin", env[0].Plan.Steps[0].Inputs["username"],
		"auto-resolution by target host runs before explicit inputs")
}

func TestExecuteAssetCredentialReference(t *testing.T) {
	collab := newCollaborator(t)
	inventory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/assets/connection-profile", r.URL.Path)
		require.Equal(t, "asset-42", r.URL.Query().Get("asset_id"))
		json.NewEncoder(w).Encode(map[string]any{
			"found":           true,
			"asset":           map[string]any{"id": "asset-42", "hostname": "db-01", "os_type": "Windows Server"},
			"default_service": map[string]any{"name": "winrm", "port": 5986},
		})
	}))
	defer inventory.Close()

	broker, err := secrets.NewBroker(secrets.NewMemoryStore(), "test-master-key")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, broker.Upsert(ctx, "test", "db-01", "winrm", "svc-db", "s3cret", ""))

	cfg := Config{AutomationURL: collab.server.URL, AssetURL: collab.server.URL}
	ex := New(broker, assets.NewFacade(inventory.URL), seedExecIndex(t), metrics.New(prometheus.NewRegistry()), cfg)

	res := ex.Execute(ctx, "t-7c",
		singleStepPlan("windows_restart_service", map[string]any{
			"asset_id": "asset-42", "use_asset_credentials": true,
			"service": "spooler", "username": "ignored", "password": "ignored",
		}), nil, nil)

	require.Equal(t, models.ExecCompleted, res.Status)
	env := collab.received()
	require.Len(t, env, 1)
	inputs := env[0].Plan.Steps[0].Inputs
	assert.Equal(t, "svc-db", inputs["username"], "asset-referenced credentials outrank every other tier")
	assert.Equal(t, "s3cret", inputs["password"])
}

func TestExecuteClientErrorFailsWithoutRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	ex, _ := newTestExecutor(t, seedExecIndex(t), srv.URL, Config{})
	res := ex.Execute(context.Background(), "t-8",
		singleStepPlan("linux_list_directory", map[string]any{"path": "/"}), nil, nil)

	assert.Equal(t, models.ExecFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, models.CodeUpstreamUnreachable)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "4xx must not retry")
}

func TestExecuteServerErrorRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(models.EnvelopeResponse{
			Result:      models.EnvelopeResult{Success: true},
			StepResults: []models.EnvelopeStepResult{{Status: "completed"}},
		})
	}))
	defer srv.Close()

	ex, _ := newTestExecutor(t, seedExecIndex(t), srv.URL, Config{})
	res := ex.Execute(context.Background(), "t-9",
		singleStepPlan("linux_list_directory", map[string]any{"path": "/"}), nil, nil)

	assert.Equal(t, models.ExecCompleted, res.Status)
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits), "5xx retries until the collaborator recovers")
}

func TestExecuteContinueOnFailure(t *testing.T) {
	collab := newCollaborator(t)
	collab.respond = func(req models.EnvelopeRequest) models.EnvelopeResponse {
		if req.Plan.Steps[0].Inputs["path"] == "/bad" {
			return models.EnvelopeResponse{ErrorMessage: "path not found"}
		}
		return models.EnvelopeResponse{
			Result:      models.EnvelopeResult{Success: true},
			StepResults: []models.EnvelopeStepResult{{Status: "completed"}},
		}
	}
	ex, _ := newTestExecutor(t, seedExecIndex(t), collab.server.URL, Config{})

	plan := &models.ExecutionPlan{
		ID: "plan-2",
		Steps: []models.PlanStep{
			{Index: 0, ToolID: "linux_list_directory", Inputs: map[string]any{"path": "/bad"}, ContinueOnFailure: true},
			{Index: 1, ToolID: "linux_list_directory", Inputs: map[string]any{"path": "/good"}, DependsOn: []int{0}},
		},
	}
	res := ex.Execute(context.Background(), "t-10", plan, nil, nil)

	assert.Equal(t, models.ExecCompleted, res.Status)
	require.Len(t, res.StepResults, 2)
	assert.Equal(t, "failed", res.StepResults[0].Status)
	assert.Equal(t, "completed", res.StepResults[1].Status)
}

func TestExecuteStopsAfterFailure(t *testing.T) {
	collab := newCollaborator(t)
	collab.respond = func(req models.EnvelopeRequest) models.EnvelopeResponse {
		return models.EnvelopeResponse{ErrorMessage: "boom"}
	}
	ex, _ := newTestExecutor(t, seedExecIndex(t), collab.server.URL, Config{})

	plan := &models.ExecutionPlan{
		ID: "plan-3",
		Steps: []models.PlanStep{
			{Index: 0, ToolID: "linux_list_directory", Inputs: map[string]any{}},
			{Index: 1, ToolID: "linux_list_directory", Inputs: map[string]any{}, DependsOn: []int{0}},
		},
	}
	res := ex.Execute(context.Background(), "t-11", plan, nil, nil)

	assert.Equal(t, models.ExecFailed, res.Status)
	assert.Equal(t, "boom", res.ErrorMessage)
	require.Len(t, res.StepResults, 1, "downstream steps are skipped after a hard failure")
}

func TestExecuteApproval(t *testing.T) {
	for _, approved := range []bool{true, false} {
		collab := newCollaborator(t)
		ex, _ := newTestExecutor(t, seedExecIndex(t), collab.server.URL, Config{ApprovalWait: 5 * time.Second})

		plan := singleStepPlan("linux_list_directory", map[string]any{"path": "/"})
		plan.Steps[0].ApprovalRequired = true
		plan.ApprovalRequired = true

		done := make(chan *models.ExecutionResult, 1)
		go func() {
			done <- ex.Execute(context.Background(), "t-12", plan, nil, nil)
		}()

		// Wait for the run to reach the approval gate, then resolve it.
		require.Eventually(t, func() bool {
			ex.runsMu.RLock()
			defer ex.runsMu.RUnlock()
			for id := range ex.runs {
				if ex.Approve(id, approved) {
					return true
				}
			}
			return false
		}, 3*time.Second, 10*time.Millisecond)

		res := <-done
		if approved {
			assert.Equal(t, models.ExecCompleted, res.Status)
			assert.Len(t, collab.received(), 1)
		} else {
			assert.Equal(t, models.ExecFailed, res.Status)
			assert.Equal(t, "approval rejected", res.ErrorMessage)
			assert.Empty(t, collab.received())
		}
	}
}

func TestApproveUnknownExecution(t *testing.T) {
	ex, _ := newTestExecutor(t, seedExecIndex(t), "http://127.0.0.1:1", Config{})
	assert.False(t, ex.Approve("nope", true))
	assert.False(t, ex.Cancel("nope"))
}

func TestExecuteWritesRecall(t *testing.T) {
	collab := newCollaborator(t)
	index := seedExecIndex(t)
	ex, _ := newTestExecutor(t, index, collab.server.URL, Config{})

	ctx := context.Background()
	require.NoError(t, index.LogTelemetry(ctx, toolindex.TelemetryRow{
		RequestID:   "req-1",
		SelectedIDs: []string{"linux_list_directory", "asset-query"},
	}))

	sel := &models.SelectionV1{
		RequestID: "req-1",
		Selected: []models.SelectedTool{
			{ID: "linux_list_directory"},
			{ID: "asset-query"},
		},
	}
	res := ex.Execute(ctx, "t-13",
		singleStepPlan("linux_list_directory", map[string]any{"path": "/"}), sel, nil)
	require.Equal(t, models.ExecCompleted, res.Status)

	row, ok := index.Telemetry("req-1")
	require.True(t, ok)
	assert.Equal(t, []string{"linux_list_directory"}, row.ExecutedIDs)
	assert.InDelta(t, 0.5, row.RecallAtK, 0.001, "one of two selected tools ran")
}

func TestNormalizeToolName(t *testing.T) {
	assert.Equal(t, "asset-query", normalizeToolName("asset_query", models.LocationAsset))
	assert.Equal(t, "asset_query", normalizeToolName("asset-query", models.LocationAutomation))
	assert.Equal(t, "windows_restart_service", normalizeToolName("windows_restart_service", models.LocationAutomation))
}

func TestExpandLoop(t *testing.T) {
	iters := expandLoop(map[string]any{"target_hosts": []any{"a", "b"}, "path": "/"}, nil)
	require.Len(t, iters, 2)
	assert.Equal(t, "a", iters[0]["target_host"])
	assert.Equal(t, 1, iters[0]["_loop_index"])
	assert.Equal(t, 2, iters[0]["_loop_total"])
	assert.Equal(t, "a", iters[0]["_loop_item"])
	assert.Equal(t, "b", iters[1]["target_host"])

	// A singular placeholder splices the recorded collection and
	// re-binds per element.
	iters = expandLoop(
		map[string]any{"target_hosts": []any{"{{hostname}}"}, "cmd": "ping {{hostname}}"},
		map[string]any{"hostnames": []any{"x", "y"}},
	)
	require.Len(t, iters, 2)
	assert.Equal(t, "x", iters[0]["target_host"])
	assert.Equal(t, "ping x", iters[0]["cmd"])
	assert.Equal(t, "ping y", iters[1]["cmd"])
	assert.Equal(t, 2, iters[1]["_loop_total"])

	// hosts is a recognized plural form too.
	iters = expandLoop(map[string]any{"hosts": []any{"a", "b"}}, nil)
	require.Len(t, iters, 2)
	assert.Equal(t, "a", iters[0]["host"])

	// No list: passthrough.
	iters = expandLoop(map[string]any{"target_host": "x"}, nil)
	require.Len(t, iters, 1)
	assert.Equal(t, "x", iters[0]["target_host"])
}
