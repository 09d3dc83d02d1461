// Package handlers implements the HTTP handlers for the OpsConductor
// pipeline: the conversational entrypoint, direct plan execution, the
// selector search surface, asset lookups, and the internal credential
// endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opsconductor/opsconductor/internal/api/middleware"
	"github.com/opsconductor/opsconductor/internal/assets"
	"github.com/opsconductor/opsconductor/internal/canary"
	"github.com/opsconductor/opsconductor/internal/executor"
	"github.com/opsconductor/opsconductor/internal/pipeline"
	"github.com/opsconductor/opsconductor/internal/secrets"
	"github.com/opsconductor/opsconductor/internal/toolindex"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/rs/zerolog/log"
)

// MaxRequestChars bounds the conversational request body.
const MaxRequestChars = 4000

// Handlers holds all handler dependencies.
type Handlers struct {
	Orchestrator *pipeline.Orchestrator
	Selector     *pipeline.Selector
	Executor     *executor.Executor
	Index        toolindex.Store
	Broker       *secrets.Broker
	Assets       *assets.Facade
	Gate         *canary.Gate
}

// New creates a Handlers instance with all dependencies.
func New(o *pipeline.Orchestrator, sel *pipeline.Selector, ex *executor.Executor,
	index toolindex.Store, broker *secrets.Broker, facade *assets.Facade, gate *canary.Gate) *Handlers {
	return &Handlers{
		Orchestrator: o,
		Selector:     sel,
		Executor:     ex,
		Index:        index,
		Broker:       broker,
		Assets:       facade,
		Gate:         gate,
	}
}

// ── AI Pipeline Handlers ─────────────────────────────────────

// ExecuteAIRequest is the conversational entrypoint body. trace_id is
// honored only when no X-Trace-Id header arrived.
type ExecuteAIRequest struct {
	Input   string         `json:"input"`
	Tool    string         `json:"tool,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
	Inputs  map[string]any `json:"inputs,omitempty"`
	Execute bool           `json:"execute,omitempty"`
	Context struct {
		CurrentAsset string          `json:"current_asset,omitempty"`
		Platform     models.Platform `json:"platform,omitempty"`
	} `json:"context,omitempty"`
}

// ExecuteAIResponse wraps the pipeline result in the flat success/
// output/tool envelope, plus the execution outcome when the caller
// asked for immediate execution.
type ExecuteAIResponse struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Tool    string `json:"tool"`
	pipeline.Result
	Execution *models.ExecutionResult `json:"execution,omitempty"`
}

// ExecuteAI runs the pipeline end to end for one natural-language
// request. With "execute": true, a ready plan that needs no approval is
// dispatched immediately.
func (h *Handlers) ExecuteAI(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ExecuteAIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondAPIError(w, http.StatusBadRequest, models.CodeValidation, "invalid request body",
			middleware.GetTraceID(r.Context()), start)
		return
	}
	traceID := h.effectiveTraceID(w, r, req.TraceID)
	if msg := validateRequestText(req.Input); msg != "" {
		h.respondAPIError(w, http.StatusBadRequest, models.CodeValidation, msg, traceID, start)
		return
	}

	result := h.Orchestrator.Run(r.Context(), traceID, req.Input, pipeline.SelectorContext{
		CurrentAsset: req.Context.CurrentAsset,
		Platform:     req.Context.Platform,
	})

	resp := ExecuteAIResponse{
		Result:  result,
		Output:  result.Response,
		Tool:    toolLabel(req.Tool, result, h.Orchestrator.BypassLLM),
		Success: result.Selection.ErrorCode == "",
		Error:   result.Selection.ErrorCode,
	}
	if req.Execute && result.Plan != nil && result.Selection.ReadyForExecution {
		resp.Execution = h.Executor.Execute(r.Context(), traceID, result.Plan, &result.Selection, req.Inputs)
		if resp.Execution.Status == models.ExecFailed {
			resp.Success = false
			resp.Error = resp.Execution.ErrorMessage
		}
	}

	if h.Gate != nil {
		h.Gate.Observe(time.Since(start), !resp.Success)
	}
	respondJSON(w, executionStatusCode(resp.Execution), resp)
}

// effectiveTraceID lets the body supply a trace id when the header did
// not, echoing the winner on the response.
func (h *Handlers) effectiveTraceID(w http.ResponseWriter, r *http.Request, bodyID string) string {
	traceID := middleware.GetTraceID(r.Context())
	bodyID = strings.TrimSpace(bodyID)
	if r.Header.Get(middleware.TraceHeader) == "" && bodyID != "" && len(bodyID) <= 128 {
		traceID = bodyID
		w.Header().Set(middleware.TraceHeader, traceID)
	}
	return traceID
}

func toolLabel(requested string, result pipeline.Result, bypass bool) string {
	if requested != "" {
		return requested
	}
	if len(result.Selection.Selected) > 0 {
		return result.Selection.Selected[0].ID
	}
	if bypass {
		return "echo"
	}
	return "none"
}

// executionStatusCode maps a terminal execution failure to the ingress
// status contract: upstream unreachable 502, timeout 504, otherwise 200.
func executionStatusCode(ex *models.ExecutionResult) int {
	if ex == nil || ex.Status != models.ExecFailed {
		return http.StatusOK
	}
	switch {
	case strings.Contains(ex.ErrorMessage, models.CodeUpstreamUnreachable):
		return http.StatusBadGateway
	case strings.Contains(ex.ErrorMessage, "timed out"):
		return http.StatusGatewayTimeout
	}
	return http.StatusOK
}

// ExecuteAIStream is the streaming variant: selection and plan arrive
// as SSE events, then response tokens one event each, sentinel last.
func (h *Handlers) ExecuteAIStream(w http.ResponseWriter, r *http.Request) {
	var req ExecuteAIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondAPIError(w, http.StatusBadRequest, models.CodeValidation, "invalid request body",
			middleware.GetTraceID(r.Context()), time.Now())
		return
	}
	traceID := h.effectiveTraceID(w, r, req.TraceID)
	if msg := validateRequestText(req.Input); msg != "" {
		h.respondAPIError(w, http.StatusBadRequest, models.CodeValidation, msg, traceID, time.Now())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondAPIError(w, http.StatusInternalServerError, models.CodeInternal, "streaming not supported", traceID, time.Now())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := make(chan string, 64)
	result := h.Orchestrator.RunStream(r.Context(), traceID, req.Input, pipeline.SelectorContext{
		CurrentAsset: req.Context.CurrentAsset,
		Platform:     req.Context.Platform,
	}, stream)

	meta, _ := json.Marshal(result)
	fmt.Fprintf(w, "event: result\ndata: %s\n\n", meta)
	flusher.Flush()

	for tok := range stream {
		data, _ := json.Marshal(map[string]string{"token": tok})
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// ExecutePlanRequest is the direct execution body. The primary form
// names one tool with its params; the plan form resumes a previously
// returned plan with any inputs the user supplied since.
type ExecutePlanRequest struct {
	Name   string         `json:"name,omitempty"`
	Params map[string]any `json:"params,omitempty"`

	Plan      *models.ExecutionPlan `json:"plan,omitempty"`
	Selection *models.SelectionV1   `json:"selection,omitempty"`
	Inputs    map[string]any        `json:"inputs,omitempty"`
}

// ExecuteToolResponse is the flat envelope for single-tool execution.
type ExecuteToolResponse struct {
	Success       bool                         `json:"success"`
	Tool          string                       `json:"tool"`
	Output        map[string]any               `json:"output,omitempty"`
	Error         string                       `json:"error,omitempty"`
	ExitCode      int                          `json:"exit_code"`
	TraceID       string                       `json:"trace_id"`
	DurationMs    int64                        `json:"duration_ms"`
	MissingParams []models.ParameterDescriptor `json:"missing_params,omitempty"`
	Execution     *models.ExecutionResult      `json:"execution,omitempty"`
}

// ExecutePlan dispatches a single named tool or a validated plan to the
// collaborators.
func (h *Handlers) ExecutePlan(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	traceID := middleware.GetTraceID(r.Context())

	var req ExecutePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondAPIError(w, http.StatusBadRequest, models.CodeValidation, "invalid request body", traceID, start)
		return
	}

	if req.Name != "" {
		h.executeNamedTool(w, r, req, traceID, start)
		return
	}

	if req.Plan == nil || len(req.Plan.Steps) == 0 {
		h.respondAPIError(w, http.StatusBadRequest, models.CodeValidation, "a tool name or a plan with at least one step is required", traceID, start)
		return
	}
	if _, err := pipeline.TopoOrder(req.Plan.Steps); err != nil {
		h.respondAPIError(w, http.StatusBadRequest, models.CodePlanInvalid, err.Error(), traceID, start)
		return
	}

	result := h.Executor.Execute(r.Context(), traceID, req.Plan, req.Selection, req.Inputs)
	respondJSON(w, executionStatusCode(result), result)
}

// executeNamedTool wraps one tool invocation in a single-step plan.
func (h *Handlers) executeNamedTool(w http.ResponseWriter, r *http.Request, req ExecutePlanRequest, traceID string, start time.Time) {
	spec, err := h.Index.GetFullSpec(r.Context(), req.Name)
	if err != nil {
		if errors.Is(err, toolindex.ErrNotFound) {
			h.respondAPIError(w, http.StatusBadRequest, models.CodeValidation, "unknown tool "+req.Name, traceID, start)
			return
		}
		respondError(w, r, http.StatusServiceUnavailable, models.CodeUnavailable, "tool index unavailable")
		return
	}

	if missing := missingParams(spec, req.Params); len(missing) > 0 {
		respondJSON(w, http.StatusBadRequest, ExecuteToolResponse{
			Tool:          req.Name,
			Error:         "missing_params",
			ExitCode:      -1,
			TraceID:       traceID,
			DurationMs:    time.Since(start).Milliseconds(),
			MissingParams: missing,
		})
		return
	}

	plan := &models.ExecutionPlan{
		ID: uuid.NewString(),
		Steps: []models.PlanStep{{
			ToolID:           spec.ID,
			Inputs:           req.Params,
			ApprovalRequired: spec.RequiresApproval,
			Retry:            models.RetryPolicy{MaxAttempts: spec.DefaultRetries + 1, Backoff: 500 * time.Millisecond},
			TimeoutMs:        spec.DefaultTimeoutMs,
		}},
		ApprovalRequired: spec.RequiresApproval,
	}

	result := h.Executor.Execute(r.Context(), traceID, plan, nil, req.Inputs)

	resp := ExecuteToolResponse{
		Success:    result.Status == models.ExecCompleted,
		Tool:       req.Name,
		TraceID:    traceID,
		DurationMs: time.Since(start).Milliseconds(),
		Execution:  result,
	}
	if len(result.StepResults) > 0 {
		sr := result.StepResults[0]
		resp.Output = sr.Output
		resp.Error = sr.Error
		if code, ok := sr.Output["exit_code"].(float64); ok {
			resp.ExitCode = int(code)
		}
	}
	if result.Status == models.ExecFailed {
		if resp.Error == "" {
			resp.Error = result.ErrorMessage
		}
		if resp.ExitCode == 0 {
			resp.ExitCode = -1
		}
	}
	if len(result.MissingInputs) > 0 {
		resp.Error = "missing_credentials"
		resp.MissingParams = result.MissingInputs
	}
	respondJSON(w, executionStatusCode(result), resp)
}

// missingParams diffs the tool's required parameters against the
// supplied params.
func missingParams(spec *toolindex.FullSpec, params map[string]any) []models.ParameterDescriptor {
	var missing []models.ParameterDescriptor
	for _, p := range spec.Parameters {
		if !p.Required {
			continue
		}
		if v, ok := params[p.Name]; ok && v != nil && v != "" {
			continue
		}
		missing = append(missing, models.ParameterDescriptor{
			Name: p.Name, Type: p.Type, Secret: p.Secret,
			Validation: p.Validation, Hint: p.Hint,
		})
	}
	return missing
}

// ApproveExecution resolves a paused approval gate.
func (h *Handlers) ApproveExecution(w http.ResponseWriter, r *http.Request) {
	executionID := pathParam(r, "executionID")
	var body struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, r, http.StatusBadRequest, models.CodeValidation, "invalid request body")
		return
	}
	if !h.Executor.Approve(executionID, body.Approved) {
		respondError(w, r, http.StatusNotFound, models.CodeNotFound, "no execution awaiting approval with that id")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"execution_id": executionID, "approved": body.Approved})
}

// CancelExecution aborts a running execution.
func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	executionID := pathParam(r, "executionID")
	if !h.Executor.Cancel(executionID) {
		respondError(w, r, http.StatusNotFound, models.CodeNotFound, "no running execution with that id")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"execution_id": executionID, "status": "canceled"})
}

// ── Tool Catalog Handlers ────────────────────────────────────

// ListTools returns the catalog's minimal index rows, optionally
// filtered by platform and tag membership. category is a tag alias.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	platform := models.Platform(r.URL.Query().Get("platform"))
	if platform != "" && !models.ValidPlatform(platform) {
		respondError(w, r, http.StatusBadRequest, models.CodeValidation, "unknown platform "+string(platform))
		return
	}

	var wantTags []string
	if category := strings.TrimSpace(r.URL.Query().Get("category")); category != "" {
		wantTags = append(wantTags, category)
	}
	for _, tag := range strings.Split(r.URL.Query().Get("tags"), ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			wantTags = append(wantTags, tag)
		}
	}

	hits, err := h.Index.LexicalSearch(r.Context(), r.URL.Query().Get("q"), platform, 200)
	if err != nil {
		respondError(w, r, http.StatusServiceUnavailable, models.CodeUnavailable, "tool index unavailable")
		return
	}
	entries := make([]toolindex.Entry, 0, len(hits))
	for _, hit := range hits {
		if hasTags(hit.Entry.Tags, wantTags) {
			entries = append(entries, hit.Entry)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tools": entries, "count": len(entries)})
}

func hasTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// GetTool returns a tool's full execution spec.
func (h *Handlers) GetTool(w http.ResponseWriter, r *http.Request) {
	spec, err := h.Index.GetFullSpec(r.Context(), pathParam(r, "toolID"))
	if err != nil {
		if errors.Is(err, toolindex.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, models.CodeNotFound, "unknown tool")
			return
		}
		respondError(w, r, http.StatusServiceUnavailable, models.CodeUnavailable, "tool index unavailable")
		return
	}
	respondJSON(w, http.StatusOK, spec)
}

// ── Selector Search Handler ──────────────────────────────────

// SelectorSearch serves the stateless retrieval endpoint used by the UI
// tool browser. platform accepts a comma-separated list of up to five
// platforms; results are merged across them.
func (h *Handlers) SelectorSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		respondError(w, r, http.StatusBadRequest, models.CodeValidation, "query is required")
		return
	}

	k := 10
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 10 {
			respondError(w, r, http.StatusBadRequest, models.CodeValidation, "k must be between 1 and 10")
			return
		}
		k = parsed
	}

	platforms, msg := parsePlatforms(r.URL.Query().Get("platform"))
	if msg != "" {
		respondError(w, r, http.StatusBadRequest, models.CodeValidation, msg)
		return
	}

	var (
		merged    []toolindex.ScoredEntry
		fromCache = true
	)
	for _, platform := range platforms {
		hits, cached, err := h.Selector.Search(r.Context(), query, platform, k)
		if err != nil {
			log.Warn().Err(err).Msg("selector search failed")
			w.Header().Set("Retry-After", "30")
			respondError(w, r, http.StatusServiceUnavailable, models.CodeUnavailable, "selector temporarily unavailable")
			return
		}
		fromCache = fromCache && cached
		merged = mergeScored(merged, hits)
	}
	if len(merged) > k {
		merged = merged[:k]
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"results":     merged,
		"count":       len(merged),
		"from_cache":  fromCache,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// parsePlatforms splits a comma-separated platform list. An empty value
// means no filter; more than five platforms is rejected.
func parsePlatforms(raw string) ([]models.Platform, string) {
	if strings.TrimSpace(raw) == "" {
		return []models.Platform{""}, ""
	}
	parts := strings.Split(raw, ",")
	if len(parts) > 5 {
		return nil, "at most 5 platforms may be listed"
	}
	platforms := make([]models.Platform, 0, len(parts))
	for _, part := range parts {
		p := models.Platform(strings.TrimSpace(part))
		if !models.ValidPlatform(p) {
			return nil, "unknown platform " + string(p)
		}
		platforms = append(platforms, p)
	}
	return platforms, ""
}

// mergeScored unions two scored lists, keeping the higher score for a
// duplicated id, ordered by (score desc, id asc).
func mergeScored(a, b []toolindex.ScoredEntry) []toolindex.ScoredEntry {
	best := make(map[string]toolindex.ScoredEntry, len(a)+len(b))
	for _, hit := range a {
		best[hit.ID] = hit
	}
	for _, hit := range b {
		if prev, ok := best[hit.ID]; !ok || hit.Score > prev.Score {
			best[hit.ID] = hit
		}
	}
	out := make([]toolindex.ScoredEntry, 0, len(best))
	for _, hit := range best {
		out = append(out, hit)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ── Telemetry Handlers ───────────────────────────────────────

// SelectorAlerts surfaces recent telemetry-derived alerts.
func (h *Handlers) SelectorAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	alerts, err := h.Index.RecentAlerts(r.Context(), limit)
	if err != nil {
		respondError(w, r, http.StatusServiceUnavailable, models.CodeUnavailable, "telemetry unavailable")
		return
	}
	if alerts == nil {
		alerts = []toolindex.Alert{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

// CanaryStatus reports the rollout gate verdict and window snapshots.
func (h *Handlers) CanaryStatus(w http.ResponseWriter, r *http.Request) {
	if h.Gate == nil {
		respondError(w, r, http.StatusNotFound, models.CodeNotFound, "canary gate not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"verdict": h.Gate.Evaluate(r.Context()),
		"fast":    h.Gate.Fast.Snapshot(),
		"slow":    h.Gate.Slow.Snapshot(),
	})
}

// Health reports liveness plus the tool index's reachability.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.Index.HealthCheck(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

// ── Helpers ──────────────────────────────────────────────────

func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

func validateRequestText(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "request must not be empty"
	}
	if len([]rune(text)) > MaxRequestChars {
		return fmt.Sprintf("request exceeds %d characters", MaxRequestChars)
	}
	return ""
}

func (h *Handlers) respondAPIError(w http.ResponseWriter, status int, code, msg, traceID string, start time.Time) {
	respondJSON(w, status, &models.APIError{
		Code:       code,
		Message:    msg,
		TraceID:    traceID,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes the uniform error envelope: a stable machine code,
// the human message, and the request's trace id.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondJSON(w, status, &models.APIError{
		Code:    code,
		Message: message,
		TraceID: middleware.GetTraceID(r.Context()),
	})
}
