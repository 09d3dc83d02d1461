package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/opsconductor/opsconductor/internal/assets"
	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/pipeline"
	"github.com/opsconductor/opsconductor/internal/secrets"
	"github.com/opsconductor/opsconductor/internal/toolindex"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrUpstream is returned when a collaborator stays unreachable after
// retries.
var ErrUpstream = errors.New(models.CodeUpstreamUnreachable)

// Config carries the executor's routing table and limits.
type Config struct {
	AutomationURL    string
	CommunicationURL string
	AssetURL         string
	NetworkURL       string

	RequestTimeout  time.Duration
	StepTimeoutMax  time.Duration
	LoopConcurrency int
	ApprovalWait    time.Duration
	TenantID        string
}

// run holds the live state of one execution.
type run struct {
	cancel context.CancelFunc
	gate   chan bool

	mu     sync.Mutex
	result *models.ExecutionResult
}

// Executor dispatches validated plans to collaborator services. One
// instance serves all executions; per-run state lives in the runs map
// until the run reaches a terminal status.
type Executor struct {
	broker  *secrets.Broker
	assets  *assets.Facade
	index   toolindex.Store
	metrics *metrics.Metrics
	client  *http.Client
	cfg     Config

	runsMu sync.RWMutex
	runs   map[string]*run
}

func New(broker *secrets.Broker, facade *assets.Facade, index toolindex.Store, m *metrics.Metrics, cfg Config) *Executor {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	if cfg.StepTimeoutMax <= 0 {
		cfg.StepTimeoutMax = 5 * time.Minute
	}
	if cfg.LoopConcurrency <= 0 {
		cfg.LoopConcurrency = 1
	}
	if cfg.ApprovalWait <= 0 {
		cfg.ApprovalWait = 10 * time.Minute
	}
	return &Executor{
		broker:  broker,
		assets:  facade,
		index:   index,
		metrics: m,
		client:  &http.Client{Timeout: cfg.StepTimeoutMax},
		cfg:     cfg,
		runs:    make(map[string]*run),
	}
}

// Execute runs a plan to completion (or failure) and returns the final
// result. Steps run in dependency order; steps requiring approval pause
// the run until Approve is called or the approval window lapses.
func (e *Executor) Execute(ctx context.Context, traceID string, plan *models.ExecutionPlan, sel *models.SelectionV1, userInputs map[string]any) *models.ExecutionResult {
	executionID := uuid.NewString()
	result := &models.ExecutionResult{
		ExecutionID: executionID,
		Status:      models.ExecQueued,
		StartedAt:   time.Now().UTC(),
	}

	order, err := pipeline.TopoOrder(plan.Steps)
	if err != nil {
		result.Status = models.ExecFailed
		result.ErrorMessage = err.Error()
		result.CompletedAt = time.Now().UTC()
		return result
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	r := &run{cancel: cancel, gate: make(chan bool, 1), result: result}
	e.runsMu.Lock()
	e.runs[executionID] = r
	e.runsMu.Unlock()
	defer func() {
		e.runsMu.Lock()
		delete(e.runs, executionID)
		e.runsMu.Unlock()
	}()

	logger := log.With().Str("trace_id", traceID).Str("execution_id", executionID).Logger()
	logger.Info().Int("steps", len(plan.Steps)).Msg("execution started")

	ectx := NewExecutionContext()
	ectx.Seed(userInputs, sel)

	r.setStatus(models.ExecRunning)
	failed := false

	for _, idx := range order {
		step := plan.Steps[idx]

		if failed {
			continue
		}
		select {
		case <-runCtx.Done():
			r.fail("execution timed out")
			e.writeRecall(sel, result)
			return result
		default:
		}

		if step.ApprovalRequired {
			r.setStatus(models.ExecPausedForApproval)
			logger.Info().Int("step", step.Index).Msg("paused for approval")
			approved, err := e.waitGate(runCtx, r)
			if err != nil || !approved {
				msg := "approval rejected"
				if err != nil {
					msg = "approval window lapsed"
				}
				r.fail(msg)
				e.writeRecall(sel, result)
				return result
			}
			r.setStatus(models.ExecRunning)
		}

		stepResults, stepErr := e.runStep(runCtx, traceID, executionID, step, sel, ectx)
		r.mu.Lock()
		result.StepResults = append(result.StepResults, stepResults...)
		r.mu.Unlock()

		if stepErr != nil {
			var apiErr *models.APIError
			if errors.As(stepErr, &apiErr) && apiErr.Code == models.CodeMissingCredentials {
				for _, d := range apiErr.Descriptors {
					result.MissingInputs = appendDescriptor(result.MissingInputs, d)
				}
			}
			logger.Warn().Err(stepErr).Int("step", step.Index).Msg("step failed")
			if !step.ContinueOnFailure {
				failed = true
				result.ErrorMessage = stepErr.Error()
			}
		}
	}

	if failed {
		r.fail(result.ErrorMessage)
	} else {
		r.setStatus(models.ExecCompleted)
		result.CompletedAt = time.Now().UTC()
	}
	logger.Info().Str("status", string(result.Status)).Msg("execution finished")

	e.writeRecall(sel, result)
	return result
}

// Approve resolves a pending approval gate. It returns false when the
// execution is unknown or not paused.
func (e *Executor) Approve(executionID string, approved bool) bool {
	e.runsMu.RLock()
	r, ok := e.runs[executionID]
	e.runsMu.RUnlock()
	if !ok {
		return false
	}
	r.mu.Lock()
	paused := r.result.Status == models.ExecPausedForApproval
	r.mu.Unlock()
	if !paused {
		return false
	}
	select {
	case r.gate <- approved:
		return true
	default:
		return false
	}
}

// Cancel aborts a running execution.
func (e *Executor) Cancel(executionID string) bool {
	e.runsMu.RLock()
	r, ok := e.runs[executionID]
	e.runsMu.RUnlock()
	if ok {
		r.cancel()
	}
	return ok
}

func (e *Executor) waitGate(ctx context.Context, r *run) (bool, error) {
	select {
	case approved := <-r.gate:
		return approved, nil
	case <-time.After(e.cfg.ApprovalWait):
		return false, errors.New("approval timeout")
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// runStep expands, resolves, and dispatches one plan step. Loop
// detection runs on the raw inputs so placeholders that name a
// collection bind per iteration; loop steps return one StepResult per
// iteration.
func (e *Executor) runStep(ctx context.Context, traceID, executionID string, step models.PlanStep, sel *models.SelectionV1, ectx *ExecutionContext) ([]models.StepResult, error) {
	spec, err := e.index.GetFullSpec(ctx, step.ToolID)
	if err != nil {
		return nil, &models.APIError{Code: models.CodeNotFound, Message: "unknown tool " + step.ToolID}
	}

	iterations := expandLoop(step.Inputs, ectx.Snapshot())

	if spec.RequiresCredentials {
		for _, inputs := range iterations {
			if err := e.injectCredentials(ctx, inputs, sel, spec); err != nil {
				return []models.StepResult{{
					Step: step.Index, Tool: step.ToolID, Status: "failed", Error: err.Error(),
				}}, err
			}
		}
	}

	if len(iterations) == 1 {
		sr, err := e.dispatch(ctx, traceID, executionID, step, spec, iterations[0], 0, 0)
		if sr.Status == "completed" {
			ectx.RecordStepOutput(step.Index, step.ToolID, sr.Output)
		}
		return []models.StepResult{sr}, err
	}

	return e.runLoop(ctx, traceID, executionID, step, spec, iterations, ectx)
}

// runLoop executes loop iterations through a bounded worker pool.
// Results keep iteration order regardless of completion order.
func (e *Executor) runLoop(ctx context.Context, traceID, executionID string, step models.PlanStep, spec *toolindex.FullSpec, iterations []map[string]any, ectx *ExecutionContext) ([]models.StepResult, error) {
	total := len(iterations)
	results := make([]models.StepResult, total)
	errs := make([]error, total)

	sem := make(chan struct{}, e.cfg.LoopConcurrency)
	var wg sync.WaitGroup
	for i, iterInputs := range iterations {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, inputs map[string]any) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], errs[i] = e.dispatch(ctx, traceID, executionID, step, spec, inputs, i+1, total)
		}(i, iterInputs)
	}
	wg.Wait()

	// Aggregate: the loop output is the list of iteration outputs; the
	// step fails only if every iteration failed.
	allFailed := true
	var firstErr error
	var outputs []any
	for i := range results {
		if errs[i] == nil {
			allFailed = false
			outputs = append(outputs, results[i].Output)
		} else if firstErr == nil {
			firstErr = errs[i]
		}
	}
	ectx.RecordStepOutput(step.Index, step.ToolID, map[string]any{
		"iterations": outputs,
		"count":      len(outputs),
	})
	if allFailed && firstErr != nil {
		return results, firstErr
	}
	return results, nil
}

// pluralParams are the parameter names that mark a step as a loop over
// multiple targets, with the singular form each rewrites to.
var pluralParams = [][2]string{
	{"target_hosts", "target_host"},
	{"hosts", "host"},
}

// expandLoop resolves a step's inputs against the variable snapshot,
// expanding a plural target parameter into one fully-resolved input map
// per element. A placeholder like {{hostname}} inside a plural
// parameter binds the recorded collection (hostnames) and re-binds per
// element, so other occurrences of the singular name resolve to the
// current item. Non-loop steps resolve to a single map; single-element
// lists collapse to the singular form without loop metadata.
func expandLoop(inputs, vars map[string]any) []map[string]any {
	plural, singular, items, bind := detectLoop(inputs, vars)
	if items == nil {
		return []map[string]any{ResolveTemplates(inputs, vars)}
	}

	total := len(items)
	out := make([]map[string]any, total)
	for i, item := range items {
		iterVars := vars
		if bind != "" {
			iterVars = make(map[string]any, len(vars)+1)
			for k, v := range vars {
				iterVars[k] = v
			}
			iterVars[bind] = item
		}
		iter := ResolveTemplates(inputs, iterVars)
		delete(iter, plural)
		iter[singular] = item
		if total > 1 {
			iter["_loop_index"] = i + 1
			iter["_loop_total"] = total
			iter["_loop_item"] = item
		}
		out[i] = iter
	}
	return out
}

// detectLoop finds the first plural target parameter whose value yields
// a collection. bind is the placeholder name to re-bind per element, or
// empty when the elements were literal.
func detectLoop(inputs, vars map[string]any) (plural, singular string, items []any, bind string) {
	for _, p := range pluralParams {
		raw, ok := inputs[p[0]]
		if !ok {
			continue
		}
		if items, bind = loopItems(raw, vars); items != nil {
			return p[0], p[1], items, bind
		}
	}
	return "", "", nil, ""
}

// loopItems resolves the plural parameter's raw value into the element
// list. A list element that is a single placeholder naming a collection
// (directly or through its plural form) splices the collection in.
func loopItems(raw any, vars map[string]any) ([]any, string) {
	switch val := raw.(type) {
	case []any:
		items := make([]any, 0, len(val))
		var bind string
		for _, item := range val {
			if name, coll, ok := placeholderCollection(item, vars); ok {
				items = append(items, coll...)
				if bind == "" {
					bind = name
				}
				continue
			}
			items = append(items, resolveValue(item, vars))
		}
		if len(items) == 0 {
			return nil, ""
		}
		return items, bind
	case string:
		if name, coll, ok := placeholderCollection(val, vars); ok {
			return coll, name
		}
		if list, ok := resolveString(val, vars).([]any); ok && len(list) > 0 {
			return list, ""
		}
		return nil, ""
	default:
		return nil, ""
	}
}

// injectCredentials fills username/password using the three-tier
// fallback order: an explicit asset reference with the
// use_asset_credentials flag, auto-resolution by target host through
// the asset profile's broker purpose, and finally explicit step inputs.
// When no tier resolves, the error carries the descriptors the caller
// must fulfill.
func (e *Executor) injectCredentials(ctx context.Context, inputs map[string]any, sel *models.SelectionV1, spec *toolindex.FullSpec) error {
	// (a) Explicit asset reference.
	if assetID := stringInput(inputs, "asset_id"); assetID != "" && truthy(inputs["use_asset_credentials"]) {
		if profile := e.assetProfile(ctx, assetID, sel); profile.Found {
			host := profile.Hostname
			if host == "" {
				host = profile.IP
			}
			if cred, err := e.broker.Lookup(ctx, "executor", host, assets.CredentialPurpose(profile)); err == nil {
				e.metrics.CredentialLookupsTotal.WithLabelValues("asset").Inc()
				applyCredential(inputs, cred)
				return nil
			}
		}
	}

	// (b) Auto-resolve by target host.
	host := stringInput(inputs, "target_host")
	if host == "" {
		if hosts, ok := inputs["target_hosts"].([]any); ok && len(hosts) > 0 {
			host, _ = hosts[0].(string)
		}
	}
	if host == "" && sel != nil && sel.AssetMetadata != nil {
		host = sel.AssetMetadata.Hostname
	}
	if host != "" {
		purpose := e.purposeForHost(ctx, host, sel, spec)
		if cred, err := e.broker.Lookup(ctx, "executor", host, purpose); err == nil {
			e.metrics.CredentialLookupsTotal.WithLabelValues("hit").Inc()
			applyCredential(inputs, cred)
			return nil
		}
	}

	// (c) Explicit step inputs.
	if stringInput(inputs, "username") != "" && stringInput(inputs, "password") != "" {
		e.metrics.CredentialLookupsTotal.WithLabelValues("explicit").Inc()
		return nil
	}

	e.metrics.CredentialLookupsTotal.WithLabelValues("miss").Inc()
	msg := "no target host to resolve credentials for"
	if host != "" {
		msg = "no stored credential for " + host
	}
	return &models.APIError{
		Code:        models.CodeMissingCredentials,
		Message:     msg,
		Descriptors: credentialDescriptors(spec),
	}
}

// assetProfile resolves an asset id to its connection profile, reusing
// the selection's metadata when it already describes that asset.
func (e *Executor) assetProfile(ctx context.Context, assetID string, sel *models.SelectionV1) models.ConnectionProfile {
	if sel != nil && sel.AssetMetadata != nil && sel.AssetMetadata.AssetID == assetID {
		meta := sel.AssetMetadata
		return models.ConnectionProfile{
			Found:          true,
			Platform:       meta.Platform,
			Hostname:       meta.Hostname,
			IP:             meta.IP,
			DefaultService: &models.AssetService{Name: meta.ServiceID},
		}
	}
	if e.assets == nil {
		return models.ConnectionProfile{}
	}
	profile, err := e.assets.ConnectionProfileByID(ctx, assetID)
	if err != nil {
		log.Warn().Err(err).Str("asset_id", assetID).Msg("asset profile lookup failed")
		return models.ConnectionProfile{}
	}
	return profile
}

// purposeForHost derives the broker purpose for a host: the selection's
// metadata when it matches, the façade's connection profile otherwise,
// falling back on the tool's connection type.
func (e *Executor) purposeForHost(ctx context.Context, host string, sel *models.SelectionV1, spec *toolindex.FullSpec) string {
	if sel != nil && sel.AssetMetadata != nil &&
		(sel.AssetMetadata.Hostname == host || sel.AssetMetadata.IP == host) {
		return assets.CredentialPurpose(models.ConnectionProfile{
			Platform:       sel.AssetMetadata.Platform,
			DefaultService: &models.AssetService{Name: sel.AssetMetadata.ServiceID},
		})
	}
	if e.assets != nil {
		if profile, err := e.assets.ConnectionProfile(ctx, host); err == nil && profile.Found {
			return assets.CredentialPurpose(profile)
		}
	}
	switch spec.ConnectionType {
	case models.ConnPowerShell, models.ConnImpacket:
		return "winrm"
	case models.ConnSSH:
		return "ssh"
	case models.ConnDatabase:
		return "database"
	default:
		return "default"
	}
}

// credentialDescriptors prefers the tool's own declared credential
// parameters over the generic pair, built through the same descriptor
// mapping the selector's additional-inputs diff uses.
func credentialDescriptors(spec *toolindex.FullSpec) []models.ParameterDescriptor {
	var out []models.ParameterDescriptor
	for _, p := range spec.Parameters {
		if p.Name == "username" || p.Name == "password" {
			out = append(out, p.Descriptor())
		}
	}
	if len(out) == 0 {
		return models.CredentialDescriptors()
	}
	return out
}

func applyCredential(inputs map[string]any, cred secrets.Credential) {
	inputs["username"] = cred.Username
	inputs["password"] = cred.Password
	if cred.Domain != "" {
		if _, set := inputs["domain"]; !set {
			inputs["domain"] = cred.Domain
		}
	}
}

func appendDescriptor(list []models.ParameterDescriptor, d models.ParameterDescriptor) []models.ParameterDescriptor {
	for _, existing := range list {
		if existing.Name == d.Name {
			return list
		}
	}
	return append(list, d)
}

func stringInput(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return strings.EqualFold(val, "true")
	default:
		return false
	}
}

// dispatch ships one resolved step (or loop iteration) to its
// collaborator and converts the envelope response into a StepResult.
func (e *Executor) dispatch(ctx context.Context, traceID, executionID string, step models.PlanStep, spec *toolindex.FullSpec, inputs map[string]any, loopIteration, loopTotal int) (models.StepResult, error) {
	start := time.Now()
	sr := models.StepResult{
		Step:          step.Index,
		Tool:          step.ToolID,
		LoopIteration: loopIteration,
		LoopTotal:     loopTotal,
	}

	serviceURL, serviceName := e.route(spec.ExecutionLocation)
	if serviceURL == "" {
		sr.Status = "failed"
		sr.Error = "no service configured for location " + string(spec.ExecutionLocation)
		return sr, errors.New(sr.Error)
	}

	timeout := time.Duration(step.TimeoutMs) * time.Millisecond
	if timeout <= 0 || timeout > e.cfg.StepTimeoutMax {
		timeout = e.cfg.StepTimeoutMax
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := models.EnvelopeRequest{
		ExecutionID: executionID,
		TenantID:    e.cfg.TenantID,
		ActorID:     "pipeline",
	}
	req.Plan.Steps = []models.EnvelopeStep{{
		Tool:          normalizeToolName(step.ToolID, spec.ExecutionLocation),
		Inputs:        inputs,
		LoopIteration: loopIteration,
		LoopTotal:     loopTotal,
	}}

	resp, err := e.post(stepCtx, traceID, serviceURL+"/execute-plan", req)
	sr.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		sr.Status = "failed"
		sr.Error = err.Error()
		e.metrics.ExecutorStepsTotal.WithLabelValues(serviceName, "failed").Inc()
		return sr, err
	}

	if len(resp.StepResults) > 0 {
		first := resp.StepResults[0]
		sr.Output = e.redactOutput(first.Output)
		if first.Error != "" {
			sr.Error = first.Error
		}
	}
	if resp.Result.Success && sr.Error == "" {
		sr.Status = "completed"
		e.metrics.ExecutorStepsTotal.WithLabelValues(serviceName, "completed").Inc()
		return sr, nil
	}

	sr.Status = "failed"
	if sr.Error == "" {
		sr.Error = resp.ErrorMessage
	}
	if sr.Error == "" {
		sr.Error = "collaborator reported failure"
	}
	e.metrics.ExecutorStepsTotal.WithLabelValues(serviceName, "failed").Inc()
	return sr, errors.New(sr.Error)
}

// post sends the envelope with bounded exponential retries. Transport
// errors and 5xx responses retry; 4xx fails immediately.
func (e *Executor) post(ctx context.Context, traceID, url string, req models.EnvelopeRequest) (*models.EnvelopeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var envelope models.EnvelopeResponse
	attempt := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("X-Trace-Id", traceID)

		resp, err := e.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("collaborator returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("collaborator rejected request: %d", resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return backoff.Permanent(fmt.Errorf("decode envelope: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return &envelope, nil
}

// route maps an execution location to its collaborator base URL.
func (e *Executor) route(loc models.ExecutionLocation) (url, name string) {
	switch loc {
	case models.LocationAutomation, models.LocationCustom:
		return e.cfg.AutomationURL, "automation"
	case models.LocationCommunication:
		return e.cfg.CommunicationURL, "communication"
	case models.LocationAsset:
		return e.cfg.AssetURL, "asset"
	case models.LocationNetwork:
		return e.cfg.NetworkURL, "network"
	default:
		return "", string(loc)
	}
}

// normalizeToolName adapts tool ids to each collaborator's convention:
// the asset service speaks kebab-case, everything else snake_case.
func normalizeToolName(toolID string, loc models.ExecutionLocation) string {
	if loc == models.LocationAsset {
		return strings.ReplaceAll(toolID, "_", "-")
	}
	return strings.ReplaceAll(toolID, "-", "_")
}

// redactOutput runs the secrets redactor over string values so captured
// command output never leaks a credential into results or logs.
func (e *Executor) redactOutput(output map[string]any) map[string]any {
	if output == nil || e.broker == nil {
		return output
	}
	return e.broker.Redactor().RedactMap(output)
}

// writeRecall records which selected tools actually executed, feeding
// the selector's recall@k telemetry.
func (e *Executor) writeRecall(sel *models.SelectionV1, result *models.ExecutionResult) {
	if sel == nil || sel.RequestID == "" {
		return
	}
	executed := make(map[string]bool)
	var executedIDs []string
	for _, sr := range result.StepResults {
		if sr.Status == "completed" && !executed[sr.Tool] {
			executed[sr.Tool] = true
			executedIDs = append(executedIDs, sr.Tool)
		}
	}

	selected := sel.ToolIDs()
	recall := 0.0
	if len(selected) > 0 {
		hit := 0
		for _, id := range selected {
			if executed[id] {
				hit++
			}
		}
		recall = float64(hit) / float64(len(selected))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.index.UpdateTelemetryExecution(ctx, sel.RequestID, executedIDs, recall); err != nil {
		log.Warn().Err(err).Msg("recall write-back failed")
	}
}

func (r *run) setStatus(s models.ExecutionStatus) {
	r.mu.Lock()
	if !r.result.Status.Terminal() {
		r.result.Status = s
	}
	r.mu.Unlock()
}

func (r *run) fail(msg string) {
	r.mu.Lock()
	if !r.result.Status.Terminal() {
		r.result.Status = models.ExecFailed
		r.result.ErrorMessage = msg
		r.result.CompletedAt = time.Now().UTC()
	}
	r.mu.Unlock()
}
