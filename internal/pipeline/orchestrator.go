package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/rs/zerolog/log"
)

// Per-stage deadlines. A stage that blows its deadline degrades (Stage
// A, D) or fails the request (Stage AB, C) rather than stalling the
// whole pipeline.
const (
	classifyDeadline = 3 * time.Second
	selectDeadline   = 5 * time.Second
	planDeadline     = 3 * time.Second
	respondDeadline  = 4 * time.Second
)

// Result is the full pipeline output for one request.
type Result struct {
	TraceID        string                `json:"trace_id"`
	Classification models.Classification `json:"classification"`
	Selection      models.SelectionV1    `json:"selection"`
	Plan           *models.ExecutionPlan `json:"plan,omitempty"`
	ResponseType   models.ResponseType   `json:"response_type"`
	Response       string                `json:"response"`
	DurationMs     int64                 `json:"duration_ms"`
}

// Orchestrator drives a request through classify, select, plan, and
// respond. Execution is a separate follow-up call owned by the executor;
// the orchestrator stops at a ready-to-execute plan.
type Orchestrator struct {
	classifier *Classifier
	selector   *Selector
	planner    *Planner
	responder  *Responder
	metrics    *metrics.Metrics

	// BypassLLM short-circuits everything with a deterministic echo
	// path for smoke tests and outage drills.
	BypassLLM bool
}

func NewOrchestrator(c *Classifier, s *Selector, p *Planner, r *Responder, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{classifier: c, selector: s, planner: p, responder: r, metrics: m}
}

// Run executes the four stages in order. Stage failures downgrade to a
// respond-only result instead of erroring: the user always gets text.
func (o *Orchestrator) Run(ctx context.Context, traceID, userText string, sctx SelectorContext) Result {
	start := time.Now()
	res := Result{TraceID: traceID}

	if o.BypassLLM {
		res.Response = bypassEcho(userText)
		res.ResponseType = models.ResponseInformation
		res.DurationMs = time.Since(start).Milliseconds()
		o.metrics.AIRequestsTotal.WithLabelValues("success", "echo").Inc()
		return res
	}

	logger := log.With().Str("trace_id", traceID).Logger()

	// Stage A.
	stageStart := time.Now()
	aCtx, aCancel := context.WithTimeout(ctx, classifyDeadline)
	res.Classification = o.classifier.Classify(aCtx, userText)
	aCancel()
	o.metrics.StageDuration.WithLabelValues("classify").Observe(time.Since(stageStart).Seconds())
	logger.Info().
		Str("intent", res.Classification.IntentCategory+"/"+res.Classification.IntentAction).
		Float64("confidence", res.Classification.Confidence).
		Bool("fallback", res.Classification.Fallback).
		Msg("classified")

	// Stage AB.
	stageStart = time.Now()
	abCtx, abCancel := context.WithTimeout(ctx, selectDeadline)
	res.Selection = o.selector.Select(abCtx, userText, res.Classification, sctx)
	abCancel()
	o.metrics.StageDuration.WithLabelValues("select").Observe(time.Since(stageStart).Seconds())
	logger.Info().
		Strs("selected", res.Selection.ToolIDs()).
		Bool("ready", res.Selection.ReadyForExecution).
		Bool("degraded", res.Selection.Degraded).
		Str("error_code", res.Selection.ErrorCode).
		Msg("selected")

	// Stage C: only when the selection points at planning.
	if res.Selection.NextStage == "plan" && len(res.Selection.Selected) > 0 {
		stageStart = time.Now()
		cCtx, cCancel := context.WithTimeout(ctx, planDeadline)
		plan, err := o.planner.Plan(cCtx, userText, res.Classification, res.Selection)
		cCancel()
		o.metrics.StageDuration.WithLabelValues("plan").Observe(time.Since(stageStart).Seconds())
		if err != nil {
			logger.Warn().Err(err).Msg("planning failed")
			if errors.Is(err, ErrPlanInvalid) {
				res.Selection.ErrorCode = models.CodePlanInvalid
			}
		} else {
			res.Plan = plan
			logger.Info().Int("steps", len(plan.Steps)).Bool("approval", plan.ApprovalRequired).Msg("planned")
		}
	}

	// Stage D.
	stageStart = time.Now()
	dCtx, dCancel := context.WithTimeout(ctx, respondDeadline)
	stream := make(chan string, 64)
	res.ResponseType = o.responder.Respond(dCtx, ResponderInput{
		UserText:       userText,
		Classification: res.Classification,
		Selection:      &res.Selection,
		Plan:           res.Plan,
	}, stream)
	res.Response = Collect(stream)
	dCancel()
	o.metrics.StageDuration.WithLabelValues("respond").Observe(time.Since(stageStart).Seconds())

	res.DurationMs = time.Since(start).Milliseconds()
	status := "success"
	if res.Selection.ErrorCode != "" {
		status = "error"
		o.metrics.AIRequestErrorsTotal.WithLabelValues(res.Selection.ErrorCode, firstTool(res.Selection)).Inc()
	}
	tool := firstTool(res.Selection)
	o.metrics.AIRequestsTotal.WithLabelValues(status, tool).Inc()
	o.metrics.AIRequestDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
	return res
}

// RunStream is the streaming variant: Stage D tokens flow into out as
// they are produced, the sentinel included. The returned Result's
// Response field is left empty; the caller owns the stream.
func (o *Orchestrator) RunStream(ctx context.Context, traceID, userText string, sctx SelectorContext, out chan<- string) Result {
	if o.BypassLLM {
		go func() {
			defer close(out)
			out <- bypassEcho(userText)
			out <- StreamSentinel
		}()
		return Result{TraceID: traceID, ResponseType: models.ResponseInformation}
	}

	res := o.runUpToPlan(ctx, traceID, userText, sctx)
	res.ResponseType = o.responder.Respond(ctx, ResponderInput{
		UserText:       userText,
		Classification: res.Classification,
		Selection:      &res.Selection,
		Plan:           res.Plan,
	}, out)
	return res
}

func (o *Orchestrator) runUpToPlan(ctx context.Context, traceID, userText string, sctx SelectorContext) Result {
	res := Result{TraceID: traceID}

	aCtx, aCancel := context.WithTimeout(ctx, classifyDeadline)
	res.Classification = o.classifier.Classify(aCtx, userText)
	aCancel()

	abCtx, abCancel := context.WithTimeout(ctx, selectDeadline)
	res.Selection = o.selector.Select(abCtx, userText, res.Classification, sctx)
	abCancel()

	if res.Selection.NextStage == "plan" && len(res.Selection.Selected) > 0 {
		cCtx, cCancel := context.WithTimeout(ctx, planDeadline)
		if plan, err := o.planner.Plan(cCtx, userText, res.Classification, res.Selection); err == nil {
			res.Plan = plan
		}
		cCancel()
	}
	return res
}

// bypassEcho answers without any model in the loop. "ping" gets "pong";
// anything else is echoed back tagged as a bypass response.
func bypassEcho(userText string) string {
	if strings.EqualFold(strings.TrimSpace(userText), "ping") {
		return "pong"
	}
	return "bypass: " + userText
}

func firstTool(sel models.SelectionV1) string {
	if len(sel.Selected) > 0 {
		return sel.Selected[0].ID
	}
	return "none"
}
