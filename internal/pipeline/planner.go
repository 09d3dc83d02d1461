package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opsconductor/opsconductor/internal/llm"
	"github.com/opsconductor/opsconductor/internal/toolindex"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrPlanInvalid is returned when the generated plan references unknown
// tools only, or its dependency edges form a cycle.
var ErrPlanInvalid = errors.New(models.CodePlanInvalid)

// Planner is Stage C: it turns a selection into a validated execution
// plan. One LLM call produces candidate steps; everything after that is
// deterministic validation.
type Planner struct {
	llm         llm.Client
	index       toolindex.Store
	callTimeout time.Duration
	maxTimeout  time.Duration
}

// NewPlanner wires a Stage C planner. maxStepTimeout caps whatever
// per-step timeout a tool spec declares.
func NewPlanner(client llm.Client, index toolindex.Store, callTimeout, maxStepTimeout time.Duration) *Planner {
	if callTimeout <= 0 {
		callTimeout = 3 * time.Second
	}
	if maxStepTimeout <= 0 {
		maxStepTimeout = 5 * time.Minute
	}
	return &Planner{llm: client, index: index, callTimeout: callTimeout, maxTimeout: maxStepTimeout}
}

// rawPlan is the LLM's output schema. Steps reference tools by id and
// dependencies by zero-based index.
type rawPlan struct {
	Steps []struct {
		ToolID    string         `json:"tool_id"`
		Inputs    map[string]any `json:"inputs"`
		DependsOn []int          `json:"depends_on"`
	} `json:"steps"`
	RiskLevel models.RiskLevel `json:"risk_level"`
	Reasoning string           `json:"reasoning"`
}

// Plan builds and validates an execution plan for the selection. Steps
// naming tools outside the selection are dropped; if nothing survives or
// the dependency graph has a cycle, ErrPlanInvalid is returned.
func (p *Planner) Plan(ctx context.Context, userText string, cls models.Classification, sel models.SelectionV1) (*models.ExecutionPlan, error) {
	if len(sel.Selected) == 0 {
		return nil, fmt.Errorf("%w: empty selection", ErrPlanInvalid)
	}

	allowed := make(map[string]bool, len(sel.Selected))
	for _, t := range sel.Selected {
		allowed[t.ID] = true
	}

	raw, err := p.generate(ctx, userText, cls, sel)
	if err != nil {
		// Degenerate single-step plan: one step per selected tool with
		// inputs left to context resolution.
		log.Warn().Err(err).Msg("plan generation failed, using direct plan")
		raw = p.directPlan(sel)
	}

	plan := &models.ExecutionPlan{
		ID:        uuid.NewString(),
		RiskLevel: raw.RiskLevel,
	}
	if plan.RiskLevel == "" {
		plan.RiskLevel = cls.RiskLevel
	}

	// Drop steps for tools outside the selection, remapping indices.
	remap := make(map[int]int)
	for i, rs := range raw.Steps {
		if !allowed[rs.ToolID] {
			log.Warn().Str("tool", rs.ToolID).Msg("dropping plan step for unselected tool")
			continue
		}
		remap[i] = len(plan.Steps)
		inputs := rs.Inputs
		if inputs == nil {
			inputs = map[string]any{}
		}
		plan.Steps = append(plan.Steps, models.PlanStep{
			Index:  len(plan.Steps),
			ToolID: rs.ToolID,
			Inputs: inputs,
		})
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("%w: no steps reference selected tools", ErrPlanInvalid)
	}

	// Rewire dependencies through the remap; edges to dropped steps or
	// out-of-range indices are discarded.
	for i, rs := range raw.Steps {
		ni, kept := remap[i]
		if !kept {
			continue
		}
		for _, dep := range rs.DependsOn {
			if nd, ok := remap[dep]; ok && nd != ni {
				plan.Steps[ni].DependsOn = append(plan.Steps[ni].DependsOn, nd)
			}
		}
	}

	if err := p.decorate(ctx, plan); err != nil {
		return nil, err
	}
	if _, err := TopoOrder(plan.Steps); err != nil {
		return nil, err
	}
	return plan, nil
}

// generate makes the single planning LLM call.
func (p *Planner) generate(ctx context.Context, userText string, cls models.Classification, sel models.SelectionV1) (rawPlan, error) {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	toolList := ""
	for _, t := range sel.Selected {
		spec, err := p.index.GetFullSpec(ctx, t.ID)
		if err != nil {
			continue
		}
		toolList += fmt.Sprintf("- %s: %s (platform=%s", spec.ID, spec.DescShort, spec.Platform)
		for _, param := range spec.Parameters {
			if param.Required {
				toolList += ", param=" + param.Name
			}
		}
		toolList += ")\n"
	}

	var raw rawPlan
	err := p.llm.CompleteJSON(ctx, llm.Request{
		System: `You plan IT operations. Respond with JSON {"steps": [{"tool_id": string, "inputs": object, "depends_on": [int]}], "risk_level": "low"|"medium"|"high", "reasoning": string}. depends_on holds zero-based indices of steps that must finish first. Use only the provided tool ids. Inputs may reference earlier step outputs as {{step_N_result}}.`,
		User: fmt.Sprintf("request: %s\nintent: %s/%s\navailable tools:\n%s",
			userText, cls.IntentCategory, cls.IntentAction, toolList),
	}, &raw)
	if err != nil {
		return rawPlan{}, err
	}
	if len(raw.Steps) == 0 {
		return rawPlan{}, errors.New("empty plan")
	}
	return raw, nil
}

// directPlan is the LLM-free fallback: each selected tool becomes one
// independent step.
func (p *Planner) directPlan(sel models.SelectionV1) rawPlan {
	var raw rawPlan
	for _, t := range sel.Selected {
		raw.Steps = append(raw.Steps, struct {
			ToolID    string         `json:"tool_id"`
			Inputs    map[string]any `json:"inputs"`
			DependsOn []int          `json:"depends_on"`
		}{ToolID: t.ID, Inputs: map[string]any{}})
	}
	return raw
}

// decorate fills approval, retry, and timeout fields from each step's
// tool spec and propagates approval to the plan level.
func (p *Planner) decorate(ctx context.Context, plan *models.ExecutionPlan) error {
	for i := range plan.Steps {
		step := &plan.Steps[i]
		spec, err := p.index.GetFullSpec(ctx, step.ToolID)
		if err != nil {
			return fmt.Errorf("%w: unknown tool %q", ErrPlanInvalid, step.ToolID)
		}

		step.ApprovalRequired = spec.RequiresApproval
		if step.ApprovalRequired {
			plan.ApprovalRequired = true
			if plan.RiskLevel == models.RiskLow {
				plan.RiskLevel = models.RiskMedium
			}
		}

		timeout := time.Duration(spec.DefaultTimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		if timeout > p.maxTimeout {
			timeout = p.maxTimeout
		}
		step.TimeoutMs = int(timeout.Milliseconds())

		attempts := spec.DefaultRetries + 1
		if attempts < 1 {
			attempts = 1
		}
		step.Retry = models.RetryPolicy{MaxAttempts: attempts, Backoff: 500 * time.Millisecond}
	}
	return nil
}

// TopoOrder returns a dependency-respecting order of step indices using
// Kahn's algorithm, breaking ties by ascending index. A cycle yields
// ErrPlanInvalid.
func TopoOrder(steps []models.PlanStep) ([]int, error) {
	n := len(steps)
	indegree := make([]int, n)
	children := make([][]int, n)
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if dep < 0 || dep >= n {
				return nil, fmt.Errorf("%w: step %d depends on out-of-range index %d", ErrPlanInvalid, s.Index, dep)
			}
			indegree[s.Index]++
			children[dep] = append(children[dep], s.Index)
		}
	}

	// Ready set kept sorted: smallest index first for determinism.
	var ready []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]int, 0, n)
	for len(ready) > 0 {
		// Pop the smallest ready index.
		min := 0
		for i := 1; i < len(ready); i++ {
			if ready[i] < ready[min] {
				min = i
			}
		}
		next := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		order = append(order, next)

		for _, child := range children[next] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	if len(order) != n {
		return nil, fmt.Errorf("%w: dependency cycle", ErrPlanInvalid)
	}
	return order, nil
}
