package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opsconductor/opsconductor/internal/llm"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/rs/zerolog/log"
)

// StreamSentinel terminates every response token stream. Clients treat
// it as end-of-message, so it must never appear inside generated text.
const StreamSentinel = "[DONE]"

// ResponderInput is everything Stage D can draw on when formatting.
type ResponderInput struct {
	UserText       string
	Classification models.Classification
	Selection      *models.SelectionV1
	Plan           *models.ExecutionPlan
	Execution      *models.ExecutionResult
}

// Responder is Stage D: it picks a response type deterministically, then
// renders it as a token stream — LLM-generated when available, template
// fallback otherwise. The stream always ends with StreamSentinel.
type Responder struct {
	llm         llm.Client
	callTimeout time.Duration
}

func NewResponder(client llm.Client, callTimeout time.Duration) *Responder {
	if callTimeout <= 0 {
		callTimeout = 4 * time.Second
	}
	return &Responder{llm: client, callTimeout: callTimeout}
}

// ResponseTypeFor applies the deterministic routing rules. Execution
// results win over plans, approval needs win over readiness, and with
// nothing else to say the answer is informational.
func ResponseTypeFor(in ResponderInput) models.ResponseType {
	switch {
	case in.Execution != nil && in.Execution.Status.Terminal():
		return models.ResponseExecutionResult
	case in.Execution != nil && in.Execution.Status == models.ExecPausedForApproval:
		return models.ResponseApprovalRequest
	case in.Plan != nil && in.Plan.ApprovalRequired:
		return models.ResponseApprovalRequest
	case in.Plan != nil && in.Selection != nil && in.Selection.ReadyForExecution:
		return models.ResponseExecutionReady
	case in.Plan != nil:
		return models.ResponsePlanSummary
	default:
		return models.ResponseInformation
	}
}

// Respond streams the formatted response token by token into out,
// closing it after the sentinel. It never returns an error to the
// caller: LLM failures fall back to templates.
func (r *Responder) Respond(ctx context.Context, in ResponderInput, out chan<- string) models.ResponseType {
	rtype := ResponseTypeFor(in)

	go func() {
		defer close(out)
		if r.streamLLM(ctx, rtype, in, out) {
			out <- StreamSentinel
			return
		}
		for _, tok := range strings.SplitAfter(r.template(rtype, in), " ") {
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
		out <- StreamSentinel
	}()
	return rtype
}

// streamLLM attempts the generated rendition. It reports false without
// emitting anything if the stream could not be opened, and true once any
// token has been forwarded (a stream that dies midway still counts:
// partial text has already reached the client).
func (r *Responder) streamLLM(ctx context.Context, rtype models.ResponseType, in ResponderInput, out chan<- string) bool {
	if r.llm == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	chunks, err := r.llm.Stream(ctx, llm.Request{
		System: "You are an IT operations assistant. Summarize concisely for an operator. Plain text, no markdown headings.",
		User:   r.prompt(rtype, in),
	})
	if err != nil {
		log.Warn().Err(err).Msg("response stream unavailable, using template")
		return false
	}

	emitted := false
	for chunk := range chunks {
		if chunk.Final {
			break
		}
		if chunk.Text == "" {
			continue
		}
		select {
		case out <- chunk.Text:
			emitted = true
		case <-ctx.Done():
			return emitted
		}
	}
	return emitted
}

func (r *Responder) prompt(rtype models.ResponseType, in ResponderInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "response kind: %s\nuser request: %s\n", rtype, in.UserText)
	if in.Selection != nil {
		fmt.Fprintf(&b, "selected tools: %s\n", strings.Join(in.Selection.ToolIDs(), ", "))
		for _, d := range in.Selection.AdditionalInputsNeeded {
			fmt.Fprintf(&b, "missing input: %s (%s)\n", d.Name, d.Hint)
		}
	}
	if in.Plan != nil {
		fmt.Fprintf(&b, "plan: %d steps, risk %s\n", len(in.Plan.Steps), in.Plan.RiskLevel)
		for _, s := range in.Plan.Steps {
			fmt.Fprintf(&b, "  step %d: %s\n", s.Index, s.ToolID)
		}
	}
	if in.Execution != nil {
		fmt.Fprintf(&b, "execution %s: %s\n", in.Execution.ExecutionID, in.Execution.Status)
		for _, sr := range in.Execution.StepResults {
			line := fmt.Sprintf("  step %d (%s): %s", sr.Step, sr.Tool, sr.Status)
			if sr.Error != "" {
				line += " error=" + sr.Error
			}
			fmt.Fprintln(&b, line)
		}
	}
	return b.String()
}

// template renders the deterministic fallback text for each response
// type. Terse but complete: every fact an operator needs is present.
func (r *Responder) template(rtype models.ResponseType, in ResponderInput) string {
	switch rtype {
	case models.ResponseExecutionResult:
		ok, failed := 0, 0
		for _, sr := range in.Execution.StepResults {
			if sr.Error == "" {
				ok++
			} else {
				failed++
			}
		}
		if in.Execution.Status == models.ExecCompleted {
			return fmt.Sprintf("Execution %s completed: %d step(s) succeeded.", in.Execution.ExecutionID, ok)
		}
		msg := fmt.Sprintf("Execution %s failed: %d succeeded, %d failed.", in.Execution.ExecutionID, ok, failed)
		if in.Execution.ErrorMessage != "" {
			msg += " " + in.Execution.ErrorMessage
		}
		return msg

	case models.ResponseApprovalRequest:
		steps := 0
		risk := models.RiskMedium
		if in.Plan != nil {
			steps = len(in.Plan.Steps)
			risk = in.Plan.RiskLevel
		}
		return fmt.Sprintf("This operation requires approval before it runs: %d step(s), risk %s. Reply approve to continue or reject to cancel.", steps, risk)

	case models.ResponseExecutionReady:
		tools := ""
		if in.Selection != nil {
			tools = strings.Join(in.Selection.ToolIDs(), ", ")
		}
		return fmt.Sprintf("Ready to execute %d step(s) using %s. Confirm to proceed.", len(in.Plan.Steps), tools)

	case models.ResponsePlanSummary:
		var b strings.Builder
		fmt.Fprintf(&b, "Planned %d step(s):", len(in.Plan.Steps))
		for _, s := range in.Plan.Steps {
			fmt.Fprintf(&b, " %d) %s", s.Index+1, s.ToolID)
		}
		if in.Selection != nil && len(in.Selection.AdditionalInputsNeeded) > 0 {
			b.WriteString(" Still needed:")
			for _, d := range in.Selection.AdditionalInputsNeeded {
				b.WriteString(" " + d.Name)
			}
			b.WriteString(".")
		}
		return b.String()

	default:
		if in.Selection != nil && in.Selection.ErrorCode == models.CodeNoToolsFound {
			return fmt.Sprintf("No tool matches this request. Closest matches: %s.", strings.Join(in.Selection.FallbackRecommendation, ", "))
		}
		if in.Selection != nil && in.Selection.MissingTargetInfo {
			return "Which host should this run against? Provide a hostname or IP address."
		}
		return "I could not map this request to an operation. Try naming the host and the action, for example: restart the spooler service on web-01."
	}
}

// Collect drains a response stream into a single string, dropping the
// sentinel. Intended for non-streaming callers and tests.
func Collect(out <-chan string) string {
	var b strings.Builder
	for tok := range out {
		if tok == StreamSentinel {
			continue
		}
		b.WriteString(tok)
	}
	return b.String()
}
