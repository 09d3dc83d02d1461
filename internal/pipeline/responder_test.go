package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/internal/llm"
	"github.com/opsconductor/opsconductor/pkg/models"
)

func TestResponseTypeFor(t *testing.T) {
	readySel := &models.SelectionV1{ReadyForExecution: true}
	plainPlan := &models.ExecutionPlan{Steps: []models.PlanStep{{ToolID: "a"}}}
	gatedPlan := &models.ExecutionPlan{Steps: []models.PlanStep{{ToolID: "a"}}, ApprovalRequired: true}

	tests := []struct {
		name string
		in   ResponderInput
		want models.ResponseType
	}{
		{"nothing", ResponderInput{}, models.ResponseInformation},
		{"selection only", ResponderInput{Selection: readySel}, models.ResponseInformation},
		{"plan not ready", ResponderInput{Plan: plainPlan, Selection: &models.SelectionV1{}}, models.ResponsePlanSummary},
		{"plan ready", ResponderInput{Plan: plainPlan, Selection: readySel}, models.ResponseExecutionReady},
		{"plan needs approval", ResponderInput{Plan: gatedPlan, Selection: readySel}, models.ResponseApprovalRequest},
		{"execution completed", ResponderInput{
			Plan:      gatedPlan,
			Execution: &models.ExecutionResult{Status: models.ExecCompleted},
		}, models.ResponseExecutionResult},
		{"execution failed", ResponderInput{
			Execution: &models.ExecutionResult{Status: models.ExecFailed},
		}, models.ResponseExecutionResult},
		{"execution paused", ResponderInput{
			Plan:      plainPlan,
			Execution: &models.ExecutionResult{Status: models.ExecPausedForApproval},
		}, models.ResponseApprovalRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ResponseTypeFor(tc.in))
		})
	}
}

func TestRespondTemplateFallback(t *testing.T) {
	r := NewResponder(&fakeLLM{}, 0)

	out := make(chan string, 64)
	rtype := r.Respond(context.Background(), ResponderInput{
		UserText: "how many assets do we have",
	}, out)

	assert.Equal(t, models.ResponseInformation, rtype)

	var tokens []string
	for tok := range out {
		tokens = append(tokens, tok)
	}
	require.NotEmpty(t, tokens)
	assert.Equal(t, StreamSentinel, tokens[len(tokens)-1], "stream must end with the sentinel")
	assert.Contains(t, strings.Join(tokens, ""), "could not map this request")
}

func TestRespondStreamsLLMTokens(t *testing.T) {
	fake := &fakeLLM{streamFn: func(req llm.Request) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk, 4)
		ch <- llm.Chunk{Text: "All "}
		ch <- llm.Chunk{Text: "good."}
		ch <- llm.Chunk{Final: true}
		close(ch)
		return ch, nil
	}}
	r := NewResponder(fake, 0)

	out := make(chan string, 16)
	r.Respond(context.Background(), ResponderInput{UserText: "status"}, out)

	assert.Equal(t, "All good.", Collect(out))
}

func TestRespondExecutionResultTemplate(t *testing.T) {
	r := NewResponder(&fakeLLM{}, 0)

	out := make(chan string, 64)
	rtype := r.Respond(context.Background(), ResponderInput{
		Execution: &models.ExecutionResult{
			ExecutionID: "exec-1",
			Status:      models.ExecFailed,
			StepResults: []models.StepResult{
				{Step: 0, Tool: "linux_list_directory", Status: "completed"},
				{Step: 1, Tool: "restart_service", Status: "failed", Error: "connection refused"},
			},
			ErrorMessage: "step 1 failed",
		},
	}, out)

	assert.Equal(t, models.ResponseExecutionResult, rtype)
	text := Collect(out)
	assert.Contains(t, text, "exec-1")
	assert.Contains(t, text, "1 succeeded, 1 failed")
	assert.Contains(t, text, "step 1 failed")
}

func TestRespondApprovalTemplate(t *testing.T) {
	r := NewResponder(&fakeLLM{}, 0)

	out := make(chan string, 64)
	rtype := r.Respond(context.Background(), ResponderInput{
		Selection: &models.SelectionV1{ReadyForExecution: true},
		Plan: &models.ExecutionPlan{
			Steps:            []models.PlanStep{{ToolID: "restart_service"}},
			RiskLevel:        models.RiskHigh,
			ApprovalRequired: true,
		},
	}, out)

	assert.Equal(t, models.ResponseApprovalRequest, rtype)
	text := Collect(out)
	assert.Contains(t, text, "requires approval")
	assert.Contains(t, text, "risk high")
}

func TestRespondNoToolsTemplate(t *testing.T) {
	r := NewResponder(&fakeLLM{}, 0)

	out := make(chan string, 64)
	r.Respond(context.Background(), ResponderInput{
		Selection: &models.SelectionV1{
			ErrorCode:              models.CodeNoToolsFound,
			FallbackRecommendation: []string{"asset-query", "linux_list_directory"},
		},
	}, out)

	text := Collect(out)
	assert.Contains(t, text, "No tool matches")
	assert.Contains(t, text, "asset-query")
}

func TestRespondMissingTargetTemplate(t *testing.T) {
	r := NewResponder(&fakeLLM{}, 0)

	out := make(chan string, 64)
	r.Respond(context.Background(), ResponderInput{
		Selection: &models.SelectionV1{MissingTargetInfo: true},
	}, out)

	assert.Contains(t, Collect(out), "hostname or IP")
}

func TestCollectDropsSentinel(t *testing.T) {
	ch := make(chan string, 3)
	ch <- "hello "
	ch <- "world"
	ch <- StreamSentinel
	close(ch)

	assert.Equal(t, "hello world", Collect(ch))
}
