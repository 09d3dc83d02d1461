// Package models defines the shared types that cross stage boundaries in
// the OpsConductor AI pipeline: classifications, selections, execution
// plans, execution results, and the uniform collaborator envelope.
//
// Every stage boundary is a typed struct with closed enums — there are no
// free-form maps between stages. Step dependencies are integer indices
// into the plan's step arena, never pointers.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ── Platforms & Tool Enums ───────────────────────────────────

// Platform is the closed set of target platforms a tool can run against.
type Platform string

const (
	PlatformWindows  Platform = "windows"
	PlatformLinux    Platform = "linux"
	PlatformMulti    Platform = "multi-platform"
	PlatformCloud    Platform = "cloud"
	PlatformNetwork  Platform = "network"
	PlatformDatabase Platform = "database"
	PlatformCustom   Platform = "custom"
)

// ValidPlatform reports whether p is a member of the closed platform set.
func ValidPlatform(p Platform) bool {
	switch p {
	case PlatformWindows, PlatformLinux, PlatformMulti, PlatformCloud,
		PlatformNetwork, PlatformDatabase, PlatformCustom:
		return true
	}
	return false
}

// ExecutionLocation names the collaborator service a tool dispatches to.
type ExecutionLocation string

const (
	LocationAutomation    ExecutionLocation = "automation"
	LocationCommunication ExecutionLocation = "communication"
	LocationAsset         ExecutionLocation = "asset"
	LocationNetwork       ExecutionLocation = "network"
	LocationCustom        ExecutionLocation = "custom"
)

// ExecutionType classifies how a tool does its work.
type ExecutionType string

const (
	ExecTypeCommand ExecutionType = "command"
	ExecTypeQuery   ExecutionType = "query"
	ExecTypeAPI     ExecutionType = "api"
	ExecTypeScript  ExecutionType = "script"
)

// ConnectionType is the transport a tool uses to reach its target.
type ConnectionType string

const (
	ConnPowerShell ConnectionType = "powershell"
	ConnSSH        ConnectionType = "ssh"
	ConnLocal      ConnectionType = "local"
	ConnHTTP       ConnectionType = "http"
	ConnDatabase   ConnectionType = "database"
	ConnImpacket   ConnectionType = "impacket"
)

// CommandStrategy describes how the tool's command line is built.
type CommandStrategy string

const (
	StrategyCmdlet   CommandStrategy = "cmdlet"
	StrategyCLI      CommandStrategy = "cli"
	StrategyQuery    CommandStrategy = "query"
	StrategyAPICall  CommandStrategy = "api_call"
	StrategyScript   CommandStrategy = "script"
	StrategyTemplate CommandStrategy = "template"
)

// ParameterFormat is the quoting/encoding convention for tool parameters.
type ParameterFormat string

const (
	FormatPowerShell ParameterFormat = "powershell"
	FormatPosix      ParameterFormat = "posix"
	FormatWindows    ParameterFormat = "windows"
	FormatCustom     ParameterFormat = "custom"
	FormatJSON       ParameterFormat = "json"
)

// CostHint is a rough execution-cost bucket used in the minimal index row.
type CostHint string

const (
	CostLow  CostHint = "low"
	CostMed  CostHint = "med"
	CostHigh CostHint = "high"
)

// RiskLevel grades how dangerous a request or plan is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// PreferenceMode shifts the deterministic scoring weights in the selector.
type PreferenceMode string

const (
	PreferFast     PreferenceMode = "fast"
	PreferBalanced PreferenceMode = "balanced"
	PreferAccurate PreferenceMode = "accurate"
)

// ── Classification (Stage A) ─────────────────────────────────

// EntityType is the closed set of entity kinds Stage A extracts.
type EntityType string

const (
	EntityHostname  EntityType = "hostname"
	EntityIPAddress EntityType = "ip_address"
	EntityService   EntityType = "service"
	EntityPath      EntityType = "path"
	EntityPort      EntityType = "port"
	EntityTag       EntityType = "tag"
)

// Entity is a typed value extracted from the user request.
type Entity struct {
	Type  EntityType `json:"type"`
	Value string     `json:"value"`
}

// Classification is the Stage A output. It is always valid: sub-task
// failures are replaced with deterministic fallbacks, never surfaced.
type Classification struct {
	IntentCategory string    `json:"intent_category"`
	IntentAction   string    `json:"intent_action"`
	Entities       []Entity  `json:"entities"`
	Confidence     float64   `json:"confidence"`
	RiskLevel      RiskLevel `json:"risk_level"`

	// AmbiguousTarget is set when no entities were extracted and the text
	// contains ambiguity keywords ("current directory", "this server").
	// Consumed by the selector, never shown to the user.
	AmbiguousTarget bool `json:"ambiguous_target,omitempty"`

	// Fallback is true when any sub-classifier used the rule-based path.
	Fallback bool `json:"fallback,omitempty"`
}

// ── Selection (Stage AB) ─────────────────────────────────────

// ParameterDescriptor describes an input the user still needs to supply.
// The UI renders these into prompts; Secret fields are masked.
type ParameterDescriptor struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Secret     bool   `json:"secret"`
	Optional   bool   `json:"optional,omitempty"`
	Validation string `json:"validation,omitempty"`
	Hint       string `json:"hint,omitempty"`
}

// SelectedTool pairs a tool id with the selector's rationale.
type SelectedTool struct {
	ID        string `json:"id"`
	Rationale string `json:"rationale,omitempty"`
}

// AssetMetadata is the minimal connection snapshot the selector keeps for
// a resolved target. It never carries credentials.
type AssetMetadata struct {
	Hostname  string   `json:"hostname,omitempty"`
	IP        string   `json:"ip,omitempty"`
	OSType    string   `json:"os_type,omitempty"`
	Platform  Platform `json:"platform,omitempty"`
	Port      int      `json:"port,omitempty"`
	IsSecure  bool     `json:"is_secure,omitempty"`
	Domain    string   `json:"domain,omitempty"`
	AssetID   string   `json:"asset_id,omitempty"`
	ServiceID string   `json:"service_id,omitempty"`
}

// SelectionV1 is the Stage AB output. RequestID correlates the selection
// with its telemetry row so execution outcomes can be written back.
type SelectionV1 struct {
	RequestID              string                `json:"request_id,omitempty"`
	Selected               []SelectedTool        `json:"selected_tools"`
	PlatformFilter         Platform              `json:"platform_filter,omitempty"`
	AssetMetadata          *AssetMetadata        `json:"asset_metadata,omitempty"`
	AdditionalInputsNeeded []ParameterDescriptor `json:"additional_inputs_needed"`
	ReadyForExecution      bool                  `json:"ready_for_execution"`
	NextStage              string                `json:"next_stage"`
	MissingTargetInfo      bool                  `json:"missing_target_info"`

	// AssetNotFound flags that a named host had no inventory match; the
	// selection still succeeds, just without a platform filter.
	AssetNotFound bool `json:"asset_not_found,omitempty"`

	// Degraded is set when a dependency (index, asset façade, LLM) was
	// unavailable and a fallback path was taken.
	Degraded bool `json:"degraded,omitempty"`

	// ErrorCode carries a stable code such as "no_candidates" when the
	// selection is empty for reasons the user should see.
	ErrorCode string `json:"error_code,omitempty"`

	// FallbackRecommendation is populated from lexical search when the
	// candidate pool came back empty.
	FallbackRecommendation []string `json:"fallback_recommendation,omitempty"`
}

// ToolIDs returns the selected tool ids in order.
func (s *SelectionV1) ToolIDs() []string {
	ids := make([]string, len(s.Selected))
	for i, t := range s.Selected {
		ids[i] = t.ID
	}
	return ids
}

// ── Execution Plan (Stage C) ─────────────────────────────────

// RetryPolicy controls per-step retries for transient failures.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
}

// PlanStep is one step of an execution plan. DependsOn holds indices into
// the plan's Steps slice; the plan validates acyclicity at construction.
type PlanStep struct {
	Index             int            `json:"index"`
	ToolID            string         `json:"tool_id"`
	Inputs            map[string]any `json:"inputs"`
	DependsOn         []int          `json:"depends_on"`
	ApprovalRequired  bool           `json:"approval_required"`
	ContinueOnFailure bool           `json:"continue_on_failure,omitempty"`
	Retry             RetryPolicy    `json:"retry_policy"`
	TimeoutMs         int            `json:"timeout_ms"`
}

// ExecutionPlan is the Stage C output: an ordered arena of steps with
// integer dependency edges forming a DAG.
type ExecutionPlan struct {
	ID               string     `json:"id"`
	Steps            []PlanStep `json:"steps"`
	RiskLevel        RiskLevel  `json:"risk_level"`
	ApprovalRequired bool       `json:"approval_required"`
	ResourceHints    []string   `json:"resource_hints,omitempty"`
}

// ── Execution (Stage E) ──────────────────────────────────────

// ExecutionStatus is the plan-level state machine. Terminal states are
// immutable: queued → running → (paused_for_approval ↔ running) →
// completed | failed.
type ExecutionStatus string

const (
	ExecQueued            ExecutionStatus = "queued"
	ExecRunning           ExecutionStatus = "running"
	ExecPausedForApproval ExecutionStatus = "paused_for_approval"
	ExecCompleted         ExecutionStatus = "completed"
	ExecFailed            ExecutionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed
}

// StepResult records the outcome of one dispatched step (or one loop
// iteration of a step).
type StepResult struct {
	Step          int            `json:"step"`
	Tool          string         `json:"tool"`
	Status        string         `json:"status"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	LoopIteration int            `json:"loop_iteration,omitempty"`
	LoopTotal     int            `json:"loop_total,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
}

// ExecutionResult is the terminal summary of a plan run.
type ExecutionResult struct {
	ExecutionID  string          `json:"execution_id"`
	Status       ExecutionStatus `json:"status"`
	StepResults  []StepResult    `json:"step_results"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	// MissingInputs is populated when execution could not start because a
	// credential or parameter path yielded nothing.
	MissingInputs []ParameterDescriptor `json:"missing_inputs,omitempty"`
}

// ── Uniform Collaborator Envelope ────────────────────────────

// EnvelopeStep is the resolved step shipped to a collaborator service.
// Inputs are fully resolved (templates expanded, credentials injected)
// before the envelope leaves the executor.
type EnvelopeStep struct {
	Tool          string         `json:"tool"`
	Inputs        map[string]any `json:"inputs"`
	LoopIteration int            `json:"loop_iteration,omitempty"`
	LoopTotal     int            `json:"loop_total,omitempty"`
}

// EnvelopeRequest is the uniform request shape every collaborator accepts
// at POST /execute-plan. This contract is the extension seam for new
// collaborator services.
type EnvelopeRequest struct {
	ExecutionID string `json:"execution_id"`
	Plan        struct {
		Steps []EnvelopeStep `json:"steps"`
	} `json:"plan"`
	TenantID string `json:"tenant_id"`
	ActorID  string `json:"actor_id"`
}

// EnvelopeResult is the per-envelope success flag.
type EnvelopeResult struct {
	Success bool `json:"success"`
}

// EnvelopeStepResult mirrors StepResult on the collaborator side.
type EnvelopeStepResult struct {
	Step          int            `json:"step"`
	Tool          string         `json:"tool"`
	Status        string         `json:"status"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	LoopIteration int            `json:"loop_iteration,omitempty"`
	LoopTotal     int            `json:"loop_total,omitempty"`
}

// EnvelopeResponse is the uniform collaborator response.
type EnvelopeResponse struct {
	ExecutionID  string               `json:"execution_id"`
	Status       string               `json:"status"`
	Result       EnvelopeResult       `json:"result"`
	StepResults  []EnvelopeStepResult `json:"step_results"`
	CompletedAt  time.Time            `json:"completed_at"`
	ErrorMessage string               `json:"error_message,omitempty"`
}

// ── Responder (Stage D) ──────────────────────────────────────

// ResponseType routes the Stage D formatter.
type ResponseType string

const (
	ResponseInformation     ResponseType = "information"
	ResponsePlanSummary     ResponseType = "plan_summary"
	ResponseApprovalRequest ResponseType = "approval_request"
	ResponseExecutionReady  ResponseType = "execution_ready"
	ResponseExecutionResult ResponseType = "execution_result"
)

// ── API Errors ───────────────────────────────────────────────

// APIError is the uniform error body returned at every ingress endpoint.
// Code is short and stable; Message is for humans. Secrets never appear
// here — the redactor runs over every outbound payload.
type APIError struct {
	Code        string                `json:"code"`
	Message     string                `json:"message"`
	TraceID     string                `json:"trace_id,omitempty"`
	DurationMs  int64                 `json:"duration_ms,omitempty"`
	Descriptors []ParameterDescriptor `json:"descriptors,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CredentialDescriptors is the parameter pair a caller must fulfill
// when no credential tier resolves a target and the tool spec declares
// no credential parameters of its own.
func CredentialDescriptors() []ParameterDescriptor {
	return []ParameterDescriptor{
		{Name: "username", Type: "string"},
		{Name: "password", Type: "string", Secret: true},
	}
}

// Stable error codes used across the pipeline.
const (
	CodeValidation          = "validation"
	CodeMissingParams       = "missing_params"
	CodeMissingCredentials  = "missing_credentials"
	CodeMissingTargetInfo   = "missing_target_info"
	CodeNoCandidates        = "no_candidates"
	CodeNoToolsFound        = "no_tools_found"
	CodePlanInvalid         = "plan_invalid"
	CodeUpstreamUnreachable = "upstream_unreachable"
	CodeTimeout             = "timeout"
	CodeInternal            = "internal"
	CodeNotFound            = "not_found"
	CodeUnauthorized        = "unauthorized"
	CodeUnavailable         = "unavailable"
)

// ── Assets ───────────────────────────────────────────────────

// AssetService is the default remote-management service on an asset.
type AssetService struct {
	Name     string `json:"name,omitempty"`
	Port     int    `json:"port"`
	IsSecure bool   `json:"is_secure"`
	Domain   string `json:"domain,omitempty"`
}

// Asset is the read-only projection of an inventory record.
type Asset struct {
	ID             string        `json:"id"`
	Hostname       string        `json:"hostname"`
	IP             string        `json:"ip"`
	OSType         string        `json:"os_type"`
	OSVersion      string        `json:"os_version,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	DefaultService *AssetService `json:"default_service,omitempty"`
}

// ConnectionProfile is the asset façade's host lookup result.
type ConnectionProfile struct {
	Found          bool          `json:"found"`
	OS             string        `json:"os,omitempty"`
	Platform       Platform      `json:"platform,omitempty"`
	DefaultService *AssetService `json:"default_service,omitempty"`
	AssetID        string        `json:"asset_id,omitempty"`
	Hostname       string        `json:"hostname,omitempty"`
	IP             string        `json:"ip,omitempty"`
}

// NormalizePlatform maps an inventory os_type string onto the closed
// platform set. Matching is case-insensitive with substring fallback, so
// "Windows 10" and "windows_server" both map to windows.
func NormalizePlatform(osType string) Platform {
	s := strings.ToLower(strings.TrimSpace(osType))
	switch {
	case s == "":
		return ""
	case strings.Contains(s, "windows") || strings.HasPrefix(s, "win1"):
		return PlatformWindows
	case strings.Contains(s, "linux") || strings.Contains(s, "ubuntu") ||
		strings.Contains(s, "rhel") || strings.Contains(s, "debian") ||
		strings.Contains(s, "centos"):
		return PlatformLinux
	case strings.Contains(s, "psql") || strings.Contains(s, "postgres") ||
		strings.Contains(s, "mysql") || strings.Contains(s, "mongo") ||
		strings.Contains(s, "redis") || strings.Contains(s, "sqlite"):
		return PlatformDatabase
	case strings.Contains(s, "nmap") || strings.Contains(s, "tcpdump") ||
		strings.Contains(s, "tshark"):
		return PlatformNetwork
	case strings.Contains(s, "aws") || strings.Contains(s, "azure") ||
		s == "az" || strings.Contains(s, "gcloud") || strings.Contains(s, "gcp"):
		return PlatformCloud
	default:
		return ""
	}
}
