// Package toolindex implements the durable tool catalog behind the
// selector: minimal index entries with vector and lexical search, full
// tool specs loaded lazily by the planner and executor, and the selector
// telemetry sink with its derived alert view.
package toolindex

import (
	"context"
	"errors"
	"time"

	"github.com/opsconductor/opsconductor/pkg/models"
)

// ErrNotFound is returned when a tool id has no catalog row.
var ErrNotFound = errors.New("tool not found")

// MaxNameLen and MaxDescLen bound the minimal index row fields. Longer
// values are truncated on upsert, never rejected.
const (
	MaxNameLen = 48
	MaxDescLen = 110
	MaxTags    = 6
)

// Entry is the minimal, LLM-visible tool index row. It never carries
// secrets and never the full spec.
type Entry struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	DescShort string          `json:"desc_short"`
	Platform  models.Platform `json:"platform"`
	Tags      []string        `json:"tags,omitempty"`
	CostHint  models.CostHint `json:"cost_hint"`
	Embedding []float64       `json:"-"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ParameterSpec describes one tool parameter in the full spec.
type ParameterSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Required   bool   `json:"required"`
	Secret     bool   `json:"secret,omitempty"`
	Validation string `json:"validation,omitempty"`
	Hint       string `json:"hint,omitempty"`
}

// Descriptor converts the parameter spec into the wire-level descriptor
// surfaced in selections and missing-input errors.
func (p ParameterSpec) Descriptor() models.ParameterDescriptor {
	return models.ParameterDescriptor{
		Name:       p.Name,
		Type:       p.Type,
		Secret:     p.Secret,
		Validation: p.Validation,
		Hint:       p.Hint,
	}
}

// PreferenceScores feed the selector's deterministic scoring. All three
// are in [0,1]; higher complexity means harder to get right.
type PreferenceScores struct {
	Speed      float64 `json:"speed"`
	Accuracy   float64 `json:"accuracy"`
	Complexity float64 `json:"complexity"`
}

// FullSpec is the complete tool specification. Only the planner and
// executor load it; retrieval works on Entry alone.
type FullSpec struct {
	Entry

	ExecutionLocation models.ExecutionLocation `json:"execution_location"`
	ExecutionType     models.ExecutionType     `json:"execution_type"`
	ConnectionType    models.ConnectionType    `json:"connection_type"`
	CommandStrategy   models.CommandStrategy   `json:"command_strategy"`
	ParameterFormat   models.ParameterFormat   `json:"parameter_format"`

	Parameters []ParameterSpec `json:"parameters,omitempty"`

	RequiresApproval    bool     `json:"requires_approval"`
	RequiresCredentials bool     `json:"requires_credentials"`
	RedactPatterns      []string `json:"redact_patterns,omitempty"`

	Preferences PreferenceScores `json:"preferences"`

	// DefaultTimeoutMs and DefaultRetries attach to plan steps built
	// from this tool.
	DefaultTimeoutMs int `json:"default_timeout_ms,omitempty"`
	DefaultRetries   int `json:"default_retries,omitempty"`

	// AlwaysInclude marks the tool as part of the candidate-pool
	// allowlist regardless of retrieval scores (e.g. asset-query).
	AlwaysInclude bool `json:"always_include,omitempty"`
}

// RequiredInputs lists the names of required parameters.
func (s *FullSpec) RequiredInputs() []ParameterSpec {
	var out []ParameterSpec
	for _, p := range s.Parameters {
		if p.Required {
			out = append(out, p)
		}
	}
	return out
}

// ScoredEntry is a search hit with its similarity score.
type ScoredEntry struct {
	Entry
	Score float64 `json:"score"`
}

// TelemetryRow captures one selector call end to end. Recall and
// executed ids are written back later by the executor.
type TelemetryRow struct {
	RequestID              string           `json:"request_id"`
	CatalogSize            int              `json:"catalog_size"`
	CandidatesBeforeBudget int              `json:"candidates_before_budget"`
	RowsSent               int              `json:"rows_sent"`
	BudgetUsedTokens       int              `json:"budget_used_tokens"`
	HeadroomLeftPct        float64          `json:"headroom_left_pct"`
	SelectedIDs            []string         `json:"selected_ids"`
	ExecutedIDs            []string         `json:"executed_ids,omitempty"`
	RecallAtK              float64          `json:"recall_at_k"`
	TruncationEvents       int              `json:"truncation_events"`
	BudgetClamped          bool             `json:"budget_clamped,omitempty"`
	TiebreakAttempted      bool             `json:"tiebreak_attempted,omitempty"`
	TiebreakSucceeded      bool             `json:"tiebreak_succeeded,omitempty"`
	StageTimingsMs         map[string]int64 `json:"stage_timings_ms,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
}

// Alert is one derived telemetry alert.
type Alert struct {
	RequestID string    `json:"request_id"`
	Reason    string    `json:"reason"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Alert thresholds from the telemetry contract: headroom below 15%,
// recall below 0.98, or any truncation event.
const (
	AlertHeadroomPct = 15.0
	AlertRecallMin   = 0.98
)

// deriveAlerts computes the alert view for one telemetry row.
func deriveAlerts(row TelemetryRow) []Alert {
	var alerts []Alert
	if row.HeadroomLeftPct < AlertHeadroomPct {
		alerts = append(alerts, Alert{RequestID: row.RequestID, Reason: "headroom_low", Value: row.HeadroomLeftPct, CreatedAt: row.CreatedAt})
	}
	if row.ExecutedIDs != nil && row.RecallAtK < AlertRecallMin {
		alerts = append(alerts, Alert{RequestID: row.RequestID, Reason: "recall_low", Value: row.RecallAtK, CreatedAt: row.CreatedAt})
	}
	if row.TruncationEvents > 0 {
		alerts = append(alerts, Alert{RequestID: row.RequestID, Reason: "budget_truncation", Value: float64(row.TruncationEvents), CreatedAt: row.CreatedAt})
	}
	return alerts
}

// Store is the tool index contract. Searches are read-mostly; the only
// writer is the catalog backfill job. Tie ordering is (similarity desc,
// id asc) in every implementation.
type Store interface {
	Upsert(ctx context.Context, spec *FullSpec) error
	BulkUpsert(ctx context.Context, specs []*FullSpec) error

	// VectorSearch runs cosine top-K over the index. A non-empty
	// platform pre-filters to {platform, multi-platform}.
	VectorSearch(ctx context.Context, queryVec []float64, platform models.Platform, topK int) ([]ScoredEntry, error)

	// LexicalSearch is a case-insensitive substring/tag match.
	LexicalSearch(ctx context.Context, queryText string, platform models.Platform, topK int) ([]ScoredEntry, error)

	GetFullSpec(ctx context.Context, id string) (*FullSpec, error)
	Count(ctx context.Context) (int, error)

	// AlwaysInclude returns the catalog-declared allowlist entries.
	AlwaysInclude(ctx context.Context) ([]Entry, error)

	LogTelemetry(ctx context.Context, row TelemetryRow) error
	// UpdateTelemetryExecution writes executed ids and recall back onto
	// an existing row.
	UpdateTelemetryExecution(ctx context.Context, requestID string, executedIDs []string, recall float64) error
	RecentAlerts(ctx context.Context, limit int) ([]Alert, error)

	HealthCheck(ctx context.Context) error
	Close()
}

// truncateEntry enforces the minimal-row bounds in place.
func truncateEntry(e *Entry) {
	if len(e.Name) > MaxNameLen {
		e.Name = e.Name[:MaxNameLen]
	}
	if len(e.DescShort) > MaxDescLen {
		e.DescShort = e.DescShort[:MaxDescLen]
	}
	if len(e.Tags) > MaxTags {
		e.Tags = e.Tags[:MaxTags]
	}
}
