// Package pipeline implements the Request-to-Execution stages: the
// classifier (A), the combined tool selector (AB), the planner (C), and
// the responder (D), wired together by the orchestrator.
//
// Stages A and AB never fail the request — they degrade to deterministic
// fallbacks and annotate the result. Planning can fail (plan_invalid);
// the responder always produces something.
package pipeline

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/opsconductor/opsconductor/internal/llm"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Classifier is Stage A: raw text to a typed Classification. Four
// sub-tasks run as two parallel pairs against the LLM; any failure is
// substituted with a rule-based fallback, so Classify never errors.
type Classifier struct {
	llm         llm.Client
	callTimeout time.Duration
}

// NewClassifier creates a Stage A classifier.
func NewClassifier(client llm.Client, callTimeout time.Duration) *Classifier {
	if callTimeout <= 0 {
		callTimeout = 1500 * time.Millisecond
	}
	return &Classifier{llm: client, callTimeout: callTimeout}
}

// ambiguityKeywords mark requests whose target can only come from
// conversational context.
var ambiguityKeywords = []string{"current directory", "this server", "this machine", "here", "locally"}

// Classify produces a valid Classification for any input.
func (c *Classifier) Classify(ctx context.Context, userText string) models.Classification {
	var (
		intent     intentResult
		entities   []models.Entity
		confidence float64
		risk       models.RiskLevel
		fallback   bool
	)

	// Pair one: intent and entities. Each sub-task falls back on its
	// own, so a plain group keeps one failure from canceling the other.
	var g errgroup.Group
	g.Go(func() error {
		var err error
		intent, err = c.classifyIntent(ctx, userText)
		return err
	})
	g.Go(func() error {
		var err error
		entities, err = c.extractEntities(ctx, userText)
		return err
	})
	if err := g.Wait(); err != nil {
		fallback = true
		if intent.Category == "" {
			intent = fallbackIntent(userText)
		}
		if entities == nil {
			entities = ExtractEntities(userText)
		}
	}

	// Pair two: confidence and risk.
	var g2 errgroup.Group
	g2.Go(func() error {
		var err error
		confidence, err = c.estimateConfidence(ctx, userText, intent)
		return err
	})
	g2.Go(func() error {
		var err error
		risk, err = c.assessRisk(ctx, userText)
		return err
	})
	if err := g2.Wait(); err != nil {
		fallback = true
		if confidence == 0 {
			confidence = 0.5
		}
		if risk == "" {
			risk = fallbackRisk(userText)
		}
	}

	cls := models.Classification{
		IntentCategory: intent.Category,
		IntentAction:   intent.Action,
		Entities:       entities,
		Confidence:     clamp01(confidence),
		RiskLevel:      risk,
		Fallback:       fallback,
	}

	if len(cls.Entities) == 0 && containsAmbiguity(userText) {
		cls.AmbiguousTarget = true
	}

	log.Debug().
		Str("event", "classified").
		Str("intent", cls.IntentCategory+"/"+cls.IntentAction).
		Int("entities", len(cls.Entities)).
		Bool("fallback", cls.Fallback).
		Msg("stage A complete")

	return cls
}

type intentResult struct {
	Category string `json:"category"`
	Action   string `json:"action"`
}

func (c *Classifier) classifyIntent(ctx context.Context, text string) (intentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var out intentResult
	err := c.llm.CompleteJSON(ctx, llm.Request{
		System: `Classify the IT operations request. Respond with JSON {"category": one of file_operations|service_management|system_info|network|database|communication|other, "action": short verb phrase}.`,
		User:   text,
	}, &out)
	if err != nil {
		return intentResult{}, err
	}
	if out.Category == "" {
		return fallbackIntent(text), nil
	}
	return out, nil
}

func (c *Classifier) extractEntities(ctx context.Context, text string) ([]models.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var out struct {
		Entities []models.Entity `json:"entities"`
	}
	err := c.llm.CompleteJSON(ctx, llm.Request{
		System: `Extract typed entities from the request. Respond with JSON {"entities":[{"type": hostname|ip_address|service|path|port|tag, "value": string}]}. Only include entities literally present.`,
		User:   text,
	}, &out)
	if err != nil {
		return nil, err
	}
	// Merge with the deterministic pass so regex-visible targets are
	// never lost to a sloppy model answer.
	return mergeEntities(out.Entities, ExtractEntities(text)), nil
}

func (c *Classifier) estimateConfidence(ctx context.Context, text string, intent intentResult) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var out struct {
		Confidence float64 `json:"confidence"`
	}
	err := c.llm.CompleteJSON(ctx, llm.Request{
		System: `Rate how confidently the request maps to the intent, 0.0-1.0. Respond with JSON {"confidence": number}.`,
		User:   "request: " + text + "\nintent: " + intent.Category + "/" + intent.Action,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.Confidence, nil
}

func (c *Classifier) assessRisk(ctx context.Context, text string) (models.RiskLevel, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var out struct {
		Risk string `json:"risk_level"`
	}
	err := c.llm.CompleteJSON(ctx, llm.Request{
		System: `Rate the operational risk of executing this request: low (read-only), medium (state change), high (destructive or broad). Respond with JSON {"risk_level": "low"|"medium"|"high"}.`,
		User:   text,
	}, &out)
	if err != nil {
		return "", err
	}
	switch models.RiskLevel(out.Risk) {
	case models.RiskLow, models.RiskMedium, models.RiskHigh:
		return models.RiskLevel(out.Risk), nil
	}
	return fallbackRisk(text), nil
}

// ── Deterministic fallbacks ──────────────────────────────────

var (
	ipv4Re     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	hostnameRe = regexp.MustCompile(`\b(?:on|from|at|against|host)\s+([a-zA-Z][a-zA-Z0-9-]*(?:\.[a-zA-Z0-9-]+)+|[a-zA-Z][a-zA-Z0-9-]{2,}\d+)\b`)
	portRe     = regexp.MustCompile(`\bport\s+(\d{1,5})\b`)
	pathRe     = regexp.MustCompile(`(?:[A-Za-z]:\\|/)[^\s"']+`)
	tagRe      = regexp.MustCompile(`\btag(?:ged)?\s*[:=]?\s*([a-zA-Z0-9_-]+)`)
)

var serviceKeywords = []string{"nginx", "apache", "iis", "sshd", "mysql", "postgres", "redis", "docker", "spooler", "dns", "dhcp"}

// ExtractEntities is the rule-based entity pass: regex plus lexical
// heuristics, no LLM. Also used by the selector's early extraction.
func ExtractEntities(text string) []models.Entity {
	var entities []models.Entity
	seen := make(map[string]bool)
	add := func(t models.EntityType, v string) {
		key := string(t) + ":" + strings.ToLower(v)
		if v != "" && !seen[key] {
			seen[key] = true
			entities = append(entities, models.Entity{Type: t, Value: v})
		}
	}

	for _, m := range ipv4Re.FindAllString(text, -1) {
		add(models.EntityIPAddress, m)
	}
	for _, m := range hostnameRe.FindAllStringSubmatch(text, -1) {
		add(models.EntityHostname, m[1])
	}
	for _, m := range portRe.FindAllStringSubmatch(text, -1) {
		add(models.EntityPort, m[1])
	}
	for _, m := range pathRe.FindAllString(text, -1) {
		add(models.EntityPath, m)
	}
	for _, m := range tagRe.FindAllStringSubmatch(text, -1) {
		add(models.EntityTag, m[1])
	}

	lower := strings.ToLower(text)
	for _, svc := range serviceKeywords {
		if strings.Contains(lower, svc) {
			add(models.EntityService, svc)
		}
	}
	return entities
}

func mergeEntities(primary, secondary []models.Entity) []models.Entity {
	seen := make(map[string]bool)
	var out []models.Entity
	for _, e := range append(primary, secondary...) {
		key := string(e.Type) + ":" + strings.ToLower(e.Value)
		if e.Value == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// fallbackIntent is a keyword table covering the common operator verbs.
func fallbackIntent(text string) intentResult {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "list") && (strings.Contains(lower, "file") || strings.Contains(lower, "director")):
		return intentResult{Category: "file_operations", Action: "list"}
	case strings.Contains(lower, "restart") || strings.Contains(lower, "start") || strings.Contains(lower, "stop"):
		return intentResult{Category: "service_management", Action: "restart"}
	case strings.Contains(lower, "status") || strings.Contains(lower, "check") || strings.Contains(lower, "health"):
		return intentResult{Category: "system_info", Action: "status"}
	case strings.Contains(lower, "scan") || strings.Contains(lower, "port") || strings.Contains(lower, "ping"):
		return intentResult{Category: "network", Action: "probe"}
	case strings.Contains(lower, "query") || strings.Contains(lower, "select") || strings.Contains(lower, "database"):
		return intentResult{Category: "database", Action: "query"}
	default:
		return intentResult{Category: "other", Action: "investigate"}
	}
}

var highRiskKeywords = []string{"delete", "remove", "format", "drop", "shutdown", "reboot", "kill", "wipe"}

func fallbackRisk(text string) models.RiskLevel {
	lower := strings.ToLower(text)
	for _, kw := range highRiskKeywords {
		if strings.Contains(lower, kw) {
			return models.RiskHigh
		}
	}
	if strings.Contains(lower, "restart") || strings.Contains(lower, "stop") || strings.Contains(lower, "update") {
		return models.RiskMedium
	}
	return models.RiskLow
}

func containsAmbiguity(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range ambiguityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
