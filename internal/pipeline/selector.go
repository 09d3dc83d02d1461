package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opsconductor/opsconductor/internal/assets"
	"github.com/opsconductor/opsconductor/internal/embeddings"
	"github.com/opsconductor/opsconductor/internal/llm"
	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/secrets"
	"github.com/opsconductor/opsconductor/internal/toolindex"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Retrieval fan-out sizes: vector and lexical searches run in parallel
// and are union-deduped before the budget slice.
const (
	vectorTopK  = 120
	lexicalTopK = 60
)

// SelectorContext carries optional conversational context into a
// selection: the asset the operator is already working on, or a platform
// they have pinned.
type SelectorContext struct {
	CurrentAsset string
	Platform     models.Platform
}

// SelectorOptions tune the selector.
type SelectorOptions struct {
	Budget             TokenBudget
	AmbiguityMarginPct float64
	Mode               models.PreferenceMode
	TiebreakModel      string
	TiebreakTimeout    time.Duration
	CacheTTL           time.Duration
	CacheMaxEntries    int
}

// Selector is Stage AB: asset enrichment, platform filtering, budgeted
// retrieval, deterministic scoring, ambiguity detection, conditional LLM
// tie-break, and additional-input calculation, emitted as a SelectionV1.
// Stateless per call; the telemetry row is the only persistent effect.
type Selector struct {
	index    toolindex.Store
	embedder *embeddings.Service
	assets   *assets.Facade
	broker   *secrets.Broker
	llm      llm.Client
	metrics  *metrics.Metrics
	opts     SelectorOptions
	cache    *searchCache
}

// NewSelector wires a Stage AB selector.
func NewSelector(index toolindex.Store, embedder *embeddings.Service, facade *assets.Facade,
	broker *secrets.Broker, client llm.Client, m *metrics.Metrics, opts SelectorOptions) *Selector {

	if opts.AmbiguityMarginPct <= 0 {
		opts.AmbiguityMarginPct = 10
	}
	if opts.Mode == "" {
		opts.Mode = models.PreferBalanced
	}
	if opts.TiebreakTimeout <= 0 {
		opts.TiebreakTimeout = 3 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if opts.CacheMaxEntries <= 0 {
		opts.CacheMaxEntries = 512
	}

	s := &Selector{
		index:    index,
		embedder: embedder,
		assets:   facade,
		broker:   broker,
		llm:      client,
		metrics:  m,
		opts:     opts,
	}
	s.cache = newSearchCache(opts.CacheTTL, opts.CacheMaxEntries, func(n int) {
		m.SelectorCacheEntries.Set(float64(n))
	})
	m.SelectorCacheTTL.Set(opts.CacheTTL.Seconds())
	return s
}

// Select runs the full Stage AB algorithm.
func (s *Selector) Select(ctx context.Context, userText string, cls models.Classification, sctx SelectorContext) models.SelectionV1 {
	start := time.Now()
	requestID := uuid.NewString()
	timings := make(map[string]int64)

	sel := models.SelectionV1{RequestID: requestID, NextStage: "plan"}

	// 1. Early entity extraction: never blocks on the LLM.
	entities := cls.Entities
	if len(entities) == 0 {
		entities = ExtractEntities(userText)
	}

	// 2-3. Asset enrichment and platform filter.
	enrichStart := time.Now()
	s.enrich(ctx, &sel, entities, cls, sctx)
	timings["enrich_ms"] = time.Since(enrichStart).Milliseconds()

	// 4. Token budget.
	maxRows, clamped := s.opts.Budget.MaxRows()

	// 5. Candidate retrieval.
	retrStart := time.Now()
	candidates, beforeBudget, truncated, degraded := s.retrieve(ctx, userText, sel.PlatformFilter, maxRows)
	timings["retrieve_ms"] = time.Since(retrStart).Milliseconds()
	if degraded {
		sel.Degraded = true
	}

	catalogSize, _ := s.index.Count(ctx)

	if len(candidates) == 0 {
		sel.ErrorCode = models.CodeNoCandidates
		sel.ReadyForExecution = false
		sel.NextStage = "respond"
		sel.AdditionalInputsNeeded = []models.ParameterDescriptor{}
		// A fallback recommendation from lexical search alone, in case
		// only the vector side was down.
		if lex, err := s.index.LexicalSearch(ctx, userText, "", 5); err == nil {
			for _, hit := range lex {
				sel.FallbackRecommendation = append(sel.FallbackRecommendation, hit.ID)
			}
			if len(lex) > 0 {
				sel.ErrorCode = models.CodeNoToolsFound
			}
		}
		s.logTelemetry(ctx, requestID, catalogSize, beforeBudget, 0, clamped, truncated, false, false, nil, timings)
		s.metrics.SelectorRequestsTotal.WithLabelValues("error", "pipeline").Inc()
		return sel
	}

	// 6. Deterministic scoring over lazily loaded specs.
	scoreStart := time.Now()
	specs := s.loadSpecs(ctx, candidates)
	scored := scoreCandidates(candidates, specs, s.opts.Mode)
	timings["score_ms"] = time.Since(scoreStart).Milliseconds()

	// 7-8. Ambiguity detection and conditional tie-break.
	tiebreakAttempted, tiebreakSucceeded := false, false
	winner := scored[0]
	var rationale string
	if isAmbiguous(scored, s.opts.AmbiguityMarginPct) {
		tiebreakAttempted = true
		if picked, why, err := s.tiebreak(ctx, userText, scored); err == nil {
			winner = picked
			rationale = why
			tiebreakSucceeded = true
		} else {
			log.Warn().Err(err).Msg("tie-break failed, keeping deterministic winner")
		}
	}
	if rationale == "" {
		rationale = fmt.Sprintf("top deterministic score %.3f (%s mode)", winner.score, s.opts.Mode)
	}

	sel.Selected = s.emitSelection(winner, scored, &sel, rationale)

	// 9. Additional inputs.
	sel.AdditionalInputsNeeded = s.additionalInputs(ctx, sel, specs, entities)
	if sel.MissingTargetInfo {
		sel.AdditionalInputsNeeded = ensureDescriptor(sel.AdditionalInputsNeeded, models.ParameterDescriptor{
			Name: "target_asset", Type: "string",
			Hint: "hostname or IP of the asset to run against",
		})
	}

	// 10. Assembly.
	sel.ReadyForExecution = len(sel.AdditionalInputsNeeded) == 0
	if !sel.ReadyForExecution {
		sel.NextStage = "respond"
	}

	// 11. Telemetry: written before the selection returns.
	rowsSent := len(candidates)
	s.logTelemetry(ctx, requestID, catalogSize, beforeBudget, rowsSent, clamped, truncated,
		tiebreakAttempted, tiebreakSucceeded, sel.ToolIDs(), timings)

	status := "success"
	if sel.Degraded {
		status = "degraded"
	}
	s.metrics.SelectorRequestsTotal.WithLabelValues(status, "pipeline").Inc()
	s.metrics.SelectorRequestDuration.Observe(time.Since(start).Seconds())

	return sel
}

// enrich resolves discovered hosts through the asset façade and derives
// the platform filter. Façade outage degrades to no filter.
func (s *Selector) enrich(ctx context.Context, sel *models.SelectionV1, entities []models.Entity, cls models.Classification, sctx SelectorContext) {
	var hosts []string
	for _, e := range entities {
		if e.Type == models.EntityHostname || e.Type == models.EntityIPAddress {
			hosts = append(hosts, e.Value)
		}
	}
	if len(hosts) == 0 && sctx.CurrentAsset != "" {
		hosts = []string{sctx.CurrentAsset}
	}

	for _, host := range hosts {
		profile, err := s.assets.ConnectionProfile(ctx, host)
		if err != nil {
			if errors.Is(err, assets.ErrUnavailable) {
				sel.Degraded = true
				log.Warn().Str("host", host).Msg("asset facade unavailable, proceeding without platform filter")
			}
			continue
		}
		if !profile.Found {
			sel.AssetNotFound = true
			continue
		}

		sel.AssetMetadata = &models.AssetMetadata{
			Hostname: profile.Hostname,
			IP:       profile.IP,
			OSType:   profile.OS,
			Platform: profile.Platform,
			AssetID:  profile.AssetID,
		}
		if profile.DefaultService != nil {
			sel.AssetMetadata.Port = profile.DefaultService.Port
			sel.AssetMetadata.IsSecure = profile.DefaultService.IsSecure
			sel.AssetMetadata.Domain = profile.DefaultService.Domain
			sel.AssetMetadata.ServiceID = profile.DefaultService.Name
		}
		sel.PlatformFilter = profile.Platform
		sel.AssetNotFound = false
		return
	}

	// No resolvable target. Honor an explicit platform pin, otherwise
	// force clarification.
	if sctx.Platform != "" {
		sel.PlatformFilter = sctx.Platform
		return
	}
	if len(hosts) == 0 || cls.AmbiguousTarget {
		sel.MissingTargetInfo = true
	}
}

// retrieve runs vector and lexical searches in parallel, union-dedupes
// preserving the higher-ranked source position with id tie-breaks,
// prepends the always-include allowlist, and slices to maxRows.
func (s *Selector) retrieve(ctx context.Context, userText string, platform models.Platform, maxRows int) (candidates []toolindex.ScoredEntry, beforeBudget int, truncated bool, degraded bool) {
	var vecHits, lexHits []toolindex.ScoredEntry

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		queryVec, err := s.embedder.EmbedOne(gctx, userText)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		vecHits, err = s.index.VectorSearch(gctx, queryVec, platform, vectorTopK)
		return err
	})
	g.Go(func() error {
		var err error
		lexHits, err = s.index.LexicalSearch(gctx, userText, platform, lexicalTopK)
		return err
	})
	if err := g.Wait(); err != nil {
		degraded = true
		s.metrics.SelectorDBErrorsTotal.Inc()
		log.Warn().Err(err).Msg("retrieval degraded")
	}

	merged := unionDedupe(vecHits, lexHits)
	beforeBudget = len(merged)

	// Always-include tools go first so the budget can never evict them.
	if always, err := s.index.AlwaysInclude(ctx); err == nil {
		merged = prependAlways(always, merged)
	}

	if len(merged) > maxRows {
		merged = merged[:maxRows]
		truncated = true
		s.metrics.BudgetTruncationsTotal.Inc()
	}
	return merged, beforeBudget, truncated, degraded
}

// unionDedupe merges the two ranked lists. A tool seen in both keeps its
// better (earlier) position; interleave order walks both lists in rank
// order, id ascending when ranks tie.
func unionDedupe(primary, secondary []toolindex.ScoredEntry) []toolindex.ScoredEntry {
	seen := make(map[string]bool)
	out := make([]toolindex.ScoredEntry, 0, len(primary)+len(secondary))

	i, j := 0, 0
	for i < len(primary) || j < len(secondary) {
		var next toolindex.ScoredEntry
		switch {
		case i >= len(primary):
			next = secondary[j]
			j++
		case j >= len(secondary):
			next = primary[i]
			i++
		case primary[i].Score > secondary[j].Score ||
			(primary[i].Score == secondary[j].Score && primary[i].ID <= secondary[j].ID):
			next = primary[i]
			i++
		default:
			next = secondary[j]
			j++
		}
		if !seen[next.ID] {
			seen[next.ID] = true
			out = append(out, next)
		}
	}
	return out
}

func prependAlways(always []toolindex.Entry, merged []toolindex.ScoredEntry) []toolindex.ScoredEntry {
	out := make([]toolindex.ScoredEntry, 0, len(always)+len(merged))
	seen := make(map[string]bool)
	for _, e := range always {
		seen[e.ID] = true
		out = append(out, toolindex.ScoredEntry{Entry: e, Score: 1.0})
	}
	for _, hit := range merged {
		if !seen[hit.ID] {
			out = append(out, hit)
		}
	}
	return out
}

func (s *Selector) loadSpecs(ctx context.Context, candidates []toolindex.ScoredEntry) map[string]*toolindex.FullSpec {
	specs := make(map[string]*toolindex.FullSpec, len(candidates))
	for _, cand := range candidates {
		spec, err := s.index.GetFullSpec(ctx, cand.ID)
		if err != nil {
			continue
		}
		specs[cand.ID] = spec
	}
	return specs
}

// tiebreakResponse is the strict JSON schema for the tie-break call.
type tiebreakResponse struct {
	Intent   string          `json:"intent"`
	Entities []models.Entity `json:"entities"`
	Select   []struct {
		ID  string `json:"id"`
		Why string `json:"why"`
	} `json:"select"`
	Confidence float64          `json:"confidence"`
	RiskLevel  models.RiskLevel `json:"risk_level"`
	Reasoning  string           `json:"reasoning"`
}

// tiebreak asks the LLM to choose among near-tied candidates using only
// their minimal index rows. On timeout or invalid JSON the deterministic
// winner stands.
func (s *Selector) tiebreak(ctx context.Context, userText string, scored []scoredCandidate) (scoredCandidate, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.TiebreakTimeout)
	defer cancel()

	// Only the contenders within the margin go into the prompt.
	contenders := scored
	if len(contenders) > 8 {
		contenders = contenders[:8]
	}
	rows := make([]toolindex.Entry, len(contenders))
	byID := make(map[string]scoredCandidate, len(contenders))
	for i, c := range contenders {
		rows[i] = c.entry.Entry
		byID[c.entry.ID] = c
	}
	rowsJSON, _ := json.Marshal(rows)

	var resp tiebreakResponse
	err := s.llm.CompleteJSON(ctx, llm.Request{
		Model:  s.opts.TiebreakModel,
		System: `You select the best tool for an IT operations request. Respond with JSON {"intent": string, "entities": [{"type": string, "value": string}], "select": [{"id": string, "why": string}], "confidence": number, "risk_level": "low"|"medium"|"high", "reasoning": string}. Select exactly one tool id from the provided list.`,
		User:   "request: " + userText + "\ntools: " + string(rowsJSON),
	}, &resp)
	if err != nil {
		return scoredCandidate{}, "", err
	}
	if len(resp.Select) == 0 {
		return scoredCandidate{}, "", errors.New("tie-break selected nothing")
	}
	picked, ok := byID[resp.Select[0].ID]
	if !ok {
		return scoredCandidate{}, "", fmt.Errorf("tie-break picked unknown id %q", resp.Select[0].ID)
	}
	return picked, resp.Select[0].Why, nil
}

// emitSelection builds the selected-tool list. With a resolved target a
// single winner suffices; with no target the top tool per platform is
// offered so clarification can show the real choices.
func (s *Selector) emitSelection(winner scoredCandidate, scored []scoredCandidate, sel *models.SelectionV1, rationale string) []models.SelectedTool {
	selected := []models.SelectedTool{{ID: winner.entry.ID, Rationale: rationale}}
	if !sel.MissingTargetInfo {
		return selected
	}

	seenPlatform := map[models.Platform]bool{winner.entry.Platform: true}
	for _, c := range scored {
		if len(selected) >= 3 {
			break
		}
		if c.entry.ID == winner.entry.ID || seenPlatform[c.entry.Platform] {
			continue
		}
		seenPlatform[c.entry.Platform] = true
		selected = append(selected, models.SelectedTool{
			ID:        c.entry.ID,
			Rationale: fmt.Sprintf("candidate for %s targets", c.entry.Platform),
		})
	}
	return selected
}

// additionalInputs diffs each selected tool's required parameters
// against what the context already resolved: the host from enrichment,
// credentials from broker availability, free parameters from entities.
func (s *Selector) additionalInputs(ctx context.Context, sel models.SelectionV1, specs map[string]*toolindex.FullSpec, entities []models.Entity) []models.ParameterDescriptor {
	resolved := make(map[string]bool)
	if sel.AssetMetadata != nil {
		resolved["target_host"] = true
		resolved["target_hosts"] = true
	}
	for _, e := range entities {
		switch e.Type {
		case models.EntityPath:
			resolved["path"] = true
		case models.EntityService:
			resolved["service"] = true
		case models.EntityPort:
			resolved["port"] = true
		case models.EntityTag:
			resolved["filters"] = true
		}
	}

	credsAvailable := false
	if sel.AssetMetadata != nil && s.broker != nil {
		purpose := assets.CredentialPurpose(models.ConnectionProfile{
			Platform:       sel.AssetMetadata.Platform,
			DefaultService: &models.AssetService{Name: sel.AssetMetadata.ServiceID},
		})
		host := sel.AssetMetadata.Hostname
		if host == "" {
			host = sel.AssetMetadata.IP
		}
		if _, err := s.broker.Lookup(ctx, "selector", host, purpose); err == nil {
			credsAvailable = true
		}
	}

	var needed []models.ParameterDescriptor
	for _, st := range sel.Selected {
		spec, ok := specs[st.ID]
		if !ok {
			continue
		}
		for _, p := range spec.RequiredInputs() {
			if resolved[p.Name] {
				continue
			}
			if (p.Name == "username" || p.Name == "password") && credsAvailable {
				continue
			}
			needed = ensureDescriptor(needed, p.Descriptor())
		}
	}
	if needed == nil {
		needed = []models.ParameterDescriptor{}
	}
	return needed
}

func ensureDescriptor(list []models.ParameterDescriptor, d models.ParameterDescriptor) []models.ParameterDescriptor {
	for _, existing := range list {
		if existing.Name == d.Name {
			return list
		}
	}
	return append(list, d)
}

func (s *Selector) logTelemetry(ctx context.Context, requestID string, catalogSize, beforeBudget, rowsSent int,
	clamped, truncated, tiebreakAttempted, tiebreakSucceeded bool, selectedIDs []string, timings map[string]int64) {

	truncations := 0
	if truncated {
		truncations = 1
	}
	row := toolindex.TelemetryRow{
		RequestID:              requestID,
		CatalogSize:            catalogSize,
		CandidatesBeforeBudget: beforeBudget,
		RowsSent:               rowsSent,
		BudgetUsedTokens:       s.opts.Budget.BasePrompt + rowsSent*s.opts.Budget.PerRow,
		SelectedIDs:            selectedIDs,
		TruncationEvents:       truncations,
		BudgetClamped:          clamped,
		TiebreakAttempted:      tiebreakAttempted,
		TiebreakSucceeded:      tiebreakSucceeded,
		StageTimingsMs:         timings,
		CreatedAt:              time.Now().UTC(),
	}
	row.HeadroomLeftPct = s.opts.Budget.Headroom(row.BudgetUsedTokens)

	if err := s.index.LogTelemetry(ctx, row); err != nil {
		s.metrics.SelectorDBErrorsTotal.Inc()
		log.Warn().Err(err).Msg("telemetry write failed")
	}
}

// Search serves the public selector search endpoint with the bounded
// TTL cache. It performs retrieval only — no scoring, no LLM.
func (s *Selector) Search(ctx context.Context, query string, platform models.Platform, k int) (hits []toolindex.ScoredEntry, fromCache bool, err error) {
	key := query + "\x00" + string(platform) + "\x00" + fmt.Sprint(k)
	if cached, ok := s.cache.get(key); ok {
		s.metrics.SelectorRequestsTotal.WithLabelValues("success", "cache").Inc()
		return cached, true, nil
	}

	queryVec, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, false, err
	}
	vecHits, err := s.index.VectorSearch(ctx, queryVec, platform, k)
	if err != nil {
		s.metrics.SelectorDBErrorsTotal.Inc()
		return nil, false, err
	}
	lexHits, lexErr := s.index.LexicalSearch(ctx, query, platform, k)
	if lexErr == nil {
		vecHits = unionDedupe(vecHits, lexHits)
	}
	if len(vecHits) > k {
		vecHits = vecHits[:k]
	}

	s.cache.put(key, vecHits)
	s.metrics.SelectorRequestsTotal.WithLabelValues("success", "api").Inc()
	return vecHits, false, nil
}
