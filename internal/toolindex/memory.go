package toolindex

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultTelemetryCap bounds the in-memory telemetry ring.
const DefaultTelemetryCap = 2048

// MemoryStore is the zero-config tool index: brute-force cosine search
// over mutex-guarded maps. Suitable for development, tests, and small
// catalogs; production uses the pgvector store.
type MemoryStore struct {
	mu        sync.RWMutex
	specs     map[string]*FullSpec
	telemetry []TelemetryRow
	telCap    int
}

// NewMemoryStore creates an empty in-memory tool index.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		specs:  make(map[string]*FullSpec),
		telCap: DefaultTelemetryCap,
	}
}

func (s *MemoryStore) Upsert(ctx context.Context, spec *FullSpec) error {
	return s.BulkUpsert(ctx, []*FullSpec{spec})
}

func (s *MemoryStore) BulkUpsert(_ context.Context, specs []*FullSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, spec := range specs {
		cp := *spec
		truncateEntry(&cp.Entry)
		cp.UpdatedAt = now
		s.specs[cp.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) VectorSearch(_ context.Context, queryVec []float64, platform models.Platform, topK int) ([]ScoredEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []ScoredEntry
	for _, spec := range s.specs {
		if !platformMatch(spec.Platform, platform) {
			continue
		}
		if len(spec.Embedding) == 0 {
			continue
		}
		hits = append(hits, ScoredEntry{Entry: spec.Entry, Score: cosine(queryVec, spec.Embedding)})
	}

	sortScored(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *MemoryStore) LexicalSearch(_ context.Context, queryText string, platform models.Platform, topK int) ([]ScoredEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(strings.TrimSpace(queryText))
	terms := strings.Fields(query)

	var hits []ScoredEntry
	for _, spec := range s.specs {
		if !platformMatch(spec.Platform, platform) {
			continue
		}
		score := lexicalScore(spec.Entry, query, terms)
		if score > 0 {
			hits = append(hits, ScoredEntry{Entry: spec.Entry, Score: score})
		}
	}

	sortScored(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *MemoryStore) GetFullSpec(_ context.Context, id string) (*FullSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spec, ok := s.specs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *spec
	return &cp, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.specs), nil
}

func (s *MemoryStore) AlwaysInclude(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, spec := range s.specs {
		if spec.AlwaysInclude {
			out = append(out, spec.Entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) LogTelemetry(_ context.Context, row TelemetryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	s.telemetry = append(s.telemetry, row)
	if len(s.telemetry) > s.telCap {
		s.telemetry = s.telemetry[len(s.telemetry)-s.telCap:]
	}
	return nil
}

func (s *MemoryStore) UpdateTelemetryExecution(_ context.Context, requestID string, executedIDs []string, recall float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.telemetry) - 1; i >= 0; i-- {
		if s.telemetry[i].RequestID == requestID {
			s.telemetry[i].ExecutedIDs = executedIDs
			s.telemetry[i].RecallAtK = recall
			return nil
		}
	}
	log.Warn().Str("request_id", requestID).Msg("telemetry row not found for execution write-back")
	return nil
}

// Telemetry returns the most recent telemetry row for a request id.
func (s *MemoryStore) Telemetry(requestID string) (TelemetryRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.telemetry) - 1; i >= 0; i-- {
		if s.telemetry[i].RequestID == requestID {
			return s.telemetry[i], true
		}
	}
	return TelemetryRow{}, false
}

func (s *MemoryStore) RecentAlerts(_ context.Context, limit int) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var alerts []Alert
	for i := len(s.telemetry) - 1; i >= 0 && len(alerts) < limit; i-- {
		alerts = append(alerts, deriveAlerts(s.telemetry[i])...)
	}
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// platformMatch applies the retrieval pre-filter: an empty filter matches
// everything, otherwise the entry's platform must equal the filter or be
// multi-platform.
func platformMatch(entryPlatform, filter models.Platform) bool {
	if filter == "" {
		return true
	}
	return entryPlatform == filter || entryPlatform == models.PlatformMulti
}

// sortScored orders hits by (score desc, id asc) — the stable tie order
// every store implementation must honor.
func sortScored(hits []ScoredEntry) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

// lexicalScore grades a case-insensitive substring/tag match. Name hits
// outrank description hits outrank tag hits.
func lexicalScore(e Entry, query string, terms []string) float64 {
	name := strings.ToLower(e.Name)
	desc := strings.ToLower(e.DescShort)

	if name == query {
		return 1.0
	}

	score := 0.0
	for _, term := range terms {
		switch {
		case strings.Contains(name, term):
			score += 0.5
		case strings.Contains(desc, term):
			score += 0.25
		default:
			for _, tag := range e.Tags {
				if strings.Contains(strings.ToLower(tag), term) {
					score += 0.15
					break
				}
			}
		}
	}
	if len(terms) == 0 {
		return 0
	}
	return math.Min(score/float64(len(terms)), 0.99)
}

// cosine computes cosine similarity between two vectors. Mismatched
// lengths score zero.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
