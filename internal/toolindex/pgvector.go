package toolindex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/rs/zerolog/log"
)

// PgStore implements Store on PostgreSQL with the pgvector extension.
// The minimal index rows live in tool_index, full specs in tool_specs
// (JSONB), selector telemetry in selector_telemetry (append-only).
type PgStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgStore connects, pings, and migrates the tool index schema.
func NewPgStore(ctx context.Context, connURL string, dimensions int) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("toolindex connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("toolindex ping: %w", err)
	}

	s := &PgStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("toolindex migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("pgvector tool index initialized")
	return s, nil
}

func (s *PgStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS tool_index (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			desc_short     TEXT NOT NULL DEFAULT '',
			platform       TEXT NOT NULL,
			tags           TEXT[] NOT NULL DEFAULT '{}',
			cost_hint      TEXT NOT NULL DEFAULT 'med',
			always_include BOOLEAN NOT NULL DEFAULT FALSE,
			embedding      vector(%d) NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_tool_index_name ON tool_index (name);
		CREATE INDEX IF NOT EXISTS idx_tool_index_platform ON tool_index (platform);
		CREATE INDEX IF NOT EXISTS idx_tool_index_updated ON tool_index (updated_at);
		CREATE INDEX IF NOT EXISTS idx_tool_index_tags ON tool_index USING GIN (tags);

		CREATE TABLE IF NOT EXISTS tool_specs (
			id         TEXT PRIMARY KEY REFERENCES tool_index(id) ON DELETE CASCADE,
			spec       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS selector_telemetry (
			request_id               TEXT PRIMARY KEY,
			catalog_size             INT NOT NULL,
			candidates_before_budget INT NOT NULL,
			rows_sent                INT NOT NULL,
			budget_used_tokens       INT NOT NULL,
			headroom_left_pct        DOUBLE PRECISION NOT NULL,
			selected_ids             TEXT[] NOT NULL DEFAULT '{}',
			executed_ids             TEXT[],
			recall_at_k              DOUBLE PRECISION NOT NULL DEFAULT 0,
			truncation_events        INT NOT NULL DEFAULT 0,
			budget_clamped           BOOLEAN NOT NULL DEFAULT FALSE,
			tiebreak_attempted       BOOLEAN NOT NULL DEFAULT FALSE,
			tiebreak_succeeded       BOOLEAN NOT NULL DEFAULT FALSE,
			stage_timings            JSONB NOT NULL DEFAULT '{}',
			created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, s.dimensions)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return err
	}

	// HNSW preferred; older pgvector builds only ship IVFFLAT.
	_, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tool_index_embedding
		ON tool_index USING hnsw (embedding vector_cosine_ops)`)
	if err != nil {
		log.Warn().Err(err).Msg("HNSW index unavailable, falling back to IVFFLAT")
		_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tool_index_embedding
			ON tool_index USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`)
	}
	return err
}

func (s *PgStore) Upsert(ctx context.Context, spec *FullSpec) error {
	return s.BulkUpsert(ctx, []*FullSpec{spec})
}

func (s *PgStore) BulkUpsert(ctx context.Context, specs []*FullSpec) error {
	if len(specs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("toolindex begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, spec := range specs {
		cp := *spec
		truncateEntry(&cp.Entry)
		if len(cp.Embedding) == 0 {
			return fmt.Errorf("toolindex upsert %s: nil embedding", cp.ID)
		}

		_, err := tx.Exec(ctx, `INSERT INTO tool_index
			(id, name, desc_short, platform, tags, cost_hint, always_include, embedding, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				desc_short = EXCLUDED.desc_short,
				platform = EXCLUDED.platform,
				tags = EXCLUDED.tags,
				cost_hint = EXCLUDED.cost_hint,
				always_include = EXCLUDED.always_include,
				embedding = EXCLUDED.embedding,
				updated_at = NOW()`,
			cp.ID, cp.Name, cp.DescShort, string(cp.Platform), cp.Tags,
			string(cp.CostHint), cp.AlwaysInclude, vectorLiteral(cp.Embedding))
		if err != nil {
			return fmt.Errorf("toolindex upsert %s: %w", cp.ID, err)
		}

		specJSON, err := json.Marshal(&cp)
		if err != nil {
			return fmt.Errorf("toolindex marshal %s: %w", cp.ID, err)
		}
		_, err = tx.Exec(ctx, `INSERT INTO tool_specs (id, spec, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (id) DO UPDATE SET spec = EXCLUDED.spec, updated_at = NOW()`,
			cp.ID, specJSON)
		if err != nil {
			return fmt.Errorf("toolindex spec upsert %s: %w", cp.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PgStore) VectorSearch(ctx context.Context, queryVec []float64, platform models.Platform, topK int) ([]ScoredEntry, error) {
	query := `SELECT id, name, desc_short, platform, tags, cost_hint, updated_at,
		1 - (embedding <=> $1) AS score
		FROM tool_index`
	args := []any{vectorLiteral(queryVec)}

	if platform != "" {
		query += ` WHERE platform = ANY($2)`
		args = append(args, []string{string(platform), string(models.PlatformMulti)})
	}
	query += fmt.Sprintf(` ORDER BY score DESC, id ASC LIMIT %d`, topK)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("toolindex vector search: %w", err)
	}
	defer rows.Close()

	return scanScored(rows)
}

func (s *PgStore) LexicalSearch(ctx context.Context, queryText string, platform models.Platform, topK int) ([]ScoredEntry, error) {
	pattern := "%" + strings.TrimSpace(queryText) + "%"

	// Name hits outrank description hits outrank tag hits; ties by id.
	query := `SELECT id, name, desc_short, platform, tags, cost_hint, updated_at,
		CASE
			WHEN name ILIKE $1 THEN 0.9
			WHEN desc_short ILIKE $1 THEN 0.6
			ELSE 0.3
		END AS score
		FROM tool_index
		WHERE (name ILIKE $1 OR desc_short ILIKE $1
			OR EXISTS (SELECT 1 FROM unnest(tags) t WHERE t ILIKE $1))`
	args := []any{pattern}

	if platform != "" {
		query += ` AND platform = ANY($2)`
		args = append(args, []string{string(platform), string(models.PlatformMulti)})
	}
	query += fmt.Sprintf(` ORDER BY score DESC, id ASC LIMIT %d`, topK)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("toolindex lexical search: %w", err)
	}
	defer rows.Close()

	return scanScored(rows)
}

func (s *PgStore) GetFullSpec(ctx context.Context, id string) (*FullSpec, error) {
	var specJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT spec FROM tool_specs WHERE id = $1`, id).Scan(&specJSON)
	if err != nil {
		return nil, ErrNotFound
	}
	var spec FullSpec
	if err := json.Unmarshal(specJSON, &spec); err != nil {
		return nil, fmt.Errorf("toolindex unmarshal spec %s: %w", id, err)
	}
	return &spec, nil
}

func (s *PgStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tool_index`).Scan(&count)
	return count, err
}

func (s *PgStore) AlwaysInclude(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, desc_short, platform, tags, cost_hint, updated_at, 1.0
		FROM tool_index WHERE always_include ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("toolindex always-include: %w", err)
	}
	defer rows.Close()

	scored, err := scanScored(rows)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(scored))
	for i, h := range scored {
		entries[i] = h.Entry
	}
	return entries, nil
}

func (s *PgStore) LogTelemetry(ctx context.Context, row TelemetryRow) error {
	timings, _ := json.Marshal(row.StageTimingsMs)
	_, err := s.pool.Exec(ctx, `INSERT INTO selector_telemetry
		(request_id, catalog_size, candidates_before_budget, rows_sent,
		 budget_used_tokens, headroom_left_pct, selected_ids, recall_at_k,
		 truncation_events, budget_clamped, tiebreak_attempted,
		 tiebreak_succeeded, stage_timings)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (request_id) DO NOTHING`,
		row.RequestID, row.CatalogSize, row.CandidatesBeforeBudget, row.RowsSent,
		row.BudgetUsedTokens, row.HeadroomLeftPct, row.SelectedIDs, row.RecallAtK,
		row.TruncationEvents, row.BudgetClamped, row.TiebreakAttempted,
		row.TiebreakSucceeded, timings)
	if err != nil {
		return fmt.Errorf("toolindex telemetry insert: %w", err)
	}
	return nil
}

func (s *PgStore) UpdateTelemetryExecution(ctx context.Context, requestID string, executedIDs []string, recall float64) error {
	_, err := s.pool.Exec(ctx, `UPDATE selector_telemetry
		SET executed_ids = $2, recall_at_k = $3 WHERE request_id = $1`,
		requestID, executedIDs, recall)
	if err != nil {
		return fmt.Errorf("toolindex telemetry update: %w", err)
	}
	return nil
}

func (s *PgStore) RecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	rows, err := s.pool.Query(ctx, `SELECT request_id, catalog_size,
		candidates_before_budget, rows_sent, budget_used_tokens,
		headroom_left_pct, selected_ids, executed_ids, recall_at_k,
		truncation_events, created_at
		FROM selector_telemetry ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("toolindex alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var row TelemetryRow
		if err := rows.Scan(&row.RequestID, &row.CatalogSize,
			&row.CandidatesBeforeBudget, &row.RowsSent, &row.BudgetUsedTokens,
			&row.HeadroomLeftPct, &row.SelectedIDs, &row.ExecutedIDs,
			&row.RecallAtK, &row.TruncationEvents, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("toolindex alerts scan: %w", err)
		}
		alerts = append(alerts, deriveAlerts(row)...)
	}
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, rows.Err()
}

func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) Close() {
	s.pool.Close()
}

type pgRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanScored(rows pgRows) ([]ScoredEntry, error) {
	var hits []ScoredEntry
	for rows.Next() {
		var h ScoredEntry
		var platform, cost string
		if err := rows.Scan(&h.ID, &h.Name, &h.DescShort, &platform, &h.Tags,
			&cost, &h.UpdatedAt, &h.Score); err != nil {
			return nil, fmt.Errorf("toolindex scan: %w", err)
		}
		h.Platform = models.Platform(platform)
		h.CostHint = models.CostHint(cost)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// vectorLiteral converts a float slice to pgvector's text format:
// [1.0,2.0,3.0]
func vectorLiteral(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sb.String()
}
