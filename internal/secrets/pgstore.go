package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PgStore persists credentials and the access log in PostgreSQL.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore connects and migrates the secrets schema.
func NewPgStore(ctx context.Context, connURL string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("secrets connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("secrets ping: %w", err)
	}

	s := &PgStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("secrets migrate: %w", err)
	}

	log.Info().Msg("secrets store initialized")
	return s, nil
}

func (s *PgStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS host_credentials (
			host       TEXT NOT NULL,
			purpose    TEXT NOT NULL,
			username   TEXT NOT NULL,
			ciphertext BYTEA NOT NULL,
			domain     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (host, purpose)
		);

		CREATE TABLE IF NOT EXISTS credential_access_log (
			id        BIGSERIAL PRIMARY KEY,
			actor     TEXT NOT NULL,
			host      TEXT NOT NULL,
			purpose   TEXT NOT NULL,
			action    TEXT NOT NULL,
			outcome   TEXT NOT NULL,
			logged_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_cred_access_host ON credential_access_log (host, logged_at);
	`)
	return err
}

func (s *PgStore) Put(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO host_credentials
		(host, purpose, username, ciphertext, domain, created_at, updated_at)
		VALUES (lower($1), lower($2), $3, $4, $5, NOW(), NOW())
		ON CONFLICT (host, purpose) DO UPDATE SET
			username = EXCLUDED.username,
			ciphertext = EXCLUDED.ciphertext,
			domain = EXCLUDED.domain,
			updated_at = NOW()`,
		rec.Host, rec.Purpose, rec.Username, rec.Blob, rec.Domain)
	if err != nil {
		return fmt.Errorf("secrets put: %w", err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, host, purpose string) (Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, `SELECT host, purpose, username, ciphertext, domain, created_at, updated_at
		FROM host_credentials WHERE host = lower($1) AND purpose = lower($2)`,
		host, purpose).Scan(&rec.Host, &rec.Purpose, &rec.Username, &rec.Blob,
		&rec.Domain, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("secrets get: %w", err)
	}
	return rec, nil
}

func (s *PgStore) Delete(ctx context.Context, host, purpose string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM host_credentials
		WHERE host = lower($1) AND purpose = lower($2)`, host, purpose)
	if err != nil {
		return fmt.Errorf("secrets delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) All(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT host, purpose, username, ciphertext, domain, created_at, updated_at
		FROM host_credentials ORDER BY host, purpose`)
	if err != nil {
		return nil, fmt.Errorf("secrets all: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Host, &rec.Purpose, &rec.Username, &rec.Blob,
			&rec.Domain, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("secrets scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PgStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO credential_access_log
		(actor, host, purpose, action, outcome, logged_at)
		VALUES ($1, lower($2), lower($3), $4, $5, $6)`,
		e.Actor, e.Host, e.Purpose, e.Action, e.Outcome, e.Timestamp)
	if err != nil {
		return fmt.Errorf("secrets audit: %w", err)
	}
	return nil
}

func (s *PgStore) AuditLog(ctx context.Context, host string, limit int) ([]AuditEntry, error) {
	query := `SELECT actor, host, purpose, action, outcome, logged_at
		FROM credential_access_log`
	args := []any{}
	if host != "" {
		query += ` WHERE host = lower($1)`
		args = append(args, host)
	}
	query += fmt.Sprintf(` ORDER BY logged_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("secrets audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Actor, &e.Host, &e.Purpose, &e.Action, &e.Outcome, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("secrets audit scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PgStore) Close() {
	s.pool.Close()
}
