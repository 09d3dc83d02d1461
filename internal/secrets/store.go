package secrets

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when no credential exists for (host, purpose).
var ErrNotFound = errors.New("credential not found")

// Record is the persisted shape of a credential: ciphertext only.
// (host, purpose) is unique; purpose names the service the credential
// opens (winrm, ssh, database, ...).
type Record struct {
	Host      string
	Purpose   string
	Username  string
	Blob      []byte
	Domain    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditEntry is one row of the append-only credential access log.
type AuditEntry struct {
	Actor     string    `json:"actor"`
	Host      string    `json:"host"`
	Purpose   string    `json:"purpose"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists credential records and the access log. Implementations:
// MemoryStore (zero-config) and PgStore (production).
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, host, purpose string) (Record, error)
	Delete(ctx context.Context, host, purpose string) error
	// All returns every record; used by bulk re-encryption on rotation.
	All(ctx context.Context) ([]Record, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	AuditLog(ctx context.Context, host string, limit int) ([]AuditEntry, error)

	Close()
}

// MemoryStore is the in-process credential store.
type MemoryStore struct {
	mu    sync.RWMutex
	recs  map[string]Record
	audit []AuditEntry
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func credKey(host, purpose string) string {
	return strings.ToLower(host) + "\x00" + strings.ToLower(purpose)
}

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := credKey(rec.Host, rec.Purpose)
	if existing, ok := s.recs[key]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.recs[key] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, host, purpose string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[credKey(host, purpose)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, host, purpose string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := credKey(host, purpose)
	if _, ok := s.recs[key]; !ok {
		return ErrNotFound
	}
	delete(s.recs, key)
	return nil
}

func (s *MemoryStore) All(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Purpose < out[j].Purpose
	})
	return out, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *MemoryStore) AuditLog(_ context.Context, host string, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AuditEntry
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if host == "" || strings.EqualFold(s.audit[i].Host, host) {
			out = append(out, s.audit[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() {}
