package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Credential is the decrypted form. It only ever crosses to in-process
// callers; the HTTP layer never serializes the password outward except
// on the internal-only lookup route.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain,omitempty"`
}

// Broker is the credential broker. All operations are audit-logged; the
// plaintext exists only inside Encrypt/Decrypt call frames.
type Broker struct {
	store    Store
	cipher   *Cipher
	redactor *Redactor
}

// NewBroker creates a broker over the given store and master key.
func NewBroker(store Store, masterKey string) (*Broker, error) {
	c, err := NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("secrets broker: %w", err)
	}
	return &Broker{store: store, cipher: c, redactor: NewRedactor(nil)}, nil
}

// Redactor exposes the broker's redactor for outbound payload rewriting.
func (b *Broker) Redactor() *Redactor { return b.redactor }

// sealedCredential is the encrypted JSON payload. Username and domain are
// stored alongside in cleartext columns for listing; the password only
// lives inside the blob.
type sealedCredential struct {
	Password string `json:"password"`
}

// Upsert encrypts and stores a credential keyed by (host, purpose).
func (b *Broker) Upsert(ctx context.Context, actor, host, purpose, username, password, domain string) error {
	plain, err := json.Marshal(sealedCredential{Password: password})
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	blob, err := b.cipher.Encrypt(plain)
	if err != nil {
		b.audit(ctx, actor, host, purpose, "upsert", "error")
		return fmt.Errorf("encrypt credential: %w", err)
	}

	rec := Record{Host: host, Purpose: purpose, Username: username, Blob: blob, Domain: domain}
	if err := b.store.Put(ctx, rec); err != nil {
		b.audit(ctx, actor, host, purpose, "upsert", "error")
		return err
	}
	b.audit(ctx, actor, host, purpose, "upsert", "success")
	return nil
}

// Lookup decrypts and returns the credential for (host, purpose). Every
// read is audited with its outcome, including misses and decrypt failures.
func (b *Broker) Lookup(ctx context.Context, actor, host, purpose string) (Credential, error) {
	rec, err := b.store.Get(ctx, host, purpose)
	if err != nil {
		b.audit(ctx, actor, host, purpose, "lookup", "not_found")
		return Credential{}, err
	}

	plain, err := b.cipher.Decrypt(rec.Blob)
	if err != nil {
		b.audit(ctx, actor, host, purpose, "lookup", "decrypt_failed")
		return Credential{}, ErrDecryptFailed
	}
	var sealed sealedCredential
	if err := json.Unmarshal(plain, &sealed); err != nil {
		b.audit(ctx, actor, host, purpose, "lookup", "decrypt_failed")
		return Credential{}, ErrDecryptFailed
	}

	b.audit(ctx, actor, host, purpose, "lookup", "success")
	return Credential{Username: rec.Username, Password: sealed.Password, Domain: rec.Domain}, nil
}

// Delete tombstones a credential.
func (b *Broker) Delete(ctx context.Context, actor, host, purpose string) error {
	err := b.store.Delete(ctx, host, purpose)
	outcome := "success"
	if err != nil {
		outcome = "not_found"
	}
	b.audit(ctx, actor, host, purpose, "delete", outcome)
	return err
}

// Rotate re-encrypts every stored credential under a new master key.
// Reads keep succeeding under both generations until the bulk pass
// completes.
func (b *Broker) Rotate(ctx context.Context, actor, newMasterKey string) (int, error) {
	if err := b.cipher.BeginRotation(newMasterKey); err != nil {
		return 0, fmt.Errorf("rotate: %w", err)
	}

	recs, err := b.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("rotate list: %w", err)
	}

	rotated := 0
	for _, rec := range recs {
		plain, err := b.cipher.Decrypt(rec.Blob)
		if err != nil {
			b.audit(ctx, actor, rec.Host, rec.Purpose, "rotate", "decrypt_failed")
			continue
		}
		blob, err := b.cipher.Encrypt(plain)
		if err != nil {
			return rotated, fmt.Errorf("rotate encrypt %s/%s: %w", rec.Host, rec.Purpose, err)
		}
		rec.Blob = blob
		if err := b.store.Put(ctx, rec); err != nil {
			return rotated, fmt.Errorf("rotate put %s/%s: %w", rec.Host, rec.Purpose, err)
		}
		rotated++
	}

	b.cipher.FinishRotation()
	b.audit(ctx, actor, "*", "*", "rotate", "success")
	log.Info().Int("rotated", rotated).Msg("credential master key rotated")
	return rotated, nil
}

// AuditLog returns recent access-log rows, newest first.
func (b *Broker) AuditLog(ctx context.Context, host string, limit int) ([]AuditEntry, error) {
	return b.store.AuditLog(ctx, host, limit)
}

func (b *Broker) audit(ctx context.Context, actor, host, purpose, action, outcome string) {
	e := AuditEntry{
		Actor:     actor,
		Host:      host,
		Purpose:   purpose,
		Action:    action,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	}
	if err := b.store.AppendAudit(ctx, e); err != nil {
		log.Error().Err(err).Str("host", host).Str("action", action).Msg("credential audit write failed")
	}
	log.Info().
		Str("event", "credential_access").
		Str("actor", actor).
		Str("host", host).
		Str("purpose", purpose).
		Str("action", action).
		Str("outcome", outcome).
		Msg("credential access")
}
