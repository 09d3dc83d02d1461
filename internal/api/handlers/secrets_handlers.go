package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opsconductor/opsconductor/internal/secrets"
	"github.com/opsconductor/opsconductor/pkg/models"
)

// Credential endpoints live on the internal surface only; the router
// mounts them behind the X-Internal-Key guard. Responses never echo
// passwords back.

// CredentialUpsertRequest creates or replaces a stored credential.
type CredentialUpsertRequest struct {
	Host     string `json:"host"`
	Purpose  string `json:"purpose"`
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain,omitempty"`
}

func (h *Handlers) CredentialUpsert(w http.ResponseWriter, r *http.Request) {
	var req CredentialUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, models.CodeValidation, "invalid request body")
		return
	}
	if req.Host == "" || req.Username == "" || req.Password == "" {
		respondError(w, r, http.StatusBadRequest, models.CodeValidation, "host, username, and password are required")
		return
	}
	if req.Purpose == "" {
		req.Purpose = "default"
	}

	if err := h.Broker.Upsert(r.Context(), actorFrom(r), req.Host, req.Purpose, req.Username, req.Password, req.Domain); err != nil {
		respondError(w, r, http.StatusInternalServerError, models.CodeInternal, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"host": req.Host, "purpose": req.Purpose, "status": "stored"})
}

// CredentialLookup returns the username and decrypted password for a
// host/purpose pair. Internal surface only.
func (h *Handlers) CredentialLookup(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	purpose := r.URL.Query().Get("purpose")
	if host == "" {
		respondError(w, r, http.StatusBadRequest, models.CodeValidation, "host is required")
		return
	}
	if purpose == "" {
		purpose = "default"
	}

	cred, err := h.Broker.Lookup(r.Context(), actorFrom(r), host, purpose)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, models.CodeNotFound, "no credential for that host and purpose")
			return
		}
		respondError(w, r, http.StatusInternalServerError, models.CodeInternal, "credential unavailable")
		return
	}
	respondJSON(w, http.StatusOK, cred)
}

func (h *Handlers) CredentialDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Host    string `json:"host"`
		Purpose string `json:"purpose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Host == "" {
		respondError(w, r, http.StatusBadRequest, models.CodeValidation, "host is required")
		return
	}
	if req.Purpose == "" {
		req.Purpose = "default"
	}

	if err := h.Broker.Delete(r.Context(), actorFrom(r), req.Host, req.Purpose); err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, models.CodeNotFound, "no credential for that host and purpose")
			return
		}
		respondError(w, r, http.StatusInternalServerError, models.CodeInternal, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"host": req.Host, "purpose": req.Purpose, "status": "deleted"})
}

// CredentialAudit returns the append-only access log.
func (h *Handlers) CredentialAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Broker.AuditLog(r.Context(), r.URL.Query().Get("host"), 200)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, models.CodeInternal, err.Error())
		return
	}
	if entries == nil {
		entries = []secrets.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// CredentialRotate re-encrypts every stored credential under a new
// master key. The old key keeps decrypting until rotation completes.
func (h *Handlers) CredentialRotate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewKey string `json:"new_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewKey == "" {
		respondError(w, r, http.StatusBadRequest, models.CodeValidation, "new_key is required")
		return
	}

	rotated, err := h.Broker.Rotate(r.Context(), actorFrom(r), req.NewKey)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, models.CodeInternal, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rotated": rotated})
}

// actorFrom identifies the caller for audit purposes. Internal callers
// name themselves via X-Service-Name; anything else is "api".
func actorFrom(r *http.Request) string {
	if svc := r.Header.Get("X-Service-Name"); svc != "" {
		return svc
	}
	return "api"
}
