package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/opsconductor/opsconductor/internal/assets"
	"github.com/opsconductor/opsconductor/pkg/models"
)

// Asset lookups proxy through the façade so callers get the same
// normalized view the selector sees, closed platform mapping included.

func (h *Handlers) CountAssets(w http.ResponseWriter, r *http.Request) {
	count, err := h.Assets.CountAssets(r.Context(), filtersFromQuery(r))
	if err != nil {
		h.assetError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *Handlers) SearchAssets(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	found, err := h.Assets.SearchAssets(r.Context(), filtersFromQuery(r), limit)
	if err != nil {
		h.assetError(w, r, err)
		return
	}
	if found == nil {
		found = []models.Asset{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"assets": found, "count": len(found)})
}

func (h *Handlers) AssetConnectionProfile(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		respondError(w, r, http.StatusBadRequest, models.CodeValidation, "host is required")
		return
	}
	profile, err := h.Assets.ConnectionProfile(r.Context(), host)
	if err != nil {
		h.assetError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

func (h *Handlers) assetError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, assets.ErrUnavailable) {
		respondError(w, r, http.StatusBadGateway, models.CodeUpstreamUnreachable, "asset service unavailable")
		return
	}
	respondError(w, r, http.StatusInternalServerError, models.CodeInternal, err.Error())
}

func filtersFromQuery(r *http.Request) assets.Filters {
	q := r.URL.Query()
	return assets.Filters{
		OS:          q.Get("os"),
		Hostname:    q.Get("hostname"),
		IP:          q.Get("ip"),
		Status:      q.Get("status"),
		Environment: q.Get("environment"),
		Tag:         q.Get("tag"),
	}
}
