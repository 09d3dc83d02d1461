// Package assets provides the read-only asset façade: count, search, and
// connection-profile lookups against the external inventory service,
// with OS-to-platform normalization.
//
// The façade never writes. When the inventory is unreachable it returns
// ErrUnavailable and callers degrade — the selector proceeds without a
// platform filter, the executor reports a structured error.
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/opsconductor/opsconductor/pkg/models"
)

// ErrUnavailable is returned when the inventory service cannot be
// reached or answers with a server error.
var ErrUnavailable = errors.New("asset_service_unavailable")

// Filters are the recognized inventory query filters. OS matching on the
// inventory side is case-insensitive with substring fallback.
type Filters struct {
	OS          string
	Hostname    string
	IP          string
	Status      string
	Environment string
	Tag         string
}

func (f Filters) query() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("os", f.OS)
	set("hostname", f.Hostname)
	set("ip", f.IP)
	set("status", f.Status)
	set("environment", f.Environment)
	set("tag", f.Tag)
	return q
}

// Facade is the inventory client. Target p50 is under 100 ms, so the
// HTTP timeout is kept tight.
type Facade struct {
	baseURL string
	client  *http.Client
}

// Option configures the façade.
type Option func(*Facade)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(f *Facade) { f.client = c }
}

// NewFacade creates an asset façade against the given inventory origin.
func NewFacade(baseURL string, opts ...Option) *Facade {
	f := &Facade{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 3 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CountAssets returns the number of assets matching the filters.
func (f *Facade) CountAssets(ctx context.Context, filters Filters) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := f.get(ctx, "/api/assets/count", filters.query(), &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// SearchAssets returns up to limit assets matching the filters.
func (f *Facade) SearchAssets(ctx context.Context, filters Filters, limit int) ([]models.Asset, error) {
	q := filters.query()
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Assets []models.Asset `json:"assets"`
	}
	if err := f.get(ctx, "/api/assets/search", q, &out); err != nil {
		return nil, err
	}
	return out.Assets, nil
}

// ConnectionProfile resolves a hostname or IP to its connection profile
// with the platform normalized onto the closed mapping. A miss is not an
// error: Found is false.
func (f *Facade) ConnectionProfile(ctx context.Context, host string) (models.ConnectionProfile, error) {
	q := url.Values{}
	q.Set("host", host)
	return f.profile(ctx, q)
}

// ConnectionProfileByID resolves an inventory asset id to its connection
// profile. Used when a step names its target by asset rather than host.
func (f *Facade) ConnectionProfileByID(ctx context.Context, assetID string) (models.ConnectionProfile, error) {
	q := url.Values{}
	q.Set("asset_id", assetID)
	return f.profile(ctx, q)
}

func (f *Facade) profile(ctx context.Context, q url.Values) (models.ConnectionProfile, error) {
	var raw struct {
		Found          bool                 `json:"found"`
		Asset          *models.Asset        `json:"asset"`
		DefaultService *models.AssetService `json:"default_service"`
	}
	if err := f.get(ctx, "/api/assets/connection-profile", q, &raw); err != nil {
		return models.ConnectionProfile{}, err
	}
	if !raw.Found || raw.Asset == nil {
		return models.ConnectionProfile{Found: false}, nil
	}

	profile := models.ConnectionProfile{
		Found:    true,
		OS:       raw.Asset.OSType,
		Platform: models.NormalizePlatform(raw.Asset.OSType),
		AssetID:  raw.Asset.ID,
		Hostname: raw.Asset.Hostname,
		IP:       raw.Asset.IP,
	}
	if raw.DefaultService != nil {
		profile.DefaultService = raw.DefaultService
	} else if raw.Asset.DefaultService != nil {
		profile.DefaultService = raw.Asset.DefaultService
	}
	return profile, nil
}

func (f *Facade) get(ctx context.Context, path string, q url.Values, out any) error {
	u := f.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("asset request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("asset read: %w", err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: inventory returned %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("asset service returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("asset unmarshal: %w", err)
	}
	return nil
}

// CredentialPurpose derives the secrets-broker purpose for a connection
// profile's default service. Falls back on the platform's native remote
// transport when the service carries no name.
func CredentialPurpose(profile models.ConnectionProfile) string {
	if profile.DefaultService != nil && profile.DefaultService.Name != "" {
		return profile.DefaultService.Name
	}
	switch profile.Platform {
	case models.PlatformWindows:
		return "winrm"
	case models.PlatformLinux:
		return "ssh"
	case models.PlatformDatabase:
		return "database"
	default:
		return "default"
	}
}
