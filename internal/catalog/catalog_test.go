package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/internal/embeddings"
	"github.com/opsconductor/opsconductor/internal/toolindex"
	"github.com/opsconductor/opsconductor/pkg/models"
)

type flatDriver struct{}

func (flatDriver) Kind() string    { return "flat" }
func (flatDriver) Dimensions() int { return 2 }
func (flatDriver) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0}
	}
	return out, nil
}
func (flatDriver) HealthCheck(context.Context) error { return nil }

func newTestCatalog(t *testing.T, opts ...Option) (*Catalog, *toolindex.MemoryStore) {
	t.Helper()
	index := toolindex.NewMemoryStore()
	c := New(index, embeddings.NewService(flatDriver{}, nil), opts...)
	return c, index
}

func TestBackfillSeedsIndex(t *testing.T) {
	c, index := newTestCatalog(t)
	require.NoError(t, c.Backfill(context.Background()))

	for _, seed := range SeedSpecs() {
		spec, err := index.GetFullSpec(context.Background(), seed.ID)
		require.NoError(t, err, seed.ID)
		assert.NotEmpty(t, spec.Embedding, "every seeded tool carries an embedding")
	}
}

func TestBackfillLoadsSpecDir(t *testing.T) {
	dir := t.TempDir()
	spec := &toolindex.FullSpec{
		Entry: toolindex.Entry{
			ID: "custom_disk_report", Name: "custom disk report",
			DescShort: "Report disk usage for a mount point", Platform: models.PlatformLinux,
		},
		ExecutionLocation: models.LocationAutomation,
	}
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "disk.json"), raw, 0o600))
	// Non-JSON files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o600))

	c, index := newTestCatalog(t, WithSpecDir(dir))
	require.NoError(t, c.Backfill(context.Background()))

	got, err := index.GetFullSpec(context.Background(), "custom_disk_report")
	require.NoError(t, err)
	assert.Equal(t, models.PlatformLinux, got.Platform)
}

func TestBackfillSkipsInvalidSpecs(t *testing.T) {
	dir := t.TempDir()
	raw, err := json.Marshal(&toolindex.FullSpec{
		Entry: toolindex.Entry{ID: "broken", Name: "", DescShort: "", Platform: models.PlatformLinux},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), raw, 0o600))

	c, index := newTestCatalog(t, WithSpecDir(dir))
	require.NoError(t, c.Backfill(context.Background()))

	_, err = index.GetFullSpec(context.Background(), "broken")
	assert.ErrorIs(t, err, toolindex.ErrNotFound)
}

func TestBackfillMissingSpecDirFails(t *testing.T) {
	c, _ := newTestCatalog(t, WithSpecDir("/nonexistent/specs"))
	assert.Error(t, c.Backfill(context.Background()))
}

func TestValidate(t *testing.T) {
	base := func() *toolindex.FullSpec {
		return &toolindex.FullSpec{
			Entry: toolindex.Entry{
				ID: "t", Name: "t", DescShort: "does things", Platform: models.PlatformLinux,
			},
		}
	}

	t.Run("valid spec gets default location", func(t *testing.T) {
		spec := base()
		require.NoError(t, Validate(spec))
		assert.Equal(t, models.LocationAutomation, spec.ExecutionLocation)
	})

	t.Run("missing id", func(t *testing.T) {
		spec := base()
		spec.ID = ""
		assert.Error(t, Validate(spec))
	})

	t.Run("missing description", func(t *testing.T) {
		spec := base()
		spec.DescShort = ""
		assert.Error(t, Validate(spec))
	})

	t.Run("invalid platform", func(t *testing.T) {
		spec := base()
		spec.Platform = "solaris"
		assert.Error(t, Validate(spec))
	})

	t.Run("credentialed local tool rejected", func(t *testing.T) {
		spec := base()
		spec.RequiresCredentials = true
		spec.ConnectionType = models.ConnLocal
		assert.Error(t, Validate(spec))
	})
}
