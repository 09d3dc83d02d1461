package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/internal/assets"
	"github.com/opsconductor/opsconductor/internal/embeddings"
	"github.com/opsconductor/opsconductor/internal/llm"
	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/secrets"
	"github.com/opsconductor/opsconductor/internal/toolindex"
	"github.com/opsconductor/opsconductor/pkg/models"
)

func seedIndex(t *testing.T) *toolindex.MemoryStore {
	t.Helper()
	store := toolindex.NewMemoryStore()
	embedder := embeddings.NewService(fixedDriver{dims: 8}, nil)

	specs := []*toolindex.FullSpec{
		{
			Entry: toolindex.Entry{ID: "windows_list_directory", Name: "windows list directory",
				DescShort: "list files in a directory on a windows host", Platform: models.PlatformWindows,
				Tags: []string{"files", "windows"}},
			ExecutionLocation: models.LocationAutomation,
			Preferences:       toolindex.PreferenceScores{Speed: 0.8, Accuracy: 0.7, Complexity: 0.2},
			Parameters: []toolindex.ParameterSpec{
				{Name: "target_host", Type: "string", Required: true},
				{Name: "path", Type: "string", Required: true},
			},
		},
		{
			Entry: toolindex.Entry{ID: "linux_list_directory", Name: "linux list directory",
				DescShort: "list files in a directory on a linux host", Platform: models.PlatformLinux,
				Tags: []string{"files", "linux"}},
			ExecutionLocation: models.LocationAutomation,
			Preferences:       toolindex.PreferenceScores{Speed: 0.8, Accuracy: 0.7, Complexity: 0.2},
			Parameters: []toolindex.ParameterSpec{
				{Name: "target_host", Type: "string", Required: true},
				{Name: "path", Type: "string", Required: true},
			},
		},
		{
			Entry: toolindex.Entry{ID: "asset-query", Name: "asset query",
				DescShort: "count or list inventory assets", Platform: models.PlatformMulti,
				Tags: []string{"assets"}},
			ExecutionLocation: models.LocationAsset,
			AlwaysInclude:     true,
			Preferences:       toolindex.PreferenceScores{Speed: 0.9, Accuracy: 0.9, Complexity: 0.1},
		},
	}

	for _, spec := range specs {
		vecs, err := embedder.Embed(context.Background(), []string{spec.Name + " " + spec.DescShort})
		require.NoError(t, err)
		spec.Embedding = vecs[0]
		require.NoError(t, store.Upsert(context.Background(), spec))
	}
	return store
}

func fakeInventory(t *testing.T, osType string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/assets/connection-profile" {
			http.NotFound(w, r)
			return
		}
		host := r.URL.Query().Get("host")
		if osType == "" {
			json.NewEncoder(w).Encode(map[string]any{"found": false})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"found": true,
			"asset": map[string]any{
				"id": "a-1", "hostname": host, "ip": "10.0.0.5", "os_type": osType,
			},
			"default_service": map[string]any{"name": "winrm", "port": 5986, "is_secure": true},
		})
	}))
}

func newTestSelector(t *testing.T, index toolindex.Store, facade *assets.Facade, client llm.Client) *Selector {
	t.Helper()
	broker, err := secrets.NewBroker(secrets.NewMemoryStore(), "test-master-key")
	require.NoError(t, err)
	embedder := embeddings.NewService(fixedDriver{dims: 8}, nil)
	m := metrics.New(prometheus.NewRegistry())

	return NewSelector(index, embedder, facade, broker, client, m, SelectorOptions{
		Budget:             TokenBudget{ContextWindow: 8192, OutputReserve: 0.30, BasePrompt: 256, PerRow: 45},
		AmbiguityMarginPct: 10,
	})
}

func TestSelectResolvesPlatformFromAsset(t *testing.T) {
	inv := fakeInventory(t, "Windows Server 2022")
	defer inv.Close()

	index := seedIndex(t)
	sel := newTestSelector(t, index, assets.NewFacade(inv.URL), &fakeLLM{})

	cls := models.Classification{
		Entities: []models.Entity{{Type: models.EntityHostname, Value: "web-01"}},
	}
	out := sel.Select(context.Background(), "list files in C:\\Temp on web-01", cls, SelectorContext{})

	require.NotNil(t, out.AssetMetadata)
	assert.Equal(t, models.PlatformWindows, out.PlatformFilter)
	assert.Equal(t, "web-01", out.AssetMetadata.Hostname)
	assert.False(t, out.MissingTargetInfo)
	assert.NotEmpty(t, out.Selected)
	assert.NotEmpty(t, out.RequestID)

	// Windows filter must exclude the linux variant.
	for _, tool := range out.Selected {
		assert.NotEqual(t, "linux_list_directory", tool.ID)
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	inv := fakeInventory(t, "Ubuntu 22.04")
	defer inv.Close()

	index := seedIndex(t)
	sel := newTestSelector(t, index, assets.NewFacade(inv.URL), &fakeLLM{})

	cls := models.Classification{
		Entities: []models.Entity{{Type: models.EntityHostname, Value: "app-02"}},
	}
	first := sel.Select(context.Background(), "list files in /opt on app-02", cls, SelectorContext{})
	second := sel.Select(context.Background(), "list files in /opt on app-02", cls, SelectorContext{})

	assert.Equal(t, first.ToolIDs(), second.ToolIDs(), "same input must select the same tools")
	assert.Equal(t, first.PlatformFilter, second.PlatformFilter)
}

func TestSelectMissingTarget(t *testing.T) {
	inv := fakeInventory(t, "")
	defer inv.Close()

	index := seedIndex(t)
	sel := newTestSelector(t, index, assets.NewFacade(inv.URL), &fakeLLM{})

	cls := models.Classification{AmbiguousTarget: true}
	out := sel.Select(context.Background(), "list files in the current directory", cls, SelectorContext{})

	assert.True(t, out.MissingTargetInfo)
	assert.False(t, out.ReadyForExecution)
	assert.Equal(t, "respond", out.NextStage)

	found := false
	for _, d := range out.AdditionalInputsNeeded {
		if d.Name == "target_asset" {
			found = true
		}
	}
	assert.True(t, found, "missing target must yield a target_asset descriptor, got %v", out.AdditionalInputsNeeded)
}

func TestSelectAssetNotFound(t *testing.T) {
	inv := fakeInventory(t, "")
	defer inv.Close()

	index := seedIndex(t)
	sel := newTestSelector(t, index, assets.NewFacade(inv.URL), &fakeLLM{})

	cls := models.Classification{
		Entities: []models.Entity{{Type: models.EntityHostname, Value: "ghost-99"}},
	}
	out := sel.Select(context.Background(), "list files on ghost-99", cls, SelectorContext{})

	assert.True(t, out.AssetNotFound)
	assert.Empty(t, out.PlatformFilter, "unknown asset leaves the filter open")
}

func TestSelectNoCandidates(t *testing.T) {
	inv := fakeInventory(t, "")
	defer inv.Close()

	// Empty index: nothing to retrieve.
	sel := newTestSelector(t, toolindex.NewMemoryStore(), assets.NewFacade(inv.URL), &fakeLLM{})

	out := sel.Select(context.Background(), "defragment the flux capacitor", models.Classification{}, SelectorContext{})

	assert.Equal(t, models.CodeNoCandidates, out.ErrorCode)
	assert.False(t, out.ReadyForExecution)
	assert.Empty(t, out.Selected)
	assert.NotNil(t, out.AdditionalInputsNeeded, "field must serialize as [], not null")
}

func TestSelectTiebreakFallsBackOnBadAnswer(t *testing.T) {
	inv := fakeInventory(t, "")
	defer inv.Close()

	// Tie-break model picks an id outside the candidate set; the
	// deterministic winner must stand.
	fake := &fakeLLM{completeFn: func(req llm.Request) (string, error) {
		return `{"select":[{"id":"no-such-tool","why":"hallucinated"}]}`, nil
	}}

	index := seedIndex(t)
	sel := newTestSelector(t, index, assets.NewFacade(inv.URL), fake)

	out := sel.Select(context.Background(), "list files", models.Classification{AmbiguousTarget: true}, SelectorContext{})
	require.NotEmpty(t, out.Selected)
	for _, tool := range out.Selected {
		assert.NotEqual(t, "no-such-tool", tool.ID)
	}
}

func TestSelectorSearchCaching(t *testing.T) {
	inv := fakeInventory(t, "")
	defer inv.Close()

	index := seedIndex(t)
	sel := newTestSelector(t, index, assets.NewFacade(inv.URL), &fakeLLM{})

	hits, fromCache, err := sel.Search(context.Background(), "list files", "", 5)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.NotEmpty(t, hits)

	again, fromCache, err := sel.Search(context.Background(), "list files", "", 5)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, len(hits), len(again))
}

func TestUnionDedupe(t *testing.T) {
	primary := []toolindex.ScoredEntry{scoredEntry("a", 0.9), scoredEntry("b", 0.7)}
	secondary := []toolindex.ScoredEntry{scoredEntry("b", 0.8), scoredEntry("c", 0.6)}

	merged := unionDedupe(primary, secondary)

	require.Len(t, merged, 3)
	assert.Equal(t, "a", merged[0].ID)
	assert.Equal(t, "b", merged[1].ID)
	assert.InDelta(t, 0.8, merged[1].Score, 0.001, "duplicate keeps its better-ranked score")
	assert.Equal(t, "c", merged[2].ID)
}

func TestSelectWritesTelemetry(t *testing.T) {
	inv := fakeInventory(t, "Ubuntu 22.04")
	defer inv.Close()

	index := seedIndex(t)
	sel := newTestSelector(t, index, assets.NewFacade(inv.URL), &fakeLLM{})

	cls := models.Classification{
		Entities: []models.Entity{{Type: models.EntityHostname, Value: "app-02"}},
	}
	out := sel.Select(context.Background(), "list files in /opt on app-02", cls, SelectorContext{})
	require.NotEmpty(t, out.RequestID)

	row, ok := index.Telemetry(out.RequestID)
	require.True(t, ok, "a telemetry row must exist before Select returns")
	assert.Equal(t, out.ToolIDs(), row.SelectedIDs)
	assert.Greater(t, row.RowsSent, 0)
	assert.WithinDuration(t, time.Now().UTC(), row.CreatedAt, 5*time.Second)
}
