package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDriver captures what the service actually sends down.
type recordingDriver struct {
	received  [][]string
	healthErr error
	embedErr  error
}

func (d *recordingDriver) Kind() string    { return "recording" }
func (d *recordingDriver) Dimensions() int { return 3 }
func (d *recordingDriver) Embed(_ context.Context, texts []string) ([][]float64, error) {
	d.received = append(d.received, texts)
	if d.embedErr != nil {
		return nil, d.embedErr
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{3, 4, 0}
	}
	return out, nil
}
func (d *recordingDriver) HealthCheck(context.Context) error { return d.healthErr }

func TestEmbedNormalizesVectors(t *testing.T) {
	svc := NewService(&recordingDriver{}, nil)

	vecs, err := svc.Embed(context.Background(), []string{"list files"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)

	var norm float64
	for _, v := range vecs[0] {
		norm += v * v
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)
}

func TestEmbedRedactsBeforeDriver(t *testing.T) {
	driver := &recordingDriver{}
	svc := NewService(driver, nil)

	_, err := svc.Embed(context.Background(), []string{`restart with password=hunter22 now`})
	require.NoError(t, err)

	require.Len(t, driver.received, 1)
	sent := driver.received[0][0]
	assert.NotContains(t, sent, "hunter22")
	assert.Contains(t, sent, "restart")
}

func TestEmbedRejectsOversizedInput(t *testing.T) {
	svc := NewService(&recordingDriver{}, nil)

	_, err := svc.Embed(context.Background(), []string{strings.Repeat("a", MaxInputRunes+1)})
	assert.ErrorIs(t, err, ErrInputTooLong)
}

func TestEmbedEmptyBatch(t *testing.T) {
	vecs, err := NewService(&recordingDriver{}, nil).Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestEmbedWarmFailureIsRetryable(t *testing.T) {
	driver := &recordingDriver{healthErr: errors.New("model loading")}
	svc := NewService(driver, nil)

	_, err := svc.Embed(context.Background(), []string{"x"})
	require.ErrorIs(t, err, ErrModelNotLoaded)

	// Backend recovers; the next call re-warms and succeeds.
	driver.healthErr = nil
	vecs, err := svc.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
}

func TestEmbedOne(t *testing.T) {
	svc := NewService(&recordingDriver{}, nil)

	vec, err := svc.EmbedOne(context.Background(), "count assets")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
}

func TestOllamaDriverEmbed(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model
		out := make([][]float64, len(req.Input))
		for i := range out {
			out[i] = []float64{0.1, 0.2}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	defer srv.Close()

	d := NewOllamaDriver(srv.URL, "")
	assert.Equal(t, 768, d.Dimensions())

	vecs, err := d.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, "nomic-embed-text", gotModel)
}

func TestOllamaDriverModelNotLoaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `model "nomic-embed-text" not found`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaDriver(srv.URL, "").Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrModelNotLoaded)
}

func TestOllamaDriverCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float64{{1}}})
	}))
	defer srv.Close()

	_, err := NewOllamaDriver(srv.URL, "").Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 2 embeddings")
}

func TestOllamaDriverModelDimensions(t *testing.T) {
	assert.Equal(t, 1024, NewOllamaDriver("", "mxbai-embed-large").Dimensions())
	assert.Equal(t, 384, NewOllamaDriver("", "all-minilm").Dimensions())
}
