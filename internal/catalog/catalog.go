// Package catalog owns the tool catalog backfill job: it loads full tool
// specs from the built-in seed set and an optional spec directory,
// validates them, embeds their short descriptions, and bulk-upserts the
// result into the tool index. It is the only writer the index has.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opsconductor/opsconductor/internal/embeddings"
	"github.com/opsconductor/opsconductor/internal/toolindex"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultRefreshInterval re-runs the backfill to pick up spec-dir edits.
const DefaultRefreshInterval = 15 * time.Minute

// Catalog is the backfill job. Start launches the background refresh;
// Backfill can also be invoked directly (tests, CLI).
type Catalog struct {
	index    toolindex.Store
	embedder *embeddings.Service
	specDir  string
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// Option configures the catalog.
type Option func(*Catalog)

// WithSpecDir adds a directory of *.json FullSpec files.
func WithSpecDir(dir string) Option {
	return func(c *Catalog) { c.specDir = dir }
}

// WithRefreshInterval overrides the backfill cadence.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Catalog) { c.interval = d }
}

// New creates a catalog over the given index and embedder.
func New(index toolindex.Store, embedder *embeddings.Service, opts ...Option) *Catalog {
	c := &Catalog{
		index:    index,
		embedder: embedder,
		interval: DefaultRefreshInterval,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs an initial backfill then refreshes on a timer.
func (c *Catalog) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	if err := c.Backfill(ctx); err != nil {
		log.Error().Err(err).Msg("initial catalog backfill failed")
	}

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Backfill(ctx); err != nil {
					log.Warn().Err(err).Msg("catalog refresh failed")
				}
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the refresh loop.
func (c *Catalog) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		close(c.stopCh)
		c.running = false
	}
}

// Backfill loads, validates, embeds, and upserts every known spec.
func (c *Catalog) Backfill(ctx context.Context) error {
	specs := SeedSpecs()

	if c.specDir != "" {
		loaded, err := loadSpecDir(c.specDir)
		if err != nil {
			return fmt.Errorf("load spec dir: %w", err)
		}
		specs = append(specs, loaded...)
	}

	valid := specs[:0]
	for _, spec := range specs {
		if err := Validate(spec); err != nil {
			log.Warn().Str("tool", spec.ID).Err(err).Msg("skipping invalid tool spec")
			continue
		}
		valid = append(valid, spec)
	}

	if err := c.embedAll(ctx, valid); err != nil {
		return err
	}
	if err := c.index.BulkUpsert(ctx, valid); err != nil {
		return fmt.Errorf("catalog upsert: %w", err)
	}

	log.Info().Int("tools", len(valid)).Msg("tool catalog backfilled")
	return nil
}

func (c *Catalog) embedAll(ctx context.Context, specs []*toolindex.FullSpec) error {
	texts := make([]string, len(specs))
	for i, spec := range specs {
		texts[i] = embedText(spec)
	}

	const batch = 64
	for start := 0; start < len(texts); start += batch {
		end := start + batch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return fmt.Errorf("catalog embed: %w", err)
		}
		for i, vec := range vecs {
			specs[start+i].Embedding = vec
		}
	}
	return nil
}

// embedText builds the retrieval text for one tool: name, description,
// tags, platform. Keeping it short keeps the index honest about what the
// selector can actually match on.
func embedText(spec *toolindex.FullSpec) string {
	parts := []string{spec.Name, spec.DescShort, string(spec.Platform)}
	parts = append(parts, spec.Tags...)
	return strings.Join(parts, " ")
}

// Validate enforces catalog invariants before a tool spec reaches the index.
func Validate(spec *toolindex.FullSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("missing id")
	}
	if spec.Name == "" || spec.DescShort == "" {
		return fmt.Errorf("missing name or description")
	}
	if !models.ValidPlatform(spec.Platform) {
		return fmt.Errorf("invalid platform %q", spec.Platform)
	}
	if spec.ExecutionLocation == "" {
		spec.ExecutionLocation = models.LocationAutomation
	}
	// Remote tools must not claim a local-only connection.
	if spec.RequiresCredentials && spec.ConnectionType == models.ConnLocal {
		return fmt.Errorf("credentialed tool %s cannot use local connection", spec.ID)
	}
	return nil
}

func loadSpecDir(dir string) ([]*toolindex.FullSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var specs []*toolindex.FullSpec
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var spec toolindex.FullSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		specs = append(specs, &spec)
	}
	return specs, nil
}
