// Package embeddings provides dense-vector embedding for tool index
// entries and selector queries. Drivers are deterministic for a fixed
// model version, batch-oriented, and lazily initialized — the first
// Embed call triggers the model load on the serving side.
//
// Queries must be plain text: the service strips credential-looking
// material before anything is embedded.
package embeddings

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/opsconductor/opsconductor/internal/secrets"
	"github.com/rs/zerolog/log"
)

// MaxInputRunes bounds a single input text.
const MaxInputRunes = 8192

// ErrModelNotLoaded is returned when the serving side has not finished
// loading the model. Fatal to the call, recoverable on retry.
var ErrModelNotLoaded = errors.New("embedding model not loaded")

// ErrInputTooLong is returned for over-length inputs.
var ErrInputTooLong = errors.New("embedding input too long")

// Driver is one embedding backend.
type Driver interface {
	Kind() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	HealthCheck(ctx context.Context) error
}

// Service fronts a driver with input sanitization, length guards, and
// cosine normalization of every returned vector.
type Service struct {
	driver   Driver
	redactor *secrets.Redactor

	warmOnce sync.Once
	warmErr  error
}

// NewService wraps a driver. redactor may be nil to skip stripping.
func NewService(driver Driver, redactor *secrets.Redactor) *Service {
	if redactor == nil {
		redactor = secrets.NewRedactor(nil)
	}
	return &Service{driver: driver, redactor: redactor}
}

// Dimensions returns the fixed embedding width.
func (s *Service) Dimensions() int { return s.driver.Dimensions() }

// Embed embeds a batch of texts. The first call warms the model.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	clean := make([]string, len(texts))
	for i, t := range texts {
		if len([]rune(t)) > MaxInputRunes {
			return nil, ErrInputTooLong
		}
		clean[i] = s.redactor.Redact(t)
	}

	s.warmOnce.Do(func() {
		s.warmErr = s.driver.HealthCheck(ctx)
		if s.warmErr == nil {
			log.Info().Str("driver", s.driver.Kind()).Int("dims", s.driver.Dimensions()).Msg("embedding model warm")
		}
	})
	if s.warmErr != nil {
		// Allow a later retry to re-warm.
		s.warmOnce = sync.Once{}
		return nil, ErrModelNotLoaded
	}

	vecs, err := s.driver.Embed(ctx, clean)
	if err != nil {
		return nil, err
	}
	for i := range vecs {
		normalize(vecs[i])
	}
	return vecs, nil
}

// EmbedOne embeds a single text.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float64, error) {
	vecs, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, errors.New("embedding batch size mismatch")
	}
	return vecs[0], nil
}

// HealthCheck pings the driver.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.driver.HealthCheck(ctx)
}

// normalize scales v to unit length in place. Zero vectors stay zero.
func normalize(v []float64) {
	var sum float64
	for _, f := range v {
		sum += f * f
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] /= norm
	}
}
