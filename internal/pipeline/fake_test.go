package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"

	"github.com/opsconductor/opsconductor/internal/llm"
)

// fakeLLM scripts llm.Client behavior per test. Unset hooks fail, which
// forces the deterministic fallback paths.
type fakeLLM struct {
	completeFn func(req llm.Request) (string, error)
	streamFn   func(req llm.Request) (<-chan llm.Chunk, error)
	calls      int
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	f.calls++
	if f.completeFn == nil {
		return "", errors.New("llm unavailable")
	}
	return f.completeFn(req)
}

func (f *fakeLLM) CompleteJSON(ctx context.Context, req llm.Request, out any) error {
	content, err := f.Complete(ctx, req)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(content), out)
}

func (f *fakeLLM) Stream(_ context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	f.calls++
	if f.streamFn == nil {
		return nil, errors.New("llm unavailable")
	}
	return f.streamFn(req)
}

// fixedDriver embeds text as a deterministic pseudo-random unit-ish
// vector seeded by a token hash, so similar texts share components.
type fixedDriver struct{ dims int }

func (d fixedDriver) Kind() string    { return "fixed" }
func (d fixedDriver) Dimensions() int { return d.dims }

func (d fixedDriver) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		vec := make([]float64, d.dims)
		h := fnv.New32a()
		h.Write([]byte(t))
		seed := h.Sum32()
		for j := range vec {
			seed = seed*1664525 + 1013904223
			vec[j] = float64(seed%1000)/1000 - 0.5
		}
		out[i] = vec
	}
	return out, nil
}

func (d fixedDriver) HealthCheck(context.Context) error { return nil }
