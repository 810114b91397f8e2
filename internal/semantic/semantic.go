// Package semantic produces the embeddings behind vector memory search.
// The only in-process model is "mock", a deterministic hash embedding used
// for tests and CI; real models run out of process and are rejected here
// with a clear error instead of a silent fallback.
package semantic

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/neuralforge/forged/internal/domain"
)

// EmbedFunc maps text to a fixed-dimension vector.
type EmbedFunc func(text string) []float32

// Enabled reports whether semantic features are on: the explicit flag wins,
// otherwise selecting a live model implies enablement.
func Enabled(explicit bool, model string) bool {
	if explicit {
		return true
	}
	switch normalizeModel(model) {
	case "mock", "minilm":
		return true
	}
	return false
}

// New returns the embedder for the configured model. A disabled selection
// yields (nil, nil): callers treat a nil embedder as "semantic off".
func New(model string) (EmbedFunc, error) {
	switch normalizeModel(model) {
	case "", "disabled", "off", "false":
		return nil, nil
	case "mock":
		return MockEmbed, nil
	case "minilm":
		return nil, errors.New(`semantic model "minilm" requires an external embedding service; use "mock" or "disabled"`)
	default:
		return nil, fmt.Errorf("unsupported semantic model %q", model)
	}
}

// MockEmbed hashes text into an L2-normalized vector. The same input always
// yields the same vector; empty input yields the zero vector.
func MockEmbed(text string) []float32 {
	vec := make([]float32, domain.EmbeddingDim)
	if text == "" {
		return vec
	}

	digest := sha256.Sum256([]byte(text))

	var sumSquares float64
	raw := make([]float64, domain.EmbeddingDim)
	for i := range raw {
		b := digest[i%len(digest)]
		// Map byte 0..255 to [-1, 1].
		v := float64(b)/127.5 - 1.0
		raw[i] = v
		sumSquares += v * v
	}

	norm := math.Sqrt(sumSquares)
	if norm == 0 {
		norm = 1.0
	}
	for i, v := range raw {
		vec[i] = float32(v / norm)
	}
	return vec
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
