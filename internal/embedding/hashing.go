// Package embedding provides deterministic, dependency-free text capabilities
// used when no remote model is configured and in tests.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/diagnostic-triage-engine/pkg/textnorm"
)

const (
	bigramWeight = 0.7

	// hashesPerFeature spreads every feature over several signed buckets, so a
	// single bucket collision moves cosine similarity by at most 1/hashesPerFeature.
	hashesPerFeature = 4
)

// DefaultDimension is the vector size used when none is configured.
const DefaultDimension = domain.LocalEmbeddingDimension

// HashingEmbedder maps text onto a fixed-dimension vector by feature hashing
// of unigrams and bigrams. Identical text always yields identical vectors.
type HashingEmbedder struct {
	dimension int
}

// NewHashingEmbedder creates an embedder with the given dimension.
func NewHashingEmbedder(dimension int) (*HashingEmbedder, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}
	return &HashingEmbedder{dimension: dimension}, nil
}

// Dimension returns the vector length
func (e *HashingEmbedder) Dimension() int {
	return e.dimension
}

// Embed returns the L2-normalised hashed feature vector of text. Text
// without any tokens yields the zero vector.
func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float64, e.dimension)
	tokens := textnorm.Tokens(text)
	for i, tok := range tokens {
		e.add(vec, tok, 1.0)
		if i > 0 {
			e.add(vec, tokens[i-1]+" "+tok, bigramWeight)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

func (e *HashingEmbedder) add(vec []float64, feature string, weight float64) {
	for seed := 0; seed < hashesPerFeature; seed++ {
		h := fnv.New64a()
		_, _ = h.Write([]byte{byte(seed)})
		_, _ = h.Write([]byte(feature))
		sum := h.Sum64()

		w := weight
		if sum>>63 == 1 {
			w = -w
		}
		vec[int(sum%uint64(e.dimension))] += w
	}
}
