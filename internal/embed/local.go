package embed

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// LocalProvider is a deterministic hashed bag-of-words embedder. It needs no
// model weights or network, which makes it the default for development and
// the reference provider in tests: the same text always maps to the same
// unit vector.
type LocalProvider struct {
	dim int

	once  sync.Once
	seeds []uint64
}

// NewLocal creates a local provider for the given dimension.
func NewLocal(dim int) *LocalProvider {
	return &LocalProvider{dim: dim}
}

// init builds per-component mixing seeds once, on first use.
func (p *LocalProvider) init() {
	p.once.Do(func() {
		p.seeds = make([]uint64, p.dim)
		state := uint64(0x9e3779b97f4a7c15)
		for i := range p.seeds {
			state ^= state << 13
			state ^= state >> 7
			state ^= state << 17
			p.seeds[i] = state
		}
	})
}

// Embed hashes each term into two vector components with signed weights,
// then L2-normalizes.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.init()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		vec := make([]float32, p.dim)
		for _, term := range tokenizeTerms(text) {
			h := fnv.New64a()
			h.Write([]byte(term))
			sum := h.Sum64()

			idx1 := int(sum % uint64(p.dim))
			idx2 := int((sum ^ p.seeds[idx1]) % uint64(p.dim))
			if sum&1 == 0 {
				vec[idx1]++
			} else {
				vec[idx1]--
			}
			if (sum>>1)&1 == 0 {
				vec[idx2]++
			} else {
				vec[idx2]--
			}
		}
		if isZero(vec) {
			// Empty or all-symbol text still needs a valid unit vector.
			vec[0] = 1
		}
		normalize(vec)
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the vector width.
func (p *LocalProvider) Dimension() int { return p.dim }

// Name identifies the provider in logs and index tags.
func (p *LocalProvider) Name() string { return "local" }

func tokenizeTerms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
