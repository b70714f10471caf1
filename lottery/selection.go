// Package lottery implements the lottery engine: random selection, batched
// roster transitions, replacement draws, response-deadline enforcement, and
// the deadline sweeper.
package lottery

import (
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
	"sort"
)

// Sampler draws uniformly-random samples without replacement. The RNG is
// owned by the sampler and not safe for concurrent use; the engine creates
// one per invocation.
type Sampler struct {
	rng *mathrand.Rand
}

// NewSampler returns a sampler seeded from crypto/rand.
func NewSampler() *Sampler {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the platform is broken; a zero seed
		// would silently destroy fairness, so refuse to limp along.
		panic("lottery: crypto/rand unavailable: " + err.Error())
	}
	return NewSeededSampler(int64(binary.LittleEndian.Uint64(buf[:])))
}

// NewSeededSampler returns a deterministic sampler for reproducible tests.
func NewSeededSampler(seed int64) *Sampler {
	return &Sampler{rng: mathrand.New(mathrand.NewSource(seed))}
}

// Sample returns k candidates chosen uniformly without replacement. When
// k >= len(candidates), all candidates are returned. Candidates are sorted
// before shuffling so a seeded sampler is reproducible regardless of input
// order.
func (s *Sampler) Sample(candidates []string, k int) []string {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	pool := make([]string, len(candidates))
	copy(pool, candidates)
	sort.Strings(pool)
	if k >= len(pool) {
		return pool
	}
	// Partial Fisher-Yates: the first k slots are a uniform sample.
	for i := 0; i < k; i++ {
		j := i + s.rng.Intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:k]
}
