package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Memory is a brute-force cosine index. The knowledge base is a few hundred
// chunks, so a linear scan is fast enough.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]Document
	dim  int
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document)}
}

func (m *Memory) Upsert(_ context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		if len(d.Vector) == 0 {
			return fmt.Errorf("document %s has no vector", d.ID)
		}
		if m.dim == 0 {
			m.dim = len(d.Vector)
		}
		if len(d.Vector) != m.dim {
			return fmt.Errorf("%w: document %s has %d, index has %d", ErrDimensionMismatch, d.ID, len(d.Vector), m.dim)
		}
		d.Vector = append([]float32(nil), d.Vector...)
		m.docs[d.ID] = d
	}
	return nil
}

func (m *Memory) Query(_ context.Context, vector []float32, k int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.docs) == 0 {
		return nil, nil
	}
	if len(vector) != m.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(vector), m.dim)
	}
	matches := make([]Match, 0, len(m.docs))
	for _, d := range m.docs {
		matches = append(matches, Match{Document: d, Score: cosine(vector, d.Vector)})
	}
	// Ties break on ID so results are deterministic.
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Document.ID < matches[j].Document.ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs), nil
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = make(map[string]Document)
	m.dim = 0
	return nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
