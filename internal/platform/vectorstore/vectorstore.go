// Package vectorstore holds embedded knowledge-base chunks and answers
// nearest-neighbour queries.
package vectorstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

type Document struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Specialty string    `json:"specialty,omitempty"`
	Source    string    `json:"source,omitempty"`
	Vector    []float32 `json:"-"`
}

type Match struct {
	Document Document
	Score    float64
}

type Index interface {
	Upsert(ctx context.Context, docs []Document) error
	Query(ctx context.Context, vector []float32, k int) ([]Match, error)
	Count(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
}

var pointNamespace = uuid.MustParse("6f1c2a8e-3b7d-4e59-9a0c-5d8e1f2b4c36")

// PointID derives a stable UUID from a chunk key so re-indexing overwrites
// instead of duplicating.
func PointID(key string) string {
	return uuid.NewSHA1(pointNamespace, []byte(key)).String()
}
