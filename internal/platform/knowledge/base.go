package knowledge

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/triage/triage/internal/platform/embedding"
	"github.com/triage/triage/internal/platform/vectorstore"
)

// Base couples an embedder with a vector index.
type Base struct {
	embedder    embedding.Embedder
	index       vectorstore.Index
	log         zerolog.Logger
	batchSize   int
	concurrency int
}

func NewBase(e embedding.Embedder, idx vectorstore.Index, log zerolog.Logger) *Base {
	return &Base{embedder: e, index: idx, log: log, batchSize: 32, concurrency: 4}
}

type ChunkOptions struct {
	Size    int
	Overlap int
}

// Index chunks, embeds and upserts the entries. It returns the chunk count.
func (b *Base) Index(ctx context.Context, entries []Entry, opts ChunkOptions) (int, error) {
	var docs []vectorstore.Document
	for _, e := range entries {
		for i, c := range Chunk(e.Text, opts.Size, opts.Overlap) {
			key := e.Source + "#" + strconv.Itoa(e.Row) + "#" + strconv.Itoa(i)
			docs = append(docs, vectorstore.Document{
				ID:        vectorstore.PointID(key),
				Text:      c,
				Specialty: e.Specialty,
				Source:    e.Source,
			})
		}
	}
	if len(docs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for start := 0; start < len(docs); start += b.batchSize {
		batch := docs[start:min(start+b.batchSize, len(docs))]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, d := range batch {
				texts[i] = d.Text
			}
			vecs, err := b.embedder.Embed(gctx, texts)
			if err != nil {
				return fmt.Errorf("embed batch at %d: %w", start, err)
			}
			if len(vecs) != len(batch) {
				return fmt.Errorf("embed batch at %d: got %d vectors for %d chunks", start, len(vecs), len(batch))
			}
			for i := range batch {
				batch[i].Vector = vecs[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := b.index.Upsert(ctx, docs); err != nil {
		return 0, fmt.Errorf("upsert chunks: %w", err)
	}
	b.log.Info().Int("entries", len(entries)).Int("chunks", len(docs)).Str("embedder", b.embedder.Name()).Msg("knowledge base indexed")
	return len(docs), nil
}

// EnsureIndexed loads and indexes path only when the index is empty.
func (b *Base) EnsureIndexed(ctx context.Context, path string, opts ChunkOptions) (int, error) {
	n, err := b.index.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count index: %w", err)
	}
	if n > 0 {
		b.log.Info().Int("chunks", n).Msg("knowledge base already indexed")
		return n, nil
	}
	entries, err := Load(path)
	if err != nil {
		return 0, err
	}
	return b.Index(ctx, entries, opts)
}

// Search returns the k chunks most similar to query.
func (b *Base) Search(ctx context.Context, query string, k int) ([]vectorstore.Match, error) {
	vecs, err := b.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	return b.index.Query(ctx, vecs[0], k)
}

// Reset empties the index.
func (b *Base) Reset(ctx context.Context) error {
	return b.index.Reset(ctx)
}
