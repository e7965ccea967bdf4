package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Qdrant talks to the Qdrant REST API. The collection is created on first
// upsert with the dimension of the first vector and cosine distance.
type Qdrant struct {
	baseURL    string
	collection string
	apiKey     string
	httpClient *http.Client
}

func NewQdrant(baseURL, collection, apiKey string) *Qdrant {
	return &Qdrant{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

type qdrantScored struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

type qdrantError struct {
	StatusCode int
	Body       string
}

func (e *qdrantError) Error() string {
	return fmt.Sprintf("qdrant http %d: %s", e.StatusCode, e.Body)
}

func (q *Qdrant) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(q.collection) + suffix
}

func (q *Qdrant) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &qdrantError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("qdrant decode: %w", err)
		}
	}
	return nil
}

func (q *Qdrant) exists(ctx context.Context) (bool, error) {
	err := q.do(ctx, http.MethodGet, q.collectionPath(""), nil, nil)
	if err == nil {
		return true, nil
	}
	if qe, ok := err.(*qdrantError); ok && qe.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// EnsureCollection creates the collection when missing.
func (q *Qdrant) EnsureCollection(ctx context.Context, dim int) error {
	ok, err := q.exists(ctx)
	if err != nil || ok {
		return err
	}
	body := map[string]any{"vectors": map[string]any{"size": dim, "distance": "Cosine"}}
	if err := q.do(ctx, http.MethodPut, q.collectionPath(""), body, nil); err != nil {
		return fmt.Errorf("create collection %s: %w", q.collection, err)
	}
	return nil
}

func (q *Qdrant) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := q.EnsureCollection(ctx, len(docs[0].Vector)); err != nil {
		return err
	}
	points := make([]qdrantPoint, len(docs))
	for i, d := range docs {
		points[i] = qdrantPoint{
			ID:     d.ID,
			Vector: d.Vector,
			Payload: map[string]any{
				"text":      d.Text,
				"specialty": d.Specialty,
				"source":    d.Source,
			},
		}
	}
	if err := q.do(ctx, http.MethodPut, q.collectionPath("/points?wait=true"), map[string]any{"points": points}, nil); err != nil {
		return fmt.Errorf("upsert points: %w", err)
	}
	return nil
}

func (q *Qdrant) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	body := map[string]any{"vector": vector, "limit": k, "with_payload": true}
	var out struct {
		Result []qdrantScored `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, q.collectionPath("/points/search"), body, &out); err != nil {
		if qe, ok := err.(*qdrantError); ok && qe.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("search points: %w", err)
	}
	matches := make([]Match, 0, len(out.Result))
	for _, r := range out.Result {
		matches = append(matches, Match{
			Document: Document{
				ID:        fmt.Sprint(r.ID),
				Text:      payloadString(r.Payload, "text"),
				Specialty: payloadString(r.Payload, "specialty"),
				Source:    payloadString(r.Payload, "source"),
			},
			Score: r.Score,
		})
	}
	return matches, nil
}

func (q *Qdrant) Count(ctx context.Context) (int, error) {
	var out struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodPost, q.collectionPath("/points/count"), map[string]any{"exact": true}, &out)
	if qe, ok := err.(*qdrantError); ok && qe.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return out.Result.Count, nil
}

// Reset drops the collection; the next Upsert recreates it.
func (q *Qdrant) Reset(ctx context.Context) error {
	err := q.do(ctx, http.MethodDelete, q.collectionPath(""), nil, nil)
	if qe, ok := err.(*qdrantError); ok && qe.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}
