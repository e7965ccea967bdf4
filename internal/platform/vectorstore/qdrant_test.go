package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeQdrant implements just enough of the REST API for the client.
type fakeQdrant struct {
	mu      sync.Mutex
	exists  bool
	points  []qdrantPoint
	created map[string]any
	apiKey  string
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKey = r.Header.Get("api-key")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/collections/kb":
		if !f.exists {
			http.Error(w, `{"status":{"error":"not found"}}`, http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"result":{}}`))
	case r.Method == http.MethodPut && r.URL.Path == "/collections/kb":
		json.NewDecoder(r.Body).Decode(&f.created)
		f.exists = true
		w.Write([]byte(`{"result":true}`))
	case r.Method == http.MethodDelete && r.URL.Path == "/collections/kb":
		f.exists = false
		f.points = nil
		w.Write([]byte(`{"result":true}`))
	case r.Method == http.MethodPut && r.URL.Path == "/collections/kb/points":
		var body struct {
			Points []qdrantPoint `json:"points"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.points = append(f.points, body.Points...)
		w.Write([]byte(`{"result":{"status":"completed"}}`))
	case r.Method == http.MethodPost && r.URL.Path == "/collections/kb/points/search":
		if !f.exists {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"result":[{"id":"p1","score":0.92,"payload":{"text":"specializzazione: Neurologia","specialty":"Neurologia","source":"kb.csv"}}]}`))
	case r.Method == http.MethodPost && r.URL.Path == "/collections/kb/points/count":
		if !f.exists {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"count": len(f.points)}})
	default:
		http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusBadRequest)
	}
}

func TestQdrant_UpsertCreatesCollection(t *testing.T) {
	fake := &fakeQdrant{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	q := NewQdrant(srv.URL, "kb", "secret")
	ctx := context.Background()
	if n, err := q.Count(ctx); err != nil || n != 0 {
		t.Fatalf("expected 0 on missing collection, got %d %v", n, err)
	}
	err := q.Upsert(ctx, []Document{
		{ID: PointID("a"), Text: "a", Specialty: "Neurologia", Vector: []float32{1, 0, 0}},
		{ID: PointID("b"), Text: "b", Specialty: "Cardiologia", Vector: []float32{0, 1, 0}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	vectors, _ := fake.created["vectors"].(map[string]any)
	if vectors["size"] != float64(3) || vectors["distance"] != "Cosine" {
		t.Errorf("unexpected collection params %v", fake.created)
	}
	if fake.apiKey != "secret" {
		t.Errorf("expected api-key header")
	}
	if n, _ := q.Count(ctx); n != 2 {
		t.Errorf("expected 2 points, got %d", n)
	}
	if fake.points[0].Payload["specialty"] != "Neurologia" {
		t.Errorf("payload not stored: %v", fake.points[0].Payload)
	}
}

func TestQdrant_Query(t *testing.T) {
	fake := &fakeQdrant{exists: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	q := NewQdrant(srv.URL, "kb", "")
	got, err := q.Query(context.Background(), []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Document.Specialty != "Neurologia" || got[0].Score != 0.92 {
		t.Errorf("unexpected matches %+v", got)
	}
}

func TestQdrant_QueryMissingCollection(t *testing.T) {
	srv := httptest.NewServer(&fakeQdrant{})
	defer srv.Close()

	got, err := NewQdrant(srv.URL, "kb", "").Query(context.Background(), []float32{1}, 5)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %v %v", got, err)
	}
}

func TestQdrant_Reset(t *testing.T) {
	fake := &fakeQdrant{exists: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	q := NewQdrant(srv.URL, "kb", "")
	if err := q.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := q.Reset(context.Background()); err != nil {
		t.Fatalf("second reset should tolerate missing collection: %v", err)
	}
}
