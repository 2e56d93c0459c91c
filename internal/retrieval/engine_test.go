package retrieval

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/muma/internal/activation"
	"github.com/nidhogg/muma/internal/note"
	"github.com/nidhogg/muma/internal/store"
)

// stubProvider maps exact texts to fixed vectors.
type stubProvider struct {
	vectors map[string][]float32
	dim     int
}

func (p *stubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, ok := p.vectors[text]
		if !ok {
			return nil, fmt.Errorf("no stub vector for %q", text)
		}
		out[i] = vec
	}
	return out, nil
}

func (p *stubProvider) Dimension() int { return p.dim }

func quietParams() activation.Params {
	return activation.Params{
		ContextWeight:      11.0,
		NoiseStdDev:        0,
		DecayParameter:     0.5,
		RetrievalThreshold: 0.0,
	}
}

func newTestEngine(t *testing.T, provider *stubProvider) (*Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(store.MemoryPath, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, provider, quietParams(), zap.NewNop()), s
}

func TestRetrieveRecallsRelevantNote(t *testing.T) {
	provider := &stubProvider{
		vectors: map[string][]float32{"where is staging": {1, 0, 0}},
		dim:     3,
	}
	engine, s := newTestEngine(t, provider)
	ctx := context.Background()

	relevant, err := s.Create(ctx, note.Create{
		Content: "staging is in eu-west-1", UserID: "user-a", Embedding: []float32{0.95, 0.05, 0},
	})
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	if _, err := s.Create(ctx, note.Create{
		Content: "lunch menu", UserID: "user-a", Embedding: []float32{0, 0, 1},
	}); err != nil {
		t.Fatalf("create note: %v", err)
	}

	results, err := engine.Retrieve(ctx, "where is staging", "user-a", 5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results recalled")
	}
	if results[0].Note.ID != relevant.ID {
		t.Fatalf("top result = %q, want the staging note", results[0].Note.Content)
	}
	if results[0].Similarity <= 0.9 {
		t.Errorf("similarity = %v, want > 0.9", results[0].Similarity)
	}
}

func TestRetrieveRespectsUserScope(t *testing.T) {
	provider := &stubProvider{
		vectors: map[string][]float32{"query": {1, 0}},
		dim:     2,
	}
	engine, s := newTestEngine(t, provider)
	ctx := context.Background()

	if _, err := s.Create(ctx, note.Create{
		Content: "someone else's memory", UserID: "user-b", Embedding: []float32{1, 0},
	}); err != nil {
		t.Fatalf("create note: %v", err)
	}

	results, err := engine.Retrieve(ctx, "query", "user-a", 5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %d results from another user's memory, want 0", len(results))
	}
}

func TestRetrieveExpandsLinks(t *testing.T) {
	provider := &stubProvider{
		vectors: map[string][]float32{"query": {1, 0}},
		dim:     2,
	}
	engine, s := newTestEngine(t, provider)
	ctx := context.Background()

	linked, err := s.Create(ctx, note.Create{
		Content: "linked detail", UserID: "user-a", Embedding: []float32{0, 1},
	})
	if err != nil {
		t.Fatalf("create linked note: %v", err)
	}
	primary, err := s.Create(ctx, note.Create{
		Content: "primary fact", UserID: "user-a", Embedding: []float32{1, 0},
		Links: []string{linked.ID, "dangling-id"},
	})
	if err != nil {
		t.Fatalf("create primary note: %v", err)
	}

	results, err := engine.Retrieve(ctx, "query", "user-a", 1)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	var sawPrimary, sawLinked bool
	for _, r := range results {
		switch r.Note.ID {
		case primary.ID:
			sawPrimary = true
			if r.Linked {
				t.Error("primary note marked as linked")
			}
		case linked.ID:
			sawLinked = true
			if !r.Linked {
				t.Error("expanded note not marked as linked")
			}
		case "dangling-id":
			t.Error("dangling link surfaced as a result")
		}
	}
	if !sawPrimary || !sawLinked {
		t.Fatalf("results missing primary (%v) or linked (%v) note", sawPrimary, sawLinked)
	}
}

func TestRetrieveTracksAccess(t *testing.T) {
	provider := &stubProvider{
		vectors: map[string][]float32{"query": {1, 0}},
		dim:     2,
	}
	engine, s := newTestEngine(t, provider)
	ctx := context.Background()

	created, err := s.Create(ctx, note.Create{
		Content: "tracked fact", UserID: "user-a", Embedding: []float32{1, 0},
	})
	if err != nil {
		t.Fatalf("create note: %v", err)
	}

	if _, err := engine.Retrieve(ctx, "query", "user-a", 5); err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	// Reinforcement runs on a background goroutine; poll for it.
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := s.Read(ctx, created.ID, "user-a")
		if err != nil {
			t.Fatalf("read note: %v", err)
		}
		if got.AccessCount == 2 {
			if len(got.AccessLog) != 2 {
				t.Errorf("access log has %d entries, want 2 (creation + retrieval)", len(got.AccessLog))
			}
			if got.HalfLife <= note.DefaultHalfLifeHours {
				t.Errorf("half life = %v, want > %v after reinforcement", got.HalfLife, note.DefaultHalfLifeHours)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("access not tracked within deadline: count=%d", got.AccessCount)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRetrieveDoesNotTrackLinkedNotes(t *testing.T) {
	provider := &stubProvider{
		vectors: map[string][]float32{"query": {1, 0}},
		dim:     2,
	}
	engine, s := newTestEngine(t, provider)
	ctx := context.Background()

	linked, err := s.Create(ctx, note.Create{
		Content: "linked detail", UserID: "user-a", Embedding: []float32{0, 1},
	})
	if err != nil {
		t.Fatalf("create linked note: %v", err)
	}
	primary, err := s.Create(ctx, note.Create{
		Content: "primary fact", UserID: "user-a", Embedding: []float32{1, 0},
		Links: []string{linked.ID},
	})
	if err != nil {
		t.Fatalf("create primary note: %v", err)
	}

	if _, err := engine.Retrieve(ctx, "query", "user-a", 1); err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	// Wait for the primary's reinforcement to land so the linked note's
	// state is checked after tracking finished.
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := s.Read(ctx, primary.ID, "user-a")
		if err != nil {
			t.Fatalf("read primary: %v", err)
		}
		if got.AccessCount == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("primary access not tracked within deadline: count=%d", got.AccessCount)
		}
		time.Sleep(10 * time.Millisecond)
	}

	got, err := s.Read(ctx, linked.ID, "user-a")
	if err != nil {
		t.Fatalf("read linked: %v", err)
	}
	if got.AccessCount != 1 || len(got.AccessLog) != 1 {
		t.Errorf("linked note reinforced: count=%d log=%d, want the creation access only",
			got.AccessCount, len(got.AccessLog))
	}
	if got.HalfLife != note.DefaultHalfLifeHours {
		t.Errorf("linked note half life = %v, want untouched %v", got.HalfLife, note.DefaultHalfLifeHours)
	}
}

func TestRetrieveAppliesThreshold(t *testing.T) {
	provider := &stubProvider{
		vectors: map[string][]float32{"query": {1, 0}},
		dim:     2,
	}
	params := quietParams()
	params.RetrievalThreshold = 1000

	s, err := store.NewSQLite(store.MemoryPath, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	engine := New(s, provider, params, zap.NewNop())
	ctx := context.Background()

	if _, err := s.Create(ctx, note.Create{
		Content: "below threshold", UserID: "user-a", Embedding: []float32{1, 0},
	}); err != nil {
		t.Fatalf("create note: %v", err)
	}

	results, err := engine.Retrieve(ctx, "query", "user-a", 5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %d results above impossible threshold, want 0", len(results))
	}
}

func TestRetrieveEmbedFailure(t *testing.T) {
	provider := &stubProvider{vectors: map[string][]float32{}, dim: 2}
	engine, _ := newTestEngine(t, provider)

	if _, err := engine.Retrieve(context.Background(), "unknown query", "user-a", 5); err == nil {
		t.Fatal("retrieve succeeded with failing embedder")
	}
}
