package store

import (
	"context"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/muma/internal/note"
)

func newTestStore(t *testing.T, dims int) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(MemoryPath, dims, zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteCreateAndRead(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	created, err := s.Create(ctx, note.Create{
		Content:   "the staging cluster lives in eu-west-1",
		Context:   "infra discussion",
		Keywords:  []string{"staging", "cluster"},
		Tags:      []string{"infra"},
		Embedding: []float32{0.1, 0.2, 0.3},
		UserID:    "user-a",
		CreatedBy: "agent-1",
		Domain:    "ops",
	})
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created note has no id")
	}
	if created.Version != 1 {
		t.Errorf("version = %d, want 1", created.Version)
	}
	if created.HalfLife != note.DefaultHalfLifeHours {
		t.Errorf("half_life = %v, want %v", created.HalfLife, note.DefaultHalfLifeHours)
	}
	if created.Importance != 0.5 || created.Confidence != 0.5 {
		t.Errorf("importance/confidence = %v/%v, want 0.5/0.5", created.Importance, created.Confidence)
	}
	if created.Visibility != note.VisibilityScoped {
		t.Errorf("visibility = %q, want %q", created.Visibility, note.VisibilityScoped)
	}
	if len(created.AccessLog) != 1 {
		t.Errorf("access log has %d entries, want 1 (creation)", len(created.AccessLog))
	}
	if created.AccessCount != len(created.AccessLog) {
		t.Errorf("access count = %d, want %d (count tracks the log)", created.AccessCount, len(created.AccessLog))
	}

	got, err := s.Read(ctx, created.ID, "user-a")
	if err != nil {
		t.Fatalf("read note: %v", err)
	}
	if got == nil {
		t.Fatal("read returned nil for existing note")
	}
	if got.Content != created.Content {
		t.Errorf("content = %q, want %q", got.Content, created.Content)
	}
	if len(got.Embedding) != 3 {
		t.Fatalf("embedding has %d values, want 3", len(got.Embedding))
	}
	for i, v := range created.Embedding {
		if math.Abs(float64(got.Embedding[i]-v)) > 1e-6 {
			t.Errorf("embedding[%d] = %v, want %v", i, got.Embedding[i], v)
		}
	}
}

func TestSQLiteReadMissing(t *testing.T) {
	s := newTestStore(t, 0)

	got, err := s.Read(context.Background(), "no-such-id", "user-a")
	if err != nil {
		t.Fatalf("read missing note: %v", err)
	}
	if got != nil {
		t.Fatalf("read missing note = %+v, want nil", got)
	}
}

func TestSQLiteUserIsolation(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	created, err := s.Create(ctx, note.Create{
		Content:   "private fact",
		UserID:    "user-a",
		Embedding: []float32{1, 0},
	})
	if err != nil {
		t.Fatalf("create note: %v", err)
	}

	if got, err := s.Read(ctx, created.ID, "user-b"); err != nil || got != nil {
		t.Fatalf("cross-user read = (%+v, %v), want (nil, nil)", got, err)
	}

	content := "overwritten"
	if got, err := s.Update(ctx, created.ID, "user-b", note.Update{Content: &content}); err != nil || got != nil {
		t.Fatalf("cross-user update = (%+v, %v), want (nil, nil)", got, err)
	}

	if removed, err := s.Delete(ctx, created.ID, "user-b"); err != nil || removed {
		t.Fatalf("cross-user delete = (%v, %v), want (false, nil)", removed, err)
	}

	results, err := s.Search(ctx, SearchOptions{Query: []float32{1, 0}, UserID: "user-b", TopK: 10})
	if err != nil {
		t.Fatalf("cross-user search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("cross-user search returned %d results, want 0", len(results))
	}

	// The owner still sees everything.
	if got, err := s.Read(ctx, created.ID, "user-a"); err != nil || got == nil {
		t.Fatalf("owner read = (%+v, %v), want note", got, err)
	}
}

func TestSQLiteUpdate(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	created, err := s.Create(ctx, note.Create{Content: "v1", UserID: "user-a", CreatedBy: "agent-1"})
	if err != nil {
		t.Fatalf("create note: %v", err)
	}

	content := "v2"
	pinned := true
	updated, err := s.Update(ctx, created.ID, "user-a", note.Update{Content: &content, Pinned: &pinned})
	if err != nil {
		t.Fatalf("update note: %v", err)
	}
	if updated == nil {
		t.Fatal("update returned nil for existing note")
	}
	if updated.Content != "v2" {
		t.Errorf("content = %q, want %q", updated.Content, "v2")
	}
	if !updated.Pinned {
		t.Error("pinned not applied")
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}
	if updated.ID != created.ID || updated.CreatedAt != created.CreatedAt ||
		updated.CreatedBy != created.CreatedBy || updated.UserID != created.UserID {
		t.Error("immutable fields changed on update")
	}
	if updated.UpdatedAt == created.UpdatedAt {
		t.Error("updated_at not bumped")
	}

	got, err := s.Read(ctx, created.ID, "user-a")
	if err != nil || got == nil {
		t.Fatalf("read after update = (%+v, %v)", got, err)
	}
	if got.Version != 2 || got.Content != "v2" {
		t.Errorf("persisted note = version %d content %q, want 2 / v2", got.Version, got.Content)
	}
}

func TestSQLiteDelete(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	created, err := s.Create(ctx, note.Create{
		Content:   "ephemeral",
		UserID:    "user-a",
		Embedding: []float32{0.5, 0.5},
	})
	if err != nil {
		t.Fatalf("create note: %v", err)
	}

	removed, err := s.Delete(ctx, created.ID, "user-a")
	if err != nil {
		t.Fatalf("delete note: %v", err)
	}
	if !removed {
		t.Fatal("delete reported false for existing note")
	}

	if got, _ := s.Read(ctx, created.ID, "user-a"); got != nil {
		t.Fatal("note still readable after delete")
	}

	removed, err = s.Delete(ctx, created.ID, "user-a")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if removed {
		t.Fatal("second delete reported true")
	}
}

func TestSQLiteSearchOrdering(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	vectors := map[string][]float32{
		"exact":      {1, 0, 0},
		"close":      {0.9, 0.1, 0},
		"orthogonal": {0, 0, 1},
	}
	for content, vec := range vectors {
		if _, err := s.Create(ctx, note.Create{Content: content, UserID: "user-a", Embedding: vec}); err != nil {
			t.Fatalf("create %q: %v", content, err)
		}
	}

	results, err := s.Search(ctx, SearchOptions{Query: []float32{1, 0, 0}, UserID: "user-a", TopK: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Note.Content != "exact" || results[1].Note.Content != "close" {
		t.Errorf("ordering = [%s, %s, %s], want [exact, close, orthogonal]",
			results[0].Note.Content, results[1].Note.Content, results[2].Note.Content)
	}
	if results[0].Score < results[1].Score || results[1].Score < results[2].Score {
		t.Error("scores not descending")
	}

	// TopK truncates.
	results, err = s.Search(ctx, SearchOptions{Query: []float32{1, 0, 0}, UserID: "user-a", TopK: 2})
	if err != nil {
		t.Fatalf("search topK=2: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results with topK=2, want 2", len(results))
	}

	// MinScore filters.
	minScore := 0.5
	results, err = s.Search(ctx, SearchOptions{
		Query: []float32{1, 0, 0}, UserID: "user-a", TopK: 10, MinScore: &minScore,
	})
	if err != nil {
		t.Fatalf("search minScore: %v", err)
	}
	for _, r := range results {
		if r.Score < minScore {
			t.Errorf("result %q score %v below floor %v", r.Note.Content, r.Score, minScore)
		}
	}
}

func TestSQLiteSearchBeforeAnyVector(t *testing.T) {
	s := newTestStore(t, 0)

	results, err := s.Search(context.Background(), SearchOptions{
		Query: []float32{1, 0}, UserID: "user-a", TopK: 5,
	})
	if err != nil {
		t.Fatalf("search empty store: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %d results from empty store, want 0", len(results))
	}
}

func TestSQLiteDimensionEnforcement(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	if _, ok := s.Dimensions(); ok {
		t.Fatal("dimensions known before any vector stored")
	}

	if _, err := s.Create(ctx, note.Create{Content: "a", UserID: "u", Embedding: []float32{1, 2, 3}}); err != nil {
		t.Fatalf("create 3-dim note: %v", err)
	}

	dims, ok := s.Dimensions()
	if !ok || dims != 3 {
		t.Fatalf("Dimensions() = (%d, %v), want (3, true)", dims, ok)
	}

	_, err := s.Create(ctx, note.Create{Content: "b", UserID: "u", Embedding: []float32{1, 2, 3, 4}})
	if err == nil {
		t.Fatal("4-dim embedding accepted into 3-dim store")
	}
	if _, ok := err.(*DimensionMismatchError); !ok {
		t.Fatalf("error type = %T, want *DimensionMismatchError", err)
	}
}

func TestSQLiteDeclaredDimension(t *testing.T) {
	s := newTestStore(t, 384)

	dims, ok := s.Dimensions()
	if !ok || dims != 384 {
		t.Fatalf("Dimensions() = (%d, %v), want (384, true)", dims, ok)
	}

	_, err := s.Create(context.Background(), note.Create{
		Content: "wrong width", UserID: "u", Embedding: []float32{1, 2},
	})
	if err == nil {
		t.Fatal("2-dim embedding accepted into declared 384-dim store")
	}
}

func TestSQLiteListPaging(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Create(ctx, note.Create{Content: "n", UserID: "user-a"}); err != nil {
			t.Fatalf("create note %d: %v", i, err)
		}
	}
	if _, err := s.Create(ctx, note.Create{Content: "other", UserID: "user-b"}); err != nil {
		t.Fatalf("create other-user note: %v", err)
	}

	page1, err := s.ListByUser(ctx, "user-a", Page{Limit: 2, Offset: 0})
	if err != nil {
		t.Fatalf("list page 1: %v", err)
	}
	page3, err := s.ListByUser(ctx, "user-a", Page{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if len(page1) != 2 || len(page3) != 1 {
		t.Errorf("page sizes = %d, %d; want 2, 1", len(page1), len(page3))
	}

	all, err := s.ListAll(ctx, Page{Limit: 100})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 6 {
		t.Errorf("ListAll returned %d notes, want 6", len(all))
	}

	count, err := s.CountByUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 5 {
		t.Errorf("CountByUser = %d, want 5", count)
	}
}

func TestSQLiteConflicts(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	conflicts := []note.Conflict{
		{
			ID: "c1", UserID: "user-a", NoteIDA: "n1", NoteIDB: "n2",
			Type: note.ConflictContradictory, Description: "n1 says X, n2 says not-X",
			DetectedAt: "2026-08-30T10:00:00Z",
		},
		{
			ID: "c2", UserID: "user-a", NoteIDA: "n3", NoteIDB: "n4",
			Type: note.ConflictSubsumes, DetectedAt: "2026-08-30T11:00:00Z",
		},
	}
	if err := s.SaveConflicts(ctx, conflicts); err != nil {
		t.Fatalf("save conflicts: %v", err)
	}

	unresolved := false
	open, err := s.ListConflicts(ctx, &unresolved, 10)
	if err != nil {
		t.Fatalf("list open conflicts: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("got %d open conflicts, want 2", len(open))
	}
	if open[0].ID != "c2" {
		t.Errorf("first conflict = %s, want c2 (newest first)", open[0].ID)
	}

	found, err := s.ResolveConflict(ctx, "c1", "kept n2")
	if err != nil {
		t.Fatalf("resolve conflict: %v", err)
	}
	if !found {
		t.Fatal("resolve reported conflict not found")
	}

	resolved := true
	closed, err := s.ListConflicts(ctx, &resolved, 10)
	if err != nil {
		t.Fatalf("list resolved conflicts: %v", err)
	}
	if len(closed) != 1 || closed[0].ID != "c1" {
		t.Fatalf("resolved conflicts = %+v, want [c1]", closed)
	}
	if closed[0].Resolution != "kept n2" || closed[0].ResolvedAt == "" {
		t.Errorf("resolution = %q / resolved_at = %q", closed[0].Resolution, closed[0].ResolvedAt)
	}

	if found, err := s.ResolveConflict(ctx, "missing", "x"); err != nil || found {
		t.Fatalf("resolve missing conflict = (%v, %v), want (false, nil)", found, err)
	}
}
