package sweep

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/muma/internal/note"
	"github.com/nidhogg/muma/internal/store"
)

func newTestSweeper(t *testing.T) (*Sweeper, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(store.MemoryPath, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, DefaultConfig(), zap.NewNop()), s
}

// ageNote rewrites a note's access history to a single access hoursAgo in
// the past, giving it a predictable base level of -d*ln(hoursAgo).
func ageNote(t *testing.T, s store.Store, id, userID string, hoursAgo float64) {
	t.Helper()
	stamp := time.Now().UTC().Add(-time.Duration(hoursAgo * float64(time.Hour))).Format(time.RFC3339Nano)
	if _, err := s.Update(context.Background(), id, userID, note.Update{AccessLog: []string{stamp}}); err != nil {
		t.Fatalf("age note %s: %v", id, err)
	}
}

func TestSweepUpdatesActivation(t *testing.T) {
	sweeper, s := newTestSweeper(t)
	ctx := context.Background()

	created, err := s.Create(ctx, note.Create{Content: "fresh", UserID: "user-a"})
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	// 100 hours old: base = -0.5*ln(100) ~= -2.30.
	ageNote(t, s, created.ID, "user-a", 100)

	stats, err := sweeper.Run(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Processed != 1 {
		t.Errorf("processed = %d, want 1", stats.Processed)
	}
	if stats.Updated != 1 {
		t.Errorf("updated = %d, want 1", stats.Updated)
	}
	if stats.PruningCandidates != 1 {
		t.Errorf("pruning candidates = %d, want 1 (activation below -2)", stats.PruningCandidates)
	}

	got, err := s.Read(ctx, created.ID, "user-a")
	if err != nil || got == nil {
		t.Fatalf("read after sweep = (%+v, %v)", got, err)
	}
	want := -0.5 * math.Log(100)
	if math.Abs(got.Activation-want) > 0.01 {
		t.Errorf("activation = %v, want ~%v", got.Activation, want)
	}
}

func TestSweepHardPrunesDecayedNotes(t *testing.T) {
	sweeper, s := newTestSweeper(t)
	ctx := context.Background()

	doomed, err := s.Create(ctx, note.Create{Content: "ancient", UserID: "user-a"})
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	// base = -0.5*ln(30000) ~= -5.15, below the hard threshold of -5.
	ageNote(t, s, doomed.ID, "user-a", 30000)

	stats, err := sweeper.Run(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.HardPruned != 1 {
		t.Errorf("hard pruned = %d, want 1", stats.HardPruned)
	}
	if got, _ := s.Read(ctx, doomed.ID, "user-a"); got != nil {
		t.Fatal("hard-pruned note still readable")
	}
}

func TestSweepNeverPrunesPinnedNotes(t *testing.T) {
	sweeper, s := newTestSweeper(t)
	ctx := context.Background()

	keeper, err := s.Create(ctx, note.Create{Content: "pinned forever", UserID: "user-a"})
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	pinned := true
	if _, err := s.Update(ctx, keeper.ID, "user-a", note.Update{Pinned: &pinned}); err != nil {
		t.Fatalf("pin note: %v", err)
	}
	ageNote(t, s, keeper.ID, "user-a", 30000)

	before, err := s.Read(ctx, keeper.ID, "user-a")
	if err != nil || before == nil {
		t.Fatalf("read before sweep = (%+v, %v)", before, err)
	}

	stats, err := sweeper.Run(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.HardPruned != 0 {
		t.Errorf("hard pruned = %d, want 0", stats.HardPruned)
	}
	if stats.PruningCandidates != 0 {
		t.Errorf("pruning candidates = %d, want 0 for pinned note", stats.PruningCandidates)
	}
	if stats.Updated != 0 {
		t.Errorf("updated = %d, want 0: pinned notes are exempt from decay", stats.Updated)
	}

	got, err := s.Read(ctx, keeper.ID, "user-a")
	if err != nil || got == nil {
		t.Fatal("pinned note was pruned")
	}
	if got.Activation != before.Activation {
		t.Errorf("activation rewritten from %v to %v for pinned note", before.Activation, got.Activation)
	}
	if got.Version != before.Version {
		t.Errorf("version bumped from %d to %d for pinned note", before.Version, got.Version)
	}
}

func TestSweepVisitsEveryNoteAcrossDeletions(t *testing.T) {
	sweeper, s := newTestSweeper(t)
	ctx := context.Background()

	// More than one page of hard-prunable notes. Deleting rows while paging
	// must not shift any survivor out of the sweep.
	const total = pageSize + 20
	for i := 0; i < total; i++ {
		created, err := s.Create(ctx, note.Create{Content: "ancient", UserID: "user-a"})
		if err != nil {
			t.Fatalf("create note %d: %v", i, err)
		}
		ageNote(t, s, created.ID, "user-a", 30000)
	}

	stats, err := sweeper.Run(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Processed != total {
		t.Errorf("processed = %d, want %d", stats.Processed, total)
	}
	if stats.HardPruned != total {
		t.Errorf("hard pruned = %d, want %d", stats.HardPruned, total)
	}
	remaining, err := s.ListAll(ctx, store.Page{Limit: total})
	if err != nil {
		t.Fatalf("list after sweep: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("%d notes survived a sweep that should have pruned all", len(remaining))
	}
}

func TestSweepCoversAllUsers(t *testing.T) {
	sweeper, s := newTestSweeper(t)
	ctx := context.Background()

	for _, userID := range []string{"user-a", "user-b", "user-c"} {
		if _, err := s.Create(ctx, note.Create{Content: "note", UserID: userID}); err != nil {
			t.Fatalf("create note for %s: %v", userID, err)
		}
	}

	stats, err := sweeper.Run(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Processed != 3 {
		t.Errorf("processed = %d, want 3", stats.Processed)
	}
}

func TestChangedEpsilon(t *testing.T) {
	if changed(1.0, 1.0) {
		t.Error("identical activations reported as changed")
	}
	if changed(math.Inf(-1), math.Inf(-1)) {
		t.Error("two -Inf activations reported as changed")
	}
	if !changed(0, math.Inf(-1)) {
		t.Error("0 vs -Inf not reported as changed")
	}
	if !changed(1.0, 1.5) {
		t.Error("real activation shift not reported as changed")
	}
}

func TestSchedulerRunsImmediatelyAndStops(t *testing.T) {
	sweeper, s := newTestSweeper(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, note.Create{Content: "note", UserID: "user-a"}); err != nil {
		t.Fatalf("create note: %v", err)
	}
	// Age it so the first sweep has something to persist.
	notes, err := s.ListAll(ctx, store.Page{Limit: 10})
	if err != nil || len(notes) != 1 {
		t.Fatalf("list notes = (%d, %v)", len(notes), err)
	}
	ageNote(t, s, notes[0].ID, "user-a", 10)

	sched := NewScheduler(sweeper, time.Hour, zap.NewNop())
	sched.Start()

	// The first sweep fires immediately, not after the first tick.
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := s.Read(ctx, notes[0].ID, "user-a")
		if err != nil || got == nil {
			t.Fatalf("read note = (%+v, %v)", got, err)
		}
		if got.Activation != 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first sweep did not run immediately after Start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sched.Stop()
	// Stop twice is safe.
	sched.Stop()
}
