package retrieval

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/muma/internal/activation"
	"github.com/nidhogg/muma/internal/note"
)

// trackAll reinforces every recalled note from a detached context. Runs on
// its own goroutine; errors are logged and never surfaced to the caller.
func (e *Engine) trackAll(ids []string, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.trackTimeout)
	defer cancel()

	for _, id := range ids {
		if err := e.trackAccess(ctx, id, userID); err != nil {
			e.logger.Warn("access tracking failed",
				zap.String("note_id", id),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
}

// trackAccess records one retrieval of a note: stamp the access log, bump
// the counter, slow the decay, and persist the recomputed base-level
// activation. A note deleted mid-flight is a no-op.
func (e *Engine) trackAccess(ctx context.Context, id, userID string) error {
	existing, err := e.store.Read(ctx, id, userID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	now := time.Now().UTC()
	accessLog := append(append([]string{}, existing.AccessLog...), now.Format(time.RFC3339Nano))
	accessCount := existing.AccessCount + 1
	halfLife := activation.ReinforceHalfLife(existing.HalfLife, activation.DefaultReinforceFactor)
	base := activation.BaseLevel(accessLog, now, e.params.DecayParameter)

	_, err = e.store.Update(ctx, id, userID, note.Update{
		AccessCount: &accessCount,
		AccessLog:   accessLog,
		Activation:  &base,
		HalfLife:    &halfLife,
	})
	return err
}
