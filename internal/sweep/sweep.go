// Package sweep implements background decay maintenance: periodically
// recompute every note's base-level activation, flag pruning candidates, and
// drop notes that have decayed beyond recovery.
package sweep

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/muma/internal/activation"
	"github.com/nidhogg/muma/internal/note"
	"github.com/nidhogg/muma/internal/store"
)

// pageSize bounds how many notes one sweep iteration loads at a time.
const pageSize = 100

// activationEpsilon is the smallest activation change worth persisting.
// Rewriting every note on every sweep would churn both backends for noise.
const activationEpsilon = 1e-9

// Config holds the sweep thresholds.
type Config struct {
	// DecayParameter is d in the base-level equation.
	DecayParameter float64
	// PruneThreshold marks a note as a pruning candidate.
	PruneThreshold float64
	// HardPruneThreshold deletes a note outright. Pinned notes are exempt
	// from both thresholds.
	HardPruneThreshold float64
}

// DefaultConfig returns the standard sweep thresholds.
func DefaultConfig() Config {
	return Config{
		DecayParameter:     0.5,
		PruneThreshold:     -2.0,
		HardPruneThreshold: -5.0,
	}
}

// Stats summarizes one sweep cycle.
type Stats struct {
	Processed         int `json:"processed"`
	Updated           int `json:"updated"`
	PruningCandidates int `json:"pruning_candidates"`
	HardPruned        int `json:"hard_pruned"`
}

// Sweeper recomputes stored activations in place.
type Sweeper struct {
	store  store.Store
	cfg    Config
	logger *zap.Logger
}

// New returns a Sweeper over s.
func New(s store.Store, cfg Config, logger *zap.Logger) *Sweeper {
	return &Sweeper{store: s, cfg: cfg, logger: logger}
}

// Run executes one full sweep across every user's notes. Only notes whose
// activation actually moved are written back. Pinned notes are exempt from
// decay entirely and are skipped before any scoring.
func (s *Sweeper) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	now := time.Now().UTC()

	for offset := 0; ; {
		notes, err := s.store.ListAll(ctx, store.Page{Limit: pageSize, Offset: offset})
		if err != nil {
			return stats, fmt.Errorf("list notes at offset %d: %w", offset, err)
		}
		if len(notes) == 0 {
			break
		}

		deleted := 0
		for _, n := range notes {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			stats.Processed++

			if n.Pinned {
				continue
			}

			// A never-retrieved note decays from its creation instant, so
			// fresh notes age out instead of scoring -Inf forever.
			accessLog := n.AccessLog
			if len(accessLog) == 0 {
				accessLog = []string{n.CreatedAt}
			}
			base := activation.BaseLevel(accessLog, now, s.cfg.DecayParameter)

			if base < s.cfg.HardPruneThreshold && !math.IsInf(base, -1) {
				removed, err := s.store.Delete(ctx, n.ID, n.UserID)
				if err != nil {
					s.logger.Warn("hard prune failed",
						zap.String("note_id", n.ID), zap.Error(err))
					continue
				}
				if removed {
					stats.HardPruned++
					deleted++
					s.logger.Info("hard pruned decayed note",
						zap.String("note_id", n.ID),
						zap.String("user_id", n.UserID),
						zap.Float64("activation", base))
				}
				continue
			}

			if activation.IsPruningCandidate(base, s.cfg.PruneThreshold, n.Pinned) {
				stats.PruningCandidates++
			}

			if !changed(n.Activation, base) {
				continue
			}
			if _, err := s.store.Update(ctx, n.ID, n.UserID, note.Update{Activation: &base}); err != nil {
				s.logger.Warn("activation update failed",
					zap.String("note_id", n.ID), zap.Error(err))
				continue
			}
			stats.Updated++
		}

		// Deletions shift later rows into the visited range; pull the
		// offset back by the number removed so no survivor is skipped.
		offset += len(notes) - deleted

		if len(notes) < pageSize {
			break
		}
	}
	return stats, nil
}

// changed reports whether a recomputed activation differs enough from the
// stored one to persist. Two -Inf values compare equal.
func changed(stored, recomputed float64) bool {
	if math.IsInf(stored, -1) && math.IsInf(recomputed, -1) {
		return false
	}
	if math.IsInf(stored, -1) != math.IsInf(recomputed, -1) {
		return true
	}
	return math.Abs(stored-recomputed) > activationEpsilon
}
