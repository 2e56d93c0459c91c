// Package retrieval implements the recall pipeline: embed the query,
// over-fetch candidates by similarity, re-rank them with the activation
// model, expand one hop of links, and reinforce whatever was recalled.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/muma/internal/activation"
	"github.com/nidhogg/muma/internal/embedding"
	"github.com/nidhogg/muma/internal/note"
	"github.com/nidhogg/muma/internal/store"
)

// overFetchFactor widens the similarity search so the activation re-rank has
// slack to promote low-similarity, high-activation notes into the top K.
const overFetchFactor = 2

// DefaultTopK bounds a retrieval when the caller passes no limit.
const DefaultTopK = 10

// Result is one recalled note with its scoring breakdown.
type Result struct {
	Note       note.Note `json:"note"`
	Similarity float64   `json:"similarity"`
	Activation float64   `json:"activation"`
	// Linked marks notes pulled in through link expansion rather than the
	// ranked search itself.
	Linked bool `json:"linked"`
}

// Engine wires the store, the embedding provider, and the activation model
// into one retrieval path.
type Engine struct {
	store    store.Store
	provider embedding.Provider
	params   activation.Params
	logger   *zap.Logger

	// trackTimeout bounds the background reinforcement write.
	trackTimeout time.Duration
}

// New returns an Engine with the given scoring parameters.
func New(s store.Store, provider embedding.Provider, params activation.Params, logger *zap.Logger) *Engine {
	return &Engine{
		store:        s,
		provider:     provider,
		params:       params,
		logger:       logger,
		trackTimeout: 10 * time.Second,
	}
}

// Retrieve recalls up to topK notes for the user's query plus any one-hop
// linked notes. Recalled notes are reinforced in the background; a tracking
// failure never affects the returned results.
func (e *Engine) Retrieve(ctx context.Context, query, userID string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	vecs, err := e.provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embed query: provider returned no vectors")
	}
	queryVec := vecs[0]

	candidates, err := e.store.Search(ctx, store.SearchOptions{
		Query:  queryVec,
		UserID: userID,
		TopK:   topK * overFetchFactor,
	})
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}

	now := time.Now().UTC()
	var ranked []Result
	for _, c := range candidates {
		total := activation.Total(
			activation.BaseLevel(c.Note.AccessLog, now, e.params.DecayParameter),
			activation.Spreading(c.Score, e.params.ContextWeight),
			activation.Noise(e.params.NoiseStdDev),
		)
		if total < e.params.RetrievalThreshold {
			continue
		}
		ranked = append(ranked, Result{Note: c.Note, Similarity: c.Score, Activation: total})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Activation > ranked[j].Activation
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	results := e.expandLinks(ctx, ranked, userID)

	// Only the ranked results are reinforced. Link-expanded notes ride
	// along without counting as a retrieval of their own.
	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.Note.ID
	}
	go e.trackAll(ids, userID)

	return results, nil
}

// expandLinks appends each result's directly linked notes, deduplicated
// against the result set. Links are user-scoped ids; anything unreadable in
// this user's space is skipped without failing the retrieval.
func (e *Engine) expandLinks(ctx context.Context, ranked []Result, userID string) []Result {
	seen := make(map[string]bool, len(ranked))
	for _, r := range ranked {
		seen[r.Note.ID] = true
	}

	results := ranked
	for _, r := range ranked {
		for _, linkID := range r.Note.Links {
			if seen[linkID] {
				continue
			}
			seen[linkID] = true

			linked, err := e.store.Read(ctx, linkID, userID)
			if err != nil {
				e.logger.Debug("link expansion read failed",
					zap.String("note_id", linkID), zap.Error(err))
				continue
			}
			if linked == nil {
				continue
			}
			results = append(results, Result{Note: *linked, Linked: true})
		}
	}
	return results
}
