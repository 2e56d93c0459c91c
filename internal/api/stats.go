package api

import (
	"net/http"

	"github.com/nidhogg/muma/internal/activation"
	"github.com/nidhogg/muma/internal/note"
	"github.com/nidhogg/muma/internal/store"
)

// statsResponse summarizes one user's memory: how many notes they hold and
// where their stored activations sit.
type statsResponse struct {
	UserID            string                 `json:"user_id"`
	Backend           string                 `json:"backend"`
	Total             int                    `json:"total"`
	Pinned            int                    `json:"pinned"`
	PruningCandidates int                    `json:"pruning_candidates"`
	Activation        activationDistribution `json:"activation"`
}

// activationDistribution buckets stored activations: high is strongly
// retained (> 2), medium is the working range [0, 2], low has decayed below
// the retrieval threshold (< 0).
type activationDistribution struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r.URL.Query())
	if !ok {
		return
	}

	resp := statsResponse{UserID: userID, Backend: h.store.Backend()}
	err := h.forEachUserNote(r, userID, func(n note.Note) {
		resp.Total++
		if n.Pinned {
			resp.Pinned++
		}
		if activation.IsPruningCandidate(n.Activation, h.sweepCfg.PruneThreshold, n.Pinned) {
			resp.PruningCandidates++
		}
		switch {
		case n.Activation > 2.0:
			resp.Activation.High++
		case n.Activation >= 0:
			resp.Activation.Medium++
		default:
			resp.Activation.Low++
		}
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// exportedNote is a note with its embedding replaced by a placeholder.
// Raw vectors are useless outside the generating model and bloat exports.
type exportedNote struct {
	note.Note
	Embedding *embeddingPlaceholder `json:"embedding,omitempty"`
}

type embeddingPlaceholder struct {
	Dimensions int  `json:"dimensions"`
	Omitted    bool `json:"omitted"`
}

func (h *Handler) exportNotes(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r.URL.Query())
	if !ok {
		return
	}

	exported := []exportedNote{}
	err := h.forEachUserNote(r, userID, func(n note.Note) {
		e := exportedNote{Note: n}
		if len(n.Embedding) > 0 {
			e.Embedding = &embeddingPlaceholder{Dimensions: len(n.Embedding), Omitted: true}
		}
		e.Note.Embedding = nil
		exported = append(exported, e)
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"count":   len(exported),
		"notes":   exported,
	})
}

// forEachUserNote pages through every note of one user.
func (h *Handler) forEachUserNote(r *http.Request, userID string, fn func(note.Note)) error {
	for offset := 0; ; offset += store.DefaultPageLimit {
		notes, err := h.store.ListByUser(r.Context(), userID, store.Page{
			Limit:  store.DefaultPageLimit,
			Offset: offset,
		})
		if err != nil {
			return err
		}
		for _, n := range notes {
			fn(n)
		}
		if len(notes) < store.DefaultPageLimit {
			return nil
		}
	}
}
