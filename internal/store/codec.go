package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/muma/internal/note"
)

// newNote materializes a note from caller-supplied fields, assigning the id,
// timestamps, and lifecycle defaults (activation 0, half-life 168h, version 1,
// unpinned). Zero importance/confidence default to 0.5, matching the write
// pipeline's neutral prior.
func newNote(c note.Create) note.Note {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	visibility := c.Visibility
	if visibility == "" {
		visibility = note.VisibilityScoped
	}
	source := c.Source
	if source == "" {
		source = note.SourceExperience
	}
	importance := c.Importance
	if importance == 0 {
		importance = 0.5
	}
	confidence := c.Confidence
	if confidence == 0 {
		confidence = 0.5
	}

	return note.Note{
		ID:          uuid.New().String(),
		Content:     c.Content,
		Context:     c.Context,
		Keywords:    emptyIfNil(c.Keywords),
		Tags:        emptyIfNil(c.Tags),
		Embedding:   c.Embedding,
		Links:       emptyIfNil(c.Links),
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   c.CreatedBy,
		UserID:      c.UserID,
		Domain:      c.Domain,
		Visibility:  visibility,
		// Creation counts as the first access: without it a fresh note has
		// -Inf base-level activation and can never clear the retrieval
		// threshold. The count stays in step with the log.
		AccessCount: 1,
		AccessLog:   []string{now},
		Activation:  0,
		HalfLife:    note.DefaultHalfLifeHours,
		Importance:  importance,
		Source:      source,
		Confidence:  confidence,
		Version:     1,
		Pinned:      false,
	}
}

// mergeUpdate applies a partial update on top of an existing note, keeping
// immutable fields and bumping version and updated_at.
func mergeUpdate(existing note.Note, u note.Update) note.Note {
	merged := existing.Apply(u)
	merged.ID = existing.ID
	merged.CreatedAt = existing.CreatedAt
	merged.CreatedBy = existing.CreatedBy
	merged.UserID = existing.UserID
	merged.Version = existing.Version + 1
	merged.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	return merged
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// marshalStrings JSON-encodes a string slice, never failing: both backends
// store string arrays as JSON text.
func marshalStrings(s []string) string {
	b, err := json.Marshal(emptyIfNil(s))
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}
