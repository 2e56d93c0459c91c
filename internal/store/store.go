// Package store persists memory notes behind a single contract with two
// interchangeable backends: an embedded SQLite store and a shared Redis
// store. Callers must see identical CRUD, isolation, and vector-search
// semantics from both.
package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/muma/internal/note"
)

// Backend identifiers reported by Store.Backend.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// SearchOptions parameterize a nearest-neighbor search.
type SearchOptions struct {
	Query    []float32
	UserID   string
	TopK     int
	MinScore *float64 // nil means no similarity floor
}

// SearchResult pairs a note with its raw similarity score in [-1, 1].
type SearchResult struct {
	Note  note.Note
	Score float64
}

// Page bounds a list operation.
type Page struct {
	Limit  int
	Offset int
}

// Store is the persistent note contract shared by both backends.
//
// Every read, update, and delete is scoped by (id, userID); an id alone never
// crosses the user-isolation boundary. Absent notes are reported as nil
// results, not errors.
type Store interface {
	Create(ctx context.Context, c note.Create) (note.Note, error)
	Read(ctx context.Context, id, userID string) (*note.Note, error)
	Update(ctx context.Context, id, userID string, u note.Update) (*note.Note, error)
	Delete(ctx context.Context, id, userID string) (bool, error)

	// Search returns up to TopK notes for the user ordered by similarity
	// descending.
	Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error)

	ListByUser(ctx context.Context, userID string, page Page) ([]note.Note, error)
	// ListAll pages through every note regardless of user, for maintenance
	// sweeps only.
	ListAll(ctx context.Context, page Page) ([]note.Note, error)
	CountByUser(ctx context.Context, userID string) (int, error)

	// Conflict records, written by the external consolidation subsystem.
	SaveConflicts(ctx context.Context, conflicts []note.Conflict) error
	ListConflicts(ctx context.Context, resolved *bool, limit int) ([]note.Conflict, error)
	ResolveConflict(ctx context.Context, conflictID, resolution string) (bool, error)

	// Backend reports which implementation is active.
	Backend() string
	// Dimensions reports the fixed embedding width once the first vector has
	// been stored (or once declared at construction); ok is false until then.
	Dimensions() (int, bool)

	Close() error
}

// DimensionMismatchError reports an embedding whose width differs from the
// store's fixed dimension. It is never silently coerced.
type DimensionMismatchError struct {
	Stored int
	Got    int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: store holds %d-dim vectors, got %d-dim", e.Stored, e.Got)
}

// DefaultPageLimit bounds list operations when the caller passes no limit.
const DefaultPageLimit = 100

func (p Page) withDefaults() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
