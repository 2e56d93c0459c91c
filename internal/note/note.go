// Package note defines the memory note data model shared by every
// storage backend and the retrieval pipeline.
package note

// Visibility controls which agents may see a note.
type Visibility string

const (
	VisibilityOpen     Visibility = "open"
	VisibilityScoped   Visibility = "scoped"
	VisibilityPrivate  Visibility = "private"
	VisibilityUserOnly Visibility = "user-only"
)

// Source describes how a memory entered the system.
type Source string

const (
	SourceExperience Source = "experience"
	SourceTold       Source = "told"
	SourceInferred   Source = "inferred"
)

// DefaultHalfLifeHours is the initial half-life assigned at creation (7 days).
const DefaultHalfLifeHours = 168.0

// Note is the unit of memory. Timestamps are RFC 3339 strings so both
// backends persist them byte-identically.
type Note struct {
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	Context     string     `json:"context"`
	Keywords    []string   `json:"keywords"`
	Tags        []string   `json:"tags"`
	Embedding   []float32  `json:"embedding"`
	Links       []string   `json:"links"`
	CreatedAt   string     `json:"created_at"`
	UpdatedAt   string     `json:"updated_at"`
	CreatedBy   string     `json:"created_by"`
	UserID      string     `json:"user_id"`
	Domain      string     `json:"domain"`
	Visibility  Visibility `json:"visibility"`
	AccessCount int        `json:"access_count"`
	AccessLog   []string   `json:"access_log"`
	Activation  float64    `json:"activation"`
	HalfLife    float64    `json:"half_life"`
	Importance  float64    `json:"importance"`
	Source      Source     `json:"source"`
	Confidence  float64    `json:"confidence"`
	Version     int        `json:"version"`
	Pinned      bool       `json:"pinned"`
}

// Create holds caller-supplied fields for a new note. Everything else
// (id, timestamps, activation, half-life, version) is assigned by the store.
type Create struct {
	Content    string     `json:"content"`
	Context    string     `json:"context"`
	Keywords   []string   `json:"keywords"`
	Tags       []string   `json:"tags"`
	Embedding  []float32  `json:"embedding"`
	Links      []string   `json:"links"`
	CreatedBy  string     `json:"created_by"`
	UserID     string     `json:"user_id"`
	Domain     string     `json:"domain"`
	Visibility Visibility `json:"visibility"`
	Importance float64    `json:"importance"`
	Source     Source     `json:"source"`
	Confidence float64    `json:"confidence"`
}

// Update is a partial note mutation. Nil pointers mean "leave unchanged".
// Immutable fields (id, created_at, created_by, user_id) have no entry here
// on purpose.
type Update struct {
	Content     *string    `json:"content,omitempty"`
	Context     *string    `json:"context,omitempty"`
	Keywords    []string   `json:"keywords,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Embedding   []float32  `json:"embedding,omitempty"`
	Links       []string   `json:"links,omitempty"`
	Domain      *string    `json:"domain,omitempty"`
	Visibility  *Visibility `json:"visibility,omitempty"`
	Importance  *float64   `json:"importance,omitempty"`
	Confidence  *float64   `json:"confidence,omitempty"`
	Pinned      *bool      `json:"pinned,omitempty"`
	AccessCount *int       `json:"access_count,omitempty"`
	AccessLog   []string   `json:"access_log,omitempty"`
	Activation  *float64   `json:"activation,omitempty"`
	HalfLife    *float64   `json:"half_life,omitempty"`
}

// ConflictType classifies the relationship between two contradicting notes.
type ConflictType string

const (
	ConflictCompatible    ConflictType = "compatible"
	ConflictContradictory ConflictType = "contradictory"
	ConflictSubsumes      ConflictType = "subsumes"
	ConflictAmbiguous     ConflictType = "ambiguous"
)

// Conflict records a detected contradiction between two notes. Conflicts are
// produced by the external consolidation subsystem; the store only persists
// and resolves them.
type Conflict struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	NoteIDA     string       `json:"note_id_a"`
	NoteIDB     string       `json:"note_id_b"`
	Type        ConflictType `json:"type"`
	Description string       `json:"description"`
	Resolved    bool         `json:"resolved"`
	Resolution  string       `json:"resolution,omitempty"`
	DetectedAt  string       `json:"detected_at"`
	ResolvedAt  string       `json:"resolved_at,omitempty"`
}

// Apply merges an update into a copy of n, preserving immutable fields and
// bumping nothing; version/updated_at bookkeeping is the store's job.
func (n Note) Apply(u Update) Note {
	if u.Content != nil {
		n.Content = *u.Content
	}
	if u.Context != nil {
		n.Context = *u.Context
	}
	if u.Keywords != nil {
		n.Keywords = u.Keywords
	}
	if u.Tags != nil {
		n.Tags = u.Tags
	}
	if u.Embedding != nil {
		n.Embedding = u.Embedding
	}
	if u.Links != nil {
		n.Links = u.Links
	}
	if u.Domain != nil {
		n.Domain = *u.Domain
	}
	if u.Visibility != nil {
		n.Visibility = *u.Visibility
	}
	if u.Importance != nil {
		n.Importance = *u.Importance
	}
	if u.Confidence != nil {
		n.Confidence = *u.Confidence
	}
	if u.Pinned != nil {
		n.Pinned = *u.Pinned
	}
	if u.AccessCount != nil {
		n.AccessCount = *u.AccessCount
	}
	if u.AccessLog != nil {
		n.AccessLog = u.AccessLog
	}
	if u.Activation != nil {
		n.Activation = *u.Activation
	}
	if u.HalfLife != nil {
		n.HalfLife = *u.HalfLife
	}
	return n
}
