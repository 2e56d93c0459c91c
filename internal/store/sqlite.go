package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nidhogg/muma/internal/embedding"
	"github.com/nidhogg/muma/internal/note"
	"go.uber.org/zap"
)

// SQLiteStore is the embedded single-process backend. Notes live in a plain
// relational table; embeddings live in a separate note_vectors table keyed by
// note id, created only once the embedding dimension is known.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger

	mu        sync.Mutex
	dims      int
	dimsKnown bool
	vecTable  bool
}

// MemoryPath opens the store fully in memory, for tests and ephemeral runs.
const MemoryPath = ":memory:"

// NewSQLite opens (or creates) the SQLite store at path. dims may be 0 when
// the embedding width is not known upfront; the vector table is then created
// lazily on the first stored embedding.
func NewSQLite(path string, dims int, logger *zap.Logger) (*SQLiteStore, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writes anyway, and a single connection
	// keeps :memory: databases from fragmenting across the pool.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path, logger: logger}
	if err := s.init(dims); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(dims int) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			keywords TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '[]',
			links TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			created_by TEXT NOT NULL,
			user_id TEXT NOT NULL,
			domain TEXT NOT NULL DEFAULT '',
			visibility TEXT NOT NULL DEFAULT 'scoped',
			access_count INTEGER NOT NULL DEFAULT 0,
			access_log TEXT NOT NULL DEFAULT '[]',
			activation REAL NOT NULL DEFAULT 0,
			half_life REAL NOT NULL DEFAULT 168,
			importance REAL NOT NULL DEFAULT 0.5,
			source TEXT NOT NULL DEFAULT 'experience',
			confidence REAL NOT NULL DEFAULT 0.5,
			version INTEGER NOT NULL DEFAULT 1,
			pinned INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_user ON notes(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_domain ON notes(user_id, domain)`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			note_id_a TEXT NOT NULL,
			note_id_b TEXT NOT NULL,
			type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			resolved INTEGER NOT NULL DEFAULT 0,
			resolution TEXT NOT NULL DEFAULT '',
			detected_at TEXT NOT NULL,
			resolved_at TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	// A previous run may already have fixed the dimension.
	var name string
	err := s.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='note_vectors'`).Scan(&name)
	switch {
	case err == nil:
		s.vecTable = true
		var stored int
		if err := s.db.QueryRow(`SELECT dimensions FROM note_vectors LIMIT 1`).Scan(&stored); err == nil {
			s.dims = stored
			s.dimsKnown = true
		}
	case err != sql.ErrNoRows:
		return fmt.Errorf("inspect schema: %w", err)
	}

	if dims > 0 {
		if s.dimsKnown && s.dims != dims {
			return &DimensionMismatchError{Stored: s.dims, Got: dims}
		}
		if err := s.ensureVectorTable(dims); err != nil {
			return err
		}
	}
	return nil
}

// ensureVectorTable fixes the store's embedding dimension and creates the
// vector table. Callers must hold no assumptions about prior state; the call
// is idempotent for a matching dimension.
func (s *SQLiteStore) ensureVectorTable(dims int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimsKnown {
		if s.dims != dims {
			return &DimensionMismatchError{Stored: s.dims, Got: dims}
		}
	} else {
		s.dims = dims
		s.dimsKnown = true
	}
	if s.vecTable {
		return nil
	}
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS note_vectors (
		note_id TEXT PRIMARY KEY,
		embedding BLOB NOT NULL,
		dimensions INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create vector table: %w", err)
	}
	s.vecTable = true
	return nil
}

func (s *SQLiteStore) hasVectorTable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vecTable
}

// Backend implements Store.
func (s *SQLiteStore) Backend() string { return BackendSQLite }

// Dimensions implements Store.
func (s *SQLiteStore) Dimensions() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dims, s.dimsKnown
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, c note.Create) (note.Note, error) {
	n := newNote(c)

	if len(n.Embedding) > 0 {
		if err := s.ensureVectorTable(len(n.Embedding)); err != nil {
			return note.Note{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return note.Note{}, fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO notes (
			id, content, context, keywords, tags, links,
			created_at, updated_at, created_by, user_id, domain, visibility,
			access_count, access_log, activation, half_life, importance,
			source, confidence, version, pinned
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Content, n.Context,
		marshalStrings(n.Keywords), marshalStrings(n.Tags), marshalStrings(n.Links),
		n.CreatedAt, n.UpdatedAt, n.CreatedBy, n.UserID, n.Domain, string(n.Visibility),
		n.AccessCount, marshalStrings(n.AccessLog), n.Activation, n.HalfLife, n.Importance,
		string(n.Source), n.Confidence, n.Version, boolToInt(n.Pinned))
	if err != nil {
		return note.Note{}, fmt.Errorf("insert note: %w", err)
	}

	if len(n.Embedding) > 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO note_vectors (note_id, embedding, dimensions) VALUES (?, ?, ?)`,
			n.ID, embedding.EncodeVector(n.Embedding), len(n.Embedding))
		if err != nil {
			return note.Note{}, fmt.Errorf("insert vector: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return note.Note{}, fmt.Errorf("commit create: %w", err)
	}
	return n, nil
}

const noteColumns = `id, content, context, keywords, tags, links,
	created_at, updated_at, created_by, user_id, domain, visibility,
	access_count, access_log, activation, half_life, importance,
	source, confidence, version, pinned`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (note.Note, error) {
	var n note.Note
	var keywords, tags, links, accessLog, visibility, source string
	var pinned int
	err := row.Scan(
		&n.ID, &n.Content, &n.Context, &keywords, &tags, &links,
		&n.CreatedAt, &n.UpdatedAt, &n.CreatedBy, &n.UserID, &n.Domain, &visibility,
		&n.AccessCount, &accessLog, &n.Activation, &n.HalfLife, &n.Importance,
		&source, &n.Confidence, &n.Version, &pinned)
	if err != nil {
		return note.Note{}, err
	}
	n.Keywords = unmarshalStrings(keywords)
	n.Tags = unmarshalStrings(tags)
	n.Links = unmarshalStrings(links)
	n.AccessLog = unmarshalStrings(accessLog)
	n.Visibility = note.Visibility(visibility)
	n.Source = note.Source(source)
	n.Pinned = pinned != 0
	n.Embedding = []float32{}
	return n, nil
}

func (s *SQLiteStore) loadEmbedding(ctx context.Context, noteID string) ([]float32, error) {
	if !s.hasVectorTable() {
		return []float32{}, nil
	}
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding FROM note_vectors WHERE note_id = ?`, noteID).Scan(&blob)
	if err == sql.ErrNoRows {
		return []float32{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load embedding: %w", err)
	}
	return embedding.DecodeVector(blob), nil
}

// Read implements Store. A missing (id, userID) pair yields (nil, nil).
func (s *SQLiteStore) Read(ctx context.Context, id, userID string) (*note.Note, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = ? AND user_id = ?`, id, userID)
	n, err := scanNote(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read note: %w", err)
	}
	emb, err := s.loadEmbedding(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	n.Embedding = emb
	return &n, nil
}

// Update implements Store. Immutable fields are preserved and version is
// bumped by exactly one; a missing note yields (nil, nil) with no side
// effects.
func (s *SQLiteStore) Update(ctx context.Context, id, userID string, u note.Update) (*note.Note, error) {
	existing, err := s.Read(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	merged := mergeUpdate(*existing, u)

	if u.Embedding != nil {
		if err := s.ensureVectorTable(len(u.Embedding)); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `UPDATE notes SET
			content = ?, context = ?, keywords = ?, tags = ?, links = ?,
			updated_at = ?, domain = ?, visibility = ?,
			access_count = ?, access_log = ?, activation = ?, half_life = ?,
			importance = ?, confidence = ?, version = ?, pinned = ?
		WHERE id = ? AND user_id = ?`,
		merged.Content, merged.Context,
		marshalStrings(merged.Keywords), marshalStrings(merged.Tags), marshalStrings(merged.Links),
		merged.UpdatedAt, merged.Domain, string(merged.Visibility),
		merged.AccessCount, marshalStrings(merged.AccessLog), merged.Activation, merged.HalfLife,
		merged.Importance, merged.Confidence, merged.Version, boolToInt(merged.Pinned),
		id, userID)
	if err != nil {
		return nil, fmt.Errorf("update note: %w", err)
	}

	if u.Embedding != nil {
		_, err = tx.ExecContext(ctx, `INSERT INTO note_vectors (note_id, embedding, dimensions)
				VALUES (?, ?, ?)
				ON CONFLICT(note_id) DO UPDATE SET embedding = excluded.embedding, dimensions = excluded.dimensions`,
			id, embedding.EncodeVector(u.Embedding), len(u.Embedding))
		if err != nil {
			return nil, fmt.Errorf("update vector: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return &merged, nil
}

// Delete implements Store. The note row and its vector entry are removed
// together; the result reports whether anything existed.
func (s *SQLiteStore) Delete(ctx context.Context, id, userID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete note: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete note: %w", err)
	}

	if affected > 0 && s.hasVectorTable() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM note_vectors WHERE note_id = ?`, id); err != nil {
			return false, fmt.Errorf("delete vector: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return affected > 0, nil
}

// Search implements Store. modernc's SQLite has no vector extension, so the
// user's vectors are scored with cosine similarity in-process and sorted
// descending. With no vector table yet there is nothing to search.
func (s *SQLiteStore) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	if !s.hasVectorTable() {
		return nil, nil
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+prefixedNoteColumns("n")+`, v.embedding
			FROM note_vectors v
			INNER JOIN notes n ON n.id = v.note_id
			WHERE n.user_id = ?`, opts.UserID)
	if err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var n note.Note
		var keywords, tags, links, accessLog, visibility, source string
		var pinned int
		var blob []byte
		err := rows.Scan(
			&n.ID, &n.Content, &n.Context, &keywords, &tags, &links,
			&n.CreatedAt, &n.UpdatedAt, &n.CreatedBy, &n.UserID, &n.Domain, &visibility,
			&n.AccessCount, &accessLog, &n.Activation, &n.HalfLife, &n.Importance,
			&source, &n.Confidence, &n.Version, &pinned, &blob)
		if err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		n.Keywords = unmarshalStrings(keywords)
		n.Tags = unmarshalStrings(tags)
		n.Links = unmarshalStrings(links)
		n.AccessLog = unmarshalStrings(accessLog)
		n.Visibility = note.Visibility(visibility)
		n.Source = note.Source(source)
		n.Pinned = pinned != 0
		n.Embedding = embedding.DecodeVector(blob)

		score := embedding.Cosine(opts.Query, n.Embedding)
		if opts.MinScore != nil && score < *opts.MinScore {
			continue
		}
		results = append(results, SearchResult{Note: n, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// ListByUser implements Store, newest first.
func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, page Page) ([]note.Note, error) {
	page = page.withDefaults()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE user_id = ?
		 ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	return s.collectNotes(ctx, rows)
}

// ListAll implements Store: every user's notes in stable order, for sweeps.
func (s *SQLiteStore) ListAll(ctx context.Context, page Page) ([]note.Note, error) {
	page = page.withDefaults()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM notes ORDER BY created_at, id LIMIT ? OFFSET ?`,
		page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list all notes: %w", err)
	}
	return s.collectNotes(ctx, rows)
}

func (s *SQLiteStore) collectNotes(ctx context.Context, rows *sql.Rows) ([]note.Note, error) {
	defer rows.Close()
	var notes []note.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	for i := range notes {
		emb, err := s.loadEmbedding(ctx, notes[i].ID)
		if err != nil {
			return nil, err
		}
		notes[i].Embedding = emb
	}
	return notes, nil
}

// CountByUser implements Store.
func (s *SQLiteStore) CountByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notes WHERE user_id = ?`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notes: %w", err)
	}
	return count, nil
}

// SaveConflicts implements Store.
func (s *SQLiteStore) SaveConflicts(ctx context.Context, conflicts []note.Conflict) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save conflicts: %w", err)
	}
	defer tx.Rollback()

	for _, c := range conflicts {
		_, err := tx.ExecContext(ctx, `INSERT INTO conflicts
				(id, user_id, note_id_a, note_id_b, type, description, resolved, resolution, detected_at, resolved_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					resolved = excluded.resolved,
					resolution = excluded.resolution,
					resolved_at = excluded.resolved_at`,
			c.ID, c.UserID, c.NoteIDA, c.NoteIDB, string(c.Type), c.Description,
			boolToInt(c.Resolved), c.Resolution, c.DetectedAt, c.ResolvedAt)
		if err != nil {
			return fmt.Errorf("save conflict %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ListConflicts implements Store. resolved filters when non-nil.
func (s *SQLiteStore) ListConflicts(ctx context.Context, resolved *bool, limit int) ([]note.Conflict, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	query := `SELECT id, user_id, note_id_a, note_id_b, type, description, resolved, resolution, detected_at, resolved_at
		FROM conflicts`
	args := []any{}
	if resolved != nil {
		query += ` WHERE resolved = ?`
		args = append(args, boolToInt(*resolved))
	}
	query += ` ORDER BY detected_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []note.Conflict
	for rows.Next() {
		var c note.Conflict
		var ctype string
		var res int
		if err := rows.Scan(&c.ID, &c.UserID, &c.NoteIDA, &c.NoteIDB, &ctype,
			&c.Description, &res, &c.Resolution, &c.DetectedAt, &c.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.Type = note.ConflictType(ctype)
		c.Resolved = res != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflict implements Store.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, conflictID, resolution string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET resolved = 1, resolution = ?, resolved_at = ? WHERE id = ?`,
		resolution, time.Now().UTC().Format(time.RFC3339Nano), conflictID)
	if err != nil {
		return false, fmt.Errorf("resolve conflict: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve conflict: %w", err)
	}
	return affected > 0, nil
}

func prefixedNoteColumns(alias string) string {
	return alias + `.id, ` + alias + `.content, ` + alias + `.context, ` + alias + `.keywords, ` +
		alias + `.tags, ` + alias + `.links, ` + alias + `.created_at, ` + alias + `.updated_at, ` +
		alias + `.created_by, ` + alias + `.user_id, ` + alias + `.domain, ` + alias + `.visibility, ` +
		alias + `.access_count, ` + alias + `.access_log, ` + alias + `.activation, ` + alias + `.half_life, ` +
		alias + `.importance, ` + alias + `.source, ` + alias + `.confidence, ` + alias + `.version, ` +
		alias + `.pinned`
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
