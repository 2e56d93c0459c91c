package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/muma/internal/embedding"
	"github.com/nidhogg/muma/internal/note"
)

// RedisStore is the shared remote backend. Each note is one hash at
// <prefix><userID>:note:<id> with its embedding stored as raw little-endian
// float32 bytes. Nearest-neighbor search goes through a RediSearch vector
// index over the hash prefix; when the server lacks the search module the
// store degrades to SCAN plus in-process cosine with identical results.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	mu         sync.Mutex
	dims       int
	dimsKnown  bool
	indexReady bool
}

// NewRedis connects to the Redis instance at url. dims may be 0 when the
// embedding width is unknown; the vector index is then created lazily on the
// first stored embedding. A ping failure is returned to the caller so the
// factory can fall back to the embedded backend.
func NewRedis(ctx context.Context, url, prefix string, dims int, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := &RedisStore{client: client, prefix: prefix, logger: logger}
	if dims > 0 {
		s.mu.Lock()
		s.dims = dims
		s.dimsKnown = true
		s.mu.Unlock()
		if err := s.ensureIndex(ctx); err != nil {
			// Degraded, not fatal: search falls back to SCAN + cosine.
			logger.Warn("vector index unavailable, search will scan",
				zap.String("prefix", prefix), zap.Error(err))
		}
	}
	return s, nil
}

// Backend implements Store.
func (s *RedisStore) Backend() string { return BackendRedis }

// Dimensions implements Store.
func (s *RedisStore) Dimensions() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dims, s.dimsKnown
}

// Close releases the client connection.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) noteKey(userID, id string) string {
	return s.prefix + userID + ":note:" + id
}

func (s *RedisStore) conflictKey(id string) string {
	return s.prefix + "conflict:" + id
}

func (s *RedisStore) indexName() string {
	return s.prefix + "idx:notes"
}

// fixDims records the store's embedding width from the first vector seen and
// rejects any later width that differs.
func (s *RedisStore) fixDims(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimsKnown {
		if s.dims != n {
			return &DimensionMismatchError{Stored: s.dims, Got: n}
		}
		return nil
	}
	s.dims = n
	s.dimsKnown = true
	return nil
}

// ensureIndex creates the RediSearch index over the note hash prefix:
// user_id as a TAG plus a FLAT cosine vector field. Idempotent.
func (s *RedisStore) ensureIndex(ctx context.Context) error {
	s.mu.Lock()
	if s.indexReady || !s.dimsKnown {
		s.mu.Unlock()
		return nil
	}
	dims := s.dims
	s.mu.Unlock()

	err := s.client.FTCreate(ctx, s.indexName(),
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{s.prefix},
		},
		&redis.FieldSchema{FieldName: "user_id", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{
			FieldName: "embedding",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				FlatOptions: &redis.FTFlatOptions{
					Type:           "FLOAT32",
					Dim:            dims,
					DistanceMetric: "COSINE",
				},
			},
		},
	).Err()
	if err != nil && !strings.Contains(err.Error(), "Index already exists") {
		return fmt.Errorf("create vector index: %w", err)
	}

	s.mu.Lock()
	s.indexReady = true
	s.mu.Unlock()
	s.logger.Debug("vector index ready", zap.String("index", s.indexName()), zap.Int("dims", dims))
	return nil
}

func (s *RedisStore) hasIndex() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexReady
}

func serializeNote(n note.Note) map[string]interface{} {
	record := map[string]interface{}{
		"id":           n.ID,
		"content":      n.Content,
		"context":      n.Context,
		"keywords":     marshalStrings(n.Keywords),
		"tags":         marshalStrings(n.Tags),
		"links":        marshalStrings(n.Links),
		"created_at":   n.CreatedAt,
		"updated_at":   n.UpdatedAt,
		"created_by":   n.CreatedBy,
		"user_id":      n.UserID,
		"domain":       n.Domain,
		"visibility":   string(n.Visibility),
		"access_count": strconv.Itoa(n.AccessCount),
		"access_log":   marshalStrings(n.AccessLog),
		"activation":   strconv.FormatFloat(n.Activation, 'g', -1, 64),
		"half_life":    strconv.FormatFloat(n.HalfLife, 'g', -1, 64),
		"importance":   strconv.FormatFloat(n.Importance, 'g', -1, 64),
		"source":       string(n.Source),
		"confidence":   strconv.FormatFloat(n.Confidence, 'g', -1, 64),
		"version":      strconv.Itoa(n.Version),
		"pinned":       boolField(n.Pinned),
	}
	if len(n.Embedding) > 0 {
		record["embedding"] = embedding.EncodeVector(n.Embedding)
	}
	return record
}

func deserializeNote(data map[string]string) note.Note {
	n := note.Note{
		ID:         data["id"],
		Content:    data["content"],
		Context:    data["context"],
		Keywords:   unmarshalStrings(data["keywords"]),
		Tags:       unmarshalStrings(data["tags"]),
		Links:      unmarshalStrings(data["links"]),
		CreatedAt:  data["created_at"],
		UpdatedAt:  data["updated_at"],
		CreatedBy:  data["created_by"],
		UserID:     data["user_id"],
		Domain:     data["domain"],
		Visibility: note.Visibility(data["visibility"]),
		AccessLog:  unmarshalStrings(data["access_log"]),
		Source:     note.Source(data["source"]),
		Pinned:     data["pinned"] == "1",
		Embedding:  embedding.DecodeVector([]byte(data["embedding"])),
	}
	n.AccessCount, _ = strconv.Atoi(data["access_count"])
	n.Activation, _ = strconv.ParseFloat(data["activation"], 64)
	n.HalfLife, _ = strconv.ParseFloat(data["half_life"], 64)
	n.Importance, _ = strconv.ParseFloat(data["importance"], 64)
	n.Confidence, _ = strconv.ParseFloat(data["confidence"], 64)
	n.Version, _ = strconv.Atoi(data["version"])
	return n
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, c note.Create) (note.Note, error) {
	n := newNote(c)

	if len(n.Embedding) > 0 {
		if err := s.fixDims(len(n.Embedding)); err != nil {
			return note.Note{}, err
		}
		if err := s.ensureIndex(ctx); err != nil {
			s.logger.Warn("vector index unavailable, search will scan", zap.Error(err))
		}
	}

	if err := s.client.HSet(ctx, s.noteKey(n.UserID, n.ID), serializeNote(n)).Err(); err != nil {
		return note.Note{}, fmt.Errorf("write note hash: %w", err)
	}
	return n, nil
}

// Read implements Store. A missing (id, userID) pair yields (nil, nil).
func (s *RedisStore) Read(ctx context.Context, id, userID string) (*note.Note, error) {
	data, err := s.client.HGetAll(ctx, s.noteKey(userID, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read note hash: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	n := deserializeNote(data)
	return &n, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, id, userID string, u note.Update) (*note.Note, error) {
	existing, err := s.Read(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	if u.Embedding != nil {
		if err := s.fixDims(len(u.Embedding)); err != nil {
			return nil, err
		}
	}

	merged := mergeUpdate(*existing, u)
	if err := s.client.HSet(ctx, s.noteKey(userID, id), serializeNote(merged)).Err(); err != nil {
		return nil, fmt.Errorf("write note hash: %w", err)
	}
	return &merged, nil
}

// Delete implements Store. Removing the hash also drops the note from the
// vector index, which tracks the key prefix.
func (s *RedisStore) Delete(ctx context.Context, id, userID string) (bool, error) {
	removed, err := s.client.Del(ctx, s.noteKey(userID, id)).Result()
	if err != nil {
		return false, fmt.Errorf("delete note hash: %w", err)
	}
	return removed > 0, nil
}

// scanKeys collects every key matching pattern, sorted for deterministic
// pagination.
func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) notesForKeys(ctx context.Context, keys []string) ([]note.Note, error) {
	notes := make([]note.Note, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("read note hash: %w", err)
		}
		if len(data) == 0 {
			continue // deleted between scan and read
		}
		notes = append(notes, deserializeNote(data))
	}
	return notes, nil
}

// ListByUser implements Store.
func (s *RedisStore) ListByUser(ctx context.Context, userID string, page Page) ([]note.Note, error) {
	page = page.withDefaults()
	keys, err := s.scanKeys(ctx, s.prefix+userID+":note:*")
	if err != nil {
		return nil, err
	}
	return s.notesForKeys(ctx, pageKeys(keys, page))
}

// ListAll implements Store: every user's notes, for maintenance sweeps.
func (s *RedisStore) ListAll(ctx context.Context, page Page) ([]note.Note, error) {
	page = page.withDefaults()
	keys, err := s.scanKeys(ctx, s.prefix+"*:note:*")
	if err != nil {
		return nil, err
	}
	return s.notesForKeys(ctx, pageKeys(keys, page))
}

// CountByUser implements Store.
func (s *RedisStore) CountByUser(ctx context.Context, userID string) (int, error) {
	keys, err := s.scanKeys(ctx, s.prefix+userID+":note:*")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Search implements Store: KNN through the RediSearch index when available,
// otherwise SCAN plus in-process cosine. Both paths return the same results.
func (s *RedisStore) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	if _, known := s.Dimensions(); !known {
		return nil, nil
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}

	if s.hasIndex() {
		results, err := s.searchIndex(ctx, opts, topK)
		if err == nil {
			return results, nil
		}
		s.logger.Warn("vector index search failed, falling back to scan", zap.Error(err))
	}
	return s.searchScan(ctx, opts, topK)
}

func (s *RedisStore) searchIndex(ctx context.Context, opts SearchOptions, topK int) ([]SearchResult, error) {
	query := fmt.Sprintf("(@user_id:{%s})=>[KNN %d @embedding $vec AS vector_distance]",
		escapeTag(opts.UserID), topK)

	res, err := s.client.FTSearchWithArgs(ctx, s.indexName(), query, &redis.FTSearchOptions{
		NoContent:      true,
		SortBy:         []redis.FTSearchSortBy{{FieldName: "vector_distance", Asc: true}},
		Limit:          topK,
		Params:         map[string]interface{}{"vec": embedding.EncodeVector(opts.Query)},
		DialectVersion: 2,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("knn search: %w", err)
	}

	results := make([]SearchResult, 0, len(res.Docs))
	for _, doc := range res.Docs {
		data, err := s.client.HGetAll(ctx, doc.ID).Result()
		if err != nil {
			return nil, fmt.Errorf("read note hash: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		n := deserializeNote(data)
		// RediSearch reports cosine distance; similarity = 1 - distance.
		score := embedding.Cosine(opts.Query, n.Embedding)
		if opts.MinScore != nil && score < *opts.MinScore {
			continue
		}
		results = append(results, SearchResult{Note: n, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

func (s *RedisStore) searchScan(ctx context.Context, opts SearchOptions, topK int) ([]SearchResult, error) {
	keys, err := s.scanKeys(ctx, s.prefix+opts.UserID+":note:*")
	if err != nil {
		return nil, err
	}
	notes, err := s.notesForKeys(ctx, keys)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, n := range notes {
		if len(n.Embedding) == 0 {
			continue
		}
		score := embedding.Cosine(opts.Query, n.Embedding)
		if opts.MinScore != nil && score < *opts.MinScore {
			continue
		}
		results = append(results, SearchResult{Note: n, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// SaveConflicts implements Store. Conflicts are small JSON documents under
// their own key prefix, outside the note hash namespace.
func (s *RedisStore) SaveConflicts(ctx context.Context, conflicts []note.Conflict) error {
	for _, c := range conflicts {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal conflict %s: %w", c.ID, err)
		}
		if err := s.client.Set(ctx, s.conflictKey(c.ID), data, 0).Err(); err != nil {
			return fmt.Errorf("write conflict %s: %w", c.ID, err)
		}
	}
	return nil
}

// ListConflicts implements Store.
func (s *RedisStore) ListConflicts(ctx context.Context, resolved *bool, limit int) ([]note.Conflict, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	keys, err := s.scanKeys(ctx, s.prefix+"conflict:*")
	if err != nil {
		return nil, err
	}

	var out []note.Conflict
	for _, key := range keys {
		raw, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read conflict: %w", err)
		}
		var c note.Conflict
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			s.logger.Warn("skipping malformed conflict record", zap.String("key", key), zap.Error(err))
			continue
		}
		if resolved != nil && c.Resolved != *resolved {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt > out[j].DetectedAt
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResolveConflict implements Store.
func (s *RedisStore) ResolveConflict(ctx context.Context, conflictID, resolution string) (bool, error) {
	key := s.conflictKey(conflictID)
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read conflict: %w", err)
	}

	var c note.Conflict
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return false, fmt.Errorf("unmarshal conflict: %w", err)
	}
	c.Resolved = true
	c.Resolution = resolution
	c.ResolvedAt = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("marshal conflict: %w", err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return false, fmt.Errorf("write conflict: %w", err)
	}
	return true, nil
}

func pageKeys(keys []string, page Page) []string {
	if page.Offset >= len(keys) {
		return nil
	}
	end := page.Offset + page.Limit
	if end > len(keys) {
		end = len(keys)
	}
	return keys[page.Offset:end]
}

// escapeTag escapes RediSearch TAG query syntax characters in a user id.
func escapeTag(v string) string {
	var b strings.Builder
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
