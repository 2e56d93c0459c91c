package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/muma/internal/embedding"
	"github.com/nidhogg/muma/internal/note"
	"github.com/nidhogg/muma/internal/retrieval"
	"github.com/nidhogg/muma/internal/store"
	"github.com/nidhogg/muma/internal/sweep"
	"github.com/nidhogg/muma/internal/workingmem"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store    store.Store
	provider embedding.Provider
	engine   *retrieval.Engine
	sweeper  *sweep.Sweeper
	working  *workingmem.Memory
	sweepCfg sweep.Config
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	s store.Store,
	provider embedding.Provider,
	engine *retrieval.Engine,
	sweeper *sweep.Sweeper,
	working *workingmem.Memory,
	sweepCfg sweep.Config,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:    s,
		provider: provider,
		engine:   engine,
		sweeper:  sweeper,
		working:  working,
		sweepCfg: sweepCfg,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/stats", h.getStats)
		r.Get("/export", h.exportNotes)

		// Note routes
		r.Post("/notes", h.createNote)
		r.Get("/notes", h.listNotes)
		r.Get("/notes/{id}", h.getNote)
		r.Put("/notes/{id}", h.updateNote)
		r.Delete("/notes/{id}", h.deleteNote)
		r.Post("/notes/{id}/links", h.linkNote)

		// Retrieval routes
		r.Post("/search", h.search)

		// Working memory routes
		r.Post("/working", h.addWorking)
		r.Post("/working/query", h.queryWorking)
		r.Get("/working/top", h.topWorking)
		r.Get("/working/context", h.contextWorking)
		r.Delete("/working", h.clearWorking)

		// Maintenance routes
		r.Post("/sweep", h.runSweep)
		r.Post("/conflicts", h.saveConflicts)
		r.Get("/conflicts", h.listConflicts)
		r.Post("/conflicts/{id}/resolve", h.resolveConflict)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": h.store.Backend(),
	})
}

// requireUser extracts the user scope from the query string. Every note
// operation is user-scoped; a missing user id is a client error, never a
// wildcard.
func requireUser(w http.ResponseWriter, q url.Values) (string, bool) {
	userID := q.Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return "", false
	}
	return userID, true
}

func (h *Handler) createNote(w http.ResponseWriter, r *http.Request) {
	var c note.Create
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if c.Content == "" || c.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content and user_id are required"})
		return
	}

	if len(c.Embedding) == 0 && h.provider != nil {
		vecs, err := h.provider.Embed(r.Context(), []string{c.Content})
		if err != nil {
			h.logger.Warn("embedding failed, storing note without vector", zap.Error(err))
		} else if len(vecs) > 0 {
			c.Embedding = vecs[0]
		}
	}

	n, err := h.store.Create(r.Context(), c)
	if err != nil {
		writeJSON(w, statusForStoreError(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (h *Handler) getNote(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r.URL.Query())
	if !ok {
		return
	}
	n, err := h.store.Read(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if n == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "note not found"})
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *Handler) listNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, ok := requireUser(w, q)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	notes, err := h.store.ListByUser(r.Context(), userID, store.Page{Limit: limit, Offset: offset})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	total, err := h.store.CountByUser(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notes": notes,
		"total": total,
	})
}

func (h *Handler) updateNote(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r.URL.Query())
	if !ok {
		return
	}
	var u note.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	n, err := h.store.Update(r.Context(), chi.URLParam(r, "id"), userID, u)
	if err != nil {
		writeJSON(w, statusForStoreError(err), map[string]string{"error": err.Error()})
		return
	}
	if n == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "note not found"})
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *Handler) deleteNote(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r.URL.Query())
	if !ok {
		return
	}
	removed, err := h.store.Delete(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "note not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type linkRequest struct {
	LinkID string `json:"link_id"`
}

// linkNote links two notes in the same user scope, in both directions.
// Links to foreign or missing notes are rejected up front so link expansion
// never dangles.
func (h *Handler) linkNote(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r.URL.Query())
	if !ok {
		return
	}
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.LinkID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "link_id is required"})
		return
	}
	id := chi.URLParam(r, "id")
	if req.LinkID == id {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot link a note to itself"})
		return
	}

	target, err := h.store.Read(r.Context(), req.LinkID, userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if target == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "link target not found"})
		return
	}

	n, err := h.store.Read(r.Context(), id, userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if n == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "note not found"})
		return
	}
	updated := n
	if !containsLink(n.Links, req.LinkID) {
		links := append(append([]string{}, n.Links...), req.LinkID)
		updated, err = h.store.Update(r.Context(), id, userID, note.Update{Links: links})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	if !containsLink(target.Links, id) {
		back := append(append([]string{}, target.Links...), id)
		if _, err := h.store.Update(r.Context(), req.LinkID, userID, note.Update{Links: back}); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, updated)
}

func containsLink(links []string, id string) bool {
	for _, l := range links {
		if l == id {
			return true
		}
	}
	return false
}

type searchRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
	TopK   int    `json:"top_k"`
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Query == "" || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query and user_id are required"})
		return
	}

	results, err := h.engine.Retrieve(r.Context(), req.Query, req.UserID, req.TopK)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if results == nil {
		results = []retrieval.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

type workingAddRequest struct {
	Content string      `json:"content"`
	AgentID string      `json:"agent_id"`
	UserID  string      `json:"user_id"`
	Source  note.Source `json:"source"`
}

func (h *Handler) addWorking(w http.ResponseWriter, r *http.Request) {
	var req workingAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Content == "" || req.UserID == "" || req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content, user_id, and agent_id are required"})
		return
	}
	if req.Source == "" {
		req.Source = note.SourceExperience
	}

	var emb []float32
	if h.provider != nil {
		vecs, err := h.provider.Embed(r.Context(), []string{req.Content})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if len(vecs) > 0 {
			emb = vecs[0]
		}
	}

	id := h.working.Add(req.Content, emb, workingmem.Meta{
		AgentID: req.AgentID,
		UserID:  req.UserID,
		Source:  req.Source,
	})
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type workingQueryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func (h *Handler) queryWorking(w http.ResponseWriter, r *http.Request) {
	var req workingQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	vecs, err := h.provider.Embed(r.Context(), []string{req.Query})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if len(vecs) == 0 {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "provider returned no vectors"})
		return
	}

	scored := h.working.Query(vecs[0], req.TopK)
	writeJSON(w, http.StatusOK, workingResponse(scored))
}

// topWorking is the promotion gate: everything at or above the activation
// threshold, best first.
func (h *Handler) topWorking(w http.ResponseWriter, r *http.Request) {
	threshold := 0.0
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "threshold must be a number"})
			return
		}
		threshold = v
	}
	scored := h.working.GetTopActivated(threshold)
	writeJSON(w, http.StatusOK, workingResponse(scored))
}

func (h *Handler) contextWorking(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, ok := requireUser(w, q)
	if !ok {
		return
	}
	agentID := q.Get("agent_id")
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id is required"})
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	items := h.working.GetContextItems(userID, agentID, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "count": len(items)})
}

func (h *Handler) clearWorking(w http.ResponseWriter, r *http.Request) {
	h.working.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type workingItem struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Activation float64 `json:"activation"`
}

func workingResponse(scored []workingmem.Scored) map[string]interface{} {
	items := make([]workingItem, len(scored))
	for i, s := range scored {
		items[i] = workingItem{ID: s.Item.ID, Content: s.Item.Content, Activation: s.Activation}
	}
	return map[string]interface{}{"items": items, "count": len(items)}
}

func (h *Handler) runSweep(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sweeper.Run(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) saveConflicts(w http.ResponseWriter, r *http.Request) {
	var conflicts []note.Conflict
	if err := json.NewDecoder(r.Body).Decode(&conflicts); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	for _, c := range conflicts {
		if c.ID == "" || c.NoteIDA == "" || c.NoteIDB == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id, note_id_a, and note_id_b are required"})
			return
		}
	}
	if err := h.store.SaveConflicts(r.Context(), conflicts); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"saved": len(conflicts)})
}

func (h *Handler) listConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var resolved *bool
	if raw := q.Get("resolved"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "resolved must be a boolean"})
			return
		}
		resolved = &v
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	conflicts, err := h.store.ListConflicts(r.Context(), resolved, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if conflicts == nil {
		conflicts = []note.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (h *Handler) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	found, err := h.store.ResolveConflict(r.Context(), chi.URLParam(r, "id"), req.Resolution)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conflict not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func statusForStoreError(err error) int {
	if _, ok := err.(*store.DimensionMismatchError); ok {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
