// Package workingmem holds the session-scoped attention tier: a small
// in-process set of items scored with the same recall model as persistent
// notes, but never written to a backend.
package workingmem

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/muma/internal/activation"
	"github.com/nidhogg/muma/internal/embedding"
	"github.com/nidhogg/muma/internal/note"
)

// Item is one unit of working memory. Access history lives only in memory
// and is dropped with the session.
type Item struct {
	ID        string
	Content   string
	Embedding []float32
	AccessLog []time.Time
	AgentID   string
	UserID    string
	Source    note.Source
	AddedAt   time.Time
}

// Meta carries the ownership fields stamped onto every added item.
type Meta struct {
	AgentID string
	UserID  string
	Source  note.Source
}

// Scored pairs an item with its activation for one query.
type Scored struct {
	Item       Item
	Activation float64
	Similarity float64
}

// Memory is a mutex-guarded working set. All methods are safe for
// concurrent use.
type Memory struct {
	mu     sync.Mutex
	items  map[string]*Item
	params activation.Params
}

// New returns an empty working memory scored with params.
func New(params activation.Params) *Memory {
	return &Memory{
		items:  make(map[string]*Item),
		params: params,
	}
}

// Add stores content with its embedding and ownership metadata, stamping the
// initial access. The new item's id is returned.
func (m *Memory) Add(content string, emb []float32, meta Meta) string {
	now := time.Now().UTC()
	item := &Item{
		ID:        uuid.New().String(),
		Content:   content,
		Embedding: emb,
		AccessLog: []time.Time{now},
		AgentID:   meta.AgentID,
		UserID:    meta.UserID,
		Source:    meta.Source,
		AddedAt:   now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
	return item.ID
}

// Query scores every item against the query embedding with the full
// activation equation and returns the topK best, descending. Scoring an item
// counts as touching it: every held item gets a fresh access stamp whether or
// not it makes the cut, so a busy session decays slower across the board.
func (m *Memory) Query(queryEmb []float32, topK int) []Scored {
	if topK <= 0 {
		topK = 5
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	scored := make([]Scored, 0, len(m.items))
	for _, item := range m.items {
		sim := embedding.Cosine(queryEmb, item.Embedding)
		total := activation.Total(
			baseLevel(item.AccessLog, now, m.params.DecayParameter),
			activation.Spreading(sim, m.params.ContextWeight),
			activation.Noise(m.params.NoiseStdDev),
		)
		item.AccessLog = append(item.AccessLog, now)
		scored = append(scored, Scored{Item: *item, Activation: total, Similarity: sim})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Activation > scored[j].Activation
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// GetTopActivated returns every item whose base-level activation is at or
// above threshold, best first, without touching access history. This is the
// promotion gate run at session end.
func (m *Memory) GetTopActivated(threshold float64) []Scored {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	var scored []Scored
	for _, item := range m.items {
		base := baseLevel(item.AccessLog, now, m.params.DecayParameter)
		if base < threshold {
			continue
		}
		scored = append(scored, Scored{Item: *item, Activation: base})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Activation > scored[j].Activation
	})
	return scored
}

// GetContextItems returns the contents of the session's top-activated items
// for one user and agent, ready to inject into a prompt.
func (m *Memory) GetContextItems(userID, agentID string, topK int) []string {
	if topK <= 0 {
		topK = 10
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	var scored []Scored
	for _, item := range m.items {
		if item.UserID != userID || item.AgentID != agentID {
			continue
		}
		scored = append(scored, Scored{
			Item:       *item,
			Activation: baseLevel(item.AccessLog, now, m.params.DecayParameter),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Activation > scored[j].Activation
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}

	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.Item.Content
	}
	return out
}

// Clear drops every item. Called at session end.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*Item)
}

// Len reports the number of held items.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// baseLevel adapts in-memory timestamps to the shared base-level scorer.
func baseLevel(accesses []time.Time, now time.Time, d float64) float64 {
	stamps := make([]string, len(accesses))
	for i, t := range accesses {
		stamps[i] = t.Format(time.RFC3339Nano)
	}
	return activation.BaseLevel(stamps, now, d)
}
