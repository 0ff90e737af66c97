package batch

import (
	"sync"
	"time"

	"github.com/jo-hoe/meshforge/internal/modes"
)

// Batch is one accepted submission tracked for status queries.
type Batch struct {
	ID         string
	Mode       modes.Mode
	Owner      Owner
	Items      *List
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// Registry tracks accepted batches by id so their progress can be served
// while the queue works through them. Entries live until Evict or process
// restart; the durable trace of a batch lives in the record store.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Batch
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Batch)}
}

func (r *Registry) Add(b *Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[b.ID] = b
}

func (r *Registry) Get(id string) (*Batch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byID[id]
	return b, ok
}

// MarkFinished stamps the batch's completion time.
func (r *Registry) MarkFinished(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.byID[id]; ok && b.FinishedAt == nil {
		now := time.Now().UTC()
		b.FinishedAt = &now
	}
}

func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}
