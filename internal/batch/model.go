package batch

import (
	"sync"
)

// Status is the lifecycle status of one batch item.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusUploading  Status = "UPLOADING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
)

// Terminal reports whether s allows no further transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Item is one user-submitted image awaiting or undergoing transformation.
// Invariants: ResultURL is set iff COMPLETED, ErrorMessage iff ERROR, and
// JobHandle is set once submission succeeds and never cleared.
type Item struct {
	ID              string // locally generated, independent of the job handle
	Name            string
	PreviewPath     string // locally-addressable preview reference
	ImageDataURL    string // base64 data URL handed to the gateway
	MimeType        string
	Status          Status
	Progress        int // 0-100, advisory only
	JobHandle       string
	ResultURL       string
	ErrorMessage    string
	RawRemoteStatus string // last status observed from the gateway, for diagnostics
}

// Owner identifies who submitted a batch, for record attribution.
type Owner struct {
	UserID string
	Name   string
}

// List holds a batch's items. Every mutation replaces a whole item under
// the lock, so readers never observe a partially updated item.
type List struct {
	mu    sync.RWMutex
	items []Item
}

func NewList(items []Item) *List {
	cp := make([]Item, len(items))
	copy(cp, items)
	return &List{items: cp}
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Get returns a copy of the item at index i.
func (l *List) Get(i int) (Item, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.items) {
		return Item{}, false
	}
	return l.items[i], true
}

// Update applies fn to a copy of the item at index i and swaps the result
// in atomically. It is a no-op for an out-of-range index.
func (l *List) Update(i int, fn func(Item) Item) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.items) {
		return
	}
	l.items[i] = fn(l.items[i])
}

// Snapshot returns a copy of all items.
func (l *List) Snapshot() []Item {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp := make([]Item, len(l.items))
	copy(cp, l.items)
	return cp
}

// Finished reports whether every item is terminal.
func (l *List) Finished() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, it := range l.items {
		if !it.Status.Terminal() {
			return false
		}
	}
	return true
}
