package records

import (
	"time"
)

// Status of a durable transformation record.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDraft      Status = "draft"
)

// Record is the durable trace of a transformation attempt, independent of
// the transient batch item that produced it.
type Record struct {
	RowID       int64     // storage-assigned identity
	LogicalID   string    // equals the job handle when one was issued
	UserID      string    // owning user, or the guest sentinel
	Name        string    // display name, usually the source file name
	ImageURL    string    // stable reference to the source image
	ArtifactURL *string   // generated model; nil until completed
	Status      Status    // processing|completed|failed|draft
	CreatedAt   time.Time // creation time
	AuthorName  *string   // optional, for public listing
}

// Patch is a partial field set applied through the logical-id correction
// path. Nil fields are left untouched.
type Patch struct {
	Status      *Status
	ArtifactURL *string
}

// Event describes one store change delivered to subscribers.
type Event struct {
	Op     string // "created" or "updated"
	Record Record
}

// Store defines persistence for transformation records. Implementations
// must tolerate concurrent writers; this service is one among possibly many.
type Store interface {
	Create(rec *Record) error
	// UpdateByLogicalID patches every record whose logical-id field matches
	// (expected to be exactly one) and returns the match count.
	UpdateByLogicalID(logicalID string, patch Patch) (int, error)
	ListByUser(userID string) ([]Record, error)
	ListRecent(limit int) ([]Record, error)
	// Subscribe returns a channel of change events and a cancel func.
	// Events are best-effort: a slow consumer may miss intermediate ones.
	Subscribe() (<-chan Event, func())
	Close() error
}
