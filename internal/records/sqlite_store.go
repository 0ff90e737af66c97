package records

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jo-hoe/meshforge/internal/common"
)

var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, subs: make(map[int]chan Event)}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS transformations (
		row_id INTEGER PRIMARY KEY AUTOINCREMENT,
		logical_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		image_url TEXT NOT NULL,
		artifact_url TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		author_name TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_transformations_logical_id ON transformations(logical_id);
	CREATE INDEX IF NOT EXISTS idx_transformations_user_id ON transformations(user_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(rec *Record) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	if strings.TrimSpace(rec.LogicalID) == "" {
		// A record without a job handle still needs a stable logical id
		// for the correction path.
		rec.LogicalID = uuid.NewString()
	}
	if rec.UserID == "" {
		rec.UserID = common.GuestUserID
	}
	if rec.Status == "" {
		rec.Status = StatusProcessing
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == StatusCompleted && (rec.ArtifactURL == nil || *rec.ArtifactURL == "") {
		return errors.New("completed record requires an artifact url")
	}

	res, err := s.db.Exec(
		`INSERT INTO transformations (logical_id, user_id, name, image_url, artifact_url, status, created_at, author_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.LogicalID, rec.UserID, rec.Name, rec.ImageURL, rec.ArtifactURL, string(rec.Status),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.AuthorName,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.RowID = id
	}

	s.notify(Event{Op: "created", Record: *rec})
	return nil
}

func (s *SQLiteStore) UpdateByLogicalID(logicalID string, patch Patch) (int, error) {
	if strings.TrimSpace(logicalID) == "" {
		return 0, errors.New("logical id is empty")
	}
	sets := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.ArtifactURL != nil {
		sets = append(sets, "artifact_url = ?")
		args = append(args, *patch.ArtifactURL)
	}
	if len(sets) == 0 {
		return 0, errors.New("empty patch")
	}
	args = append(args, logicalID)

	// A completed record's artifact reference is stable; rows that already
	// hold one are never rewritten.
	q := fmt.Sprintf(`UPDATE transformations SET %s
		WHERE logical_id = ? AND NOT (status = 'completed' AND artifact_url IS NOT NULL)`,
		strings.Join(sets, ", "))
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return 0, fmt.Errorf("update by logical id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		if recs, err := s.listByLogicalID(logicalID); err == nil {
			for _, r := range recs {
				s.notify(Event{Op: "updated", Record: r})
			}
		}
	}
	return int(n), nil
}

func (s *SQLiteStore) ListByUser(userID string) ([]Record, error) {
	rows, err := s.db.Query(selectColumns+` FROM transformations WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list by user: %w", err)
	}
	return scanRecords(rows)
}

func (s *SQLiteStore) ListRecent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = common.DefaultRecentLimit
	}
	rows, err := s.db.Query(selectColumns+` FROM transformations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	return scanRecords(rows)
}

func (s *SQLiteStore) listByLogicalID(logicalID string) ([]Record, error) {
	rows, err := s.db.Query(selectColumns+` FROM transformations WHERE logical_id = ?`, logicalID)
	if err != nil {
		return nil, fmt.Errorf("list by logical id: %w", err)
	}
	return scanRecords(rows)
}

const selectColumns = `SELECT row_id, logical_id, user_id, name, image_url, artifact_url, status, created_at, author_name`

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		var rec Record
		var artifact, author, created sql.NullString
		var status string
		if err := rows.Scan(&rec.RowID, &rec.LogicalID, &rec.UserID, &rec.Name, &rec.ImageURL,
			&artifact, &status, &created, &author); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Status = Status(status)
		if artifact.Valid {
			v := artifact.String
			rec.ArtifactURL = &v
		}
		if author.Valid {
			v := author.String
			rec.AuthorName = &v
		}
		if created.Valid {
			if t, err := time.Parse(time.RFC3339Nano, created.String); err == nil {
				rec.CreatedAt = t
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Subscribe registers a change listener. The channel is buffered; events
// that cannot be delivered without blocking are dropped.
func (s *SQLiteStore) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan Event, 16)
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *SQLiteStore) notify(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
	return s.db.Close()
}
