// Package activity implements the newest-first, bounded activity feed:
// atomically persisted to a JSON file and mirrored into a local SQLite
// index that Store.Since queries for "since timestamp" reads without
// re-scanning the whole feed. The Response Surface serves the full feed
// from All; it has no since-timestamp endpoint.
package activity

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	_ "modernc.org/sqlite"

	"autopilot/internal/logx"
	"autopilot/internal/model"
)

const defaultMaxEntries = 500
const messageWordBoundary = 60

// Store holds the bounded, newest-first activity feed.
type Store struct {
	db       *sql.DB
	path     string
	mu       sync.Mutex
	entries  []model.Activity // newest first
	maxSize  int
	logger   *logx.Logger
}

// activityFile is the on-disk shape: {"activities": [...]}.
type activityFile struct {
	Activities []model.Activity `json:"activities"`
}

// Open loads an existing activity feed from jsonPath (if present) and
// opens/creates the SQLite mirror at dbPath.
func Open(jsonPath, dbPath string, maxSize int) (*Store, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxEntries
	}

	s := &Store{
		path:    jsonPath,
		maxSize: maxSize,
		logger:  logx.NewLogger("activity"),
	}

	if data, err := os.ReadFile(jsonPath); err == nil {
		var f activityFile
		if err := json.Unmarshal(data, &f); err == nil {
			s.entries = f.Activities
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read activity file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create activity db dir: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open activity db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping activity db: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS activity (
			rowid       INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp   TEXT NOT NULL,
			type        TEXT NOT NULL,
			message     TEXT NOT NULL,
			metadata    TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_activity_timestamp ON activity(timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate activity schema: %w", err)
	}

	s.db = db
	return s, nil
}

// Add truncates message at a word boundary around 60 chars, prepends the
// entry to the feed, trims to maxSize, persists atomically, and mirrors
// into SQLite. Activity persistence failures are logged, never propagated
// — the feed is diagnostic, not load-bearing.
func (s *Store) Add(kind model.ActivityType, message string, metadata map[string]any) {
	entry := model.Activity{
		Type:      kind,
		Message:   truncateAtWordBoundary(message, messageWordBoundary),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Metadata:  metadata,
	}

	s.mu.Lock()
	s.entries = append([]model.Activity{entry}, s.entries...)
	if len(s.entries) > s.maxSize {
		s.entries = s.entries[:s.maxSize]
	}
	snapshot := append([]model.Activity(nil), s.entries...)
	s.mu.Unlock()

	if err := s.persist(snapshot); err != nil {
		s.logger.Warn("failed to persist activity feed: %v", err)
	}
	if err := s.mirror(entry); err != nil {
		s.logger.Warn("failed to mirror activity into sqlite: %v", err)
	}
}

func (s *Store) persist(entries []model.Activity) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create activity dir: %w", err)
	}

	data, err := json.MarshalIndent(activityFile{Activities: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal activity feed: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".activity-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp activity file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp activity file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp activity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp activity file: %w", err)
	}
	return os.Rename(tmpPath, s.path)
}

func (s *Store) mirror(entry model.Activity) error {
	var metaJSON []byte
	if entry.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal activity metadata: %w", err)
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO activity (timestamp, type, message, metadata) VALUES (?, ?, ?, ?)`,
		entry.Timestamp, string(entry.Type), entry.Message, string(metaJSON),
	)
	return err
}

// All returns the full feed, newest first.
func (s *Store) All() []model.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Activity, len(s.entries))
	copy(out, s.entries)
	return out
}

// Since returns entries with timestamp strictly after cutoff, newest
// first, served from the SQLite index.
func (s *Store) Since(cutoff time.Time) ([]model.Activity, error) {
	cutoff = cutoff.UTC()
	// RFC3339Nano drops trailing zeros, so stored strings do not sort by
	// time within one second: the index narrows to whole seconds and the
	// exact comparison is made on the parsed timestamps below.
	rows, err := s.db.Query(
		`SELECT timestamp, type, message, metadata FROM activity WHERE timestamp >= ? ORDER BY rowid DESC`,
		cutoff.Format("2006-01-02T15:04:05"),
	)
	if err != nil {
		return nil, fmt.Errorf("query activity since: %w", err)
	}
	defer rows.Close()

	var out []model.Activity
	for rows.Next() {
		var a model.Activity
		var metaJSON sql.NullString
		if err := rows.Scan(&a.Timestamp, &a.Type, &a.Message, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, a.Timestamp); err != nil || !ts.After(cutoff) {
			continue
		}
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &a.Metadata)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// truncateAtWordBoundary shortens msg to at most ~limit characters,
// breaking at the preceding space rather than mid-word.
func truncateAtWordBoundary(msg string, limit int) string {
	if len(msg) <= limit {
		return msg
	}
	cut := msg[:limit]
	if idx := strings.LastIndexFunc(cut, unicode.IsSpace); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "…"
}
