// Package audit records completed turns for operational visibility: a
// sqlite table plus a JSONL mirror, fed passively by the same
// turn/completed and timeout paths that already resolve a turn's done
// future. It changes no runtime behavior — a failure to record never
// fails a turn.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/codexbridge/internal/shared"
)

const maxErrorLen = 500

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id TEXT NOT NULL,
	chat_id INTEGER NOT NULL,
	thread_id TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	status TEXT NOT NULL,
	byte_count INTEGER NOT NULL,
	error_message TEXT
);
`

// Entry is one completed turn's record.
type Entry struct {
	ChatID       int64     `json:"chat_id"`
	ThreadID     string    `json:"thread_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Status       string    `json:"status"`
	ByteCount    int       `json:"byte_count"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// CorrelationID ties this row to a log line; generated by Record when
	// left blank.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Trail persists Entries to a sqlite database and a JSONL mirror under
// the home profile's logs directory.
type Trail struct {
	mu   sync.Mutex
	db   *sql.DB
	file *os.File
}

// Open creates (or reuses) turns.db and audit.jsonl under logsDir.
func Open(logsDir string) (*Trail, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create logs dir: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(logsDir, "turns.db"))
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate schema: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(logsDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: open jsonl: %w", err)
	}

	return &Trail{db: db, file: file}, nil
}

// Close releases the database handle and log file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	dbErr := t.db.Close()
	fileErr := t.file.Close()
	if dbErr != nil {
		return dbErr
	}
	return fileErr
}

// Record writes one completed turn's entry. Error messages are truncated
// and secret-redacted before they're ever persisted.
func (t *Trail) Record(e Entry) error {
	if e.ErrorMessage != "" {
		e.ErrorMessage = shared.Redact(e.ErrorMessage)
		if len(e.ErrorMessage) > maxErrorLen {
			e.ErrorMessage = e.ErrorMessage[:maxErrorLen] + "…"
		}
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	_, dbErr := t.db.ExecContext(context.Background(), `
		INSERT INTO turns (correlation_id, chat_id, thread_id, started_at, finished_at, status, byte_count, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, e.CorrelationID, e.ChatID, e.ThreadID, e.StartedAt.UTC().Format(time.RFC3339Nano), e.FinishedAt.UTC().Format(time.RFC3339Nano), e.Status, e.ByteCount, e.ErrorMessage)

	b, jsonErr := json.Marshal(e)
	if jsonErr == nil {
		_, _ = t.file.Write(append(b, '\n'))
	}

	if dbErr != nil {
		return fmt.Errorf("audit: insert turn: %w", dbErr)
	}
	return jsonErr
}
