package sentry

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one standing approval.
type Entry struct {
	Signature  string    `json:"signature"`
	Capability string    `json:"capability"`
	Target     string    `json:"target"`
	Approver   string    `json:"approver"`
	CreatedAt  time.Time `json:"created_at"`
}

// Whitelist stores standing approvals by content signature.
type Whitelist interface {
	Lookup(signature string) (bool, error)
	Add(e Entry) error
	Remove(signature string) error
	List() ([]Entry, error)
}

// MemoryWhitelist is the in-process whitelist.
type MemoryWhitelist struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryWhitelist returns an empty whitelist.
func NewMemoryWhitelist() *MemoryWhitelist {
	return &MemoryWhitelist{entries: make(map[string]Entry)}
}

func (w *MemoryWhitelist) Lookup(signature string) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.entries[signature]
	return ok, nil
}

func (w *MemoryWhitelist) Add(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[e.Signature] = e
	return nil
}

func (w *MemoryWhitelist) Remove(signature string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, signature)
	return nil
}

func (w *MemoryWhitelist) List() ([]Entry, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e)
	}
	return out, nil
}

const whitelistSchema = `
CREATE TABLE IF NOT EXISTS standing_approvals (
	signature  TEXT PRIMARY KEY,
	capability TEXT NOT NULL,
	target     TEXT NOT NULL,
	approver   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);`

// SQLiteWhitelist persists standing approvals so they survive restarts.
type SQLiteWhitelist struct {
	db *sql.DB
}

// NewSQLiteWhitelist opens (and migrates) the whitelist database at path.
func NewSQLiteWhitelist(path string) (*SQLiteWhitelist, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open whitelist db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(whitelistSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate whitelist db: %w", err)
	}
	return &SQLiteWhitelist{db: db}, nil
}

func (w *SQLiteWhitelist) Lookup(signature string) (bool, error) {
	var one int
	err := w.db.QueryRow(`SELECT 1 FROM standing_approvals WHERE signature = ?`, signature).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (w *SQLiteWhitelist) Add(e Entry) error {
	_, err := w.db.Exec(`INSERT OR REPLACE INTO standing_approvals
		(signature, capability, target, approver, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.Signature, e.Capability, e.Target, e.Approver, e.CreatedAt.UTC())
	return err
}

func (w *SQLiteWhitelist) Remove(signature string) error {
	_, err := w.db.Exec(`DELETE FROM standing_approvals WHERE signature = ?`, signature)
	return err
}

func (w *SQLiteWhitelist) List() ([]Entry, error) {
	rows, err := w.db.Query(`SELECT signature, capability, target, approver, created_at
		FROM standing_approvals ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Signature, &e.Capability, &e.Target, &e.Approver, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (w *SQLiteWhitelist) Close() error { return w.db.Close() }
