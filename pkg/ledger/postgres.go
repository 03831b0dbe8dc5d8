package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS receipts (
	seq          BIGINT PRIMARY KEY,
	receipt_id   TEXT NOT NULL UNIQUE,
	request_id   TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	parent_id    TEXT NOT NULL DEFAULT '',
	capability   TEXT NOT NULL,
	scope        TEXT NOT NULL,
	tier         TEXT NOT NULL,
	status       TEXT NOT NULL,
	finalized_at TIMESTAMPTZ NOT NULL,
	prev_hash    TEXT NOT NULL,
	this_hash    TEXT NOT NULL,
	body         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_session ON receipts(session_id);
CREATE INDEX IF NOT EXISTS idx_receipts_parent  ON receipts(parent_id);
CREATE INDEX IF NOT EXISTS idx_receipts_request ON receipts(request_id);
`

// PostgresStore persists the chain in PostgreSQL, for deployments where the
// ledger outlives any single host.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens (and migrates) the receipt table over an existing
// connection pool.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("migrate receipt table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// OpenPostgresStore dials the DSN and migrates.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open receipt db: %w", err)
	}
	store, err := NewPostgresStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Append implements Store.
func (s *PostgresStore) Append(r contracts.Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO receipts
		(seq, receipt_id, request_id, session_id, parent_id, capability, scope, tier, status, finalized_at, prev_hash, this_hash, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.Sequence, r.ReceiptID, r.RequestID, r.SessionID, r.ParentID,
		r.Capability, r.Scope, r.Tier.String(), string(r.Status),
		r.FinalizedAt.UTC(), r.PrevHash, r.ThisHash, body)
	return err
}

// Last implements Store.
func (s *PostgresStore) Last() (*contracts.Receipt, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM receipts ORDER BY seq DESC LIMIT 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r contracts.Receipt
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

// Scan implements Store.
func (s *PostgresStore) Scan(fn func(contracts.Receipt) error) error {
	rows, err := s.db.Query(`SELECT body FROM receipts ORDER BY seq ASC`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return err
		}
		var r contracts.Receipt
		if err := json.Unmarshal(body, &r); err != nil {
			return fmt.Errorf("decode receipt: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Query implements Store.
func (s *PostgresStore) Query(f Filter) ([]contracts.Receipt, error) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, op string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s %s $%d", col, op, len(args)))
	}
	if f.SessionID != "" {
		add("session_id", "=", f.SessionID)
	}
	if f.RequestID != "" {
		add("request_id", "=", f.RequestID)
	}
	if f.Capability != "" {
		add("capability", "=", f.Capability)
	}
	if f.Status != "" {
		add("status", "=", string(f.Status))
	}
	if f.Tier != nil {
		add("tier", "=", f.Tier.String())
	}
	if !f.Since.IsZero() {
		add("finalized_at", ">=", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("finalized_at", "<=", f.Until.UTC())
	}

	q := `SELECT body FROM receipts`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY seq ASC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return s.collect(q, args...)
}

// Children implements Store.
func (s *PostgresStore) Children(parentID string) ([]contracts.Receipt, error) {
	return s.collect(`SELECT body FROM receipts WHERE parent_id = $1 ORDER BY seq ASC`, parentID)
}

func (s *PostgresStore) collect(q string, args ...any) ([]contracts.Receipt, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Receipt
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r contracts.Receipt
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *PostgresStore) Close() error { return s.db.Close() }
