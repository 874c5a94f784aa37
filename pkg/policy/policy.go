// Package policy implements the time-bounded, revocable block registry
// behind Gate D.
//
// Blocks are an immutable event log with a single designed revocation flag:
// history is never rewritten, a block is either cleared explicitly or ages out
// at read time when its expiry passes.
package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity of a block. Only SeverityBlock flips Gate D; lower severities are
// surfaced in the gate note without blocking.
type Severity string

const (
	SeverityBlock Severity = "BLOCK"
	SeverityWarn  Severity = "WARN"
)

// Block is one policy block row.
type Block struct {
	ID            string     `json:"id"`
	CreatedAt     time.Time  `json:"created_at"`
	Token         string     `json:"token"`
	Code          string     `json:"code"`
	Severity      Severity   `json:"severity"`
	Source        string     `json:"source"`
	Details       string     `json:"details,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Cleared       bool       `json:"cleared"`
	ClearedBy     string     `json:"cleared_by,omitempty"`
	ClearedAt     *time.Time `json:"cleared_at,omitempty"`
	ClearedReason string     `json:"cleared_reason,omitempty"`
}

// Active reports whether the block is in force at t.
func (b *Block) Active(t time.Time) bool {
	if b.Cleared {
		return false
	}
	return b.ExpiresAt == nil || b.ExpiresAt.After(t)
}

// Registry is the SQLite-backed block store.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// NewRegistry opens the registry and ensures its schema exists.
func NewRegistry(db *sql.DB) (*Registry, error) {
	r := &Registry{db: db, now: time.Now}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS policy_blocks (
		id             TEXT PRIMARY KEY,
		created_at     TEXT NOT NULL,
		token          TEXT NOT NULL,
		code           TEXT NOT NULL,
		severity       TEXT NOT NULL DEFAULT 'BLOCK',
		source         TEXT NOT NULL DEFAULT '',
		details        TEXT NOT NULL DEFAULT '',
		expires_at     TEXT,
		cleared        INTEGER NOT NULL DEFAULT 0,
		cleared_by     TEXT NOT NULL DEFAULT '',
		cleared_at     TEXT,
		cleared_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS policy_blocks_token_idx ON policy_blocks (token, cleared);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

// BlockToken inserts a new block and returns its id. Multiple simultaneous
// blocks per token are permitted. A ttl of zero means no expiry.
func (r *Registry) BlockToken(ctx context.Context, token, code, source string, severity Severity, note string, ttl time.Duration) (string, error) {
	if token == "" || code == "" {
		return "", errors.New("policy: token and code are required")
	}
	if severity == "" {
		severity = SeverityBlock
	}
	now := r.now().UTC()
	var expires any
	if ttl > 0 {
		expires = now.Add(ttl).Format(time.RFC3339Nano)
	}

	id := uuid.New().String()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO policy_blocks (id, created_at, token, code, severity, source, details, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, now.Format(time.RFC3339Nano), token, code, string(severity), source, note, expires,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert policy block: %w", err)
	}
	return id, nil
}

// UnblockToken clears the single most recently created active block matching
// token (and code, if non-empty). Returns the number of rows affected (0 or
// 1). Other active blocks on the same token are untouched.
func (r *Registry) UnblockToken(ctx context.Context, token, code, clearedBy, reason string) (int64, error) {
	if token == "" {
		return 0, errors.New("policy: token is required")
	}
	now := r.now().UTC().Format(time.RFC3339Nano)

	res, err := r.db.ExecContext(ctx, `
		UPDATE policy_blocks
		SET cleared = 1, cleared_by = ?, cleared_at = ?, cleared_reason = ?
		WHERE id = (
			SELECT id FROM policy_blocks
			WHERE token = ?
			  AND (? = '' OR code = ?)
			  AND cleared = 0
			  AND (expires_at IS NULL OR expires_at > ?)
			ORDER BY created_at DESC
			LIMIT 1
		)`,
		clearedBy, now, reason, token, code, code, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear policy block: %w", err)
	}
	return res.RowsAffected()
}

// ActiveBlocks returns all blocks in force right now, most recent first.
// Expiry is a read-time filter, not a write.
func (r *Registry) ActiveBlocks(ctx context.Context) ([]*Block, error) {
	return r.queryBlocks(ctx, `
		SELECT id, created_at, token, code, severity, source, details, expires_at,
		       cleared, cleared_by, cleared_at, cleared_reason
		FROM policy_blocks
		WHERE cleared = 0 AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC`,
		r.now().UTC().Format(time.RFC3339Nano))
}

// ActiveBlocksFor returns the active blocks for one token, most recent first.
func (r *Registry) ActiveBlocksFor(ctx context.Context, token string) ([]*Block, error) {
	return r.queryBlocks(ctx, `
		SELECT id, created_at, token, code, severity, source, details, expires_at,
		       cleared, cleared_by, cleared_at, cleared_reason
		FROM policy_blocks
		WHERE token = ? AND cleared = 0 AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC`,
		token, r.now().UTC().Format(time.RFC3339Nano))
}

func (r *Registry) queryBlocks(ctx context.Context, query string, args ...any) ([]*Block, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBlock(rows *sql.Rows) (*Block, error) {
	var (
		b         Block
		createdAt string
		severity  string
		expiresAt sql.NullString
		cleared   int
		clearedAt sql.NullString
	)
	if err := rows.Scan(&b.ID, &createdAt, &b.Token, &b.Code, &severity, &b.Source, &b.Details,
		&expiresAt, &cleared, &b.ClearedBy, &clearedAt, &b.ClearedReason); err != nil {
		return nil, err
	}
	b.Severity = Severity(severity)
	b.Cleared = cleared != 0

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("policy: corrupt created_at %q: %w", createdAt, err)
	}
	b.CreatedAt = t

	if expiresAt.Valid && expiresAt.String != "" {
		e, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("policy: corrupt expires_at %q: %w", expiresAt.String, err)
		}
		b.ExpiresAt = &e
	}
	if clearedAt.Valid && clearedAt.String != "" {
		c, err := time.Parse(time.RFC3339Nano, clearedAt.String)
		if err != nil {
			return nil, fmt.Errorf("policy: corrupt cleared_at %q: %w", clearedAt.String, err)
		}
		b.ClearedAt = &c
	}
	return &b, nil
}
