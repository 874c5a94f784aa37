package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// sqliteTime is RFC 3339 UTC with fixed nine-digit fractional seconds.
// Lease expiry and ordering compare these columns as strings, so every
// stored timestamp must be the same width; RFC3339Nano trims trailing
// zeros and would misorder instants within the same second.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteCommandStore is the embedded implementation of CommandStore.
type SQLiteCommandStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteCommandStore opens the store and ensures its schema exists.
func NewSQLiteCommandStore(db *sql.DB) (*SQLiteCommandStore, error) {
	s := &SQLiteCommandStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *SQLiteCommandStore) WithClock(now func() time.Time) *SQLiteCommandStore {
	s.now = now
	return s
}

func (s *SQLiteCommandStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS commands (
		id                TEXT PRIMARY KEY,
		created_at        TEXT NOT NULL,
		agent_id          TEXT NOT NULL,
		intent            TEXT NOT NULL,
		intent_hash       TEXT NOT NULL UNIQUE,
		status            TEXT NOT NULL DEFAULT 'queued',
		leased_by         TEXT NOT NULL DEFAULT '',
		lease_at          TEXT,
		lease_expires_at  TEXT,
		attempts          INTEGER NOT NULL DEFAULT 0,
		dedup_ttl_seconds INTEGER NOT NULL DEFAULT 900
	);
	CREATE INDEX IF NOT EXISTS commands_status_idx ON commands (status, created_at);

	CREATE TABLE IF NOT EXISTS receipts (
		id         TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		agent_id   TEXT NOT NULL,
		command_id TEXT NOT NULL,
		ok         INTEGER NOT NULL,
		result     TEXT,
		UNIQUE (command_id, agent_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Enqueue implements CommandStore. The unique intent_hash column does the
// coalescing; a conflicting enqueue refreshes the stored dedup TTL and
// returns the existing command unchanged.
func (s *SQLiteCommandStore) Enqueue(ctx context.Context, agentID string, intent Intent, dedupTTLSeconds int) (*EnqueueResult, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	hash, err := intent.Hash()
	if err != nil {
		return nil, fmt.Errorf("outbox: intent hash: %w", err)
	}
	intentJSON, err := marshalIntent(intent)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commands (id, created_at, agent_id, intent, intent_hash, status, attempts, dedup_ttl_seconds)
		VALUES (?, ?, ?, ?, ?, 'queued', 0, ?)
		ON CONFLICT (intent_hash) DO UPDATE
		  SET dedup_ttl_seconds = excluded.dedup_ttl_seconds`,
		id, s.now().UTC().Format(sqliteTime), agentID, intentJSON, hash, dedupTTLSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue command: %w", err)
	}

	cmd, err := s.byIntentHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &EnqueueResult{Command: cmd, Created: cmd.ID == id}, nil
}

// Lease implements CommandStore. Each candidate row is claimed with a
// conditional update keyed on the status/expiry that made it eligible, so a
// concurrent caller racing for the same row loses the update and skips it.
func (s *SQLiteCommandStore) Lease(ctx context.Context, agentID string, batchSize int, leaseDuration time.Duration) ([]*Command, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := s.now().UTC()
	nowStr := now.Format(sqliteTime)
	expiresStr := now.Add(leaseDuration).Format(sqliteTime)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM commands
		WHERE status = 'queued'
		   OR (status = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
		ORDER BY created_at ASC
		LIMIT ?`, nowStr, batchSize)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var claimed []*Command
	for _, id := range candidates {
		res, err := s.db.ExecContext(ctx, `
			UPDATE commands
			SET status = 'leased', leased_by = ?, lease_at = ?, lease_expires_at = ?, attempts = attempts + 1
			WHERE id = ?
			  AND (status = 'queued'
			       OR (status = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?))`,
			agentID, nowStr, expiresStr, id, nowStr,
		)
		if err != nil {
			return claimed, fmt.Errorf("failed to lease command %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, err
		}
		if n == 0 {
			// Lost the race to another caller. Not an error.
			continue
		}
		cmd, err := s.Get(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, cmd)
	}
	return claimed, nil
}

// Acknowledge implements CommandStore.
func (s *SQLiteCommandStore) Acknowledge(ctx context.Context, commandID, agentID string, ok bool, result json.RawMessage) (*AckResult, error) {
	cmd, err := s.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.Status.Terminal() {
		existing, err := s.receiptFor(ctx, commandID)
		if err != nil {
			return nil, err
		}
		return &AckResult{Receipt: existing, Applied: false}, nil
	}

	rcpt := &Receipt{
		ID:        uuid.New().String(),
		CreatedAt: s.now().UTC(),
		AgentID:   agentID,
		CommandID: commandID,
		OK:        ok,
		Result:    result,
	}
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO receipts (id, created_at, agent_id, command_id, ok, result)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (command_id, agent_id) DO NOTHING`,
		rcpt.ID, rcpt.CreatedAt.Format(sqliteTime), agentID, commandID, okInt, string(result),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert receipt: %w", err)
	}

	newStatus := StatusError
	if ok {
		newStatus = StatusDone
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE commands
		SET status = ?, leased_by = '', lease_at = NULL, lease_expires_at = NULL
		WHERE id = ? AND status IN ('queued', 'leased')`,
		string(newStatus), commandID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize command: %w", err)
	}

	stored, err := s.receiptFor(ctx, commandID)
	if err != nil {
		return nil, err
	}
	return &AckResult{Receipt: stored, Applied: true}, nil
}

// Cancel implements CommandStore.
func (s *SQLiteCommandStore) Cancel(ctx context.Context, commandID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = 'canceled', leased_by = '', lease_at = NULL, lease_expires_at = NULL
		WHERE id = ? AND status IN ('queued', 'leased')`, commandID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get implements CommandStore.
func (s *SQLiteCommandStore) Get(ctx context.Context, commandID string) (*Command, error) {
	return s.queryOne(ctx, selectCommand+` WHERE id = ?`, commandID)
}

func (s *SQLiteCommandStore) byIntentHash(ctx context.Context, hash string) (*Command, error) {
	return s.queryOne(ctx, selectCommand+` WHERE intent_hash = ?`, hash)
}

// Peek implements CommandStore.
func (s *SQLiteCommandStore) Peek(ctx context.Context, limit int) ([]*Command, error) {
	rows, err := s.db.QueryContext(ctx, selectCommand+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// ReapExpired implements CommandStore.
func (s *SQLiteCommandStore) ReapExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands
		SET status = 'queued', leased_by = '', lease_at = NULL, lease_expires_at = NULL
		WHERE status = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		s.now().UTC().Format(sqliteTime))
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	return res.RowsAffected()
}

// Receipts returns up to limit receipts, newest first.
func (s *SQLiteCommandStore) Receipts(ctx context.Context, limit int) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, agent_id, command_id, ok, result
		FROM receipts
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteCommandStore) receiptFor(ctx context.Context, commandID string) (*Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, agent_id, command_id, ok, result
		FROM receipts
		WHERE command_id = ?
		ORDER BY created_at ASC
		LIMIT 1`, commandID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		// Terminal without a receipt (e.g. canceled).
		return nil, nil
	}
	return scanReceipt(rows)
}

const selectCommand = `
	SELECT id, created_at, agent_id, intent, intent_hash, status,
	       leased_by, lease_at, lease_expires_at, attempts, dedup_ttl_seconds
	FROM commands`

func (s *SQLiteCommandStore) queryOne(ctx context.Context, query string, arg any) (*Command, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrCommandNotFound
	}
	return scanCommand(rows)
}

func scanCommand(rows *sql.Rows) (*Command, error) {
	var (
		cmd        Command
		createdAt  string
		intentJSON string
		status     string
		leaseAt    sql.NullString
		leaseExp   sql.NullString
	)
	if err := rows.Scan(&cmd.ID, &createdAt, &cmd.AgentID, &intentJSON, &cmd.IntentHash, &status,
		&cmd.LeasedBy, &leaseAt, &leaseExp, &cmd.Attempts, &cmd.DedupTTLSeconds); err != nil {
		return nil, err
	}
	cmd.Status = Status(status)

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("outbox: corrupt created_at %q: %w", createdAt, err)
	}
	cmd.CreatedAt = t

	if err := json.Unmarshal([]byte(intentJSON), &cmd.Intent); err != nil {
		return nil, fmt.Errorf("outbox: corrupt intent JSON in command %s: %w", cmd.ID, err)
	}
	if leaseAt.Valid && leaseAt.String != "" {
		la, err := time.Parse(time.RFC3339Nano, leaseAt.String)
		if err != nil {
			return nil, fmt.Errorf("outbox: corrupt lease_at %q: %w", leaseAt.String, err)
		}
		cmd.LeaseAt = &la
	}
	if leaseExp.Valid && leaseExp.String != "" {
		le, err := time.Parse(time.RFC3339Nano, leaseExp.String)
		if err != nil {
			return nil, fmt.Errorf("outbox: corrupt lease_expires_at %q: %w", leaseExp.String, err)
		}
		cmd.LeaseExpiresAt = &le
	}
	return &cmd, nil
}

func scanReceipt(rows *sql.Rows) (*Receipt, error) {
	var (
		r         Receipt
		createdAt string
		okInt     int
		result    sql.NullString
	)
	if err := rows.Scan(&r.ID, &createdAt, &r.AgentID, &r.CommandID, &okInt, &result); err != nil {
		return nil, err
	}
	r.OK = okInt != 0
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("outbox: corrupt receipt created_at %q: %w", createdAt, err)
	}
	r.CreatedAt = t
	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	return &r, nil
}
