package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresCommandStore is the shared-bus implementation of CommandStore.
// Migrations for the commands/receipts tables live with the deployment; the
// store only sanity-checks the connection.
// Time comes from SQL NOW() on every query, so the server clock is
// authoritative across all edge agents sharing the bus.
type PostgresCommandStore struct {
	db *sql.DB
}

// NewPostgresCommandStore wraps an open Postgres connection.
func NewPostgresCommandStore(db *sql.DB) (*PostgresCommandStore, error) {
	s := &PostgresCommandStore{db: db}
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("outbox: postgres ping failed: %w", err)
	}
	return s, nil
}

// Enqueue implements CommandStore.
func (s *PostgresCommandStore) Enqueue(ctx context.Context, agentID string, intent Intent, dedupTTLSeconds int) (*EnqueueResult, error) {
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

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO commands (id, created_at, agent_id, intent, intent_hash, status, attempts, dedup_ttl_seconds)
		VALUES (gen_random_uuid(), NOW(), $1, $2::jsonb, $3, 'queued', 0, $4)
		ON CONFLICT (intent_hash) DO UPDATE
		  SET dedup_ttl_seconds = EXCLUDED.dedup_ttl_seconds
		RETURNING id, (xmax = 0) AS created`,
		agentID, intentJSON, hash, dedupTTLSeconds,
	)
	var id string
	var created bool
	if err := row.Scan(&id, &created); err != nil {
		return nil, fmt.Errorf("failed to enqueue command: %w", err)
	}
	cmd, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &EnqueueResult{Command: cmd, Created: created}, nil
}

// Lease implements CommandStore with a single atomic claim: the CTE selects
// eligible rows under FOR UPDATE SKIP LOCKED, so concurrent callers never
// claim the same command.
func (s *PostgresCommandStore) Lease(ctx context.Context, agentID string, batchSize int, leaseDuration time.Duration) ([]*Command, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH cte AS (
		  SELECT id
		  FROM commands
		  WHERE status = 'queued'
		     OR (status = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at <= NOW())
		  ORDER BY created_at ASC
		  LIMIT $1
		  FOR UPDATE SKIP LOCKED
		)
		UPDATE commands c
		SET status = 'leased',
		    leased_by = $2,
		    lease_at = NOW(),
		    lease_expires_at = NOW() + ($3 || ' seconds')::interval,
		    attempts = attempts + 1
		FROM cte
		WHERE c.id = cte.id
		RETURNING c.id, c.created_at, c.agent_id, c.intent, c.intent_hash, c.status,
		          c.leased_by, c.lease_at, c.lease_expires_at, c.attempts, c.dedup_ttl_seconds`,
		batchSize, agentID, int(leaseDuration.Seconds()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lease commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claimed []*Command
	for rows.Next() {
		cmd, err := scanPGCommand(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, cmd)
	}
	return claimed, rows.Err()
}

// Acknowledge implements CommandStore.
func (s *PostgresCommandStore) Acknowledge(ctx context.Context, commandID, agentID string, ok bool, result json.RawMessage) (*AckResult, error) {
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO receipts (id, created_at, agent_id, command_id, ok, result)
		VALUES (gen_random_uuid(), NOW(), $1, $2, $3, $4::jsonb)
		ON CONFLICT (command_id, agent_id) DO NOTHING`,
		agentID, commandID, ok, string(result),
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
		SET status = $1, leased_by = '', lease_at = NULL, lease_expires_at = NULL
		WHERE id = $2 AND status IN ('queued', 'leased')`,
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
func (s *PostgresCommandStore) Cancel(ctx context.Context, commandID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = 'canceled', leased_by = '', lease_at = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status IN ('queued', 'leased')`, commandID)
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
func (s *PostgresCommandStore) Get(ctx context.Context, commandID string) (*Command, error) {
	rows, err := s.db.QueryContext(ctx, pgSelectCommand+` WHERE id = $1`, commandID)
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
	return scanPGCommand(rows)
}

// Peek implements CommandStore.
func (s *PostgresCommandStore) Peek(ctx context.Context, limit int) ([]*Command, error) {
	rows, err := s.db.QueryContext(ctx, pgSelectCommand+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Command
	for rows.Next() {
		cmd, err := scanPGCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// ReapExpired implements CommandStore.
func (s *PostgresCommandStore) ReapExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands
		SET status = 'queued', leased_by = '', lease_at = NULL, lease_expires_at = NULL
		WHERE status = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresCommandStore) receiptFor(ctx context.Context, commandID string) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, agent_id, command_id, ok, result
		FROM receipts
		WHERE command_id = $1
		ORDER BY created_at ASC
		LIMIT 1`, commandID)

	var (
		r         Receipt
		createdAt time.Time
		result    sql.NullString
	)
	err := row.Scan(&r.ID, &createdAt, &r.AgentID, &r.CommandID, &r.OK, &result)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.CreatedAt = createdAt
	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	return &r, nil
}

const pgSelectCommand = `
	SELECT id, created_at, agent_id, intent, intent_hash, status,
	       leased_by, lease_at, lease_expires_at, attempts, dedup_ttl_seconds
	FROM commands`

func scanPGCommand(rows *sql.Rows) (*Command, error) {
	var (
		cmd        Command
		createdAt  time.Time
		intentJSON []byte
		status     string
		leasedBy   sql.NullString
		leaseAt    sql.NullTime
		leaseExp   sql.NullTime
	)
	if err := rows.Scan(&cmd.ID, &createdAt, &cmd.AgentID, &intentJSON, &cmd.IntentHash, &status,
		&leasedBy, &leaseAt, &leaseExp, &cmd.Attempts, &cmd.DedupTTLSeconds); err != nil {
		return nil, err
	}
	cmd.CreatedAt = createdAt
	cmd.Status = Status(status)
	cmd.LeasedBy = leasedBy.String
	if err := json.Unmarshal(intentJSON, &cmd.Intent); err != nil {
		return nil, fmt.Errorf("outbox: corrupt intent JSON in command %s: %w", cmd.ID, err)
	}
	if leaseAt.Valid {
		t := leaseAt.Time
		cmd.LeaseAt = &t
	}
	if leaseExp.Valid {
		t := leaseExp.Time
		cmd.LeaseExpiresAt = &t
	}
	return &cmd, nil
}
