// Package outbox implements the durable command queue: idempotent enqueue,
// lease-based exclusive dispatch, acknowledgment with receipts.
//
// Two implementations of the same contract exist: SQLite for embedded/edge
// deployments and Postgres for the shared bus. Both enforce idempotency with
// a unique intent hash and lease exclusivity with a conditional update fenced
// on the row's previous status and expiry.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/novatrade/alphapipe/pkg/canonicalize"
)

// Status is the command lifecycle state.
// queued -> leased -> {done, error, canceled}; leased -> queued happens only
// implicitly, by an expired lease being re-selected on the next Lease call.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusLeased   Status = "leased"
	StatusDone     Status = "done"
	StatusError    Status = "error"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCanceled
}

var (
	ErrCommandNotFound = errors.New("command not found")
	ErrIntentType      = errors.New("intent must include a non-empty string field \"type\"")
)

// Intent is the structured command payload. The only structural requirement
// is a non-empty string "type" field; everything else is the caller's shape.
type Intent map[string]any

// Type returns the intent's type field, or "".
func (i Intent) Type() string {
	t, _ := i["type"].(string)
	return t
}

// Validate enforces the required type field.
func (i Intent) Validate() error {
	if i.Type() == "" {
		return ErrIntentType
	}
	return nil
}

// Hash returns the stable content hash of the canonicalized intent. Two
// intents that are the same document always produce the same hash.
func (i Intent) Hash() (string, error) {
	return canonicalize.CanonicalHash(map[string]any(i))
}

// Command is one durable outbox row. Created by Enqueue; mutated only by
// Lease and Acknowledge (and Cancel); never deleted.
type Command struct {
	ID              string     `json:"id"`
	CreatedAt       time.Time  `json:"created_at"`
	AgentID         string     `json:"agent_id"`
	Intent          Intent     `json:"intent"`
	IntentHash      string     `json:"intent_hash"`
	Status          Status     `json:"status"`
	LeasedBy        string     `json:"leased_by,omitempty"`
	LeaseAt         *time.Time `json:"lease_at,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	Attempts        int        `json:"attempts"`
	DedupTTLSeconds int        `json:"dedup_ttl_seconds"`
}

// Receipt is one append-only execution result, created once per
// acknowledgment and linked to its command.
type Receipt struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	AgentID   string          `json:"agent_id"`
	CommandID string          `json:"command_id"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// AckResult describes the outcome of an acknowledgment.
type AckResult struct {
	Receipt *Receipt
	// Applied is false when the command was already terminal and the
	// acknowledgment was an idempotent no-op.
	Applied bool
}

// EnqueueResult describes the outcome of an enqueue.
type EnqueueResult struct {
	Command *Command
	// Created is false when an identical intent was coalesced onto an
	// existing command.
	Created bool
}

// CommandStore is the durable outbox contract shared by the SQLite and
// Postgres implementations.
type CommandStore interface {
	// Enqueue normalizes and hashes the intent, coalescing onto an existing
	// command when the hash already exists. Duplicate enqueue is not an error.
	Enqueue(ctx context.Context, agentID string, intent Intent, dedupTTLSeconds int) (*EnqueueResult, error)

	// Lease atomically claims up to batchSize eligible commands (queued, or
	// leased with an expired lease), oldest first. Each claim is fenced: no
	// two callers can ever hold the same lease. Attempts increments per claim.
	Lease(ctx context.Context, agentID string, batchSize int, leaseDuration time.Duration) ([]*Command, error)

	// Acknowledge writes a receipt and finalizes the command (done when ok,
	// error otherwise). Acknowledging a terminal command is an idempotent
	// no-op returning the existing receipt.
	Acknowledge(ctx context.Context, commandID, agentID string, ok bool, result json.RawMessage) (*AckResult, error)

	// Cancel sets status=canceled unless the command is already terminal.
	Cancel(ctx context.Context, commandID string) (bool, error)

	// Get returns one command by id.
	Get(ctx context.Context, commandID string) (*Command, error)

	// Peek returns up to limit commands, newest first, without leasing.
	Peek(ctx context.Context, limit int) ([]*Command, error)

	// ReapExpired explicitly requeues leased commands whose lease has passed.
	// Operational tool only: Lease already reclaims expired leases on its own.
	ReapExpired(ctx context.Context) (int64, error)
}

func marshalIntent(i Intent) (string, error) {
	b, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("outbox: marshal intent: %w", err)
	}
	return string(b), nil
}
