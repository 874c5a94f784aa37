package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T) *SQLiteCommandStore {
	t.Helper()
	s, err := NewSQLiteCommandStore(openTestDB(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func noteIntent(token string) Intent {
	return Intent{
		"type":   "note",
		"symbol": token + "-USD",
		"payload": map[string]any{
			"token": token,
		},
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, "edge-a", noteIntent("ABC"), 900)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !first.Created {
		t.Fatal("first enqueue should create")
	}

	second, err := s.Enqueue(ctx, "edge-a", noteIntent("ABC"), 600)
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if second.Created {
		t.Fatal("identical intent must coalesce, not create")
	}
	if second.Command.ID != first.Command.ID {
		t.Fatalf("coalesced id = %s, want %s", second.Command.ID, first.Command.ID)
	}
	if second.Command.DedupTTLSeconds != 600 {
		t.Fatalf("dedup ttl = %d, want refreshed to 600", second.Command.DedupTTLSeconds)
	}

	cmds, err := s.Peek(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("rows = %d, want 1", len(cmds))
	}
}

func TestEnqueueDistinctIntents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Enqueue(ctx, "edge-a", noteIntent("ABC"), 900)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	b, err := s.Enqueue(ctx, "edge-a", noteIntent("XYZ"), 900)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if a.Command.IntentHash == b.Command.IntentHash {
		t.Fatal("distinct intents must hash differently")
	}
	if !b.Created {
		t.Fatal("distinct intent should create a new command")
	}
}

func TestEnqueueRequiresType(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Enqueue(context.Background(), "edge-a", Intent{"symbol": "ABC-USD"}, 900)
	if !errors.Is(err, ErrIntentType) {
		t.Fatalf("err = %v, want ErrIntentType", err)
	}
}

func TestLeaseExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "edge-a", noteIntent("ABC"), 900); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := s.Lease(ctx, "runner-1", 5, 45*time.Second)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("claimed = %d, want 1", len(got))
	}
	if got[0].Status != StatusLeased || got[0].LeasedBy != "runner-1" {
		t.Fatalf("claimed command = %s/%s, want leased/runner-1", got[0].Status, got[0].LeasedBy)
	}
	if got[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got[0].Attempts)
	}

	other, err := s.Lease(ctx, "runner-2", 5, 45*time.Second)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("second caller claimed %d commands, want 0", len(other))
	}
}

func TestLeaseExclusiveUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "edge-a", noteIntent("ABC"), 900); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Race many callers for the single queued command; the conditional
	// update fencing must let exactly one claim land.
	const callers = 8
	claims := make(chan int, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.Lease(ctx, fmt.Sprintf("runner-%d", i), 1, 45*time.Second)
			if err != nil {
				errs <- err
				return
			}
			claims <- len(got)
		}()
	}
	wg.Wait()
	close(claims)
	close(errs)

	for err := range errs {
		t.Fatalf("lease: %v", err)
	}
	total := 0
	for n := range claims {
		total += n
	}
	if total != 1 {
		t.Fatalf("total claims across %d callers = %d, want exactly 1", callers, total)
	}
}

func TestLeaseReclaimAfterExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(t).WithClock(clock.Now)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "edge-a", noteIntent("ABC"), 900); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := s.Lease(ctx, "runner-1", 1, 45*time.Second)
	if err != nil || len(first) != 1 {
		t.Fatalf("first lease = %v, %v", first, err)
	}

	// Lease still live: nobody else may claim.
	clock.Advance(30 * time.Second)
	mid, err := s.Lease(ctx, "runner-2", 1, 45*time.Second)
	if err != nil {
		t.Fatalf("mid lease: %v", err)
	}
	if len(mid) != 0 {
		t.Fatal("live lease was stolen")
	}

	// Past expiry: the command is eligible again and attempts increments.
	clock.Advance(20 * time.Second)
	reclaimed, err := s.Lease(ctx, "runner-2", 1, 45*time.Second)
	if err != nil {
		t.Fatalf("reclaim lease: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("reclaimed = %d, want 1", len(reclaimed))
	}
	if reclaimed[0].LeasedBy != "runner-2" {
		t.Fatalf("leased_by = %s, want runner-2", reclaimed[0].LeasedBy)
	}
	if reclaimed[0].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", reclaimed[0].Attempts)
	}
}

func TestLeaseExpiryExactWithinSecond(t *testing.T) {
	// The lease is taken at a fractional-second instant, so its expiry
	// carries a fractional part. A whole-second probe just before expiry
	// must not reclaim it: the stored strings have to order exactly.
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC)}
	s := newTestStore(t).WithClock(clock.Now)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "edge-a", noteIntent("ABC"), 900); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := s.Lease(ctx, "runner-1", 1, 45*time.Second)
	if err != nil || len(first) != 1 {
		t.Fatalf("first lease = %v, %v", first, err)
	}

	// 12:00:45.0: half a second of lease left.
	clock.Advance(44*time.Second + 500*time.Millisecond)
	mid, err := s.Lease(ctx, "runner-2", 1, 45*time.Second)
	if err != nil {
		t.Fatalf("mid lease: %v", err)
	}
	if len(mid) != 0 {
		t.Fatal("lease stolen sub-second before expiry")
	}

	// 12:00:45.5: the lease has expired to the nanosecond.
	clock.Advance(500 * time.Millisecond)
	reclaimed, err := s.Lease(ctx, "runner-2", 1, 45*time.Second)
	if err != nil {
		t.Fatalf("reclaim lease: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("reclaimed = %d, want 1", len(reclaimed))
	}
}

func TestLeaseOldestFirst(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(t).WithClock(clock.Now)
	ctx := context.Background()

	var ids []string
	for _, token := range []string{"AAA", "BBB", "CCC"} {
		res, err := s.Enqueue(ctx, "edge-a", noteIntent(token), 900)
		if err != nil {
			t.Fatalf("enqueue %s: %v", token, err)
		}
		ids = append(ids, res.Command.ID)
		clock.Advance(time.Second)
	}

	got, err := s.Lease(ctx, "runner-1", 2, 45*time.Second)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("claimed = %d, want 2", len(got))
	}
	if got[0].ID != ids[0] || got[1].ID != ids[1] {
		t.Fatalf("claimed %s,%s, want oldest two %s,%s", got[0].ID, got[1].ID, ids[0], ids[1])
	}
}

func TestAcknowledgeIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Enqueue(ctx, "edge-a", noteIntent("ABC"), 900)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Lease(ctx, "runner-1", 1, 45*time.Second); err != nil {
		t.Fatalf("lease: %v", err)
	}

	ack, err := s.Acknowledge(ctx, res.Command.ID, "runner-1", true, json.RawMessage(`{"filled":true}`))
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !ack.Applied || ack.Receipt == nil || !ack.Receipt.OK {
		t.Fatalf("ack = %+v, want applied ok receipt", ack)
	}

	cmd, err := s.Get(ctx, res.Command.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd.Status != StatusDone {
		t.Fatalf("status = %s, want done", cmd.Status)
	}

	again, err := s.Acknowledge(ctx, res.Command.ID, "runner-2", false, nil)
	if err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if again.Applied {
		t.Fatal("ack on terminal command must be a no-op")
	}
	if again.Receipt == nil || again.Receipt.ID != ack.Receipt.ID {
		t.Fatal("no-op ack must return the original receipt")
	}
}

func TestAcknowledgeFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Enqueue(ctx, "edge-a", noteIntent("ABC"), 900)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Lease(ctx, "runner-1", 1, 45*time.Second); err != nil {
		t.Fatalf("lease: %v", err)
	}

	ack, err := s.Acknowledge(ctx, res.Command.ID, "runner-1", false, json.RawMessage(`{"error":"rejected"}`))
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !ack.Applied || ack.Receipt.OK {
		t.Fatalf("ack = %+v, want applied not-ok receipt", ack)
	}

	cmd, err := s.Get(ctx, res.Command.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd.Status != StatusError {
		t.Fatalf("status = %s, want error", cmd.Status)
	}
}

func TestAcknowledgeUnknownCommand(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Acknowledge(context.Background(), "missing", "runner-1", true, nil)
	if !errors.Is(err, ErrCommandNotFound) {
		t.Fatalf("err = %v, want ErrCommandNotFound", err)
	}
}

func TestCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Enqueue(ctx, "edge-a", noteIntent("ABC"), 900)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	canceled, err := s.Cancel(ctx, res.Command.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !canceled {
		t.Fatal("cancel on queued command should apply")
	}

	again, err := s.Cancel(ctx, res.Command.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again {
		t.Fatal("cancel on terminal command must be a no-op")
	}

	// A canceled command is terminal: acknowledging it changes nothing.
	ack, err := s.Acknowledge(ctx, res.Command.ID, "runner-1", true, nil)
	if err != nil {
		t.Fatalf("ack after cancel: %v", err)
	}
	if ack.Applied {
		t.Fatal("ack after cancel must be a no-op")
	}

	got, err := s.Lease(ctx, "runner-1", 1, 45*time.Second)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(got) != 0 {
		t.Fatal("canceled command must not be leasable")
	}
}

func TestReapExpired(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(t).WithClock(clock.Now)
	ctx := context.Background()

	res, err := s.Enqueue(ctx, "edge-a", noteIntent("ABC"), 900)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Lease(ctx, "runner-1", 1, 45*time.Second); err != nil {
		t.Fatalf("lease: %v", err)
	}

	n, err := s.ReapExpired(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 0 {
		t.Fatalf("reaped %d live leases, want 0", n)
	}

	clock.Advance(46 * time.Second)
	n, err = s.ReapExpired(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}

	cmd, err := s.Get(ctx, res.Command.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd.Status != StatusQueued || cmd.LeasedBy != "" {
		t.Fatalf("reaped command = %s/%q, want queued with no holder", cmd.Status, cmd.LeasedBy)
	}
}

func TestIntentHashStable(t *testing.T) {
	a := Intent{"type": "note", "payload": map[string]any{"b": 2, "a": 1}}
	b := Intent{"payload": map[string]any{"a": 1, "b": 2}, "type": "note"}

	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if ha != hb {
		t.Fatalf("hash differs for equivalent intents: %s vs %s", ha, hb)
	}
}
