package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "deliveries.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueMintsIdempotencyID(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, Record{Channel: "telegram", To: "123"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, Record{Channel: "telegram", To: "123"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if first.ID == "" || second.ID == "" {
		t.Fatal("enqueue should mint an id")
	}
	if first.ID == second.ID {
		t.Error("each attempt must get a fresh idempotency id")
	}
	if first.Status != StatusEnqueued {
		t.Errorf("Status = %q, want %q", first.Status, StatusEnqueued)
	}
}

func TestAckTransition(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	rec, err := q.Enqueue(ctx, Record{Channel: "telegram", To: "123", Chunk: 1, Chunks: 2})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Ack(ctx, rec.ID, "msg-42"); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	got, ok, err := q.Get(ctx, rec.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusAcked {
		t.Errorf("Status = %q, want %q", got.Status, StatusAcked)
	}
	if got.MessageID != "msg-42" {
		t.Errorf("MessageID = %q, want %q", got.MessageID, "msg-42")
	}
}

func TestNoBackwardTransitions(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	rec, err := q.Enqueue(ctx, Record{Channel: "telegram", To: "123"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Ack(ctx, rec.ID, "m1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if err := q.Fail(ctx, rec.ID, "late failure"); !errors.Is(err, ErrFinalized) {
		t.Errorf("Fail after Ack = %v, want ErrFinalized", err)
	}
	if err := q.Ack(ctx, rec.ID, "m2"); !errors.Is(err, ErrFinalized) {
		t.Errorf("double Ack = %v, want ErrFinalized", err)
	}
}

func TestFailRecordsCause(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	rec, err := q.Enqueue(ctx, Record{Channel: "telegram", To: "123"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Fail(ctx, rec.ID, "adapter: timeout"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, _, err := q.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, StatusFailed)
	}
	if got.Error != "adapter: timeout" {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestPendingExcludesAcked(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	acked, _ := q.Enqueue(ctx, Record{Channel: "telegram", To: "1"})
	failed, _ := q.Enqueue(ctx, Record{Channel: "telegram", To: "2"})
	open, _ := q.Enqueue(ctx, Record{Channel: "telegram", To: "3"})

	if err := q.Ack(ctx, acked.ID, "m"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := q.Fail(ctx, failed.ID, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Pending len = %d, want 2", len(pending))
	}
	ids := map[string]bool{pending[0].ID: true, pending[1].ID: true}
	if !ids[failed.ID] || !ids[open.ID] {
		t.Errorf("Pending ids = %v, want failed %q and open %q", ids, failed.ID, open.ID)
	}
}

func TestPurgeOlderThanKeepsEnqueued(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	done, _ := q.Enqueue(ctx, Record{Channel: "telegram", To: "1"})
	if err := q.Ack(ctx, done.ID, "m"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	inflight, _ := q.Enqueue(ctx, Record{Channel: "telegram", To: "2"})

	// Negative age puts the cutoff in the future, so every finalized
	// record qualifies.
	n, err := q.PurgeOlderThan(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}

	if _, ok, _ := q.Get(ctx, inflight.ID); !ok {
		t.Error("enqueued record must survive purge")
	}
	if _, ok, _ := q.Get(ctx, done.ID); ok {
		t.Error("acked record should have been purged")
	}
}
