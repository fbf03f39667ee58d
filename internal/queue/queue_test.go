package queue

import (
	"context"
	"testing"
	"time"
)

func TestStreamQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)

	q := NewStreamQueue(rdb, "test:jobs", "workers", "w1", 10*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group must be idempotent: %v", err)
	}

	if _, err := q.Enqueue(ctx, Job{Kind: JobStart, OwnerID: 7, ChatID: 7, PresetID: "p1", ModelConfigID: "m1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, Job{OwnerID: 7, ChatID: 7, ConversationID: "c1", Text: "hello"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Job.Kind != JobStart || msgs[0].Job.PresetID != "p1" || msgs[0].Job.JobID == "" {
		t.Fatalf("unexpected first job %+v", msgs[0].Job)
	}
	if msgs[1].Job.Kind != JobSend || msgs[1].Job.Text != "hello" {
		t.Fatalf("expected default send kind, got %+v", msgs[1].Job)
	}

	for _, m := range msgs {
		if err := q.Ack(ctx, m.ID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	if n, _ := rdb.XLen(ctx, "test:jobs").Result(); n != 0 {
		t.Fatalf("expected acked jobs to be deleted, %d left", n)
	}
}

func TestConversationLock(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	lock := NewConversationLock(rdb, time.Minute)

	release, ok, err := lock.TryLock(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("expected to acquire lock: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := lock.TryLock(ctx, "c1"); ok {
		t.Fatalf("second holder must not acquire a held lock")
	}
	if _, ok, _ := lock.TryLock(ctx, "c2"); !ok {
		t.Fatalf("other keys must stay independent")
	}

	release()
	release2, ok, err := lock.TryLock(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("expected lock after release: ok=%v err=%v", ok, err)
	}

	// An expired holder must not release the lock of the next one.
	mr.FastForward(2 * time.Minute)
	_, ok, _ = lock.TryLock(ctx, "c1")
	if !ok {
		t.Fatalf("expected lock after ttl expiry")
	}
	release2()
	if _, ok, _ := lock.TryLock(ctx, "c1"); ok {
		t.Fatalf("stale release removed the current holder's lock")
	}
}
