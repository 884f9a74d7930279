package op

import (
	"testing"
	"time"

	"bridge-relayer/models"
)

func queuedOp(retryCount uint32, msgNonce uint32, nextAttempt time.Time) *PendingOperation {
	return &PendingOperation{
		Message:          &models.Message{Version: models.MessageVersion, Nonce: msgNonce},
		status:           models.StatusPrepare,
		retryCount:       retryCount,
		nextAttemptAfter: nextAttempt,
	}
}

func TestQueueOrdersByRetriesThenNonce(t *testing.T) {
	q := NewQueue()
	now := time.Now()

	q.Push(queuedOp(2, 1, time.Time{}))
	q.Push(queuedOp(0, 9, time.Time{}))
	q.Push(queuedOp(0, 3, time.Time{}))
	q.Push(queuedOp(1, 0, time.Time{}))

	want := []struct {
		retries uint32
		nonce   uint32
	}{
		{0, 3}, {0, 9}, {1, 0}, {2, 1},
	}
	for i, expected := range want {
		op := q.PopEligible(now)
		if op == nil {
			t.Fatalf("pop %d returned nothing", i)
		}
		if op.RetryCount() != expected.retries || op.MessageNonce() != expected.nonce {
			t.Fatalf("pop %d = (retries %d, nonce %d), want (%d, %d)",
				i, op.RetryCount(), op.MessageNonce(), expected.retries, expected.nonce)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained")
	}
}

// An operation still in backoff must not block eligible lower-priority
// operations behind it.
func TestPopEligibleSkipsBackingOff(t *testing.T) {
	q := NewQueue()
	now := time.Now()

	blocked := queuedOp(0, 1, now.Add(time.Minute))
	ready := queuedOp(3, 8, time.Time{})
	q.Push(blocked)
	q.Push(ready)

	got := q.PopEligible(now)
	if got != ready {
		t.Fatalf("expected the eligible operation, got retries=%d nonce=%d", got.RetryCount(), got.MessageNonce())
	}
	// the skipped operation stays queued
	if q.Len() != 1 {
		t.Fatalf("skipped operation lost, queue len %d", q.Len())
	}
	if got := q.PopEligible(now); got != nil {
		t.Fatalf("backing-off operation popped early")
	}
	if got := q.PopEligible(now.Add(2 * time.Minute)); got != blocked {
		t.Fatalf("operation not eligible after backoff elapsed")
	}
}
