package op

import (
	"container/heap"
	"sync"
	"time"
)

// opLess is the scheduling order: an operation with fewer retries always
// goes before one stuck retrying, and within equal retry counts the lower
// message nonce goes first. Spelled out as a comparator because inverted
// heap orderings are easy to misread.
func opLess(a, b *PendingOperation) bool {
	if a.RetryCount() != b.RetryCount() {
		return a.RetryCount() < b.RetryCount()
	}
	return a.MessageNonce() < b.MessageNonce()
}

type opHeap []*PendingOperation

func (h opHeap) Len() int            { return len(h) }
func (h opHeap) Less(i, j int) bool  { return opLess(h[i], h[j]) }
func (h opHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *opHeap) Push(x interface{}) { *h = append(*h, x.(*PendingOperation)) }
func (h *opHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a concurrency-safe priority queue of pending operations.
type Queue struct {
	mu   sync.Mutex
	heap opHeap
}

func NewQueue() *Queue {
	q := &Queue{}
	heap.Init(&q.heap)
	return q
}

func (q *Queue) Push(op *PendingOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, op)
}

// PopEligible removes and returns the highest-priority operation whose
// backoff window has elapsed at now. Higher-priority operations still in
// backoff are skipped over, not blocked on, so one persistently failing
// message never starves the rest of the queue.
func (q *Queue) PopEligible(now time.Time) *PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*PendingOperation
	var picked *PendingOperation
	for q.heap.Len() > 0 {
		op := heap.Pop(&q.heap).(*PendingOperation)
		if op.Eligible(now) {
			picked = op
			break
		}
		skipped = append(skipped, op)
	}
	for _, op := range skipped {
		heap.Push(&q.heap, op)
	}
	return picked
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}
