package op

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"bridge-relayer/models"
	"bridge-relayer/repository"
)

const pollInterval = 500 * time.Millisecond

// Scheduler drives every pending operation through its stages with a
// bounded worker pool. Operations move between a prepare queue and a
// confirm queue; manual retry requests arrive over a channel from the
// operator API.
type Scheduler struct {
	deps     *Deps
	prepareQ *Queue
	confirmQ *Queue
	retryCh  chan common.Hash
	workers  int
	log      *zap.Logger

	mu           sync.Mutex
	ops          map[common.Hash]*PendingOperation
	busy         map[common.Hash]bool
	pendingRetry map[common.Hash]bool
	dropped      map[common.Hash]bool
}

func NewScheduler(deps *Deps, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		deps:         deps,
		prepareQ:     NewQueue(),
		confirmQ:     NewQueue(),
		retryCh:      make(chan common.Hash, 16),
		workers:      workers,
		log:          deps.Log,
		ops:          make(map[common.Hash]*PendingOperation),
		busy:         make(map[common.Hash]bool),
		pendingRetry: make(map[common.Hash]bool),
		dropped:      make(map[common.Hash]bool),
	}
}

// Enqueue registers a newly observed undelivered message. A message already
// tracked is ignored.
func (s *Scheduler) Enqueue(msg *models.Message) {
	id := msg.ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[id]; ok {
		return
	}
	op := NewPendingOperation(msg, s.deps)
	s.ops[id] = op
	s.prepareQ.Push(op)
	s.log.Debug("operation enqueued",
		zap.String("message_id", id.Hex()),
		zap.Uint32("nonce", msg.Nonce))
}

// RequestRetry asks the scheduler to reset the operation for a message id.
// Returns false if the message is unknown to the store.
func (s *Scheduler) RequestRetry(id common.Hash) bool {
	s.mu.Lock()
	_, tracked := s.ops[id]
	s.mu.Unlock()
	if !tracked {
		if _, err := s.deps.Repo.GetMessage(id); err != nil {
			return false
		}
	}
	s.retryCh <- id
	return true
}

// Recover re-enqueues every undelivered message from the store, restoring
// each operation's retry count so backoff survives a restart.
func (s *Scheduler) Recover() error {
	msgs, err := s.deps.Repo.GetAllMessages()
	if err != nil {
		return fmt.Errorf("load stored messages: %w", err)
	}

	var restored, droppedCount int
	for _, msg := range msgs {
		processed, err := s.deps.Repo.IsProcessed(msg.Nonce)
		if err != nil {
			return fmt.Errorf("check processed marker: %w", err)
		}
		if processed {
			continue
		}

		id := msg.ID()
		rec, err := s.deps.Repo.GetOperationRecord(id)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			rec = nil
		case err != nil:
			return fmt.Errorf("load operation record: %w", err)
		}

		s.mu.Lock()
		if rec == nil {
			op := NewPendingOperation(msg, s.deps)
			s.ops[id] = op
			s.prepareQ.Push(op)
			restored++
		} else if rec.Status == models.StatusDropped {
			// Kept off the queues but tracked, so a manual retry can
			// revive it.
			s.ops[id] = RestorePendingOperation(msg, rec, s.deps)
			s.dropped[id] = true
			droppedCount++
		} else if rec.Status != models.StatusFinalized {
			op := RestorePendingOperation(msg, rec, s.deps)
			s.ops[id] = op
			s.prepareQ.Push(op)
			restored++
		}
		s.mu.Unlock()
	}
	s.log.Info("operations recovered from store",
		zap.Int("enqueued", restored),
		zap.Int("dropped", droppedCount))
	return nil
}

// Run starts the worker pool and the retry listener and blocks until the
// context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.retryLoop(ctx)
	}()
	wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := s.deps.Clock.Now()
		op := s.confirmQ.PopEligible(now)
		if op == nil {
			op = s.prepareQ.PopEligible(now)
		}
		if op == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		id := op.Message.ID()
		s.mu.Lock()
		s.busy[id] = true
		s.mu.Unlock()

		s.process(ctx, op)
		s.finish(op)
	}
}

// process advances the operation through successive stages until it either
// has to wait, fails, or terminates.
func (s *Scheduler) process(ctx context.Context, op *PendingOperation) {
	id := op.Message.ID()
	for {
		var res StageResult
		switch op.Status() {
		case models.StatusPrepare:
			res = op.Prepare(ctx)
		case models.StatusReadyToSubmit:
			res = op.Submit(ctx)
		case models.StatusSubmitted, models.StatusConfirm:
			res = op.Confirm(ctx)
		case models.StatusFinalized:
			s.remove(id)
			return
		case models.StatusDropped:
			s.markDropped(id)
			return
		}

		switch res.Outcome {
		case OutcomeProceed:
			if op.Status() == models.StatusFinalized {
				s.remove(id)
				return
			}
		case OutcomeNotReady:
			s.confirmQ.Push(op)
			return
		case OutcomeReprepare:
			s.prepareQ.Push(op)
			return
		case OutcomeDrop:
			s.markDropped(id)
			return
		}
	}
}

func (s *Scheduler) retryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.retryCh:
			s.applyRetry(id)
		}
	}
}

func (s *Scheduler) applyRetry(id common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		msg, err := s.deps.Repo.GetMessage(id)
		if err != nil {
			s.log.Warn("retry requested for unknown message",
				zap.String("message_id", id.Hex()))
			return
		}
		op = NewPendingOperation(msg, s.deps)
		s.ops[id] = op
		s.prepareQ.Push(op)
		return
	}
	if s.busy[id] {
		// A worker owns it right now; apply the reset when it finishes.
		s.pendingRetry[id] = true
		return
	}
	op.ResetRetries()
	if s.dropped[id] {
		delete(s.dropped, id)
		s.prepareQ.Push(op)
	}
	s.log.Info("operation retry applied", zap.String("message_id", id.Hex()))
}

func (s *Scheduler) finish(op *PendingOperation) {
	id := op.Message.ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, id)
	if !s.pendingRetry[id] {
		return
	}
	delete(s.pendingRetry, id)
	if _, ok := s.ops[id]; !ok {
		return
	}
	op.ResetRetries()
	if s.dropped[id] {
		delete(s.dropped, id)
		s.prepareQ.Push(op)
	}
}

func (s *Scheduler) remove(id common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, id)
	delete(s.dropped, id)
}

func (s *Scheduler) markDropped(id common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped[id] = true
}
