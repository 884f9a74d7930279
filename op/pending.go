package op

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"bridge-relayer/chain"
	"bridge-relayer/gas"
	"bridge-relayer/models"
	"bridge-relayer/nonce"
	"bridge-relayer/repository"
)

// Outcome is the result of running one stage tick on an operation.
type Outcome int

const (
	// OutcomeNotReady: nothing failed, the operation is just waiting on an
	// external condition. Re-check after a delay without counting a retry.
	OutcomeNotReady Outcome = iota
	// OutcomeProceed: the stage completed and the operation advanced.
	OutcomeProceed
	// OutcomeReprepare: a retryable failure. The operation goes back to the
	// prepare stage with its retry count incremented.
	OutcomeReprepare
	// OutcomeDrop: a terminal, non-retryable failure classification.
	OutcomeDrop
)

// StageResult carries the outcome of a tick plus its classification.
type StageResult struct {
	Outcome   Outcome
	Reprepare models.ReprepareReason
	Drop      models.DropReason
}

func notReady() StageResult  { return StageResult{Outcome: OutcomeNotReady} }
func proceed() StageResult   { return StageResult{Outcome: OutcomeProceed} }
func reprepare(reason models.ReprepareReason) StageResult {
	return StageResult{Outcome: OutcomeReprepare, Reprepare: reason}
}
func drop(reason models.DropReason) StageResult {
	return StageResult{Outcome: OutcomeDrop, Drop: reason}
}

// MetadataBuilder builds verification metadata for a message. nil metadata
// with nil error means the quorum is not available yet.
type MetadataBuilder interface {
	Build(ctx context.Context, validators []common.Address, threshold int, msg *models.Message) ([]byte, error)
}

// Deps bundles the collaborators every pending operation works through.
type Deps struct {
	Adapter    chain.Adapter
	Metadata   MetadataBuilder
	Enforcer   *gas.Enforcer
	Nonces     *nonce.Manager
	Repo       repository.RelayerRepositoryInterface
	Clock      Clock
	Validators []common.Address
	Threshold  int
	Log        *zap.Logger
}

// PendingOperation is the per-message delivery state machine. One instance
// exists per in-flight message; the scheduler drives it through the
// Prepare, Submit and Confirm stages. Every status change is persisted
// before the next network call so a restart resumes mid-flight.
type PendingOperation struct {
	Message *models.Message

	status           models.OperationStatus
	retryCount       uint32
	lastAttemptedAt  time.Time
	nextAttemptAfter time.Time

	metadata []byte
	estimate *models.TxCostEstimate

	txRef    chain.TxRef
	hasTx    bool
	txNonce  uint64
	hasNonce bool
	attempt  uint32

	deps *Deps
}

func NewPendingOperation(msg *models.Message, deps *Deps) *PendingOperation {
	return &PendingOperation{
		Message: msg,
		status:  models.StatusPrepare,
		deps:    deps,
	}
}

// RestorePendingOperation rebuilds an operation from its persisted record
// at boot. The next attempt time is re-derived from the retry count so a
// restart does not reset backoff.
func RestorePendingOperation(msg *models.Message, rec *models.OperationRecord, deps *Deps) *PendingOperation {
	p := NewPendingOperation(msg, deps)
	p.retryCount = rec.RetryCount
	p.lastAttemptedAt = time.UnixMilli(rec.LastAttemptedAt)
	if rec.RetryCount > 0 {
		p.nextAttemptAfter = p.lastAttemptedAt.Add(backoffFor(rec.RetryCount))
	}
	// In-flight transaction references are not restored; an op persisted as
	// submitted re-enters prepare, where the delivered check catches the
	// case where the lost transaction actually landed.
	return p
}

func (p *PendingOperation) Status() models.OperationStatus { return p.status }
func (p *PendingOperation) RetryCount() uint32             { return p.retryCount }

// MessageNonce is the origin-chain dispatch sequence number, used as the
// scheduling tie-break.
func (p *PendingOperation) MessageNonce() uint32 { return p.Message.Nonce }

// Eligible reports whether the operation's backoff window has elapsed.
func (p *PendingOperation) Eligible(now time.Time) bool {
	return !now.Before(p.nextAttemptAfter)
}

// ResetRetries clears the retry count and any stored drop classification.
// Used by the operator's manual retry. Nonce reservations are deliberately
// left alone: a reserved nonce belongs to a broadcast attempt whose fate on
// chain is unknown, and releasing it blind risks a collision.
func (p *PendingOperation) ResetRetries() {
	p.retryCount = 0
	p.nextAttemptAfter = time.Time{}
	p.status = models.StatusPrepare
	p.hasTx = false
	if err := p.persist(""); err != nil {
		p.deps.Log.Error("persist retry reset", zap.Error(err))
	}
}

// Prepare runs the prepare stage: delivered check, metadata build, cost
// estimate, gas payment policy. A fully prepared operation advances to
// ready-to-submit.
func (p *PendingOperation) Prepare(ctx context.Context) StageResult {
	delivered, err := p.deps.Adapter.Delivered(ctx, p.Message.ID())
	if err != nil {
		return p.fail(reprepare(models.ReprepareErrorCheckingDelivery), err)
	}
	if delivered {
		// Someone, possibly a past life of this process, already delivered
		// it. Confirm settles it without a transaction of our own.
		p.status = models.StatusConfirm
		p.hasTx = false
		if err := p.persist(""); err != nil {
			return p.fail(reprepare(models.ReprepareErrorCheckingDelivery), err)
		}
		return proceed()
	}

	if p.Message.Version != models.MessageVersion {
		return p.terminate(models.DropMalformedMessage,
			fmt.Errorf("message version %d, want %d", p.Message.Version, models.MessageVersion))
	}

	meta, err := p.deps.Metadata.Build(ctx, p.deps.Validators, p.deps.Threshold, p.Message)
	if err != nil {
		return p.fail(reprepare(models.ReprepareCouldNotFetchMetadata), err)
	}
	if meta == nil {
		// Validators have not attested far enough yet.
		return p.fail(reprepare(models.ReprepareCouldNotFetchMetadata), nil)
	}

	estimate, err := p.deps.Adapter.EstimateCost(ctx, p.Message, meta)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrAlreadyDelivered):
			return p.terminate(models.DropAlreadyDelivered, err)
		case errors.Is(err, chain.ErrMessageRejected):
			return p.terminate(models.DropPermanentRejection, err)
		}
		return p.fail(reprepare(models.ReprepareErrorEstimatingGas), err)
	}

	met, accrued, err := p.deps.Enforcer.MessageMeetsGasPaymentRequirement(ctx, p.Message, estimate)
	if err != nil {
		return p.fail(reprepare(models.ReprepareErrorEstimatingGas), err)
	}
	if !met {
		p.deps.Log.Info("gas payment requirement not met",
			zap.String("message_id", p.Message.ID().Hex()),
			zap.String("accrued", accrued.Dec()))
		return p.fail(reprepare(models.ReprepareGasPaymentNotMet), nil)
	}

	p.metadata = meta
	p.estimate = estimate
	p.status = models.StatusReadyToSubmit
	if err := p.persist(""); err != nil {
		return p.fail(reprepare(models.ReprepareErrorCheckingDelivery), err)
	}
	return proceed()
}

// Submit broadcasts the prepared transaction. Re-running submit on an
// operation that already holds a transaction reference is a no-op advance,
// never a second broadcast.
func (p *PendingOperation) Submit(ctx context.Context) StageResult {
	if p.hasTx {
		p.status = models.StatusConfirm
		return proceed()
	}

	signer := p.deps.Adapter.Signer()
	if !p.hasNonce {
		p.attempt++
		txID := fmt.Sprintf("%s#%d", p.Message.ID().Hex(), p.attempt)
		n, err := p.deps.Nonces.AllocateNonce(ctx, signer, txID)
		if err != nil {
			return p.fail(reprepare(models.ReprepareErrorAllocatingNonce), err)
		}
		p.txNonce = n
		p.hasNonce = true
	}

	p.status = models.StatusSubmitted
	if err := p.persist(""); err != nil {
		return p.fail(reprepare(models.ReprepareErrorSubmitting), err)
	}

	ref, err := p.deps.Adapter.Broadcast(ctx, p.Message, p.metadata, p.estimate.GasLimit, p.txNonce)
	if err != nil {
		p.releaseNonce(signer)
		switch {
		case errors.Is(err, chain.ErrAlreadyDelivered):
			return p.terminate(models.DropAlreadyDelivered, err)
		case errors.Is(err, chain.ErrMessageRejected):
			return p.terminate(models.DropPermanentRejection, err)
		}
		return p.fail(reprepare(models.ReprepareErrorSubmitting), err)
	}

	p.txRef = ref
	p.hasTx = true
	p.status = models.StatusConfirm
	if err := p.persist(""); err != nil {
		p.deps.Log.Error("persist submitted state", zap.Error(err))
	}
	p.deps.Log.Info("process transaction broadcast",
		zap.String("message_id", p.Message.ID().Hex()),
		zap.String("tx", ref.Hash.Hex()),
		zap.Uint64("nonce", p.txNonce))
	return proceed()
}

// Confirm polls the destination chain until the broadcast transaction is
// finalized, or settles an operation whose message was delivered by someone
// else.
func (p *PendingOperation) Confirm(ctx context.Context) StageResult {
	if !p.hasTx {
		delivered, err := p.deps.Adapter.Delivered(ctx, p.Message.ID())
		if err != nil {
			return p.wait(err)
		}
		if !delivered {
			// The delivery we observed was reorged away.
			return p.fail(reprepare(models.ReprepareRevertedOrReorged), nil)
		}
		return p.finalize()
	}

	state, err := p.deps.Adapter.Status(ctx, p.txRef)
	if err != nil {
		return p.wait(err)
	}
	switch state {
	case chain.TxFinalized:
		signer := p.deps.Adapter.Signer()
		txID := fmt.Sprintf("%s#%d", p.Message.ID().Hex(), p.attempt)
		if p.hasNonce {
			if err := p.deps.Nonces.Commit(signer, p.txNonce, txID); err != nil {
				p.deps.Log.Error("commit nonce", zap.Error(err))
			}
			p.hasNonce = false
		}
		return p.finalize()

	case chain.TxDropped:
		p.releaseNonce(p.deps.Adapter.Signer())
		p.hasTx = false
		return p.fail(reprepare(models.ReprepareRevertedOrReorged), nil)

	default:
		return p.wait(nil)
	}
}

func (p *PendingOperation) finalize() StageResult {
	p.status = models.StatusFinalized
	if err := p.persist(""); err != nil {
		p.deps.Log.Error("persist finalized state", zap.Error(err))
	}
	if err := p.deps.Repo.MarkProcessed(p.Message.Nonce); err != nil {
		p.deps.Log.Error("mark message processed", zap.Error(err))
	}
	if p.estimate != nil {
		if err := p.deps.Enforcer.RecordTxOutcome(p.Message, p.estimate.TotalCost()); err != nil {
			p.deps.Log.Error("record gas spend", zap.Error(err))
		}
	}
	p.deps.Log.Info("message delivery finalized",
		zap.String("message_id", p.Message.ID().Hex()),
		zap.Uint32("nonce", p.Message.Nonce))
	return proceed()
}

// fail records a retryable failure: back to prepare, retry count up,
// backoff window restarted.
func (p *PendingOperation) fail(result StageResult, cause error) StageResult {
	now := p.deps.Clock.Now()
	p.retryCount++
	p.lastAttemptedAt = now
	p.nextAttemptAfter = now.Add(backoffFor(p.retryCount))
	p.status = models.StatusPrepare
	p.metadata = nil
	p.estimate = nil
	if err := p.persist(""); err != nil {
		p.deps.Log.Error("persist reprepare state", zap.Error(err))
	}
	fields := []zap.Field{
		zap.String("message_id", p.Message.ID().Hex()),
		zap.String("reason", string(result.Reprepare)),
		zap.Uint32("retry_count", p.retryCount),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	p.deps.Log.Warn("operation re-entering prepare", fields...)
	return result
}

// wait records a no-fault pause before the next confirm poll.
func (p *PendingOperation) wait(cause error) StageResult {
	p.nextAttemptAfter = p.deps.Clock.Now().Add(confirmDelay)
	if cause != nil {
		p.deps.Log.Warn("transaction status check failed",
			zap.String("message_id", p.Message.ID().Hex()),
			zap.Error(cause))
	}
	return notReady()
}

// terminate records a terminal drop. The record stays in the store so the
// operator API can surface it and trigger a manual retry.
func (p *PendingOperation) terminate(reason models.DropReason, cause error) StageResult {
	p.status = models.StatusDropped
	if err := p.persist(reason); err != nil {
		p.deps.Log.Error("persist dropped state", zap.Error(err))
	}
	fields := []zap.Field{
		zap.String("message_id", p.Message.ID().Hex()),
		zap.String("reason", string(reason)),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	p.deps.Log.Warn("operation dropped", fields...)
	return drop(reason)
}

func (p *PendingOperation) releaseNonce(signer common.Address) {
	if !p.hasNonce {
		return
	}
	txID := fmt.Sprintf("%s#%d", p.Message.ID().Hex(), p.attempt)
	if err := p.deps.Nonces.Release(signer, p.txNonce, txID); err != nil {
		p.deps.Log.Error("release nonce", zap.Error(err))
	}
	p.hasNonce = false
}

func (p *PendingOperation) persist(dropReason models.DropReason) error {
	return p.deps.Repo.PutOperationRecord(&models.OperationRecord{
		MessageID:       p.Message.ID(),
		Status:          p.status,
		DropReason:      dropReason,
		RetryCount:      p.retryCount,
		LastAttemptedAt: p.lastAttemptedAt.UnixMilli(),
	})
}
