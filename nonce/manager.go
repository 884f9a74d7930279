package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"bridge-relayer/chain"
	"bridge-relayer/models"
	"bridge-relayer/repository"
)

// ErrNonceCollision means two live attempts were about to share one nonce.
// That is an internal invariant violation, never retried.
var ErrNonceCollision = errors.New("nonce: collision between live transaction attempts")

// Manager hands out destination-chain account nonces. One signer's window is
// guarded by one mutex, so allocations for the same signer are serialized;
// distinct signers proceed independently. Every mutation is persisted before
// it is returned to the caller.
type Manager struct {
	adapter chain.Adapter
	repo    repository.RelayerRepositoryInterface
	log     *zap.Logger

	mu      sync.Mutex
	signers map[common.Address]*sync.Mutex
}

func NewManager(adapter chain.Adapter, repo repository.RelayerRepositoryInterface, log *zap.Logger) *Manager {
	return &Manager{
		adapter: adapter,
		repo:    repo,
		log:     log,
		signers: make(map[common.Address]*sync.Mutex),
	}
}

func (m *Manager) signerLock(signer common.Address) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.signers[signer]
	if !ok {
		lock = &sync.Mutex{}
		m.signers[signer] = lock
	}
	return lock
}

// AllocateNonce reserves a nonce for the transaction attempt identified by
// txID. Freed nonces are re-handed out lowest first before the window is
// extended; a frozen gap below the tip would stall every later transaction.
func (m *Manager) AllocateNonce(ctx context.Context, signer common.Address, txID string) (uint64, error) {
	lock := m.signerLock(signer)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.loadOrSeed(ctx, signer)
	if err != nil {
		return 0, err
	}

	nonce, found := lowestFreed(rec)
	if found {
		prev := rec.Assignments[nonce]
		rec.Assignments[nonce] = models.NonceAssignment{Status: models.NonceTaken, TxID: txID}
		m.log.Debug("reusing freed nonce",
			zap.String("signer", signer.Hex()),
			zap.Uint64("nonce", nonce),
			zap.String("previous_tx", prev.TxID),
			zap.String("tx", txID))
	} else {
		nonce = rec.Upper
		if existing, ok := rec.Assignments[nonce]; ok && existing.Status == models.NonceTaken {
			return 0, fmt.Errorf("%w: nonce %d of %s already taken by %s", ErrNonceCollision, nonce, signer.Hex(), existing.TxID)
		}
		rec.Assignments[nonce] = models.NonceAssignment{Status: models.NonceTaken, TxID: txID}
		rec.Upper = nonce + 1
	}

	if err := m.repo.PutNonceRecord(rec); err != nil {
		return 0, fmt.Errorf("persist nonce window: %w", err)
	}
	return nonce, nil
}

// Release marks a taken nonce as freed so a later attempt reuses it. Only
// the attempt that owns the nonce may release it; a stale caller is ignored.
func (m *Manager) Release(signer common.Address, nonce uint64, txID string) error {
	lock := m.signerLock(signer)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.repo.GetNonceRecord(signer)
	if err != nil {
		return fmt.Errorf("load nonce window: %w", err)
	}
	assignment, ok := rec.Assignments[nonce]
	if !ok || assignment.TxID != txID {
		m.log.Warn("release of unowned nonce ignored",
			zap.String("signer", signer.Hex()),
			zap.Uint64("nonce", nonce),
			zap.String("tx", txID))
		return nil
	}
	if assignment.Status != models.NonceTaken {
		return nil
	}
	rec.Assignments[nonce] = models.NonceAssignment{Status: models.NonceFreed, TxID: txID}
	return m.repo.PutNonceRecord(rec)
}

// Commit marks a nonce's transaction as finalized on-chain.
func (m *Manager) Commit(signer common.Address, nonce uint64, txID string) error {
	lock := m.signerLock(signer)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.repo.GetNonceRecord(signer)
	if err != nil {
		return fmt.Errorf("load nonce window: %w", err)
	}
	assignment, ok := rec.Assignments[nonce]
	if !ok {
		return fmt.Errorf("commit of unknown nonce %d for %s", nonce, signer.Hex())
	}
	rec.Assignments[nonce] = models.NonceAssignment{Status: models.NonceCommitted, TxID: assignment.TxID}
	return m.repo.PutNonceRecord(rec)
}

// Reconcile queries the chain's finalized next-nonce and advances the local
// window to match. The chain is authoritative: assignments below the
// finalized boundary are settled regardless of their local status, freed or
// not, and are pruned. Finalized and Upper only ever move forward.
func (m *Manager) Reconcile(ctx context.Context, signer common.Address) error {
	lock := m.signerLock(signer)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.loadOrSeed(ctx, signer)
	if err != nil {
		return err
	}

	chainNext, err := m.adapter.NextNonceOnFinalizedBlock(ctx, signer)
	if err != nil {
		return fmt.Errorf("query finalized nonce: %w", err)
	}
	if rec.Finalized != nil && chainNext <= *rec.Finalized {
		return nil
	}

	for n := range rec.Assignments {
		if n < chainNext {
			delete(rec.Assignments, n)
		}
	}
	rec.Finalized = &chainNext
	if rec.Upper < chainNext {
		rec.Upper = chainNext
	}
	m.log.Debug("nonce window reconciled",
		zap.String("signer", signer.Hex()),
		zap.Uint64("finalized", chainNext),
		zap.Uint64("upper", rec.Upper))
	return m.repo.PutNonceRecord(rec)
}

// loadOrSeed returns the persisted window, creating one from the chain's
// finalized next-nonce on first use of a signer.
func (m *Manager) loadOrSeed(ctx context.Context, signer common.Address) (*models.NonceRecord, error) {
	rec, err := m.repo.GetNonceRecord(signer)
	if err == nil {
		if rec.Assignments == nil {
			rec.Assignments = make(map[uint64]models.NonceAssignment)
		}
		return rec, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load nonce window: %w", err)
	}

	chainNext, err := m.adapter.NextNonceOnFinalizedBlock(ctx, signer)
	if err != nil {
		return nil, fmt.Errorf("seed nonce window from chain: %w", err)
	}
	rec = &models.NonceRecord{
		Signer:      signer,
		Finalized:   &chainNext,
		Upper:       chainNext,
		Assignments: make(map[uint64]models.NonceAssignment),
	}
	if err := m.repo.PutNonceRecord(rec); err != nil {
		return nil, fmt.Errorf("persist seeded nonce window: %w", err)
	}
	return rec, nil
}

func lowestFreed(rec *models.NonceRecord) (uint64, bool) {
	var lowest uint64
	found := false
	for n, a := range rec.Assignments {
		if a.Status != models.NonceFreed {
			continue
		}
		if !found || n < lowest {
			lowest = n
			found = true
		}
	}
	return lowest, found
}
