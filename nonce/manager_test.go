package nonce_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"bridge-relayer/chain"
	"bridge-relayer/models"
	"bridge-relayer/nonce"
	"bridge-relayer/repository"
)

var testSigner = common.HexToAddress("0x00000000000000000000000000000000000000aa")

// fakeChain implements the adapter surface the nonce manager touches.
type fakeChain struct {
	mu            sync.Mutex
	finalizedNext uint64
}

func (f *fakeChain) NextNonceOnFinalizedBlock(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalizedNext, nil
}

func (f *fakeChain) setFinalized(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizedNext = n
}

func (f *fakeChain) Signer() common.Address { return testSigner }
func (f *fakeChain) Delivered(context.Context, common.Hash) (bool, error) {
	return false, nil
}
func (f *fakeChain) EstimateCost(context.Context, *models.Message, []byte) (*models.TxCostEstimate, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeChain) Broadcast(context.Context, *models.Message, []byte, *uint256.Int, uint64) (chain.TxRef, error) {
	return chain.TxRef{}, fmt.Errorf("not implemented")
}
func (f *fakeChain) Status(context.Context, chain.TxRef) (chain.TxState, error) {
	return chain.TxPendingInclusion, nil
}

func newManager(finalized uint64) (*nonce.Manager, *fakeChain, *repository.MemoryRepository) {
	fc := &fakeChain{finalizedNext: finalized}
	repo := repository.NewMemoryRepository()
	return nonce.NewManager(fc, repo, zap.NewNop()), fc, repo
}

func TestAllocateSeedsFromChain(t *testing.T) {
	m, _, _ := newManager(10)
	n, err := m.AllocateNonce(context.Background(), testSigner, "tx-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if n != 10 {
		t.Fatalf("first nonce = %d, want 10", n)
	}
	n, err = m.AllocateNonce(context.Background(), testSigner, "tx-2")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if n != 11 {
		t.Fatalf("second nonce = %d, want 11", n)
	}
}

func TestConcurrentAllocationsAreDistinct(t *testing.T) {
	m, _, _ := newManager(0)

	const workers = 16
	results := make(chan uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := m.AllocateNonce(context.Background(), testSigner, fmt.Sprintf("tx-%d", i))
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			results <- n
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for n := range results {
		if seen[n] {
			t.Fatalf("nonce %d handed out twice", n)
		}
		seen[n] = true
	}
	if len(seen) != workers {
		t.Fatalf("got %d distinct nonces, want %d", len(seen), workers)
	}
}

func TestFreedNonceReusedBeforeUpper(t *testing.T) {
	m, _, _ := newManager(5)

	n1, _ := m.AllocateNonce(context.Background(), testSigner, "tx-1")
	n2, _ := m.AllocateNonce(context.Background(), testSigner, "tx-2")
	n3, _ := m.AllocateNonce(context.Background(), testSigner, "tx-3")
	if n1 != 5 || n2 != 6 || n3 != 7 {
		t.Fatalf("unexpected allocation sequence %d %d %d", n1, n2, n3)
	}

	if err := m.Release(testSigner, n2, "tx-2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	reused, err := m.AllocateNonce(context.Background(), testSigner, "tx-4")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if reused != n2 {
		t.Fatalf("expected freed nonce %d to be reused, got %d", n2, reused)
	}
	next, _ := m.AllocateNonce(context.Background(), testSigner, "tx-5")
	if next != 8 {
		t.Fatalf("expected window to resume at 8, got %d", next)
	}
}

func TestReleaseByNonOwnerIgnored(t *testing.T) {
	m, _, repo := newManager(0)
	n, _ := m.AllocateNonce(context.Background(), testSigner, "tx-1")

	if err := m.Release(testSigner, n, "someone-else"); err != nil {
		t.Fatalf("release: %v", err)
	}
	rec, err := repo.GetNonceRecord(testSigner)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if rec.Assignments[n].Status != models.NonceTaken {
		t.Fatalf("stale release changed assignment status to %s", rec.Assignments[n].Status)
	}
}

func TestReconcileChainWins(t *testing.T) {
	m, fc, repo := newManager(0)

	for i := 0; i < 4; i++ {
		if _, err := m.AllocateNonce(context.Background(), testSigner, fmt.Sprintf("tx-%d", i)); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}
	if err := m.Release(testSigner, 1, "tx-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// the chain finalized through nonce 2, freed-or-not
	fc.setFinalized(3)
	if err := m.Reconcile(context.Background(), testSigner); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rec, err := repo.GetNonceRecord(testSigner)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if rec.Finalized == nil || *rec.Finalized != 3 {
		t.Fatalf("finalized not advanced to 3")
	}
	for n := uint64(0); n < 3; n++ {
		if _, ok := rec.Assignments[n]; ok {
			t.Fatalf("assignment %d not pruned below finalized", n)
		}
	}
	if _, ok := rec.Assignments[3]; !ok {
		t.Fatalf("assignment at the finalized boundary pruned")
	}

	// the freed slot below finalized is gone; the next allocation extends
	// the window instead of reusing it
	n, err := m.AllocateNonce(context.Background(), testSigner, "tx-new")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if n != 4 {
		t.Fatalf("allocation after reconcile = %d, want 4", n)
	}
}

func TestReconcileNeverMovesBackward(t *testing.T) {
	m, fc, repo := newManager(7)
	if _, err := m.AllocateNonce(context.Background(), testSigner, "tx-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	fc.setFinalized(2)
	if err := m.Reconcile(context.Background(), testSigner); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	rec, err := repo.GetNonceRecord(testSigner)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if rec.Finalized == nil || *rec.Finalized != 7 {
		t.Fatalf("finalized moved backward to %v", rec.Finalized)
	}
	if rec.Upper != 8 {
		t.Fatalf("upper = %d, want 8", rec.Upper)
	}
}
