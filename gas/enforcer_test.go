package gas_test

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"bridge-relayer/gas"
	"bridge-relayer/models"
	"bridge-relayer/repository"
)

func testMessage() *models.Message {
	return &models.Message{
		Version:     models.MessageVersion,
		Nonce:       7,
		Origin:      1,
		Sender:      crypto.Keccak256Hash([]byte("sender")),
		Destination: 42161,
		Recipient:   crypto.Keccak256Hash([]byte("recipient")),
		Body:        []byte("payload"),
	}
}

func estimate(gasLimit, gasPrice uint64) *models.TxCostEstimate {
	return &models.TxCostEstimate{
		GasLimit: uint256.NewInt(gasLimit),
		GasPrice: uint256.NewInt(gasPrice),
	}
}

func TestPolicyNoneAlwaysMet(t *testing.T) {
	repo := repository.NewMemoryRepository()
	e := gas.NewEnforcer(gas.NonePolicy(), nil, repo, zap.NewNop())

	met, accrued, err := e.MessageMeetsGasPaymentRequirement(context.Background(), testMessage(), estimate(100_000, 10))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !met {
		t.Fatalf("none policy rejected a message")
	}
	if !accrued.IsZero() {
		t.Fatalf("expected zero accrued, got %s", accrued.Dec())
	}
}

func TestPolicyMinimum(t *testing.T) {
	repo := repository.NewMemoryRepository()
	msg := testMessage()
	e := gas.NewEnforcer(gas.MinimumPolicy(uint256.NewInt(500)), nil, repo, zap.NewNop())

	met, _, err := e.MessageMeetsGasPaymentRequirement(context.Background(), msg, estimate(100_000, 10))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if met {
		t.Fatalf("unpaid message met the minimum policy")
	}

	if err := repo.AddGasPayment(msg.ID(), uint256.NewInt(500)); err != nil {
		t.Fatalf("add payment: %v", err)
	}
	met, accrued, err := e.MessageMeetsGasPaymentRequirement(context.Background(), msg, estimate(100_000, 10))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !met {
		t.Fatalf("exact-threshold payment rejected")
	}
	if accrued.Uint64() != 500 {
		t.Fatalf("accrued = %s, want 500", accrued.Dec())
	}
}

func TestPolicyMeetsEstimatedCost(t *testing.T) {
	repo := repository.NewMemoryRepository()
	msg := testMessage()
	// destination token is twice as expensive as the origin token, so the
	// origin-denominated requirement doubles
	oracle := gas.NewStaticPriceOracle(map[uint32]float64{
		1:     1000,
		42161: 2000,
	})
	e := gas.NewEnforcer(gas.MeetsEstimatedCostPolicy(), oracle, repo, zap.NewNop())

	// destination cost 100_000 * 10 = 1_000_000; required 2_000_000
	if err := repo.AddGasPayment(msg.ID(), uint256.NewInt(1_500_000)); err != nil {
		t.Fatalf("add payment: %v", err)
	}
	met, _, err := e.MessageMeetsGasPaymentRequirement(context.Background(), msg, estimate(100_000, 10))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if met {
		t.Fatalf("underpaid message met the estimated-cost policy")
	}

	if err := repo.AddGasPayment(msg.ID(), uint256.NewInt(500_000)); err != nil {
		t.Fatalf("add payment: %v", err)
	}
	met, _, err = e.MessageMeetsGasPaymentRequirement(context.Background(), msg, estimate(100_000, 10))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !met {
		t.Fatalf("fully paid message rejected by the estimated-cost policy")
	}
}

func TestRecordTxOutcomeDebitsAccrual(t *testing.T) {
	repo := repository.NewMemoryRepository()
	msg := testMessage()
	e := gas.NewEnforcer(gas.NonePolicy(), nil, repo, zap.NewNop())

	if err := repo.AddGasPayment(msg.ID(), uint256.NewInt(1000)); err != nil {
		t.Fatalf("add payment: %v", err)
	}
	if err := e.RecordTxOutcome(msg, uint256.NewInt(300)); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	total, err := repo.GetGasPaymentTotal(msg.ID())
	if err != nil {
		t.Fatalf("get total: %v", err)
	}
	if total.Uint64() != 700 {
		t.Fatalf("total = %s, want 700", total.Dec())
	}

	// spending more than accrued saturates at zero
	if err := e.RecordTxOutcome(msg, uint256.NewInt(10_000)); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	total, err = repo.GetGasPaymentTotal(msg.ID())
	if err != nil {
		t.Fatalf("get total: %v", err)
	}
	if !total.IsZero() {
		t.Fatalf("total = %s, want 0", total.Dec())
	}
}

type countingOracle struct {
	mu    sync.Mutex
	calls int
	price float64
}

func (o *countingOracle) NativeTokenPriceUSD(_ context.Context, _ uint32) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return o.price, nil
}

func TestCachingOracleMemoizesQuotes(t *testing.T) {
	inner := &countingOracle{price: 1234}
	cached := gas.NewCachingPriceOracle(inner)

	for i := 0; i < 5; i++ {
		price, err := cached.NativeTokenPriceUSD(context.Background(), 1)
		if err != nil {
			t.Fatalf("quote: %v", err)
		}
		if price != 1234 {
			t.Fatalf("price = %f, want 1234", price)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner oracle called %d times, want 1", inner.calls)
	}

	// a different domain is a separate cache entry
	if _, err := cached.NativeTokenPriceUSD(context.Background(), 2); err != nil {
		t.Fatalf("quote: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("inner oracle called %d times, want 2", inner.calls)
	}
}
