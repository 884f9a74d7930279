package gas

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"bridge-relayer/models"
	"bridge-relayer/repository"
)

// priceScale is the fixed-point scale for the cross-chain price ratio.
// Quotes carry far fewer significant digits than nine decimal places.
const priceScale = 1_000_000_000

// Enforcer decides whether a message has been paid for. Accrued payment
// totals live in the store; delivery attempts debit them via RecordTxOutcome
// so a message cannot spend the same payment twice.
type Enforcer struct {
	policy Policy
	oracle PriceOracle
	repo   repository.RelayerRepositoryInterface
	log    *zap.Logger
}

func NewEnforcer(policy Policy, oracle PriceOracle, repo repository.RelayerRepositoryInterface, log *zap.Logger) *Enforcer {
	return &Enforcer{
		policy: policy,
		oracle: oracle,
		repo:   repo,
		log:    log,
	}
}

// MessageMeetsGasPaymentRequirement reports whether the accrued payment for
// the message satisfies the configured policy, given the current cost
// estimate for delivering it. The accrued total is returned alongside for
// logging, whatever the verdict.
func (e *Enforcer) MessageMeetsGasPaymentRequirement(ctx context.Context, msg *models.Message, estimate *models.TxCostEstimate) (bool, *uint256.Int, error) {
	accrued, err := e.repo.GetGasPaymentTotal(msg.ID())
	if err != nil {
		return false, nil, fmt.Errorf("load accrued gas payment: %w", err)
	}

	switch e.policy.Type {
	case PolicyNone:
		return true, accrued, nil

	case PolicyMinimum:
		return !accrued.Lt(e.policy.Minimum), accrued, nil

	case PolicyMeetsEstimatedCost:
		required, err := e.originDenominatedCost(ctx, msg, estimate)
		if err != nil {
			return false, accrued, err
		}
		met := !accrued.Lt(required)
		if !met {
			e.log.Debug("message gas payment below estimated cost",
				zap.String("message_id", msg.ID().Hex()),
				zap.String("accrued", accrued.Dec()),
				zap.String("required", required.Dec()))
		}
		return met, accrued, nil
	}
	return false, accrued, fmt.Errorf("unknown gas payment policy %q", e.policy.Type)
}

// originDenominatedCost converts the destination-denominated delivery cost
// into the origin chain's native token using USD quotes for both tokens.
func (e *Enforcer) originDenominatedCost(ctx context.Context, msg *models.Message, estimate *models.TxCostEstimate) (*uint256.Int, error) {
	cost := estimate.TotalCost()

	originPrice, err := e.oracle.NativeTokenPriceUSD(ctx, msg.Origin)
	if err != nil {
		return nil, err
	}
	destPrice, err := e.oracle.NativeTokenPriceUSD(ctx, msg.Destination)
	if err != nil {
		return nil, err
	}
	if originPrice <= 0 {
		return nil, fmt.Errorf("non-positive price quote %f for origin domain %d", originPrice, msg.Origin)
	}

	ratio := uint64(destPrice / originPrice * priceScale)
	required := new(uint256.Int).Mul(cost, uint256.NewInt(ratio))
	required.Div(required, uint256.NewInt(priceScale))
	return required, nil
}

// RecordTxOutcome debits the gas actually spent on a delivery attempt from
// the message's accrued total. Called for every broadcast that landed on
// chain, successful or reverted.
func (e *Enforcer) RecordTxOutcome(msg *models.Message, spent *uint256.Int) error {
	if err := e.repo.SubtractGasPayment(msg.ID(), spent); err != nil {
		return fmt.Errorf("debit gas payment: %w", err)
	}
	return nil
}
