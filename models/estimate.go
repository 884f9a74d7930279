package models

import "github.com/holiman/uint256"

// TxCostEstimate is a destination chain adapter's estimate for processing
// a message, denominated in the destination chain's native token.
type TxCostEstimate struct {
	GasLimit *uint256.Int `json:"gas_limit"`
	GasPrice *uint256.Int `json:"gas_price"`
}

// TotalCost returns gas_limit * gas_price.
func (e *TxCostEstimate) TotalCost() *uint256.Int {
	return new(uint256.Int).Mul(e.GasLimit, e.GasPrice)
}

// GasPayment is one prepaid-gas event observed on the origin chain for a
// message. Accrued totals per message id are kept in the store.
type GasPayment struct {
	MessageID string       `json:"message_id"`
	Payment   *uint256.Int `json:"payment"`
	GasAmount *uint256.Int `json:"gas_amount"`
}
