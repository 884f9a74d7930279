package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bridge-relayer/models"
)

// TxState is a broadcast transaction's position in its lifecycle on the
// destination chain.
type TxState string

const (
	TxPendingInclusion TxState = "pending_inclusion"
	TxMempool          TxState = "mempool"
	TxIncluded         TxState = "included"
	TxFinalized        TxState = "finalized"
	TxDropped          TxState = "dropped"
)

// TxRef identifies a broadcast transaction on the destination chain.
type TxRef struct {
	Hash common.Hash `json:"hash"`
}

// Broadcast error classification. Errors matching one of these sentinels
// are non-retryable; anything else is treated as transient infrastructure
// failure and retried with backoff.
var (
	ErrAlreadyDelivered = errors.New("chain: message already delivered")
	ErrMessageRejected  = errors.New("chain: verifier permanently rejects message")
)

// Adapter abstracts one destination chain: cost estimation, broadcast,
// status polling, and the finalized-nonce query that grounds nonce
// management. One implementation exists per destination VM; all of them
// are external collaborators to the delivery pipeline.
type Adapter interface {
	// Delivered reports whether the message was already processed on the
	// destination, e.g. by another relayer.
	Delivered(ctx context.Context, messageID common.Hash) (bool, error)

	// EstimateCost estimates the cost of processing the message with the
	// given verification metadata.
	EstimateCost(ctx context.Context, msg *models.Message, metadata []byte) (*models.TxCostEstimate, error)

	// Broadcast submits the process transaction using the given nonce.
	Broadcast(ctx context.Context, msg *models.Message, metadata []byte, gasLimit *uint256.Int, nonce uint64) (TxRef, error)

	// Status reports where the referenced transaction currently stands.
	Status(ctx context.Context, ref TxRef) (TxState, error)

	// NextNonceOnFinalizedBlock returns the signer's next account nonce as
	// of the chain's latest finalized block. This is the ground truth the
	// nonce manager reconciles against.
	NextNonceOnFinalizedBlock(ctx context.Context, signer common.Address) (uint64, error)

	// Signer is the relayer's submitting address on this chain.
	Signer() common.Address
}
