package models

import "github.com/ethereum/go-ethereum/common"

// NonceStatus tracks the lifecycle of a single allocated nonce.
type NonceStatus string

const (
	// NonceTaken: handed out to a live transaction attempt.
	NonceTaken NonceStatus = "taken"
	// NonceFreed: the owning attempt was dropped before finality; the nonce
	// must be re-handed out before any higher one to avoid gapping the account.
	NonceFreed NonceStatus = "freed"
	// NonceCommitted: the owning transaction is finalized on-chain.
	NonceCommitted NonceStatus = "committed"
)

// NonceAssignment links a nonce to the transaction attempt that owns it.
type NonceAssignment struct {
	Status NonceStatus `json:"status"`
	TxID   string      `json:"tx_id"`
}

// NonceRecord is the persisted per-signer nonce window.
// Finalized is the highest nonce known finalized on-chain (nil before the
// first chain query) and only ever moves forward. Upper is the next fresh
// nonce to hand out and is never decremented or reused once handed out.
// Assignments below Finalized are prunable.
type NonceRecord struct {
	Signer      common.Address             `json:"signer"`
	Finalized   *uint64                    `json:"finalized,omitempty"`
	Upper       uint64                     `json:"upper"`
	Assignments map[uint64]NonceAssignment `json:"assignments"`
}
