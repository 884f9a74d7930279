package models

import "github.com/ethereum/go-ethereum/common"

// OperationStatus is the stage a pending delivery is in.
type OperationStatus string

const (
	StatusPrepare       OperationStatus = "prepare"
	StatusReadyToSubmit OperationStatus = "ready_to_submit"
	StatusSubmitted     OperationStatus = "submitted"
	StatusConfirm       OperationStatus = "confirm"
	StatusFinalized     OperationStatus = "finalized"
	StatusDropped       OperationStatus = "dropped"
)

// DropReason classifies terminal, non-retryable failures. Dropped
// operations are kept in the store and surfaced through the operator API,
// never silently discarded.
type DropReason string

const (
	DropAlreadyDelivered    DropReason = "already_delivered"
	DropMalformedMessage    DropReason = "malformed_message"
	DropPermanentRejection  DropReason = "permanent_verification_failure"
	DropRecipientNotInbox   DropReason = "recipient_cannot_receive"
)

// ReprepareReason explains why an operation went back to the prepare stage.
type ReprepareReason string

const (
	ReprepareCouldNotFetchMetadata ReprepareReason = "could_not_fetch_metadata"
	ReprepareGasPaymentNotMet      ReprepareReason = "gas_payment_requirement_not_met"
	ReprepareErrorEstimatingGas    ReprepareReason = "error_estimating_gas"
	ReprepareErrorCheckingDelivery ReprepareReason = "error_checking_delivery_status"
	ReprepareErrorSubmitting       ReprepareReason = "error_submitting"
	ReprepareErrorAllocatingNonce  ReprepareReason = "error_allocating_nonce"
	ReprepareRevertedOrReorged     ReprepareReason = "reverted_or_reorged"
)

// OperationRecord is the durably persisted view of a pending operation.
// It is written synchronously on every state transition so a restart
// resumes from the last recorded state.
type OperationRecord struct {
	MessageID       common.Hash     `json:"message_id"`
	Status          OperationStatus `json:"status"`
	DropReason      DropReason      `json:"drop_reason,omitempty"`
	RetryCount      uint32          `json:"retry_count"`
	LastAttemptedAt int64           `json:"last_attempted_at"` // unix ms
}
