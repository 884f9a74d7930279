package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"bridge-relayer/logger"
	"bridge-relayer/models"
	"bridge-relayer/repository"
)

// RetryRequester is the scheduler surface the operator API needs.
type RetryRequester interface {
	RequestRetry(id common.Hash) bool
}

// Handler contains the HTTP handlers for the operator API endpoints
type Handler struct {
	Repo      repository.RelayerRepositoryInterface
	Scheduler RetryRequester
}

// NewHandler creates and returns a new Handler instance
func NewHandler(repo repository.RelayerRepositoryInterface, scheduler RetryRequester) *Handler {
	return &Handler{Repo: repo, Scheduler: scheduler}
}

type operationResponse struct {
	MessageID       string                 `json:"message_id"`
	Status          models.OperationStatus `json:"status"`
	DropReason      models.DropReason      `json:"drop_reason,omitempty"`
	RetryCount      uint32                 `json:"retry_count"`
	LastAttemptedAt int64                  `json:"last_attempted_at"`
}

// GetOperation handles GET requests for the delivery status of a message
func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}

	rec, err := h.Repo.GetOperationRecord(id)
	w.Header().Set("Content-Type", "application/json")
	if errors.Is(err, repository.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "no operation for message id",
		})
		return
	}
	if err != nil {
		logger.Logger.Error("Failed to load operation record", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(operationResponse{
		MessageID:       rec.MessageID.Hex(),
		Status:          rec.Status,
		DropReason:      rec.DropReason,
		RetryCount:      rec.RetryCount,
		LastAttemptedAt: rec.LastAttemptedAt,
	})
}

// RetryOperation handles POST requests to manually retry a message. The
// retry resets the retry count and clears any stored drop classification.
func (h *Handler) RetryOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !h.Scheduler.RequestRetry(id) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "unknown message id",
		})
		return
	}

	logger.Logger.Info("Manual retry requested", zap.String("message_id", id.Hex()))
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"message": "Retry scheduled",
	})
}

// messageID parses the message_id path variable as a 32-byte hex hash.
func messageID(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	raw := mux.Vars(r)["message_id"]
	b, err := hexDecodeHash(raw)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "message_id must be a 0x-prefixed 32-byte hex string",
		})
		return common.Hash{}, false
	}
	return b, true
}

func hexDecodeHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, errors.New("bad hash length")
	}
	return common.BytesToHash(b), nil
}
