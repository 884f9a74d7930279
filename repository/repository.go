package repository

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bridge-relayer/db"
	"bridge-relayer/models"
)

// Key prefixes. Insertion keys carry a big-endian index so iteration walks
// the insertion sequence in leaf order.
const (
	prefixMessage   = "message:"
	prefixLeafIndex = "leafindex:"
	prefixInsertion = "insertion:"
	prefixOperation = "operation:"
	prefixGasTotal  = "gastotal:"
	prefixNonce     = "nonce:"
	prefixProcessed = "processed:"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("repository: record not found")

// It abstracts the storage layer from the delivery pipeline. Every state
// transition is persisted through this interface before the next network
// call, so a crash resumes from the last recorded state.
type RelayerRepositoryInterface interface {
	PutMessage(msg *models.Message) error
	GetMessage(id common.Hash) (*models.Message, error)
	GetAllMessages() ([]*models.Message, error)

	PutLeafIndex(id common.Hash, leafIndex uint32) error
	GetLeafIndex(id common.Hash) (uint32, error)

	PutInsertion(ins *models.MerkleTreeInsertion) error
	GetInsertion(leafIndex uint32) (*models.MerkleTreeInsertion, error)

	PutOperationRecord(rec *models.OperationRecord) error
	GetOperationRecord(id common.Hash) (*models.OperationRecord, error)

	AddGasPayment(id common.Hash, amount *uint256.Int) error
	SubtractGasPayment(id common.Hash, amount *uint256.Int) error
	GetGasPaymentTotal(id common.Hash) (*uint256.Int, error)

	PutNonceRecord(rec *models.NonceRecord) error
	GetNonceRecord(signer common.Address) (*models.NonceRecord, error)

	MarkProcessed(nonce uint32) error
	IsProcessed(nonce uint32) (bool, error)
}

// RelayerRepository implements RelayerRepositoryInterface using LevelDB as
// the storage backend. Values are JSON-encoded.
type RelayerRepository struct {
	db *db.LevelDB
}

// NewRelayerRepository creates and returns a new RelayerRepository instance
func NewRelayerRepository(db *db.LevelDB) *RelayerRepository {
	return &RelayerRepository{db: db}
}

// PutMessage stores an observed message keyed by its id
func (r *RelayerRepository) PutMessage(msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.db.Put(messageKey(msg.ID()), data)
}

// GetMessage retrieves a message by its id
func (r *RelayerRepository) GetMessage(id common.Hash) (*models.Message, error) {
	data, err := r.db.Get(messageKey(id))
	if err != nil {
		return nil, wrapNotFound(err)
	}
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetAllMessages retrieves every stored message. Used at boot to re-enqueue
// undelivered messages.
func (r *RelayerRepository) GetAllMessages() ([]*models.Message, error) {
	iter := r.db.NewPrefixIterator([]byte(prefixMessage))
	defer iter.Release()

	var msgs []*models.Message
	for iter.Next() {
		var msg models.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, &msg)
	}
	return msgs, iter.Error()
}

// PutLeafIndex stores the message id -> leaf index mapping. The mapping is
// external state from the indexer, not computed from the nonce, because
// reorgs can change it before finality.
func (r *RelayerRepository) PutLeafIndex(id common.Hash, leafIndex uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], leafIndex)
	return r.db.Put(leafIndexKey(id), buf[:])
}

// GetLeafIndex looks up the leaf index for a message id
func (r *RelayerRepository) GetLeafIndex(id common.Hash) (uint32, error) {
	data, err := r.db.Get(leafIndexKey(id))
	if err != nil {
		return 0, wrapNotFound(err)
	}
	if len(data) != 4 {
		return 0, fmt.Errorf("leaf index for %s has %d bytes", id.Hex(), len(data))
	}
	return binary.BigEndian.Uint32(data), nil
}

// PutInsertion stores a tree insertion keyed by big-endian leaf index
func (r *RelayerRepository) PutInsertion(ins *models.MerkleTreeInsertion) error {
	data, err := json.Marshal(ins)
	if err != nil {
		return err
	}
	return r.db.Put(insertionKey(ins.LeafIndex), data)
}

// GetInsertion retrieves the insertion at a leaf index
func (r *RelayerRepository) GetInsertion(leafIndex uint32) (*models.MerkleTreeInsertion, error) {
	data, err := r.db.Get(insertionKey(leafIndex))
	if err != nil {
		return nil, wrapNotFound(err)
	}
	var ins models.MerkleTreeInsertion
	if err := json.Unmarshal(data, &ins); err != nil {
		return nil, err
	}
	return &ins, nil
}

// PutOperationRecord persists the delivery state of a message
func (r *RelayerRepository) PutOperationRecord(rec *models.OperationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.db.Put(operationKey(rec.MessageID), data)
}

// GetOperationRecord retrieves the delivery state of a message
func (r *RelayerRepository) GetOperationRecord(id common.Hash) (*models.OperationRecord, error) {
	data, err := r.db.Get(operationKey(id))
	if err != nil {
		return nil, wrapNotFound(err)
	}
	var rec models.OperationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AddGasPayment adds to the accrued prepaid-gas total for a message
func (r *RelayerRepository) AddGasPayment(id common.Hash, amount *uint256.Int) error {
	total, err := r.GetGasPaymentTotal(id)
	if err != nil {
		return err
	}
	total.Add(total, amount)
	data, err := json.Marshal(total)
	if err != nil {
		return err
	}
	return r.db.Put(gasTotalKey(id), data)
}

// SubtractGasPayment deducts gas spent on a delivery attempt from the
// message's accrued total, saturating at zero.
func (r *RelayerRepository) SubtractGasPayment(id common.Hash, amount *uint256.Int) error {
	total, err := r.GetGasPaymentTotal(id)
	if err != nil {
		return err
	}
	if total.Lt(amount) {
		total.Clear()
	} else {
		total.Sub(total, amount)
	}
	data, err := json.Marshal(total)
	if err != nil {
		return err
	}
	return r.db.Put(gasTotalKey(id), data)
}

// GetGasPaymentTotal returns the accrued prepaid-gas total for a message,
// zero if no payment was ever observed.
func (r *RelayerRepository) GetGasPaymentTotal(id common.Hash) (*uint256.Int, error) {
	data, err := r.db.Get(gasTotalKey(id))
	if errors.Is(err, db.ErrNotFound) {
		return uint256.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	total := new(uint256.Int)
	if err := json.Unmarshal(data, total); err != nil {
		return nil, err
	}
	return total, nil
}

// PutNonceRecord persists a signer's nonce window
func (r *RelayerRepository) PutNonceRecord(rec *models.NonceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.db.Put(nonceKey(rec.Signer), data)
}

// GetNonceRecord retrieves a signer's nonce window
func (r *RelayerRepository) GetNonceRecord(signer common.Address) (*models.NonceRecord, error) {
	data, err := r.db.Get(nonceKey(signer))
	if err != nil {
		return nil, wrapNotFound(err)
	}
	var rec models.NonceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkProcessed records that the message at a nonce was delivered and
// finalized. This is the commit point: once written, the message is never
// re-attempted, even across restarts.
func (r *RelayerRepository) MarkProcessed(nonce uint32) error {
	return r.db.Put(processedKey(nonce), []byte{1})
}

// IsProcessed reports whether the message at a nonce was delivered
func (r *RelayerRepository) IsProcessed(nonce uint32) (bool, error) {
	_, err := r.db.Get(processedKey(nonce))
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func messageKey(id common.Hash) []byte {
	return append([]byte(prefixMessage), id.Bytes()...)
}

func leafIndexKey(id common.Hash) []byte {
	return append([]byte(prefixLeafIndex), id.Bytes()...)
}

func insertionKey(leafIndex uint32) []byte {
	key := []byte(prefixInsertion)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], leafIndex)
	return append(key, buf[:]...)
}

func operationKey(id common.Hash) []byte {
	return append([]byte(prefixOperation), id.Bytes()...)
}

func gasTotalKey(id common.Hash) []byte {
	return append([]byte(prefixGasTotal), id.Bytes()...)
}

func nonceKey(signer common.Address) []byte {
	return append([]byte(prefixNonce), signer.Bytes()...)
}

func processedKey(nonce uint32) []byte {
	key := []byte(prefixProcessed)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], nonce)
	return append(key, buf[:]...)
}

func wrapNotFound(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
