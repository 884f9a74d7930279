package repository

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bridge-relayer/models"
)

// MemoryRepository is an in-memory RelayerRepositoryInterface. It backs
// tests and dry runs; the LevelDB repository is the production store.
type MemoryRepository struct {
	mu         sync.Mutex
	messages   map[common.Hash]models.Message
	leafIndex  map[common.Hash]uint32
	insertions map[uint32]models.MerkleTreeInsertion
	operations map[common.Hash]models.OperationRecord
	gasTotals  map[common.Hash]*uint256.Int
	nonces     map[common.Address]models.NonceRecord
	processed  map[uint32]bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		messages:   make(map[common.Hash]models.Message),
		leafIndex:  make(map[common.Hash]uint32),
		insertions: make(map[uint32]models.MerkleTreeInsertion),
		operations: make(map[common.Hash]models.OperationRecord),
		gasTotals:  make(map[common.Hash]*uint256.Int),
		nonces:     make(map[common.Address]models.NonceRecord),
		processed:  make(map[uint32]bool),
	}
}

func (r *MemoryRepository) PutMessage(msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.ID()] = *msg
	return nil
}

func (r *MemoryRepository) GetMessage(id common.Hash) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &msg, nil
}

func (r *MemoryRepository) GetAllMessages() ([]*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := make([]*models.Message, 0, len(r.messages))
	for _, msg := range r.messages {
		m := msg
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

func (r *MemoryRepository) PutLeafIndex(id common.Hash, leafIndex uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leafIndex[id] = leafIndex
	return nil
}

func (r *MemoryRepository) GetLeafIndex(id common.Hash) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.leafIndex[id]
	if !ok {
		return 0, ErrNotFound
	}
	return i, nil
}

func (r *MemoryRepository) PutInsertion(ins *models.MerkleTreeInsertion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertions[ins.LeafIndex] = *ins
	return nil
}

func (r *MemoryRepository) GetInsertion(leafIndex uint32) (*models.MerkleTreeInsertion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ins, ok := r.insertions[leafIndex]
	if !ok {
		return nil, ErrNotFound
	}
	return &ins, nil
}

func (r *MemoryRepository) PutOperationRecord(rec *models.OperationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations[rec.MessageID] = *rec
	return nil
}

func (r *MemoryRepository) GetOperationRecord(id common.Hash) (*models.OperationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.operations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (r *MemoryRepository) AddGasPayment(id common.Hash, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	total, ok := r.gasTotals[id]
	if !ok {
		total = uint256.NewInt(0)
	}
	r.gasTotals[id] = new(uint256.Int).Add(total, amount)
	return nil
}

func (r *MemoryRepository) SubtractGasPayment(id common.Hash, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	total, ok := r.gasTotals[id]
	if !ok {
		total = uint256.NewInt(0)
	}
	if total.Lt(amount) {
		r.gasTotals[id] = uint256.NewInt(0)
	} else {
		r.gasTotals[id] = new(uint256.Int).Sub(total, amount)
	}
	return nil
}

func (r *MemoryRepository) GetGasPaymentTotal(id common.Hash) (*uint256.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total, ok := r.gasTotals[id]
	if !ok {
		return uint256.NewInt(0), nil
	}
	return new(uint256.Int).Set(total), nil
}

func (r *MemoryRepository) PutNonceRecord(rec *models.NonceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *rec
	copied.Assignments = make(map[uint64]models.NonceAssignment, len(rec.Assignments))
	for n, a := range rec.Assignments {
		copied.Assignments[n] = a
	}
	if rec.Finalized != nil {
		f := *rec.Finalized
		copied.Finalized = &f
	}
	r.nonces[rec.Signer] = copied
	return nil
}

func (r *MemoryRepository) GetNonceRecord(signer common.Address) (*models.NonceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nonces[signer]
	if !ok {
		return nil, ErrNotFound
	}
	copied := rec
	copied.Assignments = make(map[uint64]models.NonceAssignment, len(rec.Assignments))
	for n, a := range rec.Assignments {
		copied.Assignments[n] = a
	}
	if rec.Finalized != nil {
		f := *rec.Finalized
		copied.Finalized = &f
	}
	return &copied, nil
}

func (r *MemoryRepository) MarkProcessed(nonce uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed[nonce] = true
	return nil
}

func (r *MemoryRepository) IsProcessed(nonce uint32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed[nonce], nil
}
