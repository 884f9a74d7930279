package merkle

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"bridge-relayer/logger"
	"bridge-relayer/models"
)

// TreeBuilder maintains a local mirror of one origin chain's incremental
// merkle tree and serves inclusion proofs against it.
//
// Ingestion is single-producer (the indexer sync loop); proof generation is
// read-shared across all pending operations. The RWMutex keeps concurrent
// ProofFor calls from racing a concurrent Ingest.
type TreeBuilder struct {
	mu     sync.RWMutex
	tree   *node
	leaves []common.Hash
	log    *zap.Logger
}

func NewTreeBuilder() *TreeBuilder {
	return &TreeBuilder{
		tree: zeroNode(TreeDepth),
		log:  logger.Named("merkle"),
	}
}

// Count returns the number of ingested leaves.
func (b *TreeBuilder) Count() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint32(len(b.leaves))
}

// Root returns the current tree root.
func (b *TreeBuilder) Root() common.Hash {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.hash
}

// Ingest appends the insertion's message id as the next leaf. The tree only
// accepts the next expected index, which makes its state a deterministic
// fold over the insertion sequence; re-ingesting the same (index, id) pair
// is a no-op, a different id at a filled index is an error.
func (b *TreeBuilder) Ingest(ins models.MerkleTreeInsertion) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := uint32(len(b.leaves))
	if ins.LeafIndex < count {
		if b.leaves[ins.LeafIndex] == ins.MessageID {
			return nil
		}
		return fmt.Errorf("%w: index %d holds %s, got %s",
			ErrLeafMismatch, ins.LeafIndex, b.leaves[ins.LeafIndex].Hex(), ins.MessageID.Hex())
	}
	if ins.LeafIndex != count {
		return fmt.Errorf("%w: expected index %d, got %d", ErrOutOfOrder, count, ins.LeafIndex)
	}
	if err := b.tree.pushLeaf(ins.MessageID, TreeDepth); err != nil {
		return err
	}
	b.leaves = append(b.leaves, ins.MessageID)
	b.log.Debug("Ingested merkle leaf",
		zap.Uint32("leaf_index", ins.LeafIndex),
		zap.String("root", b.tree.hash.Hex()))
	return nil
}

// ProofFor returns the inclusion proof for leaf i against the current tree.
func (b *TreeBuilder) ProofFor(i uint32) (*Proof, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if i >= uint32(len(b.leaves)) {
		return nil, fmt.Errorf("%w: index %d, count %d", ErrNotYetInserted, i, len(b.leaves))
	}
	leaf, path := b.tree.proofPath(i, TreeDepth)
	return &Proof{Leaf: leaf, Index: i, Path: path}, nil
}

// ProofAt returns the inclusion proof for leaf i against the tree as it
// stood with atCount leaves. Checkpoints attest to historical tree states,
// so proofs must be generated against the checkpointed leaf count rather
// than the locally synced tip.
func (b *TreeBuilder) ProofAt(i uint32, atCount uint32) (*Proof, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := uint32(len(b.leaves))
	if atCount > count {
		return nil, fmt.Errorf("%w: tree has %d leaves, need %d", ErrNotYetInserted, count, atCount)
	}
	if i >= atCount {
		return nil, fmt.Errorf("%w: index %d, snapshot count %d", ErrNotYetInserted, i, atCount)
	}
	if atCount == count {
		leaf, path := b.tree.proofPath(i, TreeDepth)
		return &Proof{Leaf: leaf, Index: i, Path: path}, nil
	}
	snapshot := create(b.leaves[:atCount], TreeDepth)
	leaf, path := snapshot.proofPath(i, TreeDepth)
	return &Proof{Leaf: leaf, Index: i, Path: path}, nil
}
