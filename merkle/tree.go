package merkle

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TreeDepth is the protocol-wide depth of the origin chains' incremental
// merkle trees. Proofs always carry exactly TreeDepth sibling hashes.
const TreeDepth = 32

// ZeroHashes[i] is the root of a zero subtree of depth i:
// ZeroHashes[0] = 0x00..00, ZeroHashes[i+1] = keccak(ZeroHashes[i] || ZeroHashes[i]).
var ZeroHashes [TreeDepth + 1]common.Hash

func init() {
	for i := 0; i < TreeDepth; i++ {
		ZeroHashes[i+1] = hashConcat(ZeroHashes[i], ZeroHashes[i])
	}
}

func hashConcat(left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash(left.Bytes(), right.Bytes())
}

var (
	ErrTreeFull       = errors.New("merkle: tree full")
	ErrInvalidTree    = errors.New("merkle: invalid tree shape")
	ErrOutOfOrder     = errors.New("merkle: out-of-order insertion")
	ErrNotYetInserted = errors.New("merkle: leaf not yet inserted")
	ErrLeafMismatch   = errors.New("merkle: different leaf already at index")
)

// node is a right-sparse merkle tree: only the first N leaf positions hold
// real leaves, everything to the right is a synthetic zero subtree.
// A node is exactly one of: a leaf (no children, not zero), an internal
// node (both children set), or a zero subtree of the given depth.
type node struct {
	hash  common.Hash
	left  *node
	right *node
	zero  bool
	depth int
}

func zeroNode(depth int) *node {
	return &node{hash: ZeroHashes[depth], zero: true, depth: depth}
}

func (n *node) isLeaf() bool { return !n.zero && n.left == nil }
func (n *node) isNode() bool { return !n.zero && n.left != nil }

// create builds a sparse tree of the given depth over the leaves, padding
// the right with zero subtrees.
func create(leaves []common.Hash, depth int) *node {
	if len(leaves) == 0 {
		return zeroNode(depth)
	}
	if depth == 0 {
		return &node{hash: leaves[0]}
	}
	subtreeCap := 1 << (depth - 1)
	var leftLeaves, rightLeaves []common.Hash
	if len(leaves) <= subtreeCap {
		leftLeaves = leaves
	} else {
		leftLeaves, rightLeaves = leaves[:subtreeCap], leaves[subtreeCap:]
	}
	left := create(leftLeaves, depth-1)
	right := create(rightLeaves, depth-1)
	return &node{hash: hashConcat(left.hash, right.hash), left: left, right: right, depth: depth}
}

// pushLeaf appends elem as the next leaf of a tree of the given depth.
func (n *node) pushLeaf(elem common.Hash, depth int) error {
	if depth == 0 {
		return ErrTreeFull
	}
	if n.zero {
		*n = *create([]common.Hash{elem}, depth)
		return nil
	}
	if n.isLeaf() {
		return ErrInvalidTree
	}
	left, right := n.left, n.right
	switch {
	case left.zero && right.zero:
		n.left = create([]common.Hash{elem}, depth-1)
	case left.isLeaf() && right.zero:
		n.right = create([]common.Hash{elem}, depth-1)
	case left.isLeaf() && right.isLeaf():
		return ErrTreeFull
	case left.isNode() && right.isNode():
		if err := right.pushLeaf(elem, depth-1); err != nil {
			return err
		}
	case left.isNode() && right.zero:
		if err := left.pushLeaf(elem, depth-1); err != nil {
			if !errors.Is(err, ErrTreeFull) {
				return err
			}
			// left subtree is full, start filling the right one
			n.right = create([]common.Hash{elem}, depth-1)
		}
	default:
		return ErrInvalidTree
	}
	n.hash = hashConcat(n.left.hash, n.right.hash)
	return nil
}

// branches returns the left and right children, materializing zero
// children for zero subtrees.
func (n *node) branches() (*node, *node) {
	if n.zero {
		return zeroNode(n.depth - 1), zeroNode(n.depth - 1)
	}
	return n.left, n.right
}

// proofPath returns the leaf hash at index and its sibling path in
// bottom-up order (path[0] is the sibling at the leaf level).
func (n *node) proofPath(index uint32, depth int) (common.Hash, [TreeDepth]common.Hash) {
	var path [TreeDepth]common.Hash
	current := n
	for d := depth; d > 0; d-- {
		left, right := current.branches()
		if (index>>(d-1))&1 == 1 {
			path[d-1] = left.hash
			current = right
		} else {
			path[d-1] = right.hash
			current = left
		}
	}
	return current.hash, path
}

// Proof is a merkle inclusion proof: the leaf, its index in the tree, and
// the sibling path from the leaf to the root in bottom-up order.
type Proof struct {
	Leaf  common.Hash            `json:"leaf"`
	Index uint32                 `json:"index"`
	Path  [TreeDepth]common.Hash `json:"path"`
}

// Root computes the root implied by the proof.
func (p *Proof) Root() common.Hash {
	return BranchRoot(p.Leaf, p.Path, p.Index)
}

// BranchRoot folds a sibling path over a leaf. Bit i of index selects
// whether the leaf's ancestor at level i is a right (1) or left (0) child.
func BranchRoot(leaf common.Hash, path [TreeDepth]common.Hash, index uint32) common.Hash {
	current := leaf
	for i := 0; i < TreeDepth; i++ {
		if (index>>i)&1 == 1 {
			current = hashConcat(path[i], current)
		} else {
			current = hashConcat(current, path[i])
		}
	}
	return current
}

// VerifyProof checks that the proof's leaf is included under root.
func VerifyProof(root common.Hash, p *Proof) bool {
	return p.Root() == root
}
