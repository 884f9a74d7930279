package checkpoint_test

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"bridge-relayer/checkpoint"
	"bridge-relayer/merkle"
	"bridge-relayer/models"
)

const (
	testDomain    = uint32(1)
	testThreshold = 2
)

var testHook = common.HexToHash("0x00000000000000000000000011111111111111111111111111111111abcdabcd")

type testValidator struct {
	key    *ecdsa.PrivateKey
	addr   common.Address
	source *checkpoint.StaticSource
}

func newTestValidator(t *testing.T) *testValidator {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &testValidator{
		key:    key,
		addr:   crypto.PubkeyToAddress(key.PublicKey),
		source: checkpoint.NewStaticSource(),
	}
}

func (v *testValidator) sign(t *testing.T, root common.Hash, index uint32, messageID common.Hash) *models.SignedCheckpoint {
	t.Helper()
	value := models.CheckpointWithMessageID{
		Checkpoint: models.Checkpoint{
			MerkleTreeHook: testHook,
			MailboxDomain:  testDomain,
			Root:           root,
			Index:          index,
		},
		MessageID: messageID,
	}
	sig, err := crypto.Sign(value.SigningDigest().Bytes(), v.key)
	if err != nil {
		t.Fatalf("sign checkpoint: %v", err)
	}
	return &models.SignedCheckpoint{Value: value, Signature: sig}
}

func (v *testValidator) publish(t *testing.T, root common.Hash, index uint32, messageID common.Hash) {
	t.Helper()
	v.source.Publish(v.sign(t, root, index, messageID))
}

func fetcherFor(vals ...*testValidator) (*checkpoint.QuorumFetcher, []common.Address) {
	sources := make(map[common.Address]checkpoint.Source, len(vals))
	addrs := make([]common.Address, 0, len(vals))
	for _, v := range vals {
		sources[v.addr] = v.source
		addrs = append(addrs, v.addr)
	}
	return checkpoint.NewQuorumFetcher(sources), addrs
}

func treeLeaf(i int) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("message-%d", i)))
}

// Two of three validators agree on the correct root at index 7, the third
// signs a divergent root. The quorum is the agreeing pair, and the proof
// for leaf 5 generated at the checkpointed leaf count verifies against the
// quorum root.
func TestQuorumPicksAgreeingRoot(t *testing.T) {
	tree := merkle.NewTreeBuilder()
	for i := 0; i < 8; i++ {
		ins := models.MerkleTreeInsertion{LeafIndex: uint32(i), MessageID: treeLeaf(i)}
		if err := tree.Ingest(ins); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	r1 := tree.Root()
	r2 := crypto.Keccak256Hash([]byte("divergent"))

	a, b, c := newTestValidator(t), newTestValidator(t), newTestValidator(t)
	a.publish(t, r1, 7, treeLeaf(7))
	b.publish(t, r1, 7, treeLeaf(7))
	c.publish(t, r2, 7, treeLeaf(7))

	fetcher, validators := fetcherFor(a, b, c)
	quorum, err := fetcher.FetchCheckpointForMessage(context.Background(), validators, testThreshold, 5, 100)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if quorum == nil {
		t.Fatalf("expected a quorum, got none")
	}
	if quorum.Checkpoint.Root != r1 {
		t.Fatalf("quorum root = %s, want %s", quorum.Checkpoint.Root.Hex(), r1.Hex())
	}
	if quorum.Checkpoint.Index != 7 {
		t.Fatalf("quorum index = %d, want 7", quorum.Checkpoint.Index)
	}
	if len(quorum.Signers) != testThreshold {
		t.Fatalf("quorum carries %d signers, want %d", len(quorum.Signers), testThreshold)
	}
	for _, signer := range quorum.Signers {
		if signer == c.addr {
			t.Fatalf("divergent validator included in quorum")
		}
	}

	proof, err := tree.ProofAt(5, quorum.Checkpoint.Index+1)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if !merkle.VerifyProof(quorum.Checkpoint.Root, proof) {
		t.Fatalf("proof for leaf 5 does not verify against quorum root")
	}
}

func TestQuorumNotReachedIsNotAnError(t *testing.T) {
	a, b, c := newTestValidator(t), newTestValidator(t), newTestValidator(t)
	root := crypto.Keccak256Hash([]byte("root"))
	a.publish(t, root, 3, treeLeaf(3))
	// b and c have published nothing

	fetcher, validators := fetcherFor(a, b, c)
	quorum, err := fetcher.FetchCheckpointForMessage(context.Background(), validators, testThreshold, 0, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if quorum != nil {
		t.Fatalf("expected no quorum, got one at index %d", quorum.Checkpoint.Index)
	}
}

func TestQuorumPrefersSmallestCoveringIndex(t *testing.T) {
	a, b := newTestValidator(t), newTestValidator(t)
	rootAt5 := crypto.Keccak256Hash([]byte("root-5"))
	rootAt9 := crypto.Keccak256Hash([]byte("root-9"))
	for _, v := range []*testValidator{a, b} {
		v.publish(t, rootAt5, 5, treeLeaf(5))
		v.publish(t, rootAt9, 9, treeLeaf(9))
	}

	fetcher, validators := fetcherFor(a, b)
	quorum, err := fetcher.FetchCheckpointForMessage(context.Background(), validators, testThreshold, 3, 100)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if quorum == nil {
		t.Fatalf("expected a quorum")
	}
	if quorum.Checkpoint.Index != 5 {
		t.Fatalf("quorum index = %d, want the smallest covering index 5", quorum.Checkpoint.Index)
	}
}

// A checkpoint whose signature recovers to some other address never counts
// toward the queried validator's slot.
func TestQuorumRejectsForeignSignature(t *testing.T) {
	a, b, c := newTestValidator(t), newTestValidator(t), newTestValidator(t)
	root := crypto.Keccak256Hash([]byte("root"))
	a.publish(t, root, 4, treeLeaf(4))
	// b republishes a's signed checkpoint as its own
	b.source.Publish(a.sign(t, root, 4, treeLeaf(4)))

	fetcher, validators := fetcherFor(a, b, c)
	quorum, err := fetcher.FetchCheckpointAtIndex(context.Background(), validators, testThreshold, 4)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if quorum != nil {
		t.Fatalf("replayed signature counted toward quorum")
	}
}

func TestQuorumSignaturesInValidatorSetOrder(t *testing.T) {
	a, b, c := newTestValidator(t), newTestValidator(t), newTestValidator(t)
	root := crypto.Keccak256Hash([]byte("root"))
	for _, v := range []*testValidator{a, b, c} {
		v.publish(t, root, 2, treeLeaf(2))
	}

	fetcher, validators := fetcherFor(a, b, c)
	quorum, err := fetcher.FetchCheckpointAtIndex(context.Background(), validators, 3, 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if quorum == nil {
		t.Fatalf("expected a quorum")
	}
	for i, signer := range quorum.Signers {
		if signer != validators[i] {
			t.Fatalf("signer %d out of validator-set order", i)
		}
	}
}
