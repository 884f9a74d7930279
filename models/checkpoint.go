package models

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// checkpointDomainSalt separates checkpoint signatures from any other
// signed payloads of the same shape.
const checkpointDomainSalt = "HYPERLANE"

// Checkpoint asserts the state of an origin chain's merkle tree at a given
// leaf count: Index is the highest leaf index covered, Root the tree root.
type Checkpoint struct {
	MerkleTreeHook common.Hash `json:"merkle_tree_hook"`
	MailboxDomain  uint32      `json:"mailbox_domain"`
	Root           common.Hash `json:"root"`
	Index          uint32      `json:"index"`
}

// CheckpointWithMessageID extends a Checkpoint with the id of the message
// inserted at Index, as signed by validators.
type CheckpointWithMessageID struct {
	Checkpoint
	MessageID common.Hash `json:"message_id"`
}

// DomainHash commits to the origin domain and merkle tree hook address.
func (c *Checkpoint) DomainHash() common.Hash {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, c.MailboxDomain)
	buf.Write(c.MerkleTreeHook.Bytes())
	buf.WriteString(checkpointDomainSalt)
	return crypto.Keccak256Hash(buf.Bytes())
}

// SigningDigest is the EIP-191 digest validators sign:
// ethSigned(keccak(domainHash || root || index || messageID)).
func (c *CheckpointWithMessageID) SigningDigest() common.Hash {
	var buf bytes.Buffer
	buf.Write(c.DomainHash().Bytes())
	buf.Write(c.Root.Bytes())
	_ = binary.Write(&buf, binary.BigEndian, c.Index)
	buf.Write(c.MessageID.Bytes())
	inner := crypto.Keccak256(buf.Bytes())
	return crypto.Keccak256Hash([]byte("\x19Ethereum Signed Message:\n32"), inner)
}

// SignedCheckpoint is a checkpoint plus one validator's signature over it.
// The signer is always derived from the signature via recovery, never
// carried as a trusted field.
type SignedCheckpoint struct {
	Value     CheckpointWithMessageID `json:"value"`
	Signature hexutil.Bytes           `json:"signature"`
}

// Recover returns the address that produced the signature.
func (sc *SignedCheckpoint) Recover() (common.Address, error) {
	if len(sc.Signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sc.Signature))
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, sc.Signature)
	// accept both 0/1 and 27/28 recovery ids
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest := sc.Value.SigningDigest()
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover checkpoint signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// QuorumCheckpoint is a checkpoint attested to by at least threshold
// distinct validators. Signatures and Signers are index-aligned and kept
// in the order of the configured validator set, which is the order the
// on-chain verifier expects.
type QuorumCheckpoint struct {
	Checkpoint CheckpointWithMessageID `json:"checkpoint"`
	Signatures []hexutil.Bytes         `json:"signatures"`
	Signers    []common.Address        `json:"signers"`
}
