package metadata

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"bridge-relayer/merkle"
	"bridge-relayer/models"
)

// Serialized metadata layouts, one per on-chain verifier variant. Offsets
// are fixed; the verifiers index into the byte string directly, so any
// deviation fails verification on-chain rather than here.

// EncodeMessageIDMetadata lays out:
//
//	[  0: 32] origin merkle tree hook address
//	[ 32: 64] signed checkpoint root
//	[ 64: 68] signed checkpoint index
//	[ 68:...] validator signatures, 65 bytes each, validator-set order
func EncodeMessageIDMetadata(q *models.QuorumCheckpoint) []byte {
	buf := make([]byte, 0, 68+len(q.Signatures)*65)
	buf = append(buf, q.Checkpoint.MerkleTreeHook.Bytes()...)
	buf = append(buf, q.Checkpoint.Root.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, q.Checkpoint.Index)
	for _, sig := range q.Signatures {
		buf = append(buf, sig...)
	}
	return buf
}

// EncodeMerkleRootMetadata lays out:
//
//	[   0:  32] origin merkle tree hook address
//	[  32:  36] index of the message in the merkle tree
//	[  36:  68] signed checkpoint message id
//	[  68:1092] merkle proof, 32 sibling hashes bottom-up
//	[1092:1096] signed checkpoint index
//	[1096: ...] validator signatures, 65 bytes each, validator-set order
func EncodeMerkleRootMetadata(q *models.QuorumCheckpoint, proof *merkle.Proof) []byte {
	buf := make([]byte, 0, 1096+len(q.Signatures)*65)
	buf = append(buf, q.Checkpoint.MerkleTreeHook.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, proof.Index)
	buf = append(buf, q.Checkpoint.MessageID.Bytes()...)
	for _, sibling := range proof.Path {
		buf = append(buf, sibling.Bytes()...)
	}
	buf = binary.BigEndian.AppendUint32(buf, q.Checkpoint.Index)
	for _, sig := range q.Signatures {
		buf = append(buf, sig...)
	}
	return buf
}

// EncodeLegacyMetadata lays out the pre-v3 multisig verifier's format:
//
//	[   0:  32] signed checkpoint root
//	[  32:  36] signed checkpoint index
//	[  36:  68] origin mailbox address
//	[  68:1092] merkle proof, 32 sibling hashes bottom-up
//	[1092:1093] threshold
//	[1093: ...] validator signatures, 65 bytes each, validator-set order
//	[     ...] full validator set, 32 bytes each (addresses left padded)
func EncodeLegacyMetadata(q *models.QuorumCheckpoint, proof *merkle.Proof, mailbox common.Hash, threshold uint8, validators []common.Address) []byte {
	buf := make([]byte, 0, 1093+len(q.Signatures)*65+len(validators)*32)
	buf = append(buf, q.Checkpoint.Root.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, q.Checkpoint.Index)
	buf = append(buf, mailbox.Bytes()...)
	for _, sibling := range proof.Path {
		buf = append(buf, sibling.Bytes()...)
	}
	buf = append(buf, threshold)
	for _, sig := range q.Signatures {
		buf = append(buf, sig...)
	}
	for _, v := range validators {
		buf = append(buf, common.BytesToHash(v.Bytes()).Bytes()...)
	}
	return buf
}
