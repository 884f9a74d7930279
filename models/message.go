package models

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MessageVersion is the wire format version of dispatched messages.
const MessageVersion uint8 = 3

// Message is a cross-chain message as observed on the origin chain.
// Immutable once observed; identity is the keccak hash of the canonical
// encoding. Nonce is the strictly increasing per-origin sequence number
// and doubles as the message's leaf position in the origin merkle tree.
type Message struct {
	Version     uint8       `json:"version"`
	Nonce       uint32      `json:"nonce"`
	Origin      uint32      `json:"origin"`
	Sender      common.Hash `json:"sender"`
	Destination uint32      `json:"destination"`
	Recipient   common.Hash `json:"recipient"`
	Body        []byte      `json:"body"`
}

// Encode returns the canonical byte encoding:
// version || nonce || origin || sender || destination || recipient || body,
// all integers big-endian.
func (m *Message) Encode() []byte {
	buf := make([]byte, 0, 1+4+4+32+4+32+len(m.Body))
	buf = append(buf, m.Version)
	buf = binary.BigEndian.AppendUint32(buf, m.Nonce)
	buf = binary.BigEndian.AppendUint32(buf, m.Origin)
	buf = append(buf, m.Sender.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, m.Destination)
	buf = append(buf, m.Recipient.Bytes()...)
	buf = append(buf, m.Body...)
	return buf
}

// ID returns the message id, the keccak256 of the canonical encoding.
func (m *Message) ID() common.Hash {
	return crypto.Keccak256Hash(m.Encode())
}

// MerkleTreeInsertion records one leaf appended to the origin chain's
// incremental merkle tree. Insertions arrive in strictly increasing
// LeafIndex order; a gap or out-of-order record is a protocol violation.
type MerkleTreeInsertion struct {
	LeafIndex uint32      `json:"leaf_index"`
	MessageID common.Hash `json:"message_id"`
}
