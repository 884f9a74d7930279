package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"bridge-relayer/checkpoint"
	"bridge-relayer/logger"
	"bridge-relayer/merkle"
	"bridge-relayer/models"
	"bridge-relayer/repository"
)

// Scheme selects which on-chain multisig verifier the metadata targets.
// The set is fixed by protocol version, so it is a closed enum and every
// switch over it is exhaustive.
type Scheme uint8

const (
	SchemeMessageID Scheme = iota
	SchemeMerkleRoot
	SchemeLegacy
)

func (s Scheme) String() string {
	switch s {
	case SchemeMessageID:
		return "message-id-multisig"
	case SchemeMerkleRoot:
		return "merkle-root-multisig"
	case SchemeLegacy:
		return "legacy-multisig"
	}
	return "unknown"
}

// SchemeFromString parses a configured scheme name.
func SchemeFromString(name string) (Scheme, error) {
	switch name {
	case "message-id-multisig":
		return SchemeMessageID, nil
	case "merkle-root-multisig":
		return SchemeMerkleRoot, nil
	case "legacy-multisig":
		return SchemeLegacy, nil
	}
	return 0, fmt.Errorf("unknown multisig scheme %q", name)
}

// Builder combines a quorum checkpoint, a merkle proof and the validator
// signature set into the byte string the destination verifier expects.
//
// Build returns (nil, nil) whenever a prerequisite is missing: leaf index
// unknown, quorum not reached, or the local tree not caught up. That is a
// "try again later" signal, distinct from a permanent failure. The builder
// never fabricates signatures and never pads gaps.
type Builder struct {
	scheme  Scheme
	fetcher *checkpoint.QuorumFetcher
	tree    *merkle.TreeBuilder
	repo    repository.RelayerRepositoryInterface
	mailbox common.Hash
	log     *zap.Logger
}

func NewBuilder(scheme Scheme, fetcher *checkpoint.QuorumFetcher, tree *merkle.TreeBuilder, repo repository.RelayerRepositoryInterface, mailbox common.Hash) *Builder {
	return &Builder{
		scheme:  scheme,
		fetcher: fetcher,
		tree:    tree,
		repo:    repo,
		mailbox: mailbox,
		log:     logger.Named("metadata"),
	}
}

// Build assembles verification metadata for the message against the given
// validator set and threshold.
func (b *Builder) Build(ctx context.Context, validators []common.Address, threshold int, msg *models.Message) ([]byte, error) {
	messageID := msg.ID()
	leafIndex, err := b.repo.GetLeafIndex(messageID)
	if errors.Is(err, repository.ErrNotFound) {
		b.log.Debug("No merkle leaf known for message yet",
			zap.String("message_id", messageID.Hex()))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up leaf index: %w", err)
	}

	switch b.scheme {
	case SchemeMessageID:
		return b.buildMessageID(ctx, validators, threshold, messageID, leafIndex)
	case SchemeMerkleRoot:
		return b.buildMerkleRoot(ctx, validators, threshold, leafIndex, false)
	case SchemeLegacy:
		return b.buildMerkleRoot(ctx, validators, threshold, leafIndex, true)
	}
	return nil, fmt.Errorf("unknown multisig scheme %d", b.scheme)
}

// buildMessageID needs exactly the checkpoint whose message id equals the
// target message's id; any other checkpoint at the same index is useless.
func (b *Builder) buildMessageID(ctx context.Context, validators []common.Address, threshold int, messageID common.Hash, leafIndex uint32) ([]byte, error) {
	quorum, err := b.fetcher.FetchCheckpointAtIndex(ctx, validators, threshold, leafIndex)
	if err != nil {
		return nil, err
	}
	if quorum == nil {
		return nil, nil
	}
	if quorum.Checkpoint.MessageID != messageID {
		b.log.Warn("Quorum checkpoint message id does not match message",
			zap.String("checkpoint_message_id", quorum.Checkpoint.MessageID.Hex()),
			zap.String("message_id", messageID.Hex()))
		return nil, nil
	}
	return EncodeMessageIDMetadata(quorum), nil
}

// buildMerkleRoot accepts any quorum checkpoint covering the leaf and
// proves the leaf against the checkpointed tree state.
func (b *Builder) buildMerkleRoot(ctx context.Context, validators []common.Address, threshold int, leafIndex uint32, legacy bool) ([]byte, error) {
	count := b.tree.Count()
	if count == 0 || leafIndex >= count {
		// local tree has not ingested the message's leaf yet
		return nil, nil
	}
	quorum, err := b.fetcher.FetchCheckpointForMessage(ctx, validators, threshold, leafIndex, count-1)
	if err != nil {
		return nil, err
	}
	if quorum == nil {
		return nil, nil
	}
	proof, err := b.tree.ProofAt(leafIndex, quorum.Checkpoint.Index+1)
	if errors.Is(err, merkle.ErrNotYetInserted) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("generate proof: %w", err)
	}
	if proof.Root() != quorum.Checkpoint.Root {
		// local tree disagrees with the attested root; either we are on a
		// stale view or the validators signed a fork. Not provable now.
		b.log.Warn("Local proof root does not match quorum checkpoint root",
			zap.String("local_root", proof.Root().Hex()),
			zap.String("checkpoint_root", quorum.Checkpoint.Root.Hex()),
			zap.Uint32("checkpoint_index", quorum.Checkpoint.Index))
		return nil, nil
	}
	if legacy {
		return EncodeLegacyMetadata(quorum, proof, b.mailbox, uint8(threshold), validators), nil
	}
	return EncodeMerkleRootMetadata(quorum, proof), nil
}
