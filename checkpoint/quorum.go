package checkpoint

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"bridge-relayer/logger"
	"bridge-relayer/models"
)

// QuorumFetcher queries a validator set's checkpoint sources and
// aggregates individually signed checkpoints into one quorum attestation.
//
// A single validator failing to respond is never fatal: it is logged and
// excluded from the round. Failing to reach quorum is the normal state
// while validators catch up and is reported as (nil, nil), not an error.
type QuorumFetcher struct {
	sources map[common.Address]Source
	log     *zap.Logger
}

func NewQuorumFetcher(sources map[common.Address]Source) *QuorumFetcher {
	return &QuorumFetcher{
		sources: sources,
		log:     logger.Named("quorum"),
	}
}

// latestIndices returns each responding validator's latest signed index.
func (f *QuorumFetcher) latestIndices(ctx context.Context, validators []common.Address) []uint32 {
	indices := make([]uint32, 0, len(validators))
	for _, v := range validators {
		source, ok := f.sources[v]
		if !ok {
			f.log.Warn("No checkpoint source for validator", zap.String("validator", v.Hex()))
			continue
		}
		latest, ok, err := source.LatestIndex(ctx)
		if err != nil {
			f.log.Debug("Failed to get latest index from validator",
				zap.String("validator", v.Hex()), zap.Error(err))
			continue
		}
		if ok {
			indices = append(indices, latest)
		}
	}
	return indices
}

// FetchCheckpointAtIndex queries every validator for its checkpoint at
// exactly the given index and returns the first (root, index) group that
// collects signatures from at least threshold distinct validators.
// Signatures are returned in validator-set order, which is the order the
// on-chain verifier expects. Returns (nil, nil) when no group reaches
// threshold.
func (f *QuorumFetcher) FetchCheckpointAtIndex(ctx context.Context, validators []common.Address, threshold int, index uint32) (*models.QuorumCheckpoint, error) {
	if threshold <= 0 || threshold > len(validators) {
		return nil, fmt.Errorf("threshold %d out of range for %d validators", threshold, len(validators))
	}

	// signer -> signed checkpoint, grouped by root. Duplicate signatures
	// from one signer never count twice.
	type rootGroup map[common.Address]*models.SignedCheckpoint
	groups := make(map[common.Hash]rootGroup)

	for _, v := range validators {
		source, ok := f.sources[v]
		if !ok {
			f.log.Warn("No checkpoint source for validator", zap.String("validator", v.Hex()))
			continue
		}
		sc, err := source.FetchCheckpoint(ctx, index)
		if err != nil {
			f.log.Debug("Failed to fetch checkpoint from validator",
				zap.String("validator", v.Hex()), zap.Uint32("index", index), zap.Error(err))
			continue
		}
		if sc == nil {
			continue
		}
		if sc.Value.Index != index {
			f.log.Debug("Checkpoint index mismatch",
				zap.String("validator", v.Hex()),
				zap.Uint32("want", index), zap.Uint32("got", sc.Value.Index))
			continue
		}
		// the signer is derived from the signature, never trusted as a field
		signer, err := sc.Recover()
		if err != nil {
			f.log.Debug("Failed to recover checkpoint signer",
				zap.String("validator", v.Hex()), zap.Error(err))
			continue
		}
		if signer != v {
			f.log.Debug("Checkpoint signature not from expected validator",
				zap.String("validator", v.Hex()), zap.String("signer", signer.Hex()))
			continue
		}
		group, ok := groups[sc.Value.Root]
		if !ok {
			group = make(rootGroup)
			groups[sc.Value.Root] = group
		}
		group[signer] = sc

		if len(group) >= threshold {
			return buildQuorum(validators, group), nil
		}
	}
	return nil, nil
}

// FetchCheckpointForMessage finds a quorum checkpoint covering the message
// nonce for the root-based verification schemes: any index in
// [messageNonce, upperBound] qualifies. When several indices could reach
// quorum the smallest covering index wins, to minimize proof drift and
// avoid requiring validators to have indexed further than necessary.
// Returns (nil, nil) while no quorum exists.
func (f *QuorumFetcher) FetchCheckpointForMessage(ctx context.Context, validators []common.Address, threshold int, messageNonce, upperBound uint32) (*models.QuorumCheckpoint, error) {
	if threshold <= 0 || threshold > len(validators) {
		return nil, fmt.Errorf("threshold %d out of range for %d validators", threshold, len(validators))
	}

	indices := f.latestIndices(ctx, validators)
	if len(indices) < threshold {
		f.log.Debug("Not enough validators responded with a latest index",
			zap.Int("responded", len(indices)), zap.Int("threshold", threshold))
		return nil, nil
	}
	// the threshold'th highest latest index is the highest index a quorum
	// could possibly have signed
	sort.Slice(indices, func(i, j int) bool { return indices[i] > indices[j] })
	highestQuorumIndex := indices[threshold-1]

	end := upperBound
	if highestQuorumIndex < end {
		end = highestQuorumIndex
	}
	if messageNonce > end {
		f.log.Debug("No validator quorum has signed past the message nonce",
			zap.Uint32("message_nonce", messageNonce), zap.Uint32("end", end))
		return nil, nil
	}

	for index := messageNonce; index <= end; index++ {
		quorum, err := f.FetchCheckpointAtIndex(ctx, validators, threshold, index)
		if err != nil {
			return nil, err
		}
		if quorum != nil {
			return quorum, nil
		}
	}
	return nil, nil
}

// buildQuorum assembles the aggregate in validator-set order.
func buildQuorum(validators []common.Address, group map[common.Address]*models.SignedCheckpoint) *models.QuorumCheckpoint {
	quorum := &models.QuorumCheckpoint{}
	for _, v := range validators {
		sc, ok := group[v]
		if !ok {
			continue
		}
		quorum.Checkpoint = sc.Value
		quorum.Signatures = append(quorum.Signatures, hexutil.Bytes(sc.Signature))
		quorum.Signers = append(quorum.Signers, v)
	}
	return quorum
}
