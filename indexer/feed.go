package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bridge-relayer/merkle"
	"bridge-relayer/models"
	"bridge-relayer/repository"
)

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
)

// errBadRecord means the stream served a record that is internally
// inconsistent. Reconnecting would replay it, so it is fatal.
var errBadRecord = errors.New("indexer: inconsistent feed record")

// FeedRecord is one dispatched message paired with its merkle tree
// insertion, as published on the origin indexer's websocket stream.
// Records arrive in strictly increasing leaf-index order with no gaps.
type FeedRecord struct {
	Insertion models.MerkleTreeInsertion `json:"insertion"`
	Message   models.Message             `json:"message"`
}

// subscribeRequest asks the stream to start at a leaf index, so a restarted
// relayer resumes from its rebuilt tree rather than genesis.
type subscribeRequest struct {
	FromIndex uint32 `json:"from_index"`
}

// FeedConsumer reads the origin chain's dispatch stream and feeds the
// merkle tree and the store. An out-of-order record is fatal: the tree is a
// deterministic fold over the insertion sequence, and a gap means proofs
// computed from it would be wrong.
type FeedConsumer struct {
	endpoint string
	tree     *merkle.TreeBuilder
	repo     repository.RelayerRepositoryInterface
	onMsg    func(*models.Message)
	log      *zap.Logger
}

func NewFeedConsumer(endpoint string, tree *merkle.TreeBuilder, repo repository.RelayerRepositoryInterface, onMsg func(*models.Message), log *zap.Logger) *FeedConsumer {
	return &FeedConsumer{
		endpoint: endpoint,
		tree:     tree,
		repo:     repo,
		onMsg:    onMsg,
		log:      log,
	}
}

// RebuildTree replays the stored insertion sequence into the tree. Called
// at boot before the feed connects, so the subscription resumes where the
// last run left off.
func (f *FeedConsumer) RebuildTree() error {
	for i := f.tree.Count(); ; i++ {
		ins, err := f.repo.GetInsertion(i)
		if errors.Is(err, repository.ErrNotFound) {
			f.log.Info("merkle tree rebuilt from store", zap.Uint32("leaves", i))
			return nil
		}
		if err != nil {
			return fmt.Errorf("load insertion %d: %w", i, err)
		}
		if err := f.tree.Ingest(*ins); err != nil {
			return fmt.Errorf("replay insertion %d: %w", i, err)
		}
	}
}

// Run connects to the feed and consumes it until the context is cancelled,
// reconnecting with backoff on connection loss. Ordering violations abort
// the consumer with an error instead of reconnecting.
func (f *FeedConsumer) Run(ctx context.Context) error {
	backoff := reconnectBase
	for {
		if err := f.consumeOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, merkle.ErrOutOfOrder) || errors.Is(err, merkle.ErrLeafMismatch) || errors.Is(err, errBadRecord) {
				return fmt.Errorf("feed stream violated insertion ordering: %w", err)
			}
			f.log.Warn("feed connection lost, reconnecting",
				zap.String("endpoint", f.endpoint),
				zap.Duration("backoff", backoff),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

func (f *FeedConsumer) consumeOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sub := subscribeRequest{FromIndex: f.tree.Count()}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe from index %d: %w", sub.FromIndex, err)
	}
	f.log.Info("feed subscribed",
		zap.String("endpoint", f.endpoint),
		zap.Uint32("from_index", sub.FromIndex))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read feed: %w", err)
		}

		var rec FeedRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			f.log.Warn("undecodable feed record skipped", zap.Error(err))
			continue
		}
		if err := f.handle(&rec); err != nil {
			return err
		}
	}
}

func (f *FeedConsumer) handle(rec *FeedRecord) error {
	msgID := rec.Message.ID()
	if rec.Insertion.MessageID != msgID {
		return fmt.Errorf("%w: leaf %d carries id %s but message hashes to %s",
			errBadRecord, rec.Insertion.LeafIndex, rec.Insertion.MessageID.Hex(), msgID.Hex())
	}

	if err := f.tree.Ingest(rec.Insertion); err != nil {
		return err
	}
	if err := f.repo.PutMessage(&rec.Message); err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	if err := f.repo.PutLeafIndex(msgID, rec.Insertion.LeafIndex); err != nil {
		return fmt.Errorf("store leaf index: %w", err)
	}
	if err := f.repo.PutInsertion(&rec.Insertion); err != nil {
		return fmt.Errorf("store insertion: %w", err)
	}

	f.log.Debug("feed record ingested",
		zap.Uint32("leaf_index", rec.Insertion.LeafIndex),
		zap.String("message_id", msgID.Hex()))
	if f.onMsg != nil {
		f.onMsg(&rec.Message)
	}
	return nil
}
