package indexer_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bridge-relayer/indexer"
	"bridge-relayer/merkle"
	"bridge-relayer/models"
	"bridge-relayer/repository"
)

func feedMessage(nonce uint32) *models.Message {
	return &models.Message{
		Version:     models.MessageVersion,
		Nonce:       nonce,
		Origin:      1,
		Destination: 42161,
		Body:        []byte(fmt.Sprintf("body-%d", nonce)),
	}
}

func feedRecord(i uint32) indexer.FeedRecord {
	msg := feedMessage(i)
	return indexer.FeedRecord{
		Insertion: models.MerkleTreeInsertion{LeafIndex: i, MessageID: msg.ID()},
		Message:   *msg,
	}
}

// feedServer serves the given records to every connecting client, starting
// at the client's requested index, then holds the connection open.
func feedServer(t *testing.T, records []indexer.FeedRecord) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub struct {
			FromIndex uint32 `json:"from_index"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		for _, rec := range records {
			if rec.Insertion.LeafIndex < sub.FromIndex {
				continue
			}
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
		conn.ReadMessage() // block until the client hangs up
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFeedConsumerIngestsOrderedStream(t *testing.T) {
	records := []indexer.FeedRecord{feedRecord(0), feedRecord(1), feedRecord(2)}
	srv := feedServer(t, records)
	defer srv.Close()

	tree := merkle.NewTreeBuilder()
	repo := repository.NewMemoryRepository()
	got := make(chan *models.Message, len(records))
	consumer := indexer.NewFeedConsumer(wsURL(srv), tree, repo,
		func(msg *models.Message) { got <- msg }, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Run(ctx)

	for i := 0; i < len(records); i++ {
		select {
		case msg := <-got:
			if msg.Nonce != uint32(i) {
				t.Fatalf("record %d delivered out of order, nonce %d", i, msg.Nonce)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for record %d", i)
		}
	}
	cancel()

	if tree.Count() != 3 {
		t.Fatalf("tree count = %d, want 3", tree.Count())
	}
	for _, rec := range records {
		leaf, err := repo.GetLeafIndex(rec.Message.ID())
		if err != nil {
			t.Fatalf("leaf index for nonce %d: %v", rec.Message.Nonce, err)
		}
		if leaf != rec.Insertion.LeafIndex {
			t.Fatalf("leaf index = %d, want %d", leaf, rec.Insertion.LeafIndex)
		}
		if _, err := repo.GetMessage(rec.Message.ID()); err != nil {
			t.Fatalf("message for nonce %d not stored: %v", rec.Message.Nonce, err)
		}
	}
}

func TestFeedConsumerResumesFromRebuiltTree(t *testing.T) {
	records := []indexer.FeedRecord{feedRecord(0), feedRecord(1), feedRecord(2), feedRecord(3)}
	repo := repository.NewMemoryRepository()
	// the first two insertions survived the previous run
	for i := 0; i < 2; i++ {
		if err := repo.PutInsertion(&records[i].Insertion); err != nil {
			t.Fatalf("seed insertion: %v", err)
		}
	}
	srv := feedServer(t, records)
	defer srv.Close()

	tree := merkle.NewTreeBuilder()
	got := make(chan *models.Message, len(records))
	consumer := indexer.NewFeedConsumer(wsURL(srv), tree, repo,
		func(msg *models.Message) { got <- msg }, zap.NewNop())

	if err := consumer.RebuildTree(); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if tree.Count() != 2 {
		t.Fatalf("rebuilt tree count = %d, want 2", tree.Count())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Run(ctx)

	// only the records past the rebuilt tip arrive
	for want := uint32(2); want < 4; want++ {
		select {
		case msg := <-got:
			if msg.Nonce != want {
				t.Fatalf("expected resumed record %d, got %d", want, msg.Nonce)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for record %d", want)
		}
	}
	if tree.Count() != 4 {
		t.Fatalf("tree count = %d, want 4", tree.Count())
	}
}

func TestFeedConsumerRejectsMismatchedInsertion(t *testing.T) {
	bad := feedRecord(0)
	bad.Insertion.MessageID = feedMessage(99).ID()
	srv := feedServer(t, []indexer.FeedRecord{bad})
	defer srv.Close()

	tree := merkle.NewTreeBuilder()
	repo := repository.NewMemoryRepository()
	consumer := indexer.NewFeedConsumer(wsURL(srv), tree, repo, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Run(ctx) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected an error for the inconsistent record")
		}
	case <-time.After(6 * time.Second):
		t.Fatalf("consumer did not stop")
	}
	if tree.Count() != 0 {
		t.Fatalf("mismatched record was ingested")
	}
}
