package checkpoint

import (
	"context"
	"sync"

	"bridge-relayer/models"
)

// Source fetches one validator's published signed checkpoints, wherever
// that validator chooses to publish them. A validator that has not signed
// the requested index yet is not an error: FetchCheckpoint returns
// (nil, nil) and LatestIndex returns ok=false until anything is published.
type Source interface {
	LatestIndex(ctx context.Context) (uint32, bool, error)
	FetchCheckpoint(ctx context.Context, index uint32) (*models.SignedCheckpoint, error)
}

// StaticSource is an in-memory Source, used in tests and for validators
// mirrored into the local store.
type StaticSource struct {
	mu          sync.RWMutex
	latest      uint32
	hasLatest   bool
	checkpoints map[uint32]*models.SignedCheckpoint
}

func NewStaticSource() *StaticSource {
	return &StaticSource{checkpoints: make(map[uint32]*models.SignedCheckpoint)}
}

// Publish records a signed checkpoint and advances the latest index.
func (s *StaticSource) Publish(sc *models.SignedCheckpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[sc.Value.Index] = sc
	if !s.hasLatest || sc.Value.Index > s.latest {
		s.latest = sc.Value.Index
		s.hasLatest = true
	}
}

func (s *StaticSource) LatestIndex(ctx context.Context) (uint32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasLatest, nil
}

func (s *StaticSource) FetchCheckpoint(ctx context.Context, index uint32) (*models.SignedCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[index], nil
}
