package worker

import (
	"context"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/model"
)

// snapshotInterval is how often work-in-progress commits are taken while a
// dev phase runs.
const snapshotInterval = 20 * time.Second

// snapshotter owns the per-item periodic git snapshot jobs. Starting an item
// that already has a job replaces it; stopping an item is idempotent.
type snapshotter struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newSnapshotter() *snapshotter {
	return &snapshotter{cancels: make(map[string]context.CancelFunc)}
}

// start launches the ticker goroutine covering the workspace root and every
// repository of the item.
func (s *snapshotter) start(ctx context.Context, item *model.Item, snap func(ctx context.Context, itemID, repoName string)) {
	snapCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if prev, ok := s.cancels[item.ID]; ok {
		prev()
	}
	s.cancels[item.ID] = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-snapCtx.Done():
				return
			case <-ticker.C:
				snap(snapCtx, item.ID, "")
				for idx := range item.Repositories {
					snap(snapCtx, item.ID, item.Repositories[idx].DirectoryName)
				}
			}
		}
	}()
}

// stop cancels the item's snapshot job, if any.
func (s *snapshotter) stop(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[itemID]; ok {
		cancel()
		delete(s.cancels, itemID)
	}
}

// stopAll cancels every snapshot job.
func (s *snapshotter) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}
