package memory

import (
	"context"
	"time"

	"mimo/internal/logging"
)

const (
	accessQueueSize  = 4096
	accessBatchSize  = 64
	accessFlushEvery = 200 * time.Millisecond
)

// AccessTracker applies access updates asynchronously in bounded batches so
// search hits never block on writes. Updates are eventually applied; scoring
// within the same call sees the pre-update state.
type AccessTracker struct {
	store  *Store
	queue  chan string
	logger logging.Logger
	now    func() time.Time
}

// NewAccessTracker builds the tracker over the long-term store.
func NewAccessTracker(store *Store) *AccessTracker {
	return &AccessTracker{
		store:  store,
		queue:  make(chan string, accessQueueSize),
		logger: logging.NewComponentLogger("AccessTracker"),
		now:    time.Now,
	}
}

// OnSearchHit enqueues an access bump. Drops silently when the queue is full;
// popularity is a heuristic, not an audit trail.
func (t *AccessTracker) OnSearchHit(id string) {
	select {
	case t.queue <- id:
	default:
	}
}

// Run drains the queue until ctx is cancelled.
func (t *AccessTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(accessFlushEvery)
	defer ticker.Stop()

	pending := make(map[string]int, accessBatchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		now := t.now()
		for id, hits := range pending {
			for i := 0; i < hits; i++ {
				if err := t.store.UpdateAccess(id, now); err != nil {
					t.logger.Debug("access update for %s skipped: %v", id, err)
					break
				}
			}
		}
		pending = make(map[string]int, accessBatchSize)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case id := <-t.queue:
			pending[id]++
			if len(pending) >= accessBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
