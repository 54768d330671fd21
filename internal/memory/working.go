package memory

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"mimo/internal/gateway"
)

// WorkingItem is a short-lived memory candidate. Items carry no embedding
// until consolidation promotes them into the long-term store.
type WorkingItem struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Category   Category  `json:"category"`
	Importance float64   `json:"importance"`
	InsertedAt time.Time `json:"inserted_at"`
}

// WorkingBuffer holds working-memory items with a TTL. Capacity is bounded
// only by TTL and insertion rate; same-id writes are last-writer-wins.
type WorkingBuffer struct {
	mu    sync.RWMutex
	items map[string]WorkingItem
	ttl   time.Duration
	now   func() time.Time
}

// NewWorkingBuffer constructs a buffer with the given TTL.
func NewWorkingBuffer(ttl time.Duration) *WorkingBuffer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &WorkingBuffer{
		items: make(map[string]WorkingItem),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Put stores an item, assigning an id when absent.
func (b *WorkingBuffer) Put(item WorkingItem) (WorkingItem, error) {
	if item.Content == "" {
		return WorkingItem{}, gateway.Errorf(gateway.KindInvalidArguments, "content is required")
	}
	if item.Importance < 0 || item.Importance > 1 {
		return WorkingItem{}, gateway.Errorf(gateway.KindInvalidArguments, "importance %v outside [0,1]", item.Importance)
	}
	if item.ID == "" {
		item.ID = ksuid.New().String()
	}
	if item.Category == "" {
		item.Category = CategoryObservation
	}
	item.InsertedAt = b.now()

	b.mu.Lock()
	b.items[item.ID] = item
	b.mu.Unlock()
	return item, nil
}

// Get returns the item if present and not expired.
func (b *WorkingBuffer) Get(id string) (WorkingItem, bool) {
	b.mu.RLock()
	item, ok := b.items[id]
	b.mu.RUnlock()
	if !ok || b.now().Sub(item.InsertedAt) > b.ttl {
		return WorkingItem{}, false
	}
	return item, true
}

// Remove deletes an item, typically after consolidation.
func (b *WorkingBuffer) Remove(id string) {
	b.mu.Lock()
	delete(b.items, id)
	b.mu.Unlock()
}

// Snapshot returns all live items.
func (b *WorkingBuffer) Snapshot() []WorkingItem {
	now := b.now()
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]WorkingItem, 0, len(b.items))
	for _, item := range b.items {
		if now.Sub(item.InsertedAt) > b.ttl {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Len counts live items.
func (b *WorkingBuffer) Len() int {
	return len(b.Snapshot())
}

// sweep removes expired items.
func (b *WorkingBuffer) sweep() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, item := range b.items {
		if now.Sub(item.InsertedAt) > b.ttl {
			delete(b.items, id)
			removed++
		}
	}
	return removed
}

// RunCleaner expires items periodically until ctx is cancelled.
func (b *WorkingBuffer) RunCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}
