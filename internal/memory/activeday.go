package memory

import (
	"sort"
	"sync"
	"time"
)

// ActiveDayClock measures age in active days: wall-clock days on which the
// system observed at least one tool call. Decay and recency scoring consult
// this clock so idle weekends do not erode memories.
type ActiveDayClock struct {
	mu      sync.RWMutex
	days    map[string]struct{}
	sorted  []string // cache of sorted day keys, rebuilt on mutation
	dirty   bool
	now     func() time.Time
	persist func(days []string)
}

const dayLayout = "2006-01-02"

// NewActiveDayClock restores a clock from previously persisted day keys.
// persist, when non-nil, is invoked with the full day set after each new day
// is observed.
func NewActiveDayClock(restored []string, persist func(days []string)) *ActiveDayClock {
	c := &ActiveDayClock{
		days:    make(map[string]struct{}, len(restored)),
		now:     time.Now,
		persist: persist,
		dirty:   true,
	}
	for _, d := range restored {
		c.days[d] = struct{}{}
	}
	return c
}

// MarkActive records "today" as an active day. Called on every dispatched
// tool call; the fast path is a read-lock map hit.
func (c *ActiveDayClock) MarkActive() {
	key := c.now().UTC().Format(dayLayout)

	c.mu.RLock()
	_, seen := c.days[key]
	c.mu.RUnlock()
	if seen {
		return
	}

	c.mu.Lock()
	if _, seen := c.days[key]; seen {
		c.mu.Unlock()
		return
	}
	c.days[key] = struct{}{}
	c.dirty = true
	snapshot := c.snapshotLocked()
	persist := c.persist
	c.mu.Unlock()

	if persist != nil {
		persist(snapshot)
	}
}

func (c *ActiveDayClock) snapshotLocked() []string {
	if c.dirty {
		c.sorted = make([]string, 0, len(c.days))
		for d := range c.days {
			c.sorted = append(c.sorted, d)
		}
		sort.Strings(c.sorted)
		c.dirty = false
	}
	out := make([]string, len(c.sorted))
	copy(out, c.sorted)
	return out
}

// Days returns the sorted active day keys.
func (c *ActiveDayClock) Days() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// AgeDays counts active days that have elapsed since t. A timestamp from
// earlier today yields zero.
func (c *ActiveDayClock) AgeDays(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	key := t.UTC().Format(dayLayout)

	c.mu.Lock()
	days := c.snapshotLocked()
	c.mu.Unlock()

	idx := sort.SearchStrings(days, key)
	// Count active days strictly after the day of t.
	after := len(days) - idx
	if idx < len(days) && days[idx] == key {
		after--
	}
	if after < 0 {
		after = 0
	}
	return float64(after)
}
