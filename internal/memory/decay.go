package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"mimo/internal/logging"
)

// Decay parameters. The half-life table is fixed: importance 1.0 decays with
// a half-life of ~693 active days, importance 0.3 with ~3.5 active days.
// Interpolating log-linearly between those anchors gives the exponent below.
const (
	halfLifeAtFullImportance = 693.0
	halfLifeExponent         = 4.392
	// DefaultPruneThreshold prunes memories whose decay score falls below it.
	DefaultPruneThreshold = 0.05
)

func halfLifeDays(importance float64) float64 {
	if importance <= 0 {
		importance = 0.01
	}
	return halfLifeAtFullImportance * math.Pow(importance, halfLifeExponent)
}

// DecayScore computes the retention score for one engram:
//
//	d = importance * exp(-lambda * activeAgeDays) * (1 + log(1+access)*0.1)
//
// where lambda follows the half-life table and is multiplied by the
// per-memory decay rate.
func DecayScore(e *Engram, clock *ActiveDayClock) float64 {
	age := 0.0
	if clock != nil {
		age = clock.AgeDays(e.LastAccessedAt)
	}
	rate := e.DecayRate
	if rate <= 0 {
		rate = 1
	}
	lambda := math.Ln2 / halfLifeDays(e.Importance) * rate
	return e.Importance * math.Exp(-lambda*age) * (1 + PopularityScore(e.AccessCount))
}

// Reaper runs the periodic decay pass and enforces the hard memory cap.
type Reaper struct {
	store          *Store
	ann            *ANNIndex
	clock          *ActiveDayClock
	pruneThreshold float64
	cap            int
	logger         logging.Logger
}

// NewReaper wires the decay loop.
func NewReaper(store *Store, ann *ANNIndex, clock *ActiveDayClock, pruneThreshold float64, memoryCap int) *Reaper {
	if pruneThreshold <= 0 {
		pruneThreshold = DefaultPruneThreshold
	}
	return &Reaper{
		store:          store,
		ann:            ann,
		clock:          clock,
		pruneThreshold: pruneThreshold,
		cap:            memoryCap,
		logger:         logging.NewComponentLogger("Reaper"),
	}
}

// Run executes a decay pass on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := r.Pass(ctx)
			if err != nil {
				r.logger.Error("decay pass failed: %v", err)
				continue
			}
			if pruned > 0 {
				r.logger.Info("decay pass pruned %d memories", pruned)
			}
		}
	}
}

// Pass prunes low-scoring unprotected memories, then enforces the hard cap.
func (r *Reaper) Pass(ctx context.Context) (int, error) {
	var doomed []string
	err := r.store.Stream(ctx, StreamFilter{}, 0, func(e *Engram) error {
		if e.Protected {
			return nil
		}
		if DecayScore(e, r.clock) < r.pruneThreshold {
			doomed = append(doomed, e.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	pruned := r.deleteAll(ctx, doomed)

	over, err := r.EnforceCap(ctx, 0)
	if err != nil {
		return pruned, err
	}

	trimmed, err := r.trimHistory(ctx)
	if err != nil {
		return pruned + over, err
	}
	return pruned + over + trimmed, nil
}

// trimHistory bounds total on-disk rows, superseded history included, by the
// same cap. The cap on active rows is EnforceCap's job; this drops the oldest
// superseded rows once chains push the total past the limit.
func (r *Reaper) trimHistory(ctx context.Context) (int, error) {
	if r.cap <= 0 {
		return 0, nil
	}
	excess := int(r.store.Total()) - r.cap
	if excess <= 0 {
		return 0, nil
	}

	type row struct {
		id      string
		created time.Time
	}
	var history []row
	err := r.store.Stream(ctx, StreamFilter{IncludeSuperseded: true}, 0, func(e *Engram) error {
		if e.SupersededBy == "" {
			return nil
		}
		history = append(history, row{id: e.ID, created: e.CreatedAt})
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].created.Before(history[j].created)
	})
	if len(history) > excess {
		history = history[:excess]
	}
	ids := make([]string, len(history))
	for i, h := range history {
		ids[i] = h.id
	}
	return r.deleteAll(ctx, ids), nil
}

// EnforceCap prunes the lowest-importance, oldest unprotected rows until the
// count fits under the cap minus headroom. headroom=1 makes room for an
// imminent insert.
func (r *Reaper) EnforceCap(ctx context.Context, headroom int) (int, error) {
	if r.cap <= 0 {
		return 0, nil
	}
	excess := int(r.store.Count()) + headroom - r.cap
	if excess <= 0 {
		return 0, nil
	}

	type victim struct {
		id         string
		importance float64
		created    time.Time
	}
	var victims []victim
	err := r.store.Stream(ctx, StreamFilter{}, 0, func(e *Engram) error {
		if e.Protected {
			return nil
		}
		victims = append(victims, victim{id: e.ID, importance: e.Importance, created: e.CreatedAt})
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].importance != victims[j].importance {
			return victims[i].importance < victims[j].importance
		}
		return victims[i].created.Before(victims[j].created)
	})
	if len(victims) > excess {
		victims = victims[:excess]
	}
	ids := make([]string, len(victims))
	for i, v := range victims {
		ids[i] = v.id
	}
	return r.deleteAll(ctx, ids), nil
}

func (r *Reaper) deleteAll(ctx context.Context, ids []string) int {
	deleted := 0
	for _, id := range ids {
		if err := r.store.Delete(id); err != nil {
			r.logger.Warn("prune %s failed: %v", id, err)
			continue
		}
		if r.ann != nil {
			_ = r.ann.Remove(ctx, id)
		}
		deleted++
	}
	return deleted
}
