package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"mimo/internal/gateway"
	"mimo/internal/logging"
)

// Badger key prefixes. Engram rows live under eng/, with a parallel act/
// marker for rows visible to default searches (not superseded, not deleted).
var (
	prefixEngram = []byte("eng/")
	prefixActive = []byte("act/")
	keyActiveDay = []byte("meta/activedays")
	keySchema    = []byte("meta/schema")
)

const schemaVersion = 1

// Store is the persistent long-term engram store. Writes run inside badger
// ACID transactions; readers get snapshot isolation, so no search observes a
// half-applied supersession.
type Store struct {
	db     *badger.DB
	logger logging.Logger
	count  atomic.Int64 // active (default-visible) engrams
	total  atomic.Int64 // all engrams including superseded
}

// OpenStore opens (or creates) the store at path. An empty path opens an
// in-memory store for tests.
func OpenStore(path string) (*Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, logger: logging.NewComponentLogger("MemoryStore")}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if err := s.ensureSchema(); err != nil {
		return err
	}
	// Rebuild counters from the key space; key-only iteration is cheap.
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		opts.Prefix = prefixEngram
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			s.total.Add(1)
		}
		it.Close()

		opts.Prefix = prefixActive
		it = txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			s.count.Add(1)
		}
		it.Close()
		return nil
	})
}

func (s *Store) ensureSchema() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keySchema)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(keySchema, []byte{schemaVersion})
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 1 && val[0] == schemaVersion {
				return nil
			}
			// Unknown schema is unrecoverable corruption at startup.
			return gateway.Errorf(gateway.KindInternal, "unsupported memory schema version %v", val)
		})
	})
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the shared database handle. Engrams, triples, skill usage, and
// emergence patterns live in one logical database.
func (s *Store) DB() *badger.DB { return s.db }

func engramKey(id string) []byte { return append(append([]byte{}, prefixEngram...), id...) }
func activeKey(id string) []byte { return append(append([]byte{}, prefixActive...), id...) }

// Insert persists a validated engram in one transaction.
func (s *Store) Insert(e *Engram) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		return gateway.Errorf(gateway.KindInternal, "insert without id")
	}
	row, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(engramKey(e.ID)); err == nil {
			return gateway.Errorf(gateway.KindConflict, "engram %s already exists", e.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(engramKey(e.ID), row); err != nil {
			return err
		}
		if !e.Superseded() {
			return txn.Set(activeKey(e.ID), nil)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.total.Add(1)
	if !e.Superseded() {
		s.count.Add(1)
	}
	return nil
}

// InsertBatch persists up to a consolidation batch of engrams in one
// transaction: the whole batch commits or none of it does.
func (s *Store) InsertBatch(engrams []*Engram) error {
	if len(engrams) == 0 {
		return nil
	}
	for _, e := range engrams {
		if err := e.Validate(); err != nil {
			return err
		}
		if e.ID == "" {
			return gateway.Errorf(gateway.KindInternal, "insert without id")
		}
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, e := range engrams {
			row, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := txn.Set(engramKey(e.ID), row); err != nil {
				return err
			}
			if !e.Superseded() {
				if err := txn.Set(activeKey(e.ID), nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range engrams {
		s.total.Add(1)
		if !e.Superseded() {
			s.count.Add(1)
		}
	}
	return nil
}

// Get loads one engram by id.
func (s *Store) Get(id string) (*Engram, error) {
	var e Engram
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(engramKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return gateway.Errorf(gateway.KindNotFound, "engram %s not found", id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// update rewrites an engram row inside fn's transaction-level read-modify-write.
func (s *Store) update(id string, fn func(*Engram) error) (*Engram, error) {
	var updated Engram
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(engramKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return gateway.Errorf(gateway.KindNotFound, "engram %s not found", id)
		}
		if err != nil {
			return err
		}
		var e Engram
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
		row, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		updated = e
		return txn.Set(engramKey(id), row)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// UpdateAccess bumps access_count and refreshes last_accessed_at atomically.
// access_count never decreases; last_accessed_at is monotonic.
func (s *Store) UpdateAccess(id string, now time.Time) error {
	_, err := s.update(id, func(e *Engram) error {
		e.AccessCount++
		if now.After(e.LastAccessedAt) {
			e.LastAccessedAt = now
		}
		return nil
	})
	return err
}

// Mutate applies fn to an engram under the store's write transaction,
// re-checking invariants before persisting.
func (s *Store) Mutate(id string, fn func(*Engram) error) (*Engram, error) {
	return s.update(id, func(e *Engram) error {
		prevAccess := e.AccessCount
		if err := fn(e); err != nil {
			return err
		}
		if e.AccessCount < prevAccess {
			return gateway.Errorf(gateway.KindInvalidArguments, "access_count may not decrease")
		}
		return e.Validate()
	})
}

// Supersede links old -> new and removes old from default-search visibility
// in a single transaction.
func (s *Store) Supersede(oldID, newID string, kind SupersedeKind) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		oldItem, err := txn.Get(engramKey(oldID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return gateway.Errorf(gateway.KindNotFound, "engram %s not found", oldID)
		}
		if err != nil {
			return err
		}
		newItem, err := txn.Get(engramKey(newID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return gateway.Errorf(gateway.KindNotFound, "engram %s not found", newID)
		}
		if err != nil {
			return err
		}

		var oldE, newE Engram
		if err := oldItem.Value(func(val []byte) error { return json.Unmarshal(val, &oldE) }); err != nil {
			return err
		}
		if err := newItem.Value(func(val []byte) error { return json.Unmarshal(val, &newE) }); err != nil {
			return err
		}
		if oldE.Superseded() {
			return gateway.Errorf(gateway.KindConflict, "engram %s already superseded by %s", oldID, oldE.SupersededBy)
		}

		oldE.SupersededBy = newID
		oldE.SupersedeKind = kind
		newE.Supersedes = oldID
		newE.SupersedeKind = kind

		oldRow, err := json.Marshal(&oldE)
		if err != nil {
			return err
		}
		newRow, err := json.Marshal(&newE)
		if err != nil {
			return err
		}
		if err := txn.Set(engramKey(oldID), oldRow); err != nil {
			return err
		}
		if err := txn.Set(engramKey(newID), newRow); err != nil {
			return err
		}
		return txn.Delete(activeKey(oldID))
	})
	if err != nil {
		return err
	}
	s.count.Add(-1)
	return nil
}

// Delete removes an engram permanently.
func (s *Store) Delete(id string) error {
	var wasActive bool
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(engramKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return gateway.Errorf(gateway.KindNotFound, "engram %s not found", id)
		} else if err != nil {
			return err
		}
		if _, err := txn.Get(activeKey(id)); err == nil {
			wasActive = true
		}
		if err := txn.Delete(engramKey(id)); err != nil {
			return err
		}
		return txn.Delete(activeKey(id))
	})
	if err != nil {
		return err
	}
	s.total.Add(-1)
	if wasActive {
		s.count.Add(-1)
	}
	return nil
}

// StreamFilter narrows a Stream pass.
type StreamFilter struct {
	// IncludeSuperseded also yields rows hidden from default searches.
	IncludeSuperseded bool
	// Category, when non-empty, restricts rows to one category.
	Category Category
}

// Stream walks engrams in bounded batches, calling fn per row. Callers must
// not retain the *Engram beyond fn. Returning an error from fn stops the walk.
var errStopStream = errors.New("stop stream")

// ErrStopStream lets fn terminate a Stream early without error.
var ErrStopStream = errStopStream

func (s *Store) Stream(ctx context.Context, filter StreamFilter, batchSize int, fn func(*Engram) error) error {
	if batchSize <= 0 {
		batchSize = 256
	}
	resume := []byte(nil)
	for {
		batch := make([]*Engram, 0, batchSize)
		var last []byte
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefixEngram
			it := txn.NewIterator(opts)
			defer it.Close()

			start := prefixEngram
			if resume != nil {
				start = resume
			}
			for it.Seek(start); it.Valid() && len(batch) < batchSize; it.Next() {
				item := it.Item()
				if resume != nil && bytes.Equal(item.Key(), resume) {
					continue
				}
				var e Engram
				if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
					return err
				}
				last = item.KeyCopy(nil)
				if !filter.IncludeSuperseded && e.Superseded() {
					continue
				}
				if filter.Category != "" && e.Category != filter.Category {
					continue
				}
				batch = append(batch, &e)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := ctx.Err(); err != nil {
				return gateway.Wrap(gateway.KindTimeout, err)
			}
			if err := fn(e); err != nil {
				if errors.Is(err, errStopStream) {
					return nil
				}
				return err
			}
		}
		if last == nil {
			return nil
		}
		resume = last
	}
}

// Count reports default-visible engrams.
func (s *Store) Count() int64 { return s.count.Load() }

// Total reports all engrams including superseded history.
func (s *Store) Total() int64 { return s.total.Load() }

// LoadActiveDays restores the persisted active-day set.
func (s *Store) LoadActiveDays() ([]string, error) {
	var days []string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyActiveDay)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &days)
		})
	})
	return days, err
}

// SaveActiveDays persists the active-day set.
func (s *Store) SaveActiveDays(days []string) error {
	payload, err := json.Marshal(days)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyActiveDay, payload)
	})
}
