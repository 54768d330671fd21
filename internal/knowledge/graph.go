// Package knowledge implements the triple-store collaborator: a directed,
// labelled multigraph of (subject, predicate, object) rows with bounded
// traversal. It shares the gateway's single logical database.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"mimo/internal/gateway"
)

// Key layout: forward index trp/s/<subject>\x1f<predicate>\x1f<object>,
// reverse index trp/o/<object>\x1f<predicate>\x1f<subject>. The unit
// separator keeps slashes in terms from corrupting prefixes.
const sep = "\x1f"

var (
	prefixForward = []byte("trp/s/")
	prefixReverse = []byte("trp/o/")
)

// Triple is one edge in the knowledge graph.
type Triple struct {
	Subject    string    `json:"subject"`
	Predicate  string    `json:"predicate"`
	Object     string    `json:"object"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (t *Triple) validate() error {
	if strings.TrimSpace(t.Subject) == "" || strings.TrimSpace(t.Predicate) == "" || strings.TrimSpace(t.Object) == "" {
		return gateway.Errorf(gateway.KindInvalidArguments, "subject, predicate, and object are required")
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return gateway.Errorf(gateway.KindInvalidArguments, "confidence %v outside [0,1]", t.Confidence)
	}
	return nil
}

// Graph is the badger-backed triple store.
type Graph struct {
	db *badger.DB
}

// NewGraph wraps the shared database.
func NewGraph(db *badger.DB) *Graph {
	return &Graph{db: db}
}

func forwardKey(s, p, o string) []byte {
	return []byte(string(prefixForward) + s + sep + p + sep + o)
}

func reverseKey(s, p, o string) []byte {
	return []byte(string(prefixReverse) + o + sep + p + sep + s)
}

// Teach inserts or refreshes a triple. Re-teaching an existing edge updates
// its confidence and source.
func (g *Graph) Teach(_ context.Context, t Triple) error {
	if t.Confidence == 0 {
		t.Confidence = 1
	}
	if err := t.validate(); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	row, err := json.Marshal(&t)
	if err != nil {
		return err
	}
	return g.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(forwardKey(t.Subject, t.Predicate, t.Object), row); err != nil {
			return err
		}
		return txn.Set(reverseKey(t.Subject, t.Predicate, t.Object), nil)
	})
}

// Forget removes a triple. Missing edges are reported as not_found.
func (g *Graph) Forget(_ context.Context, subject, predicate, object string) error {
	return g.db.Update(func(txn *badger.Txn) error {
		key := forwardKey(subject, predicate, object)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return gateway.Errorf(gateway.KindNotFound, "triple (%s, %s, %s) not found", subject, predicate, object)
		} else if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(reverseKey(subject, predicate, object))
	})
}

// Pattern matches triples; empty fields are wildcards. Matching on subject
// uses the forward index, matching on object alone the reverse index.
type Pattern struct {
	Subject   string
	Predicate string
	Object    string
}

// Query returns triples matching the pattern.
func (g *Graph) Query(_ context.Context, p Pattern) ([]Triple, error) {
	var out []Triple
	err := g.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions

		prefix := prefixForward
		if p.Subject != "" {
			prefix = []byte(string(prefixForward) + p.Subject + sep)
			if p.Predicate != "" {
				prefix = []byte(string(prefixForward) + p.Subject + sep + p.Predicate + sep)
			}
		}
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var t Triple
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &t) }); err != nil {
				return err
			}
			if p.Predicate != "" && t.Predicate != p.Predicate {
				continue
			}
			if p.Object != "" && t.Object != p.Object {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// Edge annotates a traversal step with its distance from the start term.
type Edge struct {
	Triple
	Depth    int  `json:"depth"`
	Incoming bool `json:"incoming"`
}

// Traverse walks the graph breadth-first from start, following edges in both
// directions, bounded by maxDepth.
func (g *Graph) Traverse(ctx context.Context, start string, maxDepth int) ([]Edge, error) {
	if strings.TrimSpace(start) == "" {
		return nil, gateway.Errorf(gateway.KindInvalidArguments, "start term is required")
	}
	if maxDepth <= 0 {
		maxDepth = 2
	}

	type frontier struct {
		term  string
		depth int
	}
	visited := map[string]bool{start: true}
	emitted := map[string]bool{}
	queue := []frontier{{term: start, depth: 0}}
	var edges []Edge

	edgeKey := func(t Triple) string { return t.Subject + sep + t.Predicate + sep + t.Object }

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, gateway.Wrap(gateway.KindTimeout, err)
		}
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}

		outgoing, err := g.Query(ctx, Pattern{Subject: cur.term})
		if err != nil {
			return nil, err
		}
		for _, t := range outgoing {
			if !emitted[edgeKey(t)] {
				emitted[edgeKey(t)] = true
				edges = append(edges, Edge{Triple: t, Depth: cur.depth + 1})
			}
			if !visited[t.Object] {
				visited[t.Object] = true
				queue = append(queue, frontier{term: t.Object, depth: cur.depth + 1})
			}
		}

		incoming, err := g.incoming(cur.term)
		if err != nil {
			return nil, err
		}
		for _, t := range incoming {
			if !emitted[edgeKey(t)] {
				emitted[edgeKey(t)] = true
				edges = append(edges, Edge{Triple: t, Depth: cur.depth + 1, Incoming: true})
			}
			if !visited[t.Subject] {
				visited[t.Subject] = true
				queue = append(queue, frontier{term: t.Subject, depth: cur.depth + 1})
			}
		}
	}
	return edges, nil
}

// incoming resolves reverse-index hits back through the forward index.
func (g *Graph) incoming(object string) ([]Triple, error) {
	var keys [][3]string
	err := g.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(string(prefixReverse) + object + sep)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), string(prefixReverse))
			parts := strings.SplitN(rest, sep, 3)
			if len(parts) != 3 {
				continue
			}
			// reverse layout: object, predicate, subject
			keys = append(keys, [3]string{parts[2], parts[1], parts[0]})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Triple, 0, len(keys))
	err = g.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			item, err := txn.Get(forwardKey(k[0], k[1], k[2]))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var t Triple
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &t) }); err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// Count reports the number of stored triples.
func (g *Graph) Count(_ context.Context) (int64, error) {
	var n int64
	err := g.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixForward
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
