package knowledge

import (
	"context"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mimo/internal/gateway"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewGraph(db)
}

func teach(t *testing.T, g *Graph, s, p, o string) {
	t.Helper()
	require.NoError(t, g.Teach(context.Background(), Triple{Subject: s, Predicate: p, Object: o}))
}

func TestTeachAndQuery(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.Teach(ctx, Triple{
		Subject: "redis", Predicate: "used_by", Object: "session-service",
		Confidence: 0.9, Source: "onboarding",
	}))

	triples, err := g.Query(ctx, Pattern{Subject: "redis"})
	require.NoError(t, err)
	require.Len(t, triples, 1)
	assert.Equal(t, "used_by", triples[0].Predicate)
	assert.Equal(t, 0.9, triples[0].Confidence)
	assert.Equal(t, "onboarding", triples[0].Source)
	assert.False(t, triples[0].CreatedAt.IsZero())

	n, err := g.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTeachDefaultsAndValidation(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.Teach(ctx, Triple{Subject: "a", Predicate: "p", Object: "b"}))
	triples, err := g.Query(ctx, Pattern{Subject: "a"})
	require.NoError(t, err)
	require.Len(t, triples, 1)
	assert.Equal(t, 1.0, triples[0].Confidence)

	err = g.Teach(ctx, Triple{Subject: " ", Predicate: "p", Object: "b"})
	assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err))

	err = g.Teach(ctx, Triple{Subject: "a", Predicate: "p", Object: "b", Confidence: 1.5})
	assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err))
}

func TestTeachIsUpsert(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.Teach(ctx, Triple{Subject: "a", Predicate: "p", Object: "b", Confidence: 0.5}))
	require.NoError(t, g.Teach(ctx, Triple{Subject: "a", Predicate: "p", Object: "b", Confidence: 0.8}))

	triples, err := g.Query(ctx, Pattern{Subject: "a"})
	require.NoError(t, err)
	require.Len(t, triples, 1)
	assert.Equal(t, 0.8, triples[0].Confidence)
}

func TestQueryPatterns(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	teach(t, g, "redis", "used_by", "sessions")
	teach(t, g, "redis", "deployed_in", "eu-west-1")
	teach(t, g, "postgres", "used_by", "billing")

	all, err := g.Query(ctx, Pattern{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	bySubject, err := g.Query(ctx, Pattern{Subject: "redis"})
	require.NoError(t, err)
	assert.Len(t, bySubject, 2)

	byBoth, err := g.Query(ctx, Pattern{Subject: "redis", Predicate: "used_by"})
	require.NoError(t, err)
	require.Len(t, byBoth, 1)
	assert.Equal(t, "sessions", byBoth[0].Object)

	byObject, err := g.Query(ctx, Pattern{Object: "billing"})
	require.NoError(t, err)
	require.Len(t, byObject, 1)
	assert.Equal(t, "postgres", byObject[0].Subject)

	none, err := g.Query(ctx, Pattern{Subject: "redis", Object: "billing"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueryTermsWithSlashes(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	teach(t, g, "svc/api", "calls", "svc/db")
	teach(t, g, "svc/api2", "calls", "svc/cache")

	triples, err := g.Query(ctx, Pattern{Subject: "svc/api"})
	require.NoError(t, err)
	require.Len(t, triples, 1)
	assert.Equal(t, "svc/db", triples[0].Object)
}

func TestForget(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	teach(t, g, "a", "p", "b")

	require.NoError(t, g.Forget(ctx, "a", "p", "b"))
	n, err := g.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// The reverse index row went with it.
	byObject, err := g.Query(ctx, Pattern{Object: "b"})
	require.NoError(t, err)
	assert.Empty(t, byObject)

	err = g.Forget(ctx, "a", "p", "b")
	assert.Equal(t, gateway.KindNotFound, gateway.KindOf(err))
}

func TestTraverseBothDirectionsBounded(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	// upstream -> hub -> leaf -> beyond, plus an unrelated island.
	teach(t, g, "upstream", "feeds", "hub")
	teach(t, g, "hub", "feeds", "leaf")
	teach(t, g, "leaf", "feeds", "beyond")
	teach(t, g, "island", "floats", "alone")

	edges, err := g.Traverse(ctx, "hub", 1)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, 1, e.Depth)
		switch e.Subject {
		case "hub":
			assert.False(t, e.Incoming)
			assert.Equal(t, "leaf", e.Object)
		case "upstream":
			assert.True(t, e.Incoming)
		default:
			t.Fatalf("unexpected edge %+v", e)
		}
	}

	// Depth 2 reaches leaf->beyond; each triple is reported once, at the
	// depth it was first seen, and the island stays unreachable.
	edges, err = g.Traverse(ctx, "hub", 2)
	require.NoError(t, err)
	assert.Len(t, edges, 3)
	var depths []int
	for _, e := range edges {
		depths = append(depths, e.Depth)
	}
	assert.ElementsMatch(t, []int{1, 1, 2}, depths)

	_, err = g.Traverse(ctx, "  ", 2)
	assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err))
}

func TestTraverseHandlesCycles(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	teach(t, g, "a", "next", "b")
	teach(t, g, "b", "next", "a")

	edges, err := g.Traverse(ctx, "a", 5)
	require.NoError(t, err)
	// Two distinct triples; the cycle does not loop forever.
	assert.Len(t, edges, 2)
}
