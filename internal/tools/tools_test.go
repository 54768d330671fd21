package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mimo/internal/gateway"
	"mimo/internal/knowledge"
	"mimo/internal/memory"
	"mimo/internal/registry"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()

	store, err := memory.OpenStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	embedder := memory.NewHashEmbedder(64)
	svc := memory.NewService(memory.ServiceDeps{
		Store:    store,
		Working:  memory.NewWorkingBuffer(0),
		Searcher: memory.NewSearcher(store, embedder, nil),
		Embedder: embedder,
		Clock:    memory.NewActiveDayClock(nil, nil),
	})

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return Deps{
		Memory:        svc,
		Graph:         knowledge.NewGraph(db),
		SandboxRoot:   t.TempDir(),
		TerminalAllow: []string{"echo", "true", "false"},
	}
}

func callTool(t *testing.T, tl *tool, args map[string]any) (any, error) {
	t.Helper()
	return callToolCtx(t, context.Background(), tl, args)
}

func callToolCtx(t *testing.T, ctx context.Context, tl *tool, args map[string]any) (any, error) {
	t.Helper()
	result, err := tl.handler(ctx, gateway.ToolCall{ID: "t1", Name: tl.desc.Name, Arguments: args})
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

func sandboxCtx() context.Context {
	return gateway.WithCallContext(context.Background(), gateway.CallContext{Sandbox: true})
}

func TestRegisterAllRegistersFourteenTools(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, RegisterAll(reg, newTestDeps(t)))
	internal, skill := reg.Count()
	assert.Equal(t, 14, internal)
	assert.Equal(t, 0, skill)

	for _, name := range []string{
		"memory", "file", "terminal", "web", "code", "reason", "cognitive",
		"meta", "knowledge", "onboard", "autonomous", "orchestrate",
		"awakening_status", "tool_usage",
	} {
		_, err := reg.Lookup(name)
		assert.NoError(t, err, name)
	}
}

func TestToolOperationDispatch(t *testing.T) {
	tl := memoryTool(newTestDeps(t))

	_, err := callTool(t, tl, map[string]any{})
	assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err))

	_, err = callTool(t, tl, map[string]any{"operation": "levitate"})
	assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err))
}

func TestMemoryToolStoreSearchRoundTrip(t *testing.T) {
	tl := memoryTool(newTestDeps(t))

	data, err := callTool(t, tl, map[string]any{
		"operation":  "store",
		"content":    "staging runs on port 8443",
		"category":   "fact",
		"importance": 0.9,
	})
	require.NoError(t, err)
	stored := data.(*memory.StoreResult)
	require.NotEmpty(t, stored.ID)

	data, err = callTool(t, tl, map[string]any{
		"operation": "search",
		"query":     "staging runs on port 8443",
		"limit":     float64(3),
	})
	require.NoError(t, err)
	rows := data.([]searchRow)
	require.Len(t, rows, 1)
	assert.Equal(t, stored.ID, rows[0].ID)
	assert.Equal(t, "fact", rows[0].Category)
	assert.Equal(t, 0.9, rows[0].Importance)
	assert.InDelta(t, 1.0, rows[0].Similarity, 1e-6)
}

func TestMemoryToolForgetIsIdempotent(t *testing.T) {
	tl := memoryTool(newTestDeps(t))

	data, err := callTool(t, tl, map[string]any{"operation": "store", "content": "ephemeral"})
	require.NoError(t, err)
	id := data.(*memory.StoreResult).ID

	data, err = callTool(t, tl, map[string]any{"operation": "forget", "id": id})
	require.NoError(t, err)
	assert.Equal(t, true, data.(map[string]any)["existed"])

	data, err = callTool(t, tl, map[string]any{"operation": "forget", "id": id})
	require.NoError(t, err)
	assert.Equal(t, false, data.(map[string]any)["existed"])

	// delete, by contrast, reports the missing row.
	_, err = callTool(t, tl, map[string]any{"operation": "delete", "id": id})
	assert.Equal(t, gateway.KindNotFound, gateway.KindOf(err))
}

func TestMemoryToolSandboxGating(t *testing.T) {
	tl := memoryTool(newTestDeps(t))
	ctx := sandboxCtx()

	_, err := callToolCtx(t, ctx, tl, map[string]any{"operation": "store", "content": "nope"})
	assert.Equal(t, gateway.KindToolDisabledInSandbox, gateway.KindOf(err))

	_, err = callToolCtx(t, ctx, tl, map[string]any{"operation": "delete", "id": "x"})
	assert.Equal(t, gateway.KindToolDisabledInSandbox, gateway.KindOf(err))

	// Reads stay available.
	_, err = callToolCtx(t, ctx, tl, map[string]any{"operation": "stats"})
	assert.NoError(t, err)
}

func TestMemoryToolWorkingBuffer(t *testing.T) {
	tl := memoryTool(newTestDeps(t))

	data, err := callTool(t, tl, map[string]any{"operation": "working_store", "content": "scratch note"})
	require.NoError(t, err)
	item := data.(memory.WorkingItem)
	require.NotEmpty(t, item.ID)

	data, err = callTool(t, tl, map[string]any{"operation": "working_get", "id": item.ID})
	require.NoError(t, err)
	assert.Equal(t, "scratch note", data.(memory.WorkingItem).Content)

	_, err = callTool(t, tl, map[string]any{"operation": "working_get", "id": "missing"})
	assert.Equal(t, gateway.KindNotFound, gateway.KindOf(err))
}

func TestFileToolReadWriteList(t *testing.T) {
	deps := newTestDeps(t)
	tl := fileTool(deps)

	data, err := callTool(t, tl, map[string]any{"operation": "write", "path": "notes/a.txt", "content": "hello"})
	require.NoError(t, err)
	assert.Equal(t, 5, data.(map[string]any)["written"])

	data, err = callTool(t, tl, map[string]any{"operation": "read", "path": "notes/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", data.(map[string]any)["content"])

	data, err = callTool(t, tl, map[string]any{"operation": "list", "path": "notes"})
	require.NoError(t, err)
	rows := data.([]map[string]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "a.txt", rows[0]["name"])

	data, err = callTool(t, tl, map[string]any{"operation": "exists", "path": "notes/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, true, data.(map[string]any)["exists"])

	_, err = callTool(t, tl, map[string]any{"operation": "delete", "path": "notes/a.txt"})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(deps.SandboxRoot, "notes/a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileToolReadMissing(t *testing.T) {
	tl := fileTool(newTestDeps(t))
	_, err := callTool(t, tl, map[string]any{"operation": "read", "path": "absent.txt"})
	assert.Equal(t, gateway.KindNotFound, gateway.KindOf(err))
}

func TestResolveSandboxPath(t *testing.T) {
	root := t.TempDir()
	call := func(path string) gateway.ToolCall {
		return gateway.ToolCall{Name: "file", Arguments: map[string]any{"path": path}}
	}

	resolved, err := resolveSandboxPath(root, call("sub/file.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub/file.txt"), resolved)

	// Absolute paths are fine when already inside the root.
	resolved, err = resolveSandboxPath(root, call(filepath.Join(root, "ok.txt")))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "ok.txt"), resolved)

	for _, escape := range []string{"../outside.txt", "sub/../../outside.txt", "/etc/passwd"} {
		_, err = resolveSandboxPath(root, call(escape))
		assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err), escape)
	}

	_, err = resolveSandboxPath(root, call(""))
	assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err))

	_, err = resolveSandboxPath("", call("a.txt"))
	assert.Equal(t, gateway.KindForbidden, gateway.KindOf(err))
}

func TestFileToolSandboxGating(t *testing.T) {
	deps := newTestDeps(t)
	tl := fileTool(deps)
	require.NoError(t, os.WriteFile(filepath.Join(deps.SandboxRoot, "r.txt"), []byte("x"), 0o644))
	ctx := sandboxCtx()

	_, err := callToolCtx(t, ctx, tl, map[string]any{"operation": "write", "path": "w.txt", "content": "x"})
	assert.Equal(t, gateway.KindToolDisabledInSandbox, gateway.KindOf(err))

	_, err = callToolCtx(t, ctx, tl, map[string]any{"operation": "delete", "path": "r.txt"})
	assert.Equal(t, gateway.KindToolDisabledInSandbox, gateway.KindOf(err))

	data, err := callToolCtx(t, ctx, tl, map[string]any{"operation": "read", "path": "r.txt"})
	require.NoError(t, err)
	assert.Equal(t, "x", data.(map[string]any)["content"])
}

func TestTerminalToolRun(t *testing.T) {
	tl := terminalTool(newTestDeps(t))

	data, err := callTool(t, tl, map[string]any{
		"operation": "run",
		"command":   "echo",
		"args":      []any{"hello", "world"},
	})
	require.NoError(t, err)
	out := data.(map[string]any)
	assert.Equal(t, 0, out["exit_code"])
	assert.Equal(t, "hello world\n", out["stdout"])

	data, err = callTool(t, tl, map[string]any{"operation": "run", "command": "false"})
	require.NoError(t, err)
	assert.Equal(t, 1, data.(map[string]any)["exit_code"])
}

func TestTerminalToolWhitelist(t *testing.T) {
	tl := terminalTool(newTestDeps(t))

	_, err := callTool(t, tl, map[string]any{"operation": "run", "command": "rm"})
	assert.Equal(t, gateway.KindForbidden, gateway.KindOf(err))

	// Whitelisting is by basename; a path to a whitelisted binary passes the
	// name check and runs the basename.
	data, err := callTool(t, tl, map[string]any{"operation": "run", "command": "/bin/echo", "args": []any{"ok"}})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", data.(map[string]any)["stdout"])
}

func TestTerminalToolArgScreening(t *testing.T) {
	tl := terminalTool(newTestDeps(t))

	for _, arg := range []string{"a;b", "x|y", "`id`", "$(id)", "..", "a\nb"} {
		_, err := callTool(t, tl, map[string]any{"operation": "run", "command": "echo", "args": []any{arg}})
		assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err), "arg %q", arg)
	}

	_, err := callTool(t, tl, map[string]any{"operation": "run", "command": "echo", "args": []any{1, 2}})
	assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err))
}

func TestTerminalToolSandboxGating(t *testing.T) {
	tl := terminalTool(newTestDeps(t))
	_, err := callToolCtx(t, sandboxCtx(), tl, map[string]any{"operation": "run", "command": "echo"})
	assert.Equal(t, gateway.KindToolDisabledInSandbox, gateway.KindOf(err))
}

func TestKnowledgeToolLifecycle(t *testing.T) {
	tl := knowledgeTool(newTestDeps(t))

	_, err := callTool(t, tl, map[string]any{
		"operation": "teach",
		"subject":   "redis", "predicate": "used_by", "object": "sessions",
		"confidence": 0.9, "source": "runbook",
	})
	require.NoError(t, err)
	_, err = callTool(t, tl, map[string]any{
		"operation": "teach",
		"subject":   "sessions", "predicate": "owned_by", "object": "platform-team",
	})
	require.NoError(t, err)

	data, err := callTool(t, tl, map[string]any{"operation": "query", "subject": "redis"})
	require.NoError(t, err)
	assert.Equal(t, 1, data.(map[string]any)["count"])

	data, err = callTool(t, tl, map[string]any{"operation": "traverse", "start": "redis", "max_depth": float64(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, data.(map[string]any)["count"])

	_, err = callTool(t, tl, map[string]any{"operation": "forget", "subject": "redis", "predicate": "used_by", "object": "sessions"})
	require.NoError(t, err)
	data, err = callTool(t, tl, map[string]any{"operation": "query", "subject": "redis"})
	require.NoError(t, err)
	assert.Equal(t, 0, data.(map[string]any)["count"])
}

func TestKnowledgeToolSandboxGating(t *testing.T) {
	tl := knowledgeTool(newTestDeps(t))
	ctx := sandboxCtx()

	_, err := callToolCtx(t, ctx, tl, map[string]any{
		"operation": "teach", "subject": "a", "predicate": "p", "object": "b",
	})
	assert.Equal(t, gateway.KindToolDisabledInSandbox, gateway.KindOf(err))

	_, err = callToolCtx(t, ctx, tl, map[string]any{"operation": "query"})
	assert.NoError(t, err)
}
