package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mimo/internal/gateway"
)

func noopHandler(context.Context, gateway.ToolCall) (*gateway.ToolResult, error) {
	return &gateway.ToolResult{}, nil
}

func desc(name string) gateway.ToolDescriptor {
	return gateway.ToolDescriptor{
		Name:        name,
		Description: name + " tool",
		Schema:      json.RawMessage(`{"type":"object"}`),
	}
}

func TestRegisterInternalAndLookup(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.RegisterInternal(desc("memory"), noopHandler))

	res, err := r.Lookup("memory")
	require.NoError(t, err)
	assert.Equal(t, OwnerInternal, res.Owner)
	assert.NotNil(t, res.Handler)
	assert.Empty(t, res.Alias)

	_, err = r.Lookup("nonexistent")
	assert.Equal(t, gateway.KindUnknownTool, gateway.KindOf(err))
}

func TestRegisterInternalValidation(t *testing.T) {
	r := New(nil)
	err := r.RegisterInternal(desc(""), noopHandler)
	assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err))

	err = r.RegisterInternal(desc("memory"), nil)
	assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err))
}

func TestRegisterConflicts(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.RegisterInternal(desc("memory"), noopHandler))

	err := r.RegisterInternal(desc("memory"), noopHandler)
	assert.Equal(t, gateway.KindConflict, gateway.KindOf(err))

	err = r.RegisterSkillTools("sk1", []gateway.ToolDescriptor{desc("memory")})
	assert.Equal(t, gateway.KindConflict, gateway.KindOf(err))

	// A skill batch is all-or-nothing: the fresh name must not register when
	// a later name in the batch conflicts.
	err = r.RegisterSkillTools("sk1", []gateway.ToolDescriptor{desc("fresh"), desc("memory")})
	assert.Equal(t, gateway.KindConflict, gateway.KindOf(err))
	_, err = r.Lookup("fresh")
	assert.Equal(t, gateway.KindUnknownTool, gateway.KindOf(err))
}

func TestRegisterSkillToolsIdempotent(t *testing.T) {
	r := New(nil)
	batch := []gateway.ToolDescriptor{desc("pdf/extract"), desc("pdf/merge")}
	require.NoError(t, r.RegisterSkillTools("pdf", batch))
	require.NoError(t, r.RegisterSkillTools("pdf", batch))

	res, err := r.Lookup("pdf/extract")
	require.NoError(t, err)
	assert.Equal(t, OwnerSkillLazy, res.Owner)
	assert.Equal(t, "pdf", res.SkillID)

	// Another skill claiming the same name is still a conflict.
	err = r.RegisterSkillTools("pdf2", []gateway.ToolDescriptor{desc("pdf/extract")})
	assert.Equal(t, gateway.KindConflict, gateway.KindOf(err))
}

func TestDeprecatedAliasResolvesAndHides(t *testing.T) {
	r := New(nil)
	d := desc("web")
	d.DeprecatedAlias = "fetch"
	require.NoError(t, r.RegisterInternal(d, noopHandler))

	res, err := r.Lookup("fetch")
	require.NoError(t, err)
	assert.Equal(t, "web", res.Descriptor.Name)
	assert.Equal(t, "fetch", res.Alias)

	// Aliases stay out of the default listing.
	names := func(listings []Listing) []string {
		var out []string
		for _, l := range listings {
			out = append(out, l.Descriptor.Name)
		}
		return out
	}
	assert.Equal(t, []string{"web"}, names(r.List(false)))

	full := r.List(true)
	require.Len(t, full, 2)
	assert.Equal(t, "fetch", full[0].Descriptor.Name)
	assert.True(t, full[0].Deprecated)
	assert.Contains(t, full[0].Descriptor.Description, "Deprecated alias of web")

	// A new tool may not claim a name already serving as an alias.
	err = r.RegisterInternal(desc("fetch"), noopHandler)
	assert.Equal(t, gateway.KindConflict, gateway.KindOf(err))
}

func TestUnregisterSkillDropsToolsAndAliases(t *testing.T) {
	r := New(nil)
	d := desc("imaging/resize")
	d.DeprecatedAlias = "resize"
	require.NoError(t, r.RegisterSkillTools("imaging", []gateway.ToolDescriptor{d}))

	r.UnregisterSkill("imaging")
	_, err := r.Lookup("imaging/resize")
	assert.Equal(t, gateway.KindUnknownTool, gateway.KindOf(err))
	_, err = r.Lookup("resize")
	assert.Equal(t, gateway.KindUnknownTool, gateway.KindOf(err))
}

func TestReloadSkillsSwapsCatalog(t *testing.T) {
	r := New(nil)
	webDesc := desc("web")
	webDesc.DeprecatedAlias = "fetch"
	require.NoError(t, r.RegisterInternal(webDesc, noopHandler))
	require.NoError(t, r.RegisterSkillTools("old", []gateway.ToolDescriptor{desc("old/tool")}))

	err := r.ReloadSkills([]gateway.SkillConfig{
		{ID: "new", Tools: []gateway.ToolDescriptor{desc("new/tool")}},
	})
	require.NoError(t, err)

	_, err = r.Lookup("old/tool")
	assert.Equal(t, gateway.KindUnknownTool, gateway.KindOf(err))
	res, err := r.Lookup("new/tool")
	require.NoError(t, err)
	assert.Equal(t, "new", res.SkillID)

	// Internal tools and their aliases survive the swap.
	res, err = r.Lookup("fetch")
	require.NoError(t, err)
	assert.Equal(t, "web", res.Descriptor.Name)

	internal, skill := r.Count()
	assert.Equal(t, 1, internal)
	assert.Equal(t, 1, skill)
}

func TestReloadSkillsRejectsCollisions(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.RegisterInternal(desc("memory"), noopHandler))

	err := r.ReloadSkills([]gateway.SkillConfig{
		{ID: "rogue", Tools: []gateway.ToolDescriptor{desc("memory")}},
	})
	assert.Equal(t, gateway.KindConflict, gateway.KindOf(err))

	err = r.ReloadSkills([]gateway.SkillConfig{
		{ID: "a", Tools: []gateway.ToolDescriptor{desc("dup")}},
		{ID: "b", Tools: []gateway.ToolDescriptor{desc("dup")}},
	})
	assert.Equal(t, gateway.KindConflict, gateway.KindOf(err))
}

func TestListSortedByName(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.RegisterInternal(desc("zeta"), noopHandler))
	require.NoError(t, r.RegisterInternal(desc("alpha"), noopHandler))
	require.NoError(t, r.RegisterSkillTools("sk", []gateway.ToolDescriptor{desc("mid")}))

	listings := r.List(false)
	require.Len(t, listings, 3)
	assert.Equal(t, "alpha", listings[0].Descriptor.Name)
	assert.Equal(t, "mid", listings[1].Descriptor.Name)
	assert.Equal(t, "zeta", listings[2].Descriptor.Name)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("tool%02d", i)
			if err := r.RegisterInternal(desc(name), noopHandler); err != nil {
				t.Errorf("register %s: %v", name, err)
				return
			}
			for j := 0; j < 50; j++ {
				if _, err := r.Lookup(name); err != nil {
					t.Errorf("lookup %s: %v", name, err)
					return
				}
				r.List(true)
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.List(false), 16)
}
