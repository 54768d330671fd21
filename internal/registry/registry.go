// Package registry maintains the tool catalog: internal tools backed by
// in-process handlers and skill tools backed by subprocesses. Ownership is
// liveness-aware; looking a tool up never spawns anything.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mimo/internal/gateway"
	"mimo/internal/logging"
	"mimo/internal/skills"
)

// Owner classifies who serves a tool right now.
type Owner string

const (
	OwnerInternal     Owner = "internal"
	OwnerSkillLazy    Owner = "skill_lazy"
	OwnerSkillRunning Owner = "skill_running"
)

// internalEntry pairs a descriptor with its handler.
type internalEntry struct {
	desc    gateway.ToolDescriptor
	handler gateway.Handler
}

// skillEntry pairs a descriptor with the skill that serves it.
type skillEntry struct {
	desc    gateway.ToolDescriptor
	skillID string
}

// Resolution is the outcome of a lookup.
type Resolution struct {
	Descriptor gateway.ToolDescriptor
	Owner      Owner
	Handler    gateway.Handler // set for internal tools only
	SkillID    string          // set for skill tools only
	Alias      string          // non-empty when resolved through a deprecated alias
}

// Registry is the concurrent tool catalog.
type Registry struct {
	mu       sync.RWMutex
	internal map[string]internalEntry
	skill    map[string]skillEntry
	aliases  map[string]string // deprecated alias -> canonical name

	sup    *skills.Supervisor
	logger logging.Logger
}

// New builds an empty registry. sup may be nil when no skills are configured.
func New(sup *skills.Supervisor) *Registry {
	return &Registry{
		internal: make(map[string]internalEntry),
		skill:    make(map[string]skillEntry),
		aliases:  make(map[string]string),
		sup:      sup,
		logger:   logging.NewComponentLogger("Registry"),
	}
}

// RegisterInternal adds an in-process tool. Names are single-owner: a second
// registration under the same name is a conflict, never a silent overwrite.
func (r *Registry) RegisterInternal(desc gateway.ToolDescriptor, handler gateway.Handler) error {
	if desc.Name == "" {
		return gateway.Errorf(gateway.KindInvalidArguments, "tool name is required")
	}
	if handler == nil {
		return gateway.Errorf(gateway.KindInvalidArguments, "tool %s has no handler", desc.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.nameFree(desc.Name, ""); err != nil {
		return err
	}
	r.internal[desc.Name] = internalEntry{desc: desc, handler: handler}
	if desc.DeprecatedAlias != "" {
		r.aliases[desc.DeprecatedAlias] = desc.Name
	}
	return nil
}

// RegisterSkillTools adds a skill's tools as one atomic batch: either every
// name is free (or already owned by this same skill) and all register, or
// none do. Re-registering the same skill's tools is idempotent.
func (r *Registry) RegisterSkillTools(skillID string, descs []gateway.ToolDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, desc := range descs {
		if desc.Name == "" {
			return gateway.Errorf(gateway.KindInvalidArguments, "skill %s declares a tool without a name", skillID)
		}
		if err := r.nameFree(desc.Name, skillID); err != nil {
			return err
		}
	}
	for _, desc := range descs {
		r.skill[desc.Name] = skillEntry{desc: desc, skillID: skillID}
		if desc.DeprecatedAlias != "" {
			r.aliases[desc.DeprecatedAlias] = desc.Name
		}
	}
	return nil
}

// nameFree checks a candidate name against both maps and the alias table.
// sameSkill permits idempotent re-registration. Callers hold the lock.
func (r *Registry) nameFree(name, sameSkill string) error {
	if _, exists := r.internal[name]; exists {
		return gateway.Errorf(gateway.KindConflict, "tool %q already registered (internal)", name)
	}
	if entry, exists := r.skill[name]; exists && entry.skillID != sameSkill {
		return gateway.Errorf(gateway.KindConflict, "tool %q already registered (skill %s)", name, entry.skillID)
	}
	if canonical, exists := r.aliases[name]; exists && canonical != name {
		return gateway.Errorf(gateway.KindConflict, "tool %q collides with a deprecated alias of %q", name, canonical)
	}
	return nil
}

// UnregisterSkill drops every tool a skill owns.
func (r *Registry) UnregisterSkill(skillID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, entry := range r.skill {
		if entry.skillID != skillID {
			continue
		}
		delete(r.skill, name)
		if entry.desc.DeprecatedAlias != "" {
			delete(r.aliases, entry.desc.DeprecatedAlias)
		}
	}
}

// Lookup resolves a tool name (or deprecated alias) to its current owner.
// Skill tools report skill_running only when the subprocess is actually
// alive; lookup itself never spawns.
func (r *Registry) Lookup(name string) (*Resolution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alias := ""
	if canonical, ok := r.aliases[name]; ok {
		alias = name
		name = canonical
	}

	if entry, ok := r.internal[name]; ok {
		return &Resolution{Descriptor: entry.desc, Owner: OwnerInternal, Handler: entry.handler, Alias: alias}, nil
	}
	if entry, ok := r.skill[name]; ok {
		owner := OwnerSkillLazy
		if r.sup != nil && r.sup.Alive(entry.skillID) {
			owner = OwnerSkillRunning
		}
		return &Resolution{Descriptor: entry.desc, Owner: owner, SkillID: entry.skillID, Alias: alias}, nil
	}
	return nil, gateway.Errorf(gateway.KindUnknownTool, "unknown tool %q", name)
}

// Listing is one catalog row.
type Listing struct {
	Descriptor gateway.ToolDescriptor
	Owner      Owner
	SkillID    string
	Deprecated bool // row is a deprecated alias of another tool
}

// List returns the catalog sorted by name. Deprecated aliases are hidden
// unless includeDeprecated is set.
func (r *Registry) List(includeDeprecated bool) []Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Listing, 0, len(r.internal)+len(r.skill))
	for _, entry := range r.internal {
		out = append(out, Listing{Descriptor: entry.desc, Owner: OwnerInternal})
	}
	for _, entry := range r.skill {
		owner := OwnerSkillLazy
		if r.sup != nil && r.sup.Alive(entry.skillID) {
			owner = OwnerSkillRunning
		}
		out = append(out, Listing{Descriptor: entry.desc, Owner: owner, SkillID: entry.skillID})
	}
	if includeDeprecated {
		for alias, canonical := range r.aliases {
			res, err := r.lookupLocked(canonical)
			if err != nil {
				continue
			}
			desc := res.Descriptor
			desc.Name = alias
			desc.Description = fmt.Sprintf("Deprecated alias of %s. %s", canonical, desc.Description)
			out = append(out, Listing{Descriptor: desc, Owner: res.Owner, SkillID: res.SkillID, Deprecated: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.Name < out[j].Descriptor.Name })
	return out
}

// lookupLocked resolves a canonical name; callers hold at least a read lock.
func (r *Registry) lookupLocked(name string) (*Resolution, error) {
	if entry, ok := r.internal[name]; ok {
		return &Resolution{Descriptor: entry.desc, Owner: OwnerInternal, Handler: entry.handler}, nil
	}
	if entry, ok := r.skill[name]; ok {
		owner := OwnerSkillLazy
		if r.sup != nil && r.sup.Alive(entry.skillID) {
			owner = OwnerSkillRunning
		}
		return &Resolution{Descriptor: entry.desc, Owner: owner, SkillID: entry.skillID}, nil
	}
	return nil, gateway.Errorf(gateway.KindUnknownTool, "unknown tool %q", name)
}

// Count reports catalog sizes for health snapshots.
func (r *Registry) Count() (internal, skill int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.internal), len(r.skill)
}

// ReloadSkills atomically replaces the skill half of the catalog from a fresh
// manifest. Internal tools are untouched; in-flight calls against removed
// skills finish against the old processes before the supervisor reaps them.
func (r *Registry) ReloadSkills(configs []gateway.SkillConfig) error {
	next := make(map[string]skillEntry)
	nextAliases := make(map[string]string)
	for _, cfg := range configs {
		for _, desc := range cfg.Tools {
			if _, dup := next[desc.Name]; dup {
				return gateway.Errorf(gateway.KindConflict, "manifest declares tool %q twice", desc.Name)
			}
			next[desc.Name] = skillEntry{desc: desc, skillID: cfg.ID}
			if desc.DeprecatedAlias != "" {
				nextAliases[desc.DeprecatedAlias] = desc.Name
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range next {
		if _, clash := r.internal[name]; clash {
			return gateway.Errorf(gateway.KindConflict, "manifest tool %q collides with an internal tool", name)
		}
	}
	// Preserve internal-tool aliases across the swap.
	for _, entry := range r.internal {
		if entry.desc.DeprecatedAlias != "" {
			nextAliases[entry.desc.DeprecatedAlias] = entry.desc.Name
		}
	}
	r.skill = next
	r.aliases = nextAliases
	if r.sup != nil {
		r.sup.Reconfigure(configs)
	}
	r.logger.Info("skill catalog reloaded: %d tools", len(next))
	return nil
}

// WatchDeaths consumes supervisor death notifications until ctx is done.
// Ownership is derived from liveness, so a death needs no catalog mutation;
// the log line is the audit trail.
func (r *Registry) WatchDeaths(ctx context.Context) {
	if r.sup == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case skillID := <-r.sup.Deaths():
			r.logger.Warn("skill %s died; its tools fall back to lazy", skillID)
		}
	}
}
