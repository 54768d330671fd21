package tools

import (
	"context"

	"mimo/internal/gateway"
)

func metaTool(deps Deps) *tool {
	t := &tool{
		desc: gateway.ToolDescriptor{
			Name:        "meta",
			Description: "Gateway administration: health snapshots, database snapshots, skill reloads.",
			Schema: opSchema(
				[]string{"health", "snapshot", "reload_skills"},
				map[string]any{},
			),
		},
	}
	t.ops = map[string]opHandler{
		"health": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			if deps.HealthSnapshot == nil {
				return nil, gateway.Errorf(gateway.KindDependencyUnavailable, "health monitor not running")
			}
			return deps.HealthSnapshot(ctx)
		},
		"snapshot": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			if err := denySandboxed(ctx, "meta.snapshot"); err != nil {
				return nil, err
			}
			if deps.SnapshotDir == "" {
				return nil, gateway.Errorf(gateway.KindInvalidArguments, "no snapshot directory configured")
			}
			path, err := deps.Memory.Store().Snapshot(deps.SnapshotDir)
			if err != nil {
				return nil, err
			}
			return map[string]any{"path": path}, nil
		},
		"reload_skills": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			if err := denySandboxed(ctx, "meta.reload_skills"); err != nil {
				return nil, err
			}
			if deps.ReloadSkills == nil {
				return nil, gateway.Errorf(gateway.KindInvalidArguments, "no skills manifest configured")
			}
			if err := deps.ReloadSkills(); err != nil {
				return nil, err
			}
			return map[string]any{"reloaded": true}, nil
		},
	}
	return t
}
