package tools

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"mimo/internal/gateway"
)

// maxFileReadBytes caps a single file read so a tool result stays bounded.
const maxFileReadBytes = 4 * 1024 * 1024

func fileTool(deps Deps) *tool {
	root := deps.SandboxRoot
	t := &tool{
		desc: gateway.ToolDescriptor{
			Name:        "file",
			Description: "Filesystem access rooted at the configured sandbox directory.",
			Schema: opSchema(
				[]string{"read", "write", "list", "exists", "delete"},
				map[string]any{
					"path":    strProp("Path relative to the sandbox root."),
					"content": strProp("Content to write (write)."),
				},
			),
		},
	}
	t.ops = map[string]opHandler{
		"read": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			path, err := resolveSandboxPath(root, call)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(path)
			if err != nil {
				return nil, fileError(path, err)
			}
			if info.Size() > maxFileReadBytes {
				return nil, gateway.Errorf(gateway.KindInvalidArguments, "file %s exceeds the %d byte read limit", call.Arguments["path"], maxFileReadBytes)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fileError(path, err)
			}
			return map[string]any{"content": string(data), "size": info.Size()}, nil
		},
		"write": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			if err := denySandboxed(ctx, "file.write"); err != nil {
				return nil, err
			}
			path, err := resolveSandboxPath(root, call)
			if err != nil {
				return nil, err
			}
			content := argString(call, "content")
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fileError(path, err)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fileError(path, err)
			}
			return map[string]any{"written": len(content)}, nil
		},
		"list": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			path, err := resolveSandboxPath(root, call)
			if err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, fileError(path, err)
			}
			rows := make([]map[string]any, 0, len(entries))
			for _, entry := range entries {
				rows = append(rows, map[string]any{
					"name": entry.Name(),
					"dir":  entry.IsDir(),
				})
			}
			return rows, nil
		},
		"exists": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			path, err := resolveSandboxPath(root, call)
			if err != nil {
				return nil, err
			}
			_, statErr := os.Stat(path)
			return map[string]any{"exists": statErr == nil}, nil
		},
		"delete": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			if err := denySandboxed(ctx, "file.delete"); err != nil {
				return nil, err
			}
			path, err := resolveSandboxPath(root, call)
			if err != nil {
				return nil, err
			}
			if err := os.Remove(path); err != nil {
				return nil, fileError(path, err)
			}
			return map[string]any{"deleted": true}, nil
		},
	}
	return t
}

// resolveSandboxPath joins the requested path onto the sandbox root and
// rejects traversal. Absolute paths are accepted only when already inside
// the root.
func resolveSandboxPath(root string, call gateway.ToolCall) (string, error) {
	raw, err := requireString(call, "path")
	if err != nil {
		return "", err
	}
	if root == "" {
		return "", gateway.Errorf(gateway.KindForbidden, "file access requires a configured sandbox_root")
	}
	candidate := raw
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)
	rel, err := filepath.Rel(root, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", gateway.Errorf(gateway.KindInvalidArguments, "path %q escapes the sandbox root", raw)
	}
	return candidate, nil
}

func fileError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return gateway.Errorf(gateway.KindNotFound, "path %s does not exist", path)
	}
	if errors.Is(err, fs.ErrPermission) {
		return gateway.Wrap(gateway.KindForbidden, err)
	}
	return gateway.Wrap(gateway.KindInternal, err)
}
