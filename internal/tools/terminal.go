package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"

	"mimo/internal/gateway"
)

// maxTerminalOutput caps captured stdout/stderr per run.
const maxTerminalOutput = 1 * 1024 * 1024

func terminalTool(deps Deps) *tool {
	t := &tool{
		desc: gateway.ToolDescriptor{
			Name:        "terminal",
			Description: "Run a whitelisted command inside the sandbox root.",
			Schema: opSchema(
				[]string{"run"},
				map[string]any{
					"command": strProp("Executable basename; must be whitelisted."),
					"args":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
			),
		},
	}
	t.ops = map[string]opHandler{
		"run": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			if err := denySandboxed(ctx, "terminal.run"); err != nil {
				return nil, err
			}
			command, err := requireString(call, "command")
			if err != nil {
				return nil, err
			}
			base := filepath.Base(strings.TrimSpace(command))
			if !allowedCommand(base, deps.TerminalAllow) {
				return nil, gateway.Errorf(gateway.KindForbidden, "command %q is not whitelisted", base)
			}
			args, err := stringSlice(call.Arguments["args"])
			if err != nil {
				return nil, err
			}
			for _, arg := range args {
				for _, bad := range []string{";", "&", "|", "`", "$(", "\n", ".."} {
					if strings.Contains(arg, bad) {
						return nil, gateway.Errorf(gateway.KindInvalidArguments, "argument contains forbidden pattern %q", bad)
					}
				}
			}

			cmd := exec.CommandContext(ctx, base, args...)
			if deps.SandboxRoot != "" {
				cmd.Dir = deps.SandboxRoot
			}
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &limitedWriter{w: &stdout, limit: maxTerminalOutput}
			cmd.Stderr = &limitedWriter{w: &stderr, limit: maxTerminalOutput}

			runErr := cmd.Run()
			exitCode := 0
			if runErr != nil {
				var exitErr *exec.ExitError
				switch {
				case errors.Is(ctx.Err(), context.DeadlineExceeded):
					return nil, gateway.Errorf(gateway.KindTimeout, "command %s timed out", base)
				case errors.As(runErr, &exitErr):
					exitCode = exitErr.ExitCode()
				default:
					return nil, gateway.Wrap(gateway.KindInternal, runErr)
				}
			}
			return map[string]any{
				"exit_code": exitCode,
				"stdout":    stdout.String(),
				"stderr":    stderr.String(),
			}, nil
		},
	}
	return t
}

func allowedCommand(base string, whitelist []string) bool {
	for _, name := range whitelist {
		if base == strings.TrimSpace(name) {
			return true
		}
	}
	return false
}

func stringSlice(value any) ([]string, error) {
	if value == nil {
		return nil, nil
	}
	items, ok := value.([]any)
	if !ok {
		return nil, gateway.Errorf(gateway.KindInvalidArguments, "args must be an array of strings")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, gateway.Errorf(gateway.KindInvalidArguments, "args must be an array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

// limitedWriter discards bytes past the limit instead of failing the command.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	remaining := l.limit - l.w.Len()
	if remaining > 0 {
		if len(p) > remaining {
			l.w.Write(p[:remaining])
		} else {
			l.w.Write(p)
		}
	}
	return len(p), nil
}
