package tools

import (
	"context"
	"os"
	"regexp"
	"strings"

	"mimo/internal/gateway"
)

// Lightweight declaration patterns; good enough for symbol listings without
// a language server.
var symbolPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"function", regexp.MustCompile(`(?m)^\s*(?:func|def|fn)\s+([A-Za-z_][A-Za-z0-9_]*)`)},
	{"type", regexp.MustCompile(`(?m)^\s*(?:type|class|struct|interface)\s+([A-Za-z_][A-Za-z0-9_]*)`)},
	{"constant", regexp.MustCompile(`(?m)^\s*const\s+([A-Za-z_][A-Za-z0-9_]*)`)},
}

func codeTool(deps Deps) *tool {
	root := deps.SandboxRoot
	t := &tool{
		desc: gateway.ToolDescriptor{
			Name:        "code",
			Description: "Source inspection: declaration symbols and file-level metrics.",
			Schema: opSchema(
				[]string{"symbols", "analyze"},
				map[string]any{
					"path": strProp("Source file path relative to the sandbox root."),
				},
			),
			DeprecatedAlias: "code_symbols",
		},
	}
	t.ops = map[string]opHandler{
		"symbols": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			content, err := readSandboxedFile(root, call)
			if err != nil {
				return nil, err
			}
			type symbol struct {
				Kind string `json:"kind"`
				Name string `json:"name"`
			}
			var symbols []symbol
			for _, pattern := range symbolPatterns {
				for _, match := range pattern.re.FindAllStringSubmatch(content, -1) {
					symbols = append(symbols, symbol{Kind: pattern.kind, Name: match[1]})
				}
			}
			return map[string]any{"symbols": symbols, "count": len(symbols)}, nil
		},
		"analyze": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			content, err := readSandboxedFile(root, call)
			if err != nil {
				return nil, err
			}
			lines := strings.Split(content, "\n")
			blank, comments := 0, 0
			for _, line := range lines {
				trimmed := strings.TrimSpace(line)
				switch {
				case trimmed == "":
					blank++
				case strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#"):
					comments++
				}
			}
			return map[string]any{
				"lines":         len(lines),
				"blank_lines":   blank,
				"comment_lines": comments,
				"bytes":         len(content),
			}, nil
		},
	}
	return t
}

func readSandboxedFile(root string, call gateway.ToolCall) (string, error) {
	path, err := resolveSandboxPath(root, call)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fileError(path, err)
	}
	if info.Size() > maxFileReadBytes {
		return "", gateway.Errorf(gateway.KindInvalidArguments, "file exceeds the %d byte read limit", maxFileReadBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fileError(path, err)
	}
	return string(data), nil
}
