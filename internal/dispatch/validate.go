package dispatch

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"mimo/internal/gateway"
)

// validator compiles and caches tool argument schemas. Schemas arrive as raw
// JSON on descriptors; compilation is lazy and cached until the raw bytes
// change (skill reloads can swap schemas under the same tool name).
type validator struct {
	mu    sync.Mutex
	cache map[string]compiledSchema
}

type compiledSchema struct {
	raw    []byte
	schema *jsonschema.Schema
}

func newValidator() *validator {
	return &validator{cache: make(map[string]compiledSchema)}
}

// Validate checks args against the tool's schema. Tools without a schema
// accept anything.
func (v *validator) Validate(desc gateway.ToolDescriptor, args map[string]any) error {
	if len(desc.Schema) == 0 {
		return nil
	}

	schema, err := v.compiled(desc)
	if err != nil {
		return gateway.Errorf(gateway.KindInternal, "tool %s has an invalid schema: %v", desc.Name, err)
	}

	payload := any(args)
	if args == nil {
		payload = map[string]any{}
	}
	if err := schema.Validate(payload); err != nil {
		return gateway.Errorf(gateway.KindInvalidArguments, "arguments for %s rejected: %v", desc.Name, err)
	}
	return nil
}

func (v *validator) compiled(desc gateway.ToolDescriptor) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if entry, ok := v.cache[desc.Name]; ok && bytes.Equal(entry.raw, desc.Schema) {
		return entry.schema, nil
	}

	var doc any
	if err := json.Unmarshal(desc.Schema, &doc); err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}
	v.cache[desc.Name] = compiledSchema{raw: append([]byte(nil), desc.Schema...), schema: schema}
	return schema, nil
}

// Danger patterns rejected in sandboxed calls. Interpolation of environment
// variables is allowed only for names on the allow-list.
var (
	shellMetaPatterns = []string{";", "&", "|", "`", "$("}
	envVarPattern     = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?`)
)

// scanArguments walks every string leaf of a sandboxed call's arguments and
// rejects shell metacharacters, parent-directory traversal, absolute paths
// escaping the sandbox root, and non-allow-listed env interpolation.
func scanArguments(args map[string]any, sandboxRoot string, envAllow []string) error {
	allowed := make(map[string]bool, len(envAllow))
	for _, name := range envAllow {
		allowed[name] = true
	}
	return walkStrings(args, func(s string) error {
		for _, meta := range shellMetaPatterns {
			if strings.Contains(s, meta) {
				return gateway.Errorf(gateway.KindInvalidArguments, "argument contains forbidden pattern %q", meta)
			}
		}
		if strings.Contains(s, "..") {
			return gateway.Errorf(gateway.KindInvalidArguments, "argument contains parent-directory traversal")
		}
		if filepath.IsAbs(s) && sandboxRoot != "" {
			rel, err := filepath.Rel(sandboxRoot, s)
			if err != nil || strings.HasPrefix(rel, "..") {
				return gateway.Errorf(gateway.KindInvalidArguments, "absolute path %q escapes the sandbox root", s)
			}
		}
		for _, match := range envVarPattern.FindAllStringSubmatch(s, -1) {
			if !allowed[match[1]] {
				return gateway.Errorf(gateway.KindInvalidArguments, "environment variable %q is not allow-listed", match[1])
			}
		}
		return nil
	})
}

func walkStrings(value any, fn func(string) error) error {
	switch v := value.(type) {
	case string:
		return fn(v)
	case map[string]any:
		for _, item := range v {
			if err := walkStrings(item, fn); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := walkStrings(item, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
