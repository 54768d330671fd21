package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"mimo/internal/gateway"
)

// skillManifest is the on-disk shape of the skills file.
type skillManifest struct {
	Skills []manifestEntry `yaml:"skills"`
}

type manifestEntry struct {
	ID      string            `yaml:"id"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Tools   []manifestTool    `yaml:"tools"`
}

type manifestTool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Schema      map[string]any `yaml:"schema"`
}

// LoadSkills parses the skills manifest and enforces the command whitelist.
// Commands are whitelisted here, at the loader boundary; the supervisor
// re-validates but trusts the shape of its input.
func LoadSkills(path string, whitelist []string) ([]gateway.SkillConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skills file %s: %w", path, err)
	}

	var manifest skillManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse skills file %s: %w", path, err)
	}

	allowed := make(map[string]bool, len(whitelist))
	for _, name := range whitelist {
		allowed[strings.TrimSpace(name)] = true
	}

	seen := make(map[string]bool, len(manifest.Skills))
	configs := make([]gateway.SkillConfig, 0, len(manifest.Skills))
	for _, entry := range manifest.Skills {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("skills file %s: skill with empty id", path)
		}
		if seen[id] {
			return nil, fmt.Errorf("skills file %s: duplicate skill id %q", path, id)
		}
		seen[id] = true

		base := filepath.Base(strings.TrimSpace(entry.Command))
		if base == "" || base == "." {
			return nil, fmt.Errorf("skill %s: command is required", id)
		}
		if len(allowed) > 0 && !allowed[base] {
			return nil, fmt.Errorf("skill %s: command %q not in skill_command_whitelist", id, base)
		}

		tools := make([]gateway.ToolDescriptor, 0, len(entry.Tools))
		for _, tool := range entry.Tools {
			if strings.TrimSpace(tool.Name) == "" {
				return nil, fmt.Errorf("skill %s: tool with empty name", id)
			}
			// A tool without a schema accepts anything; marshalling a nil map
			// would produce "null", which is not a schema.
			var schema json.RawMessage
			if len(tool.Schema) > 0 {
				schema, err = json.Marshal(tool.Schema)
				if err != nil {
					return nil, fmt.Errorf("skill %s: tool %s schema: %w", id, tool.Name, err)
				}
			}
			tools = append(tools, gateway.ToolDescriptor{
				Name:        tool.Name,
				Description: tool.Description,
				Schema:      schema,
			})
		}

		configs = append(configs, gateway.SkillConfig{
			ID:      id,
			Command: entry.Command,
			Args:    entry.Args,
			Env:     entry.Env,
			Tools:   tools,
		})
	}

	return configs, nil
}
