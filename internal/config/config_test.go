package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
	assert.Equal(t, DefaultMemoryCap, cfg.MemoryCap)
	assert.Equal(t, DefaultEmbeddingDim, cfg.EmbeddingDim)
	assert.Equal(t, DefaultConsolidationThreshold, cfg.ConsolidationThreshold)
	assert.Equal(t, DefaultIOTimeout, cfg.IOTimeout)
	assert.Equal(t, DefaultInjectionThreshold, cfg.KnowledgeInjectionThreshold)
	assert.Equal(t, DefaultMaxSkillProcesses, cfg.MaxSkillProcesses)
	assert.False(t, cfg.Sandbox)
	assert.False(t, cfg.FeatureFlags.ApproximateIndex)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mimo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
api_key: secret
http_port: 8080
embedding_dim: 128
io_timeout: 10s
sandbox: true
feature_flags:
  temporal_chains: true
  analyzer: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 128, cfg.EmbeddingDim)
	assert.Equal(t, 10*time.Second, cfg.IOTimeout)
	assert.True(t, cfg.Sandbox)
	assert.True(t, cfg.FeatureFlags.TemporalChains)
	assert.True(t, cfg.FeatureFlags.Analyzer)
	assert.False(t, cfg.FeatureFlags.Emergence)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			HTTPPort:     4000,
			MemoryCap:    1000,
			EmbeddingDim: 256,
		}
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.HTTPPort = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.HTTPPort = 70000
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Environment = "Production"
	assert.Error(t, cfg.Validate(), "production needs an api key")
	cfg.APIKey = "k"
	assert.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.SandboxRoot = "relative/path"
	assert.Error(t, cfg.Validate())
	cfg.SandboxRoot = "/srv/sandbox"
	assert.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.MemoryCap = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.ConsolidationThreshold = 1.2
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.EmbeddingDim = 100
	assert.Error(t, cfg.Validate(), "dim must be a multiple of 64")

	cfg = valid()
	cfg.SkillCommandWhitelist = []string{"python3", "/usr/bin/node"}
	assert.Error(t, cfg.Validate(), "whitelist entries must be basenames")
	cfg.SkillCommandWhitelist = []string{"python3", "node"}
	assert.NoError(t, cfg.Validate())
}

func TestLoadSkills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skills.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
skills:
  - id: pdf
    command: /usr/bin/python3
    args: ["-m", "pdf_skill"]
    env:
      PDF_CACHE: /tmp/pdf
    tools:
      - name: pdf/extract
        description: Extract text from a PDF
        schema:
          type: object
          properties:
            path: {type: string}
          required: [path]
      - name: pdf/merge
        description: Merge PDFs
`), 0o600))

	configs, err := LoadSkills(path, []string{"python3"})
	require.NoError(t, err)
	require.Len(t, configs, 1)

	sc := configs[0]
	assert.Equal(t, "pdf", sc.ID)
	assert.Equal(t, "/usr/bin/python3", sc.Command)
	assert.Equal(t, []string{"-m", "pdf_skill"}, sc.Args)
	assert.Equal(t, "/tmp/pdf", sc.Env["PDF_CACHE"])
	require.Len(t, sc.Tools, 2)
	assert.Equal(t, "pdf/extract", sc.Tools[0].Name)
	assert.Contains(t, string(sc.Tools[0].Schema), `"required"`)
	// A tool without a schema stays schemaless rather than becoming "null".
	assert.Empty(t, sc.Tools[1].Schema)
}

func TestLoadSkillsRejections(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	// Command not on the whitelist.
	path := write("off-list.yaml", `
skills:
  - id: rogue
    command: /usr/bin/nc
    tools: [{name: rogue/run}]
`)
	_, err := LoadSkills(path, []string{"python3"})
	assert.ErrorContains(t, err, "not in skill_command_whitelist")

	// Duplicate ids.
	path = write("dup.yaml", `
skills:
  - {id: a, command: python3}
  - {id: a, command: python3}
`)
	_, err = LoadSkills(path, nil)
	assert.ErrorContains(t, err, "duplicate skill id")

	// Empty id.
	path = write("noid.yaml", `
skills:
  - {id: "", command: python3}
`)
	_, err = LoadSkills(path, nil)
	assert.ErrorContains(t, err, "empty id")

	// Missing command.
	path = write("nocmd.yaml", `
skills:
  - {id: a, command: ""}
`)
	_, err = LoadSkills(path, nil)
	assert.ErrorContains(t, err, "command is required")

	// Tool without a name.
	path = write("noname.yaml", `
skills:
  - id: a
    command: python3
    tools: [{name: ""}]
`)
	_, err = LoadSkills(path, nil)
	assert.ErrorContains(t, err, "tool with empty name")

	// An empty whitelist allows any command.
	path = write("open.yaml", `
skills:
  - {id: a, command: /usr/bin/anything}
`)
	_, err = LoadSkills(path, nil)
	assert.NoError(t, err)
}
