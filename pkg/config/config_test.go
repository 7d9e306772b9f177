package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "./out", cfg.OutDir)
	assert.Equal(t, StoreJSONL, cfg.Store)
	assert.Equal(t, "http://127.0.0.1:5001/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "local", cfg.LLM.APIKey)
	assert.Equal(t, 10, cfg.Build.BatchSize)
	assert.Equal(t, 4000, cfg.Build.MaxChars)
	assert.Equal(t, time.Second, cfg.Civitai.RateDelay)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().LLM, cfg.LLM)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "civiphrases.yaml")
	yml := `
out_dir: /tmp/phr
store: sqlite
civitai:
  rate_delay: 250ms
llm:
  model: mistral-7b
build:
  batch_size: 4
  remove_generic: true
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	t.Setenv("TGW_MODEL_NAME", "from-env")
	t.Setenv("RATE_LIMIT_DELAY", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/phr", cfg.OutDir)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, "from-env", cfg.LLM.Model, "env wins over file")
	assert.Equal(t, 2*time.Second, cfg.Civitai.RateDelay)
	assert.Equal(t, 4, cfg.Build.BatchSize)
	assert.True(t, cfg.Build.RemoveGeneric)
	assert.Equal(t, "local", cfg.LLM.APIKey, "unset fields keep defaults")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CIVITAI_API_KEY=dotenv-key\n"), 0o644))
	t.Setenv("CIVITAI_API_KEY", "")
	os.Unsetenv("CIVITAI_API_KEY")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dotenv-key", cfg.Civitai.APIKey)
}

func TestGeminiKeyOnlyWithGeminiProvider(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GEMINI_API_KEY", "g-key")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.LLM.APIKey)

	t.Setenv("LLM_PROVIDER", "gemini")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "g-key", cfg.LLM.APIKey)
}

func TestLoadBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RATE_LIMIT_DELAY", "soon")
	_, err := Load("")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("build: [oops"), 0o644))
	t.Setenv("RATE_LIMIT_DELAY", "")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"provider":   func(c *Config) { c.LLM.Provider = "claude" },
		"store":      func(c *Config) { c.Store = "postgres" },
		"batch size": func(c *Config) { c.Build.BatchSize = 0 },
		"max chars":  func(c *Config) { c.Build.MaxChars = -1 },
		"out dir":    func(c *Config) { c.OutDir = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPathsAndEnsureDirs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutDir = t.TempDir()
	p := cfg.Paths()
	assert.Equal(t, filepath.Join(cfg.OutDir, "state", "items.jsonl"), p.Items)
	assert.Equal(t, filepath.Join(cfg.OutDir, "logs", "civiphrases.log"), p.LogFile)

	require.NoError(t, cfg.EnsureDirs())
	for _, dir := range []string{p.State, p.Wildcards, p.Logs} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
