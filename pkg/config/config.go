// Package config loads civiphrases settings from an optional YAML file, a
// .env file, and environment variables, in that order of precedence
// (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all civiphrases configuration.
type Config struct {
	OutDir  string        `yaml:"out_dir"`
	Store   string        `yaml:"store"` // jsonl, sqlite
	Civitai CivitaiConfig `yaml:"civitai"`
	LLM     LLMConfig     `yaml:"llm"`
	Build   BuildConfig   `yaml:"build"`
	NATS    NATSConfig    `yaml:"nats"`
	Neo4j   Neo4jConfig   `yaml:"neo4j"`
	Logging LoggingConfig `yaml:"logging"`
}

// CivitaiConfig configures the content source client.
type CivitaiConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	RateDelay  time.Duration `yaml:"rate_delay"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LLMConfig configures the completion collaborator.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // openai, gemini
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
}

// BuildConfig holds classification defaults.
type BuildConfig struct {
	BatchSize     int  `yaml:"batch_size"`
	MaxChars      int  `yaml:"max_chars"`
	RemoveGeneric bool `yaml:"remove_generic"`
}

// NATSConfig enables run report publishing when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Neo4jConfig enables phrase graph export when URL is set.
type Neo4jConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// LoggingConfig configures zap output.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	File    bool   `yaml:"file"`
}

// Provider names.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Store backend names.
const (
	StoreJSONL  = "jsonl"
	StoreSQLite = "sqlite"
)

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		OutDir: "./out",
		Store:  StoreJSONL,
		Civitai: CivitaiConfig{
			BaseURL:    "https://civitai.com/api/v1",
			RateDelay:  time.Second,
			MaxRetries: 3,
			Timeout:    30 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    ProviderOpenAI,
			BaseURL:     "http://127.0.0.1:5001/v1",
			APIKey:      "local",
			Timeout:     120 * time.Second,
			MaxTokens:   4000,
			Temperature: 0.1,
		},
		Build: BuildConfig{
			BatchSize: 10,
			MaxChars:  4000,
		},
		NATS: NATSConfig{
			Subject: "civiphrases.runs",
		},
		Neo4j: Neo4jConfig{
			User: "neo4j",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  true,
		},
	}
}

// Load reads the YAML file at path (a missing file yields defaults), then a
// .env file in the working directory, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	// godotenv never overwrites variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	str := map[string]*string{
		"OUT_DIR":          &c.OutDir,
		"STORE_BACKEND":    &c.Store,
		"CIVITAI_BASE_URL": &c.Civitai.BaseURL,
		"CIVITAI_API_KEY":  &c.Civitai.APIKey,
		"TGW_BASE_URL":     &c.LLM.BaseURL,
		"TGW_API_KEY":      &c.LLM.APIKey,
		"TGW_MODEL_NAME":   &c.LLM.Model,
		"LLM_PROVIDER":     &c.LLM.Provider,
		"NATS_URL":         &c.NATS.URL,
		"NEO4J_URL":        &c.Neo4j.URL,
		"NEO4J_USER":       &c.Neo4j.User,
		"NEO4J_PASS":       &c.Neo4j.Password,
		"LOG_LEVEL":        &c.Logging.Level,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.LLM.Provider == ProviderGemini {
		c.LLM.APIKey = key
	}

	if v := os.Getenv("RATE_LIMIT_DELAY"); v != "" {
		d, err := parseDelay(v)
		if err != nil {
			return fmt.Errorf("config: RATE_LIMIT_DELAY: %w", err)
		}
		c.Civitai.RateDelay = d
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: BATCH_SIZE: %w", err)
		}
		c.Build.BatchSize = n
	}
	return nil
}

// parseDelay accepts a Go duration ("1500ms") or plain seconds ("1.5").
func parseDelay(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Validate checks enumerated settings and numeric ranges.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("config: unknown llm provider %q (want openai or gemini)", c.LLM.Provider)
	}
	switch c.Store {
	case StoreJSONL, StoreSQLite:
	default:
		return fmt.Errorf("config: unknown store backend %q (want jsonl or sqlite)", c.Store)
	}
	if c.Build.BatchSize <= 0 {
		return fmt.Errorf("config: batch size must be positive, got %d", c.Build.BatchSize)
	}
	if c.Build.MaxChars <= 0 {
		return fmt.Errorf("config: max chars must be positive, got %d", c.Build.MaxChars)
	}
	if c.OutDir == "" {
		return errors.New("config: out_dir must not be empty")
	}
	return nil
}

// Paths are the derived locations under OutDir.
type Paths struct {
	Root      string
	State     string
	Wildcards string
	Logs      string
	Items     string
	Phrases   string
	Processed string
	Manifest  string
	Database  string
	LogFile   string
}

// Paths derives the output layout from OutDir.
func (c *Config) Paths() Paths {
	state := filepath.Join(c.OutDir, "state")
	logs := filepath.Join(c.OutDir, "logs")
	return Paths{
		Root:      c.OutDir,
		State:     state,
		Wildcards: filepath.Join(c.OutDir, "wildcards"),
		Logs:      logs,
		Items:     filepath.Join(state, "items.jsonl"),
		Phrases:   filepath.Join(state, "phrases.jsonl"),
		Processed: filepath.Join(state, "processed.json"),
		Manifest:  filepath.Join(state, "manifest.json"),
		Database:  filepath.Join(state, "civiphrases.db"),
		LogFile:   filepath.Join(logs, "civiphrases.log"),
	}
}

// EnsureDirs creates the output directories.
func (c *Config) EnsureDirs() error {
	p := c.Paths()
	for _, dir := range []string{p.State, p.Wildcards, p.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}
