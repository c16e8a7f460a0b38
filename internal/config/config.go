// Package config reads the engine's tuning knobs from the environment, with
// an optional YAML worker config file layered underneath. Every numeric knob
// is clamped to its documented range.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for the worker and engine.
type Config struct {
	// Provider connection.
	Provider ProviderConfig `yaml:"provider"`

	// Tick scheduling.
	MaxStanzasPerTick     int           `yaml:"max_stanzas_per_tick"`
	ChunkConcurrency      int           `yaml:"chunk_concurrency"`
	EnableParallelStanzas bool          `yaml:"enable_parallel_stanzas"`
	TickDeadline          time.Duration `yaml:"tick_deadline"`
	EnableTickTimeSlicing bool          `yaml:"enable_tick_time_slicing"`

	// Regeneration fan-out.
	GPT5RegenK              int  `yaml:"gpt5_regen_k"`
	DefaultRegenK           int  `yaml:"default_regen_k"`
	GPT5RegenConcurrency    int  `yaml:"gpt5_regen_concurrency"`
	DefaultRegenConcurrency int  `yaml:"default_regen_concurrency"`
	RegenMaxOutputTokens    int  `yaml:"regen_max_output_tokens"`
	EnableGPT5RegenParallel bool `yaml:"enable_gpt5_regen_parallel"`

	// Recipe generation.
	UseSimplifiedPrompts bool `yaml:"use_simplified_prompts"`

	// Worker loop.
	PollInterval         time.Duration `yaml:"poll_interval"`
	AlignmentConcurrency int           `yaml:"alignment_concurrency"`
	SnapshotPath         string        `yaml:"snapshot_path"`

	Debug DebugFlags `yaml:"debug"`
}

type ProviderConfig struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// DebugFlags enable per-component debug logging.
type DebugFlags struct {
	Variants           bool `yaml:"variants"`
	Gate               bool `yaml:"gate"`
	Regen              bool `yaml:"regen"`
	Sampling           bool `yaml:"sampling"`
	StopSequences      bool `yaml:"stop_sequences"`
	Lock               bool `yaml:"lock"`
	Invariants         bool `yaml:"invariants"`
	AnchorRealizations bool `yaml:"anchor_realizations"`
	SubjectForm        bool `yaml:"subject_form"`
}

// Default returns the configuration with every knob at its documented
// default.
func Default() Config {
	return Config{
		Provider: ProviderConfig{
			Name:    "openai",
			BaseURL: "https://api.openai.com",
			Model:   "gpt-5-mini",
		},
		MaxStanzasPerTick:       1,
		ChunkConcurrency:        1,
		TickDeadline:            2500 * time.Millisecond,
		EnableTickTimeSlicing:   true,
		GPT5RegenK:              3,
		DefaultRegenK:           6,
		GPT5RegenConcurrency:    6,
		DefaultRegenConcurrency: 3,
		RegenMaxOutputTokens:    1500,
		PollInterval:            time.Second,
		AlignmentConcurrency:    2,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.clamp()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		c.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); v != "" {
		c.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TRANSLATION_MODEL")); v != "" {
		c.Provider.Model = v
	}

	intEnv("MAX_STANZAS_PER_TICK", &c.MaxStanzasPerTick)
	intEnv("CHUNK_CONCURRENCY", &c.ChunkConcurrency)
	boolEnv("ENABLE_PARALLEL_STANZAS", &c.EnableParallelStanzas)
	boolEnv("ENABLE_TICK_TIME_SLICING", &c.EnableTickTimeSlicing)

	intEnv("GPT5_REGEN_K", &c.GPT5RegenK)
	intEnv("DEFAULT_REGEN_K", &c.DefaultRegenK)
	intEnv("GPT5_REGEN_CONCURRENCY", &c.GPT5RegenConcurrency)
	intEnv("DEFAULT_REGEN_CONCURRENCY", &c.DefaultRegenConcurrency)
	intEnv("REGEN_MAX_OUTPUT_TOKENS", &c.RegenMaxOutputTokens)
	boolEnv("ENABLE_GPT5_REGEN_PARALLEL", &c.EnableGPT5RegenParallel)

	boolEnv("USE_SIMPLIFIED_PROMPTS", &c.UseSimplifiedPrompts)

	boolEnv("DEBUG_VARIANTS", &c.Debug.Variants)
	boolEnv("DEBUG_GATE", &c.Debug.Gate)
	boolEnv("DEBUG_REGEN", &c.Debug.Regen)
	boolEnv("DEBUG_SAMPLING", &c.Debug.Sampling)
	boolEnv("DEBUG_STOP_SEQUENCES", &c.Debug.StopSequences)
	boolEnv("DEBUG_LOCK", &c.Debug.Lock)
	boolEnv("DEBUG_INVARIANTS", &c.Debug.Invariants)
	boolEnv("DEBUG_ANCHOR_REALIZATIONS", &c.Debug.AnchorRealizations)
	boolEnv("DEBUG_SUBJECT_FORM", &c.Debug.SubjectForm)
}

func (c *Config) clamp() {
	c.MaxStanzasPerTick = clampInt(c.MaxStanzasPerTick, 1, 5)
	c.ChunkConcurrency = clampInt(c.ChunkConcurrency, 1, 3)
	c.GPT5RegenK = clampInt(c.GPT5RegenK, 1, 6)
	c.DefaultRegenK = clampInt(c.DefaultRegenK, 1, 6)
	c.GPT5RegenConcurrency = clampInt(c.GPT5RegenConcurrency, 1, 8)
	c.DefaultRegenConcurrency = clampInt(c.DefaultRegenConcurrency, 1, 8)
	c.RegenMaxOutputTokens = clampInt(c.RegenMaxOutputTokens, 200, 3000)
	c.AlignmentConcurrency = clampInt(c.AlignmentConcurrency, 1, 8)
	if c.TickDeadline <= 0 {
		c.TickDeadline = 2500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

func intEnv(name string, dst *int) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func boolEnv(name string, dst *bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RegenKFor picks the regeneration fan-out for a model family. Restricted
// reasoning models get the smaller K.
func (c Config) RegenKFor(restricted bool) int {
	if restricted {
		return c.GPT5RegenK
	}
	return c.DefaultRegenK
}

// RegenConcurrencyFor picks the candidate-generation concurrency bound.
func (c Config) RegenConcurrencyFor(restricted bool) int {
	if restricted {
		if !c.EnableGPT5RegenParallel {
			return 1
		}
		return c.GPT5RegenConcurrency
	}
	return c.DefaultRegenConcurrency
}
