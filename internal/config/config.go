package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultOllamaHost    = "http://localhost:11434"
	DefaultModel         = "llama3.1:8b"
	DefaultConfigFile    = "testheal.yaml"
	DefaultArtifactDir   = "test_artifacts"
	DefaultContextWindow = 5000
	DefaultNumCtx        = 8192
)

// Config is the healing configuration surface. YAML keys mirror the
// environment variables they can be overridden by.
type Config struct {
	OllamaHost          string  `yaml:"ollama_host"`
	Model               string  `yaml:"model"`
	Temperature         float64 `yaml:"temperature"`
	Enabled             bool    `yaml:"enabled"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	ContextWindow       int     `yaml:"context_window"`
	NumCtx              int     `yaml:"num_ctx"`
	MaxWaitSeconds      int     `yaml:"max_wait_seconds"`
	TimeoutSeconds      int     `yaml:"timeout_seconds"`
	MaxReruns           int     `yaml:"max_reruns"`
	ArtifactDir         string  `yaml:"artifact_dir"`
	DataDir             string  `yaml:"data_dir"`
	Debug               bool    `yaml:"debug"`

	// Redactions extend the built-in secret patterns scrubbed from prompts.
	Redactions []Redaction `yaml:"redactions"`

	// Source records where values came from, for `doctor`.
	Source []string `yaml:"-"`

	envErrs []error
}

// Redaction is a user-defined secret pattern. An empty Replacement becomes
// "[REDACTED]".
type Redaction struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		OllamaHost:          DefaultOllamaHost,
		Model:               DefaultModel,
		Temperature:         0.1,
		Enabled:             false,
		ConfidenceThreshold: 0.7,
		ContextWindow:       DefaultContextWindow,
		NumCtx:              DefaultNumCtx,
		MaxWaitSeconds:      180,
		TimeoutSeconds:      30,
		MaxReruns:           0,
		ArtifactDir:         DefaultArtifactDir,
		DataDir:             filepath.Join(home, ".testheal"),
		Source:              []string{"defaults"},
	}
}

// Load builds a Config from defaults, an optional YAML file, an optional
// .env file and finally the process environment. An empty path means
// testheal.yaml in the working directory, which may be absent.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	if err := cfg.mergeFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	// godotenv.Load never overrides variables already set in the environment.
	if err := godotenv.Load(); err == nil {
		cfg.Source = append(cfg.Source, ".env")
	}

	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.Source = append(c.Source, path)
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if val := getenv("OLLAMA_HOST"); val != "" {
		c.OllamaHost = normalizeHost(val)
	}
	if val := getenv("OLLAMA_MODEL"); val != "" {
		c.Model = val
	}
	c.envFloat(getenv, "OLLAMA_TEMPERATURE", &c.Temperature)
	c.envBool(getenv, "AI_HEALING_ENABLED", &c.Enabled)
	c.envFloat(getenv, "AI_HEALING_CONFIDENCE", &c.ConfidenceThreshold)
	c.envInt(getenv, "AI_HEALING_CONTEXT_WINDOW", &c.ContextWindow)
	c.envInt(getenv, "AI_HEALING_NUM_CTX", &c.NumCtx)
	c.envInt(getenv, "AI_HEALING_MAX_WAIT", &c.MaxWaitSeconds)
	c.envInt(getenv, "AI_HEALING_TIMEOUT", &c.TimeoutSeconds)
	c.envInt(getenv, "TESTHEAL_MAX_RERUNS", &c.MaxReruns)
	if val := getenv("TESTHEAL_ARTIFACT_DIR"); val != "" {
		c.ArtifactDir = val
	}
	if val := getenv("TESTHEAL_DATA_DIR"); val != "" {
		c.DataDir = val
	}
	c.envBool(getenv, "DEBUG_MSG", &c.Debug)
}

// The env helpers keep the current value when a variable is malformed and
// remember the problem for Validate.
func (c *Config) envBool(getenv func(string) string, key string, dst *bool) {
	raw := getenv(key)
	if raw == "" {
		return
	}
	v, ok := parseBool(raw)
	if !ok {
		c.envErrs = append(c.envErrs, fmt.Errorf("%s=%q is not a boolean", key, raw))
		return
	}
	*dst = v
}

func (c *Config) envFloat(getenv func(string) string, key string, dst *float64) {
	raw := getenv(key)
	if raw == "" {
		return
	}
	v, ok := parseFloat(raw)
	if !ok {
		c.envErrs = append(c.envErrs, fmt.Errorf("%s=%q is not a number", key, raw))
		return
	}
	*dst = v
}

func (c *Config) envInt(getenv func(string) string, key string, dst *int) {
	raw := getenv(key)
	if raw == "" {
		return
	}
	v, ok := parseInt(raw)
	if !ok {
		c.envErrs = append(c.envErrs, fmt.Errorf("%s=%q is not an integer", key, raw))
		return
	}
	*dst = v
}

// Validate reports values that would make healing misbehave.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.envErrs...)
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence threshold %.2f outside [0,1]", c.ConfidenceThreshold))
	}
	if c.ContextWindow <= 0 {
		errs = append(errs, fmt.Errorf("context window must be positive, got %d", c.ContextWindow))
	}
	if c.Temperature < 0 {
		errs = append(errs, fmt.Errorf("temperature must not be negative, got %.2f", c.Temperature))
	}
	if c.MaxReruns < 0 {
		errs = append(errs, fmt.Errorf("max reruns must not be negative, got %d", c.MaxReruns))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is empty"))
	}
	for i, r := range c.Redactions {
		if r.Pattern == "" {
			errs = append(errs, fmt.Errorf("redaction %d (%s) has no pattern", i+1, r.Name))
			continue
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("redaction %d (%s): %w", i+1, r.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) ScreenshotDir() string {
	return filepath.Join(c.ArtifactDir, "allure", "screenshots")
}

func (c *Config) ReportDir() string {
	return filepath.Join(c.ArtifactDir, "ai", "ai_healing_reports")
}

func (c *Config) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitSeconds) * time.Second
}

func (c *Config) GenerateTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.DataDir, "healing.db")
}

func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "journal.jsonl")
}

// normalizeHost accepts the bare host:port form the ollama binary itself uses.
func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.TrimSpace(host), "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return host
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	}
	return false, false
}

func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v, err == nil
}

func parseInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	return v, err == nil
}
