package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/pagelift/pagelift/log"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the application's configuration directory.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".pagelift"), nil
}

// Config holds the run configuration for the migration orchestrator.
type Config struct {
	// MaxConcurrentWorkItems bounds how many work-item pipelines run in parallel.
	MaxConcurrentWorkItems int `json:"max_concurrent_work_items"`
	// MaxRetries is the retry budget per task for transient failures.
	MaxRetries int `json:"max_retries"`
	// BaseRetryDelay is the initial backoff for non-quota transient failures.
	BaseRetryDelay time.Duration `json:"base_retry_delay"`
	// QuotaBackoffInitial is the initial backoff after a rate-limit failure.
	QuotaBackoffInitial time.Duration `json:"quota_backoff_initial"`
	// BackoffMultiplier grows the quota backoff between attempts.
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	// BackoffMaxCap caps any backoff delay.
	BackoffMaxCap time.Duration `json:"backoff_max_cap"`
	// ContextBudget is the serialized payload size limit, in bytes, applied
	// before every capability invocation.
	ContextBudget int `json:"context_budget"`
	// RunDir is the root directory for per-run state (memory, observability).
	RunDir string `json:"run_dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentWorkItems: 2,
		MaxRetries:             4,
		BaseRetryDelay:         5 * time.Second,
		QuotaBackoffInitial:    30 * time.Second,
		BackoffMultiplier:      1.5,
		BackoffMaxCap:          5 * time.Minute,
		ContextBudget:          4000,
		RunDir:                 ".",
	}
}

// LoadConfig loads the configuration from disk, then applies environment
// overrides. If the file cannot be read we fall back to defaults. A .env file
// in the working directory is honored before the environment is consulted.
func LoadConfig() *Config {
	// Missing .env is the normal case, not an error worth logging.
	_ = godotenv.Load()

	cfg := loadConfigFile()
	cfg.applyEnv()
	return cfg
}

func loadConfigFile() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			defaultCfg := DefaultConfig()
			if saveErr := SaveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	return config
}

// applyEnv overrides config values from the environment. The variable names
// match the ones the migration tooling has always used.
func (c *Config) applyEnv() {
	if v, ok := envInt("MAX_CONCURRENT_MIGRATIONS"); ok {
		c.MaxConcurrentWorkItems = v
	}
	if v, ok := envInt("MAX_RETRIES"); ok {
		c.MaxRetries = v
	}
	if v, ok := envSeconds("BASE_RETRY_DELAY"); ok {
		c.BaseRetryDelay = v
	}
	if v, ok := envSeconds("QUOTA_BACKOFF_INITIAL"); ok {
		c.QuotaBackoffInitial = v
	}
	if v, ok := envFloat("BACKOFF_MULTIPLIER"); ok {
		c.BackoffMultiplier = v
	}
	if v, ok := envSeconds("BACKOFF_MAX_CAP"); ok {
		c.BackoffMaxCap = v
	}
	if v, ok := envInt("CONTEXT_BUDGET"); ok {
		c.ContextBudget = v
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.WarningLog.Printf("ignoring %s=%q: %v", name, raw, err)
		return 0, false
	}
	return v, true
}

func envFloat(name string) (float64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.WarningLog.Printf("ignoring %s=%q: %v", name, raw, err)
		return 0, false
	}
	return v, true
}

func envSeconds(name string) (time.Duration, bool) {
	v, ok := envFloat(name)
	if !ok {
		return 0, false
	}
	return time.Duration(v * float64(time.Second)), true
}

// SaveConfig saves the configuration to disk.
func SaveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return AtomicWriteFile(configPath, data, 0644)
}
