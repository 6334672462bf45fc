package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	DBPath          string `yaml:"db_path"`
	BackupDir       string `yaml:"backup_dir"`
	ReportDir       string `yaml:"report_dir"`
	LogDir          string `yaml:"log_dir"`
	APIToken        string `yaml:"api_token"`
	APIBaseURL      string `yaml:"api_base_url"`
	RateLimitCalls  int    `yaml:"rate_limit_calls"`
	RateLimitPeriod int    `yaml:"rate_limit_period_seconds"`
	RetentionDays   int    `yaml:"retention_days"`
	Output          string `yaml:"output"`
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables (VGMERGE_*)
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/vgmerge/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := &Config{
		APIBaseURL:      "https://api.devrev.ai",
		RateLimitCalls:  45,
		RateLimitPeriod: 60,
		RetentionDays:   30,
		Output:          "table",
	}

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// Load ~/.config/vgmerge/config.yaml if it exists
	if err := loadYAMLConfig(cfg); err != nil {
		// YAML config is optional, so we don't fail if it doesn't exist
	}

	// Override with environment variables
	if dbPath := getEnvOrFile("VGMERGE_DB_PATH", "VGMERGE_DB_PATH_FILE"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if token := getEnvOrFile("VGMERGE_API_TOKEN", "VGMERGE_API_TOKEN_FILE"); token != "" {
		cfg.APIToken = token
	}
	if baseURL := os.Getenv("VGMERGE_API_BASE_URL"); baseURL != "" {
		cfg.APIBaseURL = baseURL
	}
	if backupDir := os.Getenv("VGMERGE_BACKUP_DIR"); backupDir != "" {
		cfg.BackupDir = backupDir
	}
	if reportDir := os.Getenv("VGMERGE_REPORT_DIR"); reportDir != "" {
		cfg.ReportDir = reportDir
	}
	if logDir := os.Getenv("VGMERGE_LOG_DIR"); logDir != "" {
		cfg.LogDir = logDir
	}
	if output := os.Getenv("VGMERGE_OUTPUT"); output != "" {
		cfg.Output = output
	}

	// Set defaults if not configured
	dataDir, err := defaultDataDir()
	if err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dataDir, "vgmerge.db")
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(dataDir, "backups")
	}
	if cfg.ReportDir == "" {
		cfg.ReportDir = filepath.Join(dataDir, "reports")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(dataDir, "logs")
	}

	return cfg, nil
}

// RateLimitWindow returns the rate-limit period as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitPeriod) * time.Second
}

// RetentionWindow returns the backup retention window as a duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// defaultDataDir returns the user-global data directory for vgmerge state.
// A project-local .vgmerge directory takes precedence when present.
func defaultDataDir() (string, error) {
	if fi, err := os.Stat(".vgmerge"); err == nil && fi.IsDir() {
		return ".vgmerge", nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "vgmerge"), nil
}

// loadYAMLConfig loads configuration from ~/.config/vgmerge/config.yaml
func loadYAMLConfig(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(homeDir, ".config", "vgmerge", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return string(data)
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// If we can't get home dir, just check cwd
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	// Clean paths for reliable comparison
	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		// Stop if we've reached home directory
		if dir == homeDir {
			break
		}

		// Get parent directory
		parent := filepath.Dir(dir)

		// Stop if we've reached the filesystem root
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}
