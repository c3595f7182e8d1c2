package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all ConsultRec environment variables.
const EnvPrefix = "CONSULTREC_"

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	DBPath                string `yaml:"db_path"`
	BlobDir               string `yaml:"blob_dir"`
	ListenAddr            string `yaml:"listen_addr"`
	MinUploadBytes        int64  `yaml:"min_upload_bytes"`
	LockTTL               string `yaml:"lock_ttl"`
	AnalysisModel         string `yaml:"analysis_model"`
	SummaryRetryBase      string `yaml:"summary_retry_base"`
	SummaryTimeout        string `yaml:"summary_timeout"`
	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secrets — env vars only, never serialized to YAML.
	GeminiAPIKey string `yaml:"-"`
	OpenAIAPIKey string `yaml:"-"`
}

func defaults() Config {
	return Config{
		DBPath:                "data/consultrec.db",
		BlobDir:               "data/recordings",
		ListenAddr:            "127.0.0.1:8385",
		MinUploadBytes:        1024,
		LockTTL:               "30m",
		AnalysisModel:         "gemini/gemini-2.0-flash",
		SummaryRetryBase:      "1s",
		SummaryTimeout:        "2m",
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedLockTTL returns LockTTL as a time.Duration, falling back to 30m
// if the value is invalid.
func (c *Config) ParsedLockTTL() time.Duration {
	d, err := time.ParseDuration(c.LockTTL)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// ParsedSummaryRetryBase falls back to 1s if the value is invalid.
func (c *Config) ParsedSummaryRetryBase() time.Duration {
	d, err := time.ParseDuration(c.SummaryRetryBase)
	if err != nil {
		return time.Second
	}
	return d
}

// ParsedSummaryTimeout falls back to 2m if the value is invalid.
func (c *Config) ParsedSummaryTimeout() time.Duration {
	d, err := time.ParseDuration(c.SummaryTimeout)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvPrefix + "BLOB_DIR"); v != "" {
		cfg.BlobDir = v
	}
	if v := os.Getenv(EnvPrefix + "LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "MIN_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
			cfg.MinUploadBytes = n
		}
	}
	if v := os.Getenv(EnvPrefix + "LOCK_TTL"); v != "" {
		cfg.LockTTL = v
	}
	if v := os.Getenv(EnvPrefix + "ANALYSIS_MODEL"); v != "" {
		cfg.AnalysisModel = v
	}
	if v := os.Getenv(EnvPrefix + "SUMMARY_RETRY_BASE"); v != "" {
		cfg.SummaryRetryBase = v
	}
	if v := os.Getenv(EnvPrefix + "SUMMARY_TIMEOUT"); v != "" {
		cfg.SummaryTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "GDRIVE_FOLDER_ID"); v != "" {
		cfg.GDriveFolderID = v
	}
	if v := os.Getenv(EnvPrefix + "GOOGLE_CREDENTIALS_FILE"); v != "" {
		cfg.GoogleCredentialsFile = v
	}
}

func loadSecrets(cfg *Config) {
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	provider := cfg.AnalysisModel
	if i := strings.Index(provider, "/"); i > 0 {
		provider = provider[:i]
	}
	switch provider {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			warnings = append(warnings, "Gemini API key not configured — consultation summaries degrade to metadata only. Set "+EnvPrefix+"GEMINI_API_KEY.")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			warnings = append(warnings, "OpenAI API key not configured — consultation summaries degrade to metadata only. Set "+EnvPrefix+"OPENAI_API_KEY.")
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown analysis provider %q — consultation summaries degrade to metadata only.", provider))
	}

	if _, err := time.ParseDuration(cfg.LockTTL); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid lock_ttl %q — using default 30m.", cfg.LockTTL))
	}
	if _, err := time.ParseDuration(cfg.SummaryRetryBase); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid summary_retry_base %q — using default 1s.", cfg.SummaryRetryBase))
	}
	if _, err := time.ParseDuration(cfg.SummaryTimeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid summary_timeout %q — using default 2m.", cfg.SummaryTimeout))
	}

	return warnings
}

// APIKey returns the secret for the configured analysis provider.
func (c *Config) APIKey() string {
	if strings.HasPrefix(c.AnalysisModel, "openai/") {
		return c.OpenAIAPIKey
	}
	return c.GeminiAPIKey
}
