package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config is the root configuration for the chat-input surface.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Backend  BackendConfig  `json:"backend"`
	Surface  SurfaceConfig  `json:"surface"`
	Indexing IndexingConfig `json:"indexing"`
	Storage  StorageConfig  `json:"storage"`
	Metrics  MetricsConfig  `json:"metrics"`
	Filters  FiltersConfig  `json:"filters"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// BackendConfig locates the conversation backend the surface talks to:
// the upload endpoint, the remote settings endpoint, and the indexing API.
type BackendConfig struct {
	BaseURL        string `json:"baseUrl"`
	UploadPath     string `json:"uploadPath"`
	APIKey         string `json:"apiKey,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// SurfaceConfig shapes the per-session input surface behavior.
type SurfaceConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ClearOnSend    bool   `json:"clearOnSend"`
	MaxImageWidth  int    `json:"maxImageWidth"`
	MaxImageHeight int    `json:"maxImageHeight"`
}

// IndexingConfig holds the local fallbacks for the ingestion wait. The
// remote frontend settings override the poll interval when present.
type IndexingConfig struct {
	PollIntervalMs int `json:"pollIntervalMs"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// FiltersConfig points at the accepted-file-type policy file.
type FiltersConfig struct {
	PolicyPath string `json:"policyPath,omitempty"`
}

// Timeout returns the backend request timeout as a duration.
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// UploadURL joins the backend base URL with the upload path.
func (b BackendConfig) UploadURL() string {
	return strings.TrimSuffix(b.BaseURL, "/") + b.UploadPath
}

// PollInterval returns the local fallback poll interval.
func (i IndexingConfig) PollInterval() time.Duration {
	if i.PollIntervalMs <= 0 {
		return 0
	}
	return time.Duration(i.PollIntervalMs) * time.Millisecond
}

// DefaultConfigDir returns the default config directory (~/.chatsurface).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatsurface"
	}
	return filepath.Join(home, ".chatsurface")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Filters.PolicyPath = ExpandPath(cfg.Filters.PolicyPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Backend.BaseURL == "" {
		errs = append(errs, "backend.baseUrl is required")
	}
	if cfg.Backend.UploadPath == "" || !strings.HasPrefix(cfg.Backend.UploadPath, "/") {
		errs = append(errs, "backend.uploadPath must start with /")
	}
	if cfg.Backend.TimeoutSeconds < 0 {
		errs = append(errs, "backend.timeoutSeconds must be >= 0")
	}

	if cfg.Surface.Port < 0 || cfg.Surface.Port > 65535 {
		errs = append(errs, "surface.port must be between 0 and 65535")
	}
	if cfg.Surface.MaxImageWidth < 1 || cfg.Surface.MaxImageHeight < 1 {
		errs = append(errs, "surface.maxImageWidth and surface.maxImageHeight must be >= 1")
	}

	if cfg.Indexing.PollIntervalMs < 0 {
		errs = append(errs, "indexing.pollIntervalMs must be >= 0")
	}

	if cfg.Storage.Enabled && cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required when storage is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
