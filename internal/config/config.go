package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default configuration file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel           string `yaml:"logLevel"`
	AuthURL            string `yaml:"authURL"`
	DataURL            string `yaml:"dataURL"`
	CompletionURL      string `yaml:"completionURL"`
	TokenDBPath        string `yaml:"tokenDbPath"`
	TokenFilePath      string `yaml:"tokenFilePath"`
	ProfileTimeout     string `yaml:"profileTimeout"`
	RenewalMargin      string `yaml:"renewalMargin"`
	DefaultAssistantID string `yaml:"defaultAssistantId"`
}

// Load reads config from path (defaults to config.yaml), applies environment
// overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("CREWASSIST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("CREWASSIST_AUTH_URL"); v != "" {
		cfg.AuthURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("CREWASSIST_DATA_URL"); v != "" {
		cfg.DataURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("CREWASSIST_COMPLETION_URL"); v != "" {
		cfg.CompletionURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("CREWASSIST_TOKEN_DB_PATH"); v != "" {
		cfg.TokenDBPath = strings.TrimSpace(v)
	}
	if v := os.Getenv("CREWASSIST_TOKEN_FILE_PATH"); v != "" {
		cfg.TokenFilePath = strings.TrimSpace(v)
	}
	if v := os.Getenv("CREWASSIST_PROFILE_TIMEOUT"); v != "" {
		cfg.ProfileTimeout = strings.TrimSpace(v)
	}
	if v := os.Getenv("CREWASSIST_RENEWAL_MARGIN"); v != "" {
		cfg.RenewalMargin = strings.TrimSpace(v)
	}
	if v := os.Getenv("CREWASSIST_DEFAULT_ASSISTANT_ID"); v != "" {
		cfg.DefaultAssistantID = strings.TrimSpace(v)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.AuthURL) == "" {
		return errors.New("config: authURL is required (set in config.yaml or CREWASSIST_AUTH_URL)")
	}
	if strings.TrimSpace(cfg.DataURL) == "" {
		return errors.New("config: dataURL is required (set in config.yaml or CREWASSIST_DATA_URL)")
	}
	if strings.TrimSpace(cfg.CompletionURL) == "" {
		return errors.New("config: completionURL is required (set in config.yaml or CREWASSIST_COMPLETION_URL)")
	}
	if strings.TrimSpace(cfg.TokenDBPath) == "" {
		return errors.New("config: tokenDbPath is required")
	}
	if strings.TrimSpace(cfg.TokenFilePath) == "" {
		return errors.New("config: tokenFilePath is required")
	}
	if _, err := ParseProfileTimeout(cfg.ProfileTimeout); err != nil {
		return err
	}
	if _, err := ParseRenewalMargin(cfg.RenewalMargin); err != nil {
		return err
	}
	return nil
}

// ParseProfileTimeout parses the optional profile query timeout.
func ParseProfileTimeout(value string) (time.Duration, error) {
	return parseDuration(value, "profileTimeout")
}

// ParseRenewalMargin parses the optional session renewal safety margin.
func ParseRenewalMargin(value string) (time.Duration, error) {
	return parseDuration(value, "renewalMargin")
}

func parseDuration(value, name string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return dur, nil
}
