package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/kacperpap/air-pollution-tracker/config"
)

// InitLogger initializes the structured JSON logger at the given level and
// installs it as the slog default.
func InitLogger(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

// envFileVar names an optional dotenv file loaded instead of ./.env.
const envFileVar = "SIMTRACKER_ENV_FILE"

// LoadConfig reads the dotenv file when present, parses the environment and
// applies the Sanitize guardrails. A missing dotenv file is not an error.
func LoadConfig() (config.AppConfig, error) {
	var files []string
	if path := os.Getenv(envFileVar); path != "" {
		files = append(files, path)
	}
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.AppConfig{}, fmt.Errorf("load dotenv: %w", err)
	}

	cfg, err := env.ParseAs[config.AppConfig]()
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// ValidateServiceConfig validates that at least one service is enabled.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	enabled, err := cfg.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid SERVICES: %w", err)
	}
	if len(enabled) == 0 {
		return errors.New("no services enabled")
	}
	return nil
}

// GetEnabledServices returns the enabled service names in a stable order.
func GetEnabledServices(cfg *config.AppConfig) []string {
	if cfg == nil {
		return []string{}
	}
	enabled, err := cfg.GetEnabledServices()
	if err != nil {
		return []string{}
	}
	names := make([]string, 0, len(enabled))
	for mode := range enabled {
		names = append(names, string(mode))
	}
	slices.Sort(names)
	return names
}
