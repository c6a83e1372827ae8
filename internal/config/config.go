package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	// BaseURL is the game backend, e.g. "https://play.example.com".
	BaseURL string
	// CSRFToken is attached to every state-mutating request.
	CSRFToken string

	Mode     string
	Daily    bool
	Category string
	HintsMax int

	// SaveDir holds session snapshots and counters.
	SaveDir string
	// LogFile receives structured logs; the terminal is owned by the UI.
	LogFile string

	RequestTimeout time.Duration
}

// Load reads configuration from a .env file (if present) and the
// environment. Only the backend URL is required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	baseURL := os.Getenv("WORDFINDER_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("WORDFINDER_BASE_URL environment variable is not set")
	}

	cfg := &Config{
		BaseURL:        baseURL,
		CSRFToken:      os.Getenv("WORDFINDER_CSRF_TOKEN"),
		Mode:           envOr("WORDFINDER_MODE", "medium"),
		Daily:          envBool("WORDFINDER_DAILY"),
		Category:       os.Getenv("WORDFINDER_CATEGORY"),
		HintsMax:       envInt("WORDFINDER_HINTS_MAX", 3),
		SaveDir:        os.Getenv("WORDFINDER_SAVE_DIR"),
		LogFile:        envOr("WORDFINDER_LOG_FILE", "wordfinder.log"),
		RequestTimeout: time.Duration(envInt("WORDFINDER_REQUEST_TIMEOUT", 10)) * time.Second,
	}
	if cfg.SaveDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve save dir: %w", err)
		}
		cfg.SaveDir = filepath.Join(home, ".wordfinder")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
