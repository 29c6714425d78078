// Package config loads the daemon's runtime configuration: Telegram
// API credentials, storage locations, the control-plane listen
// address, and logging level, from environment variables (optionally
// sourced from a .env file).
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full set of daemon settings, populated by Load.
type Config struct {
	APIID   int    `envconfig:"TELEGRAM_API_ID" required:"true"`
	APIHash string `envconfig:"TELEGRAM_API_HASH" required:"true"`

	SessionFile string `envconfig:"SESSION_FILE" default:"./data/session.json"`
	DataDir     string `envconfig:"DATA_DIR" default:"./data"`
	ExportRoot  string `envconfig:"EXPORT_ROOT" default:"./exports"`

	ListenAddr  string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8420"`
	ControlToken string `envconfig:"CONTROL_TOKEN"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"LOG_DIR" default:"./data/logs"`

	ProxyURL string `envconfig:"PROXY_URL"`
}

// Load reads a .env file if present (missing is not an error — env
// vars set another way are just as valid), then fills Config from the
// environment, generating a random control-plane token if none was
// supplied. A generated token is kept only in the returned Config; it
// is not saved.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: load env file: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.ControlToken == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("config: generate control token: %w", err)
		}
		cfg.ControlToken = token
	}

	return &cfg, nil
}

func generateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
