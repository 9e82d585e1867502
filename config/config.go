package config

import (
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// MuxConfig holds the process-level configuration of the multiplexer.
// Everything that gates runtime behavior (websocket visibility, relay set)
// lives in the store instead and is editable through the admin API.
type MuxConfig struct {
	// ListenAddress is the bind address of the HTTP/websocket surface.
	ListenAddress string `env:"LISTEN_ADDRESS" envDefault:"127.0.0.1:8552"`
	// DatabasePath is the location of the bbolt file holding relays and config.
	DatabasePath string `env:"DATABASE_PATH" envDefault:"nostrmux.db"`
	// AdminKey authenticates admin API calls and derives the key that
	// private websocket tokens are encrypted under.
	AdminKey string `env:"ADMIN_KEY"`
	// VerifyRelayTLS controls certificate verification on upstream relay
	// connections. On unless explicitly disabled.
	VerifyRelayTLS bool `env:"VERIFY_RELAY_TLS" envDefault:"true"`
	// VerifyEventSignatures controls schnorr verification of events
	// ingested from relays.
	VerifyEventSignatures bool `env:"VERIFY_EVENT_SIGNATURES" envDefault:"true"`
}

// load the and marshal Configuration from .env file from the UserHomeDir
// if this file was not found, fallback to the os environment variables
func LoadConfig[T any]() (*T, error) {
	// load current users home directory as a string
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Error("error loading home directory", "error", err)
	}
	// check if .env file exist in the home directory
	// if it does, load the configuration from it
	// else fallback to the os environment variables
	if _, err := os.Stat(homeDir + "/.env"); err == nil {
		// load configuration from .env file
		return loadFromEnv[T](homeDir + "/.env")
	} else if _, err := os.Stat(".env"); err == nil {
		// load configuration from .env file in current directory
		return loadFromEnv[T](".env")
	} else {
		// load configuration from os environment variables
		return loadFromEnv[T]("")
	}
}

// loadFromEnv loads the configuration from the specified .env file path.
// If the path is empty, only the os environment is consulted.
func loadFromEnv[T any](path string) (*T, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			slog.Warn("could not load env file", "path", path, "error", err)
		}
	}
	cfg, err := env.ParseAs[T]()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
