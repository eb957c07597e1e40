package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Credential backends. The authentication collaborator decides where the
// bearer token lives; the engine only reads it.
const (
	BackendBolt    = "bolt"
	BackendKeyring = "keyring"
	BackendFile    = "file"
)

// Config holds all environment-based configuration for timebank-sync.
type Config struct {
	// REST base URL, e.g. https://hours.example.com
	APIURL string `env:"TIMEBANK_API_URL"`

	// Push channel base URL. Derived from APIURL (http->ws, https->wss)
	// when empty.
	WSURL string `env:"TIMEBANK_WS_URL"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Conversation list polling.
	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" envDefault:"15s"`
	MinRefreshGap   time.Duration `env:"MIN_REFRESH_GAP" envDefault:"2s"`

	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	PageSize    int           `env:"PAGE_SIZE" envDefault:"20"`

	// Where the bearer token is read from: bolt, keyring or file.
	CredentialsBackend string `env:"CREDENTIALS_BACKEND" envDefault:"bolt"`

	// Token file for the file backend (YAML with token and user_id).
	CredentialsFile string `env:"CREDENTIALS_FILE"`

	// bbolt database for the bolt backend. Defaults to
	// ~/.timebank-sync/state.db.
	StateDBPath string `env:"STATE_DB_PATH"`

	// Keyring backend override for the keyring backend ("" lets the
	// library pick, "file" forces the encrypted file backend).
	KeyringBackend  string `env:"KEYRING_BACKEND"`
	KeyringPassword string `env:"KEYRING_PASSWORD"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.WSURL = strings.TrimRight(cfg.WSURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.WSURL == "" {
		wsURL, err := DeriveWSURL(cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("deriving websocket url: %w", err)
		}

		cfg.WSURL = wsURL
	}

	if cfg.CredentialsBackend == BackendBolt && cfg.StateDBPath == "" {
		path, err := DefaultStateDBPath()
		if err != nil {
			return nil, err
		}

		cfg.StateDBPath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("TIMEBANK_API_URL is required")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("TIMEBANK_API_URL must be an absolute http(s) URL, got %q", c.APIURL)
	}

	if c.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be positive")
	}

	if c.MinRefreshGap < 0 {
		return fmt.Errorf("MIN_REFRESH_GAP must not be negative")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive")
	}

	switch c.CredentialsBackend {
	case BackendBolt, BackendKeyring:
	case BackendFile:
		if c.CredentialsFile == "" {
			return fmt.Errorf("CREDENTIALS_FILE is required when CREDENTIALS_BACKEND=file")
		}
	default:
		return fmt.Errorf("CREDENTIALS_BACKEND must be one of bolt, keyring, file; got %q", c.CredentialsBackend)
	}

	return nil
}

// DeriveWSURL maps an http(s) API URL onto the matching ws(s) URL.
func DeriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	return strings.TrimRight(u.String(), "/"), nil
}

// DefaultStateDBPath returns ~/.timebank-sync/state.db.
func DefaultStateDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".timebank-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
