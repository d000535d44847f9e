// Package config loads the static Firebase project record and the server
// settings from .env, an optional TOML file and the environment.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/securecookie"
	"github.com/joho/godotenv"
)

const (
	StoreFirestore = "firestore"
	StoreMemory    = "memory"
)

// Firebase binds the app to one backend project. It has no behavior.
type Firebase struct {
	APIKey            string `toml:"api_key"`
	AuthDomain        string `toml:"auth_domain"`
	ProjectID         string `toml:"project_id"`
	StorageBucket     string `toml:"storage_bucket"`
	MessagingSenderID string `toml:"messaging_sender_id"`
	AppID             string `toml:"app_id"`
}

type Server struct {
	Port    string `toml:"port"`
	BaseURL string `toml:"base_url"`

	// StoreBackend is "firestore" or "memory".
	StoreBackend string `toml:"store_backend"`

	// SessionHashKey and SessionBlockKey are hex encoded; 32 or 64 bytes
	// for the hash key, 16, 24 or 32 bytes for the block key.
	SessionHashKey  string `toml:"session_hash_key"`
	SessionBlockKey string `toml:"session_block_key"`

	GoogleClientID     string `toml:"google_client_id"`
	GoogleClientSecret string `toml:"google_client_secret"`

	// AuthEmulatorHost points the identity client at the Firebase Auth
	// emulator (host:port).
	AuthEmulatorHost string `toml:"auth_emulator_host"`

	// AuthRateLimit is the number of sign-in requests allowed per second
	// and client. Zero disables the limit.
	AuthRateLimit float64 `toml:"auth_rate_limit"`
}

type Config struct {
	Firebase Firebase `toml:"firebase"`
	Server   Server   `toml:"server"`
}

// Load reads .env (if present), then the TOML file named by CONFIG_FILE (if
// set), then lets environment variables override both. The bool result
// reports whether a .env file was found.
func Load() (*Config, bool, error) {
	dotenv := godotenv.Load() == nil

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, dotenv, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, dotenv, err
	}
	return cfg, dotenv, nil
}

func Default() *Config {
	return &Config{
		Server: Server{
			Port:          "8080",
			StoreBackend:  StoreFirestore,
			AuthRateLimit: 5,
		},
	}
}

func (c *Config) applyEnv() {
	setString(&c.Firebase.APIKey, "FIREBASE_API_KEY")
	setString(&c.Firebase.AuthDomain, "FIREBASE_AUTH_DOMAIN")
	setString(&c.Firebase.ProjectID, "GOOGLE_CLOUD_PROJECT")
	setString(&c.Firebase.ProjectID, "FIREBASE_PROJECT_ID")
	setString(&c.Firebase.StorageBucket, "FIREBASE_STORAGE_BUCKET")
	setString(&c.Firebase.MessagingSenderID, "FIREBASE_MESSAGING_SENDER_ID")
	setString(&c.Firebase.AppID, "FIREBASE_APP_ID")

	setString(&c.Server.Port, "PORT")
	setString(&c.Server.BaseURL, "BASE_URL")
	setString(&c.Server.StoreBackend, "STORE_BACKEND")
	setString(&c.Server.SessionHashKey, "SESSION_HASH_KEY")
	setString(&c.Server.SessionBlockKey, "SESSION_BLOCK_KEY")
	setString(&c.Server.GoogleClientID, "GOOGLE_CLIENT_ID")
	setString(&c.Server.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&c.Server.AuthEmulatorHost, "FIREBASE_AUTH_EMULATOR_HOST")

	if value, ok := os.LookupEnv("AUTH_RATE_LIMIT"); ok {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.Server.AuthRateLimit = v
		}
	}
}

func setString(dst *string, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		*dst = value
	}
}

func (c *Config) Validate() error {
	var errs []error

	c.Server.StoreBackend = strings.ToLower(strings.TrimSpace(c.Server.StoreBackend))
	switch c.Server.StoreBackend {
	case StoreFirestore:
		if c.Firebase.ProjectID == "" {
			errs = append(errs, errors.New("GOOGLE_CLOUD_PROJECT environment variable is required"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Server.StoreBackend))
	}

	if c.Firebase.APIKey == "" && c.Server.AuthEmulatorHost == "" {
		errs = append(errs, errors.New("FIREBASE_API_KEY environment variable is required"))
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("port must not be empty"))
	}
	if c.Server.AuthRateLimit < 0 {
		errs = append(errs, errors.New("auth rate limit must not be negative"))
	}
	if _, err := decodeKey(c.Server.SessionHashKey, 32, 64); err != nil {
		errs = append(errs, fmt.Errorf("session hash key: %w", err))
	}
	if _, err := decodeKey(c.Server.SessionBlockKey, 16, 24, 32); err != nil {
		errs = append(errs, fmt.Errorf("session block key: %w", err))
	}
	if c.Server.SessionHashKey != "" && c.Server.SessionBlockKey == "" {
		errs = append(errs, errBlockKeyRequired)
	}

	return errors.Join(errs...)
}

// FederatedEnabled reports whether Google sign-in is configured.
func (c *Config) FederatedEnabled() bool {
	return c.Server.GoogleClientID != "" && c.Server.GoogleClientSecret != ""
}

// CallbackURL is the redirect target registered with the OAuth provider.
func (c *Config) CallbackURL(provider string) string {
	base := strings.TrimRight(c.Server.BaseURL, "/")
	if base == "" {
		base = "http://localhost:" + c.Server.Port
	}
	return base + "/auth/" + provider + "/callback"
}

// SecureCookies reports whether the site is served over HTTPS.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.Server.BaseURL, "https://")
}

// errBlockKeyRequired keeps the refresh token in the session cookie encrypted.
var errBlockKeyRequired = errors.New("session block key is required when a hash key is set")

// SessionKeys returns the cookie keys. When none are configured, random keys
// are generated and generated is true: sessions then do not survive a restart.
func (c *Config) SessionKeys() (hashKey, blockKey []byte, generated bool, err error) {
	hashKey, err = decodeKey(c.Server.SessionHashKey, 32, 64)
	if err != nil {
		return nil, nil, false, err
	}
	blockKey, err = decodeKey(c.Server.SessionBlockKey, 16, 24, 32)
	if err != nil {
		return nil, nil, false, err
	}
	if hashKey != nil && blockKey == nil {
		return nil, nil, false, errBlockKeyRequired
	}
	if hashKey == nil {
		if hashKey, err = randomKey(64); err != nil {
			return nil, nil, false, err
		}
		generated = true
	}
	if blockKey == nil {
		if blockKey, err = randomKey(32); err != nil {
			return nil, nil, false, err
		}
	}
	return hashKey, blockKey, generated, nil
}

// decodeKey returns nil for an empty value.
func decodeKey(value string, sizes ...int) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("not hex encoded: %w", err)
	}
	for _, size := range sizes {
		if len(key) == size {
			return key, nil
		}
	}
	return nil, fmt.Errorf("got %d bytes, expected one of %v", len(key), sizes)
}

func randomKey(size int) ([]byte, error) {
	key := securecookie.GenerateRandomKey(size)
	if key == nil {
		return nil, errors.New("failed to generate session key")
	}
	return key, nil
}
