package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Apps    AppsConfig    `yaml:"apps"`
	Archive ArchiveConfig `yaml:"archive"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// ServerConfig configures the gateway HTTP server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ReadTimeout bounds request reads. There is no write timeout:
	// SSE responses stay open for the length of a generation.
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	RequestsPerMin int           `yaml:"requests_per_min"`
	BurstSize      int           `yaml:"burst_size"`
	TrustedProxies []string      `yaml:"trusted_proxies"`
}

// BackendConfig configures the upstream chat API connection.
type BackendConfig struct {
	BaseURL     string               `yaml:"base_url"`
	ConnTimeout time.Duration        `yaml:"conn_timeout"`
	RespTimeout time.Duration        `yaml:"resp_timeout"`
	Breaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pool        PoolConfig           `yaml:"pool"`
}

// CircuitBreakerConfig mirrors the backend client's breaker settings.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig configures HTTP connection pooling.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// AppsConfig maps logical app ids to backend API keys. A request's app
// id selects its key; DefaultKey serves unknown or empty ids. Values
// may be "enc:"-prefixed ciphertext decrypted at load time.
type AppsConfig struct {
	DefaultKey string            `yaml:"default_key"`
	Keys       map[string]string `yaml:"keys"`
}

// KeyFor resolves the API key for an app id.
func (a AppsConfig) KeyFor(appID string) (string, bool) {
	if key, ok := a.Keys[appID]; ok && key != "" {
		return key, true
	}
	if a.DefaultKey != "" {
		return a.DefaultKey, true
	}
	return "", false
}

// ArchiveConfig configures the local transcript store.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggerConfig configures structured logging.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// TracerConfig configures OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout or noop
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8090,
			ReadTimeout:    30 * time.Second,
			RequestsPerMin: 120,
			BurstSize:      30,
		},
		Backend: BackendConfig{
			ConnTimeout: 30 * time.Second,
			RespTimeout: 120 * time.Second,
		},
		Apps: AppsConfig{
			Keys: map[string]string{},
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Path:    filepath.Join(defaultDataDir(), "transcripts.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".chatrelay")
	}
	return "."
}

// Load reads configuration from path, layering defaults, the file, env
// overrides and secret decryption, then validates. A missing file is
// not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("CHATRELAY_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps environment variables to config fields. The
// CHAT_API_* names match the variables the backend ecosystem already
// uses, so existing deployments carry over unchanged.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHAT_API_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("DEFAULT_CHAT_API_KEY"); v != "" {
		cfg.Apps.DefaultKey = v
	}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if appID, found := strings.CutPrefix(name, "CHAT_API_KEY_"); found && appID != "" {
			if cfg.Apps.Keys == nil {
				cfg.Apps.Keys = map[string]string{}
			}
			cfg.Apps.Keys[appID] = value
		}
	}
	if v := os.Getenv("CHATRELAY_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHATRELAY_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
		cfg.Archive.Enabled = true
	}
}

// Validate checks config invariants that would otherwise fail at runtime.
func Validate(cfg *Config) error {
	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("%w: backend.base_url is required", errInvalid)
	}
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: backend.base_url %q is not an absolute URL", errInvalid, cfg.Backend.BaseURL)
	}
	if cfg.Apps.DefaultKey == "" && len(cfg.Apps.Keys) == 0 {
		return fmt.Errorf("%w: no API keys configured (apps.default_key or apps.keys)", errInvalid)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", errInvalid, cfg.Server.Port)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logger.format %q (want text or json)", errInvalid, cfg.Logger.Format)
	}
	return nil
}

var errInvalid = fmt.Errorf("invalid configuration")

// decryptSecrets resolves every "enc:"-prefixed API key in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Apps.DefaultKey, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Apps.DefaultKey, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("apps.default_key: %w", err)
		}
		cfg.Apps.DefaultKey = decrypted
	}
	for appID, key := range cfg.Apps.Keys {
		if !strings.HasPrefix(key, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("apps.keys.%s: %w", appID, err)
		}
		cfg.Apps.Keys[appID] = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
