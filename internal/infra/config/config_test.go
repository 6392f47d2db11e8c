package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
backend:
  base_url: https://api.example.com/v1
apps:
  default_key: app-xyz
  keys:
    support: app-support-key
logger:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Backend.BaseURL != "https://api.example.com/v1" {
		t.Errorf("base_url = %s", cfg.Backend.BaseURL)
	}
	if cfg.Logger.Format != "json" {
		t.Errorf("format = %s", cfg.Logger.Format)
	}
	// Defaults survive for unset fields.
	if cfg.Server.RequestsPerMin != 120 {
		t.Errorf("requests_per_min = %d", cfg.Server.RequestsPerMin)
	}
}

func TestLoadMissingBaseURL(t *testing.T) {
	path := writeConfig(t, "apps:\n  default_key: k\n")
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for missing base_url")
	}
}

func TestLoadMissingKeys(t *testing.T) {
	path := writeConfig(t, "backend:\n  base_url: https://api.example.com\n")
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for missing API keys")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHAT_API_BASE_URL", "https://env.example.com")
	t.Setenv("DEFAULT_CHAT_API_KEY", "env-default")
	t.Setenv("CHAT_API_KEY_sales", "env-sales")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Backend.BaseURL != "https://env.example.com" {
		t.Errorf("base_url = %s", cfg.Backend.BaseURL)
	}
	if cfg.Apps.DefaultKey != "env-default" {
		t.Errorf("default key = %s", cfg.Apps.DefaultKey)
	}
	if cfg.Apps.Keys["sales"] != "env-sales" {
		t.Errorf("sales key = %s", cfg.Apps.Keys["sales"])
	}
}

func TestKeyFor(t *testing.T) {
	apps := AppsConfig{
		DefaultKey: "default-k",
		Keys:       map[string]string{"support": "support-k"},
	}

	if k, ok := apps.KeyFor("support"); !ok || k != "support-k" {
		t.Errorf("support = %q %v", k, ok)
	}
	if k, ok := apps.KeyFor("unknown"); !ok || k != "default-k" {
		t.Errorf("unknown = %q %v", k, ok)
	}

	empty := AppsConfig{}
	if _, ok := empty.KeyFor("x"); ok {
		t.Error("empty config should resolve no key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("secret-api-key", "passphrase")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	dec, err := DecryptValue(enc, "passphrase")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if dec != "secret-api-key" {
		t.Errorf("got %q", dec)
	}

	if _, err := DecryptValue(enc, "wrong"); err == nil {
		t.Error("decrypt with wrong passphrase should fail")
	}
}

func TestLoadDecryptsSecrets(t *testing.T) {
	enc, err := EncryptValue("real-key", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, `
backend:
  base_url: https://api.example.com
apps:
  default_key: enc:`+enc+"\n")

	t.Setenv("CHATRELAY_CONFIG_KEY", "hunter2")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Apps.DefaultKey != "real-key" {
		t.Errorf("key = %q", cfg.Apps.DefaultKey)
	}
}

func TestLoadRejectsWorldWritableConfig(t *testing.T) {
	path := writeConfig(t, "backend:\n  base_url: https://x.example.com\napps:\n  default_key: k\n")
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected permissions error")
	}
}
