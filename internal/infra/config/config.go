package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the assistant daemon.
type Config struct {
	Assistant AssistantConfig `yaml:"assistant"`
	NLU       NLUConfig       `yaml:"nlu"`
	CRM       CRMConfig       `yaml:"crm"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// AssistantConfig controls the conversation loop.
type AssistantConfig struct {
	// HistoryRounds is how many recent user/assistant rounds are included
	// in the intent prompt.
	HistoryRounds int           `yaml:"history_rounds"`
	Timeout       time.Duration `yaml:"timeout"`
}

// NLUConfig selects and tunes the natural-language understanding provider.
type NLUConfig struct {
	Provider    string         `yaml:"provider"` // "openai" or "rulebased"
	BaseURL     string         `yaml:"base_url"`
	APIKey      string         `yaml:"api_key"`
	Model       string         `yaml:"model"`
	Temperature float64        `yaml:"temperature"`
	Timeout     time.Duration  `yaml:"timeout"`
	Fallback    FallbackConfig `yaml:"fallback"`
	Breaker     BreakerConfig  `yaml:"breaker"`
}

// FallbackConfig tunes the primary/fallback controller.
type FallbackConfig struct {
	// MaxFailures is the consecutive-failure count at which the controller
	// switches to the rule-based fallback.
	MaxFailures int `yaml:"max_failures"`
	// ProbeEvery is how many fallback-served requests pass between live
	// recovery probes when the provider cannot be rebuilt from config.
	ProbeEvery int `yaml:"probe_every"`
}

// BreakerConfig tunes the circuit breaker wrapped around the remote provider.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// CRMConfig selects the CRM backend.
type CRMConfig struct {
	Backend string       `yaml:"backend"` // "mock", "odoo" or "sqlite"
	Odoo    OdooConfig   `yaml:"odoo"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Rules   RulesConfig  `yaml:"rules"`
}

// OdooConfig holds Odoo JSON-RPC connection settings.
type OdooConfig struct {
	URL      string        `yaml:"url"`
	Database string        `yaml:"database"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SQLiteConfig holds the embedded CRM store settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RulesConfig points at the declarative business-rule file applied in front
// of the CRM backend.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SessionsConfig controls conversation session storage.
type SessionsConfig struct {
	Dir      string        `yaml:"dir"`
	Persist  bool          `yaml:"persist"`
	MaxTurns int           `yaml:"max_turns"`
	MaxIdle  time.Duration `yaml:"max_idle"`
}

// ChannelsConfig lists the user-facing surfaces.
type ChannelsConfig struct {
	HTTP HTTPChannelConfig `yaml:"http"`
}

// HTTPChannelConfig configures the REST chat surface.
type HTTPChannelConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// GatewayConfig configures the websocket gateway.
type GatewayConfig struct {
	Enabled bool       `yaml:"enabled"`
	Addr    string     `yaml:"addr"`
	Auth    AuthConfig `yaml:"auth"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig is a named static auth token.
type TokenConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// SchedulerConfig configures recurring maintenance tasks.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// SessionReap and HealthProbe accept a cron expression
	// ("*/5 * * * *") or a duration ("30m").
	SessionReap string `yaml:"session_reap"`
	HealthProbe string `yaml:"health_probe"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under
// $HOME/.crm-assistant/data. Falls back to "./data" if $HOME cannot be
// determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".crm-assistant", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Assistant: AssistantConfig{
			HistoryRounds: 5,
			Timeout:       60 * time.Second,
		},
		NLU: NLUConfig{
			Provider:    "rulebased",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.1,
			Timeout:     30 * time.Second,
			Fallback: FallbackConfig{
				MaxFailures: 3,
				ProbeEvery:  5,
			},
			Breaker: BreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
			},
		},
		CRM: CRMConfig{
			Backend: "mock",
			Odoo: OdooConfig{
				Timeout: 15 * time.Second,
			},
			SQLite: SQLiteConfig{
				Path: filepath.Join(dataDir, "crm.db"),
			},
		},
		Sessions: SessionsConfig{
			Dir:      filepath.Join(dataDir, "sessions"),
			Persist:  true,
			MaxTurns: 50,
			MaxIdle:  24 * time.Hour,
		},
		Channels: ChannelsConfig{
			HTTP: HTTPChannelConfig{
				Enabled:        true,
				Addr:           ":8080",
				RequestsPerMin: 120,
				Burst:          20,
			},
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    ":8090",
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			SessionReap: "1h",
			HealthProbe: "5m",
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

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
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

	passphrase := os.Getenv("CRMASSISTANT_CONFIG_KEY")
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

// ApplyEnvOverrides maps CRMASSISTANT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CRMASSISTANT_NLU_PROVIDER"); v != "" {
		cfg.NLU.Provider = v
	}
	if v := os.Getenv("CRMASSISTANT_NLU_BASE_URL"); v != "" {
		cfg.NLU.BaseURL = v
	}
	if v := os.Getenv("CRMASSISTANT_NLU_API_KEY"); v != "" {
		cfg.NLU.APIKey = v
	}
	if v := os.Getenv("CRMASSISTANT_NLU_MODEL"); v != "" {
		cfg.NLU.Model = v
	}
	if v := os.Getenv("CRMASSISTANT_CRM_BACKEND"); v != "" {
		cfg.CRM.Backend = v
	}
	if v := os.Getenv("CRMASSISTANT_ODOO_URL"); v != "" {
		cfg.CRM.Odoo.URL = v
	}
	if v := os.Getenv("CRMASSISTANT_ODOO_DATABASE"); v != "" {
		cfg.CRM.Odoo.Database = v
	}
	if v := os.Getenv("CRMASSISTANT_ODOO_USERNAME"); v != "" {
		cfg.CRM.Odoo.Username = v
	}
	if v := os.Getenv("CRMASSISTANT_ODOO_PASSWORD"); v != "" {
		cfg.CRM.Odoo.Password = v
	}
	if v := os.Getenv("CRMASSISTANT_HTTP_ADDR"); v != "" {
		cfg.Channels.HTTP.Addr = v
	}
	if v := os.Getenv("CRMASSISTANT_GATEWAY_ENABLED"); v != "" {
		cfg.Gateway.Enabled = v == "true"
	}
	if v := os.Getenv("CRMASSISTANT_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("CRMASSISTANT_SESSIONS_DIR"); v != "" {
		cfg.Sessions.Dir = v
	}
	if v := os.Getenv("CRMASSISTANT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CRMASSISTANT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CRMASSISTANT_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("CRMASSISTANT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
		if cfg.Tracer.Exporter == "" || cfg.Tracer.Exporter == "noop" {
			cfg.Tracer.Exporter = "stdout"
		}
	}
	if v := os.Getenv("CRMASSISTANT_HISTORY_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Assistant.HistoryRounds = n
		}
	}
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []struct {
		name  string
		field *string
	}{
		{"nlu api_key", &cfg.NLU.APIKey},
		{"odoo password", &cfg.CRM.Odoo.Password},
	}
	for _, s := range secrets {
		if strings.HasPrefix(*s.field, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(*s.field, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("%s: %w", s.name, err)
			}
			*s.field = decrypted
		}
	}

	for i := range cfg.Gateway.Auth.Tokens {
		tok := cfg.Gateway.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("gateway auth token %s: %w", cfg.Gateway.Auth.Tokens[i].Name, err)
			}
			cfg.Gateway.Auth.Tokens[i].Token = decrypted
		}
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
