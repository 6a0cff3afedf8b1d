package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"signal-trader/pkg/crypto"
)

const (
	BrokerDryRun = "dry-run"
	BrokerBridge = "bridge"
)

// Config holds settings for the signal trader. Values come from defaults, then
// an optional YAML file (CONFIG_FILE), then environment variables.
type Config struct {
	Port       string `yaml:"port"`
	GRPCPort   string `yaml:"grpc_port"`
	DBPath     string `yaml:"db_path"`
	Language   string `yaml:"language"` // "en" or "zh"
	InstanceID string `yaml:"instance_id"`
	QueueSize  int    `yaml:"queue_size"`

	Telegram TelegramConfig `yaml:"telegram"`

	// Execution
	Broker        string       `yaml:"broker"` // dry-run | bridge
	DefaultVolume float64      `yaml:"default_volume"`
	Bridge        BridgeConfig `yaml:"bridge"`
	DryRun        DryRunConfig `yaml:"dry_run"`

	// Auth
	JWTSecret         string `yaml:"jwt_secret"`
	AdminPasswordHash string `yaml:"admin_password_hash"` // bcrypt

	// SecretsKeys are hex AES-256 keys by version for ENC[vN]: values.
	SecretsKeys map[int]string `yaml:"-"`
}

type TelegramConfig struct {
	Token       string        `yaml:"token"`
	ChatIDs     []int64       `yaml:"chat_ids"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	APIURL      string        `yaml:"api_url"`
	AlertChatID int64         `yaml:"alert_chat_id"`
}

type BridgeConfig struct {
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	APISecret string        `yaml:"api_secret"`
	Timeout   time.Duration `yaml:"timeout"`
	RPS       float64       `yaml:"rps"`
	Deviation int           `yaml:"deviation"`
	Magic     int64         `yaml:"magic"`
	Comment   string        `yaml:"comment"`
}

type DryRunConfig struct {
	SlippageBps  float64 `yaml:"slippage_bps"`
	LatencyMinMs int     `yaml:"latency_min_ms"`
	LatencyMaxMs int     `yaml:"latency_max_ms"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Port:          "8080",
		GRPCPort:      "9090",
		DBPath:        "./data/signals.db",
		Language:      "en",
		QueueSize:     100,
		Broker:        BrokerDryRun,
		DefaultVolume: 0.01,
		Telegram: TelegramConfig{
			PollTimeout: 30 * time.Second,
			APIURL:      "https://api.telegram.org",
		},
		Bridge: BridgeConfig{
			Timeout:   15 * time.Second,
			Deviation: 20,
			Magic:     234000,
			Comment:   "TG_BOT_ORDER",
		},
		DryRun:    DryRunConfig{SlippageBps: 2},
		JWTSecret: "dev-secret",
	}
}

// Load reads .env (optional), the YAML file named by CONFIG_FILE (optional)
// and environment variables, then opens sealed secrets.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.openSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.GRPCPort = getEnv("GRPC_PORT", c.GRPCPort)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.Language = getEnv("LANGUAGE", c.Language)
	c.InstanceID = getEnv("INSTANCE_ID", c.InstanceID)
	c.QueueSize = getEnvInt("QUEUE_SIZE", c.QueueSize)

	c.Telegram.Token = getEnv("TELEGRAM_TOKEN", c.Telegram.Token)
	if v := os.Getenv("TELEGRAM_CHAT_IDS"); v != "" {
		c.Telegram.ChatIDs = parseIDs(splitAndTrim(v))
	}
	c.Telegram.PollTimeout = getEnvDuration("TELEGRAM_POLL_TIMEOUT", c.Telegram.PollTimeout)
	c.Telegram.APIURL = getEnv("TELEGRAM_API_URL", c.Telegram.APIURL)
	c.Telegram.AlertChatID = getEnvInt64("TELEGRAM_ALERT_CHAT_ID", c.Telegram.AlertChatID)

	c.Broker = strings.ToLower(getEnv("BROKER", c.Broker))
	c.DefaultVolume = getEnvFloat("DEFAULT_VOLUME", c.DefaultVolume)

	c.Bridge.URL = getEnv("BRIDGE_URL", c.Bridge.URL)
	c.Bridge.APIKey = getEnv("BRIDGE_API_KEY", c.Bridge.APIKey)
	c.Bridge.APISecret = getEnv("BRIDGE_API_SECRET", c.Bridge.APISecret)
	c.Bridge.Timeout = getEnvDuration("BRIDGE_TIMEOUT", c.Bridge.Timeout)
	c.Bridge.RPS = getEnvFloat("BRIDGE_RPS", c.Bridge.RPS)
	c.Bridge.Deviation = getEnvInt("BRIDGE_DEVIATION", c.Bridge.Deviation)
	c.Bridge.Magic = getEnvInt64("BRIDGE_MAGIC", c.Bridge.Magic)
	c.Bridge.Comment = getEnv("BRIDGE_COMMENT", c.Bridge.Comment)

	c.DryRun.SlippageBps = getEnvFloat("DRY_RUN_SLIPPAGE_BPS", c.DryRun.SlippageBps)
	c.DryRun.LatencyMinMs = getEnvInt("DRY_RUN_LATENCY_MIN_MS", c.DryRun.LatencyMinMs)
	c.DryRun.LatencyMaxMs = getEnvInt("DRY_RUN_LATENCY_MAX_MS", c.DryRun.LatencyMaxMs)

	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.AdminPasswordHash = getEnv("ADMIN_PASSWORD_HASH", c.AdminPasswordHash)

	c.SecretsKeys = map[int]string{}
	if v := os.Getenv("SECRETS_KEY"); v != "" {
		c.SecretsKeys[1] = v
	}
	for v := 2; v <= 10; v++ {
		if key := os.Getenv(fmt.Sprintf("SECRETS_KEY_V%d", v)); key != "" {
			c.SecretsKeys[v] = key
		}
	}
}

// Keyring returns the keyring built from the configured secrets keys.
func (c *Config) Keyring() (*crypto.Keyring, error) {
	return crypto.NewKeyring(c.SecretsKeys)
}

func (c *Config) openSecrets() error {
	fields := map[string]*string{
		"telegram token":    &c.Telegram.Token,
		"bridge api key":    &c.Bridge.APIKey,
		"bridge api secret": &c.Bridge.APISecret,
		"jwt secret":        &c.JWTSecret,
	}

	var kr *crypto.Keyring
	for name, field := range fields {
		if !crypto.IsEncrypted(*field) {
			continue
		}
		if kr == nil {
			var err error
			if kr, err = c.Keyring(); err != nil {
				return fmt.Errorf("%s is encrypted but no SECRETS_KEY is usable: %w", name, err)
			}
		}
		plain, err := kr.Open(*field)
		if err != nil {
			return fmt.Errorf("decrypt %s: %w", name, err)
		}
		*field = plain
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is empty"))
	}
	switch c.Broker {
	case BrokerDryRun:
		if c.DryRun.LatencyMinMs < 0 || c.DryRun.LatencyMaxMs < 0 {
			errs = append(errs, errors.New("dry-run latency must not be negative"))
		}
	case BrokerBridge:
		if c.Bridge.URL == "" {
			errs = append(errs, errors.New("BRIDGE_URL is required when BROKER=bridge"))
		}
	default:
		errs = append(errs, fmt.Errorf("BROKER must be %q or %q, got %q", BrokerDryRun, BrokerBridge, c.Broker))
	}
	if c.DefaultVolume <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_VOLUME must be positive, got %v", c.DefaultVolume))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_SIZE must be positive, got %d", c.QueueSize))
	}
	if c.Telegram.PollTimeout < time.Second {
		errs = append(errs, errors.New("TELEGRAM_POLL_TIMEOUT must be at least 1s"))
	}
	if c.AdminPasswordHash != "" && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required when ADMIN_PASSWORD_HASH is set"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseIDs(vals []string) []int64 {
	out := make([]int64, 0, len(vals))
	for _, v := range vals {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("15s") or whole seconds ("15").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
