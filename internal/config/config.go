package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "TALKIPLAY"

// StreamConfig configures the push channel client.
type StreamConfig struct {
	URL                  string        `mapstructure:"url"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	Buffer               int           `mapstructure:"buffer"`
}

// APIConfig configures the REST reconciliation client.
type APIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	NotificationsPath string        `mapstructure:"notifications_path"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// CredentialConfig selects where the bearer token comes from.
type CredentialConfig struct {
	Source         string `mapstructure:"source"`
	EnvVar         string `mapstructure:"env_var"`
	File           string `mapstructure:"file"`
	Token          string `mapstructure:"token"`
	KeyringService string `mapstructure:"keyring_service"`
	KeyringUser    string `mapstructure:"keyring_user"`
	KeyringDir     string `mapstructure:"keyring_dir"`
}

type ToastConfig struct {
	Duration time.Duration `mapstructure:"duration"`
}

// NotifierConfig controls native desktop notifications for new arrivals.
type NotifierConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	AppName string `mapstructure:"app_name"`
	Icon    string `mapstructure:"icon"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// BackendConfig configures the reference event-source server.
type BackendConfig struct {
	Addr               string        `mapstructure:"addr"`
	DSN                string        `mapstructure:"dsn"`
	JWTSecret          string        `mapstructure:"jwt_secret"`
	InternalHMACSecret string        `mapstructure:"internal_hmac_secret"`
	InternalMaxSkew    time.Duration `mapstructure:"internal_max_skew"`
	NATSURL            string        `mapstructure:"nats_url"`
	NATSSubject        string        `mapstructure:"nats_subject"`
	CORSOrigins        []string      `mapstructure:"cors_origins"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
}

// Config is the top-level configuration shared by both binaries.
type Config struct {
	Stream     StreamConfig     `mapstructure:"stream"`
	API        APIConfig        `mapstructure:"api"`
	Credential CredentialConfig `mapstructure:"credential"`
	Toast      ToastConfig      `mapstructure:"toast"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Backend    BackendConfig    `mapstructure:"backend"`
}

// DefaultPath returns ~/.config/talkiplay/config.yaml, or ./config.yaml when
// the home directory cannot be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "talkiplay", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stream.url", "ws://127.0.0.1:8080/ws")
	v.SetDefault("stream.reconnect_interval", 5*time.Second)
	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("stream.handshake_timeout", 20*time.Second)
	v.SetDefault("stream.buffer", 64)

	v.SetDefault("api.base_url", "http://127.0.0.1:8080")
	v.SetDefault("api.notifications_path", "/api/v1/admin/notifications")
	v.SetDefault("api.timeout", 15*time.Second)

	v.SetDefault("credential.source", "env")
	v.SetDefault("credential.env_var", "TALKIPLAY_ACCESS_TOKEN")
	v.SetDefault("credential.file", "")
	v.SetDefault("credential.token", "")
	v.SetDefault("credential.keyring_service", "talkiplay")
	v.SetDefault("credential.keyring_user", "access_token")
	v.SetDefault("credential.keyring_dir", "~/.config/talkiplay/credentials")

	v.SetDefault("toast.duration", 5*time.Second)

	v.SetDefault("notifier.enabled", false)
	v.SetDefault("notifier.app_name", "Talkiplay")
	v.SetDefault("notifier.icon", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("backend.addr", ":8080")
	v.SetDefault("backend.dsn", "memory://")
	v.SetDefault("backend.jwt_secret", "dev-secret")
	v.SetDefault("backend.internal_hmac_secret", "dev-internal-secret")
	v.SetDefault("backend.internal_max_skew", 5*time.Minute)
	v.SetDefault("backend.nats_url", "")
	v.SetDefault("backend.nats_subject", "talkiplay.notifications")
	v.SetDefault("backend.cors_origins", []string{"*"})
	v.SetDefault("backend.rate_limit_per_minute", 600)
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from the YAML file at path, then applies
// TALKIPLAY_* environment overrides (stream.url -> TALKIPLAY_STREAM_URL).
// A missing file yields defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if c.Stream.ReconnectInterval <= 0 {
		return fmt.Errorf("stream.reconnect_interval must be positive, got %s", c.Stream.ReconnectInterval)
	}
	if c.Stream.MaxReconnectAttempts < 1 {
		return fmt.Errorf("stream.max_reconnect_attempts must be at least 1, got %d", c.Stream.MaxReconnectAttempts)
	}
	if c.Stream.Buffer < 1 {
		return fmt.Errorf("stream.buffer must be at least 1, got %d", c.Stream.Buffer)
	}
	switch c.Credential.Source {
	case "env", "file", "keyring", "static":
	default:
		return fmt.Errorf("unknown credential.source %q", c.Credential.Source)
	}
	return nil
}
