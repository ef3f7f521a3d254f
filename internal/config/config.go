// Package config loads application configuration from defaults, an optional YAML file
// and STATUSBOARD_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are separated by "__",
// e.g. STATUSBOARD_NOTIFICATIONS__EMAIL__SMTP_HOST.
const EnvPrefix = "STATUSBOARD_"

// Config is the application configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Log           LogConfig           `koanf:"log"`
	JWT           JWTConfig           `koanf:"jwt"`
	CORS          CORSConfig          `koanf:"cors"`
	Notifications NotificationsConfig `koanf:"notifications"`
}

// ServerConfig configures the HTTP servers.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"min=1"`
	// MigrationsDir, when set, is applied with golang-migrate before serving.
	MigrationsDir string `koanf:"migrations_dir"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	SecretKey string `koanf:"secret_key" validate:"required,min=16"`
	Issuer    string `koanf:"issuer"`
}

// CORSConfig configures allowed browser origins, also used for WebSocket origin checks.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// NotificationsConfig configures the notification engine.
type NotificationsConfig struct {
	Enabled bool   `koanf:"enabled"`
	BaseURL string `koanf:"base_url" validate:"omitempty,url"`
	// AwaitDelivery makes status mutations wait for the fan-out to finish.
	AwaitDelivery bool        `koanf:"await_delivery"`
	Email         EmailConfig `koanf:"email"`
	AMQP          AMQPConfig  `koanf:"amqp"`
	Push          PushConfig  `koanf:"push"`
}

// Email transports.
const (
	TransportSMTP = "smtp"
	TransportAMQP = "amqp"
)

// EmailConfig configures the email channel.
type EmailConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Transport     string        `koanf:"transport" validate:"oneof=smtp amqp"`
	SMTPHost      string        `koanf:"smtp_host"`
	SMTPPort      int           `koanf:"smtp_port" validate:"min=0,max=65535"`
	SMTPUser      string        `koanf:"smtp_user"`
	SMTPPassword  string        `koanf:"smtp_password"`
	FromAddress   string        `koanf:"from_address"`
	Concurrency   int           `koanf:"concurrency" validate:"min=1"`
	SendTimeout   time.Duration `koanf:"send_timeout" validate:"gt=0"`
	RatePerSecond float64       `koanf:"rate_per_second" validate:"min=0"`
}

// AMQPConfig configures the queue-backed mail transport.
type AMQPConfig struct {
	URL             string `koanf:"url"`
	Exchange        string `koanf:"exchange"`
	RoutingKey      string `koanf:"routing_key"`
	Queue           string `koanf:"queue"`
	ConnectAttempts int    `koanf:"connect_attempts" validate:"min=0"`
}

// PushConfig configures the live push channel.
type PushConfig struct {
	SendTimeout    time.Duration `koanf:"send_timeout" validate:"gt=0"`
	PingInterval   time.Duration `koanf:"ping_interval" validate:"gt=0"`
	MaxMessageSize int64         `koanf:"max_message_size" validate:"min=0"`
}

// Default returns configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Notifications: NotificationsConfig{
			Enabled: true,
			Email: EmailConfig{
				Transport:   TransportSMTP,
				SMTPPort:    587,
				Concurrency: 10,
				SendTimeout: 30 * time.Second,
			},
			AMQP: AMQPConfig{
				Exchange:        "statusboard.mail",
				RoutingKey:      "email.send",
				Queue:           "statusboard.mail.outbox",
				ConnectAttempts: 5,
			},
			Push: PushConfig{
				SendTimeout:    5 * time.Second,
				PingInterval:   30 * time.Second,
				MaxMessageSize: 4096,
			},
		},
	}
}

// Load builds the configuration. path may be empty, in which case only defaults and
// the environment are used.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps STATUSBOARD_NOTIFICATIONS__EMAIL__SMTP_HOST to notifications.email.smtp_host.
// Comma separated values become lists.
func envKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if key == "cors.allowed_origins" {
		return key, splitList(value)
	}
	return key, value
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	email := c.Notifications.Email
	if c.Notifications.Enabled && email.Enabled {
		switch email.Transport {
		case TransportSMTP:
			if email.SMTPHost == "" || email.FromAddress == "" {
				return errors.New("invalid config: notifications.email.smtp_host and from_address are required for smtp transport")
			}
		case TransportAMQP:
			if c.Notifications.AMQP.URL == "" {
				return errors.New("invalid config: notifications.amqp.url is required for amqp transport")
			}
		}
	}
	return nil
}

// Path returns the config file path from STATUSBOARD_CONFIG, or "" when unset.
func Path() string {
	return os.Getenv(EnvPrefix + "CONFIG")
}
