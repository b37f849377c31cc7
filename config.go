package mqtransport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	BackendValkey = "valkey"
	BackendAMQP   = "amqp"
	BackendNATS   = "nats"
)

// Config is the connection configuration shared by every consumer and
// publisher a transport creates.
type Config struct {
	// Backend: valkey, amqp or nats
	Backend  string `mapstructure:"backend"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// VHost is only used by the amqp backend
	VHost string `mapstructure:"vhost"`

	// ClientName is reported to the broker where supported.
	ClientName string `mapstructure:"client_name"`

	// Prefetch limits unacknowledged deliveries per amqp consumer.
	Prefetch int `mapstructure:"prefetch"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format      string `mapstructure:"format"`
	Development bool   `mapstructure:"development"`
}

// DefaultConfig returns a Config pointing at a local Valkey server.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendValkey,
		Host:       "localhost",
		Port:       6379,
		VHost:      "/",
		ClientName: "mqtransport",
		Prefetch:   1,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the fields every backend relies on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("config: host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	switch c.Backend {
	case BackendValkey, BackendAMQP, BackendNATS:
	default:
		return fmt.Errorf("config: %w %q", ErrUnknownBackend, c.Backend)
	}
	return nil
}

// LoadConfig reads configuration from an optional YAML file and from
// MQT_* environment variables, which take precedence.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("backend", def.Backend)
	v.SetDefault("host", def.Host)
	v.SetDefault("port", def.Port)
	v.SetDefault("username", def.Username)
	v.SetDefault("password", def.Password)
	v.SetDefault("vhost", def.VHost)
	v.SetDefault("client_name", def.ClientName)
	v.SetDefault("prefetch", def.Prefetch)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.development", def.Log.Development)

	v.SetEnvPrefix("MQT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
