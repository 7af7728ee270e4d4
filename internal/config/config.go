package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the cloud-side gateway server configuration.
type Config struct {
	Port            int    `env:"PORT" envDefault:"8080"`
	DatabaseURL     string `env:"DATABASE_URL,required"`
	RedisURL        string `env:"REDIS_URL,required"`
	ServiceAPIToken string `env:"SERVICE_API_TOKEN,required"`

	HeartbeatIntervalSeconds   int `env:"HEARTBEAT_INTERVAL_SECONDS" envDefault:"30"`
	HeartbeatTimeoutMultiplier int `env:"HEARTBEAT_TIMEOUT_MULTIPLIER" envDefault:"3"`
	AuthReadDeadlineSeconds    int `env:"AUTH_READ_DEADLINE_SECONDS" envDefault:"10"`
	DefaultQueryTimeoutSeconds int `env:"DEFAULT_QUERY_TIMEOUT_SECONDS" envDefault:"30"`
	DefaultMaxRows             int `env:"DEFAULT_MAX_ROWS" envDefault:"1000"`
	QueryRateLimitPerMin       int `env:"QUERY_RATE_LIMIT_PER_MIN" envDefault:"120"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatTimeout is the window after which a session with no heartbeat is
// considered dead even if its socket has not signaled closure.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds*c.HeartbeatTimeoutMultiplier) * time.Second
}

// SweepInterval is how often the stale-session sweep runs.
func (c *Config) SweepInterval() time.Duration {
	return c.HeartbeatInterval() / 2
}

func (c *Config) AuthReadDeadline() time.Duration {
	return time.Duration(c.AuthReadDeadlineSeconds) * time.Second
}

func (c *Config) DefaultQueryTimeout() time.Duration {
	return time.Duration(c.DefaultQueryTimeoutSeconds) * time.Second
}

func (c *Config) Validate() error {
	if len(c.ServiceAPIToken) < 32 {
		return fmt.Errorf("SERVICE_API_TOKEN must be at least 32 characters (generate with: openssl rand -hex 32)")
	}
	if c.HeartbeatTimeoutMultiplier < 2 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT_MULTIPLIER must be at least 2")
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// AgentConfig holds the on-premises agent configuration.
type AgentConfig struct {
	GatewayURL   string `env:"GATEWAY_URL,required"`
	GatewayToken string `env:"GATEWAY_TOKEN,required"`

	DBDriver string `env:"DB_DRIVER" envDefault:"postgres"`
	DBDSN    string `env:"DB_DSN,required"`

	HeartbeatIntervalSeconds   int  `env:"HEARTBEAT_INTERVAL_SECONDS" envDefault:"30"`
	HeartbeatAckGraceSeconds   int  `env:"HEARTBEAT_ACK_GRACE_SECONDS" envDefault:"10"`
	ReconnectMaxBackoffSeconds int  `env:"RECONNECT_MAX_BACKOFF_SECONDS" envDefault:"60"`
	ExecutorMaxConns           int  `env:"EXECUTOR_MAX_CONNS" envDefault:"4"`
	ReadOnly                   bool `env:"READ_ONLY" envDefault:"true"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *AgentConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *AgentConfig) HeartbeatAckGrace() time.Duration {
	return time.Duration(c.HeartbeatAckGraceSeconds) * time.Second
}

func (c *AgentConfig) ReconnectMaxBackoff() time.Duration {
	return time.Duration(c.ReconnectMaxBackoffSeconds) * time.Second
}

func (c *AgentConfig) Validate() error {
	if !strings.HasPrefix(c.GatewayURL, "ws://") && !strings.HasPrefix(c.GatewayURL, "wss://") {
		return fmt.Errorf("GATEWAY_URL must be a ws:// or wss:// URL")
	}
	switch c.DBDriver {
	case "postgres", "mysql":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or mysql, got %q", c.DBDriver)
	}
	return nil
}

func LoadAgent() (*AgentConfig, error) {
	var cfg AgentConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent config: %w", err)
	}
	return &cfg, nil
}
