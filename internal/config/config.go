package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration for the dashboard server and the agent
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type HTTPConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	JWTSecret          string         `mapstructure:"jwt_secret"`
	TokenTTL           time.Duration  `mapstructure:"token_ttl"`
	RefreshTTL         time.Duration  `mapstructure:"refresh_ttl"`
	LoginRatePerMinute int            `mapstructure:"login_rate_per_minute"`
	LoginBurst         int            `mapstructure:"login_burst"`
	BootstrapAdmin     BootstrapAdmin `mapstructure:"bootstrap_admin"`
}

type BootstrapAdmin struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// AgentConfig covers both the dashboard's agent client and the agent binary itself
type AgentConfig struct {
	DefaultPort    int           `mapstructure:"default_port"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Listen         string        `mapstructure:"listen"`
	HistoryPath    string        `mapstructure:"history_path"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	Retention      time.Duration `mapstructure:"retention"`
	Docker         bool          `mapstructure:"docker"`
}

type PollerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	HistoryPoints int           `mapstructure:"history_points"`
	Concurrency   int           `mapstructure:"concurrency"`
}

type AlertingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type NotifyConfig struct {
	Email          EmailConfig   `mapstructure:"email"`
	SMS            SMSConfig     `mapstructure:"sms"`
	Webhook        WebhookConfig `mapstructure:"webhook"`
	Slack          SlackConfig   `mapstructure:"slack"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type EmailConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	From       string        `mapstructure:"from"`
	Recipients []string      `mapstructure:"recipients"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type SMSConfig struct {
	Endpoint   string   `mapstructure:"endpoint"`
	APIKey     string   `mapstructure:"api_key"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

type WebhookConfig struct {
	URL string `mapstructure:"url"`
}

type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "servermon")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 60*time.Second)
	v.SetDefault("http.trusted_proxies", []string{})

	v.SetDefault("database.path", "servermon.db")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.refresh_ttl", 7*24*time.Hour)
	v.SetDefault("auth.login_rate_per_minute", 10)
	v.SetDefault("auth.login_burst", 5)
	v.SetDefault("auth.bootstrap_admin.email", "")
	v.SetDefault("auth.bootstrap_admin.password", "")

	v.SetDefault("agent.default_port", 5000)
	v.SetDefault("agent.timeout", 10*time.Second)
	v.SetDefault("agent.listen", ":5000")
	v.SetDefault("agent.history_path", "agent_history.db")
	v.SetDefault("agent.sample_interval", time.Minute)
	v.SetDefault("agent.retention", 30*24*time.Hour)
	v.SetDefault("agent.docker", false)

	v.SetDefault("poller.interval", time.Minute)
	v.SetDefault("poller.history_points", 30)
	v.SetDefault("poller.concurrency", 4)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.schedule", "0 */1 * * * *")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("notify.email.host", "")
	v.SetDefault("notify.email.port", 587)
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.password", "")
	v.SetDefault("notify.email.from", "")
	v.SetDefault("notify.email.timeout", 10*time.Second)
	v.SetDefault("notify.sms.endpoint", "")
	v.SetDefault("notify.sms.api_key", "")
	v.SetDefault("notify.sms.from", "")
	v.SetDefault("notify.webhook.url", "")
	v.SetDefault("notify.slack.webhook_url", "")
	v.SetDefault("notify.max_attempts", 3)
	v.SetDefault("notify.initial_backoff", 500*time.Millisecond)
	v.SetDefault("notify.max_backoff", 5*time.Second)
}

// Load reads config.yaml from the given search paths (./config and . when none are given),
// applies SERVERMON_* environment overrides and returns the typed configuration.
// A missing config file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("SERVERMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	if c.Poller.HistoryPoints <= 0 {
		return fmt.Errorf("poller.history_points must be positive, got %d", c.Poller.HistoryPoints)
	}
	if c.Poller.Concurrency <= 0 {
		return fmt.Errorf("poller.concurrency must be positive, got %d", c.Poller.Concurrency)
	}
	if c.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("notify.max_attempts must be positive, got %d", c.Notify.MaxAttempts)
	}
	return nil
}
