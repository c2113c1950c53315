package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("config: invalid value")

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retention RetentionConfig `mapstructure:"retention"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Features  FeaturesConfig  `mapstructure:"features"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// ServerConfig is the command protocol listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ExchangeTimeout time.Duration `mapstructure:"exchange_timeout"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type HTTPConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

func (h *HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig holds the period of every periodic job in seconds.
type SchedulerConfig struct {
	QueueFreq        int `mapstructure:"queue_freq"`
	PingFreq         int `mapstructure:"ping_freq"`
	ActiveTaskFreq   int `mapstructure:"active_task_freq"`
	QueueCleanerFreq int `mapstructure:"queue_cleaner_freq"`
}

// RetentionConfig holds the default retention windows in days per terminal state.
type RetentionConfig struct {
	KeepCompletedDays int `mapstructure:"keep_completed_days"`
	KeepFailedDays    int `mapstructure:"keep_failed_days"`
	KeepSkippedDays   int `mapstructure:"keep_skipped_days"`
}

type AgentsConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	IOTimeout      time.Duration `mapstructure:"io_timeout"`
	PingTimeout    time.Duration `mapstructure:"ping_timeout"`
	Static         []StaticAgent `mapstructure:"static"`
}

type StaticAgent struct {
	Address   string   `mapstructure:"address"`
	TaskTypes []string `mapstructure:"task_types"`
	MaxTasks  int      `mapstructure:"max_tasks"`
}

type FeaturesConfig struct {
	RequestIDHeader      string `mapstructure:"request_id_header"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging"`
}

type AuthConfig struct {
	AdminAPIKey    string   `mapstructure:"admin_api_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 23347)
	v.SetDefault("server.exchange_timeout", 30*time.Second)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8081)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.queue_freq", 30)
	v.SetDefault("scheduler.ping_freq", 120)
	v.SetDefault("scheduler.active_task_freq", 60)
	v.SetDefault("scheduler.queue_cleaner_freq", 1200)

	v.SetDefault("retention.keep_completed_days", 7)
	v.SetDefault("retention.keep_failed_days", 21)
	v.SetDefault("retention.keep_skipped_days", 1)

	v.SetDefault("agents.connect_timeout", 5*time.Second)
	v.SetDefault("agents.io_timeout", 10*time.Second)
	v.SetDefault("agents.ping_timeout", 5*time.Second)

	v.SetDefault("features.request_id_header", "X-Request-ID")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("SJQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces the ranges the engine accepts for job periods and
// retention windows.
func (c *Config) Validate() error {
	checks := []struct {
		name     string
		val      int
		min, max int
	}{
		{"scheduler.queue_freq", c.Scheduler.QueueFreq, 30, 300},
		{"scheduler.ping_freq", c.Scheduler.PingFreq, 30, 7200},
		{"scheduler.active_task_freq", c.Scheduler.ActiveTaskFreq, 15, 120},
		{"scheduler.queue_cleaner_freq", c.Scheduler.QueueCleanerFreq, 600, 86400},
		{"retention.keep_completed_days", c.Retention.KeepCompletedDays, 1, 365},
		{"retention.keep_failed_days", c.Retention.KeepFailedDays, 1, 365},
		{"retention.keep_skipped_days", c.Retention.KeepSkippedDays, 1, 365},
	}
	for _, ch := range checks {
		if err := ValidateIntRange(ch.val, ch.min, ch.max); err != nil {
			return fmt.Errorf("%s: %w", ch.name, err)
		}
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		return fmt.Errorf("database.driver must be postgres or memory: %w", ErrInvalidConfig)
	}
	return nil
}

func ValidateIntRange(val, min, max int) error {
	if val < min || val > max {
		return fmt.Errorf("must be an integer in the range of %d - %d: %w", min, max, ErrInvalidConfig)
	}
	return nil
}
