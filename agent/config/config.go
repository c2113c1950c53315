package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var defaultConfigPaths = []string{
	"./agent.yaml",
	"/etc/sjq/agent.yaml",
}

type Config struct {
	ListenAddress   string        `yaml:"listen_address"`
	ServerAddress   string        `yaml:"server_address"`
	LogPath         string        `yaml:"log_path"`
	MaxCPU          float64       `yaml:"max_cpu"`
	SkipExitCode    int           `yaml:"skip_exit_code"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	IOTimeout       time.Duration `yaml:"io_timeout"`
	ReportAttempts  int           `yaml:"report_attempts"`
	ReportBackoff   time.Duration `yaml:"report_backoff"`
	StatsInterval   time.Duration `yaml:"stats_interval"`

	Tasks map[string]TaskDefinition `yaml:"tasks"`
}

// TaskDefinition is how the agent runs one task type. Args are the default
// arguments; a task's override replaces them.
type TaskDefinition struct {
	Command string `yaml:"command"`
	Args    string `yaml:"args"`
}

func Load(path string) (*Config, error) {
	var configPath string

	if path != "" {
		configPath = path
	} else {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
	}

	if configPath == "" {
		return nil, fmt.Errorf("config file not found in default paths")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes yaml, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":23345"
	}
	if c.LogPath == "" {
		c.LogPath = "/var/log/sjq-agent.log"
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 6 * time.Hour
	}
	if c.ExchangeTimeout == 0 {
		c.ExchangeTimeout = 30 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = 10 * time.Second
	}
	if c.ReportAttempts == 0 {
		c.ReportAttempts = 5
	}
	if c.ReportBackoff == 0 {
		c.ReportBackoff = 10 * time.Second
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = time.Minute
	}
}

func (c *Config) Validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("server_address is required")
	}
	if _, _, err := net.SplitHostPort(c.ServerAddress); err != nil {
		return fmt.Errorf("server_address must be host:port: %w", err)
	}
	if c.MaxCPU < 0 || c.MaxCPU > 100 {
		return fmt.Errorf("max_cpu must be between 0 and 100")
	}
	if len(c.Tasks) == 0 {
		return fmt.Errorf("at least one task type is required")
	}
	for name, def := range c.Tasks {
		if strings.TrimSpace(def.Command) == "" {
			return fmt.Errorf("task %q: command is required", name)
		}
	}
	return nil
}
