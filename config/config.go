// Package config loads taskwire settings from defaults, an optional YAML
// file and TASKWIRE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/xqbumu/go-taskwire"
	"github.com/xqbumu/go-taskwire/logging"
)

// EnvPrefix prefixes every environment override, e.g. TASKWIRE_SERVER_ADDR.
const EnvPrefix = "TASKWIRE"

// Config is the full taskwire configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Client    ClientConfig    `mapstructure:"client" yaml:"client"`
	Processor ProcessorConfig `mapstructure:"processor" yaml:"processor"`
	Admin     AdminConfig     `mapstructure:"admin" yaml:"admin"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ServerConfig configures the task server listener.
type ServerConfig struct {
	Addr             string        `mapstructure:"addr" yaml:"addr"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	MaxFrameSize     uint32        `mapstructure:"max_frame_size" yaml:"max_frame_size"`
	StatsSchedule    string        `mapstructure:"stats_schedule" yaml:"stats_schedule"`
}

// ClientConfig configures client sessions started from the CLI.
type ClientConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	Name              string        `mapstructure:"name" yaml:"name"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ResponseTimeout   time.Duration `mapstructure:"response_timeout" yaml:"response_timeout"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	MaxFrameSize      uint32        `mapstructure:"max_frame_size" yaml:"max_frame_size"`
}

// ProcessorConfig configures the simulated work delay.
type ProcessorConfig struct {
	MinLatency time.Duration `mapstructure:"min_latency" yaml:"min_latency"`
	MaxLatency time.Duration `mapstructure:"max_latency" yaml:"max_latency"`
}

// AdminConfig configures the HTTP status API.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	Output     string `mapstructure:"output" yaml:"output"`
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:             "localhost:8888",
			HandshakeTimeout: 10 * time.Second,
			MaxFrameSize:     taskwire.DefaultMaxFrameSize,
			StatsSchedule:    "@every 1m",
		},
		Client: ClientConfig{
			Addr:              "localhost:8888",
			ConnectTimeout:    10 * time.Second,
			ResponseTimeout:   30 * time.Second,
			JoinTimeout:       time.Second,
			HeartbeatInterval: 10 * time.Second,
			MaxFrameSize:      taskwire.DefaultMaxFrameSize,
		},
		Processor: ProcessorConfig{
			MinLatency: time.Second,
			MaxLatency: 3 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: false,
			Addr:    "localhost:8889",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   "logs/taskwire.log",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// Loader reads configuration through a private viper instance.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader returns a Loader for path. An empty path searches ./configs and
// the working directory for config.yaml and tolerates its absence.
func NewLoader(path string) *Loader {
	return &Loader{v: viper.New(), path: path}
}

// Viper exposes the underlying instance so callers can bind flags.
func (l *Loader) Viper() *viper.Viper { return l.v }

// ConfigFileUsed returns the file that was read, or "" when none was found.
func (l *Loader) ConfigFileUsed() string { return l.v.ConfigFileUsed() }

// Load resolves, decodes and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetConfigType("yaml")
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.readConfigFile(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) readConfigFile() error {
	if l.path != "" {
		l.v.SetConfigFile(l.path)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", l.path, err)
		}
		return nil
	}

	l.v.SetConfigName("config")
	l.v.AddConfigPath("./configs")
	l.v.AddConfigPath(".")
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func (l *Loader) setDefaults() {
	d := Default()

	l.v.SetDefault("server.addr", d.Server.Addr)
	l.v.SetDefault("server.handshake_timeout", d.Server.HandshakeTimeout)
	l.v.SetDefault("server.max_frame_size", d.Server.MaxFrameSize)
	l.v.SetDefault("server.stats_schedule", d.Server.StatsSchedule)

	l.v.SetDefault("client.addr", d.Client.Addr)
	l.v.SetDefault("client.name", d.Client.Name)
	l.v.SetDefault("client.connect_timeout", d.Client.ConnectTimeout)
	l.v.SetDefault("client.response_timeout", d.Client.ResponseTimeout)
	l.v.SetDefault("client.join_timeout", d.Client.JoinTimeout)
	l.v.SetDefault("client.heartbeat_interval", d.Client.HeartbeatInterval)
	l.v.SetDefault("client.max_frame_size", d.Client.MaxFrameSize)

	l.v.SetDefault("processor.min_latency", d.Processor.MinLatency)
	l.v.SetDefault("processor.max_latency", d.Processor.MaxLatency)

	l.v.SetDefault("admin.enabled", d.Admin.Enabled)
	l.v.SetDefault("admin.addr", d.Admin.Addr)

	l.v.SetDefault("log.level", d.Log.Level)
	l.v.SetDefault("log.format", d.Log.Format)
	l.v.SetDefault("log.output", d.Log.Output)
	l.v.SetDefault("log.file_path", d.Log.FilePath)
	l.v.SetDefault("log.max_size", d.Log.MaxSize)
	l.v.SetDefault("log.max_backups", d.Log.MaxBackups)
	l.v.SetDefault("log.max_age", d.Log.MaxAge)
	l.v.SetDefault("log.compress", d.Log.Compress)
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.HandshakeTimeout <= 0 {
		return fmt.Errorf("server.handshake_timeout must be positive")
	}
	if c.Server.MaxFrameSize == 0 {
		return fmt.Errorf("server.max_frame_size must be positive")
	}
	if c.Server.StatsSchedule != "" {
		if _, err := cron.ParseStandard(c.Server.StatsSchedule); err != nil {
			return fmt.Errorf("server.stats_schedule: %w", err)
		}
	}

	if c.Client.Addr == "" {
		return fmt.Errorf("client.addr is required")
	}
	if c.Client.ConnectTimeout <= 0 || c.Client.ResponseTimeout <= 0 {
		return fmt.Errorf("client timeouts must be positive")
	}
	if c.Client.JoinTimeout < 0 || c.Client.HeartbeatInterval < 0 {
		return fmt.Errorf("client.join_timeout and client.heartbeat_interval must not be negative")
	}

	if c.Processor.MinLatency < 0 || c.Processor.MaxLatency < c.Processor.MinLatency {
		return fmt.Errorf("processor latency range [%s, %s] is invalid", c.Processor.MinLatency, c.Processor.MaxLatency)
	}

	if c.Admin.Enabled && c.Admin.Addr == "" {
		return fmt.Errorf("admin.addr is required when admin is enabled")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Output) {
	case "stdout", "stderr":
	case "file":
		if c.Log.FilePath == "" {
			return fmt.Errorf("log.file_path is required when log.output is file")
		}
	default:
		return fmt.Errorf("log.output must be stdout, stderr or file, got %q", c.Log.Output)
	}
	return nil
}

// YAML renders the configuration in the same layout the loader reads.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// LoggingOptions converts the log section for logging.New.
func (c LogConfig) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
	}
}

// ServerOptions converts the server and processor sections into server options.
func (c *Config) ServerOptions(logger *slog.Logger) []taskwire.ServerOption {
	opts := []taskwire.ServerOption{
		taskwire.WithHandshakeTimeout(c.Server.HandshakeTimeout),
		taskwire.WithServerMaxFrameSize(c.Server.MaxFrameSize),
		taskwire.WithStatsSchedule(c.Server.StatsSchedule),
		taskwire.WithProcessorOptions(taskwire.WithLatency(c.Processor.MinLatency, c.Processor.MaxLatency)),
	}
	if logger != nil {
		opts = append(opts,
			taskwire.WithServerLogger(logger),
			taskwire.WithProcessorOptions(taskwire.WithProcessorLogger(logger)),
		)
	}
	return opts
}

// ClientOptions converts the client section into client options.
func (c *Config) ClientOptions(logger *slog.Logger) []taskwire.ClientOption {
	opts := []taskwire.ClientOption{
		taskwire.WithResponseTimeout(c.Client.ResponseTimeout),
		taskwire.WithJoinTimeout(c.Client.JoinTimeout),
		taskwire.WithHeartbeatInterval(c.Client.HeartbeatInterval),
		taskwire.WithClientMaxFrameSize(c.Client.MaxFrameSize),
	}
	if c.Client.Name != "" {
		opts = append(opts, taskwire.WithName(c.Client.Name))
	}
	if logger != nil {
		opts = append(opts, taskwire.WithClientLogger(logger))
	}
	return opts
}
