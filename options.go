package taskwire

import (
	"log/slog"
	"time"

	"github.com/xqbumu/go-taskwire/compute"
)

// ProcessorConfig contains configuration options for the Processor.
type ProcessorConfig struct {
	MinLatency time.Duration     // Lower bound of the simulated work delay
	MaxLatency time.Duration     // Upper bound of the simulated work delay; 0 disables the delay
	Generator  compute.Generator // Source of random data for the generate tasks
	Logger     *slog.Logger
}

// NewProcessorConfig returns the default processor configuration.
func NewProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MinLatency: time.Second,
		MaxLatency: 3 * time.Second,
	}
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*ProcessorConfig)

// WithLatency sets the range of the simulated work delay. Passing zeros disables it.
func WithLatency(min, max time.Duration) ProcessorOption {
	return func(cfg *ProcessorConfig) {
		if max < min {
			min, max = max, min
		}
		cfg.MinLatency = min
		cfg.MaxLatency = max
	}
}

// WithGenerator replaces the random data generator.
func WithGenerator(g compute.Generator) ProcessorOption {
	return func(cfg *ProcessorConfig) {
		cfg.Generator = g
	}
}

// WithProcessorLogger sets the processor logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(cfg *ProcessorConfig) {
		cfg.Logger = l
	}
}

// ServerConfig contains configuration options for the Server.
type ServerConfig struct {
	HandshakeTimeout time.Duration // How long a new connection may take to send CONNECT
	MaxFrameSize     uint32        // Largest accepted frame payload in bytes
	StatsSchedule    string        // Cron spec for the periodic statistics log; empty disables it
	Processor        *Processor    // Task processor; built from ProcessorOptions when nil
	ProcessorOptions []ProcessorOption
	Logger           *slog.Logger
}

// NewServerConfig returns the default server configuration.
func NewServerConfig() ServerConfig {
	return ServerConfig{
		HandshakeTimeout: 10 * time.Second,
		MaxFrameSize:     DefaultMaxFrameSize,
		StatsSchedule:    "@every 1m",
	}
}

// ServerOption configures a Server.
type ServerOption func(*ServerConfig)

// WithHandshakeTimeout configures how long the server waits for CONNECT.
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.HandshakeTimeout = d
	}
}

// WithServerMaxFrameSize configures the largest frame the server accepts.
func WithServerMaxFrameSize(n uint32) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.MaxFrameSize = n
	}
}

// WithStatsSchedule configures the cron schedule of the statistics report.
func WithStatsSchedule(spec string) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.StatsSchedule = spec
	}
}

// WithProcessor injects a ready Processor.
func WithProcessor(p *Processor) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.Processor = p
	}
}

// WithProcessorOptions configures the Processor the server builds for itself.
func WithProcessorOptions(opts ...ProcessorOption) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.ProcessorOptions = append(cfg.ProcessorOptions, opts...)
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(cfg *ServerConfig) {
		cfg.Logger = l
	}
}

// ClientConfig contains configuration options for the Client.
type ClientConfig struct {
	Name              string        // Display name sent with CONNECT
	ResponseTimeout   time.Duration // Deadline for a synchronous task reply
	JoinTimeout       time.Duration // How long Disconnect waits for the background loops
	HeartbeatInterval time.Duration // Heartbeat period; rounded to whole seconds, 0 disables
	MaxFrameSize      uint32
	Logger            *slog.Logger
}

// NewClientConfig returns the default client configuration.
func NewClientConfig() ClientConfig {
	return ClientConfig{
		ResponseTimeout:   30 * time.Second,
		JoinTimeout:       time.Second,
		HeartbeatInterval: 10 * time.Second,
		MaxFrameSize:      DefaultMaxFrameSize,
	}
}

// ClientOption configures a Client.
type ClientOption func(*ClientConfig)

// WithName sets the client's display name.
func WithName(name string) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Name = name
	}
}

// WithResponseTimeout configures how long ExecuteTask waits for its reply.
func WithResponseTimeout(d time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ResponseTimeout = d
	}
}

// WithJoinTimeout configures how long Disconnect waits for background loops.
func WithJoinTimeout(d time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.JoinTimeout = d
	}
}

// WithHeartbeatInterval configures the heartbeat period.
func WithHeartbeatInterval(d time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.HeartbeatInterval = d
	}
}

// WithClientMaxFrameSize configures the largest frame the client accepts.
func WithClientMaxFrameSize(n uint32) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.MaxFrameSize = n
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Logger = l
	}
}
