package config

import (
	"LinkGuard/internal/model"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DetectorConfig holds the settings of the detection pipeline. Everything here
// is fixed at process start; only the detection mode changes at runtime.
type DetectorConfig struct {
	WindowSize      string `yaml:"window_size"`
	BufferCapacity  int    `yaml:"buffer_capacity"`
	InitialMode     string `yaml:"initial_mode"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	NotifyBuffer    int    `yaml:"notify_buffer"`

	windowSize      time.Duration
	shutdownTimeout time.Duration
	initialMode     model.DetectionMode
}

// ScreenerConfig points at the screener model artifact.
type ScreenerConfig struct {
	Path string `yaml:"path"`
}

// ConfirmerConfig points at the confirmer model artifact and sets its schedule.
type ConfirmerConfig struct {
	Path string `yaml:"path"`
	// Every is the period, in cycles, of confirmer-only runs.
	Every   int    `yaml:"every"`
	Timeout string `yaml:"timeout"`

	timeout time.Duration
}

// SourceConfig selects and configures the packet source.
type SourceConfig struct {
	Type        string `yaml:"type"` // live, nats or replay
	Interface   string `yaml:"interface"`
	SnapLen     int32  `yaml:"snaplen"`
	Promiscuous bool   `yaml:"promiscuous"`
	Port        uint16 `yaml:"port"`
	AcceptV1    bool   `yaml:"accept_v1"`
	RecordDir   string `yaml:"record_dir"`
	PcapFile    string `yaml:"pcap_file"`
	NATSURL     string `yaml:"nats_url"`
	Subject     string `yaml:"subject"`
}

// ProbeConfig configures the remote probe publisher and its subscriber side.
type ProbeConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// NATSControlConfig enables the NATS request/reply control transport.
type NATSControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// GRPCControlConfig enables the gRPC control service.
type GRPCControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// CommandConfig configures the command channel and its transports.
type CommandConfig struct {
	Stdin   bool `yaml:"stdin"`
	Signals bool `yaml:"signals"`
	// RateLimit is the sustained number of accepted commands per second.
	RateLimit    float64           `yaml:"rate_limit"`
	Burst        int               `yaml:"burst"`
	AllowedPeers []string          `yaml:"allowed_peers"`
	NATS         NATSControlConfig `yaml:"nats"`
	GRPC         GRPCControlConfig `yaml:"grpc"`
}

// APIConfig configures the HTTP status and control API.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// SMTPConfig holds the settings for sending emails.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// ClickHouseConfig holds the connection settings of the ClickHouse sink.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

// SinkConfig configures one alert sink. Only the block matching Type is read.
type SinkConfig struct {
	Type string `yaml:"type"`

	// memory
	Size int `yaml:"size"`

	// nats, kafka, mqtt
	URL      string   `yaml:"url"`
	Subject  string   `yaml:"subject"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
	QoS      byte     `yaml:"qos"`

	ClickHouse ClickHouseConfig `yaml:"clickhouse"`

	// email
	SMTP        SMTPConfig `yaml:"smtp"`
	MinInterval string     `yaml:"min_interval"`
}

// AlerterConfig configures event delivery to the sinks.
type AlerterConfig struct {
	QueueSize    int          `yaml:"queue_size"`
	MaxRetries   int          `yaml:"max_retries"`
	RetryBackoff string       `yaml:"retry_backoff"`
	Sinks        []SinkConfig `yaml:"sinks"`

	retryBackoff time.Duration
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
	File   string `yaml:"file"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Detector  DetectorConfig  `yaml:"detector"`
	Screener  ScreenerConfig  `yaml:"screener"`
	Confirmer ConfirmerConfig `yaml:"confirmer"`
	Source    SourceConfig    `yaml:"source"`
	Probe     ProbeConfig     `yaml:"probe"`
	Command   CommandConfig   `yaml:"command"`
	API       APIConfig       `yaml:"api"`
	Alerter   AlerterConfig   `yaml:"alerter"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoadConfig reads the configuration from a YAML file, fills defaults and
// validates it.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills defaults, parses durations and rejects inconsistent settings.
// Tail lengths live in the model artifacts and are checked against the buffer
// capacity when the models are loaded.
func (c *Config) Validate() error {
	d := &c.Detector
	if d.WindowSize == "" {
		d.WindowSize = "600ms"
	}
	if d.BufferCapacity == 0 {
		d.BufferCapacity = 900
	}
	if d.InitialMode == "" {
		d.InitialMode = "hybrid"
	}
	if d.ShutdownTimeout == "" {
		d.ShutdownTimeout = "5s"
	}
	if d.NotifyBuffer == 0 {
		d.NotifyBuffer = 16
	}
	var err error
	if d.windowSize, err = positiveDuration("detector.window_size", d.WindowSize); err != nil {
		return err
	}
	if d.shutdownTimeout, err = positiveDuration("detector.shutdown_timeout", d.ShutdownTimeout); err != nil {
		return err
	}
	if d.BufferCapacity < 0 {
		return fmt.Errorf("detector.buffer_capacity must be positive, got %d", d.BufferCapacity)
	}
	if d.NotifyBuffer < 0 {
		return fmt.Errorf("detector.notify_buffer must be positive, got %d", d.NotifyBuffer)
	}
	if d.initialMode, err = model.ParseDetectionMode(d.InitialMode); err != nil {
		return fmt.Errorf("detector.initial_mode: %w", err)
	}

	cf := &c.Confirmer
	if cf.Every == 0 {
		cf.Every = 10
	}
	if cf.Every < 0 {
		return fmt.Errorf("confirmer.every must be positive, got %d", cf.Every)
	}
	if cf.Timeout == "" {
		cf.Timeout = "2s"
	}
	if cf.timeout, err = positiveDuration("confirmer.timeout", cf.Timeout); err != nil {
		return err
	}

	if d.initialMode.Requires(model.Screener) && c.Screener.Path == "" {
		return fmt.Errorf("screener.path is required by initial mode %s", d.initialMode)
	}
	if d.initialMode.Requires(model.Confirmer) && cf.Path == "" {
		return fmt.Errorf("confirmer.path is required by initial mode %s", d.initialMode)
	}

	s := &c.Source
	if s.Type == "" {
		s.Type = "live"
	}
	switch s.Type {
	case "live":
		if s.Interface == "" {
			return fmt.Errorf("source.interface is required for live capture")
		}
		if s.SnapLen == 0 {
			s.SnapLen = 1600
		}
	case "nats":
		if s.NATSURL == "" {
			s.NATSURL = "nats://127.0.0.1:4222"
		}
		if s.Subject == "" {
			s.Subject = "linkguard.probe.counts"
		}
	case "replay":
		if s.PcapFile == "" {
			return fmt.Errorf("source.pcap_file is required for replay")
		}
	default:
		return fmt.Errorf("unknown source type %q", s.Type)
	}

	if c.Probe.NATSURL == "" {
		c.Probe.NATSURL = "nats://127.0.0.1:4222"
	}
	if c.Probe.Subject == "" {
		c.Probe.Subject = "linkguard.probe.counts"
	}

	cmd := &c.Command
	if cmd.RateLimit == 0 {
		cmd.RateLimit = 2
	}
	if cmd.Burst == 0 {
		cmd.Burst = 4
	}
	if cmd.RateLimit < 0 || cmd.Burst < 0 {
		return fmt.Errorf("command rate limit must be positive")
	}
	if cmd.NATS.Enabled {
		if cmd.NATS.URL == "" {
			cmd.NATS.URL = "nats://127.0.0.1:4222"
		}
		if cmd.NATS.Subject == "" {
			cmd.NATS.Subject = "linkguard.control"
		}
	}
	if cmd.GRPC.Enabled && cmd.GRPC.ListenAddr == "" {
		cmd.GRPC.ListenAddr = ":50061"
	}
	if c.API.Enabled && c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}

	a := &c.Alerter
	if a.QueueSize == 0 {
		a.QueueSize = 256
	}
	if a.MaxRetries == 0 {
		a.MaxRetries = 3
	}
	if a.RetryBackoff == "" {
		a.RetryBackoff = "200ms"
	}
	if a.retryBackoff, err = positiveDuration("alerter.retry_backoff", a.RetryBackoff); err != nil {
		return err
	}
	if len(a.Sinks) == 0 {
		a.Sinks = []SinkConfig{{Type: "log"}}
	}
	for i, sink := range a.Sinks {
		if sink.Type == "" {
			return fmt.Errorf("alerter.sinks[%d].type is required", i)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	return nil
}

// Window returns the parsed window size.
func (d DetectorConfig) Window() time.Duration { return d.windowSize }

// Shutdown returns the parsed shutdown timeout.
func (d DetectorConfig) Shutdown() time.Duration { return d.shutdownTimeout }

// Mode returns the parsed initial detection mode.
func (d DetectorConfig) Mode() model.DetectionMode { return d.initialMode }

// JobTimeout returns the parsed confirmation job timeout.
func (c ConfirmerConfig) JobTimeout() time.Duration { return c.timeout }

// Backoff returns the parsed retry backoff.
func (a AlerterConfig) Backoff() time.Duration { return a.retryBackoff }

func positiveDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration", field)
	}
	return d, nil
}
