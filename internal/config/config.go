// Package config loads the meshcored YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/internal/observability"
	"github.com/stridetastic/meshcore/internal/supervisor"
	"github.com/stridetastic/meshcore/model"
)

const (
	DefaultDatabasePath    = "meshcore.db"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultMetricsAddr     = ":9090"
	DefaultControlAddr     = ":50051"
	DefaultSchedulerTick   = 5 * time.Second
	DefaultDedupeWindow    = 10 * time.Minute
	DefaultStopTimeout     = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Config is the full meshcored configuration.
type Config struct {
	Database   DatabaseConfig              `yaml:"database"`
	Log        LogConfig                   `yaml:"log"`
	Metrics    MetricsConfig               `yaml:"metrics"`
	Control    ControlConfig               `yaml:"control"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
	Scheduler  SchedulerConfig             `yaml:"scheduler"`
	Reconnect  supervisor.ReconnectPolicy  `yaml:"reconnect"`
	Ingest     IngestConfig                `yaml:"ingest"`
	Interfaces []InterfaceConfig           `yaml:"interfaces"`
	Jobs       []JobConfig                 `yaml:"jobs"`
}

// DatabaseConfig selects the store. Path "memory" keeps everything in
// process memory.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

// ControlConfig controls the gRPC control server.
type ControlConfig struct {
	Addr            string        `yaml:"addr"`
	Disabled        bool          `yaml:"disabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SchedulerConfig controls the publisher scheduler.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Disabled bool          `yaml:"disabled"`
}

// IngestConfig controls frame handling.
type IngestConfig struct {
	DedupeWindow time.Duration   `yaml:"dedupe_window"`
	StopTimeout  time.Duration   `yaml:"stop_timeout"`
	Channels     []ChannelConfig `yaml:"channels"`
}

// ChannelConfig is a channel whose key may decrypt received packets. Key is
// base64, including the one-byte shorthand for the default key family.
type ChannelConfig struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// InterfaceConfig is an interface seeded into the store on start.
type InterfaceConfig struct {
	Name    string              `yaml:"name"`
	Type    string              `yaml:"type"`
	Enabled *bool               `yaml:"enabled"`
	MQTT    *model.MQTTConfig   `yaml:"mqtt,omitempty"`
	Serial  *model.SerialConfig `yaml:"serial,omitempty"`
	TCP     *model.TCPConfig    `yaml:"tcp,omitempty"`
}

// JobConfig is a periodic job seeded into the store on start.
type JobConfig struct {
	Name          string         `yaml:"name"`
	Description   string         `yaml:"description"`
	Enabled       *bool          `yaml:"enabled"`
	PayloadType   string         `yaml:"payload_type"`
	Interface     string         `yaml:"interface"`
	FromNode      string         `yaml:"from_node"`
	ToNode        string         `yaml:"to_node"`
	ChannelName   string         `yaml:"channel_name"`
	ChannelKey    string         `yaml:"channel_key"`
	GatewayNode   string         `yaml:"gateway_node"`
	HopLimit      uint32         `yaml:"hop_limit"`
	HopStart      uint32         `yaml:"hop_start"`
	WantAck       bool           `yaml:"want_ack"`
	PKIEncrypted  bool           `yaml:"pki_encrypted"`
	PeriodSeconds int            `yaml:"period_seconds"`
	Options       map[string]any `yaml:"options"`
}

// Load reads and parses a YAML config file and applies defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML and applies defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDatabasePath
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
	if cfg.Metrics.Addr == "" && !cfg.Metrics.Disabled {
		cfg.Metrics.Addr = DefaultMetricsAddr
	}
	if cfg.Control.Addr == "" && !cfg.Control.Disabled {
		cfg.Control.Addr = DefaultControlAddr
	}
	if cfg.Control.ShutdownTimeout == 0 {
		cfg.Control.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = DefaultSchedulerTick
	}
	if cfg.Ingest.DedupeWindow == 0 {
		cfg.Ingest.DedupeWindow = DefaultDedupeWindow
	}
	if cfg.Ingest.StopTimeout == 0 {
		cfg.Ingest.StopTimeout = DefaultStopTimeout
	}
	if cfg.Reconnect == (supervisor.ReconnectPolicy{}) {
		cfg.Reconnect = supervisor.DefaultReconnectPolicy()
	}
	cfg.Tracing = cfg.Tracing.ApplyEnv()
}

// Validate reports every problem found, joined into one error.
func Validate(cfg Config) error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if cfg.Database.Path == "" {
		add("database.path is required")
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		add("log.format %q must be text or json", cfg.Log.Format)
	}
	if cfg.Scheduler.Interval < 0 {
		add("scheduler.interval must be positive")
	}
	if cfg.Ingest.DedupeWindow < 0 {
		add("ingest.dedupe_window must be positive")
	}
	if cfg.Reconnect.Multiplier != 0 && cfg.Reconnect.Multiplier < 1 {
		add("reconnect.multiplier must be >= 1")
	}
	if cfg.Reconnect.MaxInterval > 0 && cfg.Reconnect.MaxInterval < cfg.Reconnect.InitialInterval {
		add("reconnect.max_interval must be >= initial_interval")
	}
	switch cfg.Tracing.Exporter {
	case "", "stdout", "otlp":
	default:
		add("tracing.exporter %q must be stdout or otlp", cfg.Tracing.Exporter)
	}

	for i, ch := range cfg.Ingest.Channels {
		if ch.Name == "" {
			add("ingest.channels[%d].name is required", i)
		}
		if _, err := meshproto.ExpandChannelKey(ch.Key); err != nil {
			add("ingest.channels[%d].key: %v", i, err)
		}
	}

	names := make(map[string]bool)
	for i, ic := range cfg.Interfaces {
		iface, err := ic.Interface()
		if err != nil {
			add("interfaces[%d]: %v", i, err)
			continue
		}
		switch {
		case iface.Name == "":
			add("interfaces[%d]: name is required", i)
		case names[iface.Name]:
			add("interfaces[%d]: duplicate name %q", i, iface.Name)
		}
		names[iface.Name] = true
		if err := iface.Validate(); err != nil {
			add("interfaces[%d] %s: %v", i, iface.Name, err)
		}
	}

	jobs := make(map[string]bool)
	for i, jc := range cfg.Jobs {
		job, err := jc.Job(time.Time{})
		if err != nil {
			add("jobs[%d]: %v", i, err)
			continue
		}
		if jobs[job.Name] {
			add("jobs[%d]: duplicate name %q", i, job.Name)
		}
		jobs[job.Name] = true
		if err := job.Validate(); err != nil {
			add("jobs[%d] %s: %v", i, job.Name, err)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Interface converts the entry into a model interface with defaults applied.
func (ic InterfaceConfig) Interface() (model.Interface, error) {
	kind, err := model.ParseTransportKind(ic.Type)
	if err != nil {
		return model.Interface{}, err
	}
	iface := model.Interface{
		Name:    strings.TrimSpace(ic.Name),
		Kind:    kind,
		Enabled: ic.Enabled == nil || *ic.Enabled,
	}
	if ic.MQTT != nil {
		c := *ic.MQTT
		iface.MQTT = &c
	}
	if ic.Serial != nil {
		c := *ic.Serial
		iface.Serial = &c
	}
	if ic.TCP != nil {
		c := *ic.TCP
		iface.TCP = &c
	}
	iface.ApplyDefaults()
	return iface, nil
}

// Job converts the entry into a model job with defaults applied. The
// interface binding is resolved by the seeder.
func (jc JobConfig) Job(now time.Time) (model.PublisherPeriodicJob, error) {
	pt, err := model.ParsePayloadType(jc.PayloadType)
	if err != nil {
		return model.PublisherPeriodicJob{}, err
	}
	job := model.PublisherPeriodicJob{
		Name:           strings.TrimSpace(jc.Name),
		Description:    jc.Description,
		Enabled:        jc.Enabled == nil || *jc.Enabled,
		PayloadType:    pt,
		FromNode:       jc.FromNode,
		ToNode:         jc.ToNode,
		ChannelName:    jc.ChannelName,
		ChannelKey:     jc.ChannelKey,
		GatewayNode:    jc.GatewayNode,
		HopLimit:       jc.HopLimit,
		HopStart:       jc.HopStart,
		WantAck:        jc.WantAck,
		PKIEncrypted:   jc.PKIEncrypted,
		PeriodSeconds:  jc.PeriodSeconds,
		PayloadOptions: jc.Options,
	}
	if job.ChannelName == "" {
		job.ChannelName = "LongFast"
	}
	job.ApplyDefaults(now)
	return job, nil
}
