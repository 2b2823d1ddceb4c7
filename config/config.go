// Package config loads pttvoice settings from YAML or JSON files and
// command line overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/localrivet/pttvoice/audio"
	"github.com/localrivet/pttvoice/logx"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultPeerHost          = "10.57.1.134"
	DefaultPort              = 5151
	DefaultSampleRate        = audio.DefaultSampleRate
	DefaultMaxPayloadSize    = 1200
	DefaultReassemblyTimeout = 10 * time.Second
	DefaultSweepInterval     = 1 * time.Second
	DefaultMaxTransfers      = 256
	DefaultReadBufferSize    = 256 * 1024
	DefaultLogLevel          = "info"
	DefaultLogFormat         = logx.FormatPlain
	DefaultOutputDir         = "clips"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// ConfigProcessor can modify or extend a Config after loading.
type ConfigProcessor func(*Config) error

// Config holds every pttvoice setting. The same port is used for sending
// and receiving unless ListenAddr overrides the local side.
type Config struct {
	PeerHost          string        `json:"peer_host" yaml:"peer_host"`
	Port              int           `json:"port" yaml:"port"`
	ListenAddr        string        `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	SampleRate        int           `json:"sample_rate" yaml:"sample_rate"` // informational, not on the wire
	MaxPayloadSize    int           `json:"max_payload_size" yaml:"max_payload_size"`
	ReassemblyTimeout time.Duration `json:"reassembly_timeout" yaml:"reassembly_timeout"`
	SweepInterval     time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	MaxTransfers      int           `json:"max_transfers" yaml:"max_transfers"`
	ReadBufferSize    int           `json:"read_buffer_size" yaml:"read_buffer_size"`
	LogLevel          string        `json:"log_level" yaml:"log_level"`
	LogFormat         string        `json:"log_format" yaml:"log_format"` // plain, text or json
	OutputDir         string        `json:"output_dir" yaml:"output_dir"`
	MonitorAddr       string        `json:"monitor_addr,omitempty" yaml:"monitor_addr,omitempty"`
	MonitorSecret     string        `json:"monitor_secret,omitempty" yaml:"monitor_secret,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PeerHost:          DefaultPeerHost,
		Port:              DefaultPort,
		SampleRate:        DefaultSampleRate,
		MaxPayloadSize:    DefaultMaxPayloadSize,
		ReassemblyTimeout: DefaultReassemblyTimeout,
		SweepInterval:     DefaultSweepInterval,
		MaxTransfers:      DefaultMaxTransfers,
		ReadBufferSize:    DefaultReadBufferSize,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
		OutputDir:         DefaultOutputDir,
	}
}

// LoadFromFile loads a configuration file on top of the defaults. Files
// ending in .yaml or .yml are parsed as YAML, anything else as JSON.
// The optional processor callback can be used to customize the loaded config.
func LoadFromFile(path string, processor ConfigProcessor) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadFromYAML(data, processor)
	default:
		return LoadFromJSON(data, processor)
	}
}

// LoadFromYAML parses YAML configuration data on top of the defaults.
func LoadFromYAML(data []byte, processor ConfigProcessor) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return load(raw, processor)
}

// LoadFromJSON parses JSON configuration data on top of the defaults.
func LoadFromJSON(data []byte, processor ConfigProcessor) (*Config, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return load(raw, processor)
}

func load(raw map[string]interface{}, processor ConfigProcessor) (*Config, error) {
	cfg := Default()
	if err := cfg.Merge(raw); err != nil {
		return nil, err
	}

	// Apply processor if provided
	if processor != nil {
		if err := processor(cfg); err != nil {
			return nil, fmt.Errorf("error in config processor: %w", err)
		}
	}

	return cfg, nil
}

// Merge decodes overrides onto c. Keys are the json tag names; values may be
// strings ("10s", "1200"), numbers or bools. Unknown keys are an error.
func (c *Config) Merge(overrides map[string]interface{}) error {
	if len(overrides) == 0 {
		return nil
	}

	decoderConfig := &mapstructure.DecoderConfig{
		Result:           c,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	}
	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return fmt.Errorf("internal error creating config decoder: %w", err)
	}

	if err := decoder.Decode(overrides); err != nil {
		return fmt.Errorf("invalid config values: %w", err)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsToDurationHookFunc lets plain numbers in config files mean seconds
// for duration fields.
func secondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case uint64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		}
		return data, nil
	}
}

// Validate checks ranges and addresses.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxPayloadSize <= 0 || c.MaxPayloadSize > 65507-8 {
		errs = append(errs, fmt.Errorf("max_payload_size %d must be between 1 and 65499", c.MaxPayloadSize))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate %d must be positive", c.SampleRate))
	}
	if c.ReassemblyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("reassembly_timeout %s must be positive", c.ReassemblyTimeout))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep_interval %s must be positive", c.SweepInterval))
	}
	if c.MaxTransfers < 0 {
		errs = append(errs, fmt.Errorf("max_transfers %d must not be negative", c.MaxTransfers))
	}
	if c.ReadBufferSize < 0 {
		errs = append(errs, fmt.Errorf("read_buffer_size %d must not be negative", c.ReadBufferSize))
	}
	if _, err := logx.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := logx.ParseFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if c.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("listen_addr: %w", err))
		}
	}
	if c.MonitorAddr != "" {
		if _, _, err := net.SplitHostPort(c.MonitorAddr); err != nil {
			errs = append(errs, fmt.Errorf("monitor_addr: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// PeerAddress returns host:port of the peer, or "" when no peer is set.
func (c *Config) PeerAddress() string {
	if c.PeerHost == "" {
		return ""
	}
	return net.JoinHostPort(c.PeerHost, strconv.Itoa(c.Port))
}

// ListenAddress returns the local address to bind, defaulting to all
// interfaces on Port.
func (c *Config) ListenAddress() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return ":" + strconv.Itoa(c.Port)
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logx.Level {
	level, err := logx.ParseLevel(c.LogLevel)
	if err != nil {
		return logx.LevelInfo
	}
	return level
}

// NewLogger builds a logger writing to w in the configured format and level.
func (c *Config) NewLogger(w io.Writer) (logx.Logger, error) {
	return logx.New(w, c.LogFormat, c.Level())
}

// WriteFile saves the configuration as YAML or JSON depending on the extension.
func (c *Config) WriteFile(path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c.encodable())
	default:
		data, err = json.MarshalIndent(c.encodable(), "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// encodable renders durations as strings so written files load back.
func (c *Config) encodable() map[string]interface{} {
	out := map[string]interface{}{
		"peer_host":          c.PeerHost,
		"port":               c.Port,
		"sample_rate":        c.SampleRate,
		"max_payload_size":   c.MaxPayloadSize,
		"reassembly_timeout": c.ReassemblyTimeout.String(),
		"sweep_interval":     c.SweepInterval.String(),
		"max_transfers":      c.MaxTransfers,
		"read_buffer_size":   c.ReadBufferSize,
		"log_level":          c.LogLevel,
		"log_format":         c.LogFormat,
		"output_dir":         c.OutputDir,
	}
	if c.ListenAddr != "" {
		out["listen_addr"] = c.ListenAddr
	}
	if c.MonitorAddr != "" {
		out["monitor_addr"] = c.MonitorAddr
	}
	if c.MonitorSecret != "" {
		out["monitor_secret"] = c.MonitorSecret
	}
	return out
}
