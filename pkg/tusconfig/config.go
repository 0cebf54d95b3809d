// Package tusconfig loads resumux.UploadRequest defaults from a TOML file
// layered over built-in defaults; the caller applies the result with
// Options.Apply and may override fields afterwards. Environment variables
// are not consulted.
package tusconfig

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aleksikoho/resumux"
)

// Config is the on-disk TOML shape. Every field has a default, so a config
// file only needs to list the keys it wants to override.
type Config struct {
	Endpoint        string   `toml:"endpoint"`
	ChunkSize       string   `toml:"chunk_size"`
	ParallelUploads int      `toml:"parallel_uploads"`
	RetryDelays     []string `toml:"retry_delays"`
	Dialect         string   `toml:"dialect"`
	ConnectTimeout  string   `toml:"connect_timeout"`
	StoreDir        string   `toml:"store_dir"`
	LogLevel        string   `toml:"log_level"`
}

// Default values for configuration options, the "layer 0" starting point
// used both for TOML decoding (unset fields keep these) and the zero-config
// path where no file exists at all.
const (
	defaultChunkSize       = "10MiB"
	defaultParallelUploads = 1
	defaultDialect         = "v1"
	defaultConnectTimeout  = "10s"
	defaultLogLevel        = "info"
)

var defaultRetryDelays = []string{"0s", "1s", "3s", "5s", "10s", "20s"}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:       defaultChunkSize,
		ParallelUploads: defaultParallelUploads,
		RetryDelays:     append([]string(nil), defaultRetryDelays...),
		Dialect:         defaultDialect,
		ConnectTimeout:  defaultConnectTimeout,
		LogLevel:        defaultLogLevel,
	}
}

// Load reads and parses a TOML config file. Unknown keys are fatal: a typo
// in a config file should surface immediately rather than silently using a
// default the author never intended.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("tusconfig: parsing %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads path if it exists, otherwise returns DefaultConfig().
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Options is the fully resolved, typed form of Config: sizes parsed to
// bytes, durations parsed to time.Duration, ready to populate a
// resumux.UploadRequest.
type Options struct {
	Endpoint        string
	ChunkSize       int64
	ParallelUploads int
	RetryDelays     []time.Duration
	Dialect         resumux.Protocol
	ConnectTimeout  time.Duration
	StoreDir        string
	LogLevel        string
}

// Resolve parses a Config's string fields into the typed Options a Driver
// can consume directly.
func Resolve(cfg *Config) (*Options, error) {
	chunkSize, err := parseSize(cfg.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("tusconfig: chunk_size: %w", err)
	}

	connectTimeout, err := time.ParseDuration(cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("tusconfig: connect_timeout: %w", err)
	}

	delays := make([]time.Duration, 0, len(cfg.RetryDelays))
	for i, raw := range cfg.RetryDelays {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("tusconfig: retry_delays[%d]: %w", i, err)
		}
		delays = append(delays, d)
	}

	dialect, err := parseDialect(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	return &Options{
		Endpoint:        cfg.Endpoint,
		ChunkSize:       chunkSize,
		ParallelUploads: cfg.ParallelUploads,
		RetryDelays:     delays,
		Dialect:         dialect,
		ConnectTimeout:  connectTimeout,
		StoreDir:        cfg.StoreDir,
		LogLevel:        cfg.LogLevel,
	}, nil
}

// Apply copies the fields Options owns onto req, leaving everything else
// (capability handles, callbacks, Input) for the caller to set. Fields
// outside UploadRequest's scope — ConnectTimeout, StoreDir, LogLevel — are
// meant for constructing the Transport, URLStore, and logger respectively.
func (o *Options) Apply(req *resumux.UploadRequest) {
	req.Endpoint = o.Endpoint
	req.ChunkSize = o.ChunkSize
	req.ParallelUploads = o.ParallelUploads
	req.RetryDelays = o.RetryDelays
	req.Protocol = o.Dialect
}

func parseDialect(s string) (resumux.Protocol, error) {
	switch s {
	case "", "v1":
		return resumux.ProtocolV1, nil
	case "draft":
		return resumux.ProtocolDraft, nil
	default:
		return 0, fmt.Errorf("tusconfig: dialect: unknown value %q (want \"v1\" or \"draft\")", s)
	}
}
