// Package config loads scan settings.
//
// Settings are resolved in three layers: Defaults, then an optional config
// file, then command-line flags. Files are YAML; files ending in .json or
// .jsonc are read as JSON with comments and trailing commas allowed.
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

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/twinfer/bang/internal/diag"
)

// Config is the complete set of scan settings.
type Config struct {
	// TempDir is where scan workspaces are created.
	TempDir string `yaml:"tempdir"`
	// Jobs is the number of executors; 0 means one per CPU.
	Jobs     int `yaml:"jobs"`
	MaxDepth int `yaml:"max_depth"`
	// MaxBytes caps the bytes extracted by decompressors across the scan.
	// 0 means unlimited.
	MaxBytes ByteSize `yaml:"max_bytes"`
	// RemoveScanData deletes the extracted data files once the scan is
	// done, keeping only the records.
	RemoveScanData bool `yaml:"removescandata"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Verbose   bool   `yaml:"verbose"`

	ParseTimeout      time.Duration `yaml:"parse_timeout"`
	ParseGrace        time.Duration `yaml:"parse_grace"`
	QueueCapacity     int           `yaml:"queue_capacity"`
	WorkerMemoryLimit ByteSize      `yaml:"worker_memory_limit"`

	// Index writes index.sqlite next to the records.
	Index       bool     `yaml:"index"`
	GrammarDirs []string `yaml:"grammar_dirs"`
}

// Defaults returns the settings used when nothing else is configured.
func Defaults() Config {
	return Config{
		TempDir:       os.TempDir(),
		MaxDepth:      25,
		LogLevel:      "info",
		LogFormat:     "json",
		ParseTimeout:  30 * time.Second,
		ParseGrace:    5 * time.Second,
		QueueCapacity: 1024,
	}
}

// Load reads path and layers it over Defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	file, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return Merge(Defaults(), file), nil
}

// Parse decodes a config document. ext selects the syntax: ".json" and
// ".jsonc" are JSON with comments, anything else is YAML. Unknown keys
// are rejected.
func Parse(data []byte, ext string) (Config, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML once comments are gone.
		data = jsonc.ToJSON(data)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// Merge returns base with every field that is set in over replaced.
// Zero values in over do not override; booleans can only be switched on.
func Merge(base, over Config) Config {
	out := base
	if over.TempDir != "" {
		out.TempDir = over.TempDir
	}
	if over.Jobs != 0 {
		out.Jobs = over.Jobs
	}
	if over.MaxDepth != 0 {
		out.MaxDepth = over.MaxDepth
	}
	if over.MaxBytes != 0 {
		out.MaxBytes = over.MaxBytes
	}
	out.RemoveScanData = out.RemoveScanData || over.RemoveScanData
	if s := strings.TrimSpace(over.LogLevel); s != "" {
		out.LogLevel = s
	}
	if s := strings.TrimSpace(over.LogFormat); s != "" {
		out.LogFormat = s
	}
	out.Verbose = out.Verbose || over.Verbose
	if over.ParseTimeout != 0 {
		out.ParseTimeout = over.ParseTimeout
	}
	if over.ParseGrace != 0 {
		out.ParseGrace = over.ParseGrace
	}
	if over.QueueCapacity != 0 {
		out.QueueCapacity = over.QueueCapacity
	}
	if over.WorkerMemoryLimit != 0 {
		out.WorkerMemoryLimit = over.WorkerMemoryLimit
	}
	out.Index = out.Index || over.Index
	if len(over.GrammarDirs) > 0 {
		out.GrammarDirs = append([]string(nil), over.GrammarDirs...)
	}
	return out
}

// Validate reports every problem with cfg.
func (c Config) Validate() error {
	var errs []error
	if c.TempDir == "" {
		errs = append(errs, errors.New("tempdir must be set"))
	}
	if c.Jobs < 0 {
		errs = append(errs, fmt.Errorf("jobs must not be negative, got %d", c.Jobs))
	}
	if c.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("max_depth must be at least 1, got %d", c.MaxDepth))
	}
	if c.MaxBytes < 0 {
		errs = append(errs, errors.New("max_bytes must not be negative"))
	}
	if _, err := diag.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	if c.ParseTimeout <= 0 {
		errs = append(errs, errors.New("parse_timeout must be positive"))
	}
	if c.ParseGrace < 0 {
		errs = append(errs, errors.New("parse_grace must not be negative"))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("queue_capacity must be at least 1, got %d", c.QueueCapacity))
	}
	if c.WorkerMemoryLimit < 0 {
		errs = append(errs, errors.New("worker_memory_limit must not be negative"))
	}
	for _, dir := range c.GrammarDirs {
		if info, err := os.Stat(dir); err != nil {
			errs = append(errs, fmt.Errorf("grammar_dirs: %w", err))
		} else if !info.IsDir() {
			errs = append(errs, fmt.Errorf("grammar_dirs: %s is not a directory", dir))
		}
	}
	return errors.Join(errs...)
}
