package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"reid/internal/fsutil"
)

const (
	defaultConfigDir = "~/.config/reid"
	envPrefix        = "REID"
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Paths       Paths       `yaml:"paths" mapstructure:"paths"`
	Conventions Conventions `yaml:"conventions" mapstructure:"conventions"`
	Tools       Tools       `yaml:"tools" mapstructure:"tools"`
	Evaluation  Evaluation  `yaml:"evaluation" mapstructure:"evaluation"`
	Anonymize   Anonymize   `yaml:"anonymize" mapstructure:"anonymize"`
	Logging     Logging     `yaml:"logging" mapstructure:"logging"`
	Metrics     Metrics     `yaml:"metrics" mapstructure:"metrics"`
	Export      Export      `yaml:"export" mapstructure:"export"`
	Server      Server      `yaml:"server" mapstructure:"server"`
	Watch       Watch       `yaml:"watch" mapstructure:"watch"`
}

// Paths configures the directory roots of each stage.
type Paths struct {
	DicomDir         string `yaml:"dicom_dir" mapstructure:"dicom_dir"`
	RawDir           string `yaml:"raw_dir" mapstructure:"raw_dir"`
	SkullStrippedDir string `yaml:"skull_stripped_dir" mapstructure:"skull_stripped_dir"`
	TargetDir        string `yaml:"target_dir" mapstructure:"target_dir"`
	DatabasePath     string `yaml:"database_path" mapstructure:"database_path"`
}

// Conventions names the files and directories the stages agree on.
type Conventions struct {
	TargetFile    string `yaml:"target_file" mapstructure:"target_file"`
	RealignedDir  string `yaml:"realigned_dir" mapstructure:"realigned_dir"`
	NonlinearDir  string `yaml:"nonlinear_dir" mapstructure:"nonlinear_dir"`
	MIScoreFile   string `yaml:"mi_score_file" mapstructure:"mi_score_file"`
	CostScoreFile string `yaml:"cost_score_file" mapstructure:"cost_score_file"`
	ResultsFile   string `yaml:"results_file" mapstructure:"results_file"`
}

// Tools defines binary names and shared parameters of the external tools.
type Tools struct {
	Dcm2niix  string `yaml:"dcm2niix" mapstructure:"dcm2niix"`
	BET       string `yaml:"bet" mapstructure:"bet"`
	FLIRT     string `yaml:"flirt" mapstructure:"flirt"`
	FNIRT     string `yaml:"fnirt" mapstructure:"fnirt"`
	FSLInfo   string `yaml:"fslinfo" mapstructure:"fslinfo"`
	FSL2ASCII string `yaml:"fsl2ascii" mapstructure:"fsl2ascii"`

	Timeout             string  `yaml:"timeout" mapstructure:"timeout"` // Go duration, e.g. "30m"
	BETFractional       float64 `yaml:"bet_fractional" mapstructure:"bet_fractional"`
	BETRobust           bool    `yaml:"bet_robust" mapstructure:"bet_robust"`
	MeasureCostSchedule string  `yaml:"measure_cost_schedule" mapstructure:"measure_cost_schedule"`
	TempDir             string  `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// Evaluation controls scoring.
type Evaluation struct {
	Bins  int  `yaml:"bins" mapstructure:"bins"`
	Force bool `yaml:"force" mapstructure:"force"` // recompute subjects already in a score file
}

// Anonymize controls subject id generation.
type Anonymize struct {
	Length      int    `yaml:"length" mapstructure:"length"`
	Alphabet    string `yaml:"alphabet" mapstructure:"alphabet"`
	MappingFile string `yaml:"mapping_file" mapstructure:"mapping_file"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `yaml:"level" mapstructure:"level"`             // debug, info, warn, error
	Format     string `yaml:"format" mapstructure:"format"`           // text, json
	FileOutput bool   `yaml:"file_output" mapstructure:"file_output"` // Enable file logging
	LogDir     string `yaml:"log_dir" mapstructure:"log_dir"`
}

// Metrics configures the node-exporter textfile written after each command.
type Metrics struct {
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// Export configures the S3 destination for results.
type Export struct {
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Region    string `yaml:"region" mapstructure:"region"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	PathStyle bool   `yaml:"path_style" mapstructure:"path_style"`
}

// Server configures the read-only HTTP API.
type Server struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// Watch configures the DICOM arrival watcher.
type Watch struct {
	Debounce string `yaml:"debounce" mapstructure:"debounce"`
}

// ToolTimeout parses Tools.Timeout, falling back to 30 minutes.
func (c *Config) ToolTimeout() time.Duration {
	return parseDuration(c.Tools.Timeout, 30*time.Minute)
}

// WatchDebounce parses Watch.Debounce, falling back to 5 seconds.
func (c *Config) WatchDebounce() time.Duration {
	return parseDuration(c.Watch.Debounce, 5*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Path returns the config file location: REID_CONFIG, else the first of
// config.{yaml,yml,json,toml} present in the default directory, else
// config.yaml there.
func Path() (string, error) {
	if p := os.Getenv("REID_CONFIG"); p != "" {
		return expandUser(p)
	}
	dir, err := expandUser(defaultConfigDir)
	if err != nil {
		return "", err
	}
	var candidates []string
	for _, ext := range []string{"yaml", "yml", "json", "toml"} {
		candidates = append(candidates, filepath.Join(dir, "config."+ext))
	}
	if p := fsutil.FirstExisting(candidates...); p != "" {
		return p, nil
	}
	return candidates[0], nil
}

// Load reads configuration from disk, falling back to sensible defaults.
// Environment variables REID_<SECTION>_<KEY> override both.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			fv := viper.New()
			fv.SetConfigFile(path)
			if err := fv.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			if err := v.MergeConfigMap(fv.AllSettings()); err != nil {
				return nil, fmt.Errorf("merge config %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// Validate checks values that would make every stage fail.
func (c *Config) Validate() error {
	if c.Evaluation.Bins < 2 {
		return &ConfigError{Field: "evaluation.bins", Message: "must be at least 2"}
	}
	if c.Anonymize.Length <= 0 {
		return &ConfigError{Field: "anonymize.length", Message: "must be positive"}
	}
	if len(c.Anonymize.Alphabet) < 2 {
		return &ConfigError{Field: "anonymize.alphabet", Message: "needs at least two symbols"}
	}
	for i := 0; i < len(c.Anonymize.Alphabet); i++ {
		if c.Anonymize.Alphabet[i] > 127 {
			return &ConfigError{Field: "anonymize.alphabet", Message: "must be ASCII"}
		}
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Paths.DicomDir, &c.Paths.RawDir, &c.Paths.SkullStrippedDir,
		&c.Paths.TargetDir, &c.Paths.DatabasePath, &c.Logging.LogDir,
		&c.Anonymize.MappingFile, &c.Metrics.Textfile,
	} {
		expanded, err := expandUser(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Paths: Paths{
			DicomDir:         "./data/dicom",
			RawDir:           "./data/raw",
			SkullStrippedDir: "./data/skull_stripped",
			TargetDir:        "./data/target",
			DatabasePath:     filepath.Join(os.TempDir(), "reid.db"),
		},
		Conventions: Conventions{
			TargetFile:    "MPRAGE.nii.gz",
			RealignedDir:  "Realigned",
			NonlinearDir:  "NonlinearSSD",
			MIScoreFile:   "mutual_information.json",
			CostScoreFile: "cost.json",
			ResultsFile:   "results.csv",
		},
		Tools: Tools{
			Dcm2niix:            "dcm2niix",
			BET:                 "bet",
			FLIRT:               "flirt",
			FNIRT:               "fnirt",
			FSLInfo:             "fslinfo",
			FSL2ASCII:           "fsl2ascii",
			Timeout:             "30m",
			BETFractional:       0.5,
			BETRobust:           true,
			MeasureCostSchedule: "/usr/local/fsl/etc/flirtsch/measurecost1.sch",
			TempDir:             filepath.Join(os.TempDir(), "reid"),
		},
		Evaluation: Evaluation{
			Bins: 10,
		},
		Anonymize: Anonymize{
			Length:      8,
			Alphabet:    "abcdefghijklmnopqrstuvwxyz0123456789",
			MappingFile: "./data/anonymization.yaml",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Server: Server{
			Addr: "127.0.0.1:8080",
		},
		Watch: Watch{
			Debounce: "5s",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
