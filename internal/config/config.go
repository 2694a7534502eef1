package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"autoalign/internal/align"
)

const (
	defaultConfigPath = "~/.config/autoalign/config.json"
	defaultServerAddr = ":8080"
)

// Config holds user-editable settings for alignment sessions.
type Config struct {
	Logging     Logging     `json:"logging" toml:"logging"`
	Paths       Paths       `json:"paths" toml:"paths"`
	Alignment   Alignment   `json:"alignment" toml:"alignment"`
	Optics      Optics      `json:"optics" toml:"optics"`
	Instruments Instruments `json:"instruments" toml:"instruments"`
	Tools       Tools       `json:"tools" toml:"tools"`
	Display     Display     `json:"display" toml:"display"`
	Server      Server      `json:"server" toml:"server"`
	Telemetry   Telemetry   `json:"telemetry" toml:"telemetry"`

	// path is the file the configuration was read from, empty for defaults.
	path string
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" toml:"level"`             // debug, info, warn, error
	Format     string `json:"format" toml:"format"`           // text, json
	FileOutput bool   `json:"file_output" toml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" toml:"log_dir"`
}

// Paths configures frame and database locations.
type Paths struct {
	FramesDir    string `json:"frames_dir" toml:"frames_dir"`
	DatabasePath string `json:"database_path" toml:"database_path"`
}

// Alignment holds the session defaults used when flags are not given.
type Alignment struct {
	ExposureTime             float64 `json:"exptime" toml:"exptime"`
	Filter                   string  `json:"filter" toml:"filter"` // "current" keeps the wheel as is
	Binning                  string  `json:"binning" toml:"binning"`
	Window                   string  `json:"window" toml:"window"`
	Intra                    bool    `json:"intra" toml:"intra"`
	CheckStellarDistribution bool    `json:"check_stellar_distribution" toml:"check_stellar_distribution"`
	MinimumStars             int     `json:"minimum_stars" toml:"minimum_stars"`
	MaxIterations            int     `json:"niter" toml:"niter"`
	Defocus                  *int    `json:"defocus,omitempty" toml:"defocus,omitempty"`
}

// Optics configures the correction loop and the analysis step.
type Optics struct {
	ComaThreshold        float64  `json:"coma_threshold_mm" toml:"coma_threshold_mm"`
	AstigmatismThreshold float64  `json:"astigmatism_threshold_arcsec" toml:"astigmatism_threshold_arcsec"`
	FocuserStep          float64  `json:"focuser_step" toml:"focuser_step"`
	PixelScale           float64  `json:"pixel_scale" toml:"pixel_scale"`
	SaturationLevel      float64  `json:"saturation_level" toml:"saturation_level"`
	AnalyzerCommand      []string `json:"analyzer_command" toml:"analyzer_command"`
}

// Instruments holds the command templates of each device.
type Instruments struct {
	Camera      CameraConfig      `json:"camera" toml:"camera"`
	FilterWheel FilterWheelConfig `json:"filter_wheel" toml:"filter_wheel"`
	Focuser     FocuserConfig     `json:"focuser" toml:"focuser"`
}

type CameraConfig struct {
	Command        []string `json:"command" toml:"command"`
	ReadoutSeconds int      `json:"readout_seconds" toml:"readout_seconds"`
	Width          int      `json:"width" toml:"width"`
	Height         int      `json:"height" toml:"height"`
}

type FilterWheelConfig struct {
	Command []string `json:"command" toml:"command"`
	Filters []string `json:"filters" toml:"filters"`
}

type FocuserConfig struct {
	Command        []string `json:"command" toml:"command"`
	TimeoutSeconds int      `json:"timeout_seconds" toml:"timeout_seconds"`
}

// Tools names external executables.
type Tools struct {
	SExtractor []string `json:"sextractor" toml:"sextractor"`
}

// Display selects the image viewer.
type Display struct {
	Viewer     string `json:"viewer" toml:"viewer"` // ds9, preview, none
	DS9Target  string `json:"ds9_target" toml:"ds9_target"`
	LaunchDS9  bool   `json:"launch_ds9" toml:"launch_ds9"`
	TimeoutMS  int    `json:"timeout_ms" toml:"timeout_ms"`
	PreviewDir string `json:"preview_dir" toml:"preview_dir"`
	MarkStars  bool   `json:"mark_stars" toml:"mark_stars"`
}

// Server configures the live session feed.
type Server struct {
	Addr string `json:"addr" toml:"addr"`
}

// Telemetry configures trace export. An empty endpoint disables it.
type Telemetry struct {
	Endpoint    string `json:"otlp_endpoint" toml:"otlp_endpoint"`
	ServiceName string `json:"service_name" toml:"service_name"`
}

// envOverrides are applied after the file is decoded.
type envOverrides struct {
	LogLevel     string `env:"AUTOALIGN_LOG_LEVEL"`
	Database     string `env:"AUTOALIGN_DB"`
	FramesDir    string `env:"AUTOALIGN_FRAMES_DIR"`
	Viewer       string `env:"AUTOALIGN_VIEWER"`
	ServerAddr   string `env:"AUTOALIGN_ADDR"`
	OTelEndpoint string `env:"AUTOALIGN_OTEL_ENDPOINT"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("AUTOALIGN_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads path (JSON, or TOML for a .toml extension) over the defaults and applies
// environment overrides. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	switch _, err := os.Stat(expanded); {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	case strings.EqualFold(filepath.Ext(expanded), ".toml"):
		if err := decodeTOML(expanded, cfg); err != nil {
			return nil, err
		}
		cfg.path = expanded
	default:
		if err := decodeJSON(expanded, cfg); err != nil {
			return nil, err
		}
		cfg.path = expanded
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Path is the file the configuration was read from, or "" when defaults were used.
func (c *Config) Path() string { return c.path }

func decodeJSON(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return nil
}

func decodeTOML(path string, cfg *Config) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.Database != "" {
		cfg.Paths.DatabasePath = o.Database
	}
	if o.FramesDir != "" {
		cfg.Paths.FramesDir = o.FramesDir
	}
	if o.Viewer != "" {
		cfg.Display.Viewer = o.Viewer
	}
	if o.ServerAddr != "" {
		cfg.Server.Addr = o.ServerAddr
	}
	if o.OTelEndpoint != "" {
		cfg.Telemetry.Endpoint = o.OTelEndpoint
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Logging: Logging{
			Level:  "info",
			Format: "text",
			LogDir: "./logs",
		},
		Paths: Paths{
			FramesDir:    filepath.Join(os.TempDir(), "autoalign"),
			DatabasePath: filepath.Join(os.TempDir(), "autoalign.db"),
		},
		Alignment: Alignment{
			ExposureTime:  align.DefaultExposureTime,
			Filter:        align.CurrentFilterName,
			Intra:         true,
			MinimumStars:  align.DefaultMinimumStars,
			MaxIterations: align.DefaultMaxIterations,
		},
		Optics: Optics{
			ComaThreshold:        0.009,
			AstigmatismThreshold: 10,
			FocuserStep:          1,
			PixelScale:           0.55,
		},
		Instruments: Instruments{
			Camera:  CameraConfig{ReadoutSeconds: 30},
			Focuser: FocuserConfig{TimeoutSeconds: 120},
		},
		Tools: Tools{
			SExtractor: []string{"source-extractor", "sex"},
		},
		Display: Display{
			Viewer:    "ds9",
			DS9Target: "ds9",
			TimeoutMS: 2000,
		},
		Server: Server{
			Addr: defaultServerAddr,
		},
		Telemetry: Telemetry{
			ServiceName: "autoalign",
		},
	}
}

var (
	validLevels  = []string{"debug", "info", "warn", "warning", "error"}
	validFormats = []string{"text", "json"}
	validViewers = []string{"ds9", "preview", "none"}
)

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(validLevels, strings.ToLower(c.Logging.Level)) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if !slices.Contains(validFormats, strings.ToLower(c.Logging.Format)) {
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if !slices.Contains(validViewers, strings.ToLower(c.Display.Viewer)) {
		errs = append(errs, fmt.Errorf("display.viewer: unknown viewer %q", c.Display.Viewer))
	}
	if c.Optics.ComaThreshold <= 0 {
		errs = append(errs, fmt.Errorf("optics.coma_threshold_mm must be positive"))
	}
	if c.Optics.AstigmatismThreshold <= 0 {
		errs = append(errs, fmt.Errorf("optics.astigmatism_threshold_arcsec must be positive"))
	}
	if c.Optics.FocuserStep <= 0 {
		errs = append(errs, fmt.Errorf("optics.focuser_step must be positive"))
	}
	if err := c.Session().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("alignment: %w", err))
	}
	return errors.Join(errs...)
}

// Session converts the alignment defaults into a session configuration.
func (c *Config) Session() align.Config {
	a := c.Alignment
	cfg := align.Config{
		ExposureTime:             a.ExposureTime,
		Filter:                   align.ParseFilter(a.Filter),
		Binning:                  a.Binning,
		Window:                   a.Window,
		Intra:                    a.Intra,
		CheckStellarDistribution: a.CheckStellarDistribution,
		MinimumStars:             a.MinimumStars,
		MaxIterations:            a.MaxIterations,
	}
	if a.Defocus != nil {
		d := *a.Defocus
		cfg.Defocus = &d
	}
	return cfg
}

// DisplayTimeout is the per-call viewer timeout.
func (c *Config) DisplayTimeout() time.Duration {
	return time.Duration(c.Display.TimeoutMS) * time.Millisecond
}

// AstigmatismDegrees is the U/V threshold in degrees.
func (c *Config) AstigmatismDegrees() float64 {
	return c.Optics.AstigmatismThreshold / 3600
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
