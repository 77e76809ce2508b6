// Package config holds the runtime configuration shared by the commands.
// Values come from DefaultConfig, then an optional YAML file, then flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/traffic-vision/overlay-monitor/internal/logger"
)

// Config is the full configuration tree.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Overlay   OverlayConfig   `yaml:"overlay"`
	Live      LiveConfig      `yaml:"live"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Store     StoreConfig     `yaml:"store"`
	Recording RecordingConfig `yaml:"recording"`
	Log       LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	StatusInterval time.Duration `yaml:"status_interval"`
	MJPEGInterval  time.Duration `yaml:"mjpeg_interval"`
}

type OverlayConfig struct {
	DisplayWidth  int `yaml:"display_width"`
	DisplayHeight int `yaml:"display_height"`
	NativeWidth   int `yaml:"native_width"`
	NativeHeight  int `yaml:"native_height"`
	FPS           int `yaml:"fps"`
	JPEGQuality   int `yaml:"jpeg_quality"`
}

// FrameInterval is the redraw period for FPS.
func (o OverlayConfig) FrameInterval() time.Duration {
	if o.FPS <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(o.FPS)
}

type LiveConfig struct {
	PageURL          string        `yaml:"page_url"`
	AnalysisID       string        `yaml:"analysis_id"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxAttempts      int           `yaml:"max_attempts"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type PlaybackConfig struct {
	AnalysisID         string        `yaml:"analysis_id"`
	DetectionsPath     string        `yaml:"detections_path"`
	Duration           time.Duration `yaml:"duration"`
	Rate               float64       `yaml:"rate"`
	TimeUpdateInterval time.Duration `yaml:"timeupdate_interval"`
	Autoplay           bool          `yaml:"autoplay"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type RecordingConfig struct {
	OutputDir string `yaml:"output_dir"`
}

type LogConfig struct {
	Level logger.LogLevel `yaml:"level"`
	Color bool            `yaml:"color"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:           ":8080",
			StatusInterval: 2 * time.Second,
			MJPEGInterval:  33 * time.Millisecond,
		},
		Overlay: OverlayConfig{
			DisplayWidth:  1280,
			DisplayHeight: 720,
			NativeWidth:   1920,
			NativeHeight:  1080,
			FPS:           30,
			JPEGQuality:   80,
		},
		Live: LiveConfig{
			PageURL:          "http://localhost:8000/",
			BaseDelay:        time.Second,
			MaxAttempts:      5,
			HandshakeTimeout: 10 * time.Second,
		},
		Playback: PlaybackConfig{
			Rate:               1,
			TimeUpdateInterval: 250 * time.Millisecond,
			Autoplay:           true,
		},
		Store: StoreConfig{
			Path: "./traffic.db",
		},
		Recording: RecordingConfig{
			OutputDir: "./recordings",
		},
		Log: LogConfig{
			Level: logger.INFO,
			Color: true,
		},
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Overlay.DisplayWidth <= 0 || c.Overlay.DisplayHeight <= 0 {
		errs = append(errs, fmt.Errorf("overlay display size must be positive, got %dx%d",
			c.Overlay.DisplayWidth, c.Overlay.DisplayHeight))
	}
	if c.Overlay.JPEGQuality < 1 || c.Overlay.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("overlay jpeg_quality must be 1-100, got %d", c.Overlay.JPEGQuality))
	}
	if c.Live.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("live base_delay must not be negative"))
	}
	if c.Live.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("live max_attempts must not be negative"))
	}
	if c.Playback.Rate <= 0 {
		errs = append(errs, fmt.Errorf("playback rate must be positive, got %v", c.Playback.Rate))
	}
	return errors.Join(errs...)
}

// Flags binds the command-line overrides shared by every command onto fs.
// Defaults are taken from c, so call it after the YAML file is loaded.
func (c *Config) Flags(fs *flag.FlagSet) {
	fs.StringVar(&c.HTTP.Addr, "http", c.HTTP.Addr, "HTTP server address")
	fs.DurationVar(&c.HTTP.StatusInterval, "status-interval", c.HTTP.StatusInterval, "Status push interval")
	fs.IntVar(&c.Overlay.DisplayWidth, "width", c.Overlay.DisplayWidth, "Overlay display width")
	fs.IntVar(&c.Overlay.DisplayHeight, "height", c.Overlay.DisplayHeight, "Overlay display height")
	fs.IntVar(&c.Overlay.NativeWidth, "native-width", c.Overlay.NativeWidth, "Source video width")
	fs.IntVar(&c.Overlay.NativeHeight, "native-height", c.Overlay.NativeHeight, "Source video height")
	fs.IntVar(&c.Overlay.FPS, "fps", c.Overlay.FPS, "Overlay redraw rate")
	fs.IntVar(&c.Overlay.JPEGQuality, "jpeg-quality", c.Overlay.JPEGQuality, "Overlay JPEG quality")
	fs.StringVar(&c.Store.Path, "db", c.Store.Path, "SQLite database path")
	fs.StringVar(&c.Recording.OutputDir, "recordings", c.Recording.OutputDir, "Recording output directory")
	fs.Var(levelFlag{&c.Log.Level}, "log-level", "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&c.Log.Color, "log-color", c.Log.Color, "Enable colored log output")
}

// LiveFlags binds the live monitor overrides.
func (c *Config) LiveFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Live.PageURL, "url", c.Live.PageURL, "Processing page URL (scheme selects ws/wss)")
	fs.StringVar(&c.Live.AnalysisID, "analysis", c.Live.AnalysisID, "Analysis id to monitor")
	fs.DurationVar(&c.Live.BaseDelay, "base-delay", c.Live.BaseDelay, "Reconnect base delay")
	fs.IntVar(&c.Live.MaxAttempts, "max-attempts", c.Live.MaxAttempts, "Reconnect attempts before giving up")
}

// PlaybackFlags binds the playback overrides.
func (c *Config) PlaybackFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Playback.AnalysisID, "analysis", c.Playback.AnalysisID, "Analysis id to load from the database")
	fs.StringVar(&c.Playback.DetectionsPath, "detections", c.Playback.DetectionsPath, "Detections JSON file (instead of the database)")
	fs.DurationVar(&c.Playback.Duration, "duration", c.Playback.Duration, "Video duration (default: last detection)")
	fs.Float64Var(&c.Playback.Rate, "rate", c.Playback.Rate, "Playback rate")
	fs.BoolVar(&c.Playback.Autoplay, "autoplay", c.Playback.Autoplay, "Start playing immediately")
}

// Parse builds the configuration for a command: defaults, then the file
// named by -config (if any), then the remaining flags. bind registers the
// command-specific flags.
func Parse(name string, args []string, bind ...func(*Config, *flag.FlagSet)) (Config, error) {
	cfg := DefaultConfig()
	if path := configPath(args); path != "" {
		loaded, err := Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", "", "YAML config file")
	cfg.Flags(fs)
	for _, b := range bind {
		b(&cfg, fs)
	}
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// configPath finds -config/--config in args without parsing the rest.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name := strings.TrimLeft(a, "-")
		if len(a)-len(name) == 0 || len(a)-len(name) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

type levelFlag struct{ l *logger.LogLevel }

func (f levelFlag) String() string {
	if f.l == nil {
		return ""
	}
	return strings.ToLower(f.l.String())
}

func (f levelFlag) Set(s string) error {
	return f.l.UnmarshalText([]byte(s))
}
