// Package config assembles the runtime configuration from defaults, an
// optional YAML file, the environment and command-line flags, in that order.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/deviation"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/stream"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/webmonitor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/zone"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ZM_"

// LabelsConfig locates the reference regions.
type LabelsConfig struct {
	Dir      string `yaml:"dir"`
	DataYAML string `yaml:"data_yaml"`
}

// TrackerConfig configures zone tracking.
type TrackerConfig struct {
	MaxIdleFrames int `yaml:"max_idle_frames"`
}

// Config is the complete runtime configuration.
type Config struct {
	Source       capture.Config       `yaml:"source"`
	PolicyPreset string               `yaml:"policy_preset"` // "default" or "conservative"; replaces Policy when set
	Policy       stream.Policy        `yaml:"policy"`
	Detector     detect.HTTPConfig    `yaml:"detector"` // empty URL runs without a model
	Pipeline     pipeline.Config      `yaml:"pipeline"`
	Tracker      TrackerConfig        `yaml:"tracker"`
	Zone         [][2]float64         `yaml:"zone"` // initial zone in pixels; empty starts without one
	Thresholds   deviation.Thresholds `yaml:"thresholds"`
	Labels       LabelsConfig         `yaml:"labels"`
	Web          webmonitor.Config    `yaml:"web"`
	MetricsAddr  string               `yaml:"metrics_addr"` // empty serves /metrics on the web address only
	PprofAddr    string               `yaml:"pprof_addr"`
	LogLevel     string               `yaml:"log_level"`
	LogColor     bool                 `yaml:"log_color"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Policy:     stream.DefaultPolicy(),
		Detector:   detect.HTTPConfig{Timeout: 5 * time.Second, JPEGQuality: 85},
		Pipeline:   pipeline.DefaultConfig(),
		Tracker:    TrackerConfig{MaxIdleFrames: zone.DefaultMaxIdleFrames},
		Thresholds: deviation.DefaultThresholds(),
		Labels:     LabelsConfig{Dir: "labels", DataYAML: "data.yaml"},
		Web:        webmonitor.DefaultConfig(),
		LogLevel:   "info",
		LogColor:   true,
	}
}

// Load builds the configuration for args (without the program name).
//
// Defaults are overlaid by the file named by -config, then by ZM_* variables
// (after loading the dotenv file named by -env), then by flags given on the
// command line.
func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("zone-monitor", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	envFile := fs.String("env", ".env", "dotenv file loaded into the environment when present")
	bindFlags(fs, &cfg)

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	// Rebuild from the lower layers; the flag bindings still point into cfg.
	cfg = Default()
	if *configPath != "" {
		if err := loadFile(*configPath, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := loadDotenv(*envFile, explicit["env"] != ""); err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	for name, value := range explicit {
		if name == "config" || name == "env" {
			continue
		}
		if err := fs.Set(name, value); err != nil {
			return cfg, fmt.Errorf("flag -%s: %w", name, err)
		}
	}

	return cfg, cfg.Validate()
}

func bindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Source.URL, "source", cfg.Source.URL, "Stream URL (MJPEG over HTTP, or a VideoCapture source with -tags gocv)")
	fs.StringVar(&cfg.Source.Kind, "source-kind", cfg.Source.Kind, "Source kind (mjpeg, gocv); empty picks by URL")
	fs.IntVar(&cfg.Policy.ReadFailureThreshold, "read-failure-threshold", cfg.Policy.ReadFailureThreshold, "Consecutive read failures before reconnecting")
	fs.DurationVar(&cfg.Policy.RetryDelay, "retry-delay", cfg.Policy.RetryDelay, "Delay between connection attempts")
	fs.DurationVar(&cfg.Policy.ReadTimeout, "read-timeout", cfg.Policy.ReadTimeout, "Upper bound for one frame read")
	fs.StringVar(&cfg.Detector.URL, "detector", cfg.Detector.URL, "Inference service URL (empty runs without a model)")
	fs.DurationVar(&cfg.Pipeline.InferenceTimeout, "inference-timeout", cfg.Pipeline.InferenceTimeout, "Upper bound for one inference call")
	fs.IntVar(&cfg.Tracker.MaxIdleFrames, "max-idle-frames", cfg.Tracker.MaxIdleFrames, "Frames before an unseen track is dropped (0 keeps tracks)")
	fs.Float64Var(&cfg.Thresholds.Warning, "warning-threshold", cfg.Thresholds.Warning, "Overstep ratio where Warning starts")
	fs.Float64Var(&cfg.Thresholds.Critical, "critical-threshold", cfg.Thresholds.Critical, "Overstep ratio where Critical starts")
	fs.StringVar(&cfg.Labels.Dir, "labels", cfg.Labels.Dir, "Directory of reference label files")
	fs.StringVar(&cfg.Labels.DataYAML, "data-yaml", cfg.Labels.DataYAML, "YAML file with class names")
	fs.StringVar(&cfg.Web.Addr, "http", cfg.Web.Addr, "HTTP server address")
	fs.IntVar(&cfg.Web.JPEGQuality, "jpeg-quality", cfg.Web.JPEGQuality, "JPEG quality of the annotated stream")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Separate metrics server address (optional)")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "pprof server address (optional)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := decodeYAML(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var preset struct {
		PolicyPreset string `yaml:"policy_preset"`
	}
	if err := yaml.Unmarshal(data, &preset); err != nil {
		return err
	}
	// The preset is the base that explicit policy keys refine.
	if err := applyPreset(cfg, preset.PolicyPreset); err != nil {
		return err
	}
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyPreset(cfg *Config, name string) error {
	switch strings.ToLower(name) {
	case "":
		return nil
	case "default":
		cfg.Policy = stream.DefaultPolicy()
	case "conservative":
		cfg.Policy = stream.ConservativePolicy()
	default:
		return fmt.Errorf("unknown policy preset %q", name)
	}
	cfg.PolicyPreset = strings.ToLower(name)
	return nil
}

func loadDotenv(path string, required bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("dotenv: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("dotenv %s: %w", path, err)
	}
	logger.Debug("Config", "Loaded environment from %s", path)
	return nil
}

// applyEnv overlays ZM_* variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}

	if v, ok := env.get("POLICY_PRESET"); ok {
		if err := applyPreset(cfg, v); err != nil {
			return fmt.Errorf("%sPOLICY_PRESET: %w", EnvPrefix, err)
		}
	}

	env.str("SOURCE_URL", &cfg.Source.URL)
	env.str("SOURCE_KIND", &cfg.Source.Kind)
	env.integer("READ_FAILURE_THRESHOLD", &cfg.Policy.ReadFailureThreshold)
	env.duration("RETRY_DELAY", &cfg.Policy.RetryDelay)
	env.duration("READ_TIMEOUT", &cfg.Policy.ReadTimeout)
	env.duration("OPEN_TIMEOUT", &cfg.Policy.OpenTimeout)
	env.str("DETECTOR_URL", &cfg.Detector.URL)
	env.duration("DETECTOR_TIMEOUT", &cfg.Detector.Timeout)
	env.duration("INFERENCE_TIMEOUT", &cfg.Pipeline.InferenceTimeout)
	env.integer("MAX_IDLE_FRAMES", &cfg.Tracker.MaxIdleFrames)
	env.float("WARNING_THRESHOLD", &cfg.Thresholds.Warning)
	env.float("CRITICAL_THRESHOLD", &cfg.Thresholds.Critical)
	env.str("LABELS_DIR", &cfg.Labels.Dir)
	env.str("DATA_YAML", &cfg.Labels.DataYAML)
	env.str("HTTP_ADDR", &cfg.Web.Addr)
	env.integer("JPEG_QUALITY", &cfg.Web.JPEGQuality)
	env.str("METRICS_ADDR", &cfg.MetricsAddr)
	env.str("PPROF_ADDR", &cfg.PprofAddr)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.boolean("LOG_COLOR", &cfg.LogColor)
	if v, ok := env.get("ALLOWED_ORIGINS"); ok {
		cfg.Web.AllowedOrigins = splitList(v)
	}

	return errors.Join(env.errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(key string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ZonePolygon returns the configured initial zone, nil when unset.
func (c Config) ZonePolygon() geometry.Polygon {
	if len(c.Zone) == 0 {
		return nil
	}
	poly := make(geometry.Polygon, len(c.Zone))
	for i, p := range c.Zone {
		poly[i] = geometry.Point{X: p[0], Y: p[1]}
	}
	return poly
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Source.URL == "" {
		errs = append(errs, errors.New("source url is required"))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Pipeline.InferenceTimeout <= 0 {
		errs = append(errs, errors.New("inference_timeout must be positive"))
	}
	if c.Detector.URL != "" && c.Detector.Timeout <= 0 {
		errs = append(errs, errors.New("detector timeout must be positive"))
	}
	if len(c.Zone) > 0 {
		if err := c.ZonePolygon().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("zone: %w", err))
		}
	}
	if c.Tracker.MaxIdleFrames < 0 {
		errs = append(errs, errors.New("max_idle_frames must be >= 0"))
	}
	if c.Web.JPEGQuality < 1 || c.Web.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality must be in 1..100, got %d", c.Web.JPEGQuality))
	}
	if c.Web.Addr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
