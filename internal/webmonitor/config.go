package webmonitor

import (
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/overlay"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr           string        `yaml:"addr"`
	StatusInterval time.Duration `yaml:"status_interval"`
	JPEGQuality    int           `yaml:"jpeg_quality"`
	HistorySize    int           `yaml:"history_size"`
	ShowSummary    bool          `yaml:"show_summary"`
	ShowStamp      bool          `yaml:"show_stamp"`
	AllowedOrigins []string      `yaml:"allowed_origins"` // WebSocket origins; empty allows same host only
}

// DefaultConfig returns the default serving configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		StatusInterval: 2 * time.Second,
		JPEGQuality:    overlay.DefaultJPEGQuality,
		HistorySize:    8,
		ShowSummary:    true,
		ShowStamp:      true,
	}
}

func (c Config) overlayOptions() overlay.Options {
	opts := overlay.DefaultOptions()
	opts.Summary = c.ShowSummary
	opts.Stamp = c.ShowStamp
	opts.JPEGQuality = c.JPEGQuality
	return opts
}
