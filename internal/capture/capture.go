// Package capture provides concrete frame sources for stream.Source.
package capture

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/stream"
)

// Config selects and parameterizes a frame source.
type Config struct {
	Kind        string `yaml:"kind"` // "mjpeg", "gocv"; empty picks by URL scheme
	URL         string `yaml:"url"`
	MaxPartSize int64  `yaml:"max_part_size"` // upper bound for one MJPEG part in bytes
}

// Factory builds an Opener from a Config.
type Factory func(cfg Config) (stream.Opener, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a source kind available to New. Registering a kind twice panics.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic("capture: Register called twice for " + kind)
	}
	registry[kind] = f
}

// Kinds lists the registered source kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New returns an Opener for cfg.
func New(cfg Config) (stream.Opener, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("capture: empty source url")
	}
	kind := cfg.Kind
	if kind == "" {
		kind = kindForURL(cfg.URL)
	}

	registryMu.RLock()
	f, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("capture: unknown source kind %q (available: %s)", kind, strings.Join(Kinds(), ", "))
	}
	return f(cfg)
}

// kindForURL picks mjpeg for http(s) URLs and gocv for everything else
// (rtsp, files, device indices).
func kindForURL(raw string) string {
	u, err := url.Parse(raw)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return "mjpeg"
	}
	return "gocv"
}
