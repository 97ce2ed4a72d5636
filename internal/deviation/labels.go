package deviation

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/geometry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/logger"
)

// ReferenceRegion is a class-labelled polygon in normalized [0,1] coordinates.
type ReferenceRegion struct {
	ClassID    int              `json:"class_id"`
	ClassName  string           `json:"class_name"`
	Polygon    geometry.Polygon `json:"points"`
	SourceFile string           `json:"source_file"`
}

// Validate checks the polygon has at least 3 points inside [0,1].
func (r ReferenceRegion) Validate() error {
	if err := r.Polygon.Validate(); err != nil {
		return err
	}
	if !r.Polygon.IsNormalized() {
		return fmt.Errorf("%w: coordinates outside [0,1]", geometry.ErrInvalidGeometry)
	}
	return nil
}

// ClassName returns names[id] or the fallback "Class_<id>".
func ClassName(names map[int]string, id int) string {
	if n, ok := names[id]; ok && n != "" {
		return n
	}
	return fmt.Sprintf("Class_%d", id)
}

// LoadClassNames reads the "names" entry of a YOLO data.yaml file, given
// either as a list or as an id -> name mapping.
func LoadClassNames(path string) (map[int]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Names yaml.Node `yaml:"names"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	names := make(map[int]string)
	switch doc.Names.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := doc.Names.Decode(&list); err != nil {
			return nil, fmt.Errorf("parse %s names: %w", path, err)
		}
		for i, n := range list {
			names[i] = n
		}
	case yaml.MappingNode:
		if err := doc.Names.Decode(&names); err != nil {
			return nil, fmt.Errorf("parse %s names: %w", path, err)
		}
	case 0:
		return nil, fmt.Errorf("%s: no names field", path)
	default:
		return nil, fmt.Errorf("%s: names must be a list or a mapping", path)
	}
	return names, nil
}

// LoadLabelDir parses every *.txt file in dir, in file name order.
// A missing directory yields no regions.
func LoadLabelDir(dir string, names map[int]string) ([]ReferenceRegion, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Labels", "label directory %s does not exist", dir)
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var regions []ReferenceRegion
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		rs, err := ParseLabels(f, filepath.Base(path), names)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		regions = append(regions, rs...)
	}
	logger.Info("Labels", "loaded %d reference regions from %d files", len(regions), len(files))
	return regions, nil
}

// ParseLabels reads YOLO segmentation label lines ("class x1 y1 x2 y2 ...").
// Malformed lines are skipped with a warning; only I/O errors are returned.
func ParseLabels(r io.Reader, source string, names map[int]string) ([]ReferenceRegion, error) {
	var regions []ReferenceRegion
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		region, err := parseLabelLine(fields)
		if err != nil {
			logger.Warn("Labels", "%s:%d skipped: %v", source, line, err)
			continue
		}
		region.ClassName = ClassName(names, region.ClassID)
		region.SourceFile = source
		regions = append(regions, region)
	}
	return regions, sc.Err()
}

func parseLabelLine(fields []string) (ReferenceRegion, error) {
	var r ReferenceRegion
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return r, fmt.Errorf("bad class id %q", fields[0])
	}
	r.ClassID = id

	coords := fields[1:]
	// A trailing unpaired coordinate is ignored.
	for i := 0; i+1 < len(coords); i += 2 {
		x, err := strconv.ParseFloat(coords[i], 64)
		if err != nil {
			return r, fmt.Errorf("bad coordinate %q", coords[i])
		}
		y, err := strconv.ParseFloat(coords[i+1], 64)
		if err != nil {
			return r, fmt.Errorf("bad coordinate %q", coords[i+1])
		}
		r.Polygon = append(r.Polygon, geometry.Point{X: x, Y: y})
	}
	return r, r.Validate()
}
