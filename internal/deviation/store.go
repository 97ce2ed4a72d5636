package deviation

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/zone-monitor/internal/logger"
)

// Set is an immutable snapshot of the reference regions.
type Set struct {
	Regions  []ReferenceRegion
	Names    map[int]string
	LoadedAt time.Time
}

// MaskInfo describes one loaded reference region.
type MaskInfo struct {
	ClassID     int    `json:"class_id"`
	ClassName   string `json:"class_name"`
	PointsCount int    `json:"points_count"`
	SourceFile  string `json:"source_file"`
}

// Info summarizes the loaded reference regions.
type Info struct {
	TotalMasks int        `json:"total_masks"`
	Masks      []MaskInfo `json:"masks"`
}

// Store holds the current reference set. Readers get a consistent snapshot;
// writers replace the whole set at once.
type Store struct {
	labelsDir string
	dataYAML  string

	current  atomic.Pointer[Set]
	reloadMu sync.Mutex

	log logger.Module
}

// NewStore creates an empty store reading from labelsDir and dataYAML on Reload.
// Either path may be empty.
func NewStore(labelsDir, dataYAML string) *Store {
	s := &Store{labelsDir: labelsDir, dataYAML: dataYAML, log: logger.For("Labels")}
	s.current.Store(&Set{LoadedAt: time.Now()})
	return s
}

// Snapshot returns the current set. Callers must not modify it.
func (s *Store) Snapshot() *Set {
	return s.current.Load()
}

// Regions returns the current reference regions. Callers must not modify them.
func (s *Store) Regions() []ReferenceRegion {
	return s.current.Load().Regions
}

// Replace installs regions as the new set. Invalid regions reject the whole set.
func (s *Store) Replace(regions []ReferenceRegion) error {
	names := s.current.Load().Names
	cp := make([]ReferenceRegion, len(regions))
	for i, r := range regions {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("region %d: %w", i, err)
		}
		r.Polygon = r.Polygon.Clone()
		if r.ClassName == "" {
			r.ClassName = ClassName(names, r.ClassID)
		}
		cp[i] = r
	}
	s.current.Store(&Set{Regions: cp, Names: names, LoadedAt: time.Now()})
	return nil
}

// Reload re-reads the class names and label directory and swaps them in.
// On error the previous set stays active.
func (s *Store) Reload() (int, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	names := map[int]string{}
	if s.dataYAML != "" {
		loaded, err := LoadClassNames(s.dataYAML)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			s.log.Warn("%s not found, using default class names", s.dataYAML)
		case err != nil:
			return 0, err
		default:
			names = loaded
			s.log.Info("loaded %d class names from %s", len(names), s.dataYAML)
		}
	}

	var regions []ReferenceRegion
	if s.labelsDir != "" {
		var err error
		regions, err = LoadLabelDir(s.labelsDir, names)
		if err != nil {
			return 0, err
		}
	}

	s.current.Store(&Set{Regions: regions, Names: names, LoadedAt: time.Now()})
	return len(regions), nil
}

// Info lists the loaded regions.
func (s *Store) Info() Info {
	set := s.current.Load()
	info := Info{TotalMasks: len(set.Regions), Masks: make([]MaskInfo, len(set.Regions))}
	for i, r := range set.Regions {
		info.Masks[i] = MaskInfo{
			ClassID:     r.ClassID,
			ClassName:   r.ClassName,
			PointsCount: len(r.Polygon),
			SourceFile:  r.SourceFile,
		}
	}
	return info
}
