package batch

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/banshee-data/scanprep/internal/scan"
)

// Pair is one geometry file and the label file with the same base name.
type Pair struct {
	BaseName     string `json:"base_name"`
	GeometryPath string `json:"geometry"`
	LabelPath    string `json:"labels"`
}

// Discover lists the files directly inside dir whose extension matches ext
// (case-insensitive), sorted by path. Subdirectories are not descended.
func Discover(dir, ext string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ext) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s files in %s: %w", ext, dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// Match pairs every geometry file with the label file of identical base
// name. Geometry files without a partner are returned in unmatched; label
// files without a partner are ignored. Base names are unique across pairs:
// a later geometry file with an already paired base name (scan.PCD next to
// scan.pcd) is returned in duplicates, since both would write the same
// record.
func Match(geometry, labels []string) (pairs []Pair, unmatched, duplicates []string) {
	byBase := make(map[string]string, len(labels))
	for _, l := range labels {
		base := scan.BaseNameOf(l)
		if _, dup := byBase[base]; !dup {
			byBase[base] = l
		}
	}
	seen := make(map[string]bool, len(geometry))
	for _, g := range geometry {
		base := scan.BaseNameOf(g)
		if seen[base] {
			duplicates = append(duplicates, g)
			continue
		}
		seen[base] = true
		l, ok := byBase[base]
		if !ok {
			unmatched = append(unmatched, g)
			continue
		}
		pairs = append(pairs, Pair{BaseName: base, GeometryPath: g, LabelPath: l})
	}
	return pairs, unmatched, duplicates
}

// DiscoverPairs runs Discover on both directories and Match on the results,
// warning once per unmatched or duplicate geometry file.
func DiscoverPairs(geometryDir, labelDir, geometryExt, labelExt string, logger *zap.Logger) ([]Pair, []string, error) {
	geometry, err := Discover(geometryDir, geometryExt)
	if err != nil {
		return nil, nil, err
	}
	labels, err := Discover(labelDir, labelExt)
	if err != nil {
		return nil, nil, err
	}
	pairs, unmatched, duplicates := Match(geometry, labels)
	if logger != nil {
		for _, g := range unmatched {
			logger.Warn("no label file for geometry file, skipping",
				zap.String("geometry", g),
				zap.String("label_dir", labelDir))
		}
		for _, g := range duplicates {
			logger.Warn("duplicate geometry base name, skipping",
				zap.String("geometry", g),
				zap.String("base_name", scan.BaseNameOf(g)))
		}
		logger.Info("discovered scan pairs",
			zap.Int("geometry_files", len(geometry)),
			zap.Int("label_files", len(labels)),
			zap.Int("pairs", len(pairs)),
			zap.Int("unmatched", len(unmatched)),
			zap.Int("duplicates", len(duplicates)))
	}
	return pairs, unmatched, nil
}
