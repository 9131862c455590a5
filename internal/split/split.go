// Package split copies matched scan pairs into train, val and test
// directories.
package split

import (
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/banshee-data/scanprep/internal/batch"
	"github.com/banshee-data/scanprep/internal/fsutil"
)

// Set names, also used as output subdirectories.
const (
	Train = "train"
	Val   = "val"
	Test  = "test"
)

// Ratios are the fractions of pairs assigned to each set.
type Ratios struct {
	Train float64 `json:"train"`
	Val   float64 `json:"val"`
	Test  float64 `json:"test"`
}

// Validate requires non-negative ratios summing to 1.
func (r Ratios) Validate() error {
	for name, v := range map[string]float64{Train: r.Train, Val: r.Val, Test: r.Test} {
		if !(v >= 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%s ratio must be a non-negative number, got %v", name, v)
		}
	}
	if sum := r.Train + r.Val + r.Test; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("ratios must add up to 1, got %v", sum)
	}
	return nil
}

// Assignment lists the pairs of each set.
type Assignment struct {
	Train []batch.Pair `json:"train"`
	Val   []batch.Pair `json:"val"`
	Test  []batch.Pair `json:"test"`
}

// Sets returns the assignment keyed by set name.
func (a Assignment) Sets() map[string][]batch.Pair {
	return map[string][]batch.Pair{Train: a.Train, Val: a.Val, Test: a.Test}
}

// Assign splits pairs: the first floor(Train*n) go to train, the next
// floor(Val*n) to val and the rest to test. With shuffle the order is first
// permuted by a generator seeded with seed, so the same seed always yields
// the same split.
func Assign(pairs []batch.Pair, r Ratios, shuffle bool, seed uint64) Assignment {
	ordered := make([]batch.Pair, len(pairs))
	copy(ordered, pairs)
	if shuffle {
		rng := rand.New(rand.NewPCG(seed, seed))
		rng.Shuffle(len(ordered), func(i, j int) { ordered[i], ordered[j] = ordered[j], ordered[i] })
	}
	n := len(ordered)
	nTrain := int(r.Train * float64(n))
	nVal := int(r.Val * float64(n))
	if nTrain+nVal > n {
		nVal = n - nTrain
	}
	return Assignment{
		Train: ordered[:nTrain],
		Val:   ordered[nTrain : nTrain+nVal],
		Test:  ordered[nTrain+nVal:],
	}
}

// Options configures Run.
type Options struct {
	Ratios    Ratios
	Shuffle   bool
	Seed      uint64
	OutputDir string
	// FS defaults to the OS filesystem.
	FS     fsutil.FileSystem
	Logger *zap.Logger
}

// Run assigns pairs and copies both files of each into
// OutputDir/<set>/.
func Run(pairs []batch.Pair, opt Options) (Assignment, error) {
	if err := opt.Ratios.Validate(); err != nil {
		return Assignment{}, err
	}
	if opt.OutputDir == "" {
		return Assignment{}, fmt.Errorf("output directory is required")
	}
	fsys := opt.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	log := opt.Logger
	if log == nil {
		log = zap.NewNop()
	}

	a := Assign(pairs, opt.Ratios, opt.Shuffle, opt.Seed)
	for _, set := range []string{Train, Val, Test} {
		members := a.Sets()[set]
		dir := filepath.Join(opt.OutputDir, set)
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return a, fmt.Errorf("create %s: %w", dir, err)
		}
		var bytes int64
		for _, p := range members {
			for _, src := range []string{p.GeometryPath, p.LabelPath} {
				n, err := fsutil.CopyFile(fsys, src, filepath.Join(dir, filepath.Base(src)))
				if err != nil {
					return a, err
				}
				bytes += n
			}
		}
		log.Info("copied split",
			zap.String("set", set),
			zap.Int("pairs", len(members)),
			zap.Int64("bytes", bytes),
			zap.String("dir", dir))
	}
	return a, nil
}
