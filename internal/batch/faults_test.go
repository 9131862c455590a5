package batch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanprep/internal/monitoring"
	"github.com/banshee-data/scanprep/internal/record"
	"github.com/banshee-data/scanprep/internal/scan"
	"github.com/banshee-data/scanprep/internal/testutil"
)

func hostileGeometry() map[string][]byte {
	compressed := []byte("VERSION 0.7\nFIELDS x y z rgb\nSIZE 4 4 4 4\nTYPE F F F U\nCOUNT 1 1 1 1\n" +
		"WIDTH 2\nHEIGHT 1\nPOINTS 2\nDATA binary_compressed\n")
	var sizes [8]byte
	binary.LittleEndian.PutUint32(sizes[0:4], 0xfffffff0)
	binary.LittleEndian.PutUint32(sizes[4:8], 32)
	compressed = append(compressed, sizes[:]...)

	return map[string][]byte{
		"overflowing count": []byte("VERSION 0.7\nFIELDS x y z rgb\nSIZE 4 4 4 4\nTYPE F F F U\n" +
			"COUNT 1 1 4611686018427387904 1\nWIDTH 2\nHEIGHT 1\nPOINTS 2\nDATA ascii\n0 0 0 0\n0 0 0 0\n"),
		"oversized compressed length": compressed,
		"overstated points": []byte("VERSION 0.7\nFIELDS x y z rgb\nSIZE 4 4 4 4\nTYPE F F F U\nCOUNT 1 1 1 1\n" +
			"WIDTH 200000000\nHEIGHT 1\nPOINTS 200000000\nDATA binary\n\x00\x00\x00\x00"),
	}
}

func TestBatch_HostileGeometryIsolated(t *testing.T) {
	for name, data := range hostileGeometry() {
		t.Run(name, func(t *testing.T) {
			geomDir, labelDir, outDir := testutil.Dirs(t)
			for i := 1; i <= 5; i++ {
				testutil.WritePair(t, geomDir, labelDir, fmt.Sprintf("s%d", i), smallGrid(uint64(50+i)))
			}
			testutil.WriteLabels(t, labelDir, "bad", smallGrid(60))
			testutil.WriteFile(t, geomDir, "bad.pcd", data)

			cfg := testConfig(outDir)
			pairs, _, err := DiscoverPairs(geomDir, labelDir, cfg.GeometryExt, cfg.LabelExt, nil)
			require.NoError(t, err)
			require.Len(t, pairs, 6)

			pl, err := NewPipeline(cfg, "run-hostile", nil)
			require.NoError(t, err)
			s := (&Orchestrator{Workers: 2, Processor: pl}).Run(context.Background(), pairs)

			assert.Equal(t, 6, s.Processed)
			assert.Equal(t, 5, s.Succeeded)
			assert.Equal(t, 1, s.Failed)
			require.Len(t, s.Failures, 1)
			assert.Equal(t, "bad", s.Failures[0].Pair.BaseName)
			assert.Equal(t, scan.StageLoad, s.Failures[0].Stage)

			entries, err := os.ReadDir(outDir)
			require.NoError(t, err)
			assert.Len(t, entries, 5)
		})
	}
}

type panickingProcessor struct{ base string }

func (p panickingProcessor) Process(_ context.Context, pair Pair) (FileStats, error) {
	if pair.BaseName == p.base {
		var rows []int
		_ = rows[len(pair.BaseName)]
	}
	return FileStats{RowsOut: 1}, nil
}

func TestOrchestrator_PanicBecomesFailure(t *testing.T) {
	pairs := makePairs(4)
	s := (&Orchestrator{Workers: 2, Processor: panickingProcessor{base: "scan_01"}}).Run(context.Background(), pairs)

	assert.Equal(t, 4, s.Processed)
	assert.Equal(t, 3, s.Succeeded)
	require.Len(t, s.Failures, 1)
	f := s.Failures[0]
	assert.Equal(t, "scan_01", f.Pair.BaseName)
	assert.Equal(t, "internal", f.Class)
	var pe *PanicError
	require.True(t, errors.As(f.Err, &pe))
	assert.Contains(t, f.Message, f.Pair.GeometryPath)
	assert.NotEmpty(t, pe.Stack)
}

func TestRunStage_PanicTaggedWithStage(t *testing.T) {
	p := Pair{BaseName: "x", GeometryPath: "/g/x.pcd", LabelPath: "/l/x.asc"}
	err := scan.AtStage(scan.StageNormals, runStage(p, func() error { panic("boom") }))
	require.Error(t, err)
	assert.Equal(t, scan.StageNormals, scan.StageOf(err))
	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "boom", pe.Value)

	assert.NoError(t, runStage(p, func() error { return nil }))
}

// writeSeparateChannelPCD writes c as an ascii PCD with float r, g, b fields
// so channels can carry NaN.
func writeSeparateChannelPCD(t *testing.T, path string, c testutil.Cloud) {
	t.Helper()
	var sb strings.Builder
	fmt.Fprintf(&sb, "VERSION 0.7\nFIELDS x y z r g b\nSIZE 4 4 4 4 4 4\nTYPE F F F F F F\nCOUNT 1 1 1 1 1 1\n")
	fmt.Fprintf(&sb, "WIDTH %d\nHEIGHT 1\nPOINTS %d\nDATA ascii\n", c.Len(), c.Len())
	for i, p := range c.Points {
		vals := append(p[:], c.Colors[i][:]...)
		for k, v := range vals {
			if k > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		sb.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
}

func TestPipeline_NaNColourRowRemovedByFilter(t *testing.T) {
	geomDir, labelDir, outDir := testutil.Dirs(t)
	c := smallGrid(7)
	labels := testutil.WriteLabels(t, labelDir, "scan_nan", c)

	// One point of the last cell loses its red channel; the cell mean
	// becomes NaN and the whole row must go.
	broken := testutil.Cloud{Points: c.Points, Labels: c.Labels, Colors: make([][3]float64, c.Len())}
	copy(broken.Colors, c.Colors)
	broken.Colors[c.Len()-1][0] = math.NaN()
	geom := filepath.Join(geomDir, "scan_nan.pcd")
	writeSeparateChannelPCD(t, geom, broken)

	pl, err := NewPipeline(testConfig(outDir), "r-nan", nil)
	require.NoError(t, err)
	m := monitoring.NewMetrics()
	pl.Metrics = m
	stats, err := pl.Process(context.Background(), Pair{BaseName: "scan_nan", GeometryPath: geom, LabelPath: labels})
	require.NoError(t, err)
	assert.Equal(t, c.Len(), stats.PointsIn)
	assert.Equal(t, 24, stats.Voxels)
	assert.Equal(t, 1, stats.RemovedNonFinite)
	assert.Equal(t, 23, stats.RowsOut)

	f, err := record.ReadFile(stats.OutputPath)
	require.NoError(t, err)
	for i, row := range f.Batch.Features {
		for k, v := range row {
			assert.False(t, math.IsNaN(float64(v)), "row %d feature %d", i, k)
		}
	}
}
