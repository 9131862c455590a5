package record

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/banshee-data/scanprep/internal/features"
	"github.com/banshee-data/scanprep/internal/fsutil"
	"github.com/banshee-data/scanprep/internal/geometry"
	"github.com/banshee-data/scanprep/internal/scan"
	"github.com/banshee-data/scanprep/internal/security"
)

// Writer writes one record file per batch into OutputDir.
type Writer struct {
	OutputDir   string
	Compression Compression
	Stride      int
	VoxelSize   float64
	RunID       string
	Version     string
	Logger      *zap.Logger
}

// Path returns the record path for base.
func (w *Writer) Path(base string) string {
	return filepath.Join(w.OutputDir, security.SanitizeFilename(base)+Suffix)
}

// Write checks b, then writes it atomically. The returned error is an
// AlignmentError when the final coordinates are off-grid or the rows are
// ragged, and a SerializationError for every I/O failure. No partial file is
// left behind in either case.
func (w *Writer) Write(b *features.Batch) (string, error) {
	if err := geometry.CheckGridAlignment32(b.Coords, w.Stride, scan.StageSerialize); err != nil {
		return "", err
	}
	if err := b.CheckRows(); err != nil {
		return "", &scan.AlignmentError{Stage: scan.StageSerialize, Reason: err.Error()}
	}

	path := w.Path(b.BaseName)
	fail := func(err error) (string, error) {
		return "", &scan.SerializationError{Path: path, Err: err}
	}

	info, err := os.Stat(w.OutputDir)
	if err != nil {
		return fail(err)
	}
	if !info.IsDir() {
		return fail(errors.New("output path is not a directory"))
	}
	if err := security.ValidatePathWithinDirectory(path, w.OutputDir); err != nil {
		return fail(err)
	}

	meta := Meta{
		BaseName:  b.BaseName,
		Stride:    w.Stride,
		VoxelSize: w.VoxelSize,
		RunID:     w.RunID,
		Version:   w.Version,
	}
	err = fsutil.WriteAtomic(path, 0o644, func(out io.Writer) error {
		return Encode(out, b, meta, w.Compression)
	})
	if err != nil {
		return fail(err)
	}

	if w.Logger != nil {
		w.Logger.Debug("record written",
			zap.String("base_name", b.BaseName),
			zap.String("path", path),
			zap.Int("rows", b.Len()))
	}
	return path, nil
}

// ParseCompression validates a compression name.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(s); c {
	case CompressionZstd, CompressionLZ4, CompressionNone:
		return c, nil
	case "":
		return CompressionZstd, nil
	}
	return "", fmt.Errorf("unknown compression %q (want zstd, lz4 or none)", s)
}
