// Package record persists the per-scan training triple (coords, features,
// labels) as an Arrow IPC file and reads it back.
//
// Layout: one record batch with columns
//
//	coords    fixed_size_list<float32>[3]
//	features  fixed_size_list<float32>[6]
//	labels    int64
//
// and schema metadata base_name, stride, voxel_size, run_id, version.
package record

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/banshee-data/scanprep/internal/features"
)

// Suffix is appended to the scan base name to form the record file name.
const Suffix = "_preprocessed.arrow"

// Column names.
const (
	ColCoords   = "coords"
	ColFeatures = "features"
	ColLabels   = "labels"
)

// Compression selects the IPC body codec.
type Compression string

const (
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
	CompressionNone Compression = "none"
)

// Meta is stored in the schema metadata of every record file.
type Meta struct {
	BaseName  string  `json:"base_name"`
	Stride    int     `json:"stride"`
	VoxelSize float64 `json:"voxel_size"`
	RunID     string  `json:"run_id"`
	Version   string  `json:"version"`
}

func (m Meta) arrowMetadata() arrow.Metadata {
	return arrow.NewMetadata(
		[]string{"base_name", "stride", "voxel_size", "run_id", "version"},
		[]string{m.BaseName, strconv.Itoa(m.Stride), strconv.FormatFloat(m.VoxelSize, 'g', -1, 64), m.RunID, m.Version},
	)
}

func metaFrom(md arrow.Metadata) (Meta, error) {
	get := func(k string) string {
		if i := md.FindKey(k); i >= 0 {
			return md.Values()[i]
		}
		return ""
	}
	m := Meta{BaseName: get("base_name"), RunID: get("run_id"), Version: get("version")}
	var err error
	if s := get("stride"); s != "" {
		if m.Stride, err = strconv.Atoi(s); err != nil {
			return m, fmt.Errorf("bad stride metadata %q: %w", s, err)
		}
	}
	if s := get("voxel_size"); s != "" {
		if m.VoxelSize, err = strconv.ParseFloat(s, 64); err != nil {
			return m, fmt.Errorf("bad voxel_size metadata %q: %w", s, err)
		}
	}
	return m, nil
}

// Schema returns the record schema carrying meta.
func Schema(meta Meta) *arrow.Schema {
	md := meta.arrowMetadata()
	return arrow.NewSchema([]arrow.Field{
		{Name: ColCoords, Type: arrow.FixedSizeListOf(3, arrow.PrimitiveTypes.Float32)},
		{Name: ColFeatures, Type: arrow.FixedSizeListOf(features.Width, arrow.PrimitiveTypes.Float32)},
		{Name: ColLabels, Type: arrow.PrimitiveTypes.Int64},
	}, &md)
}

func ipcOptions(c Compression) ([]ipc.Option, error) {
	switch c {
	case "", CompressionZstd:
		return []ipc.Option{ipc.WithZstd()}, nil
	case CompressionLZ4:
		return []ipc.Option{ipc.WithLZ4()}, nil
	case CompressionNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown compression %q", c)
}

// Encode writes b as a single-batch Arrow IPC file.
func Encode(w io.Writer, b *features.Batch, meta Meta, c Compression) error {
	if err := b.CheckRows(); err != nil {
		return err
	}
	opts, err := ipcOptions(c)
	if err != nil {
		return err
	}
	pool := memory.NewGoAllocator()
	schema := Schema(meta)

	rb := array.NewRecordBuilder(pool, schema)
	defer rb.Release()

	coords := rb.Field(0).(*array.FixedSizeListBuilder)
	coordVals := coords.ValueBuilder().(*array.Float32Builder)
	feats := rb.Field(1).(*array.FixedSizeListBuilder)
	featVals := feats.ValueBuilder().(*array.Float32Builder)
	labels := rb.Field(2).(*array.Int64Builder)

	n := b.Len()
	coords.Reserve(n)
	coordVals.Reserve(n * 3)
	feats.Reserve(n)
	featVals.Reserve(n * features.Width)
	for i := 0; i < n; i++ {
		coords.Append(true)
		coordVals.AppendValues(b.Coords[i][:], nil)
		feats.Append(true)
		featVals.AppendValues(b.Features[i][:], nil)
	}
	labels.AppendValues(b.Labels, nil)

	rec := rb.NewRecord()
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, append(opts, ipc.WithSchema(schema), ipc.WithAllocator(pool))...)
	if err != nil {
		return fmt.Errorf("failed to create Arrow writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("failed to close Arrow writer: %w", err)
	}
	return nil
}

// File is a decoded record file.
type File struct {
	Meta  Meta
	Batch *features.Batch
}

// ReadAtSeeker is what Decode needs from its source.
type ReadAtSeeker interface {
	io.Reader
	io.ReaderAt
	io.Seeker
}

// ReadFile opens and decodes a record file.
func ReadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads every batch of an Arrow IPC record file.
func Decode(r ReadAtSeeker) (*File, error) {
	fr, err := ipc.NewFileReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Arrow reader: %w", err)
	}
	defer fr.Close()

	meta, err := metaFrom(fr.Schema().Metadata())
	if err != nil {
		return nil, err
	}
	out := &File{Meta: meta, Batch: &features.Batch{BaseName: meta.BaseName}}
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return nil, fmt.Errorf("read batch %d: %w", i, err)
		}
		if err := appendRecord(out.Batch, rec); err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
	}
	return out, nil
}

func appendRecord(b *features.Batch, rec arrow.Record) error {
	if rec.NumCols() != 3 {
		return fmt.Errorf("want 3 columns, got %d", rec.NumCols())
	}
	coords, ok := rec.Column(0).(*array.FixedSizeList)
	if !ok {
		return errors.New("coords column is not a fixed size list")
	}
	feats, ok := rec.Column(1).(*array.FixedSizeList)
	if !ok {
		return errors.New("features column is not a fixed size list")
	}
	labels, ok := rec.Column(2).(*array.Int64)
	if !ok {
		return errors.New("labels column is not int64")
	}
	coordVals, ok := coords.ListValues().(*array.Float32)
	if !ok {
		return errors.New("coords values are not float32")
	}
	featVals, ok := feats.ListValues().(*array.Float32)
	if !ok {
		return errors.New("features values are not float32")
	}

	for i := 0; i < coords.Len(); i++ {
		start, _ := coords.ValueOffsets(i)
		var c [3]float32
		for k := range c {
			c[k] = coordVals.Value(int(start) + k)
		}
		b.Coords = append(b.Coords, c)
	}
	for i := 0; i < feats.Len(); i++ {
		start, _ := feats.ValueOffsets(i)
		var f [features.Width]float32
		for k := range f {
			f[k] = featVals.Value(int(start) + k)
		}
		b.Features = append(b.Features, f)
	}
	b.Labels = append(b.Labels, labels.Int64Values()...)
	return b.CheckRows()
}
