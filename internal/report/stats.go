// Package report summarises raw scans and preprocessed records: per-column
// value statistics, class distributions and the charts built from them.
package report

import (
	"fmt"
	"io"
	"math"

	"github.com/goccy/go-json"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/scanprep/internal/scan/asc"
	"github.com/banshee-data/scanprep/internal/scan/pcd"
)

// ColumnStats describes one numeric column. Min, Max and the moments are
// computed over finite values only and are zero when there are none.
type ColumnStats struct {
	Name       string  `json:"name"`
	Count      int     `json:"count"`
	Finite     int     `json:"finite"`
	Zeros      int     `json:"zeros"`
	NaNs       int     `json:"nans"`
	Infs       int     `json:"infs"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"stddev"`
	Skew       float64 `json:"skew"`
	ExKurtosis float64 `json:"excess_kurtosis"`
}

// Describe computes ColumnStats for values.
func Describe(name string, values []float64) ColumnStats {
	cs := ColumnStats{Name: name, Count: len(values)}
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		switch {
		case math.IsNaN(v):
			cs.NaNs++
			continue
		case math.IsInf(v, 0):
			cs.Infs++
			continue
		case v == 0:
			cs.Zeros++
		}
		finite = append(finite, v)
	}
	cs.Finite = len(finite)
	if len(finite) == 0 {
		return cs
	}

	cs.Min, cs.Max = finite[0], finite[0]
	for _, v := range finite[1:] {
		cs.Min = math.Min(cs.Min, v)
		cs.Max = math.Max(cs.Max, v)
	}
	cs.Mean = stat.Mean(finite, nil)
	if len(finite) > 1 {
		cs.StdDev = stat.StdDev(finite, nil)
	}
	// Higher moments are undefined for constant columns.
	if cs.StdDev > 0 && len(finite) > 3 {
		cs.Skew = orZero(stat.Skew(finite, nil))
		cs.ExKurtosis = orZero(stat.ExKurtosis(finite, nil))
	}
	return cs
}

func orZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// ScanReport is the column summary of one input file.
type ScanReport struct {
	Path    string        `json:"path"`
	Kind    string        `json:"kind"`
	Rows    int           `json:"rows"`
	Columns []ColumnStats `json:"columns"`
}

// WriteJSON writes r as indented JSON.
func (r *ScanReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// labelColumnNames is the usual layout of a label file.
var labelColumnNames = []string{"x", "y", "z", "r", "g", "b", "classification", "normal_x", "normal_y", "normal_z"}

// GeometryReport summarises the point, colour and (if present) normal
// channels of a PCD file.
func GeometryReport(path string) (*ScanReport, error) {
	c, err := pcd.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rep := &ScanReport{Path: path, Kind: "geometry", Rows: len(c.Points)}
	add := func(names [3]string, rows [][3]float64) {
		for a, name := range names {
			col := make([]float64, len(rows))
			for i, r := range rows {
				col[i] = r[a]
			}
			rep.Columns = append(rep.Columns, Describe(name, col))
		}
	}
	add([3]string{"x", "y", "z"}, c.Points)
	if c.HasColor {
		add([3]string{"r", "g", "b"}, c.Colors)
	}
	if c.HasNormals {
		add([3]string{"normal_x", "normal_y", "normal_z"}, c.Normals)
	}
	return rep, nil
}

// LabelReport summarises every column of a label file.
func LabelReport(path string, opt asc.Options) (*ScanReport, error) {
	t, err := asc.ReadTableFile(path, opt)
	if err != nil {
		return nil, err
	}
	rep := &ScanReport{Path: path, Kind: "labels", Rows: len(t.Rows)}
	for c := 0; c < t.Columns; c++ {
		name := fmt.Sprintf("col_%d", c)
		if t.Columns == len(labelColumnNames) {
			name = labelColumnNames[c]
		}
		rep.Columns = append(rep.Columns, Describe(name, t.Column(c)))
	}
	return rep, nil
}
