package report

import (
	"io"
	"sort"

	"github.com/goccy/go-json"

	"github.com/banshee-data/scanprep/internal/record"
	"github.com/banshee-data/scanprep/internal/scan/asc"
)

// ClassCount is one bar of a class distribution.
type ClassCount struct {
	Label    int64   `json:"label"`
	Name     string  `json:"name"`
	Count    int     `json:"count"`
	Fraction float64 `json:"fraction"`
}

// Distribution counts labels across files.
type Distribution struct {
	Source  string       `json:"source"`
	Files   int          `json:"files"`
	Total   int          `json:"total"`
	Classes []ClassCount `json:"classes"`

	counts map[int64]int
}

// NewDistribution returns an empty distribution for source.
func NewDistribution(source string) *Distribution {
	return &Distribution{Source: source, counts: map[int64]int{}}
}

// Add counts one file's labels.
func (d *Distribution) Add(labels []int64) {
	if d.counts == nil {
		d.counts = map[int64]int{}
	}
	d.Files++
	d.Total += len(labels)
	for _, l := range labels {
		d.counts[l]++
	}
}

// Finalize fills Classes in label order, naming them from lm (which may be
// nil).
func (d *Distribution) Finalize(lm LabelMap) {
	d.Classes = d.Classes[:0]
	for l, n := range d.counts {
		cc := ClassCount{Label: l, Name: lm.Name(l), Count: n}
		if d.Total > 0 {
			cc.Fraction = float64(n) / float64(d.Total)
		}
		d.Classes = append(d.Classes, cc)
	}
	sort.Slice(d.Classes, func(i, j int) bool { return d.Classes[i].Label < d.Classes[j].Label })
}

// WriteJSON writes d as indented JSON.
func (d *Distribution) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// RecordDistribution counts the labels of preprocessed record files. The
// coordinate values along axis (0, 1 or 2) are returned for plotting.
func RecordDistribution(paths []string, axis int, lm LabelMap) (*Distribution, []float64, error) {
	d := NewDistribution("records")
	var coords []float64
	for _, p := range paths {
		f, err := record.ReadFile(p)
		if err != nil {
			return nil, nil, err
		}
		d.Add(f.Batch.Labels)
		for _, c := range f.Batch.Coords {
			coords = append(coords, float64(c[axis]))
		}
	}
	d.Finalize(lm)
	return d, coords, nil
}

// LabelFileDistribution counts the labels of raw label files.
func LabelFileDistribution(paths []string, opt asc.Options, lm LabelMap) (*Distribution, error) {
	d := NewDistribution("labels")
	for _, p := range paths {
		raw, err := asc.ReadLabelsFile(p, opt)
		if err != nil {
			return nil, err
		}
		labels := make([]int64, len(raw))
		for i, l := range raw {
			labels[i] = int64(l)
		}
		d.Add(labels)
	}
	d.Finalize(lm)
	return d, nil
}
