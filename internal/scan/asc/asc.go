// Package asc reads the semicolon-delimited per-point label files that
// accompany each geometry scan. Every row has the same number of numeric
// columns, typically x;y;z;r;g;b;classification;nx;ny;nz.
package asc

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// DefaultLabelColumn is the zero-based index of the classification column.
const DefaultLabelColumn = 6

// Options controls parsing. The zero value means ';' and DefaultLabelColumn.
type Options struct {
	Delimiter   rune
	LabelColumn int
}

func (o Options) delimiter() rune {
	if o.Delimiter == 0 {
		return ';'
	}
	return o.Delimiter
}

// ParseError locates a malformed row. Line is 1-based.
type ParseError struct {
	Line   int
	Column int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Column >= 0 {
		return fmt.Sprintf("asc: line %d column %d: %v", e.Line, e.Column, e.Err)
	}
	return fmt.Sprintf("asc: line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrNoRows is returned for a file with no data rows.
var ErrNoRows = errors.New("asc: no rows")

// Table is a fully parsed label file, row-major.
type Table struct {
	Columns int
	Rows    [][]float64
}

// Column returns a copy of column c.
func (t *Table) Column(c int) []float64 {
	out := make([]float64, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[c]
	}
	return out
}

func newReader(r io.Reader, opt Options) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = opt.delimiter()
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	// First record fixes the width; later rows must match.
	cr.FieldsPerRecord = 0
	return cr
}

func wrapCSV(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &ParseError{Line: pe.Line, Column: -1, Err: pe.Err}
	}
	return err
}

// ReadLabels returns the classification column of every row, parsed as a
// float and truncated toward zero.
func ReadLabels(r io.Reader, opt Options) ([]int32, error) {
	col := opt.LabelColumn
	if col < 0 {
		return nil, fmt.Errorf("asc: negative label column %d", col)
	}
	cr := newReader(r, opt)
	var labels []int32
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapCSV(err)
		}
		line, _ := cr.FieldPos(0)
		if col >= len(rec) {
			return nil, &ParseError{Line: line, Column: col, Err: fmt.Errorf("row has %d columns", len(rec))}
		}
		// Every column must be numeric even though only one is kept.
		for c, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, &ParseError{Line: line, Column: c, Err: err}
			}
			if c != col {
				continue
			}
			if math.IsNaN(v) || math.IsInf(v, 0) || v > math.MaxInt32 || v < math.MinInt32 {
				return nil, &ParseError{Line: line, Column: c, Err: fmt.Errorf("label %q out of range", field)}
			}
			labels = append(labels, int32(math.Trunc(v)))
		}
	}
	if len(labels) == 0 {
		return nil, ErrNoRows
	}
	return labels, nil
}

// ReadLabelsFile opens path and calls ReadLabels.
func ReadLabelsFile(path string, opt Options) ([]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadLabels(f, opt)
}

// ReadTable parses every column of every row.
func ReadTable(r io.Reader, opt Options) (*Table, error) {
	cr := newReader(r, opt)
	t := &Table{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapCSV(err)
		}
		line, _ := cr.FieldPos(0)
		row := make([]float64, len(rec))
		for c, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, &ParseError{Line: line, Column: c, Err: err}
			}
			row[c] = v
		}
		t.Columns = len(rec)
		t.Rows = append(t.Rows, row)
	}
	if len(t.Rows) == 0 {
		return nil, ErrNoRows
	}
	return t, nil
}

// ReadTableFile opens path and calls ReadTable.
func ReadTableFile(path string, opt Options) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTable(f, opt)
}

// WriteRow formats one row with the given delimiter.
func WriteRow(w io.Writer, delim rune, values ...float64) error {
	var sb strings.Builder
	for i, v := range values {
		if i > 0 {
			sb.WriteRune(delim)
		}
		sb.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	sb.WriteByte('\n')
	_, err := io.WriteString(w, sb.String())
	return err
}
