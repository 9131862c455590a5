package asc

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLabels_TruncatesFloatClass(t *testing.T) {
	src := "0;0;0;255;0;0;5.0;0;0;1\n1;2;3;0;255;0;2.9;0;1;0\n\n4;5;6;0;0;255;-1.5;1;0;0\n"
	labels, err := ReadLabels(strings.NewReader(src), Options{LabelColumn: DefaultLabelColumn})
	require.NoError(t, err)
	assert.Equal(t, []int32{5, 2, -1}, labels)
}

func TestReadLabels_CustomDelimiterAndColumn(t *testing.T) {
	src := "1,2,7\n3,4,8\n"
	labels, err := ReadLabels(strings.NewReader(src), Options{Delimiter: ',', LabelColumn: 2})
	require.NoError(t, err)
	assert.Equal(t, []int32{7, 8}, labels)
}

func TestReadLabels_Errors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		line int
	}{
		{"ragged row", "0;0;0;0;0;0;1\n0;0;0;0;0;1\n", 2},
		{"non numeric", "0;0;0;0;0;0;1\n0;x;0;0;0;0;1\n", 2},
		{"nan label", "0;0;0;0;0;0;nan\n", 1},
		{"too few columns", "0;0;0\n", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadLabels(strings.NewReader(tc.src), Options{LabelColumn: 6})
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "want *ParseError, got %T", err)
			assert.Equal(t, tc.line, pe.Line)
		})
	}
}

func TestReadLabels_Empty(t *testing.T) {
	_, err := ReadLabels(strings.NewReader("# header only\n"), Options{LabelColumn: 6})
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestReadTable_Columns(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRow(&buf, ';', 1, 2.5, -3))
	require.NoError(t, WriteRow(&buf, ';', 4, 5, 6))

	tbl, err := ReadTable(&buf, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, tbl.Columns)
	assert.Equal(t, []float64{2.5, 5}, tbl.Column(1))
}
