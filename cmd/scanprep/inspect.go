package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/banshee-data/scanprep/internal/record"
	"github.com/banshee-data/scanprep/internal/report"
)

type inspectOutput struct {
	Path     string               `json:"path"`
	Meta     record.Meta          `json:"meta"`
	Rows     int                  `json:"rows"`
	Classes  []report.ClassCount  `json:"classes"`
	Features []report.ColumnStats `json:"features"`
	Coords   [][3]float32         `json:"coords_head,omitempty"`
}

func newInspectCmd(a *app) *cobra.Command {
	var (
		head   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "inspect RECORD...",
		Short: "Print metadata, class counts and feature statistics of record files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, path := range args {
				res, err := inspectRecord(path, head)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if err := enc.Encode(res); err != nil {
						return err
					}
					continue
				}
				printInspect(out, res)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&head, "head", 0, "also print the first N coordinates")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

var featureNames = [...]string{"r", "g", "b", "normal_x", "normal_y", "normal_z"}

func inspectRecord(path string, head int) (*inspectOutput, error) {
	f, err := record.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	b := f.Batch
	d := report.NewDistribution(path)
	d.Add(b.Labels)
	d.Finalize(nil)

	res := &inspectOutput{Path: path, Meta: f.Meta, Rows: b.Len(), Classes: d.Classes}
	col := make([]float64, b.Len())
	for c, name := range featureNames {
		for i, row := range b.Features {
			col[i] = float64(row[c])
		}
		res.Features = append(res.Features, report.Describe(name, col))
	}
	if head > b.Len() {
		head = b.Len()
	}
	if head > 0 {
		res.Coords = b.Coords[:head]
	}
	return res, nil
}

func printInspect(w io.Writer, r *inspectOutput) {
	fmt.Fprintf(w, "%s\n", r.Path)
	fmt.Fprintf(w, "  base_name=%s stride=%d voxel_size=%g run_id=%s version=%s rows=%d\n",
		r.Meta.BaseName, r.Meta.Stride, r.Meta.VoxelSize, r.Meta.RunID, r.Meta.Version, r.Rows)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  label\tcount\tfraction")
	for _, c := range r.Classes {
		fmt.Fprintf(tw, "  %d\t%d\t%.4f\n", c.Label, c.Count, c.Fraction)
	}
	fmt.Fprintln(tw, "  feature\tmin\tmax\tmean\tnans")
	for _, f := range r.Features {
		fmt.Fprintf(tw, "  %s\t%.4g\t%.4g\t%.4g\t%d\n", f.Name, f.Min, f.Max, f.Mean, f.NaNs)
	}
	tw.Flush()
	for i, c := range r.Coords {
		fmt.Fprintf(w, "  [%d] %g %g %g\n", i, c[0], c[1], c[2])
	}
}
