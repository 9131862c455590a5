package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/scanprep/internal/batch"
	"github.com/banshee-data/scanprep/internal/report"
	"github.com/banshee-data/scanprep/internal/scan"
	"github.com/banshee-data/scanprep/internal/scan/asc"
)

func newReportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise raw scans or preprocessed records",
	}
	cmd.AddCommand(newReportScansCmd(a), newReportDistributionCmd(a))
	return cmd
}

func newReportScansCmd(a *app) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "scans",
		Short: "Write per-column statistics for every geometry and label file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := a.cfg, a.logger
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			opt := asc.Options{Delimiter: cfg.Delimiter(), LabelColumn: cfg.LabelColumn}

			type source struct {
				dir, ext, kind string
				build          func(string) (*report.ScanReport, error)
			}
			sources := []source{
				{cfg.GeometryDir, cfg.GeometryExt, "geometry", report.GeometryReport},
				{cfg.LabelDir, cfg.LabelExt, "labels", func(p string) (*report.ScanReport, error) { return report.LabelReport(p, opt) }},
			}
			failed := 0
			for _, src := range sources {
				if src.dir == "" {
					continue
				}
				files, err := batch.Discover(src.dir, src.ext)
				if err != nil {
					return err
				}
				for _, path := range files {
					rep, err := src.build(path)
					if err != nil {
						failed++
						log.Error("cannot report on file", zap.String("path", path), zap.Error(err))
						continue
					}
					out := filepath.Join(outDir, fmt.Sprintf("%s_%s_report.json", scan.BaseNameOf(path), src.kind))
					if err := writeFile(out, rep.WriteJSON); err != nil {
						return err
					}
					log.Info("wrote scan report", zap.String("path", path), zap.String("report", out))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d files could not be read", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "reports", "directory for report files")
	cmd.Flags().String("geometry-dir", "", "directory of geometry files")
	cmd.Flags().String("label-dir", "", "directory of label files")
	a.bindFlags(cmd, false, map[string]string{"geometry-dir": "geometry_dir", "label-dir": "label_dir"})
	return cmd
}

func newReportDistributionCmd(a *app) *cobra.Command {
	var (
		outDir    string
		fromLabel bool
		axis      int
		bins      int
	)
	cmd := &cobra.Command{
		Use:   "distribution",
		Short: "Class distribution as JSON and HTML, plus a coordinate histogram PNG",
		Long: `Count labels across the records in output_dir (or, with --from-labels, across
the raw label files in label_dir). Writes distribution.json and
distribution.html, and for records a histogram of one coordinate axis.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := a.cfg, a.logger
			if axis < 0 || axis > 2 {
				return fmt.Errorf("--axis must be 0, 1 or 2")
			}
			var lm report.LabelMap
			if cfg.LabelMap != "" {
				var err error
				if lm, err = report.LoadLabelMap(cfg.LabelMap); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}

			var d *report.Distribution
			var coords []float64
			if fromLabel {
				files, err := batch.Discover(cfg.LabelDir, cfg.LabelExt)
				if err != nil {
					return err
				}
				opt := asc.Options{Delimiter: cfg.Delimiter(), LabelColumn: cfg.LabelColumn}
				if d, err = report.LabelFileDistribution(files, opt, lm); err != nil {
					return err
				}
			} else {
				files, err := batch.Discover(cfg.OutputDir, ".arrow")
				if err != nil {
					return err
				}
				if d, coords, err = report.RecordDistribution(files, axis, lm); err != nil {
					return err
				}
			}

			if err := writeFile(filepath.Join(outDir, "distribution.json"), d.WriteJSON); err != nil {
				return err
			}
			htmlPath := filepath.Join(outDir, "distribution.html")
			if err := writeFile(htmlPath, func(w io.Writer) error { return report.RenderClassDistribution(w, d, lm) }); err != nil {
				return err
			}
			if len(coords) > 0 {
				name := string("xyz"[axis])
				png := filepath.Join(outDir, "histogram_"+name+".png")
				if err := report.PlotHistogram(coords, bins, "Record coordinates ("+name+")", name, png); err != nil {
					return err
				}
			}
			log.Info("wrote class distribution",
				zap.String("source", d.Source),
				zap.Int("files", d.Files),
				zap.Int("rows", d.Total),
				zap.Int("classes", len(d.Classes)),
				zap.String("out", outDir))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&outDir, "out", "reports", "directory for report files")
	f.BoolVar(&fromLabel, "from-labels", false, "count raw label files instead of records")
	f.IntVar(&axis, "axis", 0, "coordinate axis for the histogram (0=x, 1=y, 2=z)")
	f.IntVar(&bins, "bins", 30, "histogram bins")
	f.String("output-dir", "", "directory of records")
	f.String("label-dir", "", "directory of label files")
	f.String("label-map", "", "YAML file naming and colouring classes")
	a.bindFlags(cmd, false, map[string]string{"output-dir": "output_dir", "label-dir": "label_dir", "label-map": "label_map"})
	return cmd
}

// writeFile creates path and fills it with write.
func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
