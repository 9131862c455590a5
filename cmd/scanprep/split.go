package main

import (
	"github.com/spf13/cobra"

	"github.com/banshee-data/scanprep/internal/batch"
	"github.com/banshee-data/scanprep/internal/split"
)

func newSplitCmd(a *app) *cobra.Command {
	var (
		opt     split.Options
		shuffle bool
	)
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Copy matched pairs into train, val and test directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			pairs, _, err := batch.DiscoverPairs(cfg.GeometryDir, cfg.LabelDir, cfg.GeometryExt, cfg.LabelExt, a.logger)
			if err != nil {
				return err
			}
			opt.Shuffle = shuffle
			opt.Logger = a.logger
			_, err = split.Run(pairs, opt)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&opt.OutputDir, "out", "", "root of the train/val/test directories")
	f.Float64Var(&opt.Ratios.Train, "train", 0.7, "fraction of pairs for training")
	f.Float64Var(&opt.Ratios.Val, "val", 0.2, "fraction of pairs for validation")
	f.Float64Var(&opt.Ratios.Test, "test", 0.1, "fraction of pairs for testing")
	f.BoolVar(&shuffle, "shuffle", true, "shuffle pairs before splitting")
	f.Uint64Var(&opt.Seed, "seed", 42, "shuffle seed")
	f.String("geometry-dir", "", "directory of geometry files")
	f.String("label-dir", "", "directory of label files")
	a.bindFlags(cmd, false, map[string]string{"geometry-dir": "geometry_dir", "label-dir": "label_dir"})
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
