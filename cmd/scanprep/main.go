// Command scanprep turns labeled point-cloud scans into sparse-voxel training
// records and provides the reporting and dataset tooling around them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/banshee-data/scanprep/internal/config"
	"github.com/banshee-data/scanprep/internal/monitoring"
	"github.com/banshee-data/scanprep/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries per-invocation state from the root command to subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger

	flagKeys map[*cobra.Command]flagBinding
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "scanprep",
		Short: "Preprocess labeled point-cloud scans into training records",
		Long: `scanprep pairs PCD geometry files with their ASC label files, normalizes and
voxel-downsamples each scan, estimates normals, transfers labels and writes one
Arrow record per scan.

Settings come from --config (YAML, JSON or TOML), SCANPREP_* environment
variables and flags, in increasing order of precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.bindFor(cmd); err != nil {
				return err
			}
			cfg, err := config.Load(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			logger, err := monitoring.NewLogger(monitoring.LoggerConfig{
				Level:       cfg.Log.Level,
				Encoding:    cfg.Log.Encoding,
				Development: cfg.Log.Development,
			})
			if err != nil {
				return err
			}
			a.logger = logger
			monitoring.UseZap(logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (.yaml, .json or .toml)")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("log-encoding", "console", "log encoding: console or json")
	pf.String("ledger", "", "SQLite ledger file recording runs and per-file results")
	a.bindFlags(root, true, map[string]string{
		"log-level":    "log.level",
		"log-encoding": "log.encoding",
		"ledger":       "ledger_path",
	})

	root.AddCommand(
		newPreprocessCmd(a),
		newReportCmd(a),
		newSplitCmd(a),
		newInspectCmd(a),
		newMigrateCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "scanprep %s\n", version.String())
			},
		},
	)
	return root
}

// bindFlags records which flags of cmd feed which config keys (flag name ->
// key). Several subcommands share keys, so the binding is only made for the
// command that actually runs, in bindFor.
func (a *app) bindFlags(cmd *cobra.Command, persistent bool, keys map[string]string) {
	if a.flagKeys == nil {
		a.flagKeys = map[*cobra.Command]flagBinding{}
	}
	a.flagKeys[cmd] = flagBinding{persistent: persistent, keys: keys}
}

type flagBinding struct {
	persistent bool
	keys       map[string]string
}

// bindFor binds the flags of cmd and its ancestors into viper. A flag the
// user did not set never overrides the file, environment or default value.
func (a *app) bindFor(cmd *cobra.Command) error {
	for c := cmd; c != nil; c = c.Parent() {
		b, ok := a.flagKeys[c]
		if !ok {
			continue
		}
		fs := c.Flags()
		if b.persistent {
			fs = c.PersistentFlags()
		}
		for name, key := range b.keys {
			if err := a.v.BindPFlag(key, fs.Lookup(name)); err != nil {
				return fmt.Errorf("bind --%s: %w", name, err)
			}
		}
	}
	return nil
}
