package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/banshee-data/scanprep/internal/ledger"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ledger schema and list recorded runs",
	}
	withStore := func(fn func(cmd *cobra.Command, s *ledger.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if a.cfg.LedgerPath == "" {
				return errors.New("no ledger configured (--ledger or ledger_path)")
			}
			s, err := ledger.OpenUnmigrated(a.cfg.LedgerPath, a.logger)
			if err != nil {
				return err
			}
			defer s.Close()
			return fn(cmd, s, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, s *ledger.Store, _ []string) error {
				if err := s.MigrateUp(); err != nil {
					return err
				}
				return printVersion(cmd, s)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, s *ledger.Store, _ []string) error {
				if err := s.MigrateDown(); err != nil {
					return err
				}
				return printVersion(cmd, s)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the schema version",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, s *ledger.Store, _ []string) error {
				return printVersion(cmd, s)
			}),
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Set the schema version without running migrations (recovery only)",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(cmd *cobra.Command, s *ledger.Store, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				if err := s.MigrateForce(v); err != nil {
					return err
				}
				return printVersion(cmd, s)
			}),
		},
		&cobra.Command{
			Use:   "runs",
			Short: "List recorded runs, newest first",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, s *ledger.Store, _ []string) error {
				if err := s.MigrateUp(); err != nil {
					return err
				}
				runs, err := s.ListRuns(cmd.Context(), 20)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN ID\tSTARTED\tTOTAL\tSUCCEEDED\tFAILED\tNOT STARTED")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n",
						r.RunID, r.Started.Format("2006-01-02T15:04:05Z"), r.Total, r.Succeeded, r.Failed, r.NotStarted)
				}
				return tw.Flush()
			}),
		},
	)
	return cmd
}

func printVersion(cmd *cobra.Command, s *ledger.Store) error {
	v, dirty, err := s.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", v, dirty)
	return nil
}
