package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newScratchCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scratch",
		Short: "Manage per-dispatch scratch directories",
	}

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove scratch directories left behind by interrupted dispatches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			inj, err := newInjector(cfg)
			if err != nil {
				return err
			}
			report, err := inj.Cleanup(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d scratch director%s older than %s from %s\n",
				report.DeletedDirs, plural(report.DeletedDirs, "y", "ies"), olderThan, inj.ScratchBase())
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "Only remove directories last modified before this age")

	cmd.AddCommand(prune)
	return cmd
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
