package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/switchyard/internal/app"
	"github.com/mattjoyce/switchyard/internal/doctor"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/registry"
)

func newAppsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "Inspect discovered applications",
	}
	cmd.AddCommand(newAppsListCmd(c), newAppsShowCmd(c), newAppsCheckCmd(c))
	return cmd
}

func newAppsListCmd(c *cli) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List routable applications and skipped manifests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRouterRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			table := rt.registry.Current()
			report := doctor.New(cfg, table, rt.injector).Validate()

			if jsonOut {
				s, err := doctor.FormatJSON(&doctor.Result{Valid: report.Valid, Apps: report.Apps})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			}
			printAppTable(cmd.OutOrStdout(), report.Apps)
			for _, w := range table.Warnings() {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s [%s]: %s\n", w.Path, w.Kind, w.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func printAppTable(w io.Writer, apps []doctor.AppStatus) {
	if len(apps) == 0 {
		fmt.Fprintln(w, "no applications discovered")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTIFIER\tVERSION\tNAMESPACE\tROOT")
	for _, a := range apps {
		v := a.Version
		if v == "" {
			v = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Identifier, v, a.Namespace, a.Root)
	}
	_ = tw.Flush()
}

func newAppsShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <application>",
		Short: "Show one application's descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRouterRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			desc, err := rt.registry.Current().Resolve(args[0])
			if err != nil {
				var unknown *registry.UnknownApplicationError
				if errors.As(err, &unknown) {
					return &codeError{code: exitRejected, err: err}
				}
				return err
			}
			printDescriptor(cmd.OutOrStdout(), desc, rt.injector.MissingDependencies(desc))
			return nil
		},
	}
}

func printDescriptor(w io.Writer, d app.Descriptor, missing []string) {
	fmt.Fprintf(w, "identifier:   %s\n", d.Identifier)
	if d.Version != "" {
		fmt.Fprintf(w, "version:      %s\n", d.Version)
	}
	if d.Description != "" {
		fmt.Fprintf(w, "description:  %s\n", d.Description)
	}
	fmt.Fprintf(w, "root:         %s\n", d.Root)
	fmt.Fprintf(w, "manifest:     %s\n", d.ManifestPath)
	fmt.Fprintf(w, "entry point:  %s\n", d.EntryPoint)
	fmt.Fprintf(w, "output dir:   %s\n", d.OutputDir())
	fmt.Fprintf(w, "namespace:    %s (%s_*)\n", d.NamespacePrefix, d.NamespaceKey())
	fmt.Fprintf(w, "isolation:    %t\n", d.IsolationRequired)
	if len(d.Dependencies) > 0 {
		fmt.Fprintf(w, "dependencies: %s\n", strings.Join(d.Dependencies, ", "))
	}
	if len(missing) > 0 {
		fmt.Fprintf(w, "missing:      %s\n", strings.Join(missing, ", "))
	}
}

func newAppsCheckCmd(c *cli) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Diagnose discovery, manifests, dependencies and config references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			// Missing roots are reported by the doctor rather than aborting.
			table := registry.Empty()
			if rt, err := newRouterRuntime(cmd.Context(), cfg); err == nil {
				table = rt.registry.Current()
				rt.Close()
			} else {
				log.WithComponent("doctor").Debug("discovery failed", "error", err)
			}

			var deps doctor.DependencyChecker
			if inj, err := newInjector(cfg); err == nil {
				deps = inj
			}

			result := doctor.New(cfg, table, deps).Validate()
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				s, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, s)
			case "human":
				fmt.Fprint(out, doctor.FormatHuman(result))
			default:
				return fmt.Errorf("unknown format %q (use human or json)", format)
			}

			if !result.Valid {
				return &codeError{code: exitError}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "human", "Output format: human or json")
	return cmd
}
