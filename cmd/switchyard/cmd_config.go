package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/switchyard/internal/config"
)

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read, edit and lock switchyard.yaml",
	}
	cmd.AddCommand(newConfigGetCmd(c), newConfigSetCmd(c), newConfigLockCmd(c), newConfigCheckCmd(c))
	return cmd
}

func newConfigGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: `Print a value, e.g. "execution.grace_period" or "app:<id>"`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			v, err := cfg.GetPath(args[0])
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), v)
		},
	}
}

func printValue(w io.Writer, v any) error {
	switch v.(type) {
	case map[string]any, []any:
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		_, err := fmt.Fprintln(w, v)
		return err
	}
}

func newConfigSetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "set <path> <value>",
		Short: "Write a value to the config file, keeping it valid",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.SetPath(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (%s)\n", args[0], args[1], cfg.SourcePath)
			return nil
		},
	}
}

// configFile resolves the file to operate on without loading it.
func (c *cli) configFile() (string, error) {
	path := c.configPath
	if path == "" {
		path = config.DiscoverConfigPath()
	}
	if path == "" {
		return "", fmt.Errorf("no config file found; pass --config")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		abs = filepath.Join(abs, "switchyard.yaml")
	}
	return abs, nil
}

func newConfigLockCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Record the config's BLAKE3 hash; later loads refuse a changed file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := c.configFile()
			if err != nil {
				return err
			}
			sum, err := config.Lock(path)
			if err != nil {
				return err
			}
			if _, err := config.Load(path); err != nil {
				return fmt.Errorf("locked %s, but it does not load: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "locked %s (blake3 %s)\n", path, sum.Hash[:16])
			return nil
		},
	}
}

func newConfigCheckCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the config's lock and validate it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := c.configFile()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			integrity, err := config.VerifyIntegrity(path)
			if err != nil {
				return err
			}
			var problems []string
			switch {
			case !integrity.Locked:
				fmt.Fprintln(out, "integrity: not locked")
			case integrity.Passed:
				fmt.Fprintln(out, "integrity: ok")
			default:
				fmt.Fprintln(out, "integrity: MISMATCH")
				problems = append(problems, "changed since last lock")
			}

			if integrity.Passed {
				if _, err := config.Load(path); err != nil {
					fmt.Fprintf(out, "validation: %v\n", err)
					problems = append(problems, "invalid")
				} else {
					fmt.Fprintln(out, "validation: ok")
				}
			}

			if len(problems) > 0 {
				return &codeError{code: exitError, err: fmt.Errorf("%s: %s", path, strings.Join(problems, ", "))}
			}
			return nil
		},
	}
}
