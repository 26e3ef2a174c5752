package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/switchyard/internal/dispatch"
	"github.com/mattjoyce/switchyard/internal/protocol"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		jsonOut bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   `run "<marker><application> <request>"`,
		Short: "Dispatch one command and wait for the result",
		Long: `Dispatch one command. Use "-" to read the command from stdin; a single
trailing newline is dropped.

Exit status: 0 completed, 2 rejected, 3 degraded, 1 configuration error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if input == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read command from stdin: %w", err)
				}
				input = strings.TrimSuffix(string(data), "\n")
			}

			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRouterRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			res := rt.dispatcher.Dispatch(ctx, input)

			out := cmd.OutOrStdout()
			if jsonOut {
				if err := protocol.EncodeResult(out, res.Wire()); err != nil {
					return err
				}
			} else {
				printResult(out, res)
			}

			switch res.Status {
			case dispatch.StatusCompleted:
				return nil
			case dispatch.StatusRejected:
				return &codeError{code: exitRejected}
			default:
				return &codeError{code: exitDegraded}
			}
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the dispatch result as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the dispatch after this long (0 waits indefinitely)")
	return cmd
}

func printResult(w io.Writer, res *dispatch.Result) {
	switch res.Status {
	case dispatch.StatusCompleted:
		fmt.Fprintf(w, "completed: %s (dispatch %s, %s)\n", res.App, res.DispatchID, res.Duration.Round(time.Millisecond))
		fmt.Fprintf(w, "output: %s\n", res.OutputLocation)
		for _, a := range res.Artifacts {
			fmt.Fprintf(w, "  %s\n", a)
		}
	case dispatch.StatusRejected:
		fmt.Fprintf(w, "rejected [%s]: %s\n", res.Kind, res.Message)
	default:
		fmt.Fprintf(w, "degraded [%s] at %s: %s\n", res.Kind, res.State, res.Message)
		if res.Stderr != "" {
			fmt.Fprintln(w, "stderr:")
			for _, line := range strings.Split(res.Stderr, "\n") {
				fmt.Fprintf(w, "  %s\n", line)
			}
		}
		if res.Fallback != "" {
			fmt.Fprintln(w, "run it directly:")
			fmt.Fprintf(w, "  %s\n", res.Fallback)
		}
	}
}
