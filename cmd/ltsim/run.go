package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/opsdesk/changeover/pkg/controller"
	"github.com/opsdesk/changeover/pkg/sim"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	NoWait bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <command>...",
		Short: "Execute commands against a simulated site",
		Long: `Execute commands in order against a simulated site and print the event log.

Each command is written as name[:argument]. Unless --no-wait is given, a
command that starts a timed sequence is allowed to finish before the next one
runs. Refused commands are logged and the rest still run.

Example:
  ltsim run simulateTotalFeedFailure simulateRestore
  ltsim run --speedup 600 simulateFeedFailure:EB-1 simulateRestore
  ltsim run --no-wait simulateTotalFeedFailure:DG-2 cancel`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommands(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.NoWait, "no-wait", false, "issue each command without waiting for the previous sequence")

	return cmd
}

func runCommands(cmd *cobra.Command, opts *RunOptions, tokens []string) error {
	cmds := make([]controller.Command, len(tokens))
	for i, t := range tokens {
		c, err := parseCommand(t)
		if err != nil {
			return err
		}
		cmds[i] = c
	}

	s, err := opts.simulator()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var refused []string
	for i, c := range cmds {
		if _, err := s.Run(ctx, c); err != nil {
			slog.Debug("command refused", slog.String("command", tokens[i]), slog.Any("error", err))
			refused = append(refused, fmt.Sprintf("%s: %v", tokens[i], err))
		}
		if opts.NoWait && i < len(cmds)-1 {
			continue
		}
		if err := wait(ctx, s); err != nil {
			return err
		}
	}

	events := s.Events()
	slices.Reverse(events)
	out := &outputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if err := out.run(runResult{Events: events, Final: s.Snapshot(), Refused: refused}); err != nil {
		return err
	}
	if len(refused) > 0 {
		return fmt.Errorf("%d of %d commands refused", len(refused), len(cmds))
	}
	return nil
}

// wait blocks until the simulator is idle.
func wait(ctx context.Context, s *sim.Simulator) error {
	if !s.Busy() {
		return nil
	}
	out, err := s.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for sequence: %w", err)
	}
	slog.Debug("sequence finished", slog.String("result", out.Result()), slog.Int("committed", out.Committed))
	return nil
}
