package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opsdesk/changeover/pkg/controller"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	After []string
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan <command>",
		Short: "Print the steps a command would run",
		Long: `Print the timed steps a command would run without running it.

The plan starts from normal operation unless --after names commands to run
first.

Example:
  ltsim plan simulateTotalFeedFailure:DG-2
  ltsim plan --after simulateFeedFailure:EB-1 simulateRestore`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printPlan(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringSliceVar(&opts.After, "after", nil, "commands to run before planning")

	return cmd
}

func printPlan(cmd *cobra.Command, opts *PlanOptions, token string) error {
	target, err := parseCommand(token)
	if err != nil {
		return err
	}
	prelude := make([]controller.Command, len(opts.After))
	for i, t := range opts.After {
		if prelude[i], err = parseCommand(t); err != nil {
			return err
		}
	}

	s, err := opts.simulator()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	for i, c := range prelude {
		if _, err := s.Run(ctx, c); err != nil {
			return fmt.Errorf("%s: %w", opts.After[i], err)
		}
		if err := wait(ctx, s); err != nil {
			return err
		}
	}

	plan, err := s.Preview(target)
	if err != nil {
		return fmt.Errorf("%s: %w", token, err)
	}
	out := &outputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.plan(planResult{TransitionPlan: plan, DurationSeconds: plan.Duration().Seconds()})
}
