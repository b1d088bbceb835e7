package main

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/opsdesk/changeover/pkg/common"
	"github.com/opsdesk/changeover/pkg/planner"
	"github.com/opsdesk/changeover/pkg/sim"
	"github.com/opsdesk/changeover/pkg/timer"
	"github.com/opsdesk/changeover/pkg/types"
)

// RootOptions holds the flags every subcommand shares.
type RootOptions struct {
	Verbose      bool
	Format       string // "json" | "text"
	TimingConfig string
	Generators   []string
	Mode         string
	Speedup      float64
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the simulator CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "ltsim",
		Version: common.Version,
		Short:   "LT panel changeover training simulator",
		Long: `Drive a simulated pair of LT panels through utility failures, generator
changeovers and restorations without touching real switchgear.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Speedup <= 0 {
				return fmt.Errorf("speedup must be positive")
			}
			level := slog.LevelWarn
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.TimingConfig, "timing-config", "", "path to a YAML file overriding breaker and generator delays")
	cmd.PersistentFlags().StringSliceVar(&opts.Generators, "generators", nil, "generators installed at the simulated site (default all)")
	cmd.PersistentFlags().StringVar(&opts.Mode, "mode", string(types.ModeAuto), "operation mode the site starts in (auto|manual)")
	cmd.PersistentFlags().Float64Var(&opts.Speedup, "speedup", 60, "how many times faster than real time delays elapse")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewPlanCommand(opts))

	return cmd
}

// simulator builds a simulator from the shared flags.
func (o *RootOptions) simulator() (*sim.Simulator, error) {
	timing := planner.DefaultTiming()
	if o.TimingConfig != "" {
		t, err := planner.LoadTimingFile(o.TimingConfig)
		if err != nil {
			return nil, err
		}
		timing = t
	}

	site := types.SiteConfig{Generators: types.AllGenerators, Mode: types.Mode(o.Mode)}
	if len(o.Generators) > 0 {
		site.Generators = make([]types.SourceID, len(o.Generators))
		for i, g := range o.Generators {
			site.Generators[i] = types.SourceID(g)
		}
	}
	if err := site.Validate(); err != nil {
		return nil, fmt.Errorf("invalid site: %w", err)
	}
	slog.Debug("simulator configured", slog.Any("generators", site.Generators), slog.String("mode", o.Mode), slog.Float64("speedup", o.Speedup))

	return sim.New(sim.Config{
		Site:    site,
		Planner: planner.New(timing),
		Clock:   timer.NewScaled(o.Speedup),
	}), nil
}
