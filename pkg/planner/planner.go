// Package planner expands a scenario into the ordered, timed steps that carry
// the switchgear from its current state to the scenario's target.
package planner

import (
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/opsdesk/changeover/pkg/types"
)

// Request asks for a plan.
type Request struct {
	Scenario types.Scenario
	// Source is the failed feed for a feed failure. For a total failure it
	// overrides the selected backup generator.
	Source types.SourceID
	// Step is the single operation of a manual request. Its delay is filled
	// in from the timing profile.
	Step     types.PlanStep
	Operator string
}

// Planner builds plans using one timing profile.
type Planner struct {
	timing Timing
}

// New returns a planner using the given timing.
func New(timing Timing) *Planner {
	return &Planner{timing: timing}
}

// Configured returns a planner whose timing comes from --timing-config, or
// the defaults when the flag is empty.
func Configured() *Planner {
	path := lflag.String("timing-config", "", "Path to a YAML file overriding breaker and generator delays")

	p := &Planner{}
	lflag.Do(func() {
		if *path == "" {
			p.timing = DefaultTiming()
			return
		}
		t, err := LoadTimingFile(*path)
		if err != nil {
			panic(fmt.Sprintf("failed to load timing config: %v", err))
		}
		p.timing = t
	})
	return p
}

// Timing returns the profile the planner uses.
func (p *Planner) Timing() Timing {
	return p.timing
}

// Plan returns the steps for req starting from state. It only fails when the
// request names a source or breaker the site doesn't have; electrical
// legality is left to the interlocks.
func (p *Planner) Plan(state types.SystemState, req Request) (types.TransitionPlan, error) {
	plan := types.TransitionPlan{Scenario: req.Scenario, Operator: req.Operator}
	var err error
	switch req.Scenario {
	case types.ScenarioTotalFeedFailure:
		plan.Source, plan.Steps, err = p.totalFailure(&state, req)
	case types.ScenarioFeedFailure:
		plan.Source = req.Source
		plan.Steps, err = p.feedFailure(&state, req.Source)
	case types.ScenarioRestore:
		plan.Steps = p.restore(&state)
		if running := state.RunningGenerators(); len(running) > 0 {
			plan.Source = running[0]
		}
	case types.ScenarioManual:
		var step types.PlanStep
		step, err = p.manual(&state, req.Step)
		plan.Source = step.Source
		plan.Steps = []types.PlanStep{step}
	default:
		err = fmt.Errorf("%w: unknown scenario %q", types.ErrInvalidSelection, req.Scenario)
	}
	if err != nil {
		return types.TransitionPlan{}, err
	}
	return plan, nil
}

func (p *Planner) totalFailure(s *types.SystemState, req Request) (types.SourceID, []types.PlanStep, error) {
	backup := req.Source
	if backup == "" {
		backup = s.Backup
	}
	src := s.Source(backup)
	if src == nil || src.Kind != types.SourceKindGenerator {
		return "", nil, fmt.Errorf("%w: site has no generator %q", types.ErrInvalidSelection, backup)
	}

	steps := []types.PlanStep{
		{Action: types.ActionTrip, Breaker: types.BreakerEB1},
		{Action: types.ActionTrip, Breaker: types.BreakerEB2},
	}
	if s.Mode == types.ModeManual {
		return backup, steps, nil
	}

	acb, _ := types.IncomerFor(backup)
	// the local coupler closes first; the remote panel only comes back once
	// the second coupler completes the tie
	local := src.Panel
	steps = append(steps,
		types.PlanStep{Action: types.ActionStartGenerator, Source: backup, Delay: p.timing.GeneratorRamp},
		types.PlanStep{Action: types.ActionClose, Breaker: acb},
		types.PlanStep{Action: types.ActionClose, Breaker: types.CouplerFor(local), Delay: p.timing.CouplerClose},
		types.PlanStep{Action: types.ActionClose, Breaker: types.CouplerFor(local.Other()), Delay: p.timing.CouplerClose},
	)
	return backup, steps, nil
}

func (p *Planner) feedFailure(s *types.SystemState, feed types.SourceID) ([]types.PlanStep, error) {
	src := s.Source(feed)
	if src == nil || src.Kind != types.SourceKindUtility {
		return nil, fmt.Errorf("%w: %q is not a utility feed", types.ErrInvalidSelection, feed)
	}
	incomer, _ := types.IncomerFor(feed)
	steps := []types.PlanStep{{Action: types.ActionTrip, Breaker: incomer}}
	if s.Mode == types.ModeManual {
		return steps, nil
	}
	failed := src.Panel
	return append(steps,
		types.PlanStep{Action: types.ActionClose, Breaker: types.CouplerFor(failed.Other()), Delay: p.timing.FeedTransfer},
		types.PlanStep{Action: types.ActionClose, Breaker: types.CouplerFor(failed), Delay: p.timing.FeedTransferTie},
	), nil
}

func (p *Planner) restore(s *types.SystemState) []types.PlanStep {
	var steps []types.PlanStep
	var failed []types.PanelID
	for _, panel := range []types.PanelID{types.PanelLT1, types.PanelLT2} {
		feed := types.UtilityFor(panel)
		if src := s.Source(feed); src != nil && !src.Running {
			steps = append(steps, types.PlanStep{Action: types.ActionGridRestore, Source: feed})
		}
		incomer, _ := types.IncomerFor(feed)
		if b := s.Breaker(incomer); b != nil && b.State == types.BreakerOpen {
			failed = append(failed, panel)
		}
	}

	conducts := func(id types.BreakerID) bool {
		b := s.Breaker(id)
		return b != nil && b.State.Conducts()
	}
	reclose := func(panel types.PanelID, delay time.Duration) types.PlanStep {
		incomer, _ := types.IncomerFor(types.UtilityFor(panel))
		return types.PlanStep{Action: types.ActionClose, Breaker: incomer, Delay: delay}
	}

	running := s.RunningGenerators()
	if len(running) == 0 {
		// untie starting from the side that lost its feed
		order := []types.BreakerID{types.CouplerBC1, types.CouplerBC2}
		if len(failed) == 1 && failed[0] == types.PanelLT2 {
			order = []types.BreakerID{types.CouplerBC2, types.CouplerBC1}
		}
		for _, c := range order {
			if conducts(c) {
				steps = append(steps, types.PlanStep{Action: types.ActionOpen, Breaker: c, Delay: p.timing.CouplerOpen, Isolates: true})
			}
		}
		for _, panel := range failed {
			steps = append(steps, reclose(panel, p.timing.IncomerReclose))
		}
		return steps
	}

	gen := running[0]
	local, _ := types.PanelOf(gen)
	remote := local.Other()
	if c := types.CouplerFor(remote); conducts(c) {
		steps = append(steps, types.PlanStep{Action: types.ActionOpen, Breaker: c, Delay: p.timing.RemoteCouplerOpen, Isolates: true})
	}
	if c := types.CouplerFor(local); conducts(c) {
		steps = append(steps, types.PlanStep{Action: types.ActionOpen, Breaker: c, Delay: p.timing.CouplerOpen, Isolates: true})
	}
	for _, panel := range failed {
		if panel == remote {
			steps = append(steps, reclose(panel, p.timing.IncomerReclose))
		}
	}
	if acb, _ := types.IncomerFor(gen); conducts(acb) {
		steps = append(steps,
			types.PlanStep{Action: types.ActionHold, Source: gen, Delay: p.timing.GeneratorHold},
			types.PlanStep{Action: types.ActionOpen, Breaker: acb, Isolates: true},
		)
	}
	steps = append(steps, types.PlanStep{Action: types.ActionStopGenerator, Source: gen})
	for _, panel := range failed {
		if panel == local {
			steps = append(steps, reclose(panel, p.timing.LocalIncomerReclose))
		}
	}
	return steps
}

func (p *Planner) manual(s *types.SystemState, step types.PlanStep) (types.PlanStep, error) {
	switch step.Action {
	case types.ActionOpen, types.ActionClose:
		b := s.Breaker(step.Breaker)
		if b == nil {
			return types.PlanStep{}, fmt.Errorf("%w: site has no breaker %q", types.ErrInvalidSelection, step.Breaker)
		}
		step.Source = ""
		step.Isolates = false
		step.Delay = 0
		if b.Role == types.RoleBusCoupler {
			step.Delay = p.timing.ManualCoupler
		}
	case types.ActionStartGenerator, types.ActionStopGenerator:
		src := s.Source(step.Source)
		if src == nil || src.Kind != types.SourceKindGenerator {
			return types.PlanStep{}, fmt.Errorf("%w: site has no generator %q", types.ErrInvalidSelection, step.Source)
		}
		step.Breaker = ""
		step.Delay = 0
		if step.Action == types.ActionStartGenerator {
			step.Delay = p.timing.GeneratorRamp
		}
	default:
		return types.PlanStep{}, fmt.Errorf("%w: %q is not a manual operation", types.ErrInvalidSelection, step.Action)
	}
	return step, nil
}
