package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opsdesk/changeover/pkg/interlock"
	"github.com/opsdesk/changeover/pkg/log"
	"github.com/opsdesk/changeover/pkg/metrics"
	"github.com/opsdesk/changeover/pkg/planner"
	"github.com/opsdesk/changeover/pkg/sequencer"
	"github.com/opsdesk/changeover/pkg/timer"
	"github.com/opsdesk/changeover/pkg/types"
)

// CommandKind names an operator command.
type CommandKind string

const (
	CommandTotalFeedFailure   CommandKind = "simulateTotalFeedFailure"
	CommandFeedFailure        CommandKind = "simulateFeedFailure"
	CommandRestore            CommandKind = "simulateRestore"
	CommandSelectBackup       CommandKind = "selectBackupSource"
	CommandOpenCoupler        CommandKind = "openCoupler"
	CommandCloseCoupler       CommandKind = "closeCoupler"
	CommandManualStart        CommandKind = "manualStart"
	CommandManualStop         CommandKind = "manualStop"
	CommandManualCloseIncomer CommandKind = "manualCloseIncomer"
	CommandManualOpenIncomer  CommandKind = "manualOpenIncomer"
	CommandReset              CommandKind = "reset"
	CommandSetMode            CommandKind = "setMode"
	CommandCancel             CommandKind = "cancel"
)

// Command is a request from an operator or the training harness.
type Command struct {
	Kind CommandKind `json:"command"`
	// Source is the generator, feed or incomer's source the command acts on.
	Source  types.SourceID  `json:"source,omitempty"`
	Coupler types.BreakerID `json:"coupler,omitempty"`
	// BackupIndex selects a generator by its position in the site config
	// instead of by Source.
	BackupIndex *int       `json:"backupIndex,omitempty"`
	Mode        types.Mode `json:"mode,omitempty"`
	Operator    string     `json:"-"`
}

// Validate checks that the command carries the arguments its kind needs.
func (c Command) Validate() error {
	switch c.Kind {
	case CommandFeedFailure, CommandManualStart, CommandManualStop, CommandManualCloseIncomer, CommandManualOpenIncomer:
		if c.Source == "" {
			return fmt.Errorf("%w: %s requires a source", types.ErrInvalidSelection, c.Kind)
		}
	case CommandOpenCoupler, CommandCloseCoupler:
		if !types.IsCoupler(c.Coupler) {
			return fmt.Errorf("%w: %q is not a bus coupler", types.ErrInvalidSelection, c.Coupler)
		}
	case CommandSelectBackup:
		if c.Source == "" && c.BackupIndex == nil {
			return fmt.Errorf("%w: %s requires a source or backupIndex", types.ErrInvalidSelection, c.Kind)
		}
	case CommandSetMode:
		if c.Mode != types.ModeAuto && c.Mode != types.ModeManual {
			return fmt.Errorf("%w: unknown mode %q", types.ErrInvalidSelection, c.Mode)
		}
	case CommandTotalFeedFailure, CommandRestore, CommandReset, CommandCancel:
	default:
		return fmt.Errorf("%w: unknown command %q", types.ErrInvalidSelection, c.Kind)
	}
	return nil
}

// request converts a planned command to a planner request.
func (c Command) request() (planner.Request, error) {
	req := planner.Request{Operator: c.Operator}
	switch c.Kind {
	case CommandTotalFeedFailure:
		req.Scenario = types.ScenarioTotalFeedFailure
		req.Source = c.Source
	case CommandFeedFailure:
		req.Scenario = types.ScenarioFeedFailure
		req.Source = c.Source
	case CommandRestore:
		req.Scenario = types.ScenarioRestore
	case CommandOpenCoupler:
		req.Scenario = types.ScenarioManual
		req.Step = types.PlanStep{Action: types.ActionOpen, Breaker: c.Coupler}
	case CommandCloseCoupler:
		req.Scenario = types.ScenarioManual
		req.Step = types.PlanStep{Action: types.ActionClose, Breaker: c.Coupler}
	case CommandManualStart:
		req.Scenario = types.ScenarioManual
		req.Step = types.PlanStep{Action: types.ActionStartGenerator, Source: c.Source}
	case CommandManualStop:
		req.Scenario = types.ScenarioManual
		req.Step = types.PlanStep{Action: types.ActionStopGenerator, Source: c.Source}
	case CommandManualCloseIncomer, CommandManualOpenIncomer:
		incomer, ok := types.IncomerFor(c.Source)
		if !ok {
			return planner.Request{}, fmt.Errorf("%w: unknown source %q", types.ErrInvalidSelection, c.Source)
		}
		action := types.ActionClose
		if c.Kind == CommandManualOpenIncomer {
			action = types.ActionOpen
		}
		req.Scenario = types.ScenarioManual
		req.Step = types.PlanStep{Action: action, Breaker: incomer}
	default:
		return planner.Request{}, fmt.Errorf("%w: %s is not a planned command", types.ErrInvalidSelection, c.Kind)
	}
	return req, nil
}

// AutomatonConfig configures an Automaton.
type AutomatonConfig struct {
	SiteID string
	Site   types.SiteConfig
	// State is the state to resume from. A nil State starts at the baseline
	// for Site.
	State   *types.SystemState
	Planner *planner.Planner
	Clock   timer.Service
	Metrics *metrics.Collector

	OnStep     func(ctx context.Context, step types.PlanStep, state types.SystemState)
	OnComplete func(ctx context.Context, out sequencer.Outcome) error
}

// Automaton is the transfer-switch automaton of one site. It turns commands
// into plans, checks them against the interlocks and hands them to the
// sequencer.
type Automaton struct {
	siteID  string
	site    types.SiteConfig
	planner *planner.Planner
	seq     *sequencer.Sequencer
	metrics *metrics.Collector
}

// NewAutomaton returns an automaton for one site.
func NewAutomaton(cfg AutomatonConfig) *Automaton {
	if cfg.Planner == nil {
		cfg.Planner = planner.New(planner.DefaultTiming())
	}
	state := baseline(cfg.Site)
	if cfg.State != nil {
		state = *cfg.State
	}
	return &Automaton{
		siteID:  cfg.SiteID,
		site:    cfg.Site,
		planner: cfg.Planner,
		metrics: cfg.Metrics,
		seq: sequencer.New(state, sequencer.Options{
			SiteID:     cfg.SiteID,
			Clock:      cfg.Clock,
			Metrics:    cfg.Metrics,
			OnStep:     cfg.OnStep,
			OnComplete: cfg.OnComplete,
		}),
	}
}

func baseline(site types.SiteConfig) types.SystemState {
	s := types.Baseline(site.Generators)
	if site.Mode != "" {
		s.Mode = site.Mode
	}
	return s
}

// State returns a copy of the current state.
func (a *Automaton) State() types.SystemState {
	return a.seq.State()
}

// Snapshot returns the state with the pending countdown and generator meters.
func (a *Automaton) Snapshot() sequencer.Snapshot {
	return a.seq.Snapshot()
}

// Busy reports whether a plan is running.
func (a *Automaton) Busy() bool {
	_, ok := a.seq.Active()
	return ok
}

// Await blocks until the running plan ends, or returns the last plan's
// outcome if none is running.
func (a *Automaton) Await(ctx context.Context) (sequencer.Outcome, error) {
	return a.seq.Await(ctx, "")
}

// Preview returns the plan a planned command would run from the current
// state without starting it.
func (a *Automaton) Preview(cmd Command) (types.TransitionPlan, error) {
	if err := cmd.Validate(); err != nil {
		return types.TransitionPlan{}, err
	}
	state := a.seq.State()
	plan, err := a.plan(state, cmd)
	if err != nil {
		return types.TransitionPlan{}, err
	}
	if err := a.seq.Validate(plan); err != nil {
		return types.TransitionPlan{}, err
	}
	return plan, nil
}

func (a *Automaton) plan(state types.SystemState, cmd Command) (types.TransitionPlan, error) {
	req, err := cmd.request()
	if err != nil {
		return types.TransitionPlan{}, err
	}
	plan, err := a.planner.Plan(state, req)
	if err != nil {
		return types.TransitionPlan{}, err
	}
	op := interlock.Op{Scenario: plan.Scenario, Source: plan.Source}
	if plan.Scenario == types.ScenarioManual {
		op.Step = plan.Steps[0]
	}
	if err := interlock.CanApply(state, op); err != nil {
		return types.TransitionPlan{}, err
	}
	return plan, nil
}

// Execute runs a command. Planned commands return as soon as the plan is
// running unless the plan has no delays, in which case Execute waits for it
// and returns the final state. A manual operation that finds its target
// already in the requested state is a no-op.
//
// Cancel leaves breakers as the committed steps left them; the step that was
// counting down reverts to where it started.
func (a *Automaton) Execute(ctx context.Context, cmd Command) (types.SystemState, error) {
	ctx = log.WithAttrs(ctx, slog.String("command", string(cmd.Kind)))
	if err := cmd.Validate(); err != nil {
		return a.reject(ctx, err)
	}

	switch cmd.Kind {
	case CommandSelectBackup:
		id := cmd.Source
		if cmd.BackupIndex != nil {
			var err error
			if id, err = a.site.GeneratorAt(*cmd.BackupIndex); err != nil {
				return a.reject(ctx, err)
			}
		}
		state, err := a.seq.SelectBackup(id)
		if err != nil {
			return a.reject(ctx, err)
		}
		log.Ctx(ctx).InfoContext(ctx, "backup source selected", slog.String("source", string(id)))
		return state, nil
	case CommandSetMode:
		state, err := a.seq.SetMode(cmd.Mode)
		if err != nil {
			return a.reject(ctx, err)
		}
		log.Ctx(ctx).InfoContext(ctx, "mode changed", slog.String("mode", string(cmd.Mode)))
		return state, nil
	case CommandReset:
		if h, ok := a.seq.Active(); ok {
			// reset is the operator's way out of a plan
			if _, err := a.seq.Cancel(h); err != nil && !errors.Is(err, sequencer.ErrUnknownSession) {
				return a.reject(ctx, err)
			}
		}
		state, err := a.seq.Replace(baseline(a.site))
		if err != nil {
			return a.reject(ctx, err)
		}
		log.Ctx(ctx).InfoContext(ctx, "system reset to baseline")
		return state, nil
	case CommandCancel:
		out, err := a.seq.Cancel("")
		if err != nil {
			return a.reject(ctx, err)
		}
		return out.State, nil
	}

	state := a.seq.State()
	if state.Session.Locked {
		return a.reject(ctx, sequencer.ErrBusy)
	}
	plan, err := a.plan(state, cmd)
	if err != nil {
		if isManual(cmd) && errors.Is(err, interlock.ErrAlreadyInTargetState) {
			log.Ctx(ctx).DebugContext(ctx, "manual operation already in target state")
			return state, nil
		}
		return a.reject(ctx, err)
	}

	h, err := a.seq.Begin(ctx, plan)
	if err != nil {
		return a.reject(ctx, err)
	}
	if plan.Duration() > 0 {
		return a.seq.State(), nil
	}
	out, err := a.seq.Await(ctx, h)
	if err != nil {
		return types.SystemState{}, err
	}
	return out.State, errors.Join(out.Err, out.CollaboratorErr)
}

func isManual(cmd Command) bool {
	switch cmd.Kind {
	case CommandOpenCoupler, CommandCloseCoupler, CommandManualStart, CommandManualStop, CommandManualCloseIncomer, CommandManualOpenIncomer:
		return true
	}
	return false
}

func (a *Automaton) reject(ctx context.Context, err error) (types.SystemState, error) {
	reason := RejectionReason(err)
	a.metrics.Rejected(a.siteID, reason)
	log.Ctx(ctx).InfoContext(ctx, "command rejected", slog.String("reason", reason), slog.Any("error", err))
	return types.SystemState{}, err
}

// RejectionReason classifies a command error for metrics and API responses.
func RejectionReason(err error) string {
	if reason, ok := interlock.ReasonOf(err); ok {
		return string(reason)
	}
	switch {
	case errors.Is(err, sequencer.ErrBusy):
		return "Busy"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, types.ErrInvalidSelection):
		return "InvalidSelection"
	case errors.Is(err, sequencer.ErrUnknownSession):
		return "NoActivePlan"
	default:
		return "Internal"
	}
}
