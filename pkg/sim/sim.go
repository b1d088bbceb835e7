// Package sim is the training simulator: the site automaton without
// authorization or persistence, narrating every step into an event log.
package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opsdesk/changeover/pkg/controller"
	"github.com/opsdesk/changeover/pkg/metrics"
	"github.com/opsdesk/changeover/pkg/planner"
	"github.com/opsdesk/changeover/pkg/sequencer"
	"github.com/opsdesk/changeover/pkg/timer"
	"github.com/opsdesk/changeover/pkg/types"
)

// Severity colours an event for the trainee.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Event is one line of the simulator log.
type Event struct {
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Time.Format(time.TimeOnly), e.Severity, e.Message)
}

const defaultMaxEvents = 200

// Config configures a Simulator.
type Config struct {
	Site    types.SiteConfig
	Planner *planner.Planner
	Clock   timer.Service
	Metrics *metrics.Collector
	// MaxEvents caps the log; the oldest events are dropped first.
	MaxEvents int
}

// Simulator runs commands against a local automaton and keeps a newest-first
// event log.
type Simulator struct {
	clock     timer.Service
	max       int
	automaton *controller.Automaton

	mu     sync.Mutex
	events []Event
}

// New returns a simulator in normal operation.
func New(cfg Config) *Simulator {
	if cfg.Clock == nil {
		cfg.Clock = timer.Real{}
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultMaxEvents
	}
	s := &Simulator{clock: cfg.Clock, max: cfg.MaxEvents}
	s.automaton = controller.NewAutomaton(controller.AutomatonConfig{
		SiteID:     "simulator",
		Site:       cfg.Site,
		Planner:    cfg.Planner,
		Clock:      cfg.Clock,
		Metrics:    cfg.Metrics,
		OnStep:     s.onStep,
		OnComplete: s.onComplete,
	})
	s.seed()
	return s
}

func (s *Simulator) seed() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
	s.log(SeverityInfo, "System initialized in normal operation. All supplies are active.")
}

func (s *Simulator) log(sev Severity, format string, args ...any) {
	e := Event{Time: s.clock.Now(), Severity: sev, Message: fmt.Sprintf(format, args...)}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append([]Event{e}, s.events...)
	if len(s.events) > s.max {
		s.events = s.events[:s.max]
	}
}

// Events returns the log, newest first.
func (s *Simulator) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Snapshot returns the state with the pending countdown and generator meters.
func (s *Simulator) Snapshot() sequencer.Snapshot {
	return s.automaton.Snapshot()
}

// Preview returns the plan a command would run.
func (s *Simulator) Preview(cmd controller.Command) (types.TransitionPlan, error) {
	return s.automaton.Preview(cmd)
}

// Busy reports whether a plan is running.
func (s *Simulator) Busy() bool {
	return s.automaton.Busy()
}

// Wait blocks until the running plan ends.
func (s *Simulator) Wait(ctx context.Context) (sequencer.Outcome, error) {
	return s.automaton.Await(ctx)
}

// Run executes a command. Rejections are logged as errors and returned.
func (s *Simulator) Run(ctx context.Context, cmd controller.Command) (types.SystemState, error) {
	if cmd.Kind == controller.CommandReset {
		state, err := s.automaton.Execute(ctx, cmd)
		if err != nil {
			s.log(SeverityError, "Reset refused: %v", err)
			return state, err
		}
		s.seed()
		return state, nil
	}

	if msg, sev := announce(cmd, s.automaton.State()); msg != "" {
		s.log(sev, "%s", msg)
	}
	state, err := s.automaton.Execute(ctx, cmd)
	if err != nil {
		s.log(SeverityError, "%s refused: %v", cmd.Kind, err)
		return state, err
	}
	switch cmd.Kind {
	case controller.CommandSelectBackup:
		s.log(SeverityInfo, "%s selected as backup source.", state.Backup)
	case controller.CommandSetMode:
		s.log(SeverityInfo, "Operation mode set to %s.", state.Mode)
	}
	return state, nil
}

// announce describes a command before it runs.
func announce(cmd controller.Command, state types.SystemState) (string, Severity) {
	switch cmd.Kind {
	case controller.CommandTotalFeedFailure:
		return "Simulating total EB power failure from grid...", SeverityError
	case controller.CommandFeedFailure:
		return fmt.Sprintf("Simulating %s power failure...", cmd.Source), SeverityError
	case controller.CommandRestore:
		if running := state.RunningGenerators(); len(running) > 0 {
			return fmt.Sprintf("Simulating EB supply restoration with %s running...", running[0]), SeverityInfo
		}
		return "Simulating EB supply restoration...", SeverityInfo
	case controller.CommandManualStart:
		return fmt.Sprintf("Manually starting %s...", cmd.Source), SeverityInfo
	case controller.CommandCancel:
		return "Cancelling the running sequence...", SeverityInfo
	}
	return "", ""
}

func (s *Simulator) onStep(_ context.Context, step types.PlanStep, state types.SystemState) {
	sev, msg := describe(step, state)
	s.log(sev, "%s", msg)
}

// describe narrates a committed step along with its effect on the panels.
func describe(step types.PlanStep, state types.SystemState) (Severity, string) {
	var sev Severity
	var what string
	switch step.Action {
	case types.ActionTrip:
		sev, what = SeverityInfo, fmt.Sprintf("%s tripped on loss of supply.", step.Breaker)
	case types.ActionOpen:
		sev, what = SeverityInfo, fmt.Sprintf("%s opened.", step.Breaker)
	case types.ActionClose:
		sev, what = SeveritySuccess, fmt.Sprintf("%s closed.", step.Breaker)
	case types.ActionStartGenerator:
		sev, what = SeveritySuccess, fmt.Sprintf("%s voltage and frequency stable.", step.Source)
	case types.ActionStopGenerator:
		sev, what = SeverityInfo, fmt.Sprintf("%s stopped.", step.Source)
	case types.ActionHold:
		sev, what = SeverityInfo, fmt.Sprintf("%s cool-down complete.", step.Source)
	case types.ActionGridRestore:
		sev, what = SeveritySuccess, fmt.Sprintf("%s supply is back.", step.Source)
	default:
		sev, what = SeverityInfo, step.String()
	}
	return sev, what + " " + panels(state)
}

func panels(state types.SystemState) string {
	var parts []string
	for _, id := range []types.PanelID{types.PanelLT1, types.PanelLT2} {
		p := state.Panel(id)
		switch p.Feed {
		case types.FeedNone:
			parts = append(parts, fmt.Sprintf("%s: no supply", id))
		case types.FeedCoupler:
			parts = append(parts, fmt.Sprintf("%s: %s via coupler", id, p.Source))
		default:
			parts = append(parts, fmt.Sprintf("%s: %s", id, p.Source))
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (s *Simulator) onComplete(_ context.Context, out sequencer.Outcome) error {
	switch out.Result() {
	case "failed":
		s.log(SeverityError, "Sequence stopped after %d of %d steps: %v", out.Committed, len(out.Plan.Steps), out.Err)
	case "cancelled":
		s.log(SeverityInfo, "Sequence cancelled after %d of %d steps; breakers left as they are.", out.Committed, len(out.Plan.Steps))
	default:
		if len(out.Plan.Steps) > 1 {
			s.log(SeveritySuccess, "Sequence complete. %s", panels(out.State))
		}
	}
	for _, run := range out.GeneratorRuns {
		s.log(SeverityInfo, "%s ran for %s.", run.Source, run.End.Sub(run.Start).Round(time.Second))
	}
	return nil
}
