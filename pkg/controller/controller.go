// Package controller drives the transfer-switch automaton of each site and
// hands its results to the collaborators that persist and report them.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsdesk/changeover/pkg/log"
	"github.com/opsdesk/changeover/pkg/metrics"
	"github.com/opsdesk/changeover/pkg/planner"
	"github.com/opsdesk/changeover/pkg/sequencer"
	"github.com/opsdesk/changeover/pkg/timer"
	"github.com/opsdesk/changeover/pkg/types"
)

// ErrUnauthorized is returned when the operator may not switch sources at
// the site right now.
var ErrUnauthorized = errors.New("operator not authorized")

// Authorizer decides whether an operator may switch sources.
type Authorizer interface {
	AuthorizeToggle(ctx context.Context, siteID string, operator string) (bool, error)
}

// StatePersister stores the site's state after it changed.
type StatePersister interface {
	PersistState(ctx context.Context, siteID string, state types.SystemState) error
}

// RunRecorder logs completed generator runs.
type RunRecorder interface {
	RecordGeneratorRun(ctx context.Context, siteID string, run types.GeneratorRun) (string, error)
}

// Notifier sends messages to the site staff.
type Notifier interface {
	Notify(ctx context.Context, siteID string, message string, kind types.NotificationKind) error
}

// Collaborators are the external services a controller reports to. A nil
// collaborator is skipped; a nil Authorizer allows everyone.
type Collaborators struct {
	Authorizer Authorizer
	Persister  StatePersister
	Recorder   RunRecorder
	Notifier   Notifier
}

// Config configures a PowerStateController.
type Config struct {
	SiteID  string
	Site    types.SiteConfig
	State   *types.SystemState
	Planner *planner.Planner
	Clock   timer.Service
	Metrics *metrics.Collector
	Collaborators
}

// PowerStateController is the live-site front of the automaton. It checks the
// operator is on shift before every command and reports every finished plan
// to its collaborators.
type PowerStateController struct {
	siteID    string
	collab    Collaborators
	automaton *Automaton
}

// New returns a controller for one site.
func New(cfg Config) *PowerStateController {
	c := &PowerStateController{
		siteID: cfg.SiteID,
		collab: cfg.Collaborators,
	}
	c.automaton = NewAutomaton(AutomatonConfig{
		SiteID:     cfg.SiteID,
		Site:       cfg.Site,
		State:      cfg.State,
		Planner:    cfg.Planner,
		Clock:      cfg.Clock,
		Metrics:    cfg.Metrics,
		OnComplete: c.onComplete,
	})
	return c
}

// Automaton returns the automaton the controller drives.
func (c *PowerStateController) Automaton() *Automaton {
	return c.automaton
}

// Snapshot returns the state with the pending countdown and generator meters.
func (c *PowerStateController) Snapshot() sequencer.Snapshot {
	return c.automaton.Snapshot()
}

// Preview returns the plan a command would run without starting it.
func (c *PowerStateController) Preview(cmd Command) (types.TransitionPlan, error) {
	return c.automaton.Preview(cmd)
}

// Execute authorizes the operator and runs the command. Commands that change
// the state without a plan are persisted before Execute returns; plans are
// persisted when they finish.
func (c *PowerStateController) Execute(ctx context.Context, cmd Command) (types.SystemState, error) {
	ctx = log.WithAttrs(ctx, slog.String("operator", cmd.Operator))
	if err := c.authorize(ctx, cmd.Operator); err != nil {
		return c.automaton.reject(ctx, err)
	}

	state, err := c.automaton.Execute(ctx, cmd)
	if err != nil {
		return state, err
	}
	switch cmd.Kind {
	case CommandSelectBackup, CommandSetMode, CommandReset:
		if err := c.persist(ctx, state); err != nil {
			return state, err
		}
	}
	return state, nil
}

func (c *PowerStateController) authorize(ctx context.Context, operator string) error {
	if c.collab.Authorizer == nil {
		return nil
	}
	ok, err := c.collab.Authorizer.AuthorizeToggle(ctx, c.siteID, operator)
	if err != nil {
		return fmt.Errorf("authorizing %q: %w", operator, err)
	}
	if !ok {
		return fmt.Errorf("%w: %q is not on shift at %s", ErrUnauthorized, operator, c.siteID)
	}
	return nil
}

func (c *PowerStateController) persist(ctx context.Context, state types.SystemState) error {
	if c.collab.Persister == nil {
		return nil
	}
	if err := c.collab.Persister.PersistState(ctx, c.siteID, state); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist state", slog.Any("error", err))
		return fmt.Errorf("persisting state: %w", err)
	}
	return nil
}

// onComplete runs once a plan released the session lock. Breaker state is
// already committed, so failures here are only reported.
func (c *PowerStateController) onComplete(ctx context.Context, out sequencer.Outcome) error {
	var errs []error
	if err := c.persist(ctx, out.State); err != nil {
		errs = append(errs, err)
	}

	for _, run := range out.GeneratorRuns {
		if c.collab.Recorder != nil {
			id, err := c.collab.Recorder.RecordGeneratorRun(ctx, c.siteID, run)
			if err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to record generator run", slog.String("source", string(run.Source)), slog.Any("error", err))
				errs = append(errs, fmt.Errorf("recording %s run: %w", run.Source, err))
			} else {
				log.Ctx(ctx).InfoContext(ctx, "generator run recorded", slog.String("runID", id), slog.Int64("runSeconds", run.RunSeconds))
			}
		}
		msg := fmt.Sprintf("%s stopped after %s", run.Source, run.End.Sub(run.Start).Round(time.Second))
		errs = append(errs, c.notify(ctx, msg, types.NotificationGeneratorRun))
	}

	for _, msg := range sourceChanges(out.Before, out.State) {
		errs = append(errs, c.notify(ctx, msg, types.NotificationSourceChange))
	}

	if out.Err != nil {
		msg := fmt.Sprintf("%s plan stopped after %d of %d steps: %v", out.Plan.Scenario, out.Committed, len(out.Plan.Steps), out.Err)
		errs = append(errs, c.notify(ctx, msg, types.NotificationAlert))
	}
	return errors.Join(errs...)
}

func (c *PowerStateController) notify(ctx context.Context, msg string, kind types.NotificationKind) error {
	if c.collab.Notifier == nil {
		return nil
	}
	if err := c.collab.Notifier.Notify(ctx, c.siteID, msg, kind); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to notify", slog.String("kind", string(kind)), slog.Any("error", err))
		return fmt.Errorf("notifying %s: %w", kind, err)
	}
	return nil
}

// sourceChanges describes every panel whose supply differs between the two
// states.
func sourceChanges(before, after types.SystemState) []string {
	var msgs []string
	for _, id := range []types.PanelID{types.PanelLT1, types.PanelLT2} {
		b, a := before.Panel(id), after.Panel(id)
		if b.Source == a.Source && b.Feed == a.Feed {
			continue
		}
		switch a.Feed {
		case types.FeedNone:
			msgs = append(msgs, fmt.Sprintf("%s has no supply", id))
		case types.FeedCoupler:
			msgs = append(msgs, fmt.Sprintf("%s now fed by %s via bus coupler", id, a.Source))
		default:
			msgs = append(msgs, fmt.Sprintf("%s now fed by %s", id, a.Source))
		}
	}
	return msgs
}

// SimulateTotalFeedFailure trips both utility feeds and, in auto mode, brings
// source (or the selected backup when empty) onto both panels.
func (c *PowerStateController) SimulateTotalFeedFailure(ctx context.Context, operator string, source types.SourceID) (types.SystemState, error) {
	return c.Execute(ctx, Command{Kind: CommandTotalFeedFailure, Source: source, Operator: operator})
}

// SimulateFeedFailure trips one utility feed and, in auto mode, ties the
// failed panel to the healthy one.
func (c *PowerStateController) SimulateFeedFailure(ctx context.Context, operator string, feed types.SourceID) (types.SystemState, error) {
	return c.Execute(ctx, Command{Kind: CommandFeedFailure, Source: feed, Operator: operator})
}

// SimulateRestore returns the site to utility supply.
func (c *PowerStateController) SimulateRestore(ctx context.Context, operator string) (types.SystemState, error) {
	return c.Execute(ctx, Command{Kind: CommandRestore, Operator: operator})
}

// SelectBackupSource chooses the generator the next total failure starts.
func (c *PowerStateController) SelectBackupSource(ctx context.Context, operator string, source types.SourceID) (types.SystemState, error) {
	return c.Execute(ctx, Command{Kind: CommandSelectBackup, Source: source, Operator: operator})
}

func (c *PowerStateController) OpenCoupler(ctx context.Context, operator string, coupler types.BreakerID) (types.SystemState, error) {
	return c.Execute(ctx, Command{Kind: CommandOpenCoupler, Coupler: coupler, Operator: operator})
}

func (c *PowerStateController) CloseCoupler(ctx context.Context, operator string, coupler types.BreakerID) (types.SystemState, error) {
	return c.Execute(ctx, Command{Kind: CommandCloseCoupler, Coupler: coupler, Operator: operator})
}

func (c *PowerStateController) ManualStart(ctx context.Context, operator string, source types.SourceID) (types.SystemState, error) {
	return c.Execute(ctx, Command{Kind: CommandManualStart, Source: source, Operator: operator})
}

func (c *PowerStateController) ManualStop(ctx context.Context, operator string, source types.SourceID) (types.SystemState, error) {
	return c.Execute(ctx, Command{Kind: CommandManualStop, Source: source, Operator: operator})
}

// ManualCloseIncomer closes the incomer of a utility feed or generator.
func (c *PowerStateController) ManualCloseIncomer(ctx context.Context, operator string, source types.SourceID) (types.SystemState, error) {
	return c.Execute(ctx, Command{Kind: CommandManualCloseIncomer, Source: source, Operator: operator})
}

// ManualOpenIncomer opens the incomer of a utility feed or generator.
func (c *PowerStateController) ManualOpenIncomer(ctx context.Context, operator string, source types.SourceID) (types.SystemState, error) {
	return c.Execute(ctx, Command{Kind: CommandManualOpenIncomer, Source: source, Operator: operator})
}

// Reset cancels any running plan and returns the site to its baseline.
func (c *PowerStateController) Reset(ctx context.Context, operator string) (types.SystemState, error) {
	return c.Execute(ctx, Command{Kind: CommandReset, Operator: operator})
}

func (c *PowerStateController) SetMode(ctx context.Context, operator string, mode types.Mode) (types.SystemState, error) {
	return c.Execute(ctx, Command{Kind: CommandSetMode, Mode: mode, Operator: operator})
}

// Cancel stops the running plan. Committed steps are not rolled back.
func (c *PowerStateController) Cancel(ctx context.Context, operator string) (types.SystemState, error) {
	return c.Execute(ctx, Command{Kind: CommandCancel, Operator: operator})
}
