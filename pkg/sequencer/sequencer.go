// Package sequencer executes transition plans against a site's switchgear
// state, one plan at a time.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsdesk/changeover/pkg/interlock"
	"github.com/opsdesk/changeover/pkg/log"
	"github.com/opsdesk/changeover/pkg/metrics"
	"github.com/opsdesk/changeover/pkg/timer"
	"github.com/opsdesk/changeover/pkg/types"
)

var (
	// ErrBusy is returned while another plan holds the session lock.
	ErrBusy = errors.New("another plan is in progress")
	// ErrUnknownSession is returned for a handle that isn't the active or
	// most recent session.
	ErrUnknownSession = errors.New("unknown session")
)

// Handle identifies a plan started with Begin.
type Handle string

// Outcome describes how a plan ended.
type Outcome struct {
	Handle    Handle               `json:"handle"`
	Plan      types.TransitionPlan `json:"plan"`
	Before    types.SystemState    `json:"before"`
	State     types.SystemState    `json:"state"`
	Committed int                  `json:"committed"`
	Cancelled bool                 `json:"cancelled"`
	Started   time.Time            `json:"started"`
	Finished  time.Time            `json:"finished"`
	// GeneratorRuns lists runs ended by a stop step of the plan.
	GeneratorRuns []types.GeneratorRun `json:"generatorRuns,omitempty"`
	// Err is set when a step could not be applied.
	Err error `json:"-"`
	// CollaboratorErr is whatever OnComplete returned.
	CollaboratorErr error `json:"-"`
}

// Result names how the plan ended for metrics and logs.
func (o Outcome) Result() string {
	switch {
	case o.Err != nil:
		return "failed"
	case o.Cancelled:
		return "cancelled"
	default:
		return "completed"
	}
}

// Snapshot is the state plus the live countdown and generator meters.
type Snapshot struct {
	State     types.SystemState `json:"state"`
	Countdown *types.Countdown  `json:"countdown,omitempty"`
	Meters    []types.Meter     `json:"meters,omitempty"`
}

// Options configures a Sequencer.
type Options struct {
	SiteID  string
	Clock   timer.Service
	Metrics *metrics.Collector
	// OnStep is called after every committed step with a copy of the state.
	OnStep func(ctx context.Context, step types.PlanStep, state types.SystemState)
	// OnComplete is called once the lock is released. Its error is reported in
	// Outcome.CollaboratorErr.
	OnComplete func(ctx context.Context, out Outcome) error
}

type session struct {
	handle    Handle
	plan      types.TransitionPlan
	cancel    context.CancelFunc
	done      chan struct{}
	countdown *types.Countdown
	outcome   Outcome
}

// Sequencer owns the switchgear state of one site. Only it mutates breaker
// and generator state.
type Sequencer struct {
	opts Options

	mu     sync.Mutex
	state  types.SystemState
	active *session
	last   *session
}

// New returns a sequencer starting from state. Any session recorded in state
// is discarded since no plan survives a restart.
func New(state types.SystemState, opts Options) *Sequencer {
	if opts.Clock == nil {
		opts.Clock = timer.Real{}
	}
	state = state.Clone()
	state.Session = types.Session{}
	// a state that fails to refresh keeps its stored panels; Validate reports it
	_ = state.Refresh()
	return &Sequencer{opts: opts, state: state}
}

// State returns a copy of the current state.
func (s *Sequencer) State() types.SystemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Snapshot returns the state with the pending countdown and the meters of
// every running generator.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Clock.Now()
	snap := Snapshot{State: s.state.Clone()}

	var ramping *types.Countdown
	if s.active != nil && s.active.countdown != nil {
		cd := *s.active.countdown
		cd.Remaining = max(cd.Deadline.Sub(now), 0)
		snap.Countdown = &cd
		if cd.Action == types.ActionStartGenerator {
			ramping = &cd
		}
	}
	for _, src := range s.state.Sources {
		if src.Kind != types.SourceKindGenerator || !src.Running {
			continue
		}
		if src.Ramp == types.RampStarting && ramping != nil && ramping.Target == string(src.ID) {
			snap.Meters = append(snap.Meters, types.MeterReading(src.ID, now.Sub(ramping.Started), ramping.Deadline.Sub(ramping.Started)))
			continue
		}
		snap.Meters = append(snap.Meters, types.MeterReading(src.ID, 0, 0))
	}
	return snap
}

// Validate dry-runs plan against the current state without locking it.
func (s *Sequencer) Validate(plan types.TransitionPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dryRun(s.state, plan)
}

func dryRun(state types.SystemState, plan types.TransitionPlan) error {
	if len(plan.Steps) == 0 {
		return errors.New("plan has no steps")
	}
	state = state.Clone()
	for i, step := range plan.Steps {
		if err := interlock.CheckStep(state, step); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		if err := state.CommitStep(step, time.Time{}); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

// Begin locks the session and starts executing plan in the background. The
// plan is checked step by step against a copy of the state first; if any
// step would be refused nothing is mutated.
func (s *Sequencer) Begin(ctx context.Context, plan types.TransitionPlan) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil || s.state.Session.Locked {
		return "", ErrBusy
	}
	plan = plan.Clone()
	if err := dryRun(s.state, plan); err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	handle := Handle(id.String())
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = log.WithAttrs(runCtx,
		slog.String("sessionID", string(handle)),
		slog.String("scenario", string(plan.Scenario)),
	)
	sess := &session{
		handle: handle,
		plan:   plan,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active = sess
	locked := plan.Clone()
	s.state.Session = types.Session{ID: string(handle), Plan: &locked, Locked: true}
	before := s.state.Clone()
	before.Session = types.Session{}

	s.opts.Metrics.PlanStarted(s.opts.SiteID, string(plan.Scenario))
	log.Ctx(runCtx).InfoContext(runCtx, "plan started", slog.Int("steps", len(plan.Steps)), slog.Duration("duration", plan.Duration()))

	go s.run(runCtx, sess, before)
	return handle, nil
}

func (s *Sequencer) run(ctx context.Context, sess *session, before types.SystemState) {
	out := Outcome{
		Handle:  sess.handle,
		Plan:    sess.plan,
		Before:  before,
		Started: s.opts.Clock.Now(),
	}
	hookCtx := context.WithoutCancel(ctx)

	for i, step := range sess.plan.Steps {
		stepCtx := log.WithAttrs(ctx, slog.Int("step", i+1), slog.String("action", string(step.Action)), slog.String("target", step.Target()))
		if ctx.Err() != nil {
			out.Cancelled = true
			break
		}

		s.mu.Lock()
		if err := interlock.CheckStep(s.state, step); err != nil {
			s.mu.Unlock()
			out.Err = fmt.Errorf("step %d: %w", i+1, err)
			break
		}
		s.state.Session.Cursor = i
		if step.Delay > 0 || step.Action == types.ActionStartGenerator {
			now := s.opts.Clock.Now()
			if err := s.state.BeginStep(step, now, sess.plan.Operator); err != nil {
				s.mu.Unlock()
				out.Err = fmt.Errorf("step %d: %w", i+1, err)
				break
			}
			if step.Delay > 0 {
				sess.countdown = &types.Countdown{
					Step:     i,
					Action:   step.Action,
					Target:   step.Target(),
					Started:  now,
					Deadline: now.Add(step.Delay),
				}
			}
		}
		s.mu.Unlock()
		if step.Action == types.ActionStartGenerator {
			s.opts.Metrics.SetGeneratorRunning(s.opts.SiteID, string(step.Source), true)
		}

		if step.Delay > 0 {
			log.Ctx(stepCtx).DebugContext(stepCtx, "waiting on step", slog.Duration("delay", step.Delay))
			if err := s.opts.Clock.Wait(ctx, step.Delay); err != nil {
				s.mu.Lock()
				s.state.AbortStep(step)
				sess.countdown = nil
				s.mu.Unlock()
				if step.Action == types.ActionStartGenerator {
					s.opts.Metrics.SetGeneratorRunning(s.opts.SiteID, string(step.Source), false)
				}
				out.Cancelled = true
				log.Ctx(stepCtx).InfoContext(stepCtx, "step cancelled")
				break
			}
		}

		s.mu.Lock()
		sess.countdown = nil
		at := s.opts.Clock.Now()
		var run *types.GeneratorRun
		if step.Action == types.ActionStopGenerator {
			if src := s.state.Source(step.Source); src != nil && src.Running {
				r := types.NewGeneratorRun(s.opts.SiteID, src.ID, src.StartedAt, at, src.StartedBy)
				run = &r
			}
		}
		err := s.state.CommitStep(step, at)
		if err == nil {
			err = s.state.Validate()
		}
		snapshot := s.state.Clone()
		s.mu.Unlock()
		if err != nil {
			// CheckStep passed, so this is a bug rather than an operator error
			log.Ctx(stepCtx).ErrorContext(stepCtx, "step left switchgear inconsistent", slog.Any("error", err))
			out.Err = fmt.Errorf("step %d: %w", i+1, err)
			break
		}

		out.Committed++
		s.opts.Metrics.StepCommitted(s.opts.SiteID, string(step.Action))
		if run != nil {
			out.GeneratorRuns = append(out.GeneratorRuns, *run)
			s.opts.Metrics.SetGeneratorRunning(s.opts.SiteID, string(run.Source), false)
			s.opts.Metrics.ObserveGeneratorRun(s.opts.SiteID, string(run.Source), run.End.Sub(run.Start))
		}
		log.Ctx(stepCtx).InfoContext(stepCtx, "step committed")
		if s.opts.OnStep != nil {
			s.opts.OnStep(hookCtx, step, snapshot)
		}
	}

	s.mu.Lock()
	s.state.Session = types.Session{}
	out.State = s.state.Clone()
	out.Finished = s.opts.Clock.Now()
	s.active = nil
	s.last = sess
	s.mu.Unlock()
	sess.cancel()

	s.opts.Metrics.PlanFinished(s.opts.SiteID, string(sess.plan.Scenario), out.Result())
	if out.Err != nil {
		log.Ctx(ctx).WarnContext(ctx, "plan failed", slog.Int("committed", out.Committed), slog.Any("error", out.Err))
	} else {
		log.Ctx(ctx).InfoContext(ctx, "plan finished", slog.String("result", out.Result()), slog.Int("committed", out.Committed))
	}

	if s.opts.OnComplete != nil {
		out.CollaboratorErr = s.opts.OnComplete(hookCtx, out)
	}

	sess.outcome = out
	close(sess.done)
}

func (s *Sequencer) lookup(h Handle) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.active != nil && (h == "" || s.active.handle == h):
		return s.active
	case s.last != nil && (h == "" || s.last.handle == h):
		return s.last
	}
	return nil
}

// Cancel stops the plan's pending countdown and returns once the lock is
// released. Steps already committed stay committed; the step that was
// counting down reverts to where it started.
func (s *Sequencer) Cancel(h Handle) (Outcome, error) {
	s.mu.Lock()
	sess := s.active
	if sess == nil || (h != "" && sess.handle != h) {
		s.mu.Unlock()
		return Outcome{}, ErrUnknownSession
	}
	sess.cancel()
	s.mu.Unlock()

	<-sess.done
	return sess.outcome, nil
}

// Await blocks until the plan ends or ctx is done. An empty handle waits on
// the active plan, or returns the last one if none is active.
func (s *Sequencer) Await(ctx context.Context, h Handle) (Outcome, error) {
	sess := s.lookup(h)
	if sess == nil {
		return Outcome{}, ErrUnknownSession
	}
	select {
	case <-sess.done:
		return sess.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Active returns the handle of the running plan, if any.
func (s *Sequencer) Active() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", false
	}
	return s.active.handle, true
}

// Replace swaps the whole state, e.g. back to baseline. It is refused while a
// plan runs.
func (s *Sequencer) Replace(state types.SystemState) (types.SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return types.SystemState{}, ErrBusy
	}
	state = state.Clone()
	state.Session = types.Session{}
	if err := state.Validate(); err != nil {
		return types.SystemState{}, err
	}
	_ = state.Refresh()
	s.state = state
	return s.state.Clone(), nil
}

// SelectBackup chooses the generator the next total failure will start.
func (s *Sequencer) SelectBackup(id types.SourceID) (types.SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return types.SystemState{}, ErrBusy
	}
	if src := s.state.Source(id); src == nil || src.Kind != types.SourceKindGenerator {
		return types.SystemState{}, fmt.Errorf("%w: site has no generator %q", types.ErrInvalidSelection, id)
	}
	s.state.Backup = id
	return s.state.Clone(), nil
}

// SetMode switches between automatic and manual operation.
func (s *Sequencer) SetMode(m types.Mode) (types.SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return types.SystemState{}, ErrBusy
	}
	switch m {
	case types.ModeAuto, types.ModeManual:
	default:
		return types.SystemState{}, fmt.Errorf("%w: unknown mode %q", types.ErrInvalidSelection, m)
	}
	s.state.Mode = m
	return s.state.Clone(), nil
}
