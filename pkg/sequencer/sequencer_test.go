package sequencer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/changeover/pkg/interlock"
	"github.com/opsdesk/changeover/pkg/metrics"
	"github.com/opsdesk/changeover/pkg/planner"
	"github.com/opsdesk/changeover/pkg/timer"
	"github.com/opsdesk/changeover/pkg/types"
)

var start = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTest(t *testing.T, opts Options) (*Sequencer, *timer.Manual) {
	t.Helper()
	clock := timer.NewManual(start)
	opts.Clock = clock
	if opts.SiteID == "" {
		opts.SiteID = "asansol"
	}
	return New(types.Baseline(nil), opts), clock
}

func plan(t *testing.T, s *Sequencer, req planner.Request) types.TransitionPlan {
	t.Helper()
	p, err := planner.New(planner.DefaultTiming()).Plan(s.State(), req)
	require.NoError(t, err)
	return p
}

// finish advances the manual clock through every countdown until the plan
// ends.
func finish(t *testing.T, s *Sequencer, clock *timer.Manual, h Handle) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := s.Await(ctx, h)
		done <- result{out, err}
	}()
	for {
		select {
		case r := <-done:
			require.NoError(t, r.err)
			return r.out
		case <-ctx.Done():
			t.Fatal("plan did not finish")
		case <-time.After(time.Millisecond):
		}
		if clock.Waiters() > 0 {
			if cd := s.Snapshot().Countdown; cd != nil {
				clock.Advance(cd.Remaining)
			}
		}
	}
}

func TestFeedFailure(t *testing.T) {
	var mu sync.Mutex
	var steps []types.PlanStep
	s, clock := newTest(t, Options{
		OnStep: func(_ context.Context, step types.PlanStep, _ types.SystemState) {
			mu.Lock()
			defer mu.Unlock()
			steps = append(steps, step)
		},
	})

	p := plan(t, s, planner.Request{Scenario: types.ScenarioFeedFailure, Source: types.SourceEB1})
	h, err := s.Begin(context.Background(), p)
	require.NoError(t, err)
	assert.NotEmpty(t, h)
	assert.True(t, s.State().Session.Locked)

	out := finish(t, s, clock, h)
	require.NoError(t, out.Err)
	assert.False(t, out.Cancelled)
	assert.Equal(t, 3, out.Committed)
	assert.Equal(t, "completed", out.Result())
	assert.Equal(t, 12*time.Second, out.Finished.Sub(out.Started))

	st := s.State()
	assert.False(t, st.Session.Locked)
	assert.Equal(t, types.BreakerOpen, st.Breaker(types.BreakerEB1).State)
	assert.Equal(t, types.Panel{ID: types.PanelLT1, Feed: types.FeedCoupler, Source: types.SourceEB2}, st.Panel(types.PanelLT1))
	assert.Empty(t, st.RunningGenerators())
	assert.Equal(t, st, out.State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, p.Steps, steps)
}

func TestTotalFailureDG2(t *testing.T) {
	s, clock := newTest(t, Options{})
	p := plan(t, s, planner.Request{Scenario: types.ScenarioTotalFeedFailure, Source: types.SourceDG2, Operator: "op-7"})
	h, err := s.Begin(context.Background(), p)
	require.NoError(t, err)

	out := finish(t, s, clock, h)
	require.NoError(t, out.Err)
	assert.Equal(t, 28*time.Second, out.Finished.Sub(out.Started))

	st := s.State()
	for _, id := range []types.PanelID{types.PanelLT1, types.PanelLT2} {
		assert.Equal(t, types.SourceDG2, st.Panel(id).Source)
	}
	assert.Equal(t, types.BreakerOpen, st.Breaker(types.BreakerEB1).State)
	assert.Equal(t, types.BreakerOpen, st.Breaker(types.BreakerEB2).State)
	dg := st.Source(types.SourceDG2)
	assert.Equal(t, types.RampStable, dg.Ramp)
	assert.Equal(t, start, dg.StartedAt)
	assert.Equal(t, "op-7", dg.StartedBy)
}

func TestRoundTrip(t *testing.T) {
	var completed []Outcome
	var mu sync.Mutex
	s, clock := newTest(t, Options{
		OnComplete: func(_ context.Context, out Outcome) error {
			mu.Lock()
			defer mu.Unlock()
			completed = append(completed, out)
			return nil
		},
	})
	baseline := s.State()

	h, err := s.Begin(context.Background(), plan(t, s, planner.Request{Scenario: types.ScenarioTotalFeedFailure, Operator: "op-1"}))
	require.NoError(t, err)
	finish(t, s, clock, h)

	clock.Advance(time.Hour)

	h, err = s.Begin(context.Background(), plan(t, s, planner.Request{Scenario: types.ScenarioRestore}))
	require.NoError(t, err)
	out := finish(t, s, clock, h)
	require.NoError(t, out.Err)

	assert.Equal(t, baseline, s.State())
	require.Len(t, out.GeneratorRuns, 1)
	run := out.GeneratorRuns[0]
	assert.Equal(t, types.SourceDG1, run.Source)
	assert.Equal(t, "asansol", run.SiteID)
	assert.Equal(t, "op-1", run.StartedBy)
	assert.Equal(t, start, run.Start)
	// 28s failure + 1h idle + 4s + 2s + 5s + 180s hold
	assert.Equal(t, int64(28+3600+4+2+5+180), run.RunSeconds)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, completed, 2)
	assert.Equal(t, types.ScenarioRestore, completed[1].Plan.Scenario)
}

func TestBusy(t *testing.T) {
	s, clock := newTest(t, Options{})
	h, err := s.Begin(context.Background(), plan(t, s, planner.Request{Scenario: types.ScenarioFeedFailure, Source: types.SourceEB2}))
	require.NoError(t, err)
	require.NoError(t, clock.BlockUntil(context.Background(), 1))

	before := s.State()
	_, err = s.Begin(context.Background(), types.TransitionPlan{Steps: []types.PlanStep{{Action: types.ActionTrip, Breaker: types.BreakerEB1}}})
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.SelectBackup(types.SourceDG2)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.SetMode(types.ModeManual)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.Replace(types.Baseline(nil))
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, before, s.State())

	active, ok := s.Active()
	assert.True(t, ok)
	assert.Equal(t, h, active)

	finish(t, s, clock, h)
	_, ok = s.Active()
	assert.False(t, ok)
}

func TestCancel(t *testing.T) {
	s, clock := newTest(t, Options{})
	h, err := s.Begin(context.Background(), plan(t, s, planner.Request{Scenario: types.ScenarioTotalFeedFailure}))
	require.NoError(t, err)
	require.NoError(t, clock.BlockUntil(context.Background(), 1))

	snap := s.Snapshot()
	require.NotNil(t, snap.Countdown)
	assert.Equal(t, types.ActionStartGenerator, snap.Countdown.Action)
	assert.Equal(t, "DG-1", snap.Countdown.Target)
	assert.Equal(t, 10*time.Second, snap.Countdown.Remaining)
	require.Len(t, snap.Meters, 1)
	assert.Equal(t, 0.0, snap.Meters[0].Voltage)
	assert.Equal(t, types.RampStarting, snap.State.Source(types.SourceDG1).Ramp)

	clock.Advance(5 * time.Second)
	snap = s.Snapshot()
	assert.Equal(t, 5*time.Second, snap.Countdown.Remaining)
	assert.InDelta(t, 207.5, snap.Meters[0].Voltage, 0.01)
	assert.InDelta(t, 25, snap.Meters[0].Frequency, 0.01)

	out, err := s.Cancel(h)
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.Equal(t, "cancelled", out.Result())
	assert.Equal(t, 2, out.Committed)

	st := s.State()
	assert.False(t, st.Session.Locked)
	assert.Equal(t, types.BreakerOpen, st.Breaker(types.BreakerEB1).State, "committed trips are not rolled back")
	assert.Equal(t, types.BreakerOpen, st.Breaker(types.BreakerEB2).State)
	assert.Equal(t, types.RampOff, st.Source(types.SourceDG1).Ramp)
	assert.False(t, st.Panel(types.PanelLT1).Live())
	assert.Nil(t, s.Snapshot().Countdown)
	assert.Equal(t, 0, clock.Waiters())

	_, err = s.Cancel(h)
	assert.ErrorIs(t, err, ErrUnknownSession)

	// the lock is free again
	h, err = s.Begin(context.Background(), plan(t, s, planner.Request{Scenario: types.ScenarioRestore}))
	require.NoError(t, err)
	out = finish(t, s, clock, h)
	require.NoError(t, out.Err)
	assert.Equal(t, types.Baseline(nil), s.State())
}

func TestCancelDuringHold(t *testing.T) {
	s, clock := newTest(t, Options{})
	h, err := s.Begin(context.Background(), plan(t, s, planner.Request{Scenario: types.ScenarioTotalFeedFailure, Source: types.SourceDG2}))
	require.NoError(t, err)
	finish(t, s, clock, h)

	h, err = s.Begin(context.Background(), plan(t, s, planner.Request{Scenario: types.ScenarioRestore}))
	require.NoError(t, err)
	for {
		require.NoError(t, clock.BlockUntil(context.Background(), 1))
		cd := s.Snapshot().Countdown
		require.NotNil(t, cd)
		if cd.Action == types.ActionHold {
			break
		}
		clock.Advance(cd.Remaining)
		time.Sleep(time.Millisecond)
	}

	_, err = s.Cancel(h)
	require.NoError(t, err)
	st := s.State()
	assert.True(t, st.Source(types.SourceDG2).Live(), "generator stays available for reuse")
	assert.Equal(t, types.SourceDG2, st.Panel(types.PanelLT2).Source)
	assert.Equal(t, types.SourceEB1, st.Panel(types.PanelLT1).Source)
}

func TestBeginRejectsIllegalPlan(t *testing.T) {
	s, _ := newTest(t, Options{})
	before := s.State()

	_, err := s.Begin(context.Background(), types.TransitionPlan{Steps: []types.PlanStep{
		{Action: types.ActionClose, Breaker: types.CouplerBC1},
		{Action: types.ActionClose, Breaker: types.CouplerBC2},
	}})
	assert.ErrorIs(t, err, interlock.ErrSourceConflict)
	assert.ErrorContains(t, err, "step 2")
	assert.Equal(t, before, s.State())

	_, err = s.Begin(context.Background(), types.TransitionPlan{})
	assert.ErrorContains(t, err, "no steps")

	assert.ErrorIs(t, s.Validate(types.TransitionPlan{Steps: []types.PlanStep{{Action: types.ActionStartGenerator, Source: types.SourceDG1}}}), interlock.ErrSourceConflict)
}

func TestAwait(t *testing.T) {
	s, _ := newTest(t, Options{})
	_, err := s.Await(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnknownSession)

	h, err := s.Begin(context.Background(), types.TransitionPlan{Steps: []types.PlanStep{{Action: types.ActionTrip, Breaker: types.BreakerEB1}}})
	require.NoError(t, err)
	out, err := s.Await(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Committed)

	out, err = s.Await(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, h, out.Handle)

	_, err = s.Await(context.Background(), "other")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestOnCompleteError(t *testing.T) {
	boom := errors.New("firestore down")
	s, _ := newTest(t, Options{
		OnComplete: func(context.Context, Outcome) error { return boom },
	})
	h, err := s.Begin(context.Background(), types.TransitionPlan{Steps: []types.PlanStep{{Action: types.ActionTrip, Breaker: types.BreakerEB1}}})
	require.NoError(t, err)
	out, err := s.Await(context.Background(), h)
	require.NoError(t, err)
	assert.NoError(t, out.Err)
	assert.ErrorIs(t, out.CollaboratorErr, boom)
	st := s.State()
	assert.Equal(t, types.BreakerOpen, st.Breaker(types.BreakerEB1).State, "collaborator failure does not roll back")
}

func TestSelectBackupAndMode(t *testing.T) {
	s := New(types.Baseline([]types.SourceID{types.SourceDG1, types.SourceDG2}), Options{Clock: timer.NewManual(start)})

	st, err := s.SelectBackup(types.SourceDG2)
	require.NoError(t, err)
	assert.Equal(t, types.SourceDG2, st.Backup)

	_, err = s.SelectBackup(types.SourceMobileDG)
	assert.ErrorIs(t, err, types.ErrInvalidSelection)
	_, err = s.SelectBackup(types.SourceEB1)
	assert.ErrorIs(t, err, types.ErrInvalidSelection)

	st, err = s.SetMode(types.ModeManual)
	require.NoError(t, err)
	assert.Equal(t, types.ModeManual, st.Mode)
	_, err = s.SetMode("semi")
	assert.ErrorIs(t, err, types.ErrInvalidSelection)
}

func TestReplace(t *testing.T) {
	s, _ := newTest(t, Options{})
	bad := types.Baseline(nil)
	bad.Breaker(types.CouplerBC1).State = types.BreakerClosed
	bad.Breaker(types.CouplerBC2).State = types.BreakerClosed
	_, err := s.Replace(bad)
	assert.ErrorIs(t, err, types.ErrParallel)

	next := types.Baseline([]types.SourceID{types.SourceMobileDG})
	next.Session = types.Session{ID: "stale", Locked: true}
	st, err := s.Replace(next)
	require.NoError(t, err)
	assert.False(t, st.Session.Locked)
	assert.Equal(t, types.SourceMobileDG, st.Backup)
}

func TestNewDropsPersistedLock(t *testing.T) {
	st := types.Baseline(nil)
	st.Session = types.Session{ID: "from-before-restart", Locked: true}
	s := New(st, Options{Clock: timer.NewManual(start)})
	assert.False(t, s.State().Session.Locked)

	_, err := s.Begin(context.Background(), types.TransitionPlan{Steps: []types.PlanStep{{Action: types.ActionTrip, Breaker: types.BreakerEB1}}})
	require.NoError(t, err)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	s, clock := newTest(t, Options{Metrics: m})

	h, err := s.Begin(context.Background(), plan(t, s, planner.Request{Scenario: types.ScenarioTotalFeedFailure}))
	require.NoError(t, err)
	require.NoError(t, clock.BlockUntil(context.Background(), 1))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GeneratorsRunning.WithLabelValues("asansol", "DG-1")))
	finish(t, s, clock, h)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlansStarted.WithLabelValues("asansol", "totalFeedFailure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlansFinished.WithLabelValues("asansol", "totalFeedFailure", "completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StepsCommitted.WithLabelValues("asansol", "trip")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StepsCommitted.WithLabelValues("asansol", "close")))
}
