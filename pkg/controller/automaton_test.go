package controller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/changeover/pkg/interlock"
	"github.com/opsdesk/changeover/pkg/metrics"
	"github.com/opsdesk/changeover/pkg/sequencer"
	"github.com/opsdesk/changeover/pkg/timer"
	"github.com/opsdesk/changeover/pkg/types"
)

var start = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newAutomaton(t *testing.T, cfg AutomatonConfig) (*Automaton, *timer.Manual) {
	t.Helper()
	clock := timer.NewManual(start)
	cfg.Clock = clock
	if cfg.SiteID == "" {
		cfg.SiteID = "asansol"
	}
	return NewAutomaton(cfg), clock
}

// drive advances the manual clock through every countdown until the running
// plan ends.
func drive(t *testing.T, snap func() sequencer.Snapshot, await func(context.Context) (sequencer.Outcome, error), clock *timer.Manual) sequencer.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		out sequencer.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := await(ctx)
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
			if cd := snap().Countdown; cd != nil {
				clock.Advance(cd.Remaining)
			}
		}
	}
}

func finish(t *testing.T, a *Automaton, clock *timer.Manual) sequencer.Outcome {
	t.Helper()
	return drive(t, a.Snapshot, a.Await, clock)
}

func execute(t *testing.T, a *Automaton, cmd Command) types.SystemState {
	t.Helper()
	state, err := a.Execute(context.Background(), cmd)
	require.NoError(t, err)
	return state
}

func assertBaseline(t *testing.T, state types.SystemState) {
	t.Helper()
	want := types.Baseline(state.Generators())
	assert.Equal(t, want.Breakers, state.Breakers)
	assert.Equal(t, want.Panels, state.Panels)
	for _, src := range want.Sources {
		got := state.Source(src.ID)
		require.NotNil(t, got)
		assert.Equal(t, src.Running, got.Running, src.ID)
		assert.Equal(t, src.Ramp, got.Ramp, src.ID)
	}
	assert.False(t, state.Session.Locked)
}

func TestCommandValidate(t *testing.T) {
	idx := 1
	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{"total failure", Command{Kind: CommandTotalFeedFailure}, false},
		{"feed failure", Command{Kind: CommandFeedFailure, Source: types.SourceEB2}, false},
		{"feed failure without source", Command{Kind: CommandFeedFailure}, true},
		{"close coupler", Command{Kind: CommandCloseCoupler, Coupler: types.CouplerBC2}, false},
		{"close incomer as coupler", Command{Kind: CommandCloseCoupler, Coupler: types.BreakerEB1}, true},
		{"select by index", Command{Kind: CommandSelectBackup, BackupIndex: &idx}, false},
		{"select nothing", Command{Kind: CommandSelectBackup}, true},
		{"bad mode", Command{Kind: CommandSetMode, Mode: "semi"}, true},
		{"manual stop", Command{Kind: CommandManualStop, Source: types.SourceDG1}, false},
		{"unknown", Command{Kind: "explode"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidSelection)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAutomatonFeedFailure(t *testing.T) {
	a, clock := newAutomaton(t, AutomatonConfig{})

	state := execute(t, a, Command{Kind: CommandFeedFailure, Source: types.SourceEB1})
	assert.True(t, state.Session.Locked)

	out := finish(t, a, clock)
	require.NoError(t, out.Err)
	state = a.State()
	assert.Equal(t, types.BreakerOpen, state.Breaker(types.BreakerEB1).State)
	assert.Equal(t, types.Panel{ID: types.PanelLT1, Feed: types.FeedCoupler, Source: types.SourceEB2}, state.Panel(types.PanelLT1))
	assert.Equal(t, types.Panel{ID: types.PanelLT2, Feed: types.FeedIncomer, Source: types.SourceEB2}, state.Panel(types.PanelLT2))
	assert.Empty(t, state.RunningGenerators())
	assert.False(t, state.Session.Locked)

	t.Run("Restore", func(t *testing.T) {
		execute(t, a, Command{Kind: CommandRestore})
		out := finish(t, a, clock)
		require.NoError(t, out.Err)
		assertBaseline(t, a.State())
	})
}

func TestAutomatonTotalFailureDG2(t *testing.T) {
	a, clock := newAutomaton(t, AutomatonConfig{})

	execute(t, a, Command{Kind: CommandTotalFeedFailure, Source: types.SourceDG2})
	out := finish(t, a, clock)
	require.NoError(t, out.Err)
	assert.Equal(t, 28*time.Second, out.Finished.Sub(out.Started))

	state := a.State()
	assert.Equal(t, types.BreakerOpen, state.Breaker(types.BreakerEB1).State)
	assert.Equal(t, types.BreakerOpen, state.Breaker(types.BreakerEB2).State)
	assert.Equal(t, types.SourceDG2, state.Panel(types.PanelLT1).Source)
	assert.Equal(t, types.FeedCoupler, state.Panel(types.PanelLT1).Feed)
	assert.Equal(t, types.SourceDG2, state.Panel(types.PanelLT2).Source)
	assert.Equal(t, types.FeedIncomer, state.Panel(types.PanelLT2).Feed)
}

func TestAutomatonRoundTrip(t *testing.T) {
	for _, gen := range types.AllGenerators {
		t.Run(string(gen), func(t *testing.T) {
			a, clock := newAutomaton(t, AutomatonConfig{})
			execute(t, a, Command{Kind: CommandTotalFeedFailure, Source: gen})
			require.NoError(t, finish(t, a, clock).Err)
			assert.Equal(t, []types.SourceID{gen}, a.State().RunningGenerators())

			execute(t, a, Command{Kind: CommandRestore})
			out := finish(t, a, clock)
			require.NoError(t, out.Err)
			require.Len(t, out.GeneratorRuns, 1)
			assert.Equal(t, gen, out.GeneratorRuns[0].Source)
			assertBaseline(t, a.State())
		})
	}
}

func TestAutomatonCloseCouplerTwice(t *testing.T) {
	a, _ := newAutomaton(t, AutomatonConfig{})

	first := execute(t, a, Command{Kind: CommandCloseCoupler, Coupler: types.CouplerBC1})
	assert.Equal(t, types.BreakerClosed, first.Breaker(types.CouplerBC1).State)

	second := execute(t, a, Command{Kind: CommandCloseCoupler, Coupler: types.CouplerBC1})
	assert.Equal(t, first, second)

	out, err := a.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Committed)
}

func TestAutomatonBusy(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	a, clock := newAutomaton(t, AutomatonConfig{Metrics: m})

	execute(t, a, Command{Kind: CommandTotalFeedFailure})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntil(ctx, 1))
	before := a.State()

	for _, cmd := range []Command{
		{Kind: CommandFeedFailure, Source: types.SourceEB2},
		{Kind: CommandRestore},
		{Kind: CommandCloseCoupler, Coupler: types.CouplerBC2},
		{Kind: CommandSelectBackup, Source: types.SourceDG2},
		{Kind: CommandSetMode, Mode: types.ModeManual},
	} {
		_, err := a.Execute(context.Background(), cmd)
		assert.ErrorIs(t, err, sequencer.ErrBusy, cmd.Kind)
	}
	assert.Equal(t, before, a.State())
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Rejections.WithLabelValues("asansol", "Busy")))

	require.NoError(t, finish(t, a, clock).Err)
}

func TestAutomatonCancel(t *testing.T) {
	a, clock := newAutomaton(t, AutomatonConfig{})

	_, err := a.Execute(context.Background(), Command{Kind: CommandCancel})
	assert.ErrorIs(t, err, sequencer.ErrUnknownSession)

	execute(t, a, Command{Kind: CommandTotalFeedFailure, Source: types.SourceDG1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntil(ctx, 1))

	state := execute(t, a, Command{Kind: CommandCancel})
	assert.False(t, state.Session.Locked)
	// the trips stay committed and the ramp reverts
	assert.Equal(t, types.BreakerOpen, state.Breaker(types.BreakerEB1).State)
	assert.Equal(t, types.BreakerOpen, state.Breaker(types.BreakerEB2).State)
	assert.False(t, state.Source(types.SourceDG1).Running)
	assert.Equal(t, types.RampOff, state.Source(types.SourceDG1).Ramp)
	assert.False(t, state.Panel(types.PanelLT1).Live())

	t.Run("RestoreAfterCancel", func(t *testing.T) {
		execute(t, a, Command{Kind: CommandRestore})
		require.NoError(t, finish(t, a, clock).Err)
		assertBaseline(t, a.State())
	})
}

func TestAutomatonReset(t *testing.T) {
	a, clock := newAutomaton(t, AutomatonConfig{})

	execute(t, a, Command{Kind: CommandSelectBackup, Source: types.SourceMobileDG})
	execute(t, a, Command{Kind: CommandTotalFeedFailure})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntil(ctx, 1))

	state := execute(t, a, Command{Kind: CommandReset})
	assertBaseline(t, state)
	assert.Equal(t, types.SourceDG1, state.Backup)
	_, running := a.seq.Active()
	assert.False(t, running)
}

func TestAutomatonSelectBackup(t *testing.T) {
	site := types.SiteConfig{Generators: []types.SourceID{types.SourceDG2, types.SourceMobileDG}}
	a, _ := newAutomaton(t, AutomatonConfig{Site: site})
	assert.Equal(t, types.SourceDG2, a.State().Backup)

	idx := 1
	state := execute(t, a, Command{Kind: CommandSelectBackup, BackupIndex: &idx})
	assert.Equal(t, types.SourceMobileDG, state.Backup)

	idx = 2
	_, err := a.Execute(context.Background(), Command{Kind: CommandSelectBackup, BackupIndex: &idx})
	assert.ErrorIs(t, err, types.ErrInvalidSelection)

	_, err = a.Execute(context.Background(), Command{Kind: CommandSelectBackup, Source: types.SourceDG1})
	assert.ErrorIs(t, err, types.ErrInvalidSelection)

	_, err = a.Execute(context.Background(), Command{Kind: CommandTotalFeedFailure, Source: types.SourceDG1})
	assert.ErrorIs(t, err, types.ErrInvalidSelection)
	assertBaseline(t, a.State())
}

func TestAutomatonManualMode(t *testing.T) {
	a, clock := newAutomaton(t, AutomatonConfig{Site: types.SiteConfig{Mode: types.ModeManual}})
	require.Equal(t, types.ModeManual, a.State().Mode)

	// the failure only trips, so the plan has no delay and runs synchronously
	state := execute(t, a, Command{Kind: CommandTotalFeedFailure})
	assert.False(t, state.Session.Locked)
	assert.False(t, state.Panel(types.PanelLT1).Live())
	assert.False(t, state.Panel(types.PanelLT2).Live())

	_, err := a.Execute(context.Background(), Command{Kind: CommandManualCloseIncomer, Source: types.SourceDG1})
	assert.ErrorIs(t, err, interlock.ErrPreconditionNotMet)

	execute(t, a, Command{Kind: CommandManualStart, Source: types.SourceDG1})
	require.NoError(t, finish(t, a, clock).Err)

	state = execute(t, a, Command{Kind: CommandManualCloseIncomer, Source: types.SourceDG1})
	assert.Equal(t, types.Panel{ID: types.PanelLT1, Feed: types.FeedIncomer, Source: types.SourceDG1}, state.Panel(types.PanelLT1))

	execute(t, a, Command{Kind: CommandCloseCoupler, Coupler: types.CouplerBC1})
	state = execute(t, a, Command{Kind: CommandCloseCoupler, Coupler: types.CouplerBC2})
	assert.Equal(t, types.Panel{ID: types.PanelLT2, Feed: types.FeedCoupler, Source: types.SourceDG1}, state.Panel(types.PanelLT2))

	t.Run("StopRequiresOpenACB", func(t *testing.T) {
		_, err := a.Execute(context.Background(), Command{Kind: CommandManualStop, Source: types.SourceDG1})
		assert.ErrorIs(t, err, interlock.ErrPreconditionNotMet)

		// neither panel has a live utility incomer to fall back on
		_, err = a.Execute(context.Background(), Command{Kind: CommandOpenCoupler, Coupler: types.CouplerBC2})
		assert.ErrorIs(t, err, interlock.ErrPreconditionNotMet)
		_, err = a.Execute(context.Background(), Command{Kind: CommandManualOpenIncomer, Source: types.SourceDG1})
		assert.ErrorIs(t, err, interlock.ErrPreconditionNotMet)
	})

	t.Run("StopAlreadyStopped", func(t *testing.T) {
		before := a.State()
		state, err := a.Execute(context.Background(), Command{Kind: CommandManualStop, Source: types.SourceDG2})
		require.NoError(t, err)
		assert.Equal(t, before, state)
	})

	t.Run("Restore", func(t *testing.T) {
		execute(t, a, Command{Kind: CommandRestore})
		out := finish(t, a, clock)
		require.NoError(t, out.Err)
		require.Len(t, out.GeneratorRuns, 1)
		assertBaseline(t, a.State())
		assert.Equal(t, types.ModeManual, a.State().Mode)
	})
}

func TestAutomatonManualSecondGenerator(t *testing.T) {
	a, clock := newAutomaton(t, AutomatonConfig{Site: types.SiteConfig{Mode: types.ModeManual}})

	execute(t, a, Command{Kind: CommandTotalFeedFailure})
	execute(t, a, Command{Kind: CommandManualStart, Source: types.SourceDG1})
	require.NoError(t, finish(t, a, clock).Err)
	execute(t, a, Command{Kind: CommandManualCloseIncomer, Source: types.SourceDG1})
	before := a.State()

	for _, gen := range []types.SourceID{types.SourceDG2, types.SourceMobileDG} {
		_, err := a.Execute(context.Background(), Command{Kind: CommandManualStart, Source: gen})
		assert.ErrorIs(t, err, interlock.ErrSourceConflict, gen)
	}
	assert.Equal(t, before, a.State())
	assert.Equal(t, []types.SourceID{types.SourceDG1}, a.State().RunningGenerators())

	execute(t, a, Command{Kind: CommandRestore})
	require.NoError(t, finish(t, a, clock).Err)
	assertBaseline(t, a.State())
}

// TestAutomatonRandomWalk drives the automaton with random commands and checks
// that every state it settles in is consistent and that restore followed by
// reset always gets back to normal operation.
func TestAutomatonRandomWalk(t *testing.T) {
	commands := []Command{
		{Kind: CommandTotalFeedFailure},
		{Kind: CommandTotalFeedFailure, Source: types.SourceDG2},
		{Kind: CommandTotalFeedFailure, Source: types.SourceMobileDG},
		{Kind: CommandFeedFailure, Source: types.SourceEB1},
		{Kind: CommandFeedFailure, Source: types.SourceEB2},
		{Kind: CommandRestore},
		{Kind: CommandSelectBackup, Source: types.SourceDG1},
		{Kind: CommandSelectBackup, Source: types.SourceMobileDG},
		{Kind: CommandSetMode, Mode: types.ModeAuto},
		{Kind: CommandSetMode, Mode: types.ModeManual},
		{Kind: CommandCancel},
	}
	for _, c := range []types.BreakerID{types.CouplerBC1, types.CouplerBC2} {
		commands = append(commands,
			Command{Kind: CommandOpenCoupler, Coupler: c},
			Command{Kind: CommandCloseCoupler, Coupler: c},
		)
	}
	for _, src := range types.AllGenerators {
		commands = append(commands,
			Command{Kind: CommandManualStart, Source: src},
			Command{Kind: CommandManualStop, Source: src},
			Command{Kind: CommandManualCloseIncomer, Source: src},
			Command{Kind: CommandManualOpenIncomer, Source: src},
		)
	}
	for _, src := range []types.SourceID{types.SourceEB1, types.SourceEB2} {
		commands = append(commands,
			Command{Kind: CommandManualCloseIncomer, Source: src},
			Command{Kind: CommandManualOpenIncomer, Source: src},
		)
	}

	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("Seed%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			a, clock := newAutomaton(t, AutomatonConfig{})

			for i := 0; i < 80; i++ {
				cmd := commands[rng.Intn(len(commands))]
				// refusals are expected; the state has to stay consistent either way
				_, _ = a.Execute(context.Background(), cmd)
				if a.Busy() {
					if rng.Intn(4) == 0 {
						_, err := a.Execute(context.Background(), Command{Kind: CommandCancel})
						require.NoError(t, err)
					} else {
						require.NoError(t, finish(t, a, clock).Err, "%d: %s %s", i, cmd.Kind, cmd.Source)
					}
				}
				state := a.State()
				require.NoError(t, state.Validate(), "%d: %s %s%s", i, cmd.Kind, cmd.Source, cmd.Coupler)
				require.False(t, state.Session.Locked)
				require.LessOrEqual(t, len(state.RunningGenerators()), 1)
			}

			if _, err := a.Execute(context.Background(), Command{Kind: CommandRestore}); err == nil {
				if a.Busy() {
					require.NoError(t, finish(t, a, clock).Err)
				}
				state := a.State()
				require.NoError(t, state.Validate())
				assert.Empty(t, state.RunningGenerators())
				assert.Equal(t, types.BreakerClosed, state.Breaker(types.BreakerEB1).State)
				assert.Equal(t, types.BreakerClosed, state.Breaker(types.BreakerEB2).State)
			} else {
				reason, _ := interlock.ReasonOf(err)
				assert.Equal(t, interlock.ReasonAlreadyInTargetState, reason, err.Error())
			}

			assertBaseline(t, execute(t, a, Command{Kind: CommandReset}))
			assertBaseline(t, a.State())
		})
	}
}

func TestAutomatonParallelRefused(t *testing.T) {
	a, _ := newAutomaton(t, AutomatonConfig{})
	execute(t, a, Command{Kind: CommandCloseCoupler, Coupler: types.CouplerBC1})

	_, err := a.Execute(context.Background(), Command{Kind: CommandCloseCoupler, Coupler: types.CouplerBC2})
	assert.ErrorIs(t, err, interlock.ErrSourceConflict)
	state := a.State()
	assert.Equal(t, types.BreakerOpen, state.Breaker(types.CouplerBC2).State)

	_, err = a.Execute(context.Background(), Command{Kind: CommandManualStart, Source: types.SourceDG1})
	assert.ErrorIs(t, err, interlock.ErrSourceConflict)
}

func TestAutomatonPreview(t *testing.T) {
	a, _ := newAutomaton(t, AutomatonConfig{})

	plan, err := a.Preview(Command{Kind: CommandTotalFeedFailure, Source: types.SourceDG2})
	require.NoError(t, err)
	assert.Equal(t, types.ScenarioTotalFeedFailure, plan.Scenario)
	assert.Equal(t, types.SourceDG2, plan.Source)
	assert.Len(t, plan.Steps, 6)
	assertBaseline(t, a.State())

	_, err = a.Preview(Command{Kind: CommandRestore})
	assert.ErrorIs(t, err, interlock.ErrAlreadyInTargetState)

	_, err = a.Preview(Command{Kind: CommandReset})
	assert.ErrorIs(t, err, types.ErrInvalidSelection)
}

func TestRejectionReason(t *testing.T) {
	assert.Equal(t, "SourceConflict", RejectionReason(fmt.Errorf("step 2: %w", &interlock.Violation{Reason: interlock.ReasonSourceConflict})))
	assert.Equal(t, "Busy", RejectionReason(sequencer.ErrBusy))
	assert.Equal(t, "Unauthorized", RejectionReason(fmt.Errorf("%w: op", ErrUnauthorized)))
	assert.Equal(t, "InvalidSelection", RejectionReason(types.ErrInvalidSelection))
	assert.Equal(t, "NoActivePlan", RejectionReason(sequencer.ErrUnknownSession))
	assert.Equal(t, "Internal", RejectionReason(errors.New("boom")))
}
