package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/opsdesk/changeover/pkg/sequencer"
	"github.com/opsdesk/changeover/pkg/sim"
	"github.com/opsdesk/changeover/pkg/types"
)

// runResult is what "run" prints.
type runResult struct {
	// Events are oldest first.
	Events  []sim.Event        `json:"events"`
	Final   sequencer.Snapshot `json:"final"`
	Refused []string           `json:"refused,omitempty"`
}

// planResult is what "plan" prints.
type planResult struct {
	types.TransitionPlan
	DurationSeconds float64 `json:"durationSeconds"`
}

// outputFormatter writes results as JSON or as text for a trainee's terminal.
type outputFormatter struct {
	Format string
	Writer io.Writer
}

func (f *outputFormatter) run(res runResult) error {
	if f.Format == "json" {
		return f.json(res)
	}
	for _, e := range res.Events {
		fmt.Fprintln(f.Writer, e)
	}
	fmt.Fprintln(f.Writer)
	fmt.Fprint(f.Writer, describeState(res.Final.State))
	return nil
}

func (f *outputFormatter) plan(res planResult) error {
	if f.Format == "json" {
		return f.json(res)
	}
	title := string(res.Scenario)
	if res.Source != "" {
		title += " (" + string(res.Source) + ")"
	}
	fmt.Fprintln(f.Writer, title)
	for i, step := range res.Steps {
		fmt.Fprintf(f.Writer, "%3d. %s\n", i+1, step)
	}
	fmt.Fprintf(f.Writer, "total %s\n", res.Duration())
	return nil
}

func (f *outputFormatter) json(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describeState lists every breaker and where each panel draws from.
func describeState(state types.SystemState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode %s, backup %s\n", state.Mode, state.Backup)
	for _, id := range []types.PanelID{types.PanelLT1, types.PanelLT2} {
		p := state.Panel(id)
		switch p.Feed {
		case types.FeedNone:
			fmt.Fprintf(&b, "%s: no supply\n", id)
		case types.FeedCoupler:
			fmt.Fprintf(&b, "%s: %s via coupler\n", id, p.Source)
		default:
			fmt.Fprintf(&b, "%s: %s\n", id, p.Source)
		}
	}
	var closed []string
	for _, br := range state.Breakers {
		if br.State == types.BreakerClosed {
			closed = append(closed, string(br.ID))
		}
	}
	fmt.Fprintf(&b, "closed: %s\n", strings.Join(closed, " "))
	return b.String()
}
