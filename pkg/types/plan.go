package types

import (
	"fmt"
	"time"
)

// Scenario names a family of transition plans.
type Scenario string

const (
	ScenarioTotalFeedFailure Scenario = "totalFeedFailure"
	ScenarioFeedFailure      Scenario = "feedFailure"
	ScenarioRestore          Scenario = "restore"
	ScenarioManual           Scenario = "manual"
)

// Action is the operation performed by a single plan step.
type Action string

const (
	// ActionTrip opens an incomer instantly because its supply failed.
	ActionTrip  Action = "trip"
	ActionOpen  Action = "open"
	ActionClose Action = "close"
	// ActionStartGenerator ramps a generator up; the step's delay is the ramp.
	ActionStartGenerator Action = "start"
	ActionStopGenerator  Action = "stop"
	// ActionHold keeps a generator idling for the step's delay.
	ActionHold Action = "hold"
	// ActionGridRestore marks a utility feed's supply as present again.
	ActionGridRestore Action = "gridRestore"
)

// PlanStep is one timed operation. Breaker operations set Breaker,
// generator and grid operations set Source.
type PlanStep struct {
	Action  Action        `json:"action"`
	Breaker BreakerID     `json:"breaker,omitempty"`
	Source  SourceID      `json:"source,omitempty"`
	Delay   time.Duration `json:"delay"`
	// Isolates marks an open that intentionally leaves a panel without supply.
	Isolates bool `json:"isolates,omitempty"`
}

// Target returns the breaker or source the step operates on.
func (s PlanStep) Target() string {
	if s.Breaker != "" {
		return string(s.Breaker)
	}
	return string(s.Source)
}

func (s PlanStep) String() string {
	if s.Delay > 0 {
		return fmt.Sprintf("%s %s (%s)", s.Action, s.Target(), s.Delay)
	}
	return fmt.Sprintf("%s %s", s.Action, s.Target())
}

// TransitionPlan is an ordered list of steps. It is never modified after the
// planner returns it.
type TransitionPlan struct {
	Scenario Scenario   `json:"scenario"`
	Source   SourceID   `json:"source,omitempty"`
	Operator string     `json:"operator,omitempty"`
	Steps    []PlanStep `json:"steps"`
}

// Duration is the sum of all step delays.
func (p TransitionPlan) Duration() time.Duration {
	var d time.Duration
	for _, s := range p.Steps {
		d += s.Delay
	}
	return d
}

// Clone returns a copy that does not share the step slice.
func (p TransitionPlan) Clone() TransitionPlan {
	p.Steps = append([]PlanStep(nil), p.Steps...)
	return p
}

// Mode selects whether failure scenarios carry on past the trip automatically.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Session is the in-flight plan of a site. At most one may be locked.
type Session struct {
	ID     string          `json:"id,omitempty"`
	Plan   *TransitionPlan `json:"plan,omitempty"`
	Cursor int             `json:"cursor"`
	Locked bool            `json:"locked"`
}

// Countdown describes the step currently waiting on its timer.
type Countdown struct {
	Step      int           `json:"step"`
	Action    Action        `json:"action"`
	Target    string        `json:"target"`
	Started   time.Time     `json:"started"`
	Deadline  time.Time     `json:"deadline"`
	Remaining time.Duration `json:"remaining"`
}

const (
	RatedVoltage   = 415.0
	RatedFrequency = 50.0
)

// Meter is the voltage and frequency shown for a generator.
type Meter struct {
	Source    SourceID `json:"source"`
	Voltage   float64  `json:"voltage"`
	Frequency float64  `json:"frequency"`
}

// MeterReading returns the meter for a generator that has been ramping for
// elapsed out of ramp. Both readings rise linearly to their rated values.
func MeterReading(source SourceID, elapsed, ramp time.Duration) Meter {
	frac := 1.0
	if ramp > 0 && elapsed < ramp {
		frac = float64(elapsed) / float64(ramp)
	}
	if frac < 0 {
		frac = 0
	}
	return Meter{
		Source:    source,
		Voltage:   RatedVoltage * frac,
		Frequency: RatedFrequency * frac,
	}
}
