package types

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrParallel is returned when two distinct live sources would feed one
// electrically joined bus.
var ErrParallel = errors.New("two live sources on one bus")

// SystemState is the aggregate root of a site's switchgear.
type SystemState struct {
	Sources  []Source  `json:"sources"`
	Breakers []Breaker `json:"breakers"`
	Panels   []Panel   `json:"panels"`
	Session  Session   `json:"session"`
	// Backup is the generator the next total failure will start.
	Backup SourceID `json:"backup"`
	Mode   Mode     `json:"mode"`
}

// Baseline returns normal operation: both utility incomers CLOSED, every
// generator off and both couplers OPEN. Only the listed generators are
// installed; an empty list installs all of them.
func Baseline(generators []SourceID) SystemState {
	if len(generators) == 0 {
		generators = AllGenerators
	}
	var s SystemState
	for _, spec := range topology {
		if spec.kind == SourceKindGenerator && !slices.Contains(generators, spec.id) {
			continue
		}
		src := Source{ID: spec.id, Kind: spec.kind, Panel: spec.panel}
		br := Breaker{ID: spec.breaker, Panel: spec.panel, Source: spec.id, State: BreakerOpen}
		if spec.kind == SourceKindUtility {
			src.Running = true
			br.Role = RoleFeedIncomer
			br.State = BreakerClosed
		} else {
			src.Ramp = RampOff
			br.Role = RoleGeneratorIncomer
			if s.Backup == "" {
				s.Backup = spec.id
			}
		}
		s.Sources = append(s.Sources, src)
		s.Breakers = append(s.Breakers, br)
	}
	s.Breakers = append(s.Breakers,
		Breaker{ID: CouplerBC1, Role: RoleBusCoupler, Panel: PanelLT1, State: BreakerOpen},
		Breaker{ID: CouplerBC2, Role: RoleBusCoupler, Panel: PanelLT2, State: BreakerOpen},
	)
	s.Mode = ModeAuto
	// baseline can never parallel
	_ = s.Refresh()
	return s
}

// Clone returns a deep copy.
func (s SystemState) Clone() SystemState {
	s.Sources = slices.Clone(s.Sources)
	s.Breakers = slices.Clone(s.Breakers)
	s.Panels = slices.Clone(s.Panels)
	if s.Session.Plan != nil {
		p := s.Session.Plan.Clone()
		s.Session.Plan = &p
	}
	return s
}

// Source returns the named source or nil if the site doesn't have it.
func (s *SystemState) Source(id SourceID) *Source {
	for i := range s.Sources {
		if s.Sources[i].ID == id {
			return &s.Sources[i]
		}
	}
	return nil
}

// Breaker returns the named breaker or nil.
func (s *SystemState) Breaker(id BreakerID) *Breaker {
	for i := range s.Breakers {
		if s.Breakers[i].ID == id {
			return &s.Breakers[i]
		}
	}
	return nil
}

// Panel returns the derived panel status.
func (s SystemState) Panel(id PanelID) Panel {
	for _, p := range s.Panels {
		if p.ID == id {
			return p
		}
	}
	return Panel{ID: id, Feed: FeedNone}
}

// Generators lists the installed generators.
func (s SystemState) Generators() []SourceID {
	var ids []SourceID
	for _, src := range s.Sources {
		if src.Kind == SourceKindGenerator {
			ids = append(ids, src.ID)
		}
	}
	return ids
}

// RunningGenerators lists generators that are starting or running.
func (s SystemState) RunningGenerators() []SourceID {
	var ids []SourceID
	for _, src := range s.Sources {
		if src.Kind == SourceKindGenerator && src.Running {
			ids = append(ids, src.ID)
		}
	}
	return ids
}

// Joined reports whether the couplers currently tie both buses together.
func (s *SystemState) Joined() bool {
	bc1, bc2 := s.Breaker(CouplerBC1), s.Breaker(CouplerBC2)
	return bc1 != nil && bc2 != nil && bc1.State.Conducts() && bc2.State.Conducts()
}

// BusOf returns the panels electrically joined with p, including p.
func (s *SystemState) BusOf(p PanelID) []PanelID {
	if s.Joined() {
		return []PanelID{PanelLT1, PanelLT2}
	}
	return []PanelID{p}
}

// LiveSourcesOn returns the distinct live sources connected to any of the
// given panels through a conducting incomer.
func (s *SystemState) LiveSourcesOn(panels []PanelID) []SourceID {
	var ids []SourceID
	for _, b := range s.Breakers {
		if b.Role == RoleBusCoupler || !b.State.Conducts() || !slices.Contains(panels, b.Panel) {
			continue
		}
		src := s.Source(b.Source)
		if src == nil || !src.Live() || slices.Contains(ids, src.ID) {
			continue
		}
		ids = append(ids, src.ID)
	}
	return ids
}

// Refresh recomputes the derived panel status. It returns ErrParallel if any
// bus is fed by more than one source; the panels are left unchanged then.
func (s *SystemState) Refresh() error {
	panels := make([]Panel, 0, 2)
	for _, id := range []PanelID{PanelLT1, PanelLT2} {
		live := s.LiveSourcesOn(s.BusOf(id))
		switch len(live) {
		case 0:
			panels = append(panels, Panel{ID: id, Feed: FeedNone})
		case 1:
			feed := FeedIncomer
			if p, _ := PanelOf(live[0]); p != id {
				feed = FeedCoupler
			}
			panels = append(panels, Panel{ID: id, Feed: feed, Source: live[0]})
		default:
			return fmt.Errorf("%w: %s fed by %v", ErrParallel, id, live)
		}
	}
	s.Panels = panels
	return nil
}

// Validate checks the electrical invariants of the state.
func (s SystemState) Validate() error {
	c := s.Clone()
	if err := c.Refresh(); err != nil {
		return err
	}
	for _, b := range s.Breakers {
		if b.Role != RoleGeneratorIncomer || b.State != BreakerClosed {
			continue
		}
		if src := s.Source(b.Source); src == nil || !src.Live() {
			return fmt.Errorf("%s closed on a generator that is not stable", b.ID)
		}
	}
	return nil
}

// BeginStep moves the step's target into its transitional state. The
// operator is recorded against generators that are started.
func (s *SystemState) BeginStep(step PlanStep, at time.Time, operator string) error {
	switch step.Action {
	case ActionOpen, ActionClose:
		b := s.Breaker(step.Breaker)
		if b == nil {
			return fmt.Errorf("unknown breaker %s", step.Breaker)
		}
		if step.Action == ActionOpen {
			b.State = BreakerOpening
		} else {
			b.State = BreakerClosing
		}
	case ActionStartGenerator:
		src := s.Source(step.Source)
		if src == nil {
			return fmt.Errorf("unknown source %s", step.Source)
		}
		src.Running = true
		src.Ramp = RampStarting
		src.StartedAt = at
		src.StartedBy = operator
	}
	return s.Refresh()
}

// AbortStep reverts a step that was begun but never committed.
func (s *SystemState) AbortStep(step PlanStep) {
	switch step.Action {
	case ActionOpen, ActionClose:
		if b := s.Breaker(step.Breaker); b != nil {
			switch b.State {
			case BreakerOpening:
				b.State = BreakerClosed
			case BreakerClosing:
				b.State = BreakerOpen
			}
		}
	case ActionStartGenerator:
		if src := s.Source(step.Source); src != nil && src.Ramp == RampStarting {
			*src = Source{ID: src.ID, Kind: src.Kind, Panel: src.Panel, Ramp: RampOff}
		}
	}
	// reverting a transitional state cannot add a source to a bus
	_ = s.Refresh()
}

// CommitStep applies the final effect of a step.
func (s *SystemState) CommitStep(step PlanStep, at time.Time) error {
	switch step.Action {
	case ActionTrip, ActionOpen, ActionClose:
		b := s.Breaker(step.Breaker)
		if b == nil {
			return fmt.Errorf("unknown breaker %s", step.Breaker)
		}
		if step.Action == ActionClose {
			b.State = BreakerClosed
		} else {
			b.State = BreakerOpen
		}
		if step.Action == ActionTrip && b.Role == RoleFeedIncomer {
			if src := s.Source(b.Source); src != nil {
				src.Running = false
			}
		}
	case ActionStartGenerator, ActionStopGenerator, ActionGridRestore:
		src := s.Source(step.Source)
		if src == nil {
			return fmt.Errorf("unknown source %s", step.Source)
		}
		switch step.Action {
		case ActionStartGenerator:
			src.Running = true
			src.Ramp = RampStable
			if src.StartedAt.IsZero() {
				src.StartedAt = at
			}
		case ActionStopGenerator:
			*src = Source{ID: src.ID, Kind: src.Kind, Panel: src.Panel, Ramp: RampOff}
		case ActionGridRestore:
			src.Running = true
		}
	case ActionHold:
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return s.Refresh()
}
