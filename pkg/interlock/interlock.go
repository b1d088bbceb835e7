// Package interlock decides whether an operation is electrically legal for a
// given switchgear state. Nothing here mutates the state it is given.
package interlock

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opsdesk/changeover/pkg/types"
)

// Reason classifies an interlock violation.
type Reason string

const (
	ReasonAlreadyInTargetState      Reason = "AlreadyInTargetState"
	ReasonSourceConflict            Reason = "SourceConflict"
	ReasonIllegalWhileSessionLocked Reason = "IllegalWhileSessionLocked"
	ReasonPreconditionNotMet        Reason = "PreconditionNotMet"
)

var (
	ErrAlreadyInTargetState      = errors.New("already in target state")
	ErrSourceConflict            = errors.New("source conflict")
	ErrIllegalWhileSessionLocked = errors.New("illegal while session locked")
	ErrPreconditionNotMet        = errors.New("precondition not met")
)

func (r Reason) sentinel() error {
	switch r {
	case ReasonAlreadyInTargetState:
		return ErrAlreadyInTargetState
	case ReasonSourceConflict:
		return ErrSourceConflict
	case ReasonIllegalWhileSessionLocked:
		return ErrIllegalWhileSessionLocked
	default:
		return ErrPreconditionNotMet
	}
}

// Violation is returned when an operation is refused. It unwraps to the
// sentinel error of its Reason so callers can use errors.Is.
type Violation struct {
	Reason Reason
	Op     string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s refused (%s): %s", v.Op, v.Reason, v.Detail)
}

func (v *Violation) Unwrap() error {
	return v.Reason.sentinel()
}

// ReasonOf returns the reason of a violation anywhere in err's chain.
func ReasonOf(err error) (Reason, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v.Reason, true
	}
	return "", false
}

func violation(reason Reason, op string, format string, args ...any) error {
	return &Violation{Reason: reason, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Op is a scenario request or, for manual operations, a single step.
type Op struct {
	Scenario types.Scenario
	// Source is the failed feed for a feed failure or the backup generator
	// for a total failure.
	Source types.SourceID
	Step   types.PlanStep
}

func (op Op) String() string {
	switch op.Scenario {
	case types.ScenarioManual, "":
		return op.Step.String()
	}
	if op.Source != "" {
		return fmt.Sprintf("%s(%s)", op.Scenario, op.Source)
	}
	return string(op.Scenario)
}

// CanApply reports whether op may start against state. Operations are
// refused outright while a plan holds the session lock.
func CanApply(state types.SystemState, op Op) error {
	if state.Session.Locked {
		return violation(ReasonIllegalWhileSessionLocked, op.String(), "plan %s is in progress", state.Session.ID)
	}
	switch op.Scenario {
	case types.ScenarioTotalFeedFailure:
		return checkTotalFailure(&state, op)
	case types.ScenarioFeedFailure:
		return checkFeedFailure(&state, op)
	case types.ScenarioRestore:
		return checkRestore(&state, op)
	case types.ScenarioManual, "":
		return CheckStep(state, op.Step)
	default:
		return violation(ReasonPreconditionNotMet, op.String(), "unknown scenario")
	}
}

func utilityIncomersClosed(s *types.SystemState) bool {
	for _, b := range s.Breakers {
		if b.Role == types.RoleFeedIncomer && b.State != types.BreakerClosed {
			return false
		}
	}
	return true
}

func checkTotalFailure(s *types.SystemState, op Op) error {
	if !utilityIncomersClosed(s) {
		return violation(ReasonPreconditionNotMet, op.String(), "both utility incomers must be closed")
	}
	for _, b := range s.Breakers {
		if b.Role == types.RoleGeneratorIncomer && b.State.Conducts() {
			return violation(ReasonPreconditionNotMet, op.String(), "%s is already closed", b.ID)
		}
	}
	return nil
}

func checkFeedFailure(s *types.SystemState, op Op) error {
	if kind, _ := types.KindOf(op.Source); kind != types.SourceKindUtility {
		return violation(ReasonPreconditionNotMet, op.String(), "%q is not a utility feed", op.Source)
	}
	if !utilityIncomersClosed(s) {
		return violation(ReasonPreconditionNotMet, op.String(), "both utility incomers must be closed")
	}
	if running := s.RunningGenerators(); len(running) > 0 {
		return violation(ReasonPreconditionNotMet, op.String(), "%s is running", running[0])
	}
	return nil
}

func checkRestore(s *types.SystemState, op Op) error {
	if utilityIncomersClosed(s) {
		return violation(ReasonAlreadyInTargetState, op.String(), "both utility incomers are closed")
	}
	if running := s.RunningGenerators(); len(running) > 1 {
		return violation(ReasonPreconditionNotMet, op.String(), "more than one generator running: %v", running)
	}
	for _, b := range s.Breakers {
		if b.State.Transitional() {
			return violation(ReasonPreconditionNotMet, op.String(), "%s is mid-operation", b.ID)
		}
	}
	return nil
}

// CheckStep reports whether a single step may be applied to state. It
// ignores the session lock so the sequencer can check the steps of its own
// plan.
func CheckStep(state types.SystemState, step types.PlanStep) error {
	s := &state
	op := step.String()
	switch step.Action {
	case types.ActionTrip, types.ActionOpen, types.ActionClose:
		b := s.Breaker(step.Breaker)
		if b == nil {
			return violation(ReasonPreconditionNotMet, op, "site has no breaker %q", step.Breaker)
		}
		if b.State.Transitional() {
			return violation(ReasonPreconditionNotMet, op, "%s is mid-operation (%s)", b.ID, b.State)
		}
		switch step.Action {
		case types.ActionTrip:
			if b.Role == types.RoleBusCoupler {
				return violation(ReasonPreconditionNotMet, op, "only incomers trip")
			}
			if b.State == types.BreakerOpen {
				return violation(ReasonAlreadyInTargetState, op, "%s is already open", b.ID)
			}
			return nil
		case types.ActionOpen:
			if b.State == types.BreakerOpen {
				return violation(ReasonAlreadyInTargetState, op, "%s is already open", b.ID)
			}
			return checkIsolation(s, step, op)
		default:
			if b.State == types.BreakerClosed {
				return violation(ReasonAlreadyInTargetState, op, "%s is already closed", b.ID)
			}
			return checkClose(s, *b, step, op)
		}
	case types.ActionStartGenerator, types.ActionStopGenerator, types.ActionHold:
		src := s.Source(step.Source)
		if src == nil || src.Kind != types.SourceKindGenerator {
			return violation(ReasonPreconditionNotMet, op, "site has no generator %q", step.Source)
		}
		switch step.Action {
		case types.ActionStartGenerator:
			if src.Running {
				return violation(ReasonAlreadyInTargetState, op, "%s is already running", src.ID)
			}
			if b, ok := utilityOnBus(s, src.Panel); ok {
				return violation(ReasonSourceConflict, op, "%s is closed on the %s bus", b, src.Panel)
			}
			// only one generator may run at a time
			if running := s.RunningGenerators(); len(running) > 0 {
				return violation(ReasonSourceConflict, op, "%s is already running", running[0])
			}
		case types.ActionStopGenerator:
			if !src.Running {
				return violation(ReasonAlreadyInTargetState, op, "%s is not running", src.ID)
			}
			if id, _ := types.IncomerFor(src.ID); s.Breaker(id) != nil && s.Breaker(id).State != types.BreakerOpen {
				return violation(ReasonPreconditionNotMet, op, "%s must be opened before stopping %s", id, src.ID)
			}
		case types.ActionHold:
			if !src.Running {
				return violation(ReasonPreconditionNotMet, op, "%s is not running", src.ID)
			}
		}
		return nil
	case types.ActionGridRestore:
		src := s.Source(step.Source)
		if src == nil || src.Kind != types.SourceKindUtility {
			return violation(ReasonPreconditionNotMet, op, "%q is not a utility feed", step.Source)
		}
		if src.Running {
			return violation(ReasonAlreadyInTargetState, op, "%s supply is already present", src.ID)
		}
		return nil
	default:
		return violation(ReasonPreconditionNotMet, op, "unknown action %q", step.Action)
	}
}

// utilityOnBus returns a utility incomer conducting on the bus that panel p
// belongs to.
func utilityOnBus(s *types.SystemState, p types.PanelID) (types.BreakerID, bool) {
	bus := s.BusOf(p)
	for _, b := range s.Breakers {
		if b.Role != types.RoleFeedIncomer || !b.State.Conducts() {
			continue
		}
		for _, bp := range bus {
			if b.Panel == bp {
				return b.ID, true
			}
		}
	}
	return "", false
}

func checkClose(s *types.SystemState, b types.Breaker, step types.PlanStep, op string) error {
	switch b.Role {
	case types.RoleGeneratorIncomer:
		if src := s.Source(b.Source); src == nil || !src.Live() {
			return violation(ReasonPreconditionNotMet, op, "%s is not running at rated voltage", b.Source)
		}
		if u, ok := utilityOnBus(s, b.Panel); ok {
			return violation(ReasonSourceConflict, op, "%s is closed on the %s bus", u, b.Panel)
		}
	case types.RoleFeedIncomer:
		if src := s.Source(b.Source); src == nil || !src.Live() {
			return violation(ReasonPreconditionNotMet, op, "no supply on %s", b.Source)
		}
	}
	after := s.Clone()
	if err := after.CommitStep(step, time.Time{}); err != nil {
		if errors.Is(err, types.ErrParallel) {
			return violation(ReasonSourceConflict, op, "closing %s would parallel %s", b.ID, strings.TrimPrefix(err.Error(), types.ErrParallel.Error()+": "))
		}
		return violation(ReasonPreconditionNotMet, op, "%v", err)
	}
	return nil
}

// checkIsolation refuses an open that would leave a live panel without
// supply, unless the panel's own incomer can take over or the step isolates
// it on purpose.
func checkIsolation(s *types.SystemState, step types.PlanStep, op string) error {
	after := s.Clone()
	if err := after.CommitStep(step, time.Time{}); err != nil {
		return violation(ReasonPreconditionNotMet, op, "%v", err)
	}
	for _, id := range []types.PanelID{types.PanelLT1, types.PanelLT2} {
		if !s.Panel(id).Live() || after.Panel(id).Live() {
			continue
		}
		if step.Isolates || incomerAvailable(&after, id, step.Breaker) {
			continue
		}
		return violation(ReasonPreconditionNotMet, op, "%s would be left without supply", id)
	}
	return nil
}

func incomerAvailable(s *types.SystemState, p types.PanelID, except types.BreakerID) bool {
	for _, b := range s.Breakers {
		if b.Role == types.RoleBusCoupler || b.Panel != p || b.ID == except || b.State != types.BreakerOpen {
			continue
		}
		if src := s.Source(b.Source); src != nil && src.Live() {
			return true
		}
	}
	return false
}
