package types

import (
	"fmt"
	"slices"
	"time"
)

// ShiftID is one of the three daily duty shifts.
type ShiftID string

const (
	// ShiftMorning runs 06:00-14:00.
	ShiftMorning ShiftID = "M"
	// ShiftEvening runs 14:00-22:00.
	ShiftEvening ShiftID = "E"
	// ShiftNight runs 22:00-06:00 and belongs to the date it started on.
	ShiftNight ShiftID = "N"
)

const rosterDateFormat = "2006-01-02"

// ShiftAt returns the roster date and shift covering t, in t's location.
func ShiftAt(t time.Time) (string, ShiftID) {
	switch h := t.Hour(); {
	case h < 6:
		return t.AddDate(0, 0, -1).Format(rosterDateFormat), ShiftNight
	case h < 14:
		return t.Format(rosterDateFormat), ShiftMorning
	case h < 22:
		return t.Format(rosterDateFormat), ShiftEvening
	default:
		return t.Format(rosterDateFormat), ShiftNight
	}
}

// DutyRoster lists which operators are in charge on a site for one date.
type DutyRoster struct {
	SiteID string               `json:"siteID"`
	Date   string               `json:"date"`
	Shifts map[ShiftID][]string `json:"shifts"`
}

// OnDuty reports whether the operator is assigned to the shift.
func (r DutyRoster) OnDuty(shift ShiftID, operator string) bool {
	return operator != "" && slices.Contains(r.Shifts[shift], operator)
}

// Validate checks the date and the per-shift operator limit.
func (r DutyRoster) Validate(maxPerShift int) error {
	if _, err := time.Parse(rosterDateFormat, r.Date); err != nil {
		return fmt.Errorf("invalid roster date %q: %w", r.Date, err)
	}
	for shift, ops := range r.Shifts {
		switch shift {
		case ShiftMorning, ShiftEvening, ShiftNight:
		default:
			return fmt.Errorf("unknown shift %q", shift)
		}
		if maxPerShift > 0 && len(ops) > maxPerShift {
			return fmt.Errorf("shift %s has %d operators, at most %d allowed", shift, len(ops), maxPerShift)
		}
	}
	return nil
}
