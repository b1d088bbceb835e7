package types

import "time"

// SourceID identifies a supply that can energize an LT panel.
type SourceID string

const (
	SourceEB1      SourceID = "EB-1"
	SourceEB2      SourceID = "EB-2"
	SourceDG1      SourceID = "DG-1"
	SourceDG2      SourceID = "DG-2"
	SourceMobileDG SourceID = "Mobile-DG"
)

// SourceKind distinguishes utility feeds from backup generators.
type SourceKind string

const (
	SourceKindUtility   SourceKind = "utility"
	SourceKindGenerator SourceKind = "generator"
)

// RampState is a generator's warm-up state. Only a STABLE generator may be
// connected to a bus.
type RampState string

const (
	RampOff      RampState = "OFF"
	RampStarting RampState = "STARTING"
	RampStable   RampState = "STABLE"
)

// PanelID identifies one of the two LT distribution panels.
type PanelID string

const (
	PanelLT1 PanelID = "LT-1"
	PanelLT2 PanelID = "LT-2"
)

// Other returns the panel on the opposite side of the bus tie.
func (p PanelID) Other() PanelID {
	if p == PanelLT1 {
		return PanelLT2
	}
	return PanelLT1
}

// BreakerID identifies an incomer ACB or a bus coupler.
type BreakerID string

const (
	BreakerEB1      BreakerID = "ACB-EB-1"
	BreakerEB2      BreakerID = "ACB-EB-2"
	BreakerDG1      BreakerID = "ACB-DG-1"
	BreakerDG2      BreakerID = "ACB-DG-2"
	BreakerMobileDG BreakerID = "ACB-Mobile-DG"

	// CouplerBC1 sits on the LT-1 side of the bus tie, CouplerBC2 on the LT-2
	// side. The buses are joined only while both conduct.
	CouplerBC1 BreakerID = "BC-1"
	CouplerBC2 BreakerID = "BC-2"
)

// BreakerRole is what a breaker connects.
type BreakerRole string

const (
	RoleFeedIncomer      BreakerRole = "feed-incomer"
	RoleGeneratorIncomer BreakerRole = "generator-incomer"
	RoleBusCoupler       BreakerRole = "bus-coupler"
)

// BreakerState is the position of a breaker. CLOSING and OPENING only exist
// while a timed step is in progress.
type BreakerState string

const (
	BreakerOpen    BreakerState = "OPEN"
	BreakerClosing BreakerState = "CLOSING"
	BreakerClosed  BreakerState = "CLOSED"
	BreakerOpening BreakerState = "OPENING"
)

// Conducts reports whether current flows through a breaker in this state. A
// breaker that is still opening has not broken the circuit yet and a breaker
// that is closing has not made it.
func (s BreakerState) Conducts() bool {
	return s == BreakerClosed || s == BreakerOpening
}

// Transitional reports whether the breaker is mid-operation.
func (s BreakerState) Transitional() bool {
	return s == BreakerClosing || s == BreakerOpening
}

// Source is a utility feed or generator. For a utility feed Running means the
// grid supply is present.
type Source struct {
	ID        SourceID   `json:"id"`
	Kind      SourceKind `json:"kind"`
	Panel     PanelID    `json:"panel"`
	Running   bool       `json:"running"`
	Ramp      RampState  `json:"ramp,omitempty"`
	StartedBy string     `json:"startedBy,omitempty"`
	// StartedAt is when the generator was commanded to start. Zero while off.
	StartedAt time.Time `json:"startedAt,omitzero"`
}

// Live reports whether the source can energize a bus right now.
func (s Source) Live() bool {
	if s.Kind == SourceKindGenerator {
		return s.Running && s.Ramp == RampStable
	}
	return s.Running
}

// Breaker is an incomer ACB or a bus coupler.
type Breaker struct {
	ID     BreakerID    `json:"id"`
	Role   BreakerRole  `json:"role"`
	Panel  PanelID      `json:"panel"`
	Source SourceID     `json:"source,omitempty"`
	State  BreakerState `json:"state"`
}

// PanelFeed describes how a panel is energized.
type PanelFeed string

const (
	FeedNone    PanelFeed = "none"
	FeedIncomer PanelFeed = "incomer"
	FeedCoupler PanelFeed = "coupler"
)

// Panel is derived from the breakers and sources; it is never set directly.
type Panel struct {
	ID     PanelID   `json:"id"`
	Feed   PanelFeed `json:"feed"`
	Source SourceID  `json:"source,omitempty"`
}

// Live reports whether the panel has supply.
func (p Panel) Live() bool {
	return p.Feed != FeedNone
}

type sourceSpec struct {
	id      SourceID
	kind    SourceKind
	panel   PanelID
	breaker BreakerID
}

var topology = []sourceSpec{
	{SourceEB1, SourceKindUtility, PanelLT1, BreakerEB1},
	{SourceEB2, SourceKindUtility, PanelLT2, BreakerEB2},
	{SourceDG1, SourceKindGenerator, PanelLT1, BreakerDG1},
	{SourceDG2, SourceKindGenerator, PanelLT2, BreakerDG2},
	{SourceMobileDG, SourceKindGenerator, PanelLT2, BreakerMobileDG},
}

// AllGenerators lists every generator a site can be equipped with.
var AllGenerators = []SourceID{SourceDG1, SourceDG2, SourceMobileDG}

// IncomerFor returns the incomer breaker of a source.
func IncomerFor(id SourceID) (BreakerID, bool) {
	for _, s := range topology {
		if s.id == id {
			return s.breaker, true
		}
	}
	return "", false
}

// PanelOf returns the panel a source is wired to.
func PanelOf(id SourceID) (PanelID, bool) {
	for _, s := range topology {
		if s.id == id {
			return s.panel, true
		}
	}
	return "", false
}

// KindOf returns the kind of a known source.
func KindOf(id SourceID) (SourceKind, bool) {
	for _, s := range topology {
		if s.id == id {
			return s.kind, true
		}
	}
	return "", false
}

// UtilityFor returns the utility feed wired to a panel.
func UtilityFor(p PanelID) SourceID {
	if p == PanelLT1 {
		return SourceEB1
	}
	return SourceEB2
}

// CouplerFor returns the bus coupler on the given panel's side of the tie.
func CouplerFor(p PanelID) BreakerID {
	if p == PanelLT1 {
		return CouplerBC1
	}
	return CouplerBC2
}

// IsCoupler reports whether the ID names a bus coupler.
func IsCoupler(id BreakerID) bool {
	return id == CouplerBC1 || id == CouplerBC2
}
