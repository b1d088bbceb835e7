package types

import (
	"fmt"
	"time"
)

const (
	CurrentGeneratorRunVersion = 1

	SiteIDNone = "none"
)

// Site is a facility with a pair of LT panels.
type Site struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Permissions []SitePermissions `json:"permissions"`
}

// SitePermissions represents the permissions for an operator on a site.
type SitePermissions struct {
	UserID string `json:"userID"`
	EmpID  string `json:"empID,omitempty"`
}

// HasUser reports whether the user may view the site at all. Switching
// sources additionally requires being on shift.
func (s Site) HasUser(userID string) bool {
	for _, p := range s.Permissions {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// UserSite represents a site on a user
type UserSite struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User is an operator or manager who signs in to the panel.
type User struct {
	ID    string     `json:"id"`
	Email string     `json:"email"`
	EmpID string     `json:"empID,omitempty"`
	Sites []UserSite `json:"sites"`
	Admin bool       `json:"-"`
}

// GeneratorRun is one start/stop cycle of a generator.
type GeneratorRun struct {
	ID         string    `json:"id"`
	SiteID     string    `json:"siteID"`
	Source     SourceID  `json:"source"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	RunSeconds int64     `json:"runSeconds"`
	StartedBy  string    `json:"startedBy,omitempty"`
}

// NewGeneratorRun builds a run record for a generator that ran between start
// and end.
func NewGeneratorRun(siteID string, source SourceID, start, end time.Time, startedBy string) GeneratorRun {
	secs := int64(end.Sub(start) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return GeneratorRun{
		ID:         fmt.Sprintf("%s_%s", start.UTC().Format(time.RFC3339), source),
		SiteID:     siteID,
		Source:     source,
		Start:      start,
		End:        end,
		RunSeconds: secs,
		StartedBy:  startedBy,
	}
}

// NotificationKind categorizes messages sent to site staff.
type NotificationKind string

const (
	NotificationSourceChange NotificationKind = "sourceChange"
	NotificationGeneratorRun NotificationKind = "generatorRun"
	NotificationAlert        NotificationKind = "alert"
)

// Notification is a message for the staff of a site.
type Notification struct {
	ID        string           `json:"id"`
	SiteID    string           `json:"siteID"`
	Kind      NotificationKind `json:"kind"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
	Read      bool             `json:"read"`
}
