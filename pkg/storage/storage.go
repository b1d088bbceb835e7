package storage

import (
	"context"
	"errors"
	"time"

	"github.com/opsdesk/changeover/pkg/types"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrSiteNotFound = errors.New("site not found")
)

// Database defines the interface for persisting switchgear state and the
// records produced around it.
type Database interface {
	// Site configuration
	GetSiteConfig(ctx context.Context, siteID string) (types.SiteConfig, int, error)
	SetSiteConfig(ctx context.Context, siteID string, config types.SiteConfig, version int) error

	// Switchgear state. found is false if the site never persisted a state.
	GetState(ctx context.Context, siteID string) (state types.SystemState, found bool, err error)
	PersistState(ctx context.Context, siteID string, state types.SystemState) error

	// Generator run log
	RecordGeneratorRun(ctx context.Context, siteID string, run types.GeneratorRun) (string, error)
	GetGeneratorRuns(ctx context.Context, siteID string, start, end time.Time) ([]types.GeneratorRun, error)

	// Notifications
	Notify(ctx context.Context, siteID string, message string, kind types.NotificationKind) error
	ListNotifications(ctx context.Context, siteID string, since time.Time) ([]types.Notification, error)

	// Duty roster. A date without a roster returns an empty roster.
	GetDutyRoster(ctx context.Context, siteID string, date string) (types.DutyRoster, error)
	SetDutyRoster(ctx context.Context, roster types.DutyRoster) error

	// Sites and users
	GetSite(ctx context.Context, siteID string) (types.Site, error)
	ListSites(ctx context.Context) ([]types.Site, error)
	UpsertSite(ctx context.Context, site types.Site) error
	GetUser(ctx context.Context, userID string) (types.User, error)
	UpsertUser(ctx context.Context, user types.User) error

	// Lifecycle
	Close() error
}
