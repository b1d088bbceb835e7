package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opsdesk/changeover/pkg/log"
	"github.com/opsdesk/changeover/pkg/timer"
	"github.com/opsdesk/changeover/pkg/types"
)

// RosterStore is the part of the database the roster authorizer reads.
type RosterStore interface {
	GetSiteConfig(ctx context.Context, siteID string) (types.SiteConfig, int, error)
	GetDutyRoster(ctx context.Context, siteID string, date string) (types.DutyRoster, error)
}

// RosterAuthorizer allows operators that are on the current shift of the
// site's duty roster.
type RosterAuthorizer struct {
	store RosterStore
	clock timer.Service
}

// NewRosterAuthorizer returns an authorizer reading rosters from store.
func NewRosterAuthorizer(store RosterStore, clock timer.Service) *RosterAuthorizer {
	if clock == nil {
		clock = timer.Real{}
	}
	return &RosterAuthorizer{store: store, clock: clock}
}

// AuthorizeToggle reports whether operator is rostered on the shift that is
// running now in the site's time zone.
func (r *RosterAuthorizer) AuthorizeToggle(ctx context.Context, siteID string, operator string) (bool, error) {
	if operator == "" {
		return false, nil
	}
	cfg, version, err := r.store.GetSiteConfig(ctx, siteID)
	if err != nil {
		return false, fmt.Errorf("failed to get site config: %w", err)
	}
	cfg, _, err = types.MigrateSiteConfig(cfg, version)
	if err != nil {
		return false, fmt.Errorf("failed to migrate site config: %w", err)
	}

	date, shift := types.ShiftAt(r.clock.Now().In(cfg.Location()))
	roster, err := r.store.GetDutyRoster(ctx, siteID, date)
	if err != nil {
		return false, fmt.Errorf("failed to get duty roster for %s: %w", date, err)
	}
	ok := roster.OnDuty(shift, operator)
	if !ok {
		log.Ctx(ctx).DebugContext(ctx, "operator not on shift",
			slog.String("date", date),
			slog.String("shift", string(shift)),
			slog.Any("onDuty", roster.Shifts[shift]),
		)
	}
	return ok, nil
}
