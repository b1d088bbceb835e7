package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opsdesk/changeover/pkg/log"
	"github.com/opsdesk/changeover/pkg/metrics"
	"github.com/opsdesk/changeover/pkg/planner"
	"github.com/opsdesk/changeover/pkg/sequencer"
	"github.com/opsdesk/changeover/pkg/storage"
	"github.com/opsdesk/changeover/pkg/timer"
	"github.com/opsdesk/changeover/pkg/types"
)

// Configured sets up the per-site controller Map. The planner timing and
// clock speed come from flags.
func Configured(db storage.Database, m *metrics.Collector) *Map {
	return NewMap(db, planner.Configured(), timer.Configured(), m)
}

// Map manages the controllers of multiple sites.
type Map struct {
	db      storage.Database
	planner *planner.Planner
	clock   timer.Service
	metrics *metrics.Collector

	mu          sync.Mutex
	controllers map[string]*PowerStateController
}

// NewMap creates a new controller Map.
func NewMap(db storage.Database, p *planner.Planner, clock timer.Service, m *metrics.Collector) *Map {
	return &Map{
		db:          db,
		planner:     p,
		clock:       clock,
		metrics:     m,
		controllers: make(map[string]*PowerStateController),
	}
}

// Site returns the controller for the given siteID. The first call for a site
// restores it from the last persisted state, or the baseline if there is
// none.
func (m *Map) Site(ctx context.Context, siteID string) (*PowerStateController, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if siteID == "" {
		siteID = types.SiteIDNone
	}
	if c, ok := m.controllers[siteID]; ok {
		return c, nil
	}

	cfg, version, err := m.db.GetSiteConfig(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to get site config: %w", err)
	}
	cfg, migrated, err := types.MigrateSiteConfig(cfg, version)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate site config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid site config: %w", err)
	}
	if migrated {
		if err := m.db.SetSiteConfig(ctx, siteID, cfg, types.CurrentSiteConfigVersion); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to save migrated site config", slog.Any("error", err))
		}
	}

	var resume *types.SystemState
	state, found, err := m.db.GetState(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	if found {
		if err := state.Validate(); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "persisted state is invalid, starting from baseline", slog.Any("error", err))
		} else {
			resume = &state
		}
	}

	c := New(Config{
		SiteID:  siteID,
		Site:    cfg,
		State:   resume,
		Planner: m.planner,
		Clock:   m.clock,
		Metrics: m.metrics,
		Collaborators: Collaborators{
			Authorizer: NewRosterAuthorizer(m.db, m.clock),
			Persister:  m.db,
			Recorder:   m.db,
			Notifier:   m.db,
		},
	})
	log.Ctx(ctx).InfoContext(ctx, "site controller loaded", slog.Bool("resumed", resume != nil), slog.Any("generators", cfg.Generators))
	m.controllers[siteID] = c
	return c, nil
}

// Evict drops the cached controller of a site so the next Site call reloads
// its config and persisted state. A site with a running plan is kept and
// sequencer.ErrBusy is returned.
func (m *Map) Evict(siteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if siteID == "" {
		siteID = types.SiteIDNone
	}
	c, ok := m.controllers[siteID]
	if !ok {
		return nil
	}
	if c.Automaton().Busy() {
		return sequencer.ErrBusy
	}
	delete(m.controllers, siteID)
	return nil
}

// SetController sets the controller for a specific site. This is primarily
// used for testing.
func (m *Map) SetController(siteID string, c *PowerStateController) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controllers[siteID] = c
}
