package storagemock

import (
	"context"
	"time"

	"github.com/opsdesk/changeover/pkg/storage"
	"github.com/opsdesk/changeover/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSiteConfig(ctx context.Context, siteID string) (types.SiteConfig, int, error) {
	args := m.Called(ctx, siteID)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.SiteConfig), args.Int(1), args.Error(2)
	}
	return types.SiteConfig{}, 0, nil
}

func (m *MockDatabase) SetSiteConfig(ctx context.Context, siteID string, config types.SiteConfig, version int) error {
	args := m.Called(ctx, siteID, config, version)
	return args.Error(0)
}

func (m *MockDatabase) GetState(ctx context.Context, siteID string) (types.SystemState, bool, error) {
	args := m.Called(ctx, siteID)
	if len(args) > 0 {
		return args.Get(0).(types.SystemState), args.Bool(1), args.Error(2)
	}
	return types.SystemState{}, false, nil
}

func (m *MockDatabase) PersistState(ctx context.Context, siteID string, state types.SystemState) error {
	args := m.Called(ctx, siteID, state)
	return args.Error(0)
}

func (m *MockDatabase) RecordGeneratorRun(ctx context.Context, siteID string, run types.GeneratorRun) (string, error) {
	args := m.Called(ctx, siteID, run)
	if len(args) > 0 {
		return args.String(0), args.Error(1)
	}
	return run.ID, nil
}

func (m *MockDatabase) GetGeneratorRuns(ctx context.Context, siteID string, start, end time.Time) ([]types.GeneratorRun, error) {
	args := m.Called(ctx, siteID, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.GeneratorRun), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Notify(ctx context.Context, siteID string, message string, kind types.NotificationKind) error {
	args := m.Called(ctx, siteID, message, kind)
	return args.Error(0)
}

func (m *MockDatabase) ListNotifications(ctx context.Context, siteID string, since time.Time) ([]types.Notification, error) {
	args := m.Called(ctx, siteID, since)
	if len(args) > 0 {
		return args.Get(0).([]types.Notification), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetDutyRoster(ctx context.Context, siteID string, date string) (types.DutyRoster, error) {
	args := m.Called(ctx, siteID, date)
	if len(args) > 0 {
		return args.Get(0).(types.DutyRoster), args.Error(1)
	}
	return types.DutyRoster{SiteID: siteID, Date: date}, nil
}

func (m *MockDatabase) SetDutyRoster(ctx context.Context, roster types.DutyRoster) error {
	args := m.Called(ctx, roster)
	return args.Error(0)
}

func (m *MockDatabase) GetSite(ctx context.Context, siteID string) (types.Site, error) {
	args := m.Called(ctx, siteID)
	if len(args) > 0 {
		return args.Get(0).(types.Site), args.Error(1)
	}
	return types.Site{}, nil
}

func (m *MockDatabase) ListSites(ctx context.Context) ([]types.Site, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.Site), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertSite(ctx context.Context, site types.Site) error {
	args := m.Called(ctx, site)
	return args.Error(0)
}

func (m *MockDatabase) GetUser(ctx context.Context, userID string) (types.User, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		return args.Get(0).(types.User), args.Error(1)
	}
	return types.User{}, nil
}

func (m *MockDatabase) UpsertUser(ctx context.Context, user types.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
