package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opsdesk/changeover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreProvider(t *testing.T) {
	// We assume the emulator is running on localhost:8087
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  randDB,
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("SiteConfig", func(t *testing.T) {
		c, version, err := f.GetSiteConfig(ctx, "test-site")
		require.NoError(t, err)
		assert.Equal(t, 0, version)
		assert.Empty(t, c.Generators)

		c = types.SiteConfig{
			Generators:           []types.SourceID{types.SourceDG2, types.SourceDG1},
			Mode:                 types.ModeManual,
			TimeZone:             "Asia/Kolkata",
			MaxOperatorsPerShift: 3,
		}
		require.NoError(t, f.SetSiteConfig(ctx, "test-site", c, types.CurrentSiteConfigVersion))

		got, version, err := f.GetSiteConfig(ctx, "test-site")
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSiteConfigVersion, version)
		assert.Equal(t, c, got)
	})

	t.Run("EmptySiteID", func(t *testing.T) {
		_, _, err := f.GetSiteConfig(ctx, "")
		assert.ErrorContains(t, err, "siteID cannot be empty")
		_, _, err = f.GetState(ctx, "")
		assert.ErrorContains(t, err, "siteID cannot be empty")
	})

	t.Run("State", func(t *testing.T) {
		_, found, err := f.GetState(ctx, "state-site")
		require.NoError(t, err)
		assert.False(t, found)

		state := types.Baseline([]types.SourceID{types.SourceDG1, types.SourceDG2})
		state.Breaker(types.BreakerEB1).State = types.BreakerOpen
		state.Source(types.SourceEB1).Running = false
		require.NoError(t, state.Refresh())
		require.NoError(t, f.PersistState(ctx, "state-site", state))

		got, found, err := f.GetState(ctx, "state-site")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, types.BreakerOpen, got.Breaker(types.BreakerEB1).State)
		assert.False(t, got.Source(types.SourceEB1).Running)
		assert.Equal(t, types.FeedNone, got.Panel(types.PanelLT1).Feed)
		assert.Equal(t, types.SourceDG1, got.Backup)

		t.Run("Overwrite", func(t *testing.T) {
			require.NoError(t, f.PersistState(ctx, "state-site", types.Baseline([]types.SourceID{types.SourceDG1})))
			got, _, err := f.GetState(ctx, "state-site")
			require.NoError(t, err)
			assert.Equal(t, types.BreakerClosed, got.Breaker(types.BreakerEB1).State)
			assert.Equal(t, []types.SourceID{types.SourceDG1}, got.Generators())
		})
	})

	t.Run("GeneratorRuns", func(t *testing.T) {
		now := time.Now().Truncate(time.Second).UTC()
		r1 := types.NewGeneratorRun("test-site", types.SourceDG1, now.Add(-2*time.Hour), now.Add(-time.Hour), "op-1")
		r2 := types.NewGeneratorRun("test-site", types.SourceDG2, now.Add(-30*time.Minute), now, "op-2")

		id, err := f.RecordGeneratorRun(ctx, "test-site", r1)
		require.NoError(t, err)
		assert.Equal(t, r1.ID, id)
		_, err = f.RecordGeneratorRun(ctx, "test-site", r2)
		require.NoError(t, err)

		runs, err := f.GetGeneratorRuns(ctx, "test-site", now.Add(-3*time.Hour), now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, types.SourceDG1, runs[0].Source)
		assert.Equal(t, int64(3600), runs[0].RunSeconds)
		assert.Equal(t, "op-2", runs[1].StartedBy)

		t.Run("RangeFiltering", func(t *testing.T) {
			runs, err := f.GetGeneratorRuns(ctx, "test-site", now.Add(-time.Hour), now.Add(time.Minute))
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, types.SourceDG2, runs[0].Source)
		})

		t.Run("MissingID", func(t *testing.T) {
			id, err := f.RecordGeneratorRun(ctx, "other-site", types.GeneratorRun{
				Source: types.SourceMobileDG,
				Start:  now.Add(-10 * time.Minute),
				End:    now,
			})
			require.NoError(t, err)
			assert.Equal(t, now.Add(-10*time.Minute).Format(time.RFC3339)+"_Mobile-DG", id)
		})
	})

	t.Run("Notifications", func(t *testing.T) {
		since := time.Now().Add(-time.Second)
		require.NoError(t, f.Notify(ctx, "test-site", "LT-1 now fed by DG-1", types.NotificationSourceChange))
		require.NoError(t, f.Notify(ctx, "test-site", "DG-1 ran 1m0s", types.NotificationGeneratorRun))

		notes, err := f.ListNotifications(ctx, "test-site", since)
		require.NoError(t, err)
		require.Len(t, notes, 2)
		assert.Equal(t, types.NotificationGeneratorRun, notes[0].Kind)
		assert.Equal(t, "LT-1 now fed by DG-1", notes[1].Message)
		assert.NotEmpty(t, notes[0].ID)

		notes, err = f.ListNotifications(ctx, "test-site", time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, notes)
	})

	t.Run("DutyRoster", func(t *testing.T) {
		empty, err := f.GetDutyRoster(ctx, "test-site", "2026-01-02")
		require.NoError(t, err)
		assert.Equal(t, "2026-01-02", empty.Date)
		assert.Empty(t, empty.Shifts)

		roster := types.DutyRoster{
			SiteID: "test-site",
			Date:   "2026-01-02",
			Shifts: map[types.ShiftID][]string{
				types.ShiftMorning: {"op-1", "op-2"},
				types.ShiftNight:   {"op-3"},
			},
		}
		require.NoError(t, f.SetDutyRoster(ctx, roster))

		got, err := f.GetDutyRoster(ctx, "test-site", "2026-01-02")
		require.NoError(t, err)
		assert.Equal(t, roster, got)
		assert.True(t, got.OnDuty(types.ShiftNight, "op-3"))

		assert.Error(t, f.SetDutyRoster(ctx, types.DutyRoster{SiteID: "test-site"}))
	})

	t.Run("Sites", func(t *testing.T) {
		site := types.Site{
			ID:   "site-a",
			Name: "Plant A",
			Permissions: []types.SitePermissions{
				{UserID: "op-1", EmpID: "E100"},
			},
		}
		require.NoError(t, f.UpsertSite(ctx, site))

		got, err := f.GetSite(ctx, "site-a")
		require.NoError(t, err)
		assert.Equal(t, site, got)
		assert.True(t, got.HasUser("op-1"))

		_, err = f.GetSite(ctx, "missing")
		assert.ErrorIs(t, err, ErrSiteNotFound)

		t.Run("ListSites", func(t *testing.T) {
			sites, err := f.ListSites(ctx)
			require.NoError(t, err)
			var found bool
			for _, s := range sites {
				if s.ID == "site-a" {
					found = true
				}
			}
			assert.True(t, found)
		})
	})

	t.Run("Users", func(t *testing.T) {
		user := types.User{
			ID:    "op-1",
			Email: "op1@example.com",
			EmpID: "E100",
			Sites: []types.UserSite{{ID: "site-a", Name: "Plant A"}},
		}
		require.NoError(t, f.UpsertUser(ctx, user))

		got, err := f.GetUser(ctx, "op-1")
		require.NoError(t, err)
		assert.Equal(t, user, got)

		_, err = f.GetUser(ctx, "missing")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}
