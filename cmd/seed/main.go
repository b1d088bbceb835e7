package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/opsdesk/changeover/pkg/log"
	"github.com/opsdesk/changeover/pkg/storage"
	"github.com/opsdesk/changeover/pkg/types"
)

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	siteID := lflag.String("seed-site-id", "asansol", "ID of the demo site to seed")
	seedRange := lflag.Duration("seed-range", 7*24*time.Hour, "How far back to seed generator runs and rosters")
	s := storage.Configured()
	lflag.Configure()

	ctx := log.WithSite(context.Background(), *siteID)
	days := int(seedRange.Hours() / 24)
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	operators := []types.User{
		{ID: "op-ravi", Email: "ravi@example.com", EmpID: "E1041"},
		{ID: "op-meena", Email: "meena@example.com", EmpID: "E1077"},
		{ID: "op-suresh", Email: "suresh@example.com", EmpID: "E1102"},
		{ID: "op-farah", Email: "farah@example.com", EmpID: "E1130"},
	}

	site := types.Site{ID: *siteID, Name: "Asansol Works"}
	for i, op := range operators {
		site.Permissions = append(site.Permissions, types.SitePermissions{UserID: op.ID, EmpID: op.EmpID})
		operators[i].Sites = []types.UserSite{{ID: site.ID, Name: site.Name}}
	}
	if err := s.UpsertSite(ctx, site); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed site", "error", err)
		os.Exit(1)
	}
	for _, op := range operators {
		if err := s.UpsertUser(ctx, op); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed user", "error", err, "userID", op.ID)
			os.Exit(1)
		}
	}

	cfg := types.SiteConfig{
		Generators:           []types.SourceID{types.SourceDG1, types.SourceDG2},
		Mode:                 types.ModeAuto,
		TimeZone:             "Asia/Kolkata",
		MaxOperatorsPerShift: 2,
	}
	if err := s.SetSiteConfig(ctx, site.ID, cfg, types.CurrentSiteConfigVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed site config", "error", err)
		os.Exit(1)
	}

	now := time.Now().In(cfg.Location())
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	// Rotate the operators through the shifts, one pair per shift, from a few
	// days back until tomorrow so the current shift always has someone on duty.
	for d := -days; d <= 1; d++ {
		date := today.AddDate(0, 0, d)
		roster := types.DutyRoster{
			SiteID: site.ID,
			Date:   date.Format(time.DateOnly),
			Shifts: map[types.ShiftID][]string{},
		}
		for i, shift := range []types.ShiftID{types.ShiftMorning, types.ShiftEvening, types.ShiftNight} {
			first := (d + days + i) % len(operators)
			second := (first + 1) % len(operators)
			roster.Shifts[shift] = []string{operators[first].ID, operators[second].ID}
		}
		if err := s.SetDutyRoster(ctx, roster); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed roster", "error", err, "date", roster.Date)
			os.Exit(1)
		}
		fmt.Printf("Seeded roster for %s: M=%v E=%v N=%v\n",
			roster.Date, roster.Shifts[types.ShiftMorning], roster.Shifts[types.ShiftEvening], roster.Shifts[types.ShiftNight])
	}

	// A grid outage on roughly every other day, each covered by a generator
	// for a quarter to two hours.
	for d := -days; d < 0; d++ {
		if rng.Float64() < 0.5 {
			continue
		}
		source := cfg.Generators[rng.Intn(len(cfg.Generators))]
		start := today.AddDate(0, 0, d).Add(time.Duration(rng.Intn(24*60)) * time.Minute)
		end := start.Add(15*time.Minute + time.Duration(rng.Intn(105))*time.Minute)
		_, shift := types.ShiftAt(start)
		operator := operators[rng.Intn(len(operators))].ID

		run := types.NewGeneratorRun(site.ID, source, start, end, operator)
		if _, err := s.RecordGeneratorRun(ctx, site.ID, run); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed generator run", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Seeded %s run at %s (shift %s): %s by %s\n",
			source, start.Format(time.DateTime), shift, end.Sub(start), operator)
	}

	if err := s.Notify(ctx, site.ID, "LT-1 and LT-2 on EB supply after seeding", types.NotificationSourceChange); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed notification", "error", err)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
