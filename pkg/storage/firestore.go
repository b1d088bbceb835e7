package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/opsdesk/changeover/pkg/log"
	"github.com/opsdesk/changeover/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Everything a site owns lives under sites/{siteID}.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.projectID == "" && os.Getenv("FIRESTORE_EMULATOR_HOST") != "" {
		return fmt.Errorf("firestore-project-id is required when using the emulator")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(siteID, name string) (*firestore.CollectionRef, error) {
	if siteID == "" {
		return nil, fmt.Errorf("siteID cannot be empty")
	}
	return f.client.Collection("sites").Doc(siteID).Collection(name), nil
}

// unmarshalDoc decodes the "json" field of doc into v.
func unmarshalDoc(ctx context.Context, doc *firestore.DocumentSnapshot, kind string, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc missing json", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("%s document %s missing 'json' field: %w", kind, doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("%s document %s 'json' field is not a string", kind, doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal "+kind, slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal %s (id=%s): %w", kind, doc.Ref.ID, err)
	}
	return nil
}

// GetSiteConfig retrieves the switchgear configuration from the
// "config/switchgear" document.
func (f *FirestoreProvider) GetSiteConfig(ctx context.Context, siteID string) (types.SiteConfig, int, error) {
	coll, err := f.getCollection(siteID, "config")
	if err != nil {
		return types.SiteConfig{}, 0, err
	}
	doc, err := coll.Doc("switchgear").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// unversioned so the caller migrates it to defaults
			return types.SiteConfig{}, 0, nil
		}
		return types.SiteConfig{}, 0, fmt.Errorf("failed to fetch site config doc: %w", err)
	}

	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var c types.SiteConfig
	if err := unmarshalDoc(ctx, doc, "site config", &c); err != nil {
		return types.SiteConfig{}, 0, err
	}
	return c, version, nil
}

// SetSiteConfig saves the switchgear configuration to the
// "config/switchgear" document.
func (f *FirestoreProvider) SetSiteConfig(ctx context.Context, siteID string, config types.SiteConfig, version int) error {
	jsonBytes, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal site config: %w", err)
	}

	coll, err := f.getCollection(siteID, "config")
	if err != nil {
		return err
	}
	_, err = coll.Doc("switchgear").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save site config: %w", err)
	}
	return nil
}

// GetState retrieves the last persisted switchgear state from the
// "state/current" document.
func (f *FirestoreProvider) GetState(ctx context.Context, siteID string) (types.SystemState, bool, error) {
	coll, err := f.getCollection(siteID, "state")
	if err != nil {
		return types.SystemState{}, false, err
	}
	doc, err := coll.Doc("current").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.SystemState{}, false, nil
		}
		return types.SystemState{}, false, fmt.Errorf("failed to fetch state doc: %w", err)
	}

	var s types.SystemState
	if err := unmarshalDoc(ctx, doc, "state", &s); err != nil {
		return types.SystemState{}, false, err
	}
	return s, true, nil
}

// PersistState overwrites the "state/current" document.
func (f *FirestoreProvider) PersistState(ctx context.Context, siteID string, state types.SystemState) error {
	jsonBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	coll, err := f.getCollection(siteID, "state")
	if err != nil {
		return err
	}
	_, err = coll.Doc("current").Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}

// RecordGeneratorRun adds a run to the "generator_runs" sub-collection of the
// site. The document ID starts with the RFC3339 start time so runs can be
// range queried.
func (f *FirestoreProvider) RecordGeneratorRun(ctx context.Context, siteID string, run types.GeneratorRun) (string, error) {
	if run.ID == "" {
		run = types.NewGeneratorRun(siteID, run.Source, run.Start, run.End, run.StartedBy)
	}
	run.SiteID = siteID

	jsonBytes, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("failed to marshal generator run: %w", err)
	}

	coll, err := f.getCollection(siteID, "generator_runs")
	if err != nil {
		return "", err
	}
	_, err = coll.Doc(run.ID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": run.Start,
		"version":   types.CurrentGeneratorRunVersion,
	})
	if err != nil {
		return "", fmt.Errorf("failed to record generator run: %w", err)
	}
	return run.ID, nil
}

// GetGeneratorRuns retrieves the runs that started within the specified time
// range for a site.
func (f *FirestoreProvider) GetGeneratorRuns(ctx context.Context, siteID string, start, end time.Time) ([]types.GeneratorRun, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll, err := f.getCollection(siteID, "generator_runs")
	if err != nil {
		return nil, err
	}

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var runs []types.GeneratorRun
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating generator runs: %w", err)
		}

		var run types.GeneratorRun
		if err := unmarshalDoc(ctx, doc, "generator run", &run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Notify adds a message to the "notifications" sub-collection of the site.
func (f *FirestoreProvider) Notify(ctx context.Context, siteID string, message string, kind types.NotificationKind) error {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	n := types.Notification{
		ID:        id.String(),
		SiteID:    siteID,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	}
	jsonBytes, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	coll, err := f.getCollection(siteID, "notifications")
	if err != nil {
		return err
	}
	_, err = coll.Doc(n.ID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": n.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications retrieves the notifications created at or after since,
// newest first.
func (f *FirestoreProvider) ListNotifications(ctx context.Context, siteID string, since time.Time) ([]types.Notification, error) {
	coll, err := f.getCollection(siteID, "notifications")
	if err != nil {
		return nil, err
	}

	iter := coll.
		Where("timestamp", ">=", since).
		OrderBy("timestamp", firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	var notes []types.Notification
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating notifications: %w", err)
		}

		var n types.Notification
		if err := unmarshalDoc(ctx, doc, "notification", &n); err != nil {
			// Skip malformed documents
			continue
		}
		notes = append(notes, n)
	}
	return notes, nil
}

// GetDutyRoster retrieves the roster stored under "duty_roster/{date}".
func (f *FirestoreProvider) GetDutyRoster(ctx context.Context, siteID string, date string) (types.DutyRoster, error) {
	empty := types.DutyRoster{SiteID: siteID, Date: date}

	coll, err := f.getCollection(siteID, "duty_roster")
	if err != nil {
		return empty, err
	}
	doc, err := coll.Doc(date).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return empty, nil
		}
		return empty, fmt.Errorf("failed to fetch duty roster %s: %w", date, err)
	}

	var r types.DutyRoster
	if err := unmarshalDoc(ctx, doc, "duty roster", &r); err != nil {
		return empty, err
	}
	return r, nil
}

// SetDutyRoster saves a roster under "duty_roster/{date}".
func (f *FirestoreProvider) SetDutyRoster(ctx context.Context, roster types.DutyRoster) error {
	if roster.Date == "" {
		return fmt.Errorf("roster date cannot be empty")
	}
	jsonBytes, err := json.Marshal(roster)
	if err != nil {
		return fmt.Errorf("failed to marshal duty roster: %w", err)
	}

	coll, err := f.getCollection(roster.SiteID, "duty_roster")
	if err != nil {
		return err
	}
	_, err = coll.Doc(roster.Date).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to save duty roster: %w", err)
	}
	return nil
}

// GetSite retrieves a site from the "sites" collection.
func (f *FirestoreProvider) GetSite(ctx context.Context, siteID string) (types.Site, error) {
	if siteID == "" {
		return types.Site{}, fmt.Errorf("siteID cannot be empty")
	}
	doc, err := f.client.Collection("sites").Doc(siteID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Site{}, fmt.Errorf("%w: %s", ErrSiteNotFound, siteID)
		}
		return types.Site{}, fmt.Errorf("failed to get site %s: %w", siteID, err)
	}

	var site types.Site
	if err := unmarshalDoc(ctx, doc, "site", &site); err != nil {
		return types.Site{}, err
	}
	return site, nil
}

// ListSites retrieves all sites from the "sites" collection.
func (f *FirestoreProvider) ListSites(ctx context.Context) ([]types.Site, error) {
	iter := f.client.Collection("sites").Documents(ctx)
	defer iter.Stop()

	var sites []types.Site
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating sites: %w", err)
		}

		var site types.Site
		if err := unmarshalDoc(ctx, doc, "site", &site); err != nil {
			// Skip malformed documents
			continue
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// GetUser retrieves a user from the "users" collection.
func (f *FirestoreProvider) GetUser(ctx context.Context, userID string) (types.User, error) {
	doc, err := f.client.Collection("users").Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return types.User{}, fmt.Errorf("failed to get user %s: %w", userID, err)
	}

	var user types.User
	if err := unmarshalDoc(ctx, doc, "user", &user); err != nil {
		return types.User{}, err
	}
	return user, nil
}

// UpsertSite creates or replaces a site document.
func (f *FirestoreProvider) UpsertSite(ctx context.Context, site types.Site) error {
	if site.ID == "" {
		return fmt.Errorf("siteID cannot be empty")
	}
	jsonBytes, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("failed to marshal site: %w", err)
	}
	_, err = f.client.Collection("sites").Doc(site.ID).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert site %s: %w", site.ID, err)
	}
	return nil
}

// UpsertUser creates or replaces a user document.
func (f *FirestoreProvider) UpsertUser(ctx context.Context, user types.User) error {
	if user.ID == "" {
		return fmt.Errorf("userID cannot be empty")
	}
	jsonBytes, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	_, err = f.client.Collection("users").Doc(user.ID).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", user.ID, err)
	}
	return nil
}
