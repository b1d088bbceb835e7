package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opsdesk/changeover/pkg/log"
	"github.com/opsdesk/changeover/pkg/types"
)

// getSiteConfig returns the site's switchgear config, migrating and saving
// it when it is older than the current version.
func (s *Server) getSiteConfig(ctx context.Context, siteID string) (types.SiteConfig, error) {
	cfg, version, err := s.storage.GetSiteConfig(ctx, siteID)
	if err != nil {
		return types.SiteConfig{}, err
	}
	cfg, migrated, err := types.MigrateSiteConfig(cfg, version)
	if err != nil {
		return types.SiteConfig{}, err
	}
	if migrated {
		log.Ctx(ctx).InfoContext(ctx, "migrating site config", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSiteConfigVersion))
		if err := s.storage.SetSiteConfig(ctx, siteID, cfg, types.CurrentSiteConfigVersion); err != nil {
			// the migrated config is still usable for this request
			log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated site config", slog.Any("error", err))
		}
	}
	return cfg, nil
}

func (s *Server) handleGetRoster(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := s.getSiteID(r)

	date := r.URL.Query().Get("date")
	if date == "" {
		cfg, err := s.getSiteConfig(ctx, siteID)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get site config", slog.Any("error", err))
			writeJSONError(w, "failed to get site config", http.StatusInternalServerError)
			return
		}
		date, _ = types.ShiftAt(time.Now().In(cfg.Location()))
	}

	roster, err := s.storage.GetDutyRoster(ctx, siteID, date)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get duty roster", slog.String("date", date), slog.Any("error", err))
		writeJSONError(w, "failed to get duty roster", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, roster)
}

func (s *Server) handleUpdateRoster(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := s.getSiteID(r)
	user, ok := s.requireMember(w, r)
	if !ok {
		return
	}

	var roster types.DutyRoster
	if err := json.NewDecoder(r.Body).Decode(&roster); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode roster", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	roster.SiteID = siteID

	cfg, err := s.getSiteConfig(ctx, siteID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get site config", slog.Any("error", err))
		writeJSONError(w, "failed to get site config", http.StatusInternalServerError)
		return
	}
	if err := roster.Validate(cfg.MaxOperatorsPerShift); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// single-site mode has no site document to check members against
	if !s.singleSite && !s.bypassAuth {
		site, err := s.storage.GetSite(ctx, siteID)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get site", slog.Any("error", err))
			writeJSONError(w, "failed to get site", http.StatusInternalServerError)
			return
		}
		for shift, ops := range roster.Shifts {
			for _, op := range ops {
				if !site.HasUser(op) {
					writeJSONError(w, fmt.Sprintf("%s is not a member of the site (shift %s)", op, shift), http.StatusBadRequest)
					return
				}
			}
		}
	}

	if err := s.storage.SetDutyRoster(ctx, roster); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save duty roster", slog.Any("error", err))
		writeJSONError(w, "failed to save duty roster", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "duty roster updated", slog.String("date", roster.Date), slog.String("userID", user.ID))
	writeJSON(w, roster)
}
