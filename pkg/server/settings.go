package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/opsdesk/changeover/pkg/log"
	"github.com/opsdesk/changeover/pkg/sequencer"
	"github.com/opsdesk/changeover/pkg/types"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.getSiteConfig(ctx, s.getSiteID(r))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get site config", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, cfg)
}

// handleUpdateSettings replaces the switchgear config. The site's controller
// is reloaded so the change applies to the next command; it is refused while
// a plan is running.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := s.getSiteID(r)
	user, ok := s.requireMember(w, r)
	if !ok {
		return
	}

	var req struct {
		SiteID string `json:"siteID"`
		types.SiteConfig
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cfg := req.SiteConfig
	if err := cfg.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if cfg.MaxOperatorsPerShift < 0 {
		writeJSONError(w, "max operators per shift cannot be negative", http.StatusBadRequest)
		return
	}

	if err := s.controllers.Evict(siteID); err != nil {
		if errors.Is(err, sequencer.ErrBusy) {
			writeJSONError(w, "a plan is running, try again once it finished", http.StatusConflict)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to unload site controller", slog.Any("error", err))
		writeJSONError(w, "failed to update settings", http.StatusInternalServerError)
		return
	}
	if err := s.storage.SetSiteConfig(ctx, siteID, cfg, types.CurrentSiteConfigVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save site config", slog.Any("error", err))
		writeJSONError(w, "failed to update settings", http.StatusInternalServerError)
		return
	}
	// a request in between may have loaded the old config again
	if err := s.controllers.Evict(siteID); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "site controller kept its old config", slog.Any("error", err))
	}

	log.Ctx(ctx).InfoContext(ctx, "site config updated", slog.String("userID", user.ID), slog.Any("generators", cfg.Generators))
	writeJSON(w, cfg)
}
