package server

import (
	"log/slog"
	"net/http"

	"github.com/opsdesk/changeover/pkg/log"
	"github.com/opsdesk/changeover/pkg/types"
)

// handleListSites lists every site for multi-site admins and the user's own
// sites for everyone else.
func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	if !s.isMultiSiteAdmin(user) && !s.bypassAuth {
		sites := s.getAllUserSites(r)
		if sites == nil {
			sites = []types.UserSite{}
		}
		writeJSON(w, sites)
		return
	}

	all, err := s.storage.ListSites(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list sites", slog.Any("error", err))
		writeJSONError(w, "failed to list sites", http.StatusInternalServerError)
		return
	}

	// Always return an array, even if empty
	sites := make([]types.UserSite, 0, len(all))
	for _, site := range all {
		sites = append(sites, types.UserSite{ID: site.ID, Name: site.Name})
	}
	writeJSON(w, sites)
}
