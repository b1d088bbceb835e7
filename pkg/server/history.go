package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opsdesk/changeover/pkg/log"
	"github.com/opsdesk/changeover/pkg/types"
)

const (
	maxHistoryRange     = 31 * 24 * time.Hour
	defaultHistoryRange = 7 * 24 * time.Hour
)

func (s *Server) handleHistoryGeneratorRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := s.getSiteID(r)
	start, end, err := parseTimeRange(r, time.Now())
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	runs, err := s.storage.GetGeneratorRuns(ctx, siteID, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get generator runs", slog.Any("error", err))
		writeJSONError(w, "failed to get generator runs", http.StatusInternalServerError)
		return
	}
	// Always return an array, even if empty
	if runs == nil {
		runs = []types.GeneratorRun{}
	}

	// a range that ended before today won't change anymore
	today := time.Now().Truncate(24 * time.Hour)
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
	writeJSON(w, runs)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := s.getSiteID(r)

	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, "invalid since time", http.StatusBadRequest)
			return
		}
		since = t
	}

	notifications, err := s.storage.ListNotifications(ctx, siteID, since)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list notifications", slog.Any("error", err))
		writeJSONError(w, "failed to list notifications", http.StatusInternalServerError)
		return
	}
	if notifications == nil {
		notifications = []types.Notification{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, notifications)
}

// parseTimeRange reads start and end from the query. Without both it returns
// the week up to now.
func parseTimeRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		return now.Add(-defaultHistoryRange), now, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > maxHistoryRange {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed 31 days")
	}

	return start, end, nil
}
