package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/opsdesk/changeover/pkg/controller"
	"github.com/opsdesk/changeover/pkg/interlock"
	"github.com/opsdesk/changeover/pkg/log"
	"github.com/opsdesk/changeover/pkg/sequencer"
	"github.com/opsdesk/changeover/pkg/types"
)

// commandReq is the body of POST /api/command.
type commandReq struct {
	SiteID string `json:"siteID"`
	controller.Command
}

// commandErrorRes explains why a command was refused.
type commandErrorRes struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// planRes is a plan preview along with its total duration.
type planRes struct {
	types.TransitionPlan
	DurationSeconds float64 `json:"durationSeconds"`
}

// commandStatus maps a rejected command to an HTTP status.
func commandStatus(err error) int {
	if _, ok := interlock.ReasonOf(err); ok {
		return http.StatusConflict
	}
	switch {
	case errors.Is(err, sequencer.ErrBusy), errors.Is(err, sequencer.ErrUnknownSession):
		return http.StatusConflict
	case errors.Is(err, controller.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, types.ErrInvalidSelection):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeCommandError(w http.ResponseWriter, err error) {
	code := commandStatus(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "command failed"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	res := commandErrorRes{Error: msg, Reason: controller.RejectionReason(err)}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) siteController(w http.ResponseWriter, r *http.Request) (*controller.PowerStateController, bool) {
	ctx := r.Context()
	c, err := s.controllers.Site(ctx, s.getSiteID(r))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load site controller", slog.Any("error", err))
		writeJSONError(w, "failed to load site", http.StatusInternalServerError)
		return nil, false
	}
	return c, true
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	c, ok := s.siteController(w, r)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, c.Snapshot())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := s.requireMember(w, r)
	if !ok {
		return
	}

	var req commandReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode command", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind == controller.CommandCancel {
		writeJSONError(w, "use /api/cancel to cancel a plan", http.StatusBadRequest)
		return
	}

	c, ok := s.siteController(w, r)
	if !ok {
		return
	}
	cmd := req.Command
	cmd.Operator = user.ID
	if _, err := c.Execute(ctx, cmd); err != nil {
		if commandStatus(err) == http.StatusInternalServerError {
			log.Ctx(ctx).ErrorContext(ctx, "command failed", slog.String("command", string(cmd.Kind)), slog.Any("error", err))
		}
		writeCommandError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, c.Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := s.requireMember(w, r)
	if !ok {
		return
	}
	c, ok := s.siteController(w, r)
	if !ok {
		return
	}
	if _, err := c.Cancel(ctx, user.ID); err != nil {
		writeCommandError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, c.Snapshot())
}

// handlePlan previews the plan a command would run. The command is given in
// the query string, e.g. ?command=simulateFeedFailure&source=EB-1.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cmd := controller.Command{
		Kind:    controller.CommandKind(q.Get("command")),
		Source:  types.SourceID(q.Get("source")),
		Coupler: types.BreakerID(q.Get("coupler")),
	}
	if v := q.Get("backupIndex"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			writeJSONError(w, "invalid backupIndex", http.StatusBadRequest)
			return
		}
		cmd.BackupIndex = &i
	}

	c, ok := s.siteController(w, r)
	if !ok {
		return
	}
	plan, err := c.Preview(cmd)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, planRes{
		TransitionPlan:  plan,
		DurationSeconds: plan.Duration().Round(time.Millisecond).Seconds(),
	})
}
