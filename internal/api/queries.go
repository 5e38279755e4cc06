package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// getUserHandler handles GET /v1/users/{id}.
func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.engine.User(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "getUserHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(user))
}

// listUsersHandler handles GET /v1/users?state=|offering=.
func (s *Server) listUsersHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		users []models.User
		err   error
	)
	switch {
	case q.Get("state") != "":
		state, perr := models.ParseFunnelState(q.Get("state"))
		if perr != nil {
			writeError(w, "listUsersHandler", fmt.Errorf("%w: %v", errBadRequest, perr))
			return
		}
		users, err = s.st.ListUsersByState(r.Context(), state)
	case q.Get("offering") != "":
		users, err = s.st.ListUsersByOffering(r.Context(), q.Get("offering"))
	default:
		writeError(w, "listUsersHandler", fmt.Errorf("%w: state or offering query parameter required", errBadRequest))
		return
	}
	if err != nil {
		writeError(w, "listUsersHandler", err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(users))
}

// listFollowUpsHandler handles GET /v1/users/{id}/followups?offering=.
func (s *Server) listFollowUpsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.engine.User(r.Context(), id); err != nil {
		writeError(w, "listFollowUpsHandler", err)
		return
	}
	tasks, err := s.st.ListFollowUps(r.Context(), id, r.URL.Query().Get("offering"))
	if err != nil {
		writeError(w, "listFollowUpsHandler", err)
		return
	}
	if tasks == nil {
		tasks = []models.FollowUpTask{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tasks))
}

// wakeupsHandler handles GET /v1/followups/wakeups.
func (s *Server) wakeupsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.wakeups.Wakeups()))
}

// statsHandler handles GET /v1/stats.
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	sum, err := s.reporter.Summary(r.Context())
	if err != nil {
		writeError(w, "statsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sum))
}

type health struct {
	Users         int    `json:"users"`
	ArmedWakeups  int    `json:"armed_wakeups"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Time          string `json:"time"`
}

// healthHandler handles GET /v1/health. It touches the store so a broken
// database reports unhealthy.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	users, err := s.st.CountUsers(r.Context())
	if err != nil {
		writeError(w, "healthHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(health{
		Users:         users,
		ArmedWakeups:  s.wakeups.ArmedCount(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Time:          time.Now().UTC().Format(time.RFC3339),
	}))
}
