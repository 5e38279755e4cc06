package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FunnelPipe/internal/funnel"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// eventEnvelope carries the fields every inbound event shares.
type eventEnvelope struct {
	EventID string `json:"event_id,omitempty"`
	UserID  string `json:"user_id"`
}

type sessionStartEvent struct {
	eventEnvelope
	EntryTag string         `json:"entry_tag"`
	Profile  models.Profile `json:"profile"`
}

type offeringEvent struct {
	eventEnvelope
	Offering string `json:"offering"`
}

type stageAdvanceEvent struct {
	eventEnvelope
	State string `json:"state"`
}

// decodeEvent reads a JSON body into v.
func decodeEvent(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON format: %v", errBadRequest, err)
	}
	return nil
}

// applyEvent runs apply at most once per event id. Events without an id are
// always applied. A failed apply releases the id so the source can retry.
func (s *Server) applyEvent(ctx context.Context, ev eventEnvelope, apply func(ctx context.Context) (funnel.Result, error)) (res funnel.Result, duplicate bool, err error) {
	if ev.UserID == "" {
		return funnel.Result{}, false, models.ErrEmptyUserID
	}
	if ev.EventID != "" {
		fresh, err := s.st.RecordInbound(ctx, ev.EventID, ev.UserID)
		if err != nil {
			return funnel.Result{}, false, err
		}
		if !fresh {
			slog.Info("Server.applyEvent: duplicate event acknowledged", "eventID", ev.EventID, "userID", ev.UserID)
			return funnel.Result{}, true, nil
		}
	}

	res, err = apply(ctx)
	if ev.EventID == "" {
		return res, false, err
	}
	if err != nil {
		if ferr := s.st.ForgetInbound(ctx, ev.EventID); ferr != nil {
			slog.Error("Server.applyEvent: failed to release event id", "error", ferr, "eventID", ev.EventID)
		}
		return funnel.Result{}, false, err
	}
	if err := s.st.MarkProcessed(ctx, ev.EventID); err != nil {
		// the effect is committed; a redelivery is still caught by the recorded id
		slog.Error("Server.applyEvent: failed to mark event processed", "error", err, "eventID", ev.EventID)
	}
	return res, false, nil
}

// selfHealing retries op once after starting a session for a user the store
// does not know.
func (s *Server) selfHealing(userID string, op func(ctx context.Context) (funnel.Result, error)) func(ctx context.Context) (funnel.Result, error) {
	return func(ctx context.Context) (funnel.Result, error) {
		res, err := op(ctx)
		if !errors.Is(err, models.ErrNotFound) {
			return res, err
		}
		slog.Warn("Server: unknown user, starting session before retry", "userID", userID)
		if _, err := s.engine.BeginSession(ctx, userID, models.DefaultEntryTag, models.Profile{}); err != nil {
			return funnel.Result{}, err
		}
		return op(ctx)
	}
}

func writeEventResult(w http.ResponseWriter, op string, res funnel.Result, duplicate bool, err error) {
	if err != nil {
		writeError(w, op, err)
		return
	}
	if duplicate {
		writeJSONResponse(w, http.StatusOK, models.Duplicate("Event already applied"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// sessionStartHandler handles POST /v1/events/session-start.
func (s *Server) sessionStartHandler(w http.ResponseWriter, r *http.Request) {
	var ev sessionStartEvent
	if err := decodeEvent(w, r, &ev); err != nil {
		writeError(w, "sessionStartHandler", err)
		return
	}
	entry := models.ParseEntryTag(ev.EntryTag)
	res, dup, err := s.applyEvent(r.Context(), ev.eventEnvelope, func(ctx context.Context) (funnel.Result, error) {
		return s.engine.BeginSession(ctx, ev.UserID, entry, ev.Profile)
	})
	writeEventResult(w, "sessionStartHandler", res, dup, err)
}

// offeringSelectedHandler handles POST /v1/events/offering-selected.
func (s *Server) offeringSelectedHandler(w http.ResponseWriter, r *http.Request) {
	var ev offeringEvent
	if err := decodeEvent(w, r, &ev); err != nil {
		writeError(w, "offeringSelectedHandler", err)
		return
	}
	res, dup, err := s.applyEvent(r.Context(), ev.eventEnvelope, func(ctx context.Context) (funnel.Result, error) {
		return s.engine.SelectOffering(ctx, ev.UserID, ev.Offering)
	})
	writeEventResult(w, "offeringSelectedHandler", res, dup, err)
}

// stageAdvanceHandler handles POST /v1/events/stage-advance.
func (s *Server) stageAdvanceHandler(w http.ResponseWriter, r *http.Request) {
	var ev stageAdvanceEvent
	if err := decodeEvent(w, r, &ev); err != nil {
		writeError(w, "stageAdvanceHandler", err)
		return
	}
	to, err := models.ParseFunnelState(ev.State)
	if err != nil {
		writeError(w, "stageAdvanceHandler", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	res, dup, err := s.applyEvent(r.Context(), ev.eventEnvelope, s.selfHealing(ev.UserID, func(ctx context.Context) (funnel.Result, error) {
		return s.engine.Advance(ctx, ev.UserID, to)
	}))
	writeEventResult(w, "stageAdvanceHandler", res, dup, err)
}

// convertedHandler handles POST /v1/events/converted.
func (s *Server) convertedHandler(w http.ResponseWriter, r *http.Request) {
	var ev offeringEvent
	if err := decodeEvent(w, r, &ev); err != nil {
		writeError(w, "convertedHandler", err)
		return
	}
	if ev.Offering == "" {
		writeError(w, "convertedHandler", fmt.Errorf("%w: missing required field: offering", errBadRequest))
		return
	}
	res, dup, err := s.applyEvent(r.Context(), ev.eventEnvelope, s.selfHealing(ev.UserID, func(ctx context.Context) (funnel.Result, error) {
		return s.engine.Convert(ctx, ev.UserID, ev.Offering)
	}))
	writeEventResult(w, "convertedHandler", res, dup, err)
}
