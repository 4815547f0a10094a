package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"codeberg.org/mutker/forestwatch/internal/errors"
	"codeberg.org/mutker/forestwatch/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type stateResponse struct {
	Latest         *telemetry.Snapshot        `json:"latest"`
	FireStageLabel string                     `json:"fireStageLabel,omitempty"`
	Status         telemetry.ConnectionStatus `json:"status"`
	ActiveAlerts   int                        `json:"activeAlerts"`
	Simulated      bool                       `json:"simulated"`
}

type healthResponse struct {
	Status            string `json:"status"`
	Connection        string `json:"connection"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

type errorResponse struct {
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	view := s.store.View()
	resp := stateResponse{
		Latest:       view.Latest,
		Status:       view.Status,
		ActiveAlerts: view.ActiveAlerts,
		Simulated:    view.Status.Simulated,
	}
	if view.Latest != nil {
		resp.FireStageLabel = view.Latest.FireStage.Label()
	}
	s.respondJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, s.store.History())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			s.respondError(w, r, http.StatusBadRequest, errors.New().WithMessage(ErrBadRequest, "active must be a boolean"))
			return
		}
		activeOnly = parsed
	}

	s.respondJSON(w, r, http.StatusOK, s.store.Alerts(activeOnly))
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !s.store.Dismiss(id) {
		s.respondError(w, r, http.StatusNotFound, errors.New().WithMessage(errors.ErrResourceNotFound, "alert not found"))
		return
	}

	s.log.Debug().Str("alert_id", id).Msg("Alert dismissed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Connection: "unknown"}
	if s.health != nil {
		resp.Connection = s.health.State().String()
		resp.ReconnectAttempts = s.health.Attempts()
	}
	s.respondJSON(w, r, http.StatusOK, resp)
}

// respondJSON writes data with the given status. Encoding failures are logged
// only; the status line has already been sent.
func (s *Server) respondJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("error_code", string(ErrEncodeResponse)).
			Msg("Failed to encode JSON response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, err errors.Error) {
	s.log.Debug().
		Str("request_id", middleware.GetReqID(r.Context())).
		Int("status", status).
		Str("error_code", string(err.Code())).
		Msg(err.Error())

	s.respondJSON(w, r, status, errorResponse{
		RequestID: middleware.GetReqID(r.Context()),
		Code:      string(err.Code()),
		Message:   err.Error(),
	})
}
