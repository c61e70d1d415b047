// Package api is the HTTP front end of the mission engine.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/engine"
	"github.com/nidhogg/mission-engine/internal/gateway"
	"github.com/nidhogg/mission-engine/internal/mission"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine *engine.Engine
	relay  *gateway.Relay
	rest   *gateway.RESTChannel
	logger *zap.Logger
}

// NewHandler creates the API handler. relay and rest may be nil when no
// alert channels are configured.
func NewHandler(eng *engine.Engine, relay *gateway.Relay, rest *gateway.RESTChannel, logger *zap.Logger) *Handler {
	return &Handler{engine: eng, relay: relay, rest: rest, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/missions", h.listMissions)
		r.Post("/missions", h.createMission)
		r.Route("/missions/{id}", func(r chi.Router) {
			r.Get("/", h.getMission)
			r.Get("/steps", h.listSteps)
			r.Post("/assign", h.assignMission)
			r.Post("/execute", h.executeMission)
			r.Post("/pause", h.pauseMission)
			r.Post("/resume", h.resumeMission)
			r.Post("/cancel", h.cancelMission)
		})

		r.Get("/logs", h.listLogs)
		r.Get("/alerts", h.listAlerts)
		r.Post("/alerts/{id}/ack", h.ackAlert)

		r.Get("/conditions", h.listConditions)
		r.Get("/actions", h.listActions)
		r.Get("/events", h.streamEvents)

		r.Get("/gateway/status", h.gatewayStatus)
		if h.rest != nil {
			r.Mount("/gateway/rest", h.rest.Routes())
		}
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"scheduler":  h.engine.Running(),
		"active":     len(h.engine.Runner().Active()),
		"conditions": len(h.engine.Conditions().List()),
	})
}

// createMissionRequest accepts a full mission or the name of a template.
type createMissionRequest struct {
	mission.Mission
	Template string `json:"template,omitempty"`
	// Launch starts the mission right away.
	Launch bool `json:"launch,omitempty"`
}

func (h *Handler) createMission(w http.ResponseWriter, r *http.Request) {
	var req createMissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	m := &req.Mission
	if req.Template != "" {
		t, ok := h.engine.Template(req.Template)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "template not found"})
			return
		}
		m = t.Build()
		if req.Name != "" {
			m.Name = req.Name
		}
	}

	var (
		created *mission.Mission
		err     error
	)
	if req.Launch {
		created, err = h.engine.Launch(r.Context(), m)
	} else {
		created, err = h.engine.CreateMission(r.Context(), m)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) listMissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ms, err := h.engine.Missions().List(r.Context(), mission.MissionFilter{
		Status:          mission.Status(q.Get("status")),
		Type:            mission.Type(q.Get("type")),
		Priority:        mission.Priority(q.Get("priority")),
		OriginCondition: q.Get("condition"),
		Limit:           limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func (h *Handler) getMission(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Missions().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) listSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.Missions().Get(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	steps, err := h.engine.Missions().Steps(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (h *Handler) assignMission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VesselID string   `json:"vessel_id"`
		Agents   []string `json:"agents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	m, err := h.engine.Missions().Assign(r.Context(), chi.URLParam(r, "id"), req.VesselID, req.Agents)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// executeMission starts a run in the background, or with ?wait=true runs
// it to the end and returns the outcome.
func (h *Handler) executeMission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("wait") == "true" {
		out, err := h.engine.Execute(r.Context(), id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	if err := h.engine.Runner().Start(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	m, err := h.engine.Missions().Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (h *Handler) pauseMission(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Runner().Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) resumeMission(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Runner().Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) cancelMission(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Runner().Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := mission.LogFilter{
		MissionID: q.Get("mission_id"),
		Type:      mission.LogType(q.Get("type")),
		Severity:  mission.Severity(q.Get("severity")),
		Category:  q.Get("category"),
	}
	var err error
	if f.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if f.Since, err = queryTime(q.Get("since")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if f.Until, err = queryTime(q.Get("until")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	logs, err := h.engine.Logs().Query(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := mission.AlertFilter{
		MissionID:   q.Get("mission_id"),
		MinSeverity: mission.Severity(q.Get("min_severity")),
	}
	if v := q.Get("acknowledged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "acknowledged must be true or false"})
			return
		}
		f.Acknowledged = &b
	}
	var err error
	if f.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	alerts, err := h.engine.Alerts().List(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) ackAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		By string `json:"by"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	if req.By == "" {
		req.By = "api"
	}
	id := chi.URLParam(r, "id")
	if err := h.engine.Alerts().Acknowledge(r.Context(), id, req.By); err != nil {
		h.writeError(w, err)
		return
	}
	a, err := h.engine.Alerts().Get(r.Context(), id)
	if errors.Is(err, mission.ErrNotFound) {
		// acknowledging an unknown alert is a no-op
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) listConditions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Conditions().List())
}

func (h *Handler) listActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Actions().Names())
}

func (h *Handler) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	if h.relay == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "alert relay not configured"})
		return
	}
	limit, _ := queryInt(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, map[string]any{
		"channels":   h.relay.Channels(),
		"deliveries": h.relay.History(limit),
	})
}

// writeError maps engine errors onto status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mission.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mission.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, mission.ErrValidation):
		status = http.StatusBadRequest
	default:
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func queryTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, want RFC 3339", v)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
