package control

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/airaware/ingest/internal/errs"
	"github.com/airaware/ingest/internal/model"
)

// ResolvedPublisher is notified when an alert is resolved through the
// control surface, so operator dashboards watching the live feed see it
// without polling. Implemented by *wsfeed.Broadcaster.
type ResolvedPublisher interface {
	PublishResolved(a model.Alert)
}

// Server holds the dependencies needed by the control-surface handlers.
type Server struct {
	store Store
	stats StatsProvider
	feed  ResolvedPublisher
	now   func() time.Time
}

// NewServer creates a Server backed by store for alert/push persistence and
// stats for the GET /stats snapshot. feed may be nil to disable the
// resolved-alert live-feed notification.
func NewServer(store Store, stats StatsProvider, feed ResolvedPublisher) *Server {
	return &Server{store: store, stats: stats, feed: feed, now: time.Now}
}

// handleHealthz responds to GET /healthz. No authentication required.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListAlerts responds to GET /alerts?severity=&sensorId=&resolved=.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := model.AlertFilter{
		SensorID: q.Get("sensorId"),
	}
	if sev := q.Get("severity"); sev != "" {
		switch model.Severity(sev) {
		case model.SeverityInfo, model.SeverityWarning, model.SeverityCritical, model.SeverityDanger:
			f.Severity = model.Severity(sev)
		default:
			writeError(w, http.StatusBadRequest, "'severity' must be one of INFO, WARNING, CRITICAL, DANGER")
			return
		}
	}
	if resolvedStr := q.Get("resolved"); resolvedStr != "" {
		resolved, err := strconv.ParseBool(resolvedStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'resolved' must be true or false")
			return
		}
		f.ResolvedFilter = &resolved
	}

	alerts, err := s.store.ListAlerts(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleResolveAlert responds to POST /alerts/{id}/resolve.
func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.ResolveAlert(r.Context(), id, s.now())
	switch {
	case err == nil:
		if s.feed != nil {
			s.feed.PublishResolved(model.Alert{ID: id, Resolved: true})
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	case errs.Is(err, errs.NotFound):
		writeError(w, http.StatusNotFound, "no active alert with that id")
	default:
		writeError(w, http.StatusInternalServerError, "failed to resolve alert")
	}
}

// pushSubscribeRequest is the wire shape of POST /push/subscribe.
type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	Platform  string `json:"platform"`
	UserAgent string `json:"userAgent"`
	UserID    string `json:"userId"`
}

// handleSubscribePush responds to POST /push/subscribe.
func (s *Server) handleSubscribePush(w http.ResponseWriter, r *http.Request) {
	var req pushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "'endpoint', 'keys.p256dh', and 'keys.auth' are required")
		return
	}

	sub := model.PushSubscription{
		ID:        uuid.NewString(),
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		Platform:  req.Platform,
		UserAgent: req.UserAgent,
		UserID:    req.UserID,
		Active:    true,
		CreatedAt: s.now(),
		LastUsedAt: s.now(),
	}
	if err := s.store.SavePushSubscription(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": sub.ID})
}

// pushUnsubscribeRequest is the wire shape of POST /push/unsubscribe.
type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// handleUnsubscribePush responds to POST /push/unsubscribe.
func (s *Server) handleUnsubscribePush(w http.ResponseWriter, r *http.Request) {
	var req pushUnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "'endpoint' is required")
		return
	}
	if err := s.store.RemovePushSubscription(r.Context(), req.Endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleStats responds to GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
