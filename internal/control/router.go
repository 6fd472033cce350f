package control

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/airaware/ingest/internal/metrics"
)

// NewRouter returns a configured chi.Router for the operator control surface
// (§4.G).
//
// Route layout:
//
//	GET  /healthz              – liveness probe (no authentication)
//	GET  /metrics              – Prometheus exposition (no authentication)
//	GET  /alerts                – list alerts, filterable (JWT required)
//	POST /alerts/{id}/resolve  – resolve an active alert (JWT required)
//	POST /push/subscribe        – register a Web Push subscription (JWT required)
//	POST /push/unsubscribe      – remove a Web Push subscription (JWT required)
//	GET  /stats                 – counters snapshot (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on every
// route below. Pass nil to disable JWT validation (used by tests covering
// routing/handlers only).
func NewRouter(srv *Server, met *metrics.Metrics, pubKey *rsa.PublicKey, feed http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	if met != nil {
		r.Handle("/metrics", promhttp.HandlerFor(met.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/alerts", srv.handleListAlerts)
		r.Post("/alerts/{id}/resolve", srv.handleResolveAlert)
		r.Post("/push/subscribe", srv.handleSubscribePush)
		r.Post("/push/unsubscribe", srv.handleUnsubscribePush)
		r.Get("/stats", srv.handleStats)

		if feed != nil {
			r.Get("/feed", feed.ServeHTTP)
		}
	})

	return r
}
