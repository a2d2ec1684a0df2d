package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var startedAt = time.Now()

// handleHealth is the load-balancer liveness probe. It deliberately checks
// nothing downstream: a dying database should drain traffic via readiness
// alarms, not by flapping every replica out of rotation.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbStatus := "ok"
	if err := s.store.Pool().Ping(ctx); err != nil {
		dbStatus = "down"
	}
	redisStatus := "ok"
	if err := s.cache.Ping(ctx); err != nil {
		redisStatus = "down"
	}

	queues := map[string]int64{}
	for _, kind := range []models.JobKind{
		models.JobKindWebhookDelivery, models.JobKindNotification, models.JobKindDeployment,
		models.JobKindPatch, models.JobKindEscalation,
	} {
		depth, err := s.cache.QueueDepth(ctx, string(kind))
		if err != nil {
			continue
		}
		queues[string(kind)] = depth
	}

	status := http.StatusOK
	if dbStatus != "ok" || redisStatus != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"database":        dbStatus,
		"redis":           redisStatus,
		"connectedAgents": s.hub.ConnectedCount(),
		"queueDepths":     queues,
		"uptimeSeconds":   int(time.Since(startedAt).Seconds()),
	})
}

// handleMetricsScrape serves the Prometheus registry behind a static scrape
// token instead of user auth, so the monitoring stack needs no account.
func (s *Server) handleMetricsScrape(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MetricsScrapeToken == "" {
		writeError(w, r, httperr.NotFound("metrics"))
		return
	}
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.MetricsScrapeToken)) != 1 {
		writeError(w, r, httperr.Unauthenticated("invalid scrape token"))
		return
	}
	promhttp.Handler().ServeHTTP(w, r)
}
