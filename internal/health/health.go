package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/messaging/rabbitmq"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/metrics"
)

// Response is the aggregate health check payload.
type Response struct {
	Status    string                 `json:"status"` // "healthy" or "unhealthy"
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
	Consumer  *rabbitmq.Stats        `json:"consumer,omitempty"`
}

// CheckResult is one dependency probe.
type CheckResult struct {
	Status       string `json:"status"` // "up" or "down"
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

type dbPinger interface {
	PingContext(ctx context.Context) error
}

type statsProvider interface {
	Stats() rabbitmq.Stats
}

// Handler serves the liveness and dependency probes.
type Handler struct {
	db        dbPinger
	redis     *redis.Client
	consumer  statsProvider
	startedAt time.Time
}

func NewHandler(db dbPinger, redisClient *redis.Client, consumer statsProvider) *Handler {
	return &Handler{
		db:        db,
		redis:     redisClient,
		consumer:  consumer,
		startedAt: time.Now(),
	}
}

// Router mounts the health and metrics endpoints.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HealthCheck)
	r.Get("/healthz/db", h.singleCheck(h.checkDB))
	r.Get("/healthz/redis", h.singleCheck(h.checkRedis))
	r.Get("/healthz/rabbitmq", h.RabbitMQCheck)
	r.Handle("/metrics", metrics.Handler())

	return r
}

// HealthCheck aggregates all dependency probes plus the consumer snapshot.
// Only dependencies this process was wired with count toward the verdict:
// the relay runs without redis and without a consumer, and must not report
// unhealthy for them.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]CheckResult{}
	if h.db != nil {
		checks["db"] = h.checkDB(ctx)
	}
	if h.redis != nil {
		checks["redis"] = h.checkRedis(ctx)
	}

	var stats *rabbitmq.Stats
	if h.consumer != nil {
		s := h.consumer.Stats()
		stats = &s
		status := "up"
		if !s.Healthy {
			status = "down"
		}
		checks["rabbitmq"] = CheckResult{Status: status}
	}

	overall := "healthy"
	code := http.StatusOK
	for _, c := range checks {
		if c.Status != "up" {
			overall = "unhealthy"
			code = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, code, Response{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Checks:    checks,
		Consumer:  stats,
	})
}

// RabbitMQCheck exposes the raw consumer lifecycle snapshot.
func (h *Handler) RabbitMQCheck(w http.ResponseWriter, r *http.Request) {
	if h.consumer == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no consumer in this process"})
		return
	}
	stats := h.consumer.Stats()
	code := http.StatusOK
	if !stats.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, stats)
}

func (h *Handler) singleCheck(probe func(ctx context.Context) CheckResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		res := probe(ctx)
		code := http.StatusOK
		if res.Status != "up" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, res)
	}
}

func (h *Handler) checkDB(ctx context.Context) CheckResult {
	if h.db == nil {
		return CheckResult{Status: "down", Error: "not configured"}
	}
	start := time.Now()
	if err := h.db.PingContext(ctx); err != nil {
		return CheckResult{Status: "down", Error: err.Error()}
	}
	return CheckResult{Status: "up", ResponseTime: time.Since(start).String()}
}

func (h *Handler) checkRedis(ctx context.Context) CheckResult {
	if h.redis == nil {
		return CheckResult{Status: "down", Error: "not configured"}
	}
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: "down", Error: err.Error()}
	}
	return CheckResult{Status: "up", ResponseTime: time.Since(start).String()}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
