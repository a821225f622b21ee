package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker is implemented by the backing stores (Postgres for
// invitation state, Redis for rate-limit counters).
type HealthChecker interface {
	Health(ctx context.Context) error
}

type HealthHandler struct {
	postgres HealthChecker
	redis    HealthChecker
}

func NewHealthHandler(postgres, redis HealthChecker) *HealthHandler {
	return &HealthHandler{
		postgres: postgres,
		redis:    redis,
	}
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	deps := map[string]HealthChecker{
		"postgres": h.postgres,
		"redis":    h.redis,
	}

	response := HealthResponse{
		Status:    "healthy",
		Checks:    make(map[string]string, len(deps)),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	for name, dep := range deps {
		if err := dep.Health(ctx); err != nil {
			response.Status = "unhealthy"
			response.Checks[name] = "unhealthy: " + err.Error()
			continue
		}
		response.Checks[name] = "healthy"
	}

	status := http.StatusOK
	if response.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// Ready gates traffic until both stores answer. Invitation writes need
// Postgres and consume throttling needs Redis, so neither is optional.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.postgres.Health(ctx) != nil || h.redis.Health(ctx) != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("alive"))
}
