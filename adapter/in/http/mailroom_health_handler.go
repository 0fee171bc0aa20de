// Package http exposes the read-only process surface: health and metrics.
package http

import (
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailroom/core/domain"
)

// HealthHandler serves /healthz and /metrics from the shared health state.
type HealthHandler struct {
	health       *domain.HealthState
	pollInterval time.Duration
	registry     *prometheus.Registry
	now          func() time.Time
}

// NewHealthHandler builds a handler. registry may be nil to skip /metrics.
func NewHealthHandler(health *domain.HealthState, pollInterval time.Duration, registry *prometheus.Registry) *HealthHandler {
	return &HealthHandler{
		health:       health,
		pollInterval: pollInterval,
		registry:     registry,
		now:          time.Now,
	}
}

// Register mounts the routes on a fiber app.
func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/healthz", h.Healthz)
	if h.registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(
			promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))
	}
}

// Healthz reports liveness. The process is unhealthy once the last
// successful poll is older than twice the poll interval. Before the first
// poll there is no age to judge, so startup reports healthy.
func (h *HealthHandler) Healthz(c *fiber.Ctx) error {
	snap := h.health.Snapshot()

	status := "ok"
	statusCode := fiber.StatusOK
	var pollAge *float64
	if !snap.LastSuccessfulPoll.IsZero() {
		age := h.now().Sub(snap.LastSuccessfulPoll).Seconds()
		pollAge = &age
		if age > 2*h.pollInterval.Seconds() {
			status = "stale"
			statusCode = fiber.StatusServiceUnavailable
		}
	}

	eventsource := fiber.Map{
		"status":          string(snap.SSEStatus),
		"reconnect_count": snap.SSEReconnectCount,
	}
	if !snap.SSEConnectedSince.IsZero() {
		eventsource["connected_since"] = snap.SSEConnectedSince.UTC().Format(time.RFC3339)
	}
	if !snap.SSELastEventAt.IsZero() {
		eventsource["last_event_at"] = snap.SSELastEventAt.UTC().Format(time.RFC3339)
	}
	if snap.SSELastError != "" {
		eventsource["last_error"] = snap.SSELastError
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":                status,
		"last_poll_age_seconds": pollAge,
		"eventsource":           eventsource,
	})
}
