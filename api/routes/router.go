package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcastellano/outpost-backend/api/controllers"
	"github.com/jmcastellano/outpost-backend/api/middleware"
	"github.com/jmcastellano/outpost-backend/internal/operator"
	"github.com/jmcastellano/outpost-backend/pkg/config"
	"github.com/jmcastellano/outpost-backend/pkg/logger"
)

// NewRouter wires the operator API surface.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	deps controllers.ReadinessDeps,
	operatorService *operator.Service,
	gatherer prometheus.Gatherer,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps))
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/outbox", func(r chi.Router) {
		r.Get("/stats", controllers.OutboxStats(operatorService, logg))
		r.Post("/replay", controllers.OutboxReplay(operatorService, logg))
	})

	r.Route("/api/v1/deadletters", func(r chi.Router) {
		r.Get("/", controllers.DeadLettersList(operatorService, logg))
		r.Post("/{eventID}/replay", controllers.DeadLettersReplay(operatorService, logg))
	})

	return r
}
