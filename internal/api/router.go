package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apimiddleware "github.com/fieldnote/analysis-engine/internal/api/middleware"
	"github.com/fieldnote/analysis-engine/internal/service"
)

// RouterConfig holds the dependencies the router needs.
type RouterConfig struct {
	RunService  service.RunService
	TokenSecret string
}

// NewRouter builds the application router: authenticated run endpoints
// under /api, plus open health and metrics endpoints.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(apimiddleware.TraceMiddleware)

	runHandler := NewRunHandler(cfg.RunService, nil)
	authMiddleware := apimiddleware.NewAuthMiddleware(cfg.TokenSecret)

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Post("/runs", runHandler.CreateRun)
		r.Get("/runs", runHandler.ListRuns)
		r.Get("/runs/{id}", runHandler.GetRun)
		r.Post("/runs/{id}/cancel", runHandler.CancelRun)
		r.Get("/results/{content_item_id}", runHandler.GetResult)
		r.Get("/stats/deferred", runHandler.GetDeferredStats)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
