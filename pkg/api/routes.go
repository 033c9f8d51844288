package api

import (
	"net/http"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/config"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRouter configures the main router with middleware and routes.
func SetupRouter(api *API, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(StructuredRequestLogger(api.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/executions", func(r chi.Router) {
			r.Post("/", api.HandleStartExecution)
			r.Get("/", api.HandleListExecutions)

			r.Route("/{requestId}", func(r chi.Router) {
				r.Get("/", api.HandleGetExecution)
				r.Get("/results", api.HandleGetExecutionResults)
				r.Post("/cancel", api.HandleCancelExecution)
				r.Delete("/", api.HandleReleaseExecution)
			})
		})

		// HTTP leg of the push channel; AMQP is the other leg.
		r.Post("/webhooks/test-results", api.HandleResultWebhook)
	})

	return r
}
