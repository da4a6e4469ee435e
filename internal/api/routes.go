package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes builds the admin router.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HandleHealth)

	r.Route("/api/newsletter", func(r chi.Router) {
		r.Post("/send", h.HandleEnqueueSend)
		r.Get("/queue/{queueID}", h.HandleQueueStatus)
		r.Delete("/queue/{queueID}", h.HandleCancelQueue)
		r.Get("/queue-stats", h.HandleQueueStats)

		r.Get("/templates", h.HandleListTemplates)
		r.Post("/templates", h.HandleCreateTemplate)
		r.Post("/templates/preview", h.HandleRenderPreview)
		r.Put("/templates/{templateID}", h.HandleUpdateTemplate)
		r.Delete("/templates/{templateID}", h.HandleDeleteTemplate)
		r.Post("/templates/{templateID}/default", h.HandleSetDefaultTemplate)

		r.Put("/transport", h.HandleUpdateTransportConfig)
		r.Get("/stats", h.HandleEngagementStats)
	})

	return r
}
