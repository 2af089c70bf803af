package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Sync clients authenticate with their signed session id.
		r.Route("/sync", func(r chi.Router) {
			r.Post("/session", h.SyncRegister)
			r.Post("/pull", h.SyncPull)
			r.Post("/push", h.SyncPush)
			r.Post("/ack", h.SyncAck)
			r.Get("/conflicts", h.SyncConflicts)
			r.Post("/resolve", h.SyncResolve)
			if h.hub != nil {
				r.Get("/stream", h.hub.Handler())
			}
		})

		r.Route("/cluster", func(r chi.Router) {
			r.Use(ClusterSecretMiddleware(h.clusterSecret))
			r.Post("/replicate", h.ClusterReplicate)
			r.Get("/log", h.ClusterLog)
			r.Get("/status", h.ClusterStatus)
		})

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Get("/stats", h.Stats)
			r.Get("/snapshot", h.Snapshot)

			r.Get("/databases", h.ListDatabases)
			r.Post("/databases", h.CreateDatabase)
			r.Route("/databases/{db}", func(r chi.Router) {
				r.Get("/", h.GetDatabase)
				r.Delete("/", h.DeleteDatabase)
				r.Post("/collections", h.CreateCollection)
				r.Route("/collections/{coll}", func(r chi.Router) {
					r.Delete("/", h.DeleteCollection)
					r.Post("/truncate", h.TruncateCollection)
					r.Put("/documents/{key}", h.PutDocument)
					r.Get("/documents/{key}", h.GetDocument)
					r.Delete("/documents/{key}", h.DeleteDocument)
				})
			})
		})
	})

	return r
}
