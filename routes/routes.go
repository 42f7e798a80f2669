package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/artifact-registry/app"
	"github.com/upb/artifact-registry/handlers"
	"github.com/upb/artifact-registry/middleware"
	"github.com/upb/artifact-registry/models"
	"github.com/upb/artifact-registry/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	cfg := deps.Config
	logger := deps.Logger

	health := handlers.NewHealthHandler(deps.DB, deps.Blobs, logger)
	registry := handlers.NewRegistryHandler(deps.Engine, cfg.Server.MaxUploadBytes, logger)
	tokens := handlers.NewTokenHandler(deps.Tokens, logger)
	webhooks := handlers.NewWebhookHandler(deps.Webhooks, deps.Dispatcher, logger)
	config := handlers.NewConfigHandler(deps.Engine, logger)
	audit := handlers.NewAuditHandler(deps.Recorder, logger)
	sessions := handlers.NewSessionHandler(deps.Sessions, cfg.IsProduction(), logger)
	authn := deps.AuthMiddleware

	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	// CORS middleware; the console sends its session cookie cross-origin
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			middleware.AgentHeader,
			handlers.HeaderManifestHash, handlers.HeaderGitCommit, handlers.HeaderBuilder, handlers.HeaderBuildTime,
		},
		ExposedHeaders:   []string{"X-Request-Id", handlers.HeaderVersionHash, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	pull := authn.RequirePermission(models.PermissionPull)
	push := authn.RequirePermission(models.PermissionPush)
	publish := authn.RequirePermission(models.PermissionPublish)
	admin := authn.RequirePermission(models.PermissionAdmin)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authn.RequireAuth)

		r.Post("/auth/session", sessions.HandleCreateSession)
		r.Delete("/auth/session", sessions.HandleDeleteSession)

		r.Route("/projects", func(r chi.Router) {
			r.With(admin).Get("/", registry.HandleListProjects)

			r.Route("/{project}", func(r chi.Router) {
				r.With(admin).Delete("/", registry.HandleDeleteProject)
				r.With(pull).Get("/apps", registry.HandleListApps)

				r.Route("/apps/{app}", func(r chi.Router) {
					r.With(admin).Delete("/", registry.HandleDeleteApp)
					r.With(pull).Get("/versions", registry.HandleListVersions)
					r.With(push).Post("/versions", registry.HandlePush)

					r.Route("/versions/{ref}", func(r chi.Router) {
						r.With(admin).Delete("/", registry.HandleDeleteVersion)
						r.With(pull).Get("/manifest", registry.HandleGetManifest)
						r.With(pull).Get("/archive", registry.HandleArchive)
						r.With(pull).Get("/files/*", registry.HandleGetFile)
						r.With(publish).Post("/promote", registry.HandlePromote)
						r.With(publish).Post("/unpublish", registry.HandleUnpublish)
					})
				})
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(admin)

			r.Post("/admin/sync-storage", registry.HandleSyncStorage)
			r.Get("/admin/inventory", registry.HandleInventory)
			r.Get("/admin/inventory/summary", registry.HandleInventorySummary)
			r.Get("/admin/inventory/{project}", registry.HandleProjectInventory)

			r.Get("/config", config.HandleGetConfig)
			r.Put("/config", config.HandleUpdateConfig)

			r.Get("/audit-logs", audit.HandleListAuditLogs)

			r.Route("/tokens", func(r chi.Router) {
				r.Get("/", tokens.HandleListTokens)
				r.Post("/", tokens.HandleCreateToken)
				r.Get("/{id}", tokens.HandleGetToken)
				r.Patch("/{id}", tokens.HandleUpdateToken)
				r.Delete("/{id}", tokens.HandleDeleteToken)
			})

			r.Route("/webhooks", func(r chi.Router) {
				r.Get("/", webhooks.HandleListWebhooks)
				r.Post("/", webhooks.HandleCreateWebhook)
				r.Get("/stats", webhooks.HandleDeliveryStats)
				r.Get("/{id}", webhooks.HandleGetWebhook)
				r.Patch("/{id}", webhooks.HandleUpdateWebhook)
				r.Delete("/{id}", webhooks.HandleDeleteWebhook)
			})
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
