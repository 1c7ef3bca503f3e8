package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"template-ledger/internal/app"
	"template-ledger/internal/auth"
)

// application holds the server's dependencies.
type application struct {
	logger         *slog.Logger
	svc            *app.Services
	authn          auth.Authenticator
	enforce        bool // callers must be owners or grantees
	requestTimeout time.Duration
	openapi        *openapi3.T // nil disables request validation
}

// routes sets up the HTTP router for the template API.
func (app *application) routes() http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	timeout := app.requestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r.Use(middleware.Timeout(timeout))

	// --- Unauthenticated ---
	r.Get("/healthz", app.healthHandler)
	r.Get("/openapi.yaml", app.openapiHandler)

	// --- API ---
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware{Logger: app.logger, Authenticator: app.authn}.Wrap)
		if app.openapi != nil {
			r.Use(app.requestValidator(app.openapi))
		}

		r.Post("/api/templates", app.createTemplateHandler)
		r.Get("/api/templates", app.listTemplatesHandler)
		r.Get("/api/templates/search", app.searchTemplatesHandler)

		r.Get("/api/templates/{id}", app.getTemplateHandler)
		r.Patch("/api/templates/{id}", app.updateTemplateHandler)
		r.Delete("/api/templates/{id}", app.deleteTemplateHandler)

		// Fields and rules
		r.Post("/api/templates/{id}/fields", app.addFieldHandler)
		r.Delete("/api/templates/{id}/fields/{name}", app.removeFieldHandler)
		r.Put("/api/templates/{id}/rules/{field}", app.setRuleHandler)
		r.Post("/api/templates/{id}/import", app.importFieldsHandler)

		// Rendering
		r.Post("/api/templates/{id}/preview", app.previewHandler)
		r.Post("/api/templates/{id}/print", app.printHandler)

		// History
		r.Post("/api/templates/{id}/versions", app.createVersionHandler)
		r.Get("/api/templates/{id}/versions", app.listVersionsHandler)
		r.Get("/api/templates/{id}/versions/{vid}", app.getVersionHandler)
		r.Post("/api/templates/{id}/versions/{vid}/restore", app.restoreVersionHandler)
		r.Get("/api/templates/{id}/diff", app.diffVersionsHandler)

		// Sharing
		r.Post("/api/templates/{id}/shares", app.grantHandler)
		r.Delete("/api/templates/{id}/shares", app.revokeHandler)
		r.Get("/api/templates/{id}/shares", app.listGrantsHandler)
		r.Get("/api/shared/{granteeID}", app.sharedWithHandler)

		r.Post("/api/suggestions", app.suggestHandler)
	})

	return r
}
