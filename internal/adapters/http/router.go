package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhiquai/aigrading/internal/application"
)

// Handler is the HTTP adapter entrypoint for grading, license and admin use-cases.
type Handler struct {
	service *application.Service
	ready   func(context.Context) error
}

// NewHandler binds the application service. ready, when non-nil, backs /readyz.
func NewHandler(service *application.Service, ready func(context.Context) error) *Handler {
	return &Handler{service: service, ready: ready}
}

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/grading/evaluate", handler.evaluate)

		r.Post("/licenses/activate", handler.activate)
		r.Get("/licenses/status", handler.licenseStatus)

		r.Get("/rubrics", handler.listRubrics)
		r.Get("/rubrics/{questionKey}", handler.getRubric)
		r.Put("/rubrics/{questionKey}", handler.putRubric)
		r.Delete("/rubrics/{questionKey}", handler.deleteRubric)

		r.Get("/records", handler.listRecords)
		r.Delete("/records/{recordId}", handler.deleteRecord)

		r.Get("/settings", handler.getSettings)
		r.Put("/settings", handler.putSettings)
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(handler.adminMiddleware)
		r.Post("/licenses", handler.issueCode)
		r.Post("/licenses/{code}/disable", handler.disableCode)
		r.Post("/licenses/{code}/enable", handler.enableCode)
		r.Post("/quotas/refund", handler.refundQuota)
	})

	return r
}
