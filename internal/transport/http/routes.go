package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// our logger (after RequestID)
	r.Use(RequestLogger)

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/count", h.CountSingle)
		r.Post("/count-all", h.CountAll)

		r.Route("/batch", func(r chi.Router) {
			r.Post("/process", h.BatchProcess)
			r.Get("/status", h.BatchStatus)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/{id}", h.GetJob)
			r.Get("/{id}/events", h.JobEvents)
			r.Post("/{id}/cancel", h.CancelJob)
			r.Post("/{id}/retry", h.RetryJob)
			r.Delete("/{id}", h.DeleteJob)
		})

		r.Put("/correct/{result_id}", h.Correct)
		r.Post("/correct/bulk", h.BulkCorrect)

		r.Route("/results", func(r chi.Router) {
			r.Get("/", h.ListResults)
			r.Delete("/{id}", h.DeleteResult)
		})

		r.Route("/object-types", func(r chi.Router) {
			r.Get("/", h.ListObjectTypes)
			r.Post("/", h.CreateObjectType)
		})
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
