package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *CertificateHandler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Route("/student/requests/{request_id}", func(r chi.Router) {
			r.Post("/certificate", h.HandleUpload)
			r.Put("/no-certificate", h.HandleNoCertificate)
			r.Put("/review", h.HandleRequestReview)
		})

		r.Get("/requests/{request_id}/certificate", h.HandleGetCertificate)

		r.Route("/teacher", func(r chi.Router) {
			r.Get("/requests/stale", h.HandleListStale)
			r.Get("/requests/{request_id}/comparison", h.HandleComparison)
			r.Post("/requests/{request_id}/manual", h.HandleManualAccept)
			r.Post("/requests/{request_id}/manual/unsafe", h.HandleManualAcceptUnsafe)
			r.Put("/requests/{request_id}/reject", h.HandleManualReject)
			r.Get("/subjects/{subject_id}/report.xlsx", h.HandleSubjectReport)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}
