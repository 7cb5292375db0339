package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrijs2005/filevault/internal/server/auth"
)

// NewRouter wires the HTTP routes. Link downloads, health and metrics are
// public; everything else requires a bearer token.
func NewRouter(h *Handler, v *auth.Verifier) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument(h.log))

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/d/{linkId}", h.linkDownload)

	r.Group(func(r chi.Router) {
		r.Use(authenticate(v))

		r.Post("/ingest", h.uploadFile)
		r.Get("/files", h.listFiles)
		r.Get("/files/shared", h.listShared)

		r.Route("/files/{fileId}", func(r chi.Router) {
			r.Get("/", h.describeFile)
			r.Delete("/", h.deleteFile)
			r.Get("/content", h.fileContent)
			r.Get("/progress", h.fileProgress)
			r.Get("/shares", h.listShares)
			r.Post("/share", h.shareFile)
			r.Delete("/share", h.unshareFile)
			r.Post("/links", h.issueLink)
		})
	})

	return r
}
