package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"media-delivery-engine/internal/observability"
)

// RequestTimeout covers a full dispatch including inter-image delays.
const RequestTimeout = 2 * time.Minute

// Router mounts the API and, under /{namespace}/images/, the staged files
// in imageDir.
func Router(h *DeliveryHandler, namespace, imageDir string) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.Measure)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(RequestTimeout))

		r.Post("/outgoing", h.Outgoing)
		r.Post("/detect", h.Detect)

		r.Get("/history/{subscriber}", h.History)
		r.Get("/history/{subscriber}/*", h.History)
		r.Delete("/history/{subscriber}", h.ResetHistory)
		r.Delete("/history/{subscriber}/*", h.ResetHistory)

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.PutSettings)

		r.Get("/triggers", h.ListTriggers)
		r.Post("/triggers", h.UpsertTrigger)
		r.Get("/triggers/*", h.GetTrigger)
		r.Delete("/triggers/*", h.DeleteTrigger)

		r.Get("/policy", h.GetPolicy)
		r.Get("/policy/preview", h.Preview)
		r.Put("/policy/selection", h.SelectImages)
		r.Put("/policy/mode", h.SetMode)
		r.Delete("/policy/images/{imageID}", h.RemoveImage)

		r.Post("/staging/sweep", h.Sweep)
	})

	prefix := "/" + namespace + "/images/"
	r.Handle(prefix+"*", http.StripPrefix(prefix, Images(imageDir)))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.MetricsHandler())
	return r
}
