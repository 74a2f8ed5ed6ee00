package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the handlers into a chi router.
func NewRouter(a *API) chi.Router {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: a.Log, NoColor: true}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived websocket; kept outside the request timeout.
		if a.Stream != nil {
			r.Handle("/stream", a.Stream)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Route("/sensors", func(r chi.Router) {
				r.Get("/", a.ListSensors)
				r.Post("/", a.TrackSensor)
				r.Delete("/{sensorId}", a.UntrackSensor)
				r.Get("/{sensorId}/aqi", a.GetSensorAQI)
			})
			r.Get("/results", a.ListResults)
		})
	})
	return r
}
