package routes

import (
	"log/slog"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the collectors registered on reg.
func Metrics(reg *prometheus.Registry) httprouter.Handle {
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})

	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		handler.ServeHTTP(w, r)
	}
}

// Router registers the status endpoints.
func Router(source StatusSource, reg *prometheus.Registry, logger *slog.Logger) *httprouter.Router {
	router := httprouter.New()
	router.GET("/state", State(source, logger))
	router.GET("/metrics", Metrics(reg))
	return router
}
