package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const apiPrefix = "/api/v1"

// SetupRoutes registers the admin control routes.
func SetupRoutes(router *mux.Router, handler *Handler, metrics http.Handler) {
	v1 := router.PathPrefix(apiPrefix).Subrouter()
	v1.HandleFunc("/health", handler.HealthCheck).Methods(http.MethodGet)
	v1.HandleFunc("/jobs", handler.ListJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs", handler.CreateJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{name}", handler.GetJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{name}", handler.UpdateJob).Methods(http.MethodPut)
	v1.HandleFunc("/jobs/{name}", handler.DeleteJob).Methods(http.MethodDelete)
	v1.HandleFunc("/jobs/{name}/run", handler.RunJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{name}/runs", handler.JobRuns).Methods(http.MethodGet)
	if metrics != nil {
		v1.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
}

// SetupHealthRoutes registers the single route the worker exposes.
func SetupHealthRoutes(router *mux.Router, source HealthSource, logger *logrus.Logger) {
	router.HandleFunc("/health", HealthHandler(source, logger)).Methods(http.MethodGet)
}

// NewAdminRouter builds the admin router with logging and CORS middleware.
func NewAdminRouter(handler *Handler, metrics http.Handler) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(handler.logger))
	router.Use(corsMiddleware)
	SetupRoutes(router, handler, metrics)
	return router
}

// NewHealthRouter builds the worker's router.
func NewHealthRouter(source HealthSource, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))
	SetupHealthRoutes(router, source, logger)
	return router
}
