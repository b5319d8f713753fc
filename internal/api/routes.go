package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

const apiPrefix = "/api/v1"

func NewRouter(handler *Handler) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(handler.logger))
	router.Use(corsMiddleware)

	SetupRoutes(router.PathPrefix(apiPrefix).Subrouter(), handler)
	return router
}

func SetupRoutes(router *mux.Router, handler *Handler) {
	router.HandleFunc("/health", handler.HealthCheck).Methods(http.MethodGet)

	router.HandleFunc("/jobs", handler.ListJobs).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{jobID}", handler.GetJob).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{jobID}/runs", handler.ListRuns).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{jobID}/trigger", handler.TriggerJob).Methods(http.MethodPost)

	router.HandleFunc("/runs/{runID}", handler.GetRun).Methods(http.MethodGet)
	router.HandleFunc("/runs/{runID}/cancel", handler.CancelRun).Methods(http.MethodPost)

	router.HandleFunc("/scheduler/start", handler.StartScheduler).Methods(http.MethodPost)
	router.HandleFunc("/scheduler/stop", handler.StopScheduler).Methods(http.MethodPost)
	router.HandleFunc("/scheduler/resume", handler.ResumeScheduler).Methods(http.MethodPost)
}
