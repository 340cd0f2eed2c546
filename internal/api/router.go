package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tasksearch/internal/middleware"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order: tracing first, then recovery, then CORS.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	// Ingestion and search
	api.HandleFunc("/tasks", h.SubmitTasks).Methods("POST")
	api.HandleFunc("/search", h.Search).Methods("POST")

	// Record lifecycle
	api.HandleFunc("/records/{id}", h.GetRecord).Methods("GET")
	api.HandleFunc("/records/{id}/status", h.GetRecordStatus).Methods("GET")
	api.HandleFunc("/records/{id}/reprocess", h.ReprocessRecord).Methods("POST")

	// Parent views
	api.HandleFunc("/parents", h.ListParents).Methods("GET")
	api.HandleFunc("/parents/{id}/records", h.ListParentRecords).Methods("GET")
	api.HandleFunc("/parents/{id}/records", h.DeleteParentRecords).Methods("DELETE")

	// Jobs and queue
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	api.HandleFunc("/queue", h.QueueStats).Methods("GET")

	api.HandleFunc("/health", h.Health).Methods("GET")

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Live record and job updates
	r.HandleFunc("/ws/updates", h.HandleUpdatesWebSocket)

	return r
}
