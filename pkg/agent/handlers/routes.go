package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Auth validates the bearer token for protected endpoints
func Auth(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// health checks run without credentials
			if r.URL.Path == "/api/health" || r.URL.Path == "/api/ready" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				errorResponse(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				errorResponse(w, http.StatusUnauthorized, "invalid Authorization header format")
				return
			}
			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
				errorResponse(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Router wires every route. Requests that would add load or write files are
// refused with 503 while the maintenance flag is up.
func (h *Handler) Router(token string, maintenance mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(Auth(token))

	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/ready", h.Ready).Methods("GET")

	guarded := api.NewRoute().Subrouter()
	if maintenance != nil {
		guarded.Use(maintenance)
	}
	guarded.HandleFunc("/backup", h.StartBackup).Methods("POST")
	guarded.HandleFunc("/cleanup", h.Cleanup).Methods("POST")
	guarded.HandleFunc("/artifacts/fetch", h.FetchArtifact).Methods("POST")

	api.HandleFunc("/backup/{jobId}", h.GetBackup).Methods("GET")
	api.HandleFunc("/restore", h.StartRestore).Methods("POST")
	api.HandleFunc("/restore", h.RestoreStatus).Methods("GET")
	api.HandleFunc("/restore/{id}", h.RestoreStatus).Methods("GET")
	api.HandleFunc("/rollback", h.Rollback).Methods("POST")
	api.HandleFunc("/maintenance", h.GetMaintenance).Methods("GET")
	api.HandleFunc("/maintenance", h.SetMaintenance).Methods("POST")
	api.HandleFunc("/stats", h.Stats).Methods("GET")
	api.HandleFunc("/history", h.History).Methods("GET")
	api.HandleFunc("/artifacts", h.ListArtifacts).Methods("GET")
	api.HandleFunc("/artifacts/upload", h.UploadArtifact).Methods("POST")
	return r
}
