// Package server exposes the cache, alert, and administrative HTTP API.
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"tagwatch/pkg/collector"
	"tagwatch/pkg/reconcile"
	"tagwatch/pkg/rules"
	"tagwatch/pkg/store"
)

var startTime = time.Now()

// Server holds the handler dependencies.
type Server struct {
	store store.Store
	orch  *reconcile.Orchestrator
	rules *rules.Manager
	coll  *collector.Collector
	log   *zap.SugaredLogger
}

// New creates the HTTP server surface.
func New(st store.Store, orch *reconcile.Orchestrator, rm *rules.Manager, coll *collector.Collector, log *zap.SugaredLogger) *Server {
	return &Server{store: st, orch: orch, rules: rm, coll: coll, log: log}
}

// Routes configures all HTTP routes.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	api := router.PathPrefix("/v1").Subrouter()

	// Metrics and alerting reads
	api.HandleFunc("/entities/{class}/{id}/metrics", s.handleMetrics).Methods("GET")
	api.HandleFunc("/entities/{class}/{id}/alerts", s.handleEntityAlerts).Methods("GET")
	api.HandleFunc("/entities/{class}/{id}/search", s.handleSearch).Methods("GET")
	api.HandleFunc("/entities/{class}/{id}/summary", s.handleSummary).Methods("GET")
	api.HandleFunc("/alerts", s.handleAllAlerts).Methods("GET")

	// Service metadata
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Administration
	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/cache", s.handleClearCache).Methods("DELETE")
	admin.HandleFunc("/entities/{class}/{id}", s.handleDeleteEntity).Methods("DELETE")
	admin.HandleFunc("/tags/{tag}", s.handlePurgeTag).Methods("DELETE")
	admin.HandleFunc("/rules", s.handleGetRules).Methods("GET")
	admin.HandleFunc("/rules", s.handleReplaceRules).Methods("PUT")
	admin.HandleFunc("/rules/tags/{tag}", s.handleAddTagRule).Methods("POST")
	admin.HandleFunc("/rules/tags/{tag}", s.handleRemoveTagRule).Methods("DELETE")
	admin.HandleFunc("/rules/conditions", s.handleAddCondition).Methods("POST")
	admin.HandleFunc("/rules/thresholds", s.handleUpdateThresholds).Methods("PUT")
	admin.HandleFunc("/collector", s.handleCollectorStatus).Methods("GET")
	admin.HandleFunc("/collector/run", s.handleCollectorRun).Methods("POST")
	admin.HandleFunc("/export", s.handleExport).Methods("GET")
	admin.HandleFunc("/import", s.handleImport).Methods("POST")

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(started).Round(time.Microsecond).String())
	})
}
