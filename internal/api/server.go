package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/moogar0880/problems"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgdogdev/pgdog/internal/backend/lb"
	"github.com/pgdogdev/pgdog/internal/backend/pool"
	"github.com/pgdogdev/pgdog/internal/cluster"
	"github.com/pgdogdev/pgdog/internal/config"
	"github.com/pgdogdev/pgdog/internal/metrics"
)

// Server is the admin REST API and Prometheus endpoint. Cluster topology
// (shard count, addresses) is config-driven, not API-driven, so unlike the
// teacher's tenant CRUD this exposes status/pause/resume over the
// databases built at startup or reload — never create/update/delete.
type Server struct {
	databases *cluster.Databases
	metrics   *metrics.Collector
	general   config.General

	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(databases *cluster.Databases, m *metrics.Collector, general config.General) *Server {
	return &Server{
		databases: databases,
		metrics:   m,
		general:   general,
		startTime: time.Now(),
	}
}

// Start starts the HTTP API server on general.APIBind:general.APIPort.
func (s *Server) Start() error {
	r := mux.NewRouter()
	r.Use(s.authMiddleware)

	r.HandleFunc("/databases", s.listDatabases).Methods("GET")
	r.HandleFunc("/databases/{user}/{database}", s.getDatabase).Methods("GET")
	r.HandleFunc("/databases/{user}/{database}/pause", s.pauseDatabase).Methods("POST")
	r.HandleFunc("/databases/{user}/{database}/resume", s.resumeDatabase).Methods("POST")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Admin dashboard, served at exactly "/" and "/dashboard".
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%d", s.general.APIBind, s.general.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin API listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin API server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware requires a matching bearer token when general.APIKey is
// set; a blank APIKey leaves the admin API open, matching the teacher's
// default (no auth configured).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.general.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if header != "Bearer "+s.general.APIKey {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Database views ---

type poolView struct {
	Host    string     `json:"host"`
	Port    int        `json:"port"`
	Role    string     `json:"role"`
	Healthy bool       `json:"healthy"`
	Stats   pool.Stats `json:"stats"`
}

type shardView struct {
	Index    int        `json:"index"`
	Primary  poolView   `json:"primary"`
	Replicas []poolView `json:"replicas"`
}

type databaseView struct {
	User     string      `json:"user"`
	Database string      `json:"database"`
	Paused   bool        `json:"paused"`
	Shards   []shardView `json:"shards"`
}

func buildShardViews(c *cluster.Cluster) []shardView {
	views := make([]shardView, 0, len(c.Shards))
	for _, sh := range c.Shards {
		targetsByPool := make(map[*pool.Pool]*lb.Target)
		if sh.Balancer != nil {
			for _, t := range sh.Balancer.Targets() {
				targetsByPool[t.Pool] = t
			}
		}
		view := shardView{
			Index:   sh.Index,
			Primary: poolViewFor(sh.Primary, targetsByPool),
		}
		for _, rep := range sh.Replicas {
			view.Replicas = append(view.Replicas, poolViewFor(rep, targetsByPool))
		}
		views = append(views, view)
	}
	return views
}

func poolViewFor(p *pool.Pool, targets map[*pool.Pool]*lb.Target) poolView {
	addr := p.Addr()
	healthy := true
	if t, ok := targets[p]; ok {
		healthy = t.Healthy()
	}
	return poolView{
		Host:    addr.Host,
		Port:    addr.Port,
		Role:    string(addr.Role),
		Healthy: healthy,
		Stats:   p.Stats(),
	}
}

func (s *Server) listDatabases(w http.ResponseWriter, r *http.Request) {
	keys := s.databases.ListKeys()
	result := make([]databaseView, 0, len(keys))
	for _, key := range keys {
		c, ok := s.databases.Resolve(key)
		if !ok {
			continue
		}
		result = append(result, databaseView{
			User:     key.User,
			Database: key.Database,
			Paused:   s.databases.IsPaused(key),
			Shards:   buildShardViews(c),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) keyFromPath(r *http.Request) cluster.UserKey {
	vars := mux.Vars(r)
	return cluster.UserKey{User: vars["user"], Database: vars["database"]}
}

func (s *Server) getDatabase(w http.ResponseWriter, r *http.Request) {
	key := s.keyFromPath(r)
	c, ok := s.databases.Resolve(key)
	if !ok {
		writeProblem(w, http.StatusNotFound, "database not found", fmt.Sprintf("%s/%s is not registered", key.User, key.Database))
		return
	}
	writeJSON(w, http.StatusOK, databaseView{
		User:     key.User,
		Database: key.Database,
		Paused:   s.databases.IsPaused(key),
		Shards:   buildShardViews(c),
	})
}

func (s *Server) pauseDatabase(w http.ResponseWriter, r *http.Request) {
	key := s.keyFromPath(r)
	if _, ok := s.databases.Resolve(key); !ok {
		writeProblem(w, http.StatusNotFound, "database not found", fmt.Sprintf("%s/%s is not registered", key.User, key.Database))
		return
	}
	s.databases.Pause(key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "user": key.User, "database": key.Database})
}

func (s *Server) resumeDatabase(w http.ResponseWriter, r *http.Request) {
	key := s.keyFromPath(r)
	if _, ok := s.databases.Resolve(key); !ok {
		writeProblem(w, http.StatusNotFound, "database not found", fmt.Sprintf("%s/%s is not registered", key.User, key.Database))
		return
	}
	s.databases.Resume(key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "user": key.User, "database": key.Database})
}

// --- Health handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	allHealthy := true
	targets := map[string]bool{}
	for _, key := range s.databases.ListKeys() {
		c, ok := s.databases.Resolve(key)
		if !ok {
			continue
		}
		for _, sh := range c.Shards {
			if sh.Balancer == nil {
				continue
			}
			for _, t := range sh.Balancer.Targets() {
				label := fmt.Sprintf("%s/%s:shard%d:%s", key.User, key.Database, sh.Index, t.Role)
				targets[label] = t.Healthy()
				if !t.Healthy() {
					allHealthy = false
				}
			}
		}
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":  boolToStatus(allHealthy),
		"targets": targets,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	keys := s.databases.ListKeys()
	if len(keys) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	for _, key := range keys {
		c, ok := s.databases.Resolve(key)
		if !ok {
			continue
		}
		for _, sh := range c.Shards {
			if sh.Primary.Stats().Banned {
				continue
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status handler ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_databases":  len(s.databases.ListKeys()),
		"listen": map[string]int{
			"postgres_port": s.general.Port,
			"api_port":      s.general.APIPort,
		},
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeProblem writes an RFC 7807 problem+json error response.
func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	p := problems.NewStatusProblem(status)
	p.Title = title
	p.Detail = detail
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
