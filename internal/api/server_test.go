package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/pgdogdev/pgdog/internal/backend/lb"
	"github.com/pgdogdev/pgdog/internal/cluster"
	"github.com/pgdogdev/pgdog/internal/config"
	"github.com/pgdogdev/pgdog/internal/metrics"
)

func alwaysHealthy(*lb.Target) bool { return true }

func newTestDatabases(t *testing.T) (*cluster.Databases, cluster.UserKey) {
	t.Helper()
	key := cluster.UserKey{User: "app", Database: "billing"}
	cfg := config.General{
		DefaultPoolSize: 5,
		CheckoutTimeout: 50 * time.Millisecond,
		ConnectAttempts: 1,
	}
	db := config.DatabaseConfig{
		User:     key.User,
		Database: key.Database,
		Shards: []config.ShardConfig{
			{Primary: config.AddressConfig{Host: "localhost", Port: 5432}},
		},
	}
	databases := cluster.NewDatabases()
	c, err := cluster.Build(db, cfg, databases)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	databases.ReplaceDatabases(map[cluster.UserKey]*cluster.Cluster{key: c}, false, alwaysHealthy)
	t.Cleanup(func() { databases.Remove(key) })
	return databases, key
}

func newTestRouter(t *testing.T) (*Server, *mux.Router, cluster.UserKey) {
	t.Helper()
	databases, key := newTestDatabases(t)
	s := NewServer(databases, metrics.New(), config.General{APIBind: "127.0.0.1", APIPort: 8080})

	mr := mux.NewRouter()
	mr.HandleFunc("/databases", s.listDatabases).Methods("GET")
	mr.HandleFunc("/databases/{user}/{database}", s.getDatabase).Methods("GET")
	mr.HandleFunc("/databases/{user}/{database}/pause", s.pauseDatabase).Methods("POST")
	mr.HandleFunc("/databases/{user}/{database}/resume", s.resumeDatabase).Methods("POST")
	mr.HandleFunc("/health", s.healthHandler).Methods("GET")
	mr.HandleFunc("/ready", s.readyHandler).Methods("GET")
	mr.HandleFunc("/status", s.statusHandler).Methods("GET")
	return s, mr, key
}

func TestListDatabases(t *testing.T) {
	_, mr, key := newTestRouter(t)

	req := httptest.NewRequest("GET", "/databases", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got []databaseView
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].User != key.User || got[0].Database != key.Database {
		t.Fatalf("unexpected response: %+v", got)
	}
	if len(got[0].Shards) != 1 {
		t.Fatalf("expected 1 shard, got %d", len(got[0].Shards))
	}
}

func TestGetDatabaseNotFound(t *testing.T) {
	_, mr, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/databases/nouser/nodb", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("expected RFC7807 content type, got %q", ct)
	}
}

func TestPauseAndResumeDatabase(t *testing.T) {
	_, mr, key := newTestRouter(t)

	req := httptest.NewRequest("POST", "/databases/"+key.User+"/"+key.Database+"/pause", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest("GET", "/databases/"+key.User+"/"+key.Database, nil)
	rr = httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	var got databaseView
	_ = json.Unmarshal(rr.Body.Bytes(), &got)
	if !got.Paused {
		t.Fatal("expected database to be paused")
	}

	req = httptest.NewRequest("POST", "/databases/"+key.User+"/"+key.Database+"/resume", nil)
	rr = httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", rr.Code)
	}
}

func TestHealthHandlerAllHealthy(t *testing.T) {
	_, mr, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestReadyHandlerWithNoDatabases(t *testing.T) {
	databases := cluster.NewDatabases()
	s := NewServer(databases, metrics.New(), config.General{})
	mr := mux.NewRouter()
	mr.HandleFunc("/ready", s.readyHandler).Methods("GET")

	req := httptest.NewRequest("GET", "/ready", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with no databases registered, got %d", rr.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	_, mr, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := got["num_databases"]; !ok {
		t.Fatal("expected num_databases field")
	}
}

func TestAuthMiddlewareRejectsMissingKey(t *testing.T) {
	databases, _ := newTestDatabases(t)
	s := NewServer(databases, metrics.New(), config.General{APIKey: "secret"})
	mr := mux.NewRouter()
	mr.Use(s.authMiddleware)
	mr.HandleFunc("/databases", s.listDatabases).Methods("GET")

	req := httptest.NewRequest("GET", "/databases", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	req = httptest.NewRequest("GET", "/databases", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid bearer token, got %d", rr.Code)
	}
}
