package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/fpcollect/pkg/config"
	"github.com/nicktill/fpcollect/pkg/httpx"
	"github.com/nicktill/fpcollect/pkg/server/monitor"
)

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	Backend   string `json:"backend"`
	UsedBytes int64  `json:"used_bytes"`
	MaxBytes  int64  `json:"max_bytes"`
	Used      string `json:"used"`
	Max       string `json:"max"`
	OverLimit bool   `json:"over_limit"`
}

// StatsResponse summarizes what the store holds and what the process did
type StatsResponse struct {
	Entries      uint64 `json:"entries"`
	Fingerprints uint64 `json:"fingerprints"`
	Sources      uint64 `json:"sources"`
	Values       uint64 `json:"values"`
	Size         string `json:"size"`
	Oldest       string `json:"oldest,omitempty"`
	Newest       string `json:"newest,omitempty"`

	Submissions uint64            `json:"submissions"`
	Stored      map[string]uint64 `json:"stored"`
	Duplicates  uint64            `json:"duplicates"`
	RateLimited uint64            `json:"rate_limited"`
	Queries     uint64            `json:"queries"`

	// Categories counts stored fingerprints per canonical category value,
	// filled only by backends that index categories
	Categories map[string]uint64 `json:"categories,omitempty"`
}

// categoryCounter is implemented by backends with a category index
type categoryCounter interface {
	Categories() map[string]uint64
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	Uptime  string               `json:"uptime"`
	Tasks   []monitor.TaskStatus `json:"tasks"`
}

// handleHealth reports degraded when storage checks keep failing. The GC task
// only counts once it has run, since non-badger backends never start it.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	overallStatus := "healthy"
	statusCode := http.StatusOK

	tasks := []monitor.TaskStatus{a.StorageJob.Status()}
	if gc := a.GCJob.Status(); gc.LastAttempt != "" {
		tasks = append(tasks, gc)
	}
	for _, t := range tasks {
		if !t.Healthy {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}

	httpx.RespondJSON(w, statusCode, HealthResponse{
		Status:  overallStatus,
		Version: Version,
		Uptime:  a.Uptime().Round(time.Second).String(),
		Tasks:   tasks,
	})
}

// handleStorageUsage returns current storage usage.
func (a *App) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	over, used, err := a.Storage.OverLimit(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	limit := a.Storage.GetLimit()
	httpx.RespondJSON(w, http.StatusOK, StorageUsage{
		Backend:   a.cfg.Storage.Backend,
		UsedBytes: used,
		MaxBytes:  limit,
		Used:      humanize.Bytes(uint64(used)),
		Max:       humanize.Bytes(uint64(limit)),
		OverLimit: over,
	})
}

// handleStats returns store counts and process counters.
func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.IngestStatsTimeout)
	defer cancel()

	st, err := a.Store.Stats(ctx)
	if err != nil {
		a.log.Error("stats failed", zap.Error(err))
		httpx.RespondErrorString(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	c := a.Service.Counters()
	resp := StatsResponse{
		Entries:      st.Entries,
		Fingerprints: st.Fingerprints,
		Sources:      st.Sources,
		Values:       st.Values,
		Size:         humanize.Bytes(st.SizeBytes),
		Submissions:  c.Submissions.Load(),
		Stored:       c.StoredByCategory(),
		Duplicates:   c.Duplicates.Load(),
		RateLimited:  c.RateLimited.Load(),
		Queries:      c.Queries.Load(),
	}
	if cc, ok := a.Store.(categoryCounter); ok {
		resp.Categories = cc.Categories()
	}
	if !st.OldestFingerprint.IsZero() {
		resp.Oldest = humanize.Time(st.OldestFingerprint)
		resp.Newest = humanize.Time(st.NewestFingerprint)
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// Router returns the HTTP routes for the app
func (a *App) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(accessLog(a.log.Named("http")), corsMiddleware(listenPort(a.cfg.Server.Addr)))

	api := router.PathPrefix("/api/v1").Subrouter()

	// Submission and compile
	api.HandleFunc("/logger", a.Ingest.HandleLogger).Methods("POST")
	api.HandleFunc("/compile", a.Ingest.HandleCompile).Methods("GET", "POST")
	api.HandleFunc("/export", a.Export.HandleExport).Methods("GET")

	// Live feed of stored fingerprints
	api.HandleFunc("/ws", a.Hub.HandleWebSocket).Methods("GET")

	// Operations
	api.HandleFunc("/stats", a.handleStats).Methods("GET")
	api.HandleFunc("/storage", a.handleStorageUsage).Methods("GET")
	api.HandleFunc("/health", a.handleHealth).Methods("GET")

	router.HandleFunc("/metrics", a.Ingest.HandlePrometheusMetrics).Methods("GET")

	if dir := a.cfg.Server.StaticDir; dir != "" {
		router.PathPrefix("/").Handler(http.FileServer(http.Dir(dir))).Methods("GET")
	}
	return router
}

// listenPort extracts the port of a listen address such as ":8080"
func listenPort(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i+1:]
	}
	return addr
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
