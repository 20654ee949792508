package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clawsuite/clawsuite/internal/middleware"
	"github.com/clawsuite/clawsuite/internal/store"
	"github.com/clawsuite/clawsuite/internal/ws"
)

var startTime = time.Now()

type HealthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// RouterDeps carries the wired services. DB may be nil in gateway-only
// deployments; the auth, stream, and ws routes then answer 503/401 instead
// of panicking.
type RouterDeps struct {
	DB  *sql.DB
	Hub *ws.Hub
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Metrics)

	r.Get("/health", handleHealth)
	r.Get("/", handleRoot)
	r.Handle("/metrics", promhttp.Handler())

	var sessions *store.SessionStore
	if deps.DB != nil {
		sessions = store.NewSessionStore(deps.DB)

		auth := NewAuthHandler(deps.DB)
		r.Post("/api/auth/login", auth.HandleLogin)
		r.HandleFunc("/api/auth/exchange", auth.HandleExchange)
		r.Post("/api/auth/logout", auth.HandleLogout)
	}

	stream := &StreamHandler{}
	wsHandler := &ws.Handler{Hub: deps.Hub}
	if sessions != nil {
		stream.Sessions = sessions
		wsHandler.Sessions = sessions
	}
	r.Post("/api/stream", stream.ServeHTTP)
	r.Handle("/ws", wsHandler)

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Version:   getVersion(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	sendJSON(w, http.StatusOK, resp)
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"name":    "ClawSuite Relay",
		"stream":  "/api/stream",
		"health":  "/health",
		"metrics": "/metrics",
	})
}

func getVersion() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}
