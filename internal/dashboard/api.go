package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/steveyegge/fieldsync/internal/orchestrator"
	"github.com/steveyegge/fieldsync/internal/telemetry"
)

// Default and maximum page sizes for /logs.
const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// Handler returns the HTTP routes:
//
//	GET /            index page
//	GET /health      liveness and client count
//	GET /ws          WebSocket telemetry stream
//	GET /logs        recent log entries (?limit=&level=)
//	GET /summary     performance summary
//	GET /export      log export (?level=&format=json|yaml)
//	GET /status      sync type states
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/logs", s.handleLogs)
	r.Get("/summary", s.handleSummary)
	r.Get("/export", s.handleExport)
	r.Get("/status", s.handleStatus)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func levelParam(r *http.Request) (telemetry.Level, error) {
	raw := r.URL.Query().Get("level")
	if raw == "" {
		return telemetry.LevelDebug, nil
	}
	return telemetry.ParseLevel(raw)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = min(n, maxLogLimit)
	}

	entries := s.telemetry.RecentLogs(limit, level)
	if entries == nil {
		entries = []telemetry.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.telemetry.PerformanceSummary())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = telemetry.FormatJSON
	}

	data, err := s.telemetry.ExportLogs(level, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	contentType := "application/json"
	if format == telemetry.FormatYAML {
		contentType = "application/yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="fieldsync-logs.%s"`, format))
	_, _ = w.Write(data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := []orchestrator.Status{}
	if s.status != nil {
		status = s.status()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>fieldsync dashboard</title>
</head>
<body>
    <h1>fieldsync</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <ul>
        <li><a href="/summary">/summary</a></li>
        <li><a href="/status">/status</a></li>
        <li><a href="/logs?level=info">/logs</a></li>
        <li><a href="/export?format=yaml">/export</a></li>
        <li><a href="/health">/health</a></li>
    </ul>
</body>
</html>`, r.Host)
}
