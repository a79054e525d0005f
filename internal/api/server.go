package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"sleepwake/internal/config"
	"sleepwake/internal/metrics"
	"sleepwake/internal/scheduler"
	"sleepwake/internal/sleepwake"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server provides the HTTP API for the sleep/wake service
type Server struct {
	service *sleepwake.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
	hub     *Hub
	router  chi.Router
	server  *http.Server

	mu     sync.Mutex
	sub    sleepwake.Subscription
	cancel context.CancelFunc
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewServer creates a new API server
func NewServer(service *sleepwake.Service, m *metrics.Metrics, logger *zap.Logger, port int) *Server {
	s := &Server{
		service: service,
		metrics: m,
		logger:  logger.Named("api"),
		hub:     NewHub(logger),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", m.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleSaveSettings)
		r.Post("/settings", s.handleSaveSettings)
		r.Get("/status", s.handleStatus)
		r.Post("/events/{name}/fire", s.handleFire)
		r.Get("/ws", s.handleWebsocket)
	})
	s.router = r

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLogger logs each request at debug level
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// ErrorResponse is the body of every 4xx/5xx JSON response
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleGetSettings returns the current settings in the UI projection
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Store().Snapshot())
}

// handleSaveSettings merges a partial update into the settings
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var patch config.Patch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		s.metrics.SettingsSave.WithLabelValues("invalid").Inc()
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	updated, err := s.service.Store().Save(patch)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			s.metrics.SettingsSave.WithLabelValues("invalid").Inc()
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Error(), Fields: verr.Fields})
			return
		}
		s.metrics.SettingsSave.WithLabelValues("error").Inc()
		s.logger.Error("Failed to save settings", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to save settings"})
		return
	}

	s.metrics.SettingsSave.WithLabelValues("ok").Inc()
	s.writeJSON(w, http.StatusOK, updated)
}

// handleStatus returns the coordinator snapshot and next fire times
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Status())
}

// handleFire triggers an event now
func (s *Server) handleFire(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.service.Fire(name); err != nil {
		if errors.Is(err, scheduler.ErrUnknownEvent) {
			s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	s.logger.Info("Event fired from API", zap.String("event", name))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"fired": name})
}

// handleWebsocket upgrades the connection, sends state_init and then streams
// coordinator events
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	initMsg, err := encodeEnvelope("state_init", time.Now(), s.service.Status())
	if err != nil {
		s.logger.Error("Failed to encode state_init", zap.Error(err))
		conn.Close()
		return
	}

	// state_init is queued before the client can receive broadcasts
	c := newClient(s.hub, conn, r.RemoteAddr)
	c.send <- initMsg
	s.hub.add(c)

	// pumps outlive the request context
	go c.writePump()
	go c.readPump()
}

// broadcastEvent is the coordinator listener feeding the hub
func (s *Server) broadcastEvent(ev sleepwake.Event) {
	msg, ok := encodeEvent(ev)
	if !ok {
		return
	}
	s.hub.Broadcast(msg)
}

// startEvents runs the hub and subscribes it to the coordinator
func (s *Server) startEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(ctx)
	s.sub = s.service.Coordinator().Subscribe(s.broadcastEvent)
}

func (s *Server) stopEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.sub.Unsubscribe()
	s.cancel()
	s.cancel = nil
	s.sub = nil
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
	{Path: "/api/settings", Method: "GET", Description: "Current sleep and wake settings"},
	{Path: "/api/settings", Method: "PUT/POST", Description: "Save a partial settings update; 400 lists invalid fields"},
	{Path: "/api/status", Method: "GET", Description: "Coordinator state, active ramp and next fire times"},
	{Path: "/api/events/{name}/fire", Method: "POST", Description: "Fire the sleep or wake event now"},
	{Path: "/api/ws", Method: "GET", Description: "WebSocket stream of state_init, state_changed and ramp events"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// prefersHTML reports whether the Accept header asks for a browser page
func prefersHTML(accept string) bool {
	for _, part := range []string{"text/html", "*/*"} {
		if strings.HasPrefix(accept, part) {
			return true
		}
	}
	return false
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	preferHTML := prefersHTML(r.Header.Get("Accept"))

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	// 404 for automation compatibility, with a helpful body
	w.WriteHeader(http.StatusNotFound)

	if preferHTML {
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Sleep/Wake API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        h2 { color: #569cd6; margin-top: 30px; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
        a { color: #569cd6; text-decoration: none; }
        a:hover { text-decoration: underline; }
    </style>
</head>
<body>
    <h1>Sleep/Wake API</h1>
    <p>Schedules the nightly fade-out and the morning wake-up ramp.</p>
    <h2>Available Endpoints</h2>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, `    <h2>Examples</h2>
    <div class="endpoint">
        <div>Current status:</div>
        <div class="description">curl <a href="/api/status">http://localhost:8081/api/status</a></div>
    </div>
    <div class="endpoint">
        <div>Move bedtime:</div>
        <div class="description">curl -X PUT -d '{"sleepTime":"23:00"}' http://localhost:8081/api/settings</div>
    </div>
</body>
</html>
`)
	} else {
		fmt.Fprintf(w, "Sleep/Wake API\n")
		fmt.Fprintf(w, "==============\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-10s %-26s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExamples:\n\n")
		fmt.Fprintf(w, "  Current status:\n")
		fmt.Fprintf(w, "    curl http://localhost:8081/api/status | jq\n\n")
		fmt.Fprintf(w, "  Move bedtime:\n")
		fmt.Fprintf(w, "    curl -X PUT -d '{\"sleepTime\":\"23:00\"}' http://localhost:8081/api/settings\n\n")
		fmt.Fprintf(w, "  Sleep now:\n")
		fmt.Fprintf(w, "    curl -X POST http://localhost:8081/api/events/sleep/fire\n\n")
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))
	s.startEvents()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and disconnects websocket clients
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")
	s.stopEvents()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
