// Package api is the HTTP control surface of botkeeper. Every command answers
// with a JSON object carrying a "status" of success, error or warning.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/botkeeper"
)

// DefaultGoroutineThreshold fails the liveness check above this many goroutines.
const DefaultGoroutineThreshold = 10000

// Controller is the part of the manager the control surface drives.
type Controller interface {
	Execute(ctx context.Context, cmd botkeeper.Command) botkeeper.Result
	Ready() error
}

// Server routes HTTP requests to manager commands.
type Server struct {
	ctl      Controller
	logger   botkeeper.Logger
	webLog   botkeeper.Logger
	log      *RuntimeLog
	registry *prometheus.Registry
	shutdown func()
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger command outcomes are written to.
func WithLogger(l botkeeper.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAccessLogger sets the logger for per-request access lines.
func WithAccessLogger(l botkeeper.Logger) Option {
	return func(s *Server) { s.webLog = l }
}

// WithRuntimeLog shares a RuntimeLog.
func WithRuntimeLog(l *RuntimeLog) Option {
	return func(s *Server) { s.log = l }
}

// WithRegistry exposes reg on /metrics and records health check results in it.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithShutdown sets what GET /shutdown calls once every application is destroyed.
func WithShutdown(fn func()) Option {
	return func(s *Server) { s.shutdown = fn }
}

// New builds the server and its routes.
func New(ctl Controller, opts ...Option) *Server {
	s := &Server{ctl: ctl, logger: nopLogger{}, webLog: nopLogger{}, shutdown: func() {}}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = NewRuntimeLog(DefaultRuntimeLogSize)
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// RuntimeLog returns the command log served on /logs.
func (s *Server) RuntimeLog() *RuntimeLog { return s.log }

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog(s.webLog))

	r.Get("/list", s.listApps)
	r.Get("/app/{id}", s.getApp)
	r.Patch("/app/{id}/edit", s.editApp)
	r.Post("/start_app/{id}", s.perID("start_app", botkeeper.CommandStart))
	r.Post("/stop_app/{id}", s.perID("stop_app", botkeeper.CommandStop))
	r.Post("/restart_app/{id}", s.perID("restart_app", botkeeper.CommandRestart))
	r.Post("/reload_app/{id}", s.perID("reload_app", botkeeper.CommandReload))
	r.Get("/start_all", s.batch("start_all", botkeeper.CommandStartAll))
	r.Get("/stop_all", s.batch("stop_all", botkeeper.CommandStopAll))
	r.Get("/reload_config", s.batch("reload_config", botkeeper.CommandReloadAll))
	r.Get("/logs", s.listLogs)
	r.Get("/shutdown", s.shutdownServer)

	health := s.healthHandler()
	r.Get("/live", health.LiveEndpoint)
	r.Get("/ready", health.ReadyEndpoint)
	r.Get("/stats", s.stats)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	}
	s.router = r
}

func (s *Server) healthHandler() healthcheck.Handler {
	var h healthcheck.Handler
	if s.registry != nil {
		h = healthcheck.NewMetricsHandler(s.registry, "botkeeper")
	} else {
		h = healthcheck.NewHandler()
	}
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(DefaultGoroutineThreshold))
	h.AddReadinessCheck("manager", s.ctl.Ready)
	return h
}

// response is the JSON body of every command.
type response map[string]any

func (s *Server) run(r *http.Request, cmd botkeeper.Command) botkeeper.Result {
	return s.ctl.Execute(r.Context(), cmd)
}

// record adds a command to the runtime log. Successful polling commands are
// not recorded.
func (s *Server) record(text string, status botkeeper.Status, pollOnly bool) {
	if status == botkeeper.StatusSuccess && pollOnly {
		return
	}
	if status == botkeeper.StatusError {
		s.logger.Warn(text)
	} else {
		s.logger.Info(text)
	}
	s.log.Add(text, string(status))
}

func (s *Server) listApps(w http.ResponseWriter, r *http.Request) {
	res := s.run(r, botkeeper.Command{Name: botkeeper.CommandList})
	s.record(entryText("list_applications"), res.Status, true)
	if res.Status != botkeeper.StatusSuccess {
		writeJSON(w, http.StatusOK, errorBody(res))
		return
	}
	writeJSON(w, http.StatusOK, response{"status": res.Status, "applications": res.Data})
}

func (s *Server) getApp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res := s.run(r, botkeeper.Command{Name: botkeeper.CommandGet, ID: id})
	s.record(entryText("get_app", arg{"app_id", id}), res.Status, true)
	if res.Status != botkeeper.StatusSuccess {
		writeJSON(w, http.StatusOK, errorBody(res))
		return
	}
	writeJSON(w, http.StatusOK, response{"status": res.Status, "data": res.Data})
}

// editRequest is the body of PATCH /app/{id}/edit.
type editRequest struct {
	NewConfig map[string]any `json:"new_config"`
}

func (s *Server) editApp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.record(entryText("edit_config", arg{"app_id", id}, arg{"error", err}), botkeeper.StatusError, false)
		writeJSON(w, http.StatusBadRequest, response{"status": botkeeper.StatusError, "message": "invalid request body: " + err.Error()})
		return
	}

	res := s.run(r, botkeeper.Command{Name: botkeeper.CommandEdit, ID: id, Arguments: req.NewConfig})
	s.record(entryText("edit_config", arg{"app_id", id}, arg{"data", compact(req.NewConfig)}), res.Status, false)
	if res.Status != botkeeper.StatusSuccess {
		writeJSON(w, http.StatusOK, errorBody(res))
		return
	}
	writeJSON(w, http.StatusOK, response{"status": res.Status, "data": res.Data})
}

func (s *Server) perID(name string, cmd botkeeper.CommandName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res := s.run(r, botkeeper.Command{Name: cmd, ID: id})
		s.record(entryText(name, arg{"app_id", id}), res.Status, false)
		writeJSON(w, http.StatusOK, response{"status": res.Status, "message": res.Message})
	}
}

func (s *Server) batch(name string, cmd botkeeper.CommandName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := s.run(r, botkeeper.Command{Name: cmd})
		s.record(entryText(name), res.Status, false)
		body := response{"status": res.Status}
		if res.Message != "" {
			body["message"] = res.Message
		}
		if data, ok := res.Data.(botkeeper.BatchData); ok && len(data.Failed) > 0 {
			body["failed"] = data.Failed
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.record(entryText("list_logs", arg{"since", raw}), botkeeper.StatusError, true)
			writeJSON(w, http.StatusBadRequest, response{"status": botkeeper.StatusError, "message": "since must be a unix timestamp"})
			return
		}
		since = v
	}
	writeJSON(w, http.StatusOK, response{"status": botkeeper.StatusSuccess, "logs": s.log.Since(since)})
}

func (s *Server) shutdownServer(w http.ResponseWriter, r *http.Request) {
	res := s.run(r, botkeeper.Command{Name: botkeeper.CommandDestroyAll})
	s.record(entryText("shutdown_server"), res.Status, false)
	writeJSON(w, http.StatusOK, response{"status": res.Status, "message": res.Message})
	s.shutdown()
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := collectStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{"status": botkeeper.StatusError, "message": err.Error()})
		return
	}
	st.Goroutines = runtime.NumGoroutine()
	writeJSON(w, http.StatusOK, response{"status": botkeeper.StatusSuccess, "data": st})
}

func errorBody(res botkeeper.Result) response {
	return response{"status": res.Status, "message": res.Message}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(body)
}

func compact(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "?"
	}
	return string(raw)
}

// accessLog logs one line per request. Polling endpoints are skipped.
func accessLog(l botkeeper.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if quiet(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			l.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
}

func quiet(path string) bool {
	return path == "/list" || path == "/logs" || path == "/live" || path == "/ready" || path == "/metrics"
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
