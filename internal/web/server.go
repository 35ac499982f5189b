// Package web implements the HTTP server: the browser websocket, login and
// logout, JSON views of startup state and recent logs, health checks and the
// operator help pages.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"go.uber.org/atomic"

	"vehicles.ledger/vtrack/internal/docs"
	"vehicles.ledger/vtrack/internal/logger"
	"vehicles.ledger/vtrack/internal/session"
	"vehicles.ledger/vtrack/internal/types"
)

// Config holds the listener settings.
type Config struct {
	ListenAddr string
	Log        *slog.Logger

	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// Sessions logs browsers in and out.
type Sessions interface {
	Login(w http.ResponseWriter, username string) (*session.Session, error)
	Logout(w http.ResponseWriter, r *http.Request) error
}

// Startup exposes the startup pipeline's state.
type Startup interface {
	Snapshot() types.Outbound
	Ready() bool
}

// Deps are the components the routes serve.
type Deps struct {
	WS       http.Handler
	Sessions Sessions
	Startup  Startup
	Logs     *logger.Buffer
	Docs     *docs.Service
}

// Server is the web server.
type Server struct {
	cfg       *Config
	deps      Deps
	log       *slog.Logger
	templates *template.Template

	// cleared on shutdown so /readyz fails while connections drain
	isReady atomic.Bool

	srv *http.Server
}

// New creates a Server.
func New(cfg *Config, deps Deps) (*Server, error) {
	templates, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	srv := &Server{
		cfg:       cfg,
		deps:      deps,
		log:       cfg.Log,
		templates: templates,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     srv.Router(),
		ReadTimeout: cfg.ReadTimeout,
		// websocket writes carry their own deadlines
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

// Router returns the route table.
func (srv *Server) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Get("/ws", srv.deps.WS.ServeHTTP)

	mux.With(srv.httpLogger).Post("/login", srv.handleLogin)
	mux.With(srv.httpLogger).Post("/logout", srv.handleLogout)
	mux.With(srv.httpLogger).Get("/api/state", srv.handleState)
	mux.With(srv.httpLogger).Get("/api/logs", srv.handleLogs)
	mux.With(srv.httpLogger).Get("/help", srv.handleHelp)
	mux.With(srv.httpLogger).Get("/help/{doc}", srv.handleHelp)

	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type loginRequest struct {
	Username string `json:"username"`
}

// handleLogin accepts a JSON body or a form field named username.
func (srv *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		req.Username = r.FormValue("username")
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	if _, err := srv.deps.Sessions.Login(w, req.Username); err != nil {
		srv.log.Error("could not create session", "user", req.Username, "err", err)
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	srv.log.Info("user logged in", "user", req.Username)
	writeJSON(w, http.StatusOK, map[string]string{"username": req.Username})
}

func (srv *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := srv.deps.Sessions.Logout(w, r); err != nil {
		srv.log.Error("could not end session", "err", err)
		writeError(w, http.StatusInternalServerError, "could not end session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (srv *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.deps.Startup.Snapshot())
}

func (srv *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, srv.deps.Logs.Recent(limit))
}

func (srv *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	docList, err := srv.deps.Docs.List()
	if err != nil {
		srv.log.Warn("could not list help pages", "err", err)
	}

	data := HelpData{Version: types.Version, DocList: docList, CurrentDoc: chi.URLParam(r, "doc")}
	if data.CurrentDoc == "" && len(docList) > 0 {
		data.CurrentDoc = docList[0]
	}
	if data.CurrentDoc != "" {
		content, err := srv.deps.Docs.Get(r.Context(), data.CurrentDoc)
		switch {
		case errors.Is(err, docs.ErrNotFound):
			http.NotFound(w, r)
			return
		case err != nil:
			srv.log.Error("failed to load doc", "doc", data.CurrentDoc, "err", err)
			http.Error(w, "Failed to render page", http.StatusInternalServerError)
			return
		}
		data.DocContent = template.HTML(content)
	}

	var buf bytes.Buffer
	if err := srv.templates.Execute(&buf, data); err != nil {
		srv.log.Error("error executing help template", "err", err)
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadinessCheck fails until startup finishes and again once shutdown
// begins.
func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() || !srv.deps.Startup.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// RunInBackground starts listening.
func (srv *Server) RunInBackground() {
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (srv *Server) Shutdown() {
	srv.isReady.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}
}
