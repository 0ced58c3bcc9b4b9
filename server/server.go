// Package server binds incoming websocket connections to the auth state
// machine and the command dispatcher.
package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/questgate/questgate/automation"
	"github.com/questgate/questgate/courses"
	"github.com/questgate/questgate/internal/config"
	"github.com/questgate/questgate/sessions"
)

type Server struct {
	env      string
	mux      *http.ServeMux
	routes   []string
	config   config.Config
	store    *sessions.Store
	adapters automation.Factory
	courses  courses.Repo
	upgrader websocket.Upgrader
}

func New(cfg config.Config, store *sessions.Store, adapters automation.Factory, courseRepo courses.Repo) *Server {
	s := &Server{
		env:      cfg.GetEnv(),
		mux:      http.NewServeMux(),
		config:   cfg,
		store:    store,
		adapters: adapters,
		courses:  courseRepo,
		upgrader: websocket.Upgrader{
			// Clients are native apps and CLI tools, not browsers; the
			// Origin header carries no trust signal here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.initRoutes()
	s.logRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) initRoutes() {
	s.RegisterRouteFunc("GET /login", s.LoginHandler)
	s.RegisterRouteFunc("GET /reconnect", s.ReconnectHandler)
	s.RegisterRouteFunc("GET /healthz", s.HealthHandler)
	s.RegisterRouteHandler("GET /metrics", promhttp.Handler())
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			log.Info().Str("method", parts[0]).Str("path", parts[1]).Msg("route")
		} else {
			log.Info().Str("path", parts[0]).Msg("route")
		}
	}
}
