// Package api is the host HTTP surface: framed websocket connections, HTTP
// action calls, raw request/websocket passthrough, health, and the actor
// inspector.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/burrow-labs/burrow/pkg/actor"
	"github.com/burrow-labs/burrow/pkg/config"
)

// Server routes HTTP traffic to actors through the registry.
type Server struct {
	cfg      *config.ServerConfig
	registry *actor.Registry
	log      *slog.Logger

	echo *echo.Echo
	http *http.Server
}

// NewServer builds the server and registers all routes.
func NewServer(cfg *config.ServerConfig, registry *actor.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		log:      slog.With("component", "api"),
		echo:     echo.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/health", s.healthHandler)

	actors := e.Group("/actors/:name")
	actors.GET("/connect", s.connectHandler)
	actors.POST("/actions/:action", s.actionHandler)
	actors.Any("/raw", s.rawHandler)
	actors.Any("/raw/*", s.rawHandler)

	if s.cfg.InspectorEnabled {
		actors.GET("/inspect", s.inspectHandler)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown. Blocking.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// resolveInstance wakes (or finds) the actor addressed by the request. The
// actor key arrives as repeated "key" query parameters.
func (s *Server) resolveInstance(c *echo.Context) (*actor.Instance, error) {
	name := c.Param("name")
	if name == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "actor name is required")
	}
	key := c.QueryParams()["key"]

	inst, err := s.registry.GetOrStart(c.Request().Context(), name, key)
	if err != nil {
		return nil, mapActorError(err)
	}
	return inst, nil
}
