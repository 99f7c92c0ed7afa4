package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/burrow-labs/burrow/pkg/version"
)

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Full(),
	})
}
