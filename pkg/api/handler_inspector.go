package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// inspectHandler handles GET /actors/:name/inspect. Authenticated with the
// actor's persisted inspector token, presented as a bearer token.
func (s *Server) inspectHandler(c *echo.Context) error {
	inst, err := s.resolveInstance(c)
	if err != nil {
		return err
	}

	token, err := inst.InspectorToken(c.Request().Context())
	if err != nil {
		return mapActorError(err)
	}

	presented := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid inspector token")
	}

	return c.JSON(http.StatusOK, inst.Inspect())
}
