package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

type actionRequest struct {
	Args []any `json:"args"`
}

type actionResponse struct {
	Output any `json:"output"`
}

// actionHandler handles POST /actors/:name/actions/:action, a one-shot
// action call with no connection.
func (s *Server) actionHandler(c *echo.Context) error {
	action := c.Param("action")
	if action == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "action name is required")
	}

	var req actionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	inst, err := s.resolveInstance(c)
	if err != nil {
		return err
	}

	output, err := inst.ExecuteAction(c.Request().Context(), action, req.Args, nil)
	if err != nil {
		return mapActorError(err)
	}
	return c.JSON(http.StatusOK, actionResponse{Output: output})
}
