package api

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// rawHandler handles /actors/:name/raw and everything below it, passing the
// request to the actor's OnRequest hook, or OnWebSocket when the client
// asks for an upgrade.
func (s *Server) rawHandler(c *echo.Context) error {
	inst, err := s.resolveInstance(c)
	if err != nil {
		return err
	}

	if isWebSocketUpgrade(c.Request()) {
		ws, err := websocket.Accept(c.Response(), c.Request(), s.acceptOptions())
		if err != nil {
			return err
		}
		conn, err := inst.PrepareConn(c.Request().Context(), &rawWSTransport{ws: ws}, nil)
		if err != nil {
			_ = ws.Close(websocket.StatusPolicyViolation, "connection rejected")
			return mapActorError(err)
		}
		inst.ConnectConn(conn)

		hookErr := inst.HandleRawWebSocket(conn, ws, c.Request())
		inst.DisconnectConn(conn, true, "raw websocket done")
		if hookErr != nil {
			return mapActorError(hookErr)
		}
		return nil
	}

	resp, err := inst.HandleRawRequest(c.Request().Context(), nil, c.Request())
	if err != nil {
		return mapActorError(err)
	}

	header := c.Response().Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	return c.Blob(status, header.Get("Content-Type"), resp.Body)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
