package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/burrow-labs/burrow/pkg/protocol"
)

// connectHandler handles GET /actors/:name/connect, the framed websocket
// protocol. Query parameters:
//
//	key       repeated actor key parts
//	encoding  "json" (default) or "cbor"
//	params    JSON-encoded connection parameters
//	requestId stable client token enabling hibernated reconnect
func (s *Server) connectHandler(c *echo.Context) error {
	encoding := c.QueryParam("encoding")
	if encoding == "" {
		encoding = protocol.EncodingJSON
	}
	codec, err := protocol.ForEncoding(encoding)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var params any
	if raw := c.QueryParam("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "params must be valid JSON")
		}
	}

	inst, err := s.resolveInstance(c)
	if err != nil {
		return err
	}

	ws, err := websocket.Accept(c.Response(), c.Request(), s.acceptOptions())
	if err != nil {
		return err
	}

	transport := newWSTransport(ws, encoding, c.QueryParam("requestId"), s.cfg.WSWriteTimeout)
	conn, err := inst.PrepareConn(c.Request().Context(), transport, params)
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "connection rejected")
		return mapActorError(err)
	}
	inst.ConnectConn(conn)

	// Read loop. Blocks until the websocket closes; a clean close removes
	// the connection, anything else leaves it hibernated.
	ctx := c.Request().Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			clean := false
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				clean = true
			}
			if errors.Is(err, ctx.Err()) {
				clean = false
			}
			inst.DisconnectConn(conn, clean, "websocket closed")
			return nil
		}

		msg, err := codec.DecodeToServer(data)
		if err != nil {
			s.log.Warn("Dropping malformed frame", "conn_id", conn.ID(), "error", err)
			continue
		}
		inst.ProcessMessage(ctx, msg, conn)
	}
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	if len(s.cfg.AllowedWSOrigins) > 0 {
		return &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedWSOrigins}
	}
	return &websocket.AcceptOptions{InsecureSkipVerify: true}
}
