package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/burrow-labs/burrow/pkg/actor"
)

// mapActorError maps runtime errors to HTTP error responses. Runtime error
// codes travel to the client in the response message so framed and raw
// surfaces agree.
func mapActorError(err error) *echo.HTTPError {
	var actorErr *actor.Error
	if !errors.As(err, &actorErr) {
		slog.Error("Unexpected runtime error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	switch actorErr.Code {
	case actor.CodeActionNotFound,
		actor.CodeRequestHandlerNotDefined,
		actor.CodeFetchHandlerNotDefined:
		return echo.NewHTTPError(http.StatusNotFound, actorErr.Error())
	case actor.CodeActorNotReady, actor.CodeActorStopping, actor.CodeActorAborted:
		return echo.NewHTTPError(http.StatusServiceUnavailable, actorErr.Error())
	case actor.CodeActionTimedOut:
		return echo.NewHTTPError(http.StatusGatewayTimeout, actorErr.Error())
	case actor.CodeQueueFull:
		return echo.NewHTTPError(http.StatusTooManyRequests, actorErr.Error())
	case actor.CodeQueueMessageTooLarge, actor.CodeOutgoingMessageTooLong:
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, actorErr.Error())
	case actor.CodeForbidden:
		return echo.NewHTTPError(http.StatusForbidden, actorErr.Error())
	case actor.CodeInvalidStateType, actor.CodeQueueMessageInvalid,
		actor.CodeQueueMessagePending, actor.CodeQueueAlreadyCompleted:
		return echo.NewHTTPError(http.StatusBadRequest, actorErr.Error())
	case actor.CodeInternal:
		slog.Error("Actor internal error", "error", actorErr)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, actorErr.Error())
	}
}
