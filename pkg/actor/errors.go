package actor

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies a runtime error kind. Codes are stable: they cross the wire
// in error frames and clients match on them.
type Code string

// Runtime error codes.
const (
	CodeActorNotReady                 Code = "actor_not_ready"
	CodeActorStopping                 Code = "actor_stopping"
	CodeActorAborted                  Code = "actor_aborted"
	CodeActionNotFound                Code = "action_not_found"
	CodeActionTimedOut                Code = "action_timed_out"
	CodeStateNotEnabled               Code = "state_not_enabled"
	CodeVarsNotEnabled                Code = "vars_not_enabled"
	CodeDatabaseNotEnabled            Code = "database_not_enabled"
	CodeConnStateNotEnabled           Code = "conn_state_not_enabled"
	CodeInvalidStateType              Code = "invalid_state_type"
	CodeRequestHandlerNotDefined      Code = "request_handler_not_defined"
	CodeInvalidRequestHandlerResponse Code = "invalid_request_handler_response"
	CodeFetchHandlerNotDefined        Code = "fetch_handler_not_defined"
	CodeQueueFull                     Code = "queue_full"
	CodeQueueMessageInvalid           Code = "queue_message_invalid"
	CodeQueueMessageTooLarge          Code = "queue_message_too_large"
	CodeQueueMessagePending           Code = "queue_message_pending"
	CodeQueueAlreadyCompleted         Code = "queue_already_completed"
	CodeOutgoingMessageTooLong        Code = "outgoing_message_too_long"
	CodeForbidden                     Code = "forbidden"
	CodeInvalidCanInvokeResponse      Code = "invalid_can_invoke_response"
	CodeUnreachable                   Code = "unreachable"
	CodeInternal                      Code = "internal"
)

// Error is a runtime error with a stable code and optional metadata that is
// safe to expose to clients.
type Error struct {
	Code    Code
	Message string
	Meta    map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code, so callers can
// match with errors.Is against a bare code error.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// newError builds an *Error from a code, message and optional meta pairs.
func newError(code Code, message string, metaPairs ...any) *Error {
	e := &Error{Code: code, Message: message}
	if len(metaPairs) > 0 {
		e.Meta = make(map[string]any, len(metaPairs)/2)
		for i := 0; i+1 < len(metaPairs); i += 2 {
			key, _ := metaPairs[i].(string)
			e.Meta[key] = metaPairs[i+1]
		}
	}
	return e
}

// ErrActorNotReady reports that the instance has not reached Ready.
func ErrActorNotReady() error {
	return newError(CodeActorNotReady, "actor is not ready")
}

// ErrActorStopping reports that the instance is shutting down.
func ErrActorStopping() error {
	return newError(CodeActorStopping, "actor is stopping")
}

// ErrActorAborted reports that an in-flight wait was cancelled by actor stop.
func ErrActorAborted() error {
	return newError(CodeActorAborted, "actor aborted")
}

// ErrActionNotFound reports a dispatch to an unknown action name.
func ErrActionNotFound(name string) error {
	return newError(CodeActionNotFound, fmt.Sprintf("action %q not found", name), "name", name)
}

// ErrActionTimedOut reports that an action handler exceeded actionTimeout.
func ErrActionTimedOut(name string, timeout time.Duration) error {
	return newError(CodeActionTimedOut,
		fmt.Sprintf("action %q timed out after %s", name, timeout),
		"name", name, "timeout_ms", timeout.Milliseconds())
}

// ErrInvalidStateType reports a non-serializable value at path within the
// persisted state tree.
func ErrInvalidStateType(path string) error {
	return newError(CodeInvalidStateType,
		fmt.Sprintf("value at %q cannot be persisted", path), "path", path)
}

// ErrStateNotEnabled reports state access on a definition without state.
func ErrStateNotEnabled() error {
	return newError(CodeStateNotEnabled, "actor state is not enabled")
}

// ErrVarsNotEnabled reports vars access on a definition without createVars.
func ErrVarsNotEnabled() error {
	return newError(CodeVarsNotEnabled, "actor vars are not enabled")
}

// ErrDatabaseNotEnabled reports database access when the driver provides none.
func ErrDatabaseNotEnabled() error {
	return newError(CodeDatabaseNotEnabled, "database is not enabled")
}

// ErrConnStateNotEnabled reports connection-state access on a definition
// without connection state.
func ErrConnStateNotEnabled() error {
	return newError(CodeConnStateNotEnabled, "connection state is not enabled")
}

// ErrRequestHandlerNotDefined reports a raw HTTP request to an actor with no
// OnRequest hook.
func ErrRequestHandlerNotDefined() error {
	return newError(CodeRequestHandlerNotDefined, "actor does not define a request handler")
}

// ErrInvalidRequestHandlerResponse reports an OnRequest hook that returned
// nothing.
func ErrInvalidRequestHandlerResponse() error {
	return newError(CodeInvalidRequestHandlerResponse, "request handler returned no response")
}

// ErrFetchHandlerNotDefined reports a raw websocket to an actor with no
// OnWebSocket hook.
func ErrFetchHandlerNotDefined() error {
	return newError(CodeFetchHandlerNotDefined, "actor does not define a websocket handler")
}

// ErrQueueFull reports an enqueue beyond maxQueueSize.
func ErrQueueFull(size, limit int) error {
	return newError(CodeQueueFull,
		fmt.Sprintf("queue is full (%d/%d messages)", size, limit),
		"size", size, "limit", limit)
}

// ErrQueueMessageInvalid reports a non-serializable queue message body.
func ErrQueueMessageInvalid(path string) error {
	return newError(CodeQueueMessageInvalid,
		fmt.Sprintf("queue message body at %q cannot be persisted", path), "path", path)
}

// ErrQueueMessageTooLarge reports an encoded body over maxQueueMessageSize.
func ErrQueueMessageTooLarge(size, limit int) error {
	return newError(CodeQueueMessageTooLarge,
		fmt.Sprintf("queue message is %d bytes, limit is %d", size, limit),
		"size", size, "limit", limit)
}

// ErrQueueMessagePending reports a receive while another message is in flight.
func ErrQueueMessagePending(id uint64) error {
	return newError(CodeQueueMessagePending,
		fmt.Sprintf("message %d is already in flight", id), "id", id)
}

// ErrQueueAlreadyCompleted reports a complete for a message that is not the
// pending one.
func ErrQueueAlreadyCompleted(id uint64) error {
	return newError(CodeQueueAlreadyCompleted,
		fmt.Sprintf("message %d is not pending completion", id), "id", id)
}

// ErrOutgoingMessageTooLong reports an outgoing frame over the transport's
// declared size limit.
func ErrOutgoingMessageTooLong(size int) error {
	return newError(CodeOutgoingMessageTooLong,
		fmt.Sprintf("outgoing message of %d bytes exceeds transport limit", size),
		"size", size)
}

// ErrForbidden reports a rejected inspector or connect attempt.
func ErrForbidden(message string) error {
	if message == "" {
		message = "forbidden"
	}
	return newError(CodeForbidden, message)
}

// ErrInternal wraps an unexpected internal failure.
func ErrInternal(err error) error {
	return newError(CodeInternal, err.Error())
}

// HookTimeoutError reports that a lifecycle hook exceeded its configured
// deadline. It is deliberately a distinct type from *Error: a deadline is a
// runtime condition, not a user error, and callers tell them apart.
type HookTimeoutError struct {
	Hook    string
	Timeout time.Duration
}

func (e *HookTimeoutError) Error() string {
	return fmt.Sprintf("hook %s exceeded its %s deadline", e.Hook, e.Timeout)
}

// IsHookTimeout reports whether err is a hook deadline error.
func IsHookTimeout(err error) bool {
	var te *HookTimeoutError
	return errors.As(err, &te)
}
