package actor

import (
	"context"
	"database/sql"
	"time"

	"github.com/burrow-labs/burrow/pkg/kv"
)

// Driver is the storage and host-callback contract the runtime consumes.
// Implementations must guarantee sequential consistency for operations on the
// same actor ID; operations on different actors may interleave freely.
type Driver interface {
	// KVBatchGet returns one value per key, nil for missing keys.
	KVBatchGet(ctx context.Context, actorID string, keys [][]byte) ([][]byte, error)
	// KVBatchPut writes all entries atomically.
	KVBatchPut(ctx context.Context, actorID string, entries []kv.Entry) error
	// KVBatchDelete deletes all keys atomically; missing keys are ignored.
	KVBatchDelete(ctx context.Context, actorID string, keys [][]byte) error
	// KVListPrefix returns all entries whose key starts with prefix, in key
	// order.
	KVListPrefix(ctx context.Context, actorID string, prefix []byte) ([]kv.Entry, error)

	// SetAlarm replaces the actor's pending alarm, if any, with one at the
	// given time. The driver later delivers the alarm by calling
	// Registry.OnAlarm for the actor.
	SetAlarm(ctx context.Context, actorID string, at time.Time) error

	// StartDestroy tears the actor down after an orderly stop and deletes its
	// namespace.
	StartDestroy(ctx context.Context, actorID string) error
}

// Notifier receives driver-originated callbacks: alarm delivery and stop
// requests. *Registry implements it; drivers are handed one after
// construction via their SetNotifier.
type Notifier interface {
	OnAlarm(ctx context.Context, actorID string) error
	RequestStop(ctx context.Context, actorID string, reason StopReason) error
}

// SleepCapableDriver is implemented by drivers that can hibernate actors.
// A driver without it disables the sleep arbiter entirely.
type SleepCapableDriver interface {
	// StartSleep asks the host to begin an orderly sleep teardown. The host
	// follows up by calling Instance.OnStop with StopReasonSleep.
	StartSleep(ctx context.Context, actorID string) error
}

// DatabaseDriver is implemented by drivers that expose a per-actor SQL
// database handle to user code.
type DatabaseDriver interface {
	Database(actorID string) (*sql.DB, error)
}

// StartHookDriver lets a driver observe (and veto) the Ready→Started
// transition.
type StartHookDriver interface {
	OnBeforeActorStart(ctx context.Context, actorID string) error
}

// ConnHookDriver lets a driver observe connection lifecycle and persistence.
// All hooks are best-effort: errors are logged, never propagated.
type ConnHookDriver interface {
	OnCreateConn(actorID, connID string)
	OnDestroyConn(actorID, connID string)
	OnBeforePersistConn(actorID, connID string)
	OnAfterPersistConn(actorID, connID string)
}

// ConnTransport is the narrow capability a live connection holds over its
// network driver. pkg/api implements it for websockets and HTTP streams;
// tests implement it in-process.
type ConnTransport interface {
	// Encoding names the framed codec ("cbor" or "json"), or "" for raw
	// connections that do not speak the framed protocol.
	Encoding() string
	// Send writes one already-encoded frame.
	Send(msg []byte) error
	// Disconnect closes the transport with a human-readable reason.
	Disconnect(reason string) error
}

// HibernatableTransport is implemented by transports that survive unclean
// disconnects. RequestID identifies the underlying host request so a
// reconnecting client can be matched back to its connection. Only websocket
// transports hibernate.
type HibernatableTransport interface {
	ConnTransport
	RequestID() []byte
}

// SizeLimitedTransport is implemented by transports with a hard outgoing
// frame size limit. Sends over the limit fail with OutgoingMessageTooLong,
// which is propagated to broadcast callers rather than swallowed.
type SizeLimitedTransport interface {
	ConnTransport
	MaxMessageSize() int
}
