package actor

import (
	"net/http"

	"github.com/fxamacker/cbor/v2"
)

// Status is the orchestrator lifecycle state.
type Status int32

// Lifecycle states, in order.
const (
	StatusLoading Status = iota
	StatusReady
	StatusStarted
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusStarted:
		return "started"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason tells an instance why it is being torn down.
type StopReason string

// Stop reasons.
const (
	StopReasonSleep   StopReason = "sleep"
	StopReasonDestroy StopReason = "destroy"
)

// ScheduleEvent is a future (timestamp, action, args) tuple persisted with
// the actor. Args is a CBOR-encoded argument list.
type ScheduleEvent struct {
	EventID   string `cbor:"id" json:"eventId"`
	Timestamp int64  `cbor:"ts" json:"timestamp"` // epoch ms
	Action    string `cbor:"a" json:"action"`
	Args      []byte `cbor:"args,omitempty" json:"-"`
}

// Subscription is one persisted event subscription of a connection.
type Subscription struct {
	EventName string `cbor:"e" json:"eventName"`
}

// persistedActor is the actor blob at the PERSIST_DATA key.
//
// Connections is a legacy field: an earlier layout embedded all connection
// rows in the blob. Loaders still read it, but writes always use
// per-connection keys and clear it.
// Name and Key record the actor's identity so an alarm can wake it when no
// live instance holds the mapping.
type persistedActor struct {
	Name            string                   `cbor:"n,omitempty"`
	Key             []string                 `cbor:"k,omitempty"`
	Input           cbor.RawMessage          `cbor:"i,omitempty"`
	HasInitialized  bool                     `cbor:"hi"`
	State           cbor.RawMessage          `cbor:"s,omitempty"`
	ScheduledEvents []ScheduleEvent          `cbor:"se,omitempty"`
	Connections     map[string]persistedConn `cbor:"c,omitempty"`
}

// persistedConn is one connection row under the CONN_PREFIX namespace.
type persistedConn struct {
	ConnID                string          `cbor:"id"`
	Params                cbor.RawMessage `cbor:"p,omitempty"`
	State                 cbor.RawMessage `cbor:"s,omitempty"`
	Subscriptions         []Subscription  `cbor:"sub,omitempty"`
	LastSeen              int64           `cbor:"ls"` // epoch ms
	HibernatableRequestID []byte          `cbor:"hr,omitempty"`
}

// QueueMessage is one durable queue record. Body is CBOR-encoded.
type QueueMessage struct {
	ID           uint64 `cbor:"id" json:"id"`
	Name         string `cbor:"n" json:"name"`
	Body         []byte `cbor:"b" json:"-"`
	CreatedAt    int64  `cbor:"ca" json:"createdAt"`   // epoch ms
	FailureCount int    `cbor:"fc" json:"failureCount"`
	AvailableAt  int64  `cbor:"aa" json:"availableAt"` // epoch ms
	InFlight     bool   `cbor:"if" json:"inFlight"`
	InFlightAt   int64  `cbor:"ia,omitempty" json:"inFlightAt,omitempty"`
}

// DecodeBody decodes the message body into v.
func (m *QueueMessage) DecodeBody(v any) error {
	return cbor.Unmarshal(m.Body, v)
}

// queueMetadata is the single record at the QUEUE_METADATA key.
type queueMetadata struct {
	NextID uint64 `cbor:"n"`
	Size   int    `cbor:"s"`
}

// RawResponse is what an OnRequest hook returns for a raw HTTP request.
type RawResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// CompletionStatus is the terminal state of an enqueueAndWait waiter.
type CompletionStatus string

// Completion statuses.
const (
	CompletionCompleted CompletionStatus = "completed"
)

// Completion is delivered to an enqueueAndWait caller when its message is
// consumed. Response is nil when the message was drained without an explicit
// Complete call.
type Completion struct {
	Status   CompletionStatus
	Response any
}
