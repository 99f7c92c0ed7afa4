// Package protocol defines the framed messages exchanged with framed-protocol
// connections and the codecs (CBOR and JSON) that carry them.
package protocol

// Encoding names for a framed connection.
const (
	EncodingCBOR = "cbor"
	EncodingJSON = "json"
)

// ToServer is the envelope of a client→server frame. Exactly one field is
// set.
type ToServer struct {
	ActionRequest       *ActionRequest       `cbor:"ar,omitempty" json:"actionRequest,omitempty"`
	SubscriptionRequest *SubscriptionRequest `cbor:"sr,omitempty" json:"subscriptionRequest,omitempty"`
}

// ActionRequest invokes a named action. ID correlates the response frame.
type ActionRequest struct {
	ID   int64  `cbor:"i" json:"id"`
	Name string `cbor:"n" json:"name"`
	Args []any  `cbor:"a,omitempty" json:"args,omitempty"`
}

// SubscriptionRequest subscribes or unsubscribes the connection from an
// event name.
type SubscriptionRequest struct {
	EventName string `cbor:"e" json:"eventName"`
	Subscribe bool   `cbor:"s" json:"subscribe"`
}

// ToClient is the envelope of a server→client frame. Exactly one field is
// set.
type ToClient struct {
	Init           *Init           `cbor:"in,omitempty" json:"init,omitempty"`
	ActionResponse *ActionResponse `cbor:"ar,omitempty" json:"actionResponse,omitempty"`
	Event          *Event          `cbor:"ev,omitempty" json:"event,omitempty"`
	Error          *ErrorFrame     `cbor:"er,omitempty" json:"error,omitempty"`
}

// Init is the first frame sent on every framed connection.
type Init struct {
	ActorID      string `cbor:"a" json:"actorId"`
	ConnectionID string `cbor:"c" json:"connectionId"`
}

// ActionResponse carries the output of a successful action invocation.
type ActionResponse struct {
	ID     int64 `cbor:"i" json:"id"`
	Output any   `cbor:"o,omitempty" json:"output,omitempty"`
}

// Event is a broadcast delivery to a subscribed connection.
type Event struct {
	Name string `cbor:"n" json:"name"`
	Args []any  `cbor:"a,omitempty" json:"args,omitempty"`
}

// ErrorFrame is a distinguished error payload. ActionID is set when the
// error belongs to a specific action request.
type ErrorFrame struct {
	Code     string         `cbor:"c" json:"code"`
	Message  string         `cbor:"m" json:"message"`
	Meta     map[string]any `cbor:"md,omitempty" json:"metadata,omitempty"`
	ActionID *int64         `cbor:"i,omitempty" json:"actionId,omitempty"`
}
