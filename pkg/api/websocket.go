package api

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/burrow-labs/burrow/pkg/actor"
	"github.com/burrow-labs/burrow/pkg/protocol"
)

// maxOutgoingFrame is the hard limit on one outgoing websocket frame.
const maxOutgoingFrame = 1 << 20 // 1 MiB

// wsTransport adapts a coder/websocket connection to the runtime's transport
// contract. Framed websockets are hibernatable: the client presents a stable
// request ID on reconnect and is matched back to its retained connection.
type wsTransport struct {
	ws           *websocket.Conn
	encoding     string
	requestID    []byte
	writeTimeout time.Duration
}

func newWSTransport(ws *websocket.Conn, encoding, requestID string, writeTimeout time.Duration) *wsTransport {
	t := &wsTransport{
		ws:           ws,
		encoding:     encoding,
		writeTimeout: writeTimeout,
	}
	if requestID != "" {
		t.requestID = []byte(requestID)
	}
	return t
}

func (t *wsTransport) Encoding() string { return t.encoding }

func (t *wsTransport) Send(msg []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
	defer cancel()

	typ := websocket.MessageBinary
	if t.encoding == protocol.EncodingJSON {
		typ = websocket.MessageText
	}
	return t.ws.Write(ctx, typ, msg)
}

func (t *wsTransport) Disconnect(reason string) error {
	return t.ws.Close(websocket.StatusNormalClosure, reason)
}

func (t *wsTransport) RequestID() []byte { return t.requestID }

func (t *wsTransport) MaxMessageSize() int { return maxOutgoingFrame }

var (
	_ actor.ConnTransport         = (*wsTransport)(nil)
	_ actor.HibernatableTransport = (*wsTransport)(nil)
	_ actor.SizeLimitedTransport  = (*wsTransport)(nil)
)

// rawWSTransport backs connections owned by an OnWebSocket hook. It speaks
// no framed protocol and never hibernates.
type rawWSTransport struct {
	ws *websocket.Conn
}

func (t *rawWSTransport) Encoding() string { return "" }

func (t *rawWSTransport) Send(msg []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return t.ws.Write(ctx, websocket.MessageBinary, msg)
}

func (t *rawWSTransport) Disconnect(reason string) error {
	return t.ws.Close(websocket.StatusNormalClosure, reason)
}
