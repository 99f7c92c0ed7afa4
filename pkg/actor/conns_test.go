package actor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrow-labs/burrow/pkg/protocol"
)

func connect(t *testing.T, inst *Instance, transport ConnTransport) *Conn {
	t.Helper()
	conn, err := inst.PrepareConn(context.Background(), transport, nil)
	require.NoError(t, err)
	inst.ConnectConn(conn)
	return conn
}

func TestConnectSendsInitFrame(t *testing.T) {
	inst := startInstance(t, counterDef("c-init"), nil, nil)
	transport := newTestTransport()
	conn := connect(t, inst, transport)

	require.GreaterOrEqual(t, transport.frameCount(), 1)
	frame := transport.frame(0)
	require.NotNil(t, frame.Init)
	assert.Equal(t, inst.id, frame.Init.ActorID)
	assert.Equal(t, conn.ID(), frame.Init.ConnectionID)
}

func TestActionOverConnection(t *testing.T) {
	inst := startInstance(t, counterDef("c-action"), nil, nil)
	transport := newTestTransport()
	conn := connect(t, inst, transport)

	id := int64(7)
	inst.ProcessMessage(context.Background(), &protocol.ToServer{
		ActionRequest: &protocol.ActionRequest{ID: id, Name: "increment"},
	}, conn)

	waitFor(t, time.Second, func() bool {
		return transport.frameCount() >= 2
	}, "expected an action response frame")
	frame := transport.lastFrame()
	require.NotNil(t, frame.ActionResponse)
	assert.Equal(t, id, frame.ActionResponse.ID)
}

func TestUnknownActionSendsErrorFrame(t *testing.T) {
	inst := startInstance(t, counterDef("c-unknown"), nil, nil)
	transport := newTestTransport()
	conn := connect(t, inst, transport)

	inst.ProcessMessage(context.Background(), &protocol.ToServer{
		ActionRequest: &protocol.ActionRequest{ID: 1, Name: "nope"},
	}, conn)

	waitFor(t, time.Second, func() bool {
		return transport.frameCount() >= 2
	}, "expected an error frame")
	frame := transport.lastFrame()
	require.NotNil(t, frame.Error)
	assert.Equal(t, string(CodeActionNotFound), frame.Error.Code)
	require.NotNil(t, frame.Error.ActionID)
	assert.Equal(t, int64(1), *frame.Error.ActionID)
}

func TestSubscribeAndBroadcast(t *testing.T) {
	inst := startInstance(t, counterDef("c-events"), nil, nil)
	subscribed := newTestTransport()
	other := newTestTransport()
	conn := connect(t, inst, subscribed)
	connect(t, inst, other)

	inst.ProcessMessage(context.Background(), &protocol.ToServer{
		SubscriptionRequest: &protocol.SubscriptionRequest{EventName: "count", Subscribe: true},
	}, conn)

	require.NoError(t, inst.Broadcast("count", float64(1)))

	waitFor(t, time.Second, func() bool {
		return subscribed.frameCount() >= 2
	}, "expected the event frame on the subscriber")
	frame := subscribed.lastFrame()
	require.NotNil(t, frame.Event)
	assert.Equal(t, "count", frame.Event.Name)

	// The unsubscribed connection only ever saw its init frame.
	assert.Equal(t, 1, other.frameCount())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	inst := startInstance(t, counterDef("c-unsub"), nil, nil)
	transport := newTestTransport()
	conn := connect(t, inst, transport)

	inst.ProcessMessage(context.Background(), &protocol.ToServer{
		SubscriptionRequest: &protocol.SubscriptionRequest{EventName: "tick", Subscribe: true},
	}, conn)
	inst.ProcessMessage(context.Background(), &protocol.ToServer{
		SubscriptionRequest: &protocol.SubscriptionRequest{EventName: "tick", Subscribe: false},
	}, conn)

	require.NoError(t, inst.Broadcast("tick"))
	assert.Equal(t, 1, transport.frameCount(), "only the init frame expected")
	assert.Empty(t, conn.Subscriptions())
}

func TestHibernatableReconnectKeepsConnection(t *testing.T) {
	inst := startInstance(t, counterDef("c-hibernate"), nil, nil)

	first := newTestTransport()
	first.requestID = []byte("req-abc")
	conn := connect(t, inst, first)
	originalID := conn.ID()

	inst.ProcessMessage(context.Background(), &protocol.ToServer{
		SubscriptionRequest: &protocol.SubscriptionRequest{EventName: "news", Subscribe: true},
	}, conn)

	// Network drop: unclean disconnect retains the connection.
	inst.DisconnectConn(conn, false, "connection reset")
	assert.False(t, conn.Connected())

	// Broadcasts while detached are dropped, not errors.
	require.NoError(t, inst.Broadcast("news"))

	second := newTestTransport()
	second.requestID = []byte("req-abc")
	reconn, err := inst.PrepareConn(context.Background(), second, nil)
	require.NoError(t, err)
	assert.Equal(t, originalID, reconn.ID(), "reconnect must reattach, not recreate")

	// Subscriptions survive the gap.
	require.NoError(t, inst.Broadcast("news"))
	waitFor(t, time.Second, func() bool {
		return second.frameCount() >= 1
	}, "expected the event on the new transport")
	assert.NotNil(t, second.lastFrame().Event)
}

func TestCleanDisconnectRemovesConnection(t *testing.T) {
	driver := newTestDriver()
	inst := startInstance(t, counterDef("c-clean"), driver, nil)
	transport := newTestTransport()
	transport.requestID = []byte("req-gone")
	conn := connect(t, inst, transport)

	inst.DisconnectConn(conn, true, "bye")

	second := newTestTransport()
	second.requestID = []byte("req-gone")
	reconn, err := inst.PrepareConn(context.Background(), second, nil)
	require.NoError(t, err)
	assert.NotEqual(t, conn.ID(), reconn.ID(), "clean disconnect must not leave a reattach target")
}

func TestOnBeforeConnectRejects(t *testing.T) {
	def := counterDef("c-reject")
	def.OnBeforeConnect = func(c *Context, params any) error {
		return ErrForbidden("no capacity")
	}
	inst := startInstance(t, def, nil, nil)

	_, err := inst.PrepareConn(context.Background(), newTestTransport(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, &Error{Code: CodeForbidden})
}

func TestConnStateRoundTrip(t *testing.T) {
	type connState struct {
		Seat string `cbor:"seat"`
	}
	def := counterDef("c-state")
	def.CreateConnState = func(c *Context, params any) (any, error) {
		return &connState{Seat: fmt.Sprint(params)}, nil
	}
	inst := startInstance(t, def, nil, nil)

	conn, err := inst.PrepareConn(context.Background(), newTestTransport(), "A4")
	require.NoError(t, err)
	inst.ConnectConn(conn)

	state, err := conn.State()
	require.NoError(t, err)
	assert.Equal(t, "A4", state.(*connState).Seat)

	require.NoError(t, conn.SetState(&connState{Seat: "B2"}))
	state, err = conn.State()
	require.NoError(t, err)
	assert.Equal(t, "B2", state.(*connState).Seat)
}

func TestConnectionsSurviveRestart(t *testing.T) {
	driver := newTestDriver()
	def := counterDef("c-persist")
	inst := startInstance(t, def, driver, nil)

	transport := newTestTransport()
	transport.requestID = []byte("req-sleepy")
	conn := connect(t, inst, transport)
	inst.ProcessMessage(context.Background(), &protocol.ToServer{
		SubscriptionRequest: &protocol.SubscriptionRequest{EventName: "wakeup", Subscribe: true},
	}, conn)
	require.NoError(t, inst.OnStop(context.Background(), StopReasonSleep))

	inst2 := restartInstance(t, def, driver, nil)
	second := newTestTransport()
	second.requestID = []byte("req-sleepy")
	reconn, err := inst2.PrepareConn(context.Background(), second, nil)
	require.NoError(t, err)
	assert.Equal(t, conn.ID(), reconn.ID())

	require.NoError(t, inst2.Broadcast("wakeup"))
	waitFor(t, time.Second, func() bool {
		return second.frameCount() >= 1
	}, "expected the persisted subscription to deliver")
}
