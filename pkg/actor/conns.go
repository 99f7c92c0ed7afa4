package actor

import (
	"bytes"
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/burrow-labs/burrow/pkg/kv"
	"github.com/burrow-labs/burrow/pkg/protocol"
)

// connHost is the narrow capability a Conn holds over its instance instead of
// a full back-pointer.
type connHost interface {
	connDirty(conn *Conn)
	connSaveNow(ctx context.Context) error
	lockInstance()
	unlockInstance()
}

// Conn is one client session attached to an actor. The connection manager
// exclusively owns the live object; persistence is a per-connection row under
// the connection key prefix.
type Conn struct {
	id           string
	host         connHost
	params       any
	state        any
	stateEnabled bool

	// subscriptions preserves persisted order; the event index is derived
	// from it on load.
	subscriptions []Subscription

	lastSeen              time.Time
	hibernatableRequestID []byte

	// transport is nil while the connection is hibernating.
	transport ConnTransport
	codec     protocol.Codec
}

// ID returns the connection's stable identifier.
func (c *Conn) ID() string { return c.id }

// Params returns the connection parameters supplied at connect time.
func (c *Conn) Params() any { return c.params }

// State returns the connection state, or an error when the definition does
// not enable connection state.
func (c *Conn) State() (any, error) {
	if !c.stateEnabled {
		return nil, ErrConnStateNotEnabled()
	}
	c.host.lockInstance()
	defer c.host.unlockInstance()
	return c.state, nil
}

// SetState replaces the connection state, validates it, and marks the row
// dirty for the next throttled write.
func (c *Conn) SetState(v any) error {
	if !c.stateEnabled {
		return ErrConnStateNotEnabled()
	}
	if err := validateSerializable("connState", v); err != nil {
		return err
	}
	c.host.lockInstance()
	c.state = v
	c.host.connDirty(c)
	c.host.unlockInstance()
	return nil
}

// Subscriptions returns the persisted subscription list in order.
func (c *Conn) Subscriptions() []Subscription {
	c.host.lockInstance()
	defer c.host.unlockInstance()
	out := make([]Subscription, len(c.subscriptions))
	copy(out, c.subscriptions)
	return out
}

// Connected reports whether the connection currently has a live transport.
func (c *Conn) Connected() bool {
	c.host.lockInstance()
	defer c.host.unlockInstance()
	return c.transport != nil
}

// send writes one frame if the connection speaks the framed protocol and has
// a live transport. Callers must not hold the instance mutex.
func (c *Conn) send(msg *protocol.ToClient) error {
	c.host.lockInstance()
	transport := c.transport
	codec := c.codec
	c.host.unlockInstance()

	if transport == nil || codec == nil {
		return nil
	}
	data, err := codec.EncodeToClient(msg)
	if err != nil {
		return err
	}
	if limited, ok := transport.(SizeLimitedTransport); ok {
		if max := limited.MaxMessageSize(); max > 0 && len(data) > max {
			return ErrOutgoingMessageTooLong(len(data))
		}
	}
	return transport.Send(data)
}

// SendError sends a distinguished error frame to the client. Best-effort.
func (c *Conn) SendError(err error, actionID *int64) {
	frame := &protocol.ErrorFrame{Code: string(CodeInternal), Message: "internal error", ActionID: actionID}
	var actorErr *Error
	if asActorError(err, &actorErr) {
		frame.Code = string(actorErr.Code)
		frame.Message = actorErr.Message
		frame.Meta = actorErr.Meta
	}
	_ = c.send(&protocol.ToClient{Error: frame})
}

// encodeRow serializes the connection's persisted form. Caller holds the
// instance mutex.
func (c *Conn) encodeRow() ([]byte, error) {
	row := persistedConn{
		ConnID:                c.id,
		Subscriptions:         c.subscriptions,
		LastSeen:              c.lastSeen.UnixMilli(),
		HibernatableRequestID: c.hibernatableRequestID,
	}
	if c.params != nil {
		raw, err := cbor.Marshal(c.params)
		if err != nil {
			return nil, err
		}
		row.Params = raw
	}
	if c.stateEnabled && c.state != nil {
		raw, err := cbor.Marshal(c.state)
		if err != nil {
			return nil, err
		}
		row.State = raw
	}
	return cbor.Marshal(&row)
}

// connManager tracks the live connection set. Guarded by the instance mutex.
type connManager struct {
	inst  *Instance
	conns map[string]*Conn
}

func newConnManager(inst *Instance) *connManager {
	return &connManager{inst: inst, conns: make(map[string]*Conn)}
}

// loadRow rehydrates a persisted connection during instance load. Caller
// holds the instance mutex.
func (m *connManager) loadRow(row *persistedConn) *Conn {
	conn := &Conn{
		id:                    row.ConnID,
		host:                  m.inst,
		stateEnabled:          m.inst.connStateEnabled(),
		lastSeen:              time.UnixMilli(row.LastSeen),
		hibernatableRequestID: row.HibernatableRequestID,
		subscriptions:         row.Subscriptions,
	}
	if len(row.Params) > 0 {
		var params any
		if err := cbor.Unmarshal(row.Params, &params); err != nil {
			m.inst.log.Error("Failed to decode connection params", "conn_id", row.ConnID, "error", err)
		} else {
			conn.params = params
		}
	}
	if len(row.State) > 0 {
		state, err := decodeAs(m.inst.def.ConnState, row.State)
		if err != nil {
			m.inst.log.Error("Failed to decode connection state", "conn_id", row.ConnID, "error", err)
		} else {
			conn.state = state
		}
	}
	m.conns[conn.id] = conn
	for _, sub := range conn.subscriptions {
		m.inst.events.addSubscriptionLocked(sub.EventName, conn, true)
	}
	return conn
}

// Prepare builds (or reattaches) a connection for an incoming transport.
// Runs before the connection is made visible; may reject via OnBeforeConnect.
func (m *connManager) Prepare(ctx context.Context, transport ConnTransport, params any) (*Conn, error) {
	// Hibernatable reconnect: match the transport's request ID against
	// retained connections and reattach instead of creating a new one.
	if hib, ok := transport.(HibernatableTransport); ok {
		if reqID := hib.RequestID(); len(reqID) > 0 {
			m.inst.mu.Lock()
			for _, conn := range m.conns {
				if bytes.Equal(conn.hibernatableRequestID, reqID) {
					old := conn.transport
					conn.transport = transport
					conn.codec = codecForTransport(transport)
					conn.lastSeen = time.Now()
					m.inst.state.markConnDirty(conn)
					m.inst.sleep.resetLocked()
					m.inst.mu.Unlock()
					if old != nil {
						if err := old.Disconnect("reconnecting"); err != nil {
							m.inst.log.Warn("Failed to close previous transport", "conn_id", conn.id, "error", err)
						}
					}
					return conn, nil
				}
			}
			m.inst.mu.Unlock()
		}
	}

	if hook := m.inst.def.OnBeforeConnect; hook != nil {
		if err := hook(m.inst.newContext(nil), params); err != nil {
			return nil, err
		}
	}

	var state any
	switch {
	case m.inst.def.CreateConnState != nil:
		var err error
		state, err = runHookValue(ctx, "createConnState", m.inst.opts.CreateConnStateTimeout, func(ctx context.Context) (any, error) {
			return m.inst.def.CreateConnState(m.inst.newContext(nil), params)
		})
		if err != nil {
			return nil, err
		}
	case m.inst.def.ConnState != nil:
		cloned, err := cloneValue(m.inst.def.ConnState)
		if err != nil {
			return nil, err
		}
		state = cloned
	}

	conn := &Conn{
		id:           uuid.NewString(),
		host:         m.inst,
		params:       params,
		state:        state,
		stateEnabled: m.inst.connStateEnabled(),
		lastSeen:     time.Now(),
		transport:    transport,
		codec:        codecForTransport(transport),
	}
	if hib, ok := transport.(HibernatableTransport); ok {
		conn.hibernatableRequestID = hib.RequestID()
	}
	return conn, nil
}

// Connect makes a prepared connection live. Synchronous up to the OnConnect
// dispatch so websocket open/message ordering is preserved.
func (m *connManager) Connect(conn *Conn) {
	m.inst.mu.Lock()
	m.conns[conn.id] = conn
	m.inst.state.markConnDirty(conn)
	m.inst.sleep.resetLocked()
	m.inst.mu.Unlock()

	if hooks, ok := m.inst.driver.(ConnHookDriver); ok {
		hooks.OnCreateConn(m.inst.id, conn.id)
	}

	if hook := m.inst.def.OnConnect; hook != nil {
		go func() {
			_, err := runHookValue(m.inst.abortCtx, "onConnect", m.inst.opts.OnConnectTimeout, func(ctx context.Context) (any, error) {
				return nil, hook(m.inst.newContext(conn), conn)
			})
			if err != nil {
				m.inst.log.Warn("onConnect failed, disconnecting", "conn_id", conn.id, "error", err)
				m.Disconnect(conn, true, "onConnect failed")
			}
		}()
	}

	// First frame on every framed connection identifies the actor and the
	// connection so clients can resume.
	_ = conn.send(&protocol.ToClient{Init: &protocol.Init{
		ActorID:      m.inst.id,
		ConnectionID: conn.id,
	}})
}

// Disconnect tears a connection down. Clean disconnects remove the
// connection and its persisted row; unclean disconnects of hibernatable
// connections retain both so a matching reconnect can reattach.
func (m *connManager) Disconnect(conn *Conn, clean bool, reason string) {
	m.inst.mu.Lock()
	if _, ok := m.conns[conn.id]; !ok {
		m.inst.mu.Unlock()
		return
	}

	if !clean && len(conn.hibernatableRequestID) > 0 {
		conn.transport = nil
		conn.codec = nil
		conn.lastSeen = time.Now()
		m.inst.state.markConnDirty(conn)
		m.inst.sleep.resetLocked()
		m.inst.mu.Unlock()
		return
	}

	delete(m.conns, conn.id)
	m.inst.events.removeAllSubscriptionsLocked(conn)
	transport := conn.transport
	conn.transport = nil
	conn.codec = nil
	m.inst.pendingDisconnects++
	m.inst.sleep.resetLocked()
	m.inst.mu.Unlock()

	if transport != nil {
		if err := transport.Disconnect(reason); err != nil {
			m.inst.log.Warn("Transport close failed", "conn_id", conn.id, "error", err)
		}
	}

	if hook := m.inst.def.OnDisconnect; hook != nil {
		if err := hook(m.inst.newContext(conn), conn); err != nil {
			m.inst.log.Warn("onDisconnect hook failed", "conn_id", conn.id, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.inst.driver.KVBatchDelete(ctx, m.inst.id, [][]byte{kv.ConnKey(conn.id)}); err != nil {
		m.inst.log.Error("Failed to delete connection row", "conn_id", conn.id, "error", err)
	}

	if hooks, ok := m.inst.driver.(ConnHookDriver); ok {
		hooks.OnDestroyConn(m.inst.id, conn.id)
	}

	m.inst.mu.Lock()
	m.inst.pendingDisconnects--
	m.inst.sleep.resetLocked()
	m.inst.mu.Unlock()
}

// countLocked returns the live connection count. Caller holds the mutex.
func (m *connManager) countLocked() int { return len(m.conns) }

// Snapshot returns the current connections.
func (m *connManager) Snapshot() []*Conn {
	m.inst.mu.Lock()
	defer m.inst.mu.Unlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn)
	}
	return out
}

// codecForTransport resolves the framed codec, nil for raw transports.
func codecForTransport(transport ConnTransport) protocol.Codec {
	encoding := transport.Encoding()
	if encoding == "" {
		return nil
	}
	codec, err := protocol.ForEncoding(encoding)
	if err != nil {
		return nil
	}
	return codec
}
