package actor

import (
	"context"
	"errors"

	"github.com/burrow-labs/burrow/pkg/protocol"
)

// eventManager maintains the event→subscriber index. The index is derived
// state: it is rebuilt from each connection's persisted subscription list on
// load and kept in lockstep with it afterwards. Guarded by the instance
// mutex.
type eventManager struct {
	inst  *Instance
	index map[string]map[*Conn]struct{}
}

func newEventManager(inst *Instance) *eventManager {
	return &eventManager{inst: inst, index: make(map[string]map[*Conn]struct{})}
}

// addSubscriptionLocked registers conn for an event name. Idempotent. When
// fromPersist is false the subscription is appended to the connection's
// persisted list and an immediate save is requested. Caller holds the
// instance mutex.
func (m *eventManager) addSubscriptionLocked(name string, conn *Conn, fromPersist bool) {
	set, ok := m.index[name]
	if !ok {
		set = make(map[*Conn]struct{})
		m.index[name] = set
	}
	if _, exists := set[conn]; exists {
		return
	}
	set[conn] = struct{}{}

	if !fromPersist {
		conn.subscriptions = append(conn.subscriptions, Subscription{EventName: name})
		m.inst.state.markConnDirty(conn)
		m.requestImmediateSave()
	}
}

// removeSubscriptionLocked mirrors addSubscriptionLocked, dropping the index
// entry when its set empties. Caller holds the instance mutex.
func (m *eventManager) removeSubscriptionLocked(name string, conn *Conn, fromPersist bool) {
	set, ok := m.index[name]
	if !ok {
		return
	}
	if _, exists := set[conn]; !exists {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(m.index, name)
	}

	if !fromPersist {
		for i, sub := range conn.subscriptions {
			if sub.EventName == name {
				conn.subscriptions = append(conn.subscriptions[:i], conn.subscriptions[i+1:]...)
				break
			}
		}
		m.inst.state.markConnDirty(conn)
		m.requestImmediateSave()
	}
}

// removeAllSubscriptionsLocked drops every index entry for conn without
// touching its persisted list; used on disconnect where the row itself is
// deleted. Caller holds the instance mutex.
func (m *eventManager) removeAllSubscriptionsLocked(conn *Conn) {
	for _, sub := range conn.subscriptions {
		if set, ok := m.index[sub.EventName]; ok {
			delete(set, conn)
			if len(set) == 0 {
				delete(m.index, sub.EventName)
			}
		}
	}
}

// requestImmediateSave flushes subscription changes in the background so a
// crash between subscribe and the next throttle window cannot lose them.
func (m *eventManager) requestImmediateSave() {
	go func() {
		if err := m.inst.state.save(context.Background(), SaveOptions{Immediate: true}); err != nil {
			m.inst.log.Error("Failed to persist subscription change", "error", err)
		}
	}()
}

// Broadcast sends an event to every subscribed connection. Per-connection
// send failures are logged and skipped; a transport size-limit failure is
// propagated to the caller.
func (m *eventManager) Broadcast(name string, args []any) error {
	m.inst.mu.Lock()
	set := m.index[name]
	subscribers := make([]*Conn, 0, len(set))
	for conn := range set {
		subscribers = append(subscribers, conn)
	}
	m.inst.mu.Unlock()

	if len(subscribers) == 0 {
		return nil
	}

	frame := &protocol.ToClient{Event: &protocol.Event{Name: name, Args: args}}
	var tooLong error
	for _, conn := range subscribers {
		if err := conn.send(frame); err != nil {
			if errors.Is(err, &Error{Code: CodeOutgoingMessageTooLong}) {
				tooLong = err
				continue
			}
			m.inst.log.Warn("Failed to send event", "event", name, "conn_id", conn.id, "error", err)
		}
	}
	return tooLong
}

// subscriberCountLocked returns the subscriber count for an event name.
// Caller holds the instance mutex. Tests poll this instead of sleeping.
func (m *eventManager) subscriberCountLocked(name string) int {
	return len(m.index[name])
}
