package actor

import (
	"context"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// scheduleManager owns the persisted timeline of future events. The timeline
// lives inside the actor blob (persistedActor.ScheduledEvents) so it survives
// reload; this manager keeps the in-memory copy and drives the driver's
// single pending alarm. List fields are guarded by the instance mutex.
type scheduleManager struct {
	inst   *Instance
	events []ScheduleEvent

	// alarms serializes SetAlarm calls so a fast schedule/cancel pair cannot
	// leave the driver with a stale alarm.
	alarms opQueue
}

func newScheduleManager(inst *Instance) *scheduleManager {
	return &scheduleManager{inst: inst}
}

// loadLocked installs the persisted timeline. Events are re-sorted in case a
// legacy writer left them unordered. Caller holds the instance mutex.
func (m *scheduleManager) loadLocked(events []ScheduleEvent) {
	m.events = events
	sort.SliceStable(m.events, func(i, j int) bool {
		return m.events[i].Timestamp < m.events[j].Timestamp
	})
}

// eventsLocked returns the timeline for persistence. Caller holds the
// instance mutex.
func (m *scheduleManager) eventsLocked() []ScheduleEvent { return m.events }

// Schedule inserts a future event, keeping the list sorted by timestamp with
// insertion ties preserved in order, and moves the driver alarm when the new
// event becomes the head.
func (m *scheduleManager) Schedule(ctx context.Context, at time.Time, action string, args []any) (string, error) {
	encoded, err := cbor.Marshal(args)
	if err != nil {
		return "", err
	}
	event := ScheduleEvent{
		EventID:   uuid.NewString(),
		Timestamp: at.UnixMilli(),
		Action:    action,
		Args:      encoded,
	}

	m.inst.mu.Lock()
	// Stable insert: after every event with an equal or earlier timestamp.
	idx := sort.Search(len(m.events), func(i int) bool {
		return m.events[i].Timestamp > event.Timestamp
	})
	m.events = append(m.events, ScheduleEvent{})
	copy(m.events[idx+1:], m.events[idx:])
	m.events[idx] = event
	newHead := idx == 0
	m.inst.state.actorDirty = true
	m.inst.state.scheduleSaveLocked(0)
	m.inst.mu.Unlock()

	if newHead {
		if err := m.setAlarm(ctx, at); err != nil {
			return event.EventID, err
		}
	}
	return event.EventID, nil
}

// Cancel removes a scheduled event by ID. Cancelling the head moves the
// driver alarm to the new head (or leaves a stale alarm to fire harmlessly
// when the list empties; OnAlarm with nothing due is a no-op).
func (m *scheduleManager) Cancel(ctx context.Context, eventID string) bool {
	m.inst.mu.Lock()
	idx := -1
	for i, event := range m.events {
		if event.EventID == eventID {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.inst.mu.Unlock()
		return false
	}
	wasHead := idx == 0
	m.events = append(m.events[:idx], m.events[idx+1:]...)
	var nextHead *ScheduleEvent
	if wasHead && len(m.events) > 0 {
		head := m.events[0]
		nextHead = &head
	}
	m.inst.state.actorDirty = true
	m.inst.state.scheduleSaveLocked(0)
	m.inst.mu.Unlock()

	if nextHead != nil {
		if err := m.setAlarm(ctx, time.UnixMilli(nextHead.Timestamp)); err != nil {
			m.inst.log.Error("Failed to move alarm after cancel", "error", err)
		}
	}
	return true
}

// initAlarmLocked re-arms the driver alarm for the persisted head after a
// reload. Caller holds the instance mutex; the alarm write happens in the
// background.
func (m *scheduleManager) initAlarmLocked() {
	if len(m.events) == 0 {
		return
	}
	at := time.UnixMilli(m.events[0].Timestamp)
	go func() {
		if err := m.setAlarm(context.Background(), at); err != nil {
			m.inst.log.Error("Failed to arm alarm on start", "error", err)
		}
	}()
}

// setAlarm writes the driver alarm through the serialized alarm queue.
func (m *scheduleManager) setAlarm(ctx context.Context, at time.Time) error {
	return m.alarms.Do(ctx, func() error {
		return m.inst.driver.SetAlarm(ctx, m.inst.id, at)
	})
}

// OnAlarm drains every due event in timestamp order. Idempotent: a second
// call with no new schedules finds nothing due and only reschedules. The
// next alarm is set before the due events run so a crash mid-drain cannot
// strand the remaining timeline.
func (m *scheduleManager) OnAlarm(ctx context.Context) error {
	now := time.Now().UnixMilli()

	m.inst.mu.Lock()
	cut := 0
	for cut < len(m.events) && m.events[cut].Timestamp <= now {
		cut++
	}
	due := make([]ScheduleEvent, cut)
	copy(due, m.events[:cut])
	m.events = m.events[cut:]

	var next *ScheduleEvent
	if len(m.events) > 0 {
		head := m.events[0]
		next = &head
	}
	if cut > 0 {
		m.inst.state.actorDirty = true
		m.inst.state.scheduleSaveLocked(0)
	}
	m.inst.mu.Unlock()

	if next != nil {
		if err := m.setAlarm(ctx, time.UnixMilli(next.Timestamp)); err != nil {
			m.inst.log.Error("Failed to set next alarm", "error", err)
		}
	}

	for _, event := range due {
		if err := m.runEvent(ctx, &event); err != nil {
			m.inst.log.Error("Scheduled event failed",
				"event_id", event.EventID, "action", event.Action, "error", err)
		}
	}
	return nil
}

// runEvent resolves the event's action by name and invokes it with decoded
// args.
func (m *scheduleManager) runEvent(ctx context.Context, event *ScheduleEvent) error {
	handler, ok := m.inst.def.Actions[event.Action]
	if !ok {
		return ErrActionNotFound(event.Action)
	}
	var args []any
	if len(event.Args) > 0 {
		if err := cbor.Unmarshal(event.Args, &args); err != nil {
			return err
		}
	}
	_, err := handler(m.inst.newContext(nil), args)
	return err
}
