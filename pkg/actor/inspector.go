package actor

import "time"

// InspectorSnapshot is a point-in-time view of one instance for the debug
// surface. All fields are copies; holding a snapshot holds no locks.
type InspectorSnapshot struct {
	ActorID string   `json:"actorId"`
	Name    string   `json:"name"`
	Key     []string `json:"key"`
	Region  string   `json:"region,omitempty"`
	Status  string   `json:"status"`

	ConnCount     int            `json:"connCount"`
	Subscriptions map[string]int `json:"subscriptions"`

	QueueSize       int             `json:"queueSize"`
	ScheduledEvents []ScheduleEvent `json:"scheduledEvents"`

	SleepBlocker string    `json:"sleepBlocker"`
	CapturedAt   time.Time `json:"capturedAt"`
}

// Inspect captures a snapshot of the instance under its mutex.
func (i *Instance) Inspect() InspectorSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	subs := make(map[string]int, len(i.events.index))
	for name, conns := range i.events.index {
		subs[name] = len(conns)
	}
	events := make([]ScheduleEvent, len(i.schedule.events))
	copy(events, i.schedule.events)

	return InspectorSnapshot{
		ActorID:         i.id,
		Name:            i.name,
		Key:             append([]string(nil), i.key...),
		Region:          i.region,
		Status:          i.status.String(),
		ConnCount:       i.conns.countLocked(),
		Subscriptions:   subs,
		QueueSize:       i.queue.meta.Size,
		ScheduledEvents: events,
		SleepBlocker:    string(i.sleep.canSleepLocked()),
		CapturedAt:      time.Now(),
	}
}
