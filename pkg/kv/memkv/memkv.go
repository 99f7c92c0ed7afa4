// Package memkv provides the in-memory driver: full fidelity for tests and
// ephemeral deployments, no durability. Alarms fire from process timers and
// sleep requests call straight back into the registry.
package memkv

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/burrow-labs/burrow/pkg/actor"
	"github.com/burrow-labs/burrow/pkg/kv"
)

// Driver implements actor.Driver and actor.SleepCapableDriver over per-actor
// maps. Batch operations are atomic under one lock.
type Driver struct {
	mu     sync.Mutex
	actors map[string]*space

	notifier actor.Notifier
	log      *slog.Logger
}

type space struct {
	data    map[string][]byte
	alarm   *time.Timer
	alarmAt time.Time
}

// New builds an empty in-memory driver.
func New() *Driver {
	return &Driver{
		actors: make(map[string]*space),
		log:    slog.With("component", "memkv"),
	}
}

// SetNotifier wires the registry callbacks. Must be called before any alarm
// can fire.
func (d *Driver) SetNotifier(n actor.Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifier = n
}

func (d *Driver) spaceLocked(actorID string) *space {
	s, ok := d.actors[actorID]
	if !ok {
		s = &space{data: make(map[string][]byte)}
		d.actors[actorID] = s
	}
	return s
}

// KVBatchGet returns one value per key, nil for missing keys.
func (d *Driver) KVBatchGet(_ context.Context, actorID string, keys [][]byte) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.spaceLocked(actorID)
	out := make([][]byte, len(keys))
	for i, key := range keys {
		if v, ok := s.data[string(key)]; ok {
			out[i] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

// KVBatchPut writes all entries atomically.
func (d *Driver) KVBatchPut(_ context.Context, actorID string, entries []kv.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.spaceLocked(actorID)
	for _, e := range entries {
		s.data[string(e.Key)] = append([]byte(nil), e.Value...)
	}
	return nil
}

// KVBatchDelete deletes all keys atomically; missing keys are ignored.
func (d *Driver) KVBatchDelete(_ context.Context, actorID string, keys [][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.spaceLocked(actorID)
	for _, key := range keys {
		delete(s.data, string(key))
	}
	return nil
}

// KVListPrefix returns all entries under prefix in byte order.
func (d *Driver) KVListPrefix(_ context.Context, actorID string, prefix []byte) ([]kv.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.spaceLocked(actorID)

	var out []kv.Entry
	p := string(prefix)
	for key, value := range s.data {
		if strings.HasPrefix(key, p) {
			out = append(out, kv.Entry{
				Key:   []byte(key),
				Value: append([]byte(nil), value...),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Key) < string(out[j].Key)
	})
	return out, nil
}

// SetAlarm replaces the actor's pending alarm.
func (d *Driver) SetAlarm(_ context.Context, actorID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.spaceLocked(actorID)
	if s.alarm != nil {
		s.alarm.Stop()
	}
	s.alarmAt = at
	s.alarm = time.AfterFunc(time.Until(at), func() { d.fireAlarm(actorID) })
	return nil
}

func (d *Driver) fireAlarm(actorID string) {
	d.mu.Lock()
	n := d.notifier
	d.mu.Unlock()
	if n == nil {
		d.log.Error("Alarm fired with no notifier wired", "actor_id", actorID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.OnAlarm(ctx, actorID); err != nil {
		d.log.Error("Alarm delivery failed", "actor_id", actorID, "error", err)
	}
}

// StartSleep asks the registry to stop the actor with the sleep reason.
func (d *Driver) StartSleep(ctx context.Context, actorID string) error {
	d.mu.Lock()
	n := d.notifier
	d.mu.Unlock()
	if n == nil {
		return nil
	}
	return n.RequestStop(ctx, actorID, actor.StopReasonSleep)
}

// StartDestroy drops the actor's namespace and cancels its alarm.
func (d *Driver) StartDestroy(_ context.Context, actorID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.actors[actorID]; ok && s.alarm != nil {
		s.alarm.Stop()
	}
	delete(d.actors, actorID)
	return nil
}

// AlarmAt reports the pending alarm time for tests.
func (d *Driver) AlarmAt(actorID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.actors[actorID]
	if !ok || s.alarm == nil {
		return time.Time{}, false
	}
	return s.alarmAt, true
}

var (
	_ actor.Driver             = (*Driver)(nil)
	_ actor.SleepCapableDriver = (*Driver)(nil)
)
