package actor

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/burrow-labs/burrow/pkg/kv"
)

// stateManager owns the persisted actor root and the throttled write path.
// All fields are guarded by the instance mutex unless noted.
type stateManager struct {
	inst *Instance

	enabled        bool
	root           any
	input          cbor.RawMessage
	hasInitialized bool

	actorDirty bool
	dirtyConns map[string]*Conn

	lastSave time.Time
	timer    *time.Timer
	timerAt  time.Time // absolute fire time of timer; zero when none
	pending  *savePromise

	// writes serializes KV batches so no two saves race. Its own locking;
	// never touched with the instance mutex held.
	writes opQueue

	inStateChange bool
}

func newStateManager(inst *Instance) *stateManager {
	return &stateManager{
		inst:       inst,
		enabled:    inst.def.stateEnabled(),
		dirtyConns: make(map[string]*Conn),
	}
}

// setRoot validates and installs a new state root, then fires OnStateChange.
// Acquires the instance mutex itself; the hook runs outside it so it can
// mutate state again, with the re-entry guard stopping infinite recursion.
func (s *stateManager) setRoot(v any) error {
	if !s.enabled {
		return ErrStateNotEnabled()
	}
	if err := validateSerializable("state", v); err != nil {
		return err
	}

	s.inst.mu.Lock()
	s.root = v
	s.actorDirty = true
	s.scheduleSaveLocked(0)
	hook := s.inst.def.OnStateChange
	fire := hook != nil && !s.inStateChange && s.inst.status >= StatusReady
	if fire {
		s.inStateChange = true
	}
	root := s.root
	s.inst.mu.Unlock()

	if fire {
		hook(s.inst.newContext(nil), root)
		s.inst.mu.Lock()
		s.inStateChange = false
		s.inst.mu.Unlock()
	}
	return nil
}

// markConnDirty queues a connection row for the next write. Caller holds the
// instance mutex.
func (s *stateManager) markConnDirty(conn *Conn) {
	s.dirtyConns[conn.id] = conn
	s.scheduleSaveLocked(0)
}

// scheduleSaveLocked arranges a write after the throttle window, or sooner if
// maxWait demands it. Caller holds the instance mutex.
//
// delay = max(0, interval − (now − lastSave)). An already-scheduled save is
// only rescheduled when the caller needs an earlier fire; a later schedule is
// left alone so writes keep coalescing.
func (s *stateManager) scheduleSaveLocked(maxWait time.Duration) {
	interval := s.inst.opts.StateSaveInterval
	now := time.Now()

	delay := interval - now.Sub(s.lastSave)
	if delay < 0 {
		delay = 0
	}
	if maxWait > 0 && maxWait < delay {
		delay = maxWait
	}
	fireAt := now.Add(delay)

	if s.pending == nil {
		s.pending = newSavePromise()
	}

	if s.timer != nil {
		if !s.timerAt.After(fireAt) {
			return // an earlier or equal save is already scheduled
		}
		s.timer.Stop()
	}
	s.timerAt = fireAt
	s.timer = time.AfterFunc(delay, s.fireSave)
}

// fireSave runs on the timer goroutine.
func (s *stateManager) fireSave() {
	s.inst.mu.Lock()
	s.timer = nil
	s.timerAt = time.Time{}
	entries, deletes, promise := s.collectDirtyLocked()
	s.inst.mu.Unlock()

	s.flush(entries, deletes, promise)
}

// collectDirtyLocked serializes the dirty set into one batch. Caller holds
// the instance mutex. The returned promise is never nil: explicit saves wait
// on it even when no timer ever scheduled one. Serialization failures settle
// it with the error and leave every dirty flag set, so the next save retries
// the whole batch.
func (s *stateManager) collectDirtyLocked() ([]kv.Entry, [][]byte, *savePromise) {
	promise := s.pending
	s.pending = nil
	if promise == nil {
		promise = newSavePromise()
	}

	var entries []kv.Entry
	var deletes [][]byte

	if s.actorDirty {
		blob, err := s.encodeActorLocked()
		if err != nil {
			promise.settle(err)
			return nil, nil, promise
		}
		entries = append(entries, kv.Entry{Key: kv.PersistDataKey(), Value: blob})
	}

	for id, conn := range s.dirtyConns {
		row, err := conn.encodeRow()
		if err != nil {
			s.inst.log.Error("Failed to encode connection row", "conn_id", id, "error", err)
			promise.settle(err)
			return nil, nil, promise
		}
		entries = append(entries, kv.Entry{Key: kv.ConnKey(id), Value: row})
	}

	s.actorDirty = false
	s.dirtyConns = make(map[string]*Conn)

	return entries, deletes, promise
}

// encodeActorLocked builds the actor blob. The legacy embedded-connections
// field is never written back.
func (s *stateManager) encodeActorLocked() ([]byte, error) {
	blob := persistedActor{
		Name:            s.inst.name,
		Key:             s.inst.key,
		Input:           s.input,
		HasInitialized:  s.hasInitialized,
		ScheduledEvents: s.inst.schedule.eventsLocked(),
	}
	if s.enabled {
		raw, err := cbor.Marshal(s.root)
		if err != nil {
			return nil, err
		}
		blob.State = raw
	}
	return cbor.Marshal(&blob)
}

// flush writes one batch through the serialized write queue and settles the
// shared promise. Runs without the instance mutex.
func (s *stateManager) flush(entries []kv.Entry, deletes [][]byte, promise *savePromise) {
	if len(entries) == 0 && len(deletes) == 0 {
		if promise != nil {
			promise.settle(nil)
		}
		return
	}

	err := s.writes.Do(context.Background(), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if len(entries) > 0 {
			if err := s.inst.driver.KVBatchPut(ctx, s.inst.id, entries); err != nil {
				return err
			}
		}
		if len(deletes) > 0 {
			if err := s.inst.driver.KVBatchDelete(ctx, s.inst.id, deletes); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.inst.log.Error("Persistence batch failed", "error", err)
	}

	s.inst.mu.Lock()
	s.lastSave = time.Now()
	s.inst.mu.Unlock()

	if promise != nil {
		promise.settle(err)
	}
}

// SaveOptions controls an explicit save request.
type SaveOptions struct {
	// Immediate flushes the dirty set now instead of waiting out the
	// throttle window.
	Immediate bool
}

// save waits for the pending (or a freshly forced) write to complete.
// Acquires the instance mutex itself.
func (s *stateManager) save(ctx context.Context, opts SaveOptions) error {
	s.inst.mu.Lock()

	if s.pending == nil && !s.actorDirty && len(s.dirtyConns) == 0 {
		s.inst.mu.Unlock()
		return nil
	}

	if opts.Immediate {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
			s.timerAt = time.Time{}
		}
		entries, deletes, promise := s.collectDirtyLocked()
		s.inst.mu.Unlock()
		s.flush(entries, deletes, promise)
		return promise.wait(ctx)
	}

	if s.pending == nil {
		s.scheduleSaveLocked(0)
	}
	promise := s.pending
	s.inst.mu.Unlock()
	return promise.wait(ctx)
}
