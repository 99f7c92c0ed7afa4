package actor

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/burrow-labs/burrow/pkg/kv"
)

// Context is the handle user code receives in actions and hooks. It exposes
// the instance's state, connections, events, schedule, queue, and scoped KV.
// A Context is cheap and single-use; do not retain one across invocations.
type Context struct {
	inst *Instance
	conn *Conn
}

// ActorID returns the instance's unique ID.
func (c *Context) ActorID() string { return c.inst.id }

// Name returns the actor type name.
func (c *Context) Name() string { return c.inst.name }

// Key returns the actor key.
func (c *Context) Key() []string { return c.inst.key }

// Region returns the actor region, if the host supplied one.
func (c *Context) Region() string { return c.inst.region }

// Conn returns the connection the current invocation arrived on, or nil for
// invocations with no originating connection (schedules, run, hooks).
func (c *Context) Conn() *Conn { return c.conn }

// Conns returns a snapshot of the live connection set.
func (c *Context) Conns() []*Conn { return c.inst.conns.Snapshot() }

// Context returns a context cancelled when the actor stops. Long waits in
// user code must honor it.
func (c *Context) Context() context.Context { return c.inst.abortCtx }

// Log returns the instance-scoped logger.
func (c *Context) Log() *slog.Logger { return c.inst.log }

// State returns the actor state root.
func (c *Context) State() (any, error) {
	if !c.inst.state.enabled {
		return nil, ErrStateNotEnabled()
	}
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	return c.inst.state.root, nil
}

// SetState replaces the state root. The new root is validated for
// persistability, the dirty flag is set, OnStateChange fires, and a
// throttled write is scheduled.
func (c *Context) SetState(v any) error {
	return c.inst.state.setRoot(v)
}

// MutateState applies fn to the current root and commits the returned value
// through the same validation/dirty/notify path as SetState. This is the
// explicit-write stand-in for mutation observation: every change that
// reaches persisted state goes through here or SetState.
func (c *Context) MutateState(fn func(root any) (any, error)) error {
	if !c.inst.state.enabled {
		return ErrStateNotEnabled()
	}
	c.inst.mu.Lock()
	next, err := fn(c.inst.state.root)
	c.inst.mu.Unlock()
	if err != nil {
		return err
	}
	return c.inst.state.setRoot(next)
}

// SaveState forces or awaits persistence of the dirty set.
func (c *Context) SaveState(opts SaveOptions) error {
	return c.inst.state.save(c.inst.abortCtx, opts)
}

// Vars returns the ephemeral per-instance variables built by CreateVars.
func (c *Context) Vars() (any, error) {
	if c.inst.def.CreateVars == nil {
		return nil, ErrVarsNotEnabled()
	}
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	return c.inst.vars, nil
}

// Broadcast sends an event to every subscribed connection.
func (c *Context) Broadcast(name string, args ...any) error {
	return c.inst.Broadcast(name, args...)
}

// ScheduleAt schedules an action invocation at an absolute time.
func (c *Context) ScheduleAt(at time.Time, action string, args ...any) (string, error) {
	return c.inst.schedule.Schedule(c.inst.abortCtx, at, action, args)
}

// ScheduleAfter schedules an action invocation after a delay.
func (c *Context) ScheduleAfter(d time.Duration, action string, args ...any) (string, error) {
	return c.inst.schedule.Schedule(c.inst.abortCtx, time.Now().Add(d), action, args)
}

// CancelEvent removes a scheduled event; reports whether it existed.
func (c *Context) CancelEvent(eventID string) bool {
	return c.inst.schedule.Cancel(c.inst.abortCtx, eventID)
}

// ScheduledEvents returns a snapshot of the pending timeline.
func (c *Context) ScheduledEvents() []ScheduleEvent {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	out := make([]ScheduleEvent, len(c.inst.schedule.events))
	copy(out, c.inst.schedule.events)
	return out
}

// Enqueue appends a message to the actor's durable queue.
func (c *Context) Enqueue(name string, body any, opts EnqueueOptions) (*QueueMessage, error) {
	return c.inst.queue.Enqueue(c.inst.abortCtx, name, body, opts)
}

// EnqueueAndWait appends a message and blocks until a consumer completes it.
func (c *Context) EnqueueAndWait(ctx context.Context, name string, body any, timeout time.Duration) (*Completion, error) {
	return c.inst.queue.EnqueueAndWait(joinContexts(ctx, c.inst.abortCtx), name, body, timeout)
}

// ReceiveQueue takes eligible messages from the queue per opts.
func (c *Context) ReceiveQueue(ctx context.Context, opts ReceiveOptions) ([]*QueueMessage, error) {
	return c.inst.queue.Receive(joinContexts(ctx, c.inst.abortCtx), opts)
}

// CompleteQueue resolves the in-flight message with a response.
func (c *Context) CompleteQueue(msg *QueueMessage, response any) error {
	return c.inst.queue.Complete(c.inst.abortCtx, msg, response)
}

// QueueSize returns the persisted queue depth.
func (c *Context) QueueSize() int { return c.inst.queue.Size() }

// KeepAwake runs fn in the background while preventing sleep until it
// settles (or exceeds the wait-until budget).
func (c *Context) KeepAwake(fn func() error) {
	c.inst.ScheduleKeepAwake(fn)
}

// KV returns the actor-scoped user KV namespace.
func (c *Context) KV() *UserKV { return &UserKV{inst: c.inst} }

// Database returns the driver's per-actor SQL handle, when the driver
// provides one.
func (c *Context) Database() (*sql.DB, error) {
	driver, ok := c.inst.driver.(DatabaseDriver)
	if !ok {
		return nil, ErrDatabaseNotEnabled()
	}
	return driver.Database(c.inst.id)
}

// UserKV is byte-level storage scoped to the actor under its own key prefix,
// separate from runtime records.
type UserKV struct {
	inst *Instance
}

// Get returns the value for key, or nil when absent.
func (u *UserKV) Get(ctx context.Context, key []byte) ([]byte, error) {
	values, err := u.inst.driver.KVBatchGet(ctx, u.inst.id, [][]byte{kv.UserKey(key)})
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

// Put writes one key/value pair.
func (u *UserKV) Put(ctx context.Context, key, value []byte) error {
	return u.inst.driver.KVBatchPut(ctx, u.inst.id, []kv.Entry{{Key: kv.UserKey(key), Value: value}})
}

// Delete removes a key.
func (u *UserKV) Delete(ctx context.Context, key []byte) error {
	return u.inst.driver.KVBatchDelete(ctx, u.inst.id, [][]byte{kv.UserKey(key)})
}

// List returns every pair under the namespace with the user prefix stripped.
func (u *UserKV) List(ctx context.Context) ([]kv.Entry, error) {
	rows, err := u.inst.driver.KVListPrefix(ctx, u.inst.id, kv.UserPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]kv.Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, kv.Entry{Key: kv.UserKeyFromStored(row.Key), Value: row.Value})
	}
	return out, nil
}

// joinContexts returns a context cancelled when either parent is. A nil
// caller context joins to the actor context alone.
func joinContexts(caller, abort context.Context) context.Context {
	if caller == nil || caller == context.Background() || caller == context.TODO() {
		return abort
	}
	joined, cancel := context.WithCancel(caller)
	go func() {
		defer cancel()
		select {
		case <-abort.Done():
		case <-joined.Done():
		}
	}()
	return joined
}
