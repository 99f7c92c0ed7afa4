package actor

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/burrow-labs/burrow/pkg/config"
	"github.com/burrow-labs/burrow/pkg/kv"
	"github.com/burrow-labs/burrow/pkg/protocol"
)

// Instance is one live actor: identity, persisted roots, connections,
// subscriptions, schedule, queue, and lifecycle. There is exactly one live
// Instance per actor ID in a process (the registry enforces this); all
// mutation of its owned objects is serialized on the instance mutex.
type Instance struct {
	id     string
	name   string
	key    []string
	region string

	def    *Definition
	opts   *config.Options
	driver Driver
	log    *slog.Logger

	mu     sync.Mutex
	status Status
	vars   any

	state    *stateManager
	conns    *connManager
	events   *eventManager
	schedule *scheduleManager
	queue    *queueManager
	sleep    *sleepArbiter

	// abortCtx fires on stop; queue waiters and user loops honor it.
	abortCtx    context.Context
	abortCancel context.CancelFunc

	// Live-work counters driving the sleep predicate.
	activeRawRequests  int
	activeKeepAwake    int
	runActive          bool
	queueWaitCount     int
	pendingDisconnects int

	runDone chan struct{}

	startOnce sync.Once
	startErr  error
}

// NewInstance builds an unstarted instance. The caller (normally the
// registry) must Start it before use.
func NewInstance(def *Definition, driver Driver, defaults *config.Options, id, name string, key []string, region string) *Instance {
	opts := defaults
	if opts == nil {
		opts = config.DefaultOptions()
	}
	if def.Options != nil {
		opts = def.Options.Merge(opts)
	}

	inst := &Instance{
		id:     id,
		name:   name,
		key:    key,
		region: region,
		def:    def,
		opts:   opts,
		driver: driver,
		log:    slog.With("actor_id", id, "actor", name),
		status: StatusLoading,
	}
	inst.abortCtx, inst.abortCancel = context.WithCancel(context.Background())
	inst.state = newStateManager(inst)
	inst.conns = newConnManager(inst)
	inst.events = newEventManager(inst)
	inst.schedule = newScheduleManager(inst)
	inst.queue = newQueueManager(inst)
	inst.sleep = newSleepArbiter(inst)
	return inst
}

// ID returns the actor ID.
func (i *Instance) ID() string { return i.id }

// Status returns the current lifecycle state.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// connHost implementation (narrow capability handed to Conn).
func (i *Instance) connDirty(conn *Conn) { i.state.markConnDirty(conn) }
func (i *Instance) connSaveNow(ctx context.Context) error {
	return i.state.save(ctx, SaveOptions{Immediate: true})
}
func (i *Instance) lockInstance()   { i.mu.Lock() }
func (i *Instance) unlockInstance() { i.mu.Unlock() }

func (i *Instance) connStateEnabled() bool { return i.def.connStateEnabled() }

// newContext builds the user-facing handle for one invocation.
func (i *Instance) newContext(conn *Conn) *Context {
	return &Context{inst: i, conn: conn}
}

// Start loads the instance from storage and brings it to Started. Idempotent:
// concurrent and repeated calls share one result.
func (i *Instance) Start(ctx context.Context) error {
	i.startOnce.Do(func() {
		i.startErr = i.start(ctx)
		if i.startErr != nil {
			i.log.Error("Actor start failed", "error", i.startErr)
		}
	})
	return i.startErr
}

func (i *Instance) start(ctx context.Context) error {
	i.log.Info("Loading actor")

	// Loading: actor blob + connection rows + queue.
	values, err := i.driver.KVBatchGet(ctx, i.id, [][]byte{kv.PersistDataKey()})
	if err != nil {
		return err
	}

	var blob persistedActor
	haveBlob := values[0] != nil
	if haveBlob {
		if err := cbor.Unmarshal(values[0], &blob); err != nil {
			return err
		}
	}

	connRows, err := i.driver.KVListPrefix(ctx, i.id, kv.ConnPrefix())
	if err != nil {
		return err
	}

	i.mu.Lock()
	i.state.input = blob.Input
	i.state.hasInitialized = blob.HasInitialized
	i.schedule.loadLocked(blob.ScheduledEvents)

	for _, row := range connRows {
		var pc persistedConn
		if err := cbor.Unmarshal(row.Value, &pc); err != nil {
			i.log.Error("Dropping undecodable connection row",
				"conn_id", kv.ConnIDFromKey(row.Key), "error", err)
			continue
		}
		i.conns.loadRow(&pc)
	}

	// Legacy layout: connections embedded in the actor blob. Read them
	// through, then let the next save write them out as rows.
	for id, pc := range blob.Connections {
		if _, ok := i.conns.conns[id]; ok {
			continue
		}
		conn := i.conns.loadRow(&pc)
		i.state.markConnDirty(conn)
	}

	if i.state.enabled && blob.HasInitialized && len(blob.State) > 0 {
		root, err := decodeAs(i.def.State, blob.State)
		if err != nil {
			i.mu.Unlock()
			return err
		}
		i.state.root = root
	}
	i.mu.Unlock()

	if err := i.queue.init(ctx); err != nil {
		return err
	}

	// First creation: build state, run onCreate, persist before Ready.
	if !blob.HasInitialized {
		if err := i.initializeState(ctx); err != nil {
			return err
		}
	}

	if i.def.CreateVars != nil {
		vars, err := runHookValue(ctx, "createVars", i.opts.CreateVarsTimeout, func(ctx context.Context) (any, error) {
			return i.def.CreateVars(i.newContext(nil))
		})
		if err != nil {
			return err
		}
		i.mu.Lock()
		i.vars = vars
		i.mu.Unlock()
	}

	i.mu.Lock()
	i.status = StatusReady
	i.mu.Unlock()

	if hook := i.def.OnWake; hook != nil {
		if err := hook(i.newContext(nil)); err != nil {
			return err
		}
	}

	i.mu.Lock()
	i.schedule.initAlarmLocked()
	i.mu.Unlock()

	if hooks, ok := i.driver.(StartHookDriver); ok {
		if err := hooks.OnBeforeActorStart(ctx, i.id); err != nil {
			return err
		}
	}

	i.mu.Lock()
	i.status = StatusStarted
	i.mu.Unlock()

	if i.def.Run != nil {
		i.startRun()
	}

	i.mu.Lock()
	i.sleep.resetLocked()
	i.mu.Unlock()

	i.log.Info("Actor started", "conns", len(connRows))
	return nil
}

// initializeState runs createState/onCreate exactly once per actor lifetime
// and persists the initialized blob immediately.
func (i *Instance) initializeState(ctx context.Context) error {
	if i.state.enabled {
		var root any
		var err error
		if i.def.CreateState != nil {
			root, err = runHookValue(ctx, "createState", i.opts.CreateStateTimeout, func(ctx context.Context) (any, error) {
				return i.def.CreateState(i.newContext(nil))
			})
		} else {
			root, err = cloneValue(i.def.State)
		}
		if err != nil {
			return err
		}
		if err := validateSerializable("state", root); err != nil {
			return err
		}
		i.mu.Lock()
		i.state.root = root
		i.mu.Unlock()
	}

	if hook := i.def.OnCreate; hook != nil {
		if err := hook(i.newContext(nil)); err != nil {
			return err
		}
	}

	i.mu.Lock()
	i.state.hasInitialized = true
	i.state.actorDirty = true
	i.state.scheduleSaveLocked(0)
	i.mu.Unlock()
	return i.state.save(ctx, SaveOptions{Immediate: true})
}

// startRun launches the optional run handler. A spontaneous exit (return or
// error while the actor is not stopping) is treated as a crash and destroys
// the actor.
func (i *Instance) startRun() {
	i.mu.Lock()
	i.runActive = true
	i.runDone = make(chan struct{})
	done := i.runDone
	i.mu.Unlock()

	go func() {
		err := i.def.Run(i.newContext(nil))

		i.mu.Lock()
		i.runActive = false
		stopping := i.status >= StatusStopping
		i.sleep.resetLocked()
		i.mu.Unlock()
		close(done)

		if stopping {
			return
		}
		if err != nil {
			i.log.Error("run handler crashed, destroying actor", "error", err)
		} else {
			i.log.Error("run handler exited unexpectedly, destroying actor")
		}
		go func() {
			if stopErr := i.OnStop(context.Background(), StopReasonDestroy); stopErr != nil {
				i.log.Error("Destroy after run exit failed", "error", stopErr)
			}
		}()
	}()
}

// ExecuteAction dispatches a named action under the action timeout. The
// result is routed through OnBeforeActionResponse when defined; its errors
// are logged and the original output kept. A throttled persistence write is
// triggered on every exit path.
func (i *Instance) ExecuteAction(ctx context.Context, name string, args []any, conn *Conn) (any, error) {
	i.mu.Lock()
	switch {
	case i.status < StatusReady:
		i.mu.Unlock()
		return nil, ErrActorNotReady()
	case i.status >= StatusStopping:
		i.mu.Unlock()
		return nil, ErrActorStopping()
	}
	handler, ok := i.def.Actions[name]
	i.mu.Unlock()
	if !ok {
		return nil, ErrActionNotFound(name)
	}

	defer i.scheduleThrottledSave()

	output, err := runHookValue(ctx, "action:"+name, i.opts.ActionTimeout, func(ctx context.Context) (any, error) {
		return handler(i.newContext(conn), args)
	})
	if err != nil {
		if IsHookTimeout(err) {
			return nil, ErrActionTimedOut(name, i.opts.ActionTimeout)
		}
		return nil, err
	}

	if hook := i.def.OnBeforeActionResponse; hook != nil {
		rewritten, hookErr := hook(i.newContext(conn), name, output)
		if hookErr != nil {
			i.log.Warn("onBeforeActionResponse failed, returning original output",
				"action", name, "error", hookErr)
		} else {
			output = rewritten
		}
	}
	return output, nil
}

// ProcessMessage dispatches one framed client message.
func (i *Instance) ProcessMessage(ctx context.Context, msg *protocol.ToServer, conn *Conn) {
	switch {
	case msg.ActionRequest != nil:
		req := msg.ActionRequest
		output, err := i.ExecuteAction(ctx, req.Name, req.Args, conn)
		if err != nil {
			conn.SendError(err, &req.ID)
			return
		}
		if sendErr := conn.send(&protocol.ToClient{ActionResponse: &protocol.ActionResponse{
			ID:     req.ID,
			Output: output,
		}}); sendErr != nil {
			i.log.Warn("Failed to send action response", "conn_id", conn.id, "error", sendErr)
		}

	case msg.SubscriptionRequest != nil:
		req := msg.SubscriptionRequest
		i.mu.Lock()
		if req.Subscribe {
			i.events.addSubscriptionLocked(req.EventName, conn, false)
		} else {
			i.events.removeSubscriptionLocked(req.EventName, conn, false)
		}
		i.mu.Unlock()

	default:
		conn.SendError(newError(CodeInternal, "empty frame"), nil)
	}
}

// Broadcast sends an event to all subscribed connections.
func (i *Instance) Broadcast(name string, args ...any) error {
	i.mu.Lock()
	if i.status < StatusReady {
		i.mu.Unlock()
		return ErrActorNotReady()
	}
	i.mu.Unlock()
	return i.events.Broadcast(name, args)
}

// ScheduleEvent schedules an action at an absolute time.
func (i *Instance) ScheduleEvent(ctx context.Context, at time.Time, action string, args ...any) (string, error) {
	return i.schedule.Schedule(ctx, at, action, args)
}

// HandleRawRequest serves a raw HTTP request through the OnRequest hook.
func (i *Instance) HandleRawRequest(ctx context.Context, conn *Conn, req *http.Request) (*RawResponse, error) {
	if i.def.OnRequest == nil {
		return nil, ErrRequestHandlerNotDefined()
	}

	i.mu.Lock()
	if i.status < StatusReady {
		i.mu.Unlock()
		return nil, ErrActorNotReady()
	}
	i.activeRawRequests++
	i.sleep.resetLocked()
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		i.activeRawRequests--
		i.sleep.resetLocked()
		i.mu.Unlock()
		i.scheduleThrottledSave()
	}()

	resp, err := i.def.OnRequest(i.newContext(conn), conn, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrInvalidRequestHandlerResponse()
	}
	return resp, nil
}

// HandleRawWebSocket serves a raw websocket through the OnWebSocket hook.
// Synchronous up to the hook invocation so open/message ordering holds.
func (i *Instance) HandleRawWebSocket(conn *Conn, ws *websocket.Conn, req *http.Request) error {
	if i.def.OnWebSocket == nil {
		return ErrFetchHandlerNotDefined()
	}
	defer i.scheduleThrottledSave()
	return i.def.OnWebSocket(i.newContext(conn), conn, ws, req)
}

// ScheduleKeepAwake keeps the actor awake while fn runs in the background.
// The sleep timer is reset on both edges; a task still running after the
// wait-until budget stops blocking sleep.
func (i *Instance) ScheduleKeepAwake(fn func() error) {
	i.mu.Lock()
	i.activeKeepAwake++
	i.sleep.resetLocked()
	i.mu.Unlock()

	go func() {
		err := runHook(i.abortCtx, "keepAwake", i.opts.WaitUntilTimeout, func(ctx context.Context) error {
			return fn()
		})
		if err != nil {
			i.log.Warn("Keep-awake task failed", "error", err)
		}
		i.mu.Lock()
		i.activeKeepAwake--
		i.sleep.resetLocked()
		i.mu.Unlock()
	}()
}

// PrepareConn builds (or reattaches) a connection for an incoming transport.
func (i *Instance) PrepareConn(ctx context.Context, transport ConnTransport, params any) (*Conn, error) {
	i.mu.Lock()
	if i.status < StatusReady || i.status >= StatusStopping {
		i.mu.Unlock()
		return nil, ErrActorNotReady()
	}
	i.mu.Unlock()
	return i.conns.Prepare(ctx, transport, params)
}

// ConnectConn makes a prepared connection live.
func (i *Instance) ConnectConn(conn *Conn) {
	i.conns.Connect(conn)
}

// DisconnectConn tears a connection down. Unclean disconnects of
// hibernatable transports retain the connection for reattach.
func (i *Instance) DisconnectConn(conn *Conn, clean bool, reason string) {
	i.conns.Disconnect(conn, clean, reason)
}

// OnAlarm is called by the driver when the actor's alarm fires.
func (i *Instance) OnAlarm(ctx context.Context) error {
	i.mu.Lock()
	if i.status < StatusReady || i.status >= StatusStopping {
		i.mu.Unlock()
		return ErrActorNotReady()
	}
	i.mu.Unlock()
	return i.schedule.OnAlarm(ctx)
}

// OnStop performs an orderly teardown for sleep or destroy. Queue waiters
// and user loops observe the abort signal; the run handler is joined under
// the run-stop timeout; dirty state is flushed; the reason's hook runs under
// its deadline. Hook errors are returned after teardown completes.
func (i *Instance) OnStop(ctx context.Context, reason StopReason) error {
	i.mu.Lock()
	if i.status >= StatusStopping {
		i.mu.Unlock()
		return nil
	}
	i.status = StatusStopping
	runDone := i.runDone
	i.sleep.resetLocked()
	i.mu.Unlock()

	i.log.Info("Stopping actor", "reason", reason)
	i.abortCancel()

	if runDone != nil {
		select {
		case <-runDone:
		case <-time.After(i.opts.RunStopTimeout):
			i.log.Warn("run handler did not stop in time", "timeout", i.opts.RunStopTimeout)
		}
	}

	if err := i.state.save(ctx, SaveOptions{Immediate: true}); err != nil {
		i.log.Error("Final state flush failed", "error", err)
	}

	var hookErr error
	switch reason {
	case StopReasonSleep:
		if hook := i.def.OnSleep; hook != nil {
			hookErr = runHook(ctx, "onSleep", i.opts.OnSleepTimeout, func(ctx context.Context) error {
				return hook(i.newContext(nil))
			})
		}
	case StopReasonDestroy:
		if hook := i.def.OnDestroy; hook != nil {
			hookErr = runHook(ctx, "onDestroy", i.opts.OnDestroyTimeout, func(ctx context.Context) error {
				return hook(i.newContext(nil))
			})
		}
	}
	if hookErr != nil {
		i.log.Error("Stop hook failed", "reason", reason, "error", hookErr)
	}

	if reason == StopReasonDestroy {
		if err := i.driver.StartDestroy(ctx, i.id); err != nil {
			i.log.Error("startDestroy failed", "error", err)
			if hookErr == nil {
				hookErr = err
			}
		}
	}

	i.mu.Lock()
	i.status = StatusStopped
	i.mu.Unlock()
	i.log.Info("Actor stopped", "reason", reason)
	return hookErr
}

// InspectorToken returns the persisted inspector token, generating one on
// first use.
func (i *Instance) InspectorToken(ctx context.Context) (string, error) {
	values, err := i.driver.KVBatchGet(ctx, i.id, [][]byte{kv.InspectorTokenKey()})
	if err != nil {
		return "", err
	}
	if values[0] != nil {
		return string(values[0]), nil
	}
	token := uuid.NewString()
	if err := i.driver.KVBatchPut(ctx, i.id, []kv.Entry{{Key: kv.InspectorTokenKey(), Value: []byte(token)}}); err != nil {
		return "", err
	}
	return token, nil
}

// scheduleThrottledSave schedules a write if anything is dirty.
func (i *Instance) scheduleThrottledSave() {
	i.mu.Lock()
	if i.state.actorDirty || len(i.state.dirtyConns) > 0 {
		i.state.scheduleSaveLocked(0)
	}
	i.mu.Unlock()
}
