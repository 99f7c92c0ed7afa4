package actor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/burrow-labs/burrow/pkg/config"
	"github.com/burrow-labs/burrow/pkg/kv"
)

// actorIDNamespace seeds deterministic actor IDs so the same (name, key)
// always maps to the same ID across processes and restarts.
var actorIDNamespace = uuid.MustParse("b7e5a1c4-9f3d-4e2a-8c6b-0d1f2a3b4c5d")

// DeriveActorID maps an actor (name, key) pair to its stable ID. Key parts
// are length-prefixed so ("a", ["b", "c"]) and ("a", ["b\x00c"]) differ.
func DeriveActorID(name string, key []string) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(name)))
	b.WriteByte(':')
	b.WriteString(name)
	for _, part := range key {
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
	}
	return uuid.NewSHA1(actorIDNamespace, []byte(b.String())).String()
}

// Registry owns every live instance in the process. It creates instances on
// demand, routes driver callbacks to them, and tears them all down on
// shutdown.
type Registry struct {
	driver Driver
	opts   *config.Options
	region string
	log    *slog.Logger

	defs      *xsync.Map[string, *Definition]
	instances *xsync.Map[string, *Instance]

	mu       sync.Mutex
	shutdown bool
}

// NewRegistry builds a registry over one driver. opts are the process-wide
// runtime defaults; per-definition Options override them.
func NewRegistry(driver Driver, opts *config.Options, region string) *Registry {
	if opts == nil {
		opts = config.DefaultOptions()
	}
	return &Registry{
		driver:    driver,
		opts:      opts,
		region:    region,
		log:       slog.With("component", "registry"),
		defs:      xsync.NewMap[string, *Definition](),
		instances: xsync.NewMap[string, *Instance](),
	}
}

// Register adds an actor definition. Definitions are immutable once
// registered; re-registering a name is a programming error.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if _, loaded := r.defs.LoadOrStore(def.Name, def); loaded {
		return fmt.Errorf("actor type %q already registered", def.Name)
	}
	return nil
}

// Definition returns the registered definition for a type name.
func (r *Registry) Definition(name string) (*Definition, bool) {
	return r.defs.Load(name)
}

// Get returns the live instance for an actor ID, if resident.
func (r *Registry) Get(actorID string) (*Instance, bool) {
	return r.instances.Load(actorID)
}

// GetOrStart returns the live instance for (name, key), creating and starting
// one if none is resident. Concurrent callers for the same actor share a
// single start; a failed start evicts the instance so the next call retries.
func (r *Registry) GetOrStart(ctx context.Context, name string, key []string) (*Instance, error) {
	def, ok := r.defs.Load(name)
	if !ok {
		return nil, fmt.Errorf("unknown actor type %q", name)
	}
	return r.getOrStart(ctx, def, DeriveActorID(name, key), key)
}

// GetOrStartByID wakes the actor behind a stored ID, recovering its identity
// from the persisted blob. Used for alarm delivery to non-resident actors.
func (r *Registry) GetOrStartByID(ctx context.Context, actorID string) (*Instance, error) {
	if inst, ok := r.instances.Load(actorID); ok && inst.Status() < StatusStopping {
		return inst, nil
	}

	values, err := r.driver.KVBatchGet(ctx, actorID, [][]byte{kv.PersistDataKey()})
	if err != nil {
		return nil, err
	}
	if values[0] == nil {
		return nil, fmt.Errorf("actor %s has no persisted record", actorID)
	}
	var blob persistedActor
	if err := cbor.Unmarshal(values[0], &blob); err != nil {
		return nil, err
	}
	def, ok := r.defs.Load(blob.Name)
	if !ok {
		return nil, fmt.Errorf("actor %s has unregistered type %q", actorID, blob.Name)
	}
	return r.getOrStart(ctx, def, actorID, blob.Key)
}

// evict removes the map entry for actorID only while it still holds inst, so
// a concurrently registered replacement instance is never dropped.
func (r *Registry) evict(actorID string, inst *Instance) {
	r.instances.Compute(actorID, func(cur *Instance, loaded bool) (*Instance, xsync.ComputeOp) {
		if loaded && cur == inst {
			return nil, xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
}

func (r *Registry) getOrStart(ctx context.Context, def *Definition, actorID string, key []string) (*Instance, error) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry is shut down")
	}
	r.mu.Unlock()

	for {
		inst, _ := r.instances.LoadOrCompute(actorID, func() (*Instance, bool) {
			return NewInstance(def, r.driver, r.opts, actorID, def.Name, key, r.region), false
		})

		// A stopped instance (slept or destroyed) is a stale entry; evict
		// and build a fresh one.
		if inst.Status() >= StatusStopping {
			r.evict(actorID, inst)
			continue
		}

		if err := inst.Start(ctx); err != nil {
			r.evict(actorID, inst)
			return nil, err
		}
		return inst, nil
	}
}

// OnAlarm delivers a driver alarm, waking the actor if it is not resident.
func (r *Registry) OnAlarm(ctx context.Context, actorID string) error {
	inst, err := r.GetOrStartByID(ctx, actorID)
	if err != nil {
		return err
	}
	return inst.OnAlarm(ctx)
}

// RequestStop performs an orderly stop of a resident actor and evicts it.
// Stopping a non-resident actor is a no-op.
func (r *Registry) RequestStop(ctx context.Context, actorID string, reason StopReason) error {
	inst, ok := r.instances.Load(actorID)
	if !ok {
		return nil
	}
	err := inst.OnStop(ctx, reason)
	r.evict(actorID, inst)
	return err
}

// Shutdown stops every resident actor with the sleep reason so all state is
// flushed and actors can be woken later.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	r.mu.Unlock()

	var ids []string
	r.instances.Range(func(id string, _ *Instance) bool {
		ids = append(ids, id)
		return true
	})
	r.log.Info("Shutting down registry", "actors", len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.RequestStop(ctx, id, StopReasonSleep); err != nil {
				r.log.Error("Actor stop during shutdown failed", "actor_id", id, "error", err)
			}
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("registry shutdown timed out")
	}
}
