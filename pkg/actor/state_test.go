package actor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrow-labs/burrow/pkg/kv"
)

type counterState struct {
	Count int64 `cbor:"count" json:"count"`
}

func counterDef(name string) *Definition {
	return &Definition{
		Name:  name,
		State: &counterState{},
		Actions: map[string]ActionFunc{
			"increment": func(c *Context, args []any) (any, error) {
				var count int64
				err := c.MutateState(func(root any) (any, error) {
					s := root.(*counterState)
					s.Count++
					count = s.Count
					return s, nil
				})
				return count, err
			},
			"get": func(c *Context, args []any) (any, error) {
				root, err := c.State()
				if err != nil {
					return nil, err
				}
				return root.(*counterState).Count, nil
			},
		},
	}
}

func decodeBlob(t *testing.T, driver *testDriver, actorID string) persistedActor {
	t.Helper()
	raw := driver.value(actorID, kv.PersistDataKey())
	require.NotEmpty(t, raw)
	var blob persistedActor
	require.NoError(t, cbor.Unmarshal(raw, &blob))
	return blob
}

func TestStateThrottledSaveCoalesces(t *testing.T) {
	driver := newTestDriver()
	inst := startInstance(t, counterDef("coalesce"), driver, nil)

	// Initial creation writes the blob once.
	baseline := driver.puts()

	for i := 0; i < 5; i++ {
		_, err := inst.ExecuteAction(context.Background(), "increment", nil, nil)
		require.NoError(t, err)
	}

	waitFor(t, time.Second, func() bool {
		blob := decodeBlob(t, driver, inst.id)
		var s counterState
		return cbor.Unmarshal(blob.State, &s) == nil && s.Count == 5
	}, "expected count 5 to persist")

	// Five mutations inside one throttle window collapse into far fewer
	// batches than mutations.
	assert.Less(t, driver.puts()-baseline, 5)
}

func TestStateSaveImmediate(t *testing.T) {
	driver := newTestDriver()
	opts := testOptions()
	opts.StateSaveInterval = time.Hour // force the explicit path
	inst := startInstance(t, counterDef("immediate"), driver, opts)

	_, err := inst.ExecuteAction(context.Background(), "increment", nil, nil)
	require.NoError(t, err)

	c := inst.newContext(nil)
	require.NoError(t, c.SaveState(SaveOptions{Immediate: true}))

	blob := decodeBlob(t, driver, inst.id)
	var s counterState
	require.NoError(t, cbor.Unmarshal(blob.State, &s))
	assert.Equal(t, int64(1), s.Count)
}

func TestStateRejectsUnserializableRoot(t *testing.T) {
	inst := startInstance(t, counterDef("invalid"), nil, nil)

	c := inst.newContext(nil)
	err := c.SetState(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
	assert.ErrorIs(t, err, &Error{Code: CodeInvalidStateType})
}

// openState leaves room to smuggle a non-serializable value past SetState
// validation by mutating the committed root in place.
type openState struct {
	Extra any `cbor:"extra"`
}

func TestStateSaveEncodeFailureSurfacesAndRetries(t *testing.T) {
	driver := newTestDriver()
	def := &Definition{Name: "smuggler", State: &openState{}}
	opts := testOptions()
	opts.StateSaveInterval = time.Hour
	inst := startInstance(t, def, driver, opts)

	c := inst.newContext(nil)
	require.NoError(t, c.SetState(&openState{Extra: "ok"}))

	root, err := c.State()
	require.NoError(t, err)
	root.(*openState).Extra = make(chan int)

	// Every explicit save reports the encode failure; none may panic.
	require.Error(t, c.SaveState(SaveOptions{Immediate: true}))
	require.Error(t, c.SaveState(SaveOptions{Immediate: true}))

	// The root stays dirty through the failures, so once it encodes again
	// the retried batch carries it.
	root.(*openState).Extra = "healed"
	require.NoError(t, c.SaveState(SaveOptions{Immediate: true}))

	blob := decodeBlob(t, driver, inst.id)
	var s openState
	require.NoError(t, cbor.Unmarshal(blob.State, &s))
	assert.Equal(t, "healed", s.Extra)
}

func TestStateSaveEncodeFailureDoesNotAbortStop(t *testing.T) {
	driver := newTestDriver()
	def := &Definition{Name: "smuggler-stop", State: &openState{}}
	opts := testOptions()
	opts.StateSaveInterval = time.Hour
	inst := startInstance(t, def, driver, opts)

	c := inst.newContext(nil)
	require.NoError(t, c.SetState(&openState{Extra: "ok"}))
	root, err := c.State()
	require.NoError(t, err)
	root.(*openState).Extra = make(chan int)
	require.Error(t, c.SaveState(SaveOptions{Immediate: true}))

	// The final flush during stop hits the same encode failure; it is logged
	// and teardown still completes.
	require.NoError(t, inst.OnStop(context.Background(), StopReasonSleep))
	assert.Equal(t, StatusStopped, inst.Status())
}

func TestStateSurvivesRestart(t *testing.T) {
	driver := newTestDriver()
	def := counterDef("survive")
	inst := startInstance(t, def, driver, nil)
	for i := 0; i < 3; i++ {
		_, err := inst.ExecuteAction(context.Background(), "increment", nil, nil)
		require.NoError(t, err)
	}
	require.NoError(t, inst.OnStop(context.Background(), StopReasonSleep))

	inst2 := restartInstance(t, def, driver, nil)
	out, err := inst2.ExecuteAction(context.Background(), "get", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)
}

func TestStateDecodesToPrototypeType(t *testing.T) {
	driver := newTestDriver()
	def := counterDef("typed")
	inst := startInstance(t, def, driver, nil)
	require.NoError(t, inst.OnStop(context.Background(), StopReasonSleep))

	inst2 := restartInstance(t, def, driver, nil)
	c := inst2.newContext(nil)
	root, err := c.State()
	require.NoError(t, err)
	// Reloaded state must come back as the definition's prototype type, not a
	// generic map.
	_, ok := root.(*counterState)
	assert.True(t, ok, "state root is %T", root)
}

func TestOnStateChangeFires(t *testing.T) {
	var observed atomic.Int64
	def := counterDef("observe")
	def.OnStateChange = func(c *Context, state any) {
		observed.Store(state.(*counterState).Count)
	}
	inst := startInstance(t, def, nil, nil)

	_, err := inst.ExecuteAction(context.Background(), "increment", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), observed.Load())
}

func TestOnStateChangeReentryIsAbsorbed(t *testing.T) {
	var calls atomic.Int32
	def := counterDef("reentrant")
	def.OnStateChange = func(c *Context, state any) {
		calls.Add(1)
		// A hook that writes state again must not recurse or deadlock.
		s := state.(*counterState)
		require.NoError(t, c.SetState(&counterState{Count: s.Count}))
	}
	inst := startInstance(t, def, nil, nil)

	_, err := inst.ExecuteAction(context.Background(), "increment", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateStateBuildsInitialValue(t *testing.T) {
	driver := newTestDriver()
	def := &Definition{
		Name:  "seeded",
		State: &counterState{},
		CreateState: func(c *Context) (any, error) {
			return &counterState{Count: 42}, nil
		},
		Actions: map[string]ActionFunc{
			"get": func(c *Context, args []any) (any, error) {
				root, err := c.State()
				if err != nil {
					return nil, err
				}
				return root.(*counterState).Count, nil
			},
		},
	}
	inst := startInstance(t, def, driver, nil)

	out, err := inst.ExecuteAction(context.Background(), "get", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), out)

	// Creation persists immediately, before any action runs.
	blob := decodeBlob(t, driver, inst.id)
	assert.True(t, blob.HasInitialized)
}

func TestStateBlobCarriesIdentity(t *testing.T) {
	driver := newTestDriver()
	def := counterDef("identity")
	inst := NewInstance(def, driver, testOptions(), "actor-identity", def.Name, []string{"room", "7"}, "test")
	require.NoError(t, inst.Start(context.Background()))
	t.Cleanup(func() { _ = inst.OnStop(context.Background(), StopReasonSleep) })

	blob := decodeBlob(t, driver, "actor-identity")
	assert.Equal(t, "identity", blob.Name)
	assert.Equal(t, []string{"room", "7"}, blob.Key)
}
