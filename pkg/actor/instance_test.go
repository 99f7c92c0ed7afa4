package actor

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteActionUnknownName(t *testing.T) {
	inst := startInstance(t, counterDef("i-unknown"), nil, nil)

	_, err := inst.ExecuteAction(context.Background(), "missing", nil, nil)
	assert.ErrorIs(t, err, &Error{Code: CodeActionNotFound})
}

func TestExecuteActionTimeout(t *testing.T) {
	opts := testOptions()
	opts.ActionTimeout = 30 * time.Millisecond
	def := counterDef("i-slow")
	def.Actions["stall"] = func(c *Context, args []any) (any, error) {
		select {
		case <-time.After(time.Second):
		case <-c.Context().Done():
		}
		return nil, nil
	}
	inst := startInstance(t, def, nil, opts)

	_, err := inst.ExecuteAction(context.Background(), "stall", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, &Error{Code: CodeActionTimedOut})
}

func TestOnBeforeActionResponseRewrites(t *testing.T) {
	def := counterDef("i-rewrite")
	def.OnBeforeActionResponse = func(c *Context, name string, output any) (any, error) {
		return map[string]any{"wrapped": output}, nil
	}
	inst := startInstance(t, def, nil, nil)

	out, err := inst.ExecuteAction(context.Background(), "increment", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"wrapped": int64(1)}, out)
}

func TestOnBeforeActionResponseErrorKeepsOriginal(t *testing.T) {
	def := counterDef("i-hookfail")
	def.OnBeforeActionResponse = func(c *Context, name string, output any) (any, error) {
		return nil, assert.AnError
	}
	inst := startInstance(t, def, nil, nil)

	out, err := inst.ExecuteAction(context.Background(), "increment", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out)
}

func TestLifecycleHookOrderOnFirstStart(t *testing.T) {
	var order []string
	def := counterDef("i-lifecycle")
	def.OnCreate = func(c *Context) error {
		order = append(order, "create")
		return nil
	}
	def.OnWake = func(c *Context) error {
		order = append(order, "wake")
		return nil
	}
	driver := newTestDriver()
	inst := startInstance(t, def, driver, nil)
	assert.Equal(t, []string{"create", "wake"}, order)

	// A wake of an existing actor skips creation.
	require.NoError(t, inst.OnStop(context.Background(), StopReasonSleep))
	order = nil
	restartInstance(t, def, driver, nil)
	assert.Equal(t, []string{"wake"}, order)
}

func TestOnSleepRunsOnStop(t *testing.T) {
	var slept atomic.Bool
	def := counterDef("i-onsleep")
	def.OnSleep = func(c *Context) error {
		slept.Store(true)
		return nil
	}
	inst := startInstance(t, def, nil, nil)
	require.NoError(t, inst.OnStop(context.Background(), StopReasonSleep))
	assert.True(t, slept.Load())
	assert.Equal(t, StatusStopped, inst.Status())
}

func TestDestroyRemovesPersistedData(t *testing.T) {
	var destroyed atomic.Bool
	driver := newTestDriver()
	def := counterDef("i-destroy")
	def.OnDestroy = func(c *Context) error {
		destroyed.Store(true)
		return nil
	}
	inst := startInstance(t, def, driver, nil)
	_, err := inst.ExecuteAction(context.Background(), "increment", nil, nil)
	require.NoError(t, err)

	require.NoError(t, inst.OnStop(context.Background(), StopReasonDestroy))
	assert.True(t, destroyed.Load())

	driver.mu.Lock()
	destroys := len(driver.destroys)
	driver.mu.Unlock()
	assert.Equal(t, 1, destroys)
}

func TestActionsRejectedAfterStop(t *testing.T) {
	inst := startInstance(t, counterDef("i-stopped"), nil, nil)
	require.NoError(t, inst.OnStop(context.Background(), StopReasonSleep))

	_, err := inst.ExecuteAction(context.Background(), "increment", nil, nil)
	assert.ErrorIs(t, err, &Error{Code: CodeActorStopping})
}

func TestRunCrashDestroysActor(t *testing.T) {
	driver := newTestDriver()
	def := counterDef("i-crash")
	def.Run = func(c *Context) error {
		return assert.AnError
	}
	startInstance(t, def, driver, nil)

	waitFor(t, 2*time.Second, func() bool {
		driver.mu.Lock()
		defer driver.mu.Unlock()
		return len(driver.destroys) == 1
	}, "expected a crashed run handler to destroy the actor")
}

func TestRunExitDuringStopIsNotACrash(t *testing.T) {
	driver := newTestDriver()
	def := counterDef("i-rundone")
	def.Run = func(c *Context) error {
		<-c.Context().Done()
		return nil
	}
	inst := startInstance(t, def, driver, nil)
	require.NoError(t, inst.OnStop(context.Background(), StopReasonSleep))

	time.Sleep(50 * time.Millisecond)
	driver.mu.Lock()
	destroys := len(driver.destroys)
	driver.mu.Unlock()
	assert.Zero(t, destroys)
}

func TestHandleRawRequest(t *testing.T) {
	def := counterDef("i-raw")
	def.OnRequest = func(c *Context, conn *Conn, r *http.Request) (*RawResponse, error) {
		return &RawResponse{
			Status: http.StatusTeapot,
			Header: http.Header{"X-Actor": []string{c.Name()}},
			Body:   []byte("short and stout"),
		}, nil
	}
	inst := startInstance(t, def, nil, nil)

	req, err := http.NewRequest(http.MethodGet, "/raw", nil)
	require.NoError(t, err)
	resp, err := inst.HandleRawRequest(context.Background(), nil, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.Status)
	assert.Equal(t, "i-raw", resp.Header.Get("X-Actor"))
}

func TestHandleRawRequestWithoutHandler(t *testing.T) {
	inst := startInstance(t, counterDef("i-noraw"), nil, nil)

	req, err := http.NewRequest(http.MethodGet, "/raw", nil)
	require.NoError(t, err)
	_, err = inst.HandleRawRequest(context.Background(), nil, req)
	assert.ErrorIs(t, err, &Error{Code: CodeRequestHandlerNotDefined})
}

func TestHandleRawRequestNilResponse(t *testing.T) {
	def := counterDef("i-nilresp")
	def.OnRequest = func(c *Context, conn *Conn, r *http.Request) (*RawResponse, error) {
		return nil, nil
	}
	inst := startInstance(t, def, nil, nil)

	req, err := http.NewRequest(http.MethodGet, "/raw", nil)
	require.NoError(t, err)
	_, err = inst.HandleRawRequest(context.Background(), nil, req)
	assert.ErrorIs(t, err, &Error{Code: CodeInvalidRequestHandlerResponse})
}

func TestVars(t *testing.T) {
	type vars struct{ hits *atomic.Int64 }
	def := counterDef("i-vars")
	def.CreateVars = func(c *Context) (any, error) {
		return &vars{hits: &atomic.Int64{}}, nil
	}
	inst := startInstance(t, def, nil, nil)

	c := inst.newContext(nil)
	v, err := c.Vars()
	require.NoError(t, err)
	v.(*vars).hits.Add(1)

	again, err := c.Vars()
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.(*vars).hits.Load())
}

func TestVarsNotEnabled(t *testing.T) {
	inst := startInstance(t, counterDef("i-novars"), nil, nil)

	_, err := inst.newContext(nil).Vars()
	assert.ErrorIs(t, err, &Error{Code: CodeVarsNotEnabled})
}

func TestInspectorTokenIsStable(t *testing.T) {
	driver := newTestDriver()
	inst := startInstance(t, counterDef("i-token"), driver, nil)

	token, err := inst.InspectorToken(context.Background())
	require.NoError(t, err)
	_, err = uuid.Parse(token)
	require.NoError(t, err, "token should be a uuid")

	again, err := inst.InspectorToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, again)
}

func TestInspectSnapshot(t *testing.T) {
	inst := startInstance(t, counterDef("i-inspect"), nil, nil)
	transport := newTestTransport()
	connect(t, inst, transport)

	snap := inst.Inspect()
	assert.Equal(t, inst.id, snap.ActorID)
	assert.Equal(t, "i-inspect", snap.Name)
	assert.Equal(t, 1, snap.ConnCount)
	assert.Equal(t, StatusStarted.String(), snap.Status)
}

func TestUserKVIsScopedAndListable(t *testing.T) {
	driver := newTestDriver()
	inst := startInstance(t, counterDef("i-kv"), driver, nil)
	c := inst.newContext(nil)
	userKV := c.KV()

	require.NoError(t, userKV.Put(context.Background(), []byte("alpha"), []byte("1")))
	require.NoError(t, userKV.Put(context.Background(), []byte("beta"), []byte("2")))

	value, err := userKV.Get(context.Background(), []byte("alpha"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)

	entries, err := userKV.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("alpha"), entries[0].Key)

	require.NoError(t, userKV.Delete(context.Background(), []byte("alpha")))
	value, err = userKV.Get(context.Background(), []byte("alpha"))
	require.NoError(t, err)
	assert.Nil(t, value)
}
