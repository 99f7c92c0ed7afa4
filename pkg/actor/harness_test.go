package actor

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/burrow-labs/burrow/pkg/config"
	"github.com/burrow-labs/burrow/pkg/kv"
	"github.com/burrow-labs/burrow/pkg/protocol"
)

// testDriver is an in-memory Driver that records every operation so tests can
// assert on write batching, alarms, and sleep requests.
type testDriver struct {
	mu       sync.Mutex
	data     map[string]map[string][]byte
	putCount int
	alarms   map[string]time.Time
	sleeps   []string
	destroys []string
}

func newTestDriver() *testDriver {
	return &testDriver{
		data:   make(map[string]map[string][]byte),
		alarms: make(map[string]time.Time),
	}
}

func (d *testDriver) space(actorID string) map[string][]byte {
	s, ok := d.data[actorID]
	if !ok {
		s = make(map[string][]byte)
		d.data[actorID] = s
	}
	return s
}

func (d *testDriver) KVBatchGet(_ context.Context, actorID string, keys [][]byte) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.space(actorID)
	out := make([][]byte, len(keys))
	for i, key := range keys {
		if v, ok := s[string(key)]; ok {
			out[i] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (d *testDriver) KVBatchPut(_ context.Context, actorID string, entries []kv.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.putCount++
	s := d.space(actorID)
	for _, e := range entries {
		s[string(e.Key)] = append([]byte(nil), e.Value...)
	}
	return nil
}

func (d *testDriver) KVBatchDelete(_ context.Context, actorID string, keys [][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.space(actorID)
	for _, key := range keys {
		delete(s, string(key))
	}
	return nil
}

func (d *testDriver) KVListPrefix(_ context.Context, actorID string, prefix []byte) ([]kv.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.space(actorID)
	var out []kv.Entry
	for key, value := range s {
		if strings.HasPrefix(key, string(prefix)) {
			out = append(out, kv.Entry{Key: []byte(key), Value: append([]byte(nil), value...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].Key) < string(out[j].Key) })
	return out, nil
}

func (d *testDriver) SetAlarm(_ context.Context, actorID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alarms[actorID] = at
	return nil
}

func (d *testDriver) StartSleep(_ context.Context, actorID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sleeps = append(d.sleeps, actorID)
	return nil
}

func (d *testDriver) StartDestroy(_ context.Context, actorID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroys = append(d.destroys, actorID)
	delete(d.data, actorID)
	return nil
}

func (d *testDriver) puts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.putCount
}

func (d *testDriver) value(actorID string, key []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.space(actorID)[string(key)]
}

func (d *testDriver) alarmAt(actorID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.alarms[actorID]
	return at, ok
}

func (d *testDriver) sleepCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sleeps)
}

var (
	_ Driver             = (*testDriver)(nil)
	_ SleepCapableDriver = (*testDriver)(nil)
)

func testOptions() *config.Options {
	opts := config.DefaultOptions()
	opts.NoSleep = true
	opts.StateSaveInterval = 20 * time.Millisecond
	return opts
}

// startInstance boots an instance for def on driver and stops it on cleanup.
func startInstance(t *testing.T, def *Definition, driver *testDriver, opts *config.Options) *Instance {
	t.Helper()
	if driver == nil {
		driver = newTestDriver()
	}
	if opts == nil {
		opts = testOptions()
	}
	inst := NewInstance(def, driver, opts, "actor-"+def.Name, def.Name, nil, "test")
	require.NoError(t, inst.Start(context.Background()))
	t.Cleanup(func() { _ = inst.OnStop(context.Background(), StopReasonSleep) })
	return inst
}

// restartInstance simulates a wake: a fresh instance over the same namespace.
func restartInstance(t *testing.T, def *Definition, driver *testDriver, opts *config.Options) *Instance {
	t.Helper()
	if opts == nil {
		opts = testOptions()
	}
	inst := NewInstance(def, driver, opts, "actor-"+def.Name, def.Name, nil, "test")
	require.NoError(t, inst.Start(context.Background()))
	t.Cleanup(func() { _ = inst.OnStop(context.Background(), StopReasonSleep) })
	return inst
}

// testTransport is an in-process framed transport capturing outgoing frames.
type testTransport struct {
	mu        sync.Mutex
	requestID []byte
	frames    []protocol.ToClient
	closes    []string
}

func newTestTransport() *testTransport { return &testTransport{} }

func (tr *testTransport) Encoding() string { return protocol.EncodingJSON }

func (tr *testTransport) Send(msg []byte) error {
	var frame protocol.ToClient
	if err := json.Unmarshal(msg, &frame); err != nil {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.frames = append(tr.frames, frame)
	return nil
}

func (tr *testTransport) Disconnect(reason string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.closes = append(tr.closes, reason)
	return nil
}

func (tr *testTransport) RequestID() []byte { return tr.requestID }

func (tr *testTransport) frameCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.frames)
}

func (tr *testTransport) frame(i int) protocol.ToClient {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.frames[i]
}

func (tr *testTransport) lastFrame() protocol.ToClient {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.frames[len(tr.frames)-1]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), msg)
}
