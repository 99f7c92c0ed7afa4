package pgkv

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/burrow-labs/burrow/pkg/actor"
	"github.com/burrow-labs/burrow/pkg/kv"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// getOrCreateSharedDatabase returns a connection string to the shared test
// database. In CI an external PostgreSQL is used via CI_DATABASE_URL; locally
// a testcontainer is started once per package.
func getOrCreateSharedDatabase(t *testing.T) string {
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}
		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to set up shared test container")
	return sharedConnStr
}

// openDriver creates an isolated schema for the test and opens a Driver
// scoped to it via search_path.
func openDriver(t *testing.T) *Driver {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	connStr := getOrCreateSharedDatabase(t)
	schema := schemaName(t)

	admin, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.ExecContext(context.Background(),
			fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
		_ = admin.Close()
	})

	u, err := url.Parse(connStr)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()

	d, err := Open(ctx, u.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// schemaName builds a unique, postgres-safe schema name from the test name.
func schemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}

type recordingNotifier struct {
	mu     sync.Mutex
	alarms []string
	stops  []string
}

func (n *recordingNotifier) OnAlarm(_ context.Context, actorID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alarms = append(n.alarms, actorID)
	return nil
}

func (n *recordingNotifier) RequestStop(_ context.Context, actorID string, _ actor.StopReason) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stops = append(n.stops, actorID)
	return nil
}

func (n *recordingNotifier) alarmCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alarms)
}

func TestBatchPutGetDelete(t *testing.T) {
	d := openDriver(t)
	ctx := context.Background()

	require.NoError(t, d.KVBatchPut(ctx, "a1", []kv.Entry{
		{Key: []byte("k1"), Value: []byte("v1")},
		{Key: []byte("k2"), Value: []byte("v2")},
	}))

	// Upsert overwrites.
	require.NoError(t, d.KVBatchPut(ctx, "a1", []kv.Entry{
		{Key: []byte("k1"), Value: []byte("v1b")},
	}))

	values, err := d.KVBatchGet(ctx, "a1", [][]byte{[]byte("k1"), []byte("missing"), []byte("k2")})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1b"), values[0])
	assert.Nil(t, values[1])
	assert.Equal(t, []byte("v2"), values[2])

	require.NoError(t, d.KVBatchDelete(ctx, "a1", [][]byte{[]byte("k1")}))
	values, err = d.KVBatchGet(ctx, "a1", [][]byte{[]byte("k1")})
	require.NoError(t, err)
	assert.Nil(t, values[0])
}

func TestListPrefixRangeScan(t *testing.T) {
	d := openDriver(t)
	ctx := context.Background()

	require.NoError(t, d.KVBatchPut(ctx, "a1", []kv.Entry{
		{Key: kv.QueueMessageKey(2), Value: []byte("second")},
		{Key: kv.QueueMessageKey(1), Value: []byte("first")},
		{Key: kv.QueueMetadataKey(), Value: []byte("meta")},
		{Key: kv.PersistDataKey(), Value: []byte("blob")},
	}))

	entries, err := d.KVListPrefix(ctx, "a1", kv.QueuePrefix())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("first"), entries[0].Value)
	assert.Equal(t, []byte("second"), entries[1].Value)

	id, ok := kv.QueueMessageIDFromKey(entries[0].Key)
	require.True(t, ok)
	assert.Equal(t, uint64(1), id)
}

func TestNamespacesAreIsolated(t *testing.T) {
	d := openDriver(t)
	ctx := context.Background()

	require.NoError(t, d.KVBatchPut(ctx, "a1", []kv.Entry{{Key: []byte("k"), Value: []byte("one")}}))
	require.NoError(t, d.KVBatchPut(ctx, "a2", []kv.Entry{{Key: []byte("k"), Value: []byte("two")}}))

	values, err := d.KVBatchGet(ctx, "a1", [][]byte{[]byte("k")})
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), values[0])
}

func TestDueAlarmIsClaimedAndDelivered(t *testing.T) {
	d := openDriver(t)
	notifier := &recordingNotifier{}
	d.SetNotifier(notifier)

	require.NoError(t, d.SetAlarm(context.Background(), "a1", time.Now().Add(-time.Second)))

	require.Eventually(t, func() bool {
		return notifier.alarmCount() == 1
	}, 10*time.Second, 100*time.Millisecond)

	// The claim deleted the row; no second delivery happens.
	time.Sleep(2 * alarmPollInterval)
	assert.Equal(t, 1, notifier.alarmCount())
}

func TestSetAlarmReplacesPending(t *testing.T) {
	d := openDriver(t)
	notifier := &recordingNotifier{}
	d.SetNotifier(notifier)

	require.NoError(t, d.SetAlarm(context.Background(), "a1", time.Now().Add(time.Hour)))
	require.NoError(t, d.SetAlarm(context.Background(), "a1", time.Now().Add(-time.Second)))

	require.Eventually(t, func() bool {
		return notifier.alarmCount() == 1
	}, 10*time.Second, 100*time.Millisecond)
}

func TestStartSleepRequestsStop(t *testing.T) {
	d := openDriver(t)
	notifier := &recordingNotifier{}
	d.SetNotifier(notifier)

	require.NoError(t, d.StartSleep(context.Background(), "a1"))
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Equal(t, []string{"a1"}, notifier.stops)
}

func TestStartDestroyDropsRowsAndAlarm(t *testing.T) {
	d := openDriver(t)
	ctx := context.Background()

	require.NoError(t, d.KVBatchPut(ctx, "a1", []kv.Entry{{Key: []byte("k"), Value: []byte("v")}}))
	require.NoError(t, d.SetAlarm(ctx, "a1", time.Now().Add(time.Hour)))
	require.NoError(t, d.StartDestroy(ctx, "a1"))

	values, err := d.KVBatchGet(ctx, "a1", [][]byte{[]byte("k")})
	require.NoError(t, err)
	assert.Nil(t, values[0])
}
