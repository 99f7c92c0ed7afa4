// Package sqlitekv provides the SQLite-backed driver. It uses
// modernc.org/sqlite (pure Go, no CGO) so the binary is fully static and
// works in scratch/alpine Docker images without a C compiler.
package sqlitekv

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/burrow-labs/burrow/pkg/actor"
	"github.com/burrow-labs/burrow/pkg/kv"
)

// Driver implements actor.Driver, actor.SleepCapableDriver, and
// actor.DatabaseDriver over a single SQLite file. Actor alarms persist in a
// side table and are re-armed on open, so a restart does not lose wakeups.
type Driver struct {
	db  *sql.DB
	dir string
	log *slog.Logger

	mu       sync.Mutex
	notifier actor.Notifier
	alarms   map[string]*time.Timer
	userDBs  map[string]*sql.DB
}

// Open opens (or creates) the runtime database at dir/burrow.db and applies
// the schema. Per-actor user databases live alongside it.
func Open(dir string) (*Driver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "burrow.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	d := &Driver{
		db:      db,
		dir:     dir,
		log:     slog.With("component", "sqlitekv"),
		alarms:  make(map[string]*time.Timer),
		userDBs: make(map[string]*sql.DB),
	}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// migrate applies the schema. New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (d *Driver) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS actor_kv (
			actor_id TEXT NOT NULL,
			key      BLOB NOT NULL,
			value    BLOB NOT NULL,
			PRIMARY KEY (actor_id, key)
		)`,

		`CREATE TABLE IF NOT EXISTS actor_alarms (
			actor_id TEXT PRIMARY KEY,
			fire_at  INTEGER NOT NULL -- epoch ms
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SetNotifier wires the registry callbacks and re-arms persisted alarms.
func (d *Driver) SetNotifier(n actor.Notifier) error {
	d.mu.Lock()
	d.notifier = n
	d.mu.Unlock()

	rows, err := d.db.Query(`SELECT actor_id, fire_at FROM actor_alarms`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var actorID string
		var fireAt int64
		if err := rows.Scan(&actorID, &fireAt); err != nil {
			return err
		}
		d.armLocked(actorID, time.UnixMilli(fireAt))
	}
	return rows.Err()
}

// KVBatchGet returns one value per key, nil for missing keys.
func (d *Driver) KVBatchGet(ctx context.Context, actorID string, keys [][]byte) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, key := range keys {
		var value []byte
		err := d.db.QueryRowContext(ctx,
			`SELECT value FROM actor_kv WHERE actor_id = ? AND key = ?`,
			actorID, key).Scan(&value)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = value
	}
	return out, nil
}

// KVBatchPut writes all entries in one transaction.
func (d *Driver) KVBatchPut(ctx context.Context, actorID string, entries []kv.Entry) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO actor_kv (actor_id, key, value) VALUES (?, ?, ?)
			ON CONFLICT(actor_id, key) DO UPDATE SET value = excluded.value
		`, actorID, e.Key, e.Value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// KVBatchDelete deletes all keys in one transaction; missing keys are
// ignored.
func (d *Driver) KVBatchDelete(ctx context.Context, actorID string, keys [][]byte) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM actor_kv WHERE actor_id = ? AND key = ?`,
			actorID, key); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// KVListPrefix returns all entries under prefix in key order.
func (d *Driver) KVListPrefix(ctx context.Context, actorID string, prefix []byte) ([]kv.Entry, error) {
	query := `SELECT key, value FROM actor_kv WHERE actor_id = ? AND key >= ?`
	args := []any{actorID, prefix}
	if upper, ok := prefixSuccessor(prefix); ok {
		query += ` AND key < ?`
		args = append(args, upper)
	}
	query += ` ORDER BY key`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kv.Entry
	for rows.Next() {
		var e kv.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetAlarm persists the actor's alarm and arms an in-process timer.
func (d *Driver) SetAlarm(ctx context.Context, actorID string, at time.Time) error {
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO actor_alarms (actor_id, fire_at) VALUES (?, ?)
		ON CONFLICT(actor_id) DO UPDATE SET fire_at = excluded.fire_at
	`, actorID, at.UnixMilli()); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.armLocked(actorID, at)
	return nil
}

func (d *Driver) armLocked(actorID string, at time.Time) {
	if t, ok := d.alarms[actorID]; ok {
		t.Stop()
	}
	d.alarms[actorID] = time.AfterFunc(time.Until(at), func() { d.fireAlarm(actorID) })
}

func (d *Driver) fireAlarm(actorID string) {
	d.mu.Lock()
	n := d.notifier
	delete(d.alarms, actorID)
	d.mu.Unlock()
	if n == nil {
		d.log.Error("Alarm fired with no notifier wired", "actor_id", actorID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM actor_alarms WHERE actor_id = ?`, actorID); err != nil {
		d.log.Error("Failed to clear fired alarm", "actor_id", actorID, "error", err)
	}
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

// StartDestroy drops the actor's rows, alarm, and user database.
func (d *Driver) StartDestroy(ctx context.Context, actorID string) error {
	d.mu.Lock()
	if t, ok := d.alarms[actorID]; ok {
		t.Stop()
		delete(d.alarms, actorID)
	}
	userDB := d.userDBs[actorID]
	delete(d.userDBs, actorID)
	d.mu.Unlock()

	if userDB != nil {
		userDB.Close()
	}
	if err := os.Remove(d.userDBPath(actorID)); err != nil && !os.IsNotExist(err) {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM actor_kv WHERE actor_id = ?`, actorID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM actor_alarms WHERE actor_id = ?`, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// Database returns the actor's private SQLite handle, creating the file on
// first use. User schema is entirely the actor's business.
func (d *Driver) Database(actorID string) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if db, ok := d.userDBs[actorID]; ok {
		return db, nil
	}

	db, err := sql.Open("sqlite", d.userDBPath(actorID))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	d.userDBs[actorID] = db
	return db, nil
}

func (d *Driver) userDBPath(actorID string) string {
	return filepath.Join(d.dir, "actor-"+actorID+".db")
}

// Close stops all timers and closes every handle.
func (d *Driver) Close() error {
	d.mu.Lock()
	for _, t := range d.alarms {
		t.Stop()
	}
	d.alarms = make(map[string]*time.Timer)
	userDBs := d.userDBs
	d.userDBs = make(map[string]*sql.DB)
	d.mu.Unlock()

	for _, db := range userDBs {
		db.Close()
	}
	return d.db.Close()
}

// prefixSuccessor returns the smallest key greater than every key with the
// given prefix. ok is false when no upper bound exists (all-0xff prefix).
func prefixSuccessor(prefix []byte) ([]byte, bool) {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1], true
		}
	}
	return nil, false
}

var (
	_ actor.Driver             = (*Driver)(nil)
	_ actor.SleepCapableDriver = (*Driver)(nil)
	_ actor.DatabaseDriver     = (*Driver)(nil)
)
