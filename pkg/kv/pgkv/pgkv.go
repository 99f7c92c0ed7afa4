// Package pgkv provides the PostgreSQL-backed driver for multi-node
// deployments. Migrations are embedded into the binary with go:embed and
// applied on open, so production deployments need no external files.
package pgkv

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql

	"github.com/burrow-labs/burrow/pkg/actor"
	"github.com/burrow-labs/burrow/pkg/kv"
)

//go:embed migrations
var migrationsFS embed.FS

// alarmPollInterval bounds alarm delivery latency. Postgres has no timer
// callback, so due alarms are claimed by polling.
const alarmPollInterval = time.Second

// Driver implements actor.Driver and actor.SleepCapableDriver over a shared
// PostgreSQL database. Alarms persist in a side table; one poll loop per
// process claims and delivers due alarms, DELETE ... RETURNING making each
// claim exclusive across nodes.
type Driver struct {
	db  *sql.DB
	log *slog.Logger

	mu       sync.Mutex
	notifier actor.Notifier

	pollStop chan struct{}
	pollDone chan struct{}
}

// Open connects with the pgx driver, verifies the connection, and applies
// pending migrations.
func Open(ctx context.Context, dsn string) (*Driver, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(15 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Driver{
		db:  db,
		log: slog.With("component", "pgkv"),
	}, nil
}

// runMigrations applies embedded migrations with golang-migrate.
func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "burrow", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver. m.Close() would also close the
	// database driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// SetNotifier wires the registry callbacks and starts the alarm poll loop.
func (d *Driver) SetNotifier(n actor.Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifier = n
	if d.pollStop == nil {
		d.pollStop = make(chan struct{})
		d.pollDone = make(chan struct{})
		go d.pollAlarms()
	}
}

func (d *Driver) pollAlarms() {
	defer close(d.pollDone)
	ticker := time.NewTicker(alarmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.pollStop:
			return
		case <-ticker.C:
			d.deliverDueAlarms()
		}
	}
}

func (d *Driver) deliverDueAlarms() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `
		DELETE FROM actor_alarms
		 WHERE fire_at <= $1
		RETURNING actor_id
	`, time.Now().UnixMilli())
	if err != nil {
		d.log.Error("Alarm poll failed", "error", err)
		return
	}
	var due []string
	for rows.Next() {
		var actorID string
		if err := rows.Scan(&actorID); err != nil {
			rows.Close()
			d.log.Error("Alarm poll scan failed", "error", err)
			return
		}
		due = append(due, actorID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		d.log.Error("Alarm poll failed", "error", err)
		return
	}

	d.mu.Lock()
	n := d.notifier
	d.mu.Unlock()
	for _, actorID := range due {
		if err := n.OnAlarm(ctx, actorID); err != nil {
			d.log.Error("Alarm delivery failed", "actor_id", actorID, "error", err)
		}
	}
}

// KVBatchGet returns one value per key, nil for missing keys.
func (d *Driver) KVBatchGet(ctx context.Context, actorID string, keys [][]byte) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, key := range keys {
		var value []byte
		err := d.db.QueryRowContext(ctx,
			`SELECT value FROM actor_kv WHERE actor_id = $1 AND key = $2`,
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
			INSERT INTO actor_kv (actor_id, key, value) VALUES ($1, $2, $3)
			ON CONFLICT (actor_id, key) DO UPDATE SET value = EXCLUDED.value
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
			`DELETE FROM actor_kv WHERE actor_id = $1 AND key = $2`,
			actorID, key); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// KVListPrefix returns all entries under prefix in key order.
func (d *Driver) KVListPrefix(ctx context.Context, actorID string, prefix []byte) ([]kv.Entry, error) {
	query := `SELECT key, value FROM actor_kv WHERE actor_id = $1 AND key >= $2`
	args := []any{actorID, prefix}
	if upper, ok := prefixSuccessor(prefix); ok {
		query += ` AND key < $3`
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

// SetAlarm replaces the actor's pending alarm.
func (d *Driver) SetAlarm(ctx context.Context, actorID string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO actor_alarms (actor_id, fire_at) VALUES ($1, $2)
		ON CONFLICT (actor_id) DO UPDATE SET fire_at = EXCLUDED.fire_at
	`, actorID, at.UnixMilli())
	return err
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

// StartDestroy drops the actor's rows and alarm.
func (d *Driver) StartDestroy(ctx context.Context, actorID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM actor_kv WHERE actor_id = $1`, actorID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM actor_alarms WHERE actor_id = $1`, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// Close stops the poll loop and closes the pool.
func (d *Driver) Close() error {
	d.mu.Lock()
	stop, done := d.pollStop, d.pollDone
	d.pollStop, d.pollDone = nil, nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
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
)
