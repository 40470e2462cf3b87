// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package confdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/leasecore/leasecore/lease"
	"github.com/leasecore/leasecore/store"
)

var sqliteVersion = store.Version{Major: 1, Minor: 0}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	major INTEGER NOT NULL,
	minor INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS config_entities (
	object_type TEXT NOT NULL,
	object_key TEXT NOT NULL,
	doc TEXT NOT NULL,
	tags TEXT NOT NULL,
	modified_at INTEGER NOT NULL,
	PRIMARY KEY (object_type, object_key)
);
CREATE INDEX IF NOT EXISTS config_entities_modified ON config_entities(object_type, modified_at);
CREATE TABLE IF NOT EXISTS audit_log (
	revision INTEGER PRIMARY KEY AUTOINCREMENT,
	object_type TEXT NOT NULL,
	object_id TEXT NOT NULL,
	action INTEGER NOT NULL,
	modified_at INTEGER NOT NULL,
	tags TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_modified ON audit_log(modified_at, revision);
`

// SQLiteBackend is the persistent configuration backend. Entities are one
// JSON document per row keyed by (object type, natural key); the audit log
// rides in the same database so a write and its audit entry commit in one
// transaction. It implements both Backend4 and Backend6.
type SQLiteBackend struct {
	mu    sync.Mutex
	db    *sql.DB
	tx    *sql.Tx // non-nil while a Batch is open
	clock auditClock

	observers map[uuid.UUID]Observer
	pending   []AuditEntry // batch audit, delivered on commit
}

// OpenSQLite opens (creating if needed) a configuration database and
// verifies its schema version.
func OpenSQLite(dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", lease.ErrDBOperation, dsn, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", lease.ErrDBOperation, err)
	}
	b := &SQLiteBackend{db: db, observers: map[uuid.UUID]Observer{}}
	if err := b.checkVersion(); err != nil {
		db.Close()
		return nil, err
	}
	if err := b.seedClock(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) checkVersion() error {
	var v store.Version
	err := b.db.QueryRow("SELECT major, minor FROM schema_version").Scan(&v.Major, &v.Minor)
	switch {
	case err == sql.ErrNoRows:
		if _, err := b.db.Exec("INSERT INTO schema_version (major, minor) VALUES (?, ?)",
			sqliteVersion.Major, sqliteVersion.Minor); err != nil {
			return fmt.Errorf("%w: stamp schema version: %v", lease.ErrDBOperation, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("%w: read schema version: %v", lease.ErrDBOperation, err)
	}
	if !v.Compatible(sqliteVersion) {
		return fmt.Errorf("%w: on-disk schema %s, expected major %d",
			lease.ErrDBIncompatible, v, sqliteVersion.Major)
	}
	return nil
}

// seedClock fast-forwards the audit clock past what is already on disk so
// restarted instances keep the per-tag timestamp ordering.
func (b *SQLiteBackend) seedClock() error {
	var last sql.NullInt64
	var rev sql.NullInt64
	err := b.db.QueryRow("SELECT MAX(modified_at), MAX(revision) FROM audit_log").Scan(&last, &rev)
	if err != nil {
		return fmt.Errorf("%w: seed audit clock: %v", lease.ErrDBOperation, err)
	}
	if last.Valid {
		b.clock.seed(time.Unix(0, last.Int64), uint64(rev.Int64))
	}
	return nil
}

// Name implements Backend.
func (b *SQLiteBackend) Name() string { return "sqlite" }

// Description implements Backend.
func (b *SQLiteBackend) Description() string { return "sqlite configuration backend" }

// Version implements Backend.
func (b *SQLiteBackend) Version(ctx context.Context) (store.Version, error) {
	var v store.Version
	err := b.db.QueryRowContext(ctx, "SELECT major, minor FROM schema_version").Scan(&v.Major, &v.Minor)
	if err != nil {
		return v, fmt.Errorf("%w: read schema version: %v", lease.ErrDBOperation, err)
	}
	return v, nil
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error { return b.db.Close() }

// RegisterObserver implements Backend.
func (b *SQLiteBackend) RegisterObserver(cb Observer) (uuid.UUID, error) {
	if cb == nil {
		return uuid.Nil, fmt.Errorf("%w: nil observer callback", lease.ErrInvalidParameter)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	handle := uuid.New()
	b.observers[handle] = cb
	return handle, nil
}

// UnregisterObserver implements Backend.
func (b *SQLiteBackend) UnregisterObserver(handle uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.observers, handle)
}

// Batch runs fn with every write routed through one transaction: either
// every entity and audit row in the batch commits, or none do, so a
// GetModified* following a failed batch sees nothing of it.
func (b *SQLiteBackend) Batch(ctx context.Context, fn func() error) error {
	b.mu.Lock()
	if b.tx != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: nested batch", lease.ErrInvalidOperation)
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: begin batch: %v", lease.ErrDBOperation, err)
	}
	b.tx = tx
	b.pending = nil
	b.mu.Unlock()

	err = fn()

	b.mu.Lock()
	b.tx = nil
	entries := b.pending
	b.pending = nil
	observers := b.snapshotObservers()
	b.mu.Unlock()

	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit batch: %v", lease.ErrDBOperation, err)
	}
	if len(entries) > 0 {
		for _, cb := range observers {
			cb(entries)
		}
	}
	return nil
}

func (b *SQLiteBackend) snapshotObservers() []Observer {
	out := make([]Observer, 0, len(b.observers))
	for _, cb := range b.observers {
		out = append(out, cb)
	}
	return out
}

// runner abstracts the DB handle vs. an open batch transaction.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type entityRow struct {
	key        string
	doc        []byte
	tags       []string
	modifiedAt time.Time
}

func scanEntityRow(r rowScanner) (entityRow, error) {
	var (
		row     entityRow
		tagsRaw string
		nanos   int64
	)
	if err := r.Scan(&row.key, &row.doc, &tagsRaw, &nanos); err != nil {
		return row, err
	}
	if err := json.Unmarshal([]byte(tagsRaw), &row.tags); err != nil {
		return row, fmt.Errorf("%w: decode tags %q: %v", lease.ErrDBOperation, tagsRaw, err)
	}
	row.modifiedAt = time.Unix(0, nanos)
	return row, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (b *SQLiteBackend) fetch(ctx context.Context, run runner, objectType, key string) (*entityRow, error) {
	row, err := scanEntityRow(run.QueryRowContext(ctx,
		"SELECT object_key, doc, tags, modified_at FROM config_entities WHERE object_type = ? AND object_key = ?",
		objectType, key))
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: fetch %s %s: %v", lease.ErrDBOperation, objectType, key, err)
	}
	return &row, nil
}

func (b *SQLiteBackend) fetchWhere(ctx context.Context, run runner, q string, args ...any) ([]entityRow, error) {
	rows, err := run.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query entities: %v", lease.ErrDBOperation, err)
	}
	defer rows.Close()
	var out []entityRow
	for rows.Next() {
		row, err := scanEntityRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan entity: %v", lease.ErrDBOperation, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate entities: %v", lease.ErrDBOperation, err)
	}
	return out, nil
}

// sqlGet decodes a single selector-visible entity.
func sqlGet[T any](b *SQLiteBackend, ctx context.Context, sel ServerSelector, objectType, key string) (*T, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	row, err := b.fetch(ctx, b.runner(), objectType, key)
	if err != nil || row == nil {
		return nil, err
	}
	if !sel.matches(row.tags) {
		return nil, nil
	}
	return decodeDoc[T](objectType, row.doc)
}

func sqlAll[T any](b *SQLiteBackend, ctx context.Context, sel ServerSelector, objectType string) ([]*T, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.fetchWhere(ctx, b.runner(),
		"SELECT object_key, doc, tags, modified_at FROM config_entities WHERE object_type = ? ORDER BY object_key",
		objectType)
	if err != nil {
		return nil, err
	}
	return decodeVisible[T](sel, objectType, rows)
}

func sqlModified[T any](b *SQLiteBackend, ctx context.Context, sel ServerSelector, objectType string, since time.Time) ([]*T, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.fetchWhere(ctx, b.runner(),
		"SELECT object_key, doc, tags, modified_at FROM config_entities WHERE object_type = ? AND modified_at > ? ORDER BY modified_at",
		objectType, since.UnixNano())
	if err != nil {
		return nil, err
	}
	return decodeVisible[T](sel, objectType, rows)
}

func decodeVisible[T any](sel ServerSelector, objectType string, rows []entityRow) ([]*T, error) {
	out := make([]*T, 0, len(rows))
	for _, row := range rows {
		if !sel.matches(row.tags) {
			continue
		}
		v, err := decodeDoc[T](objectType, row.doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeDoc[T any](objectType string, doc []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("%w: decode %s document: %v", lease.ErrDBOperation, objectType, err)
	}
	return &v, nil
}

func (b *SQLiteBackend) runner() runner {
	if b.tx != nil {
		return b.tx
	}
	return b.db
}

// upsert writes one entity and its audit row atomically. validate runs
// with the row image visible, for cross-entity invariants; makeDoc
// receives the write stamp so the entity document carries it.
func (b *SQLiteBackend) upsert(ctx context.Context, sel ServerSelector, objectType, key string,
	makeDoc func(stamp time.Time) any, validate func(ctx context.Context, run runner) error) (time.Time, error) {
	if err := sel.checkWritable(); err != nil {
		return time.Time{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	run, done, err := b.writeTx(ctx)
	if err != nil {
		return time.Time{}, err
	}
	commit := false
	defer func() { done(commit) }()

	if validate != nil {
		if err := validate(ctx, run); err != nil {
			return time.Time{}, err
		}
	}
	existing, err := b.fetch(ctx, run, objectType, key)
	if err != nil {
		return time.Time{}, err
	}
	action := AuditUpdate
	if existing == nil {
		action = AuditCreate
	}
	stamp, _ := b.clock.stamp()
	raw, err := json.Marshal(makeDoc(stamp))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: encode %s %s: %v", lease.ErrBadValue, objectType, key, err)
	}
	tagsRaw, err := json.Marshal(sel.Tags())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: encode tags: %v", lease.ErrBadValue, err)
	}
	if _, err := run.ExecContext(ctx,
		"INSERT OR REPLACE INTO config_entities (object_type, object_key, doc, tags, modified_at) VALUES (?, ?, ?, ?, ?)",
		objectType, key, string(raw), string(tagsRaw), stamp.UnixNano()); err != nil {
		return time.Time{}, fmt.Errorf("%w: write %s %s: %v", lease.ErrDBOperation, objectType, key, err)
	}
	if err := b.writeAudit(ctx, run, objectType, key, action, sel.Tags(), stamp); err != nil {
		return time.Time{}, err
	}
	commit = true
	return stamp, nil
}

// writeTx hands back the open batch transaction, or a fresh one that the
// returned done() commits and whose audit entries are delivered.
func (b *SQLiteBackend) writeTx(ctx context.Context) (runner, func(commit bool), error) {
	if b.tx != nil {
		return b.tx, func(bool) {}, nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: begin: %v", lease.ErrDBOperation, err)
	}
	start := len(b.pending)
	done := func(commit bool) {
		if !commit {
			tx.Rollback()
			b.pending = b.pending[:start]
			return
		}
		if err := tx.Commit(); err != nil {
			b.pending = b.pending[:start]
			return
		}
		entries := append([]AuditEntry(nil), b.pending[start:]...)
		b.pending = b.pending[:start]
		if len(entries) == 0 {
			return
		}
		observers := b.snapshotObservers()
		go func() {
			for _, cb := range observers {
				cb(entries)
			}
		}()
	}
	return tx, done, nil
}

func (b *SQLiteBackend) writeAudit(ctx context.Context, run runner, objectType, objectID string,
	action AuditAction, tags []string, stamp time.Time) error {
	tagsRaw, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("%w: encode tags: %v", lease.ErrBadValue, err)
	}
	res, err := run.ExecContext(ctx,
		"INSERT INTO audit_log (object_type, object_id, action, modified_at, tags) VALUES (?, ?, ?, ?, ?)",
		objectType, objectID, int(action), stamp.UnixNano(), string(tagsRaw))
	if err != nil {
		return fmt.Errorf("%w: write audit entry: %v", lease.ErrDBOperation, err)
	}
	rev, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: audit revision: %v", lease.ErrDBOperation, err)
	}
	b.pending = append(b.pending, AuditEntry{
		ObjectType: objectType,
		ObjectID:   objectID,
		Action:     action,
		ModifiedAt: stamp,
		Revision:   uint64(rev),
		ServerTags: tags,
	})
	return nil
}

// deleteKey removes one entity under the strict delete discipline.
func (b *SQLiteBackend) deleteKey(ctx context.Context, sel ServerSelector, objectType, key string) (int, error) {
	if err := sel.checkWritable(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	run, done, err := b.writeTx(ctx)
	if err != nil {
		return 0, err
	}
	commit := false
	defer func() { done(commit) }()

	row, err := b.fetch(ctx, run, objectType, key)
	if err != nil {
		return 0, err
	}
	if row == nil || !sel.matchesStrict(row.tags) {
		commit = true
		return 0, nil
	}
	if _, err := run.ExecContext(ctx,
		"DELETE FROM config_entities WHERE object_type = ? AND object_key = ?", objectType, key); err != nil {
		return 0, fmt.Errorf("%w: delete %s %s: %v", lease.ErrDBOperation, objectType, key, err)
	}
	stamp, _ := b.clock.stamp()
	if err := b.writeAudit(ctx, run, objectType, key, AuditDelete, sel.Tags(), stamp); err != nil {
		return 0, err
	}
	commit = true
	return 1, nil
}

// deleteAllKeys removes every visible entity of one type, one audit entry
// per removed object.
func (b *SQLiteBackend) deleteAllKeys(ctx context.Context, sel ServerSelector, objectType string, keyPrefix string) (int, error) {
	if err := sel.checkWritable(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	run, done, err := b.writeTx(ctx)
	if err != nil {
		return 0, err
	}
	commit := false
	defer func() { done(commit) }()

	rows, err := b.fetchWhere(ctx, run,
		"SELECT object_key, doc, tags, modified_at FROM config_entities WHERE object_type = ? AND object_key LIKE ? ORDER BY object_key",
		objectType, keyPrefix+"%")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, row := range rows {
		if !sel.matchesStrict(row.tags) {
			continue
		}
		if _, err := run.ExecContext(ctx,
			"DELETE FROM config_entities WHERE object_type = ? AND object_key = ?", objectType, row.key); err != nil {
			return 0, fmt.Errorf("%w: delete %s %s: %v", lease.ErrDBOperation, objectType, row.key, err)
		}
		stamp, _ := b.clock.stamp()
		if err := b.writeAudit(ctx, run, objectType, row.key, AuditDelete, sel.Tags(), stamp); err != nil {
			return 0, err
		}
		count++
	}
	commit = true
	return count, nil
}

// GetRecentAuditEntries implements Backend.
func (b *SQLiteBackend) GetRecentAuditEntries(ctx context.Context, sel ServerSelector, since time.Time) ([]AuditEntry, error) {
	if err := sel.checkReadable(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.runner().QueryContext(ctx,
		"SELECT revision, object_type, object_id, action, modified_at, tags FROM audit_log WHERE modified_at > ? ORDER BY modified_at, revision",
		since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%w: query audit log: %v", lease.ErrDBOperation, err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e       AuditEntry
			action  int
			nanos   int64
			tagsRaw string
		)
		if err := rows.Scan(&e.Revision, &e.ObjectType, &e.ObjectID, &action, &nanos, &tagsRaw); err != nil {
			return nil, fmt.Errorf("%w: scan audit entry: %v", lease.ErrDBOperation, err)
		}
		if err := json.Unmarshal([]byte(tagsRaw), &e.ServerTags); err != nil {
			return nil, fmt.Errorf("%w: decode audit tags: %v", lease.ErrDBOperation, err)
		}
		e.Action = AuditAction(action)
		e.ModifiedAt = time.Unix(0, nanos)
		if sel.matches(e.ServerTags) {
			out = append(out, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate audit log: %v", lease.ErrDBOperation, err)
	}
	return out, nil
}
