// Package sql stores entities in a relational database through database/sql.
// SQLite (modernc.org/sqlite) and Postgres (pgx) are supported.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aretw0/keystone/internal/staging"
	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/future"
	"github.com/aretw0/keystone/pkg/ports"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

const clockSequence = "__clock"

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Backend implements ports.Backend on a SQL database. Every row carries a version drawn
// from a clock sequence; commits apply conditional statements in one database
// transaction and report a conflict when any of them matches no row.
type Backend struct {
	db      *sql.DB
	dialect Dialect
	table   string
	seq     string
	txns    *staging.Table
}

// Option configures the Backend.
type Option func(*Backend)

// WithTablePrefix prefixes the two tables the backend creates.
func WithTablePrefix(prefix string) Option {
	return func(b *Backend) {
		b.table = prefix + "entities"
		b.seq = prefix + "sequences"
	}
}

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*Backend, error) {
	if path == "" {
		path = "keystone.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open(SQLite.Driver, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers; SQLite would otherwise fail them with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return New(ctx, db, SQLite, opts...)
}

// OpenPostgres connects to Postgres with a pgx DSN.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Backend, error) {
	db, err := sql.Open(Postgres.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(ctx, db, Postgres, opts...)
}

// New wraps an open database and ensures the schema exists.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*Backend, error) {
	b := &Backend{
		db:      db,
		dialect: dialect,
		table:   "keystone_entities",
		seq:     "keystone_sequences",
		txns:    staging.NewTable(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.migrate(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			entity_key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload %s NOT NULL,
			version BIGINT NOT NULL
		)`, b.table, b.dialect.BlobType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		)`, b.seq),
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying sql.DB.
func (b *Backend) DB() *sql.DB { return b.db }

// Close closes the database.
func (b *Backend) Close() error { return b.db.Close() }

// Get retrieves a committed entity.
func (b *Backend) Get(ctx context.Context, tx ports.TxID, key *domain.RawKey) (ports.Record, error) {
	var txn *staging.Txn
	if tx != ports.NoTx {
		var err error
		if txn, err = b.txns.Lookup(tx); err != nil {
			return ports.Record{}, err
		}
	}

	var payload []byte
	var version int64
	err := b.db.QueryRowContext(ctx, b.q(`SELECT payload, version FROM %s WHERE entity_key = ?`, b.table), key.Encode()).Scan(&payload, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if txn != nil {
			txn.Observe(key, domain.NoVersion)
		}
		return ports.Record{}, domain.ErrNotFound
	case err != nil:
		return ports.Record{}, fmt.Errorf("select entity: %w", err)
	}
	if txn != nil {
		txn.Observe(key, formatVersion(version))
	}
	return ports.Record{Key: key, Payload: payload, Version: formatVersion(version)}, nil
}

// PutAsync stores payload, immediately or staged in tx.
func (b *Backend) PutAsync(ctx context.Context, tx ports.TxID, key *domain.RawKey, payload []byte, expect domain.Version) *future.Future[domain.Version] {
	data := append([]byte(nil), payload...)
	return future.Go(ctx, func(ctx context.Context) (domain.Version, error) {
		if tx != ports.NoTx {
			return domain.NoVersion, b.stage(ctx, tx, staging.Write{Key: key, Payload: data}, expect)
		}
		var written domain.Version
		err := b.inTx(ctx, func(q querier) error {
			v, ok, err := b.put(ctx, q, key, data, expect, expect != domain.NoVersion)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", ports.ErrPrecondition, key)
			}
			written = v
			return nil
		})
		return written, err
	})
}

// DeleteAsync removes key, immediately or staged in tx.
func (b *Backend) DeleteAsync(ctx context.Context, tx ports.TxID, key *domain.RawKey, expect domain.Version) *future.Future[struct{}] {
	return future.Go(ctx, func(ctx context.Context) (struct{}, error) {
		if tx != ports.NoTx {
			return struct{}{}, b.stage(ctx, tx, staging.Write{Key: key, Delete: true}, expect)
		}
		if expect == domain.NoVersion {
			_, err := b.db.ExecContext(ctx, b.q(`DELETE FROM %s WHERE entity_key = ?`, b.table), key.Encode())
			if err != nil {
				return struct{}{}, fmt.Errorf("delete entity: %w", err)
			}
			return struct{}{}, nil
		}
		ok, err := b.remove(ctx, b.db, key, expect)
		if err != nil {
			return struct{}{}, err
		}
		if !ok {
			return struct{}{}, fmt.Errorf("%w: %s", ports.ErrPrecondition, key)
		}
		return struct{}{}, nil
	})
}

// BeginTransaction opens a transaction.
func (b *Backend) BeginTransaction(ctx context.Context) (ports.TxID, error) {
	return b.txns.Begin().ID, nil
}

// CommitTransaction applies the staged writes conditionally on the first-touch versions.
func (b *Backend) CommitTransaction(ctx context.Context, tx ports.TxID) (ports.CommitResult, error) {
	txn, err := b.txns.Finish(tx)
	if err != nil {
		return ports.CommitResult{}, err
	}
	origin := make(map[string]domain.Version)
	for _, t := range txn.Touches() {
		origin[t.Key.Encode()] = t.Version
	}

	var res ports.CommitResult
	errConflict := errors.New("conflict")
	err = b.inTx(ctx, func(q querier) error {
		written := make(map[string]bool)
		for _, w := range txn.Writes() {
			enc := w.Key.Encode()
			written[enc] = true
			expect := origin[enc]
			if w.Delete {
				ok, err := b.removeExpecting(ctx, q, w.Key, expect)
				if err != nil {
					return err
				}
				if !ok {
					res.Conflicts = append(res.Conflicts, w.Key)
					continue
				}
				res.Written = append(res.Written, ports.WriteResult{Key: w.Key, Deleted: true})
				continue
			}
			v, ok, err := b.put(ctx, q, w.Key, w.Payload, expect, true)
			if err != nil {
				return err
			}
			if !ok {
				res.Conflicts = append(res.Conflicts, w.Key)
				continue
			}
			res.Written = append(res.Written, ports.WriteResult{Key: w.Key, Version: v})
		}
		for _, t := range txn.Touches() {
			if written[t.Key.Encode()] {
				continue
			}
			cur, err := b.version(ctx, q, t.Key, b.dialect.LockSuffix)
			if err != nil {
				return err
			}
			if cur != t.Version {
				res.Conflicts = append(res.Conflicts, t.Key)
			}
		}
		if len(res.Conflicts) > 0 {
			return errConflict
		}
		return nil
	})
	switch {
	case errors.Is(err, errConflict):
		return ports.CommitResult{
			Conflict:  true,
			Conflicts: res.Conflicts,
			Reason:    fmt.Sprintf("%d entities changed since first read", len(res.Conflicts)),
		}, nil
	case err != nil:
		return ports.CommitResult{}, err
	}
	return res, nil
}

// RollbackTransaction discards the staged writes.
func (b *Backend) RollbackTransaction(ctx context.Context, tx ports.TxID) error {
	_, err := b.txns.Finish(tx)
	return err
}

// AllocateID returns the next id of kind.
func (b *Backend) AllocateID(ctx context.Context, kind string) (int64, error) {
	return b.next(ctx, b.db, "ids:"+kind)
}

// put writes payload. With conditional set, it only applies when the stored version
// equals expect, where NoVersion means "no row". ok is false when the condition failed.
func (b *Backend) put(ctx context.Context, q querier, key *domain.RawKey, payload []byte, expect domain.Version, conditional bool) (domain.Version, bool, error) {
	v, err := b.next(ctx, q, clockSequence)
	if err != nil {
		return domain.NoVersion, false, err
	}
	var res sql.Result
	switch {
	case !conditional:
		res, err = q.ExecContext(ctx, b.q(`INSERT INTO %s (entity_key, kind, payload, version) VALUES (?, ?, ?, ?)
			ON CONFLICT (entity_key) DO UPDATE SET payload = excluded.payload, version = excluded.version`, b.table),
			key.Encode(), key.Kind, payload, v)
	case expect == domain.NoVersion:
		res, err = q.ExecContext(ctx, b.q(`INSERT INTO %s (entity_key, kind, payload, version) VALUES (?, ?, ?, ?)
			ON CONFLICT (entity_key) DO NOTHING`, b.table),
			key.Encode(), key.Kind, payload, v)
	default:
		old, perr := strconv.ParseInt(string(expect), 10, 64)
		if perr != nil {
			return domain.NoVersion, false, nil
		}
		res, err = q.ExecContext(ctx, b.q(`UPDATE %s SET payload = ?, version = ? WHERE entity_key = ? AND version = ?`, b.table),
			payload, v, key.Encode(), old)
	}
	if err != nil {
		return domain.NoVersion, false, fmt.Errorf("write entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NoVersion, false, fmt.Errorf("write entity: %w", err)
	}
	return formatVersion(v), n == 1, nil
}

// removeExpecting deletes key if it is still at expect. Expecting no row succeeds only if
// there still is none.
func (b *Backend) removeExpecting(ctx context.Context, q querier, key *domain.RawKey, expect domain.Version) (bool, error) {
	if expect != domain.NoVersion {
		return b.remove(ctx, q, key, expect)
	}
	cur, err := b.version(ctx, q, key, b.dialect.LockSuffix)
	if err != nil {
		return false, err
	}
	return cur == domain.NoVersion, nil
}

func (b *Backend) remove(ctx context.Context, q querier, key *domain.RawKey, expect domain.Version) (bool, error) {
	old, err := strconv.ParseInt(string(expect), 10, 64)
	if err != nil {
		return false, nil
	}
	res, err := q.ExecContext(ctx, b.q(`DELETE FROM %s WHERE entity_key = ? AND version = ?`, b.table), key.Encode(), old)
	if err != nil {
		return false, fmt.Errorf("delete entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete entity: %w", err)
	}
	return n == 1, nil
}

func (b *Backend) version(ctx context.Context, q querier, key *domain.RawKey, suffix string) (domain.Version, error) {
	var v int64
	err := q.QueryRowContext(ctx, b.q(`SELECT version FROM %s WHERE entity_key = ?`+suffix, b.table), key.Encode()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NoVersion, nil
	}
	if err != nil {
		return domain.NoVersion, fmt.Errorf("select version: %w", err)
	}
	return formatVersion(v), nil
}

func (b *Backend) next(ctx context.Context, q querier, name string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, b.q(`INSERT INTO %s (name, value) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET value = %s.value + 1 RETURNING value`, b.seq, b.seq), name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("advance sequence %s: %w", name, err)
	}
	return v, nil
}

func (b *Backend) stage(ctx context.Context, tx ports.TxID, w staging.Write, expect domain.Version) error {
	txn, err := b.txns.Lookup(tx)
	if err != nil {
		return err
	}
	return txn.Stage(ctx, w, expect, func(ctx context.Context, key *domain.RawKey) (domain.Version, error) {
		return b.version(ctx, b.db, key, "")
	})
}

func (b *Backend) inTx(ctx context.Context, fn func(querier) error) (retErr error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// q formats the table names into query and rebinds its placeholders.
func (b *Backend) q(query string, tables ...any) string {
	return b.dialect.rebind(fmt.Sprintf(query, tables...))
}

func formatVersion(v int64) domain.Version {
	return domain.Version(strconv.FormatInt(v, 10))
}
