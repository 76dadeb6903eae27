package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/avm/internal/avm"
)

type dialect int

const (
	sqliteDialect dialect = iota
	postgresDialect
)

// rebind rewrites ? placeholders to $n for PostgreSQL.
// Queries in this package never contain a literal '?'.
func (d dialect) rebind(query string) string {
	if d != postgresDialect || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// byName orders by the name column in byte order. PostgreSQL would
// otherwise use the database locale.
func (d dialect) byName() string {
	if d == postgresDialect {
		return `name COLLATE "C"`
	}
	return "name"
}

func (d dialect) txOptions(write bool) *sql.TxOptions {
	if d == sqliteDialect {
		// SQLite serializes writers on its single connection.
		return nil
	}
	if write {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
}

// Read runs fn in a read-only transaction.
func (s *Store) Read(ctx context.Context, fn func(avm.Port) error) error {
	return s.withRetry(ctx, "read", func() error {
		return s.runTx(ctx, false, fn)
	})
}

// Write runs fn in a read-write transaction, retrying the whole transaction
// on transient serialization failures.
func (s *Store) Write(ctx context.Context, fn func(avm.Port) error) error {
	return s.withRetry(ctx, "write", func() error {
		return s.runTx(ctx, true, fn)
	})
}

func (s *Store) runTx(ctx context.Context, write bool, fn func(avm.Port) error) error {
	sqlTx, err := s.db.BeginTx(ctx, s.dialect.txOptions(write))
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, dialect: s.dialect}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) withRetry(ctx context.Context, kind string, fn func() error) error {
	backoff := s.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !IsTransient(err) || attempt >= s.opts.MaxRetries {
			return err
		}

		s.log.Debug("retrying transaction", "kind", kind, "attempt", attempt+1, "error", err)
		if s.opts.OnRetry != nil {
			s.opts.OnRetry(kind)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
}

// Tx is one database transaction exposing the avm.Port operations.
// A Tx must not be used after the function it was passed to returns.
type Tx struct {
	tx         *sql.Tx
	dialect    dialect
	savepoints int
}

var _ avm.Port = (*Tx)(nil)

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.rebind(query), args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.rebind(query), args...)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.rebind(query), args...)
}

// Savepoint runs fn inside a named savepoint. Both dialects leave the
// transaction usable after ROLLBACK TO SAVEPOINT.
func (t *Tx) Savepoint(ctx context.Context, fn func() error) error {
	t.savepoints++
	name := "avm_sp_" + strconv.Itoa(t.savepoints)

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}

	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback savepoint: %w", rbErr))
		}
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			return errors.Join(err, fmt.Errorf("release savepoint: %w", relErr))
		}
		return err
	}

	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// collectIDs drains rows holding a single id column.
func collectIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
