package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// sqliteDB implements Database over database/sql with the pure-Go
// modernc.org/sqlite driver.
type sqliteDB struct {
	conn *sql.DB
}

// Open opens (and creates, if absent) a WAL-journaled SQLite file at path
// with a short busy-timeout, behind a single *sql.DB connection pool.
func Open(path string) (Database, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer process is assumed (§1 Non-goals); cap the pool so
	// SQLite's own locking never sees concurrent writers from within us.
	conn.SetMaxOpenConns(1)
	return &sqliteDB{conn: conn}, nil
}

func (d *sqliteDB) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	res, err := d.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlResult{res}, nil
}

func (d *sqliteDB) QueryRow(ctx context.Context, query string, args ...any) Row {
	return d.conn.QueryRowContext(ctx, query, args...)
}

func (d *sqliteDB) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (d *sqliteDB) BeginTx(ctx context.Context, opts *TxOptions) (Tx, error) {
	sqlOpts := &sql.TxOptions{}
	if opts != nil {
		sqlOpts.ReadOnly = opts.ReadOnly
	}
	tx, err := d.conn.BeginTx(ctx, sqlOpts)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx}, nil
}

func (d *sqliteDB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

func (d *sqliteDB) Close() error {
	return d.conn.Close()
}

func (d *sqliteDB) DriverName() string {
	return "sqlite"
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlResult{res}, nil
}

func (t *sqliteTx) QueryRow(ctx context.Context, query string, args ...any) Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *sqliteTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

type sqlResult struct {
	res sql.Result
}

func (r sqlResult) RowsAffected() int64 {
	n, err := r.res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

type sqlRows struct {
	rows *sql.Rows
}

func (r sqlRows) Next() bool {
	return r.rows.Next()
}

func (r sqlRows) Scan(dest ...any) error {
	return r.rows.Scan(dest...)
}

func (r sqlRows) Err() error {
	return r.rows.Err()
}

func (r sqlRows) Close() {
	_ = r.rows.Close()
}
