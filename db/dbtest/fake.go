// Package dbtest provides pgx pool and transaction fakes for service tests.
// Statements executed through a FakeTx are recorded rather than run, so
// services whose repositories are faked can still be checked for the
// timeline and outbox writes they issue inside a transaction.
package dbtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Statement is one recorded Exec call.
type Statement struct {
	SQL  string
	Args []any
}

// FakePool hands out FakeTx values and remembers all of them.
type FakePool struct {
	mu       sync.Mutex
	Txs      []*FakeTx
	BeginErr error
}

func (f *FakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BeginErr != nil {
		return nil, f.BeginErr
	}
	tx := &FakeTx{}
	f.Txs = append(f.Txs, tx)
	return tx, nil
}

func (f *FakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("SELECT 0"), nil
}

func (f *FakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("dbtest: FakePool does not support Query")
}

func (f *FakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{err: errors.New("dbtest: FakePool does not support QueryRow")}
}

// LastTx returns the most recent transaction or nil.
func (f *FakePool) LastTx() *FakeTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Txs) == 0 {
		return nil
	}
	return f.Txs[len(f.Txs)-1]
}

// Committed returns statements from committed transactions only.
func (f *FakePool) Committed() []Statement {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Statement
	for _, tx := range f.Txs {
		if tx.committed {
			out = append(out, tx.statements()...)
		}
	}
	return out
}

// Matching filters committed statements whose SQL contains fragment.
func (f *FakePool) Matching(fragment string) []Statement {
	var out []Statement
	for _, s := range f.Committed() {
		if strings.Contains(s.SQL, fragment) {
			out = append(out, s)
		}
	}
	return out
}

// FakeTx records Exec calls; queries are not supported.
type FakeTx struct {
	mu        sync.Mutex
	execs     []Statement
	committed bool
	rolled    bool
	CommitErr error
}

func (f *FakeTx) statements() []Statement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Statement(nil), f.execs...)
}

// Statements returns every Exec issued on the transaction.
func (f *FakeTx) Statements() []Statement { return f.statements() }

// Committed reports whether Commit succeeded.
func (f *FakeTx) Committed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed
}

// RolledBack reports whether Rollback ran before a commit.
func (f *FakeTx) RolledBack() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rolled
}

func (f *FakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("dbtest: FakeTx does not support nested transactions")
}

func (f *FakeTx) Commit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CommitErr != nil {
		return f.CommitErr
	}
	f.committed = true
	return nil
}

func (f *FakeTx) Rollback(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.committed {
		return pgx.ErrTxClosed
	}
	f.rolled = true
	return nil
}

func (f *FakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *FakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *FakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *FakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *FakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, Statement{SQL: sql, Args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *FakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("dbtest: FakeTx does not support Query")
}

func (f *FakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{err: errors.New("dbtest: FakeTx does not support QueryRow")}
}

func (f *FakeTx) Conn() *pgx.Conn {
	return nil
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
