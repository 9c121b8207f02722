package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	xerrors "OpenSwap-Chain/internal/errors"
	"OpenSwap-Chain/internal/swap"
)

func sampleSession(version int64) *swap.Session {
	return &swap.Session{
		ID:             "s1",
		CustodyAddress: "0x00000000000000000000000000000000000000c0",
		Orders: map[string]swap.Order{
			"alice": {OwnerID: "alice", SendAsset: "ETH", SendAmount: decimal.RequireFromString("1.5"), ReceiveAsset: "USDC", ReceiveAmount: decimal.NewFromInt(3000)},
		},
		Approvals: map[string]bool{"alice": false},
		State:     swap.StateOpen,
		Version:   version,
		CreatedAt: 100,
		UpdatedAt: 120,
	}
}

func encode(t *testing.T, s *swap.Session) []byte {
	t.Helper()
	payload, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	return payload
}

func TestSessionRepositorySaveInsertsThenUpdates(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(insertSessionSQL, mockResult{rowsAffected: 1}),
		execOp(updateSessionSQL, mockResult{rowsAffected: 1}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SessionRepository{db: db}
	ctx := context.Background()
	if err := repo.Save(ctx, sampleSession(1)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := repo.Save(ctx, sampleSession(2)); err != nil {
		t.Fatalf("update failed: %v", err)
	}
}

func TestSessionRepositorySaveDetectsConcurrentWriters(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(updateSessionSQL, mockResult{rowsAffected: 0}),
		{typ: opExec, query: insertSessionSQL, err: &mysqldriver.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry 's1'"}},
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SessionRepository{db: db}
	ctx := context.Background()
	if err := repo.Save(ctx, sampleSession(3)); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}
	if err := repo.Save(ctx, sampleSession(1)); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected conflict on duplicate insert, got %v", err)
	}
}

func TestSessionRepositoryLoad(t *testing.T) {
	t.Parallel()

	stored := sampleSession(4)
	ops := []mockOperation{
		queryOp(selectSessionSQL, mockRowsData{columns: []string{"payload"}, values: [][]driver.Value{{encode(t, stored)}}}),
		queryOp(selectSessionSQL, mockRowsData{columns: []string{"payload"}}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SessionRepository{db: db}
	ctx := context.Background()
	got, err := repo.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.Version != 4 || !got.Orders["alice"].SendAmount.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected session: %+v", got)
	}
	if _, err := repo.Load(ctx, "missing"); !xerrors.HasCode(err, swap.CodeSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSessionRepositoryListBuildsFilters(t *testing.T) {
	t.Parallel()

	opts := swap.ListOptions{
		Limit:      5,
		States:     []swap.State{swap.StateExecuting, swap.StateApproved},
		UpdatedGTE: 50,
		Order:      swap.SortByUpdatedAsc,
	}
	opts.ApplyDefaults()
	query, args := buildListQuery(opts)
	want := "SELECT payload FROM swap_sessions WHERE state IN (?, ?) AND updated_at >= ? ORDER BY updated_at ASC, id ASC LIMIT ? OFFSET ?"
	if query != want {
		t.Fatalf("unexpected query:\n got %s\nwant %s", query, want)
	}
	if len(args) != 5 || args[0] != "executing" || args[3] != 5 {
		t.Fatalf("unexpected args: %v", args)
	}

	first, second := sampleSession(1), sampleSession(2)
	second.ID = "s2"
	ops := []mockOperation{
		queryOp(want, mockRowsData{columns: []string{"payload"}, values: [][]driver.Value{{encode(t, first)}, {encode(t, second)}}}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SessionRepository{db: db}
	list, err := repo.List(context.Background(), opts)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[1].ID != "s2" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestSessionRepositoryStats(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(statsSessionSQL, mockRowsData{
			columns: []string{"state", "count", "oldest", "newest"},
			values: [][]driver.Value{
				{"open", int64(3), int64(10), int64(40)},
				{"executing", int64(1), int64(5), int64(5)},
			},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SessionRepository{db: db}
	stats, err := repo.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 4 || stats.Open != 3 || stats.Executing != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.OldestUpdatedAt != 5 || stats.NewestUpdatedAt != 40 {
		t.Fatalf("unexpected bounds: %+v", stats)
	}
}

func TestRunMigrationsAppliesPendingFiles(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createMigrationsTable, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(readMigrationStatement(), mockResult{rowsAffected: 0}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createMigrationsTable, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}, values: [][]driver.Value{{"0001"}}}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func readMigrationStatement() string {
	content, err := embeddedMigrations.ReadFile("0001_create_swap_sessions.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements[0]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
