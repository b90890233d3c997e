package rdb

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func openTestDB(t *testing.T, raw string) *Database {
	t.Helper()
	parsed, err := ParseURL(raw)
	require.NoError(t, err)
	db, err := Open(context.Background(), parsed, Options{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func fileDB(t *testing.T) *Database {
	return openTestDB(t, "sqlite://"+filepath.Join(t.TempDir(), "rdb", "test.db"))
}

func csvOf(t *testing.T, result *QueryResult) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, result.WriteCSV(&buf))
	return buf.String()
}

func TestDatabase_ExecInsert(t *testing.T) {
	db := fileDB(t)
	ctx := context.Background()

	_, err := db.Exec(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)", nil)
	require.NoError(t, err)

	res, err := db.Exec(ctx, "INSERT INTO users (name) VALUES (?)", []any{"Bob"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)
	require.NotNil(t, res.LastInsertID)
	assert.Equal(t, int64(1), *res.LastInsertID)

	res, err = db.Exec(ctx, "INSERT INTO users (name) VALUES (?)", []any{"Carol"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), *res.LastInsertID)

	res, err = db.Exec(ctx, "UPDATE users SET name = ? WHERE id > ?", []any{"X", int64(0)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsAffected)
	assert.Nil(t, res.LastInsertID)
}

func TestDatabase_DDLReportsNoRows(t *testing.T) {
	db := fileDB(t)
	ctx := context.Background()

	_, err := db.Exec(ctx, "CREATE TABLE t (v INTEGER)", nil)
	require.NoError(t, err)
	_, err = db.Exec(ctx, "INSERT INTO t VALUES (1), (2), (3)", nil)
	require.NoError(t, err)

	res, err := db.Exec(ctx, "CREATE TABLE u (v INTEGER)", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.RowsAffected)
	assert.Nil(t, res.LastInsertID)
}

func TestDatabase_QueryCSV(t *testing.T) {
	db := fileDB(t)
	ctx := context.Background()

	_, err := db.Batch(ctx, []string{
		"CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT, price REAL, note TEXT)",
		"INSERT INTO items (name, price, note) VALUES ('apple', 1.5, NULL)",
		`INSERT INTO items (name, price, note) VALUES ('pear, green', 2, 'say "hi"')`,
	})
	require.NoError(t, err)

	result, err := db.Query(ctx, "SELECT id, name, price, note FROM items ORDER BY id", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "price", "note"}, result.Columns)
	assert.Len(t, result.Rows, 2)

	expected := "id,name,price,note\n" +
		"1,apple,1.5,\n" +
		`2,"pear, green",2,"say ""hi"""` + "\n"
	assert.Equal(t, expected, csvOf(t, result))
}

func TestDatabase_QueryEmpty(t *testing.T) {
	db := fileDB(t)
	ctx := context.Background()

	_, err := db.Exec(ctx, "CREATE TABLE empty (a TEXT, b TEXT)", nil)
	require.NoError(t, err)

	result, err := db.Query(ctx, "SELECT a, b FROM empty", nil)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", csvOf(t, result))
}

func TestDatabase_QueryArgs(t *testing.T) {
	db := openTestDB(t, "sqlite://:memory:")
	ctx := context.Background()

	args, err := NormalizeArgs([]any{"x", nil})
	require.NoError(t, err)

	result, err := db.Query(ctx, "SELECT ? AS a, ? AS b, 'literal ?' AS c", args)
	require.NoError(t, err)
	assert.Equal(t, "a,b,c\nx,,literal ?\n", csvOf(t, result))
}

func TestDatabase_PlaceholderMismatch(t *testing.T) {
	db := openTestDB(t, "sqlite://:memory:")
	ctx := context.Background()

	_, err := db.Exec(ctx, "SELECT ?", nil)
	assert.ErrorIs(t, err, ErrInvalidArgs)

	_, err = db.Query(ctx, "SELECT 1", []any{int64(1)})
	assert.ErrorIs(t, err, ErrInvalidArgs)

	_, err = db.Exec(ctx, "   ", nil)
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestDatabase_BatchResults(t *testing.T) {
	db := fileDB(t)
	ctx := context.Background()

	results, err := db.Batch(ctx, []string{
		"\n        CREATE TABLE IF NOT EXISTS test_batch (\n            id INTEGER PRIMARY KEY,\n            name TEXT NOT NULL\n        );\n        ",
		"\n        INSERT INTO test_batch (name) VALUES ('Alice');\n        ",
		"INSERT INTO test_batch (name) VALUES ('Charlie');",
		"UPDATE test_batch SET name = upper(name)",
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Nil(t, results[0].LastInsertID)
	require.NotNil(t, results[1].LastInsertID)
	assert.Equal(t, int64(1), *results[1].LastInsertID)
	assert.Equal(t, int64(2), *results[2].LastInsertID)
	assert.Equal(t, int64(2), results[3].RowsAffected)

	result, err := db.Query(ctx, "SELECT name FROM test_batch ORDER BY id", nil)
	require.NoError(t, err)
	assert.Equal(t, "name\nALICE\nCHARLIE\n", csvOf(t, result))
}

func TestDatabase_BatchSeesEarlierStatements(t *testing.T) {
	db := fileDB(t)
	ctx := context.Background()

	_, err := db.Batch(ctx, []string{
		"CREATE TABLE a (v INTEGER)",
		"INSERT INTO a VALUES (1), (2)",
		"CREATE TABLE b AS SELECT v * 10 AS v FROM a",
		"INSERT INTO b SELECT v + 1 FROM b",
	})
	require.NoError(t, err)

	result, err := db.Query(ctx, "SELECT count(*) AS n FROM b", nil)
	require.NoError(t, err)
	assert.Equal(t, "n\n4\n", csvOf(t, result))
}

// A failing step of a table rebuild must leave the original table untouched.
func TestDatabase_BatchRollback(t *testing.T) {
	db := fileDB(t)
	ctx := context.Background()

	_, err := db.Batch(ctx, []string{
		"CREATE TABLE accounts (id INTEGER PRIMARY KEY, owner TEXT)",
		"INSERT INTO accounts (owner) VALUES ('alice'), ('bob')",
	})
	require.NoError(t, err)

	_, err = db.Batch(ctx, []string{
		"CREATE TABLE accounts_new (id INTEGER PRIMARY KEY, holder TEXT)",
		"INSERT INTO accounts_new SELECT id, owner FROM accounts",
		"DROP TABLE accounts",
		"ALTER TABLE accounts_new RENAME TO accounts",
		"INSERT INTO no_such_table VALUES (1)",
	})
	require.Error(t, err)

	var stmtErr *StatementError
	require.True(t, errors.As(err, &stmtErr))
	assert.Equal(t, 4, stmtErr.Index)
	assert.Contains(t, err.Error(), "statement 5 failed")

	result, err := db.Query(ctx, "SELECT id, owner FROM accounts ORDER BY id", nil)
	require.NoError(t, err)
	assert.Equal(t, "id,owner\n1,alice\n2,bob\n", csvOf(t, result))

	_, err = db.Query(ctx, "SELECT * FROM accounts_new", nil)
	assert.Error(t, err)
}

func TestDatabase_BatchRenameColumn(t *testing.T) {
	db := fileDB(t)
	ctx := context.Background()

	_, err := db.Batch(ctx, []string{
		"CREATE TABLE people (id INTEGER PRIMARY KEY, nm TEXT)",
		"INSERT INTO people (nm) VALUES ('ann')",
		"ALTER TABLE people RENAME COLUMN nm TO name",
	})
	require.NoError(t, err)

	result, err := db.Query(ctx, "SELECT name FROM people", nil)
	require.NoError(t, err)
	assert.Equal(t, "name\nann\n", csvOf(t, result))
}

func TestDatabase_BatchValidation(t *testing.T) {
	db := openTestDB(t, "sqlite://:memory:")
	ctx := context.Background()

	_, err := db.Batch(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidArgs)

	_, err = db.Batch(ctx, []string{"CREATE TABLE t (v INTEGER)", "  "})
	assert.ErrorIs(t, err, ErrInvalidArgs)
	var stmtErr *StatementError
	require.True(t, errors.As(err, &stmtErr))
	assert.Equal(t, 1, stmtErr.Index)

	// nothing ran
	_, err = db.Query(ctx, "SELECT * FROM t", nil)
	assert.Error(t, err)
}

func TestDatabase_BatchRejectsTransactionControl(t *testing.T) {
	db := fileDB(t)
	ctx := context.Background()

	_, err := db.Exec(ctx, "CREATE TABLE t (v TEXT NOT NULL)", nil)
	require.NoError(t, err)

	_, err = db.Batch(ctx, []string{
		"INSERT INTO t VALUES ('a')",
		"COMMIT",
		"INSERT INTO t VALUES (NULL)",
	})
	assert.ErrorIs(t, err, ErrInvalidArgs)
	var stmtErr *StatementError
	require.True(t, errors.As(err, &stmtErr))
	assert.Equal(t, 1, stmtErr.Index)

	_, err = db.Batch(ctx, []string{
		"INSERT INTO t VALUES ('a'); COMMIT",
		"INSERT INTO t VALUES (NULL)",
	})
	assert.ErrorIs(t, err, ErrInvalidArgs)

	result, err := db.Query(ctx, "SELECT count(*) AS n FROM t", nil)
	require.NoError(t, err)
	assert.Equal(t, "n\n0\n", csvOf(t, result))
}

func TestDatabase_ExecRejectsTransactionControl(t *testing.T) {
	db := fileDB(t)
	ctx := context.Background()

	for _, stmt := range []string{"BEGIN", "SAVEPOINT s", "ROLLBACK", "ATTACH DATABASE ':memory:' AS other"} {
		_, err := db.Exec(ctx, stmt, nil)
		assert.ErrorIs(t, err, ErrInvalidArgs, stmt)

		_, err = db.Query(ctx, stmt, nil)
		assert.ErrorIs(t, err, ErrInvalidArgs, stmt)
	}

	// A trigger body's BEGIN ... END is allowed.
	_, err := db.Batch(ctx, []string{
		"CREATE TABLE t (v INTEGER)",
		"CREATE TABLE counter (n INTEGER)",
		"INSERT INTO counter VALUES (0)",
		"CREATE TRIGGER count_t AFTER INSERT ON t BEGIN UPDATE counter SET n = n + 1; END",
		"INSERT INTO t VALUES (1), (2)",
	})
	require.NoError(t, err)

	result, err := db.Query(ctx, "SELECT n FROM counter", nil)
	require.NoError(t, err)
	assert.Equal(t, "n\n2\n", csvOf(t, result))
}

func TestDatabase_BatchQueryReportsNoChanges(t *testing.T) {
	db := fileDB(t)
	ctx := context.Background()

	results, err := db.Batch(ctx, []string{
		"CREATE TABLE t (v INTEGER)",
		"INSERT INTO t VALUES (1), (2), (3)",
		"SELECT * FROM t",
		"DELETE FROM t WHERE v > 1",
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, ExecResult{}, results[0])
	assert.Equal(t, int64(3), results[1].RowsAffected)
	assert.Equal(t, ExecResult{}, results[2])
	assert.Equal(t, int64(2), results[3].RowsAffected)
}

func TestDatabase_Isolation(t *testing.T) {
	dir := t.TempDir()
	a := openTestDB(t, "sqlite://"+filepath.Join(dir, "a.db"))
	b := openTestDB(t, "sqlite://"+filepath.Join(dir, "b.db"))
	ctx := context.Background()

	_, err := a.Exec(ctx, "CREATE TABLE secrets (v TEXT)", nil)
	require.NoError(t, err)

	_, err = b.Query(ctx, "SELECT * FROM secrets", nil)
	assert.Error(t, err)
}

func TestDatabase_MemorySharesOneConnection(t *testing.T) {
	db := openTestDB(t, "sqlite://:memory:")
	ctx := context.Background()

	_, err := db.Exec(ctx, "CREATE TABLE t (v INTEGER)", nil)
	require.NoError(t, err)
	_, err = db.Exec(ctx, "INSERT INTO t VALUES (?)", []any{int64(7)})
	require.NoError(t, err)

	result, err := db.Query(ctx, "SELECT v FROM t", nil)
	require.NoError(t, err)
	assert.Equal(t, "v\n7\n", csvOf(t, result))
}

func TestDatabase_ConcurrentReadersAndWriters(t *testing.T) {
	db := fileDB(t)
	ctx := context.Background()

	_, err := db.Exec(ctx, "CREATE TABLE counter (v INTEGER)", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := db.Exec(ctx, "INSERT INTO counter VALUES (1)", nil)
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := db.Query(ctx, "SELECT count(*) FROM counter", nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	result, err := db.Query(ctx, "SELECT count(*) AS n FROM counter", nil)
	require.NoError(t, err)
	assert.Equal(t, "n\n80\n", csvOf(t, result))
}

func TestDatabase_Closed(t *testing.T) {
	db := openTestDB(t, "sqlite://:memory:")
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err := db.Exec(context.Background(), "SELECT 1", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, TypeSQLite, db.Type())
}
