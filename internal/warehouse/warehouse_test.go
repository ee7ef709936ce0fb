package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"coinflow/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Warehouse {
	t.Helper()
	wh, err := Open(context.Background(), config.WarehouseConfig{
		Driver: config.DriverSQLite,
		Name:   filepath.Join(t.TempDir(), "warehouse.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { wh.Close() })
	require.NoError(t, wh.EnsureSchema(context.Background()))
	return wh
}

func TestPostgresDSN(t *testing.T) {
	dsn, err := DSN(config.WarehouseConfig{
		Driver: config.DriverPostgres, Host: "db", Port: 5432,
		Name: "crypto", User: "etl", Password: "p@ss word", Schema: "crypto_raw",
	})
	require.NoError(t, err)
	assert.Contains(t, dsn, "host=db port=5432")
	assert.Contains(t, dsn, "password='p@ss word'")
	assert.Contains(t, dsn, "sslmode=disable")
	assert.True(t, strings.HasSuffix(dsn, "search_path=crypto_raw,public"))
}

func TestSQLiteDSN(t *testing.T) {
	dsn, err := DSN(config.WarehouseConfig{Driver: config.DriverSQLite, Name: "/tmp/wh.db"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dsn, "file:/tmp/wh.db?"))
	assert.Contains(t, dsn, "busy_timeout")
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := DSN(config.WarehouseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "$3, $4", Postgres.Placeholders(3, 2))
	assert.Equal(t, "?, ?, ?", SQLite.Placeholders(1, 3))
}

func TestOpenSQLiteAndEnsureSchema(t *testing.T) {
	ctx := context.Background()
	wh := openTest(t)

	require.NoError(t, wh.EnsureSchema(ctx), "schema creation must be repeatable")
	for _, table := range []string{"market_data", "trending_coins", "global_stats", "transform_versions"} {
		n, err := wh.CountRows(ctx, table)
		require.NoError(t, err, table)
		assert.Zero(t, n, table)
	}
}

func TestCountRowsRejectsBadIdentifier(t *testing.T) {
	wh := openTest(t)
	_, err := wh.CountRows(context.Background(), "market_data; DROP TABLE x")
	assert.Error(t, err)
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	wh := openTest(t)

	err := wh.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO transform_versions (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)", "v1"); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	n, err := wh.CountRows(ctx, "transform_versions")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSplitStatements(t *testing.T) {
	script := `-- header comment
DROP VIEW IF EXISTS a;
CREATE VIEW a AS SELECT 'x;y' AS v; -- trailing
  ;
SELECT "odd;name" FROM t`
	stmts := SplitStatements(script)
	require.Len(t, stmts, 3)
	assert.Equal(t, "DROP VIEW IF EXISTS a", stmts[0])
	assert.Equal(t, "CREATE VIEW a AS SELECT 'x;y' AS v", stmts[1])
	assert.Equal(t, `SELECT "odd;name" FROM t`, stmts[2])
}

func TestExecScriptStopsAtFailure(t *testing.T) {
	ctx := context.Background()
	wh := openTest(t)
	n, err := ExecScript(ctx, wh.DB, "CREATE TABLE t1 (a INTEGER); SELEC broken; CREATE TABLE t2 (a INTEGER)")
	require.Error(t, err)
	assert.Equal(t, 1, n)
	_, err = wh.CountRows(ctx, "t2")
	assert.Error(t, err, "statements after the failure must not run")
}

func TestOpenFailsOnBadPath(t *testing.T) {
	_, err := Open(context.Background(), config.WarehouseConfig{
		Driver: config.DriverSQLite,
		Name:   filepath.Join(t.TempDir(), "missing", "dir", "wh.db"),
	})
	assert.Error(t, err)
}
