package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"coinflow/config"
	"coinflow/logger"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
)

// Dialect carries the few SQL differences between the supported engines.
type Dialect struct {
	Name      string
	Timestamp string
	dollar    bool
}

var (
	Postgres = Dialect{Name: config.DriverPostgres, Timestamp: "TIMESTAMPTZ", dollar: true}
	SQLite   = Dialect{Name: config.DriverSQLite, Timestamp: "TIMESTAMP"}
)

// Placeholder returns the bind marker for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d.dollar {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Placeholders returns count comma separated markers starting at start.
func (d Dialect) Placeholders(start, count int) string {
	marks := make([]string, count)
	for i := range marks {
		marks[i] = d.Placeholder(start + i)
	}
	return strings.Join(marks, ", ")
}

// Warehouse is the shared connection pool used by every task of a run.
type Warehouse struct {
	DB      *sql.DB
	Dialect Dialect
	schema  string
	log     *logger.Log
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DSN renders the driver specific connection string for cfg.
func DSN(cfg config.WarehouseConfig) (string, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, quoteValue(cfg.Password), cfg.Name, sslMode)
		if cfg.Schema != "" {
			dsn += " search_path=" + cfg.Schema + ",public"
		}
		return dsn, nil
	case config.DriverSQLite:
		q := url.Values{}
		q.Add("_pragma", "busy_timeout(5000)")
		q.Add("_pragma", "journal_mode(WAL)")
		return "file:" + cfg.Name + "?" + q.Encode(), nil
	default:
		return "", fmt.Errorf("unsupported warehouse driver '%s'", cfg.Driver)
	}
}

func quoteValue(v string) string {
	if v == "" || strings.ContainsAny(v, ` '\`) {
		return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
	}
	return v
}

// Open connects to the configured warehouse and verifies the connection.
func Open(ctx context.Context, cfg config.WarehouseConfig) (*Warehouse, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	dialect := Postgres
	if cfg.Driver == config.DriverSQLite {
		dialect = SQLite
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	w := &Warehouse{DB: db, Dialect: dialect, log: logger.GetLogger()}
	if dialect == Postgres {
		w.schema = cfg.Schema
	}

	w.log.WithComponent("warehouse").WithFields(logger.Fields{
		"driver": cfg.Driver,
		"host":   cfg.Host,
		"name":   cfg.Name,
		"schema": w.schema,
	}).Info("warehouse connected")
	return w, nil
}

// Close releases the connection pool.
func (w *Warehouse) Close() error {
	return w.DB.Close()
}

// EnsureSchema creates the raw landing tables when they do not exist.
func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	var stmts []string
	if w.schema != "" {
		if !identPattern.MatchString(w.schema) {
			return fmt.Errorf("invalid schema name %q", w.schema)
		}
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+w.schema)
	}
	stmts = append(stmts, rawTableDDL(w.Dialect)...)

	for _, stmt := range stmts {
		if _, err := w.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	w.log.WithComponent("warehouse").Debug("raw schema ensured")
	return nil
}

// CountRows returns the number of rows in a table or view.
func (w *Warehouse) CountRows(ctx context.Context, relation string) (int64, error) {
	if !identPattern.MatchString(relation) {
		return 0, fmt.Errorf("invalid relation name %q", relation)
	}
	var n int64
	if err := w.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+relation).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", relation, err)
	}
	return n, nil
}

// WithTx runs fn inside a transaction, committing when it returns nil and
// rolling back otherwise.
func (w *Warehouse) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			w.log.WithComponent("warehouse").WithError(rbErr).Warn("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
