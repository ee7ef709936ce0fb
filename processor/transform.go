package processor

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"fmt"
	"time"

	"coinflow/internal/warehouse"
	"coinflow/logger"
)

//go:embed sql/crypto_transformations.sql
var transformScript string

const scriptTag = "crypto_transformations.v1"

// Derived view names, in the order they are reported.
const (
	ViewMarketSummary  = "crypto_market_summary"
	ViewPriceChanges   = "crypto_price_changes"
	ViewTopPerformers  = "crypto_top_performers"
	ViewMarketOverview = "crypto_market_overview"
	ViewTrending       = "crypto_trending_summary"
)

// Views lists every view the transformation script builds.
var Views = []string{ViewMarketSummary, ViewPriceChanges, ViewTopPerformers, ViewMarketOverview, ViewTrending}

// TransformationError wraps any failure while applying the script.
type TransformationError struct {
	Version string
	Cause   error
}

func (e *TransformationError) Error() string {
	return fmt.Sprintf("transformation %s failed: %v", e.Version, e.Cause)
}

func (e *TransformationError) Unwrap() error { return e.Cause }

// Transformer rebuilds the derived views from the raw tables.
type Transformer struct {
	wh      *warehouse.Warehouse
	script  string
	version string
	log     *logger.Log
	now     func() time.Time
}

func NewTransformer(wh *warehouse.Warehouse) *Transformer {
	return newTransformer(wh, scriptTag, transformScript)
}

func newTransformer(wh *warehouse.Warehouse, tag, script string) *Transformer {
	return &Transformer{
		wh:      wh,
		script:  script,
		version: ScriptVersion(tag, script),
		log:     logger.GetLogger(),
		now:     time.Now,
	}
}

// ScriptVersion content-addresses a script as <tag>+<sha256 prefix>.
func ScriptVersion(tag, script string) string {
	sum := sha256.Sum256([]byte(script))
	return tag + "+" + hex.EncodeToString(sum[:])[:12]
}

// Version identifies the script this transformer applies.
func (t *Transformer) Version() string {
	return t.version
}

// Transform runs the whole script in one transaction and records the applied
// version. Nothing is left half built when a statement fails.
func (t *Transformer) Transform(ctx context.Context) error {
	log := t.log.WithComponent("transformer").WithFields(logger.Fields{"version": t.version})
	start := time.Now()

	var statements int
	err := t.wh.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := warehouse.ExecScript(ctx, tx, t.script)
		statements = n
		if err != nil {
			return err
		}
		d := t.wh.Dialect
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO transform_versions (version, applied_at) VALUES (%s, %s) ON CONFLICT (version) DO UPDATE SET applied_at = excluded.applied_at",
				d.Placeholder(1), d.Placeholder(2)),
			t.version, t.now().UTC())
		return err
	})
	if err != nil {
		log.WithError(err).Error("transformation failed")
		return &TransformationError{Version: t.version, Cause: err}
	}

	logger.LogPerformanceEntry(log, "transformer", "transform", time.Since(start), logger.Fields{
		"statements": statements,
	})
	return nil
}

// AppliedVersion returns the most recently applied script version, or an
// empty string when the script never ran.
func (t *Transformer) AppliedVersion(ctx context.Context) (string, error) {
	var version string
	err := t.wh.DB.QueryRowContext(ctx, "SELECT version FROM transform_versions ORDER BY applied_at DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read applied version: %w", err)
	}
	return version, nil
}
