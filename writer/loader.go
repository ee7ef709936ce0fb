package writer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"coinflow/internal/warehouse"
	"coinflow/logger"
	"coinflow/models"
)

// Policy is the write disposition of a raw resource.
type Policy string

const (
	PolicyMerge   Policy = "merge"
	PolicyReplace Policy = "replace"
	PolicyAppend  Policy = "append"
)

// PolicyFor returns the fixed write policy of a resource.
func PolicyFor(resource models.Resource) Policy {
	switch resource {
	case models.ResourceMarket:
		return PolicyMerge
	case models.ResourceTrending:
		return PolicyReplace
	default:
		return PolicyAppend
	}
}

// LoadSummary describes one finished load.
type LoadSummary struct {
	Resource     models.Resource
	Policy       Policy
	RowsWritten  int
	// NewestUpdate is the latest provider update time among the loaded records.
	NewestUpdate time.Time
	// ExtractedAt is the earliest extraction instant among the loaded records.
	ExtractedAt time.Time
}

func (s *LoadSummary) observe(updated, extracted time.Time) {
	if updated.After(s.NewestUpdate) {
		s.NewestUpdate = updated
	}
	if !extracted.IsZero() && (s.ExtractedAt.IsZero() || extracted.Before(s.ExtractedAt)) {
		s.ExtractedAt = extracted
	}
}

// LoadError reports a load that stopped partway. RowsWrittenSoFar counts the
// rows that are durably stored; a failed replace leaves none of its rows.
type LoadError struct {
	Resource         models.Resource
	RowsWrittenSoFar int
	Cause            error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %d rows written before failure: %v", e.Resource, e.RowsWrittenSoFar, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// MarketArchiver receives a copy of every fully loaded market batch.
type MarketArchiver interface {
	ArchiveMarket(ctx context.Context, records []models.MarketSnapshotRecord) error
}

// Loader is the only writer of the raw tables.
type Loader struct {
	wh      *warehouse.Warehouse
	archive MarketArchiver
	log     *logger.Log

	marketSQL   string
	trendingSQL string
	globalSQL   string
}

// NewLoader prepares the insert statements for the warehouse dialect. archive
// may be nil.
func NewLoader(wh *warehouse.Warehouse, archive MarketArchiver) *Loader {
	d := wh.Dialect
	updates := make([]string, 0, len(warehouse.MarketColumns)-1)
	for _, col := range warehouse.MarketColumns[1:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
	}

	return &Loader{
		wh:      wh,
		archive: archive,
		log:     logger.GetLogger(),
		marketSQL: insertSQL(d, models.ResourceMarket, warehouse.MarketColumns) +
			" ON CONFLICT (id) DO UPDATE SET " + strings.Join(updates, ", "),
		trendingSQL: insertSQL(d, models.ResourceTrending, warehouse.TrendingColumns),
		globalSQL:   insertSQL(d, models.ResourceGlobal, warehouse.GlobalColumns),
	}
}

func insertSQL(d warehouse.Dialect, resource models.Resource, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		resource, strings.Join(cols, ", "), d.Placeholders(1, len(cols)))
}

// LoadMarket upserts each market record by coin id as it arrives.
func (l *Loader) LoadMarket(ctx context.Context, records iter.Seq2[models.MarketSnapshotRecord, error]) (LoadSummary, error) {
	summary := LoadSummary{Resource: models.ResourceMarket, Policy: PolicyMerge}
	var batch []models.MarketSnapshotRecord

	err := each(ctx, &summary, records, l.wh.DB, l.marketSQL, func(rec models.MarketSnapshotRecord) []any {
		summary.observe(rec.LastUpdated, rec.ExtractedAt)
		if l.archive != nil {
			batch = append(batch, rec)
		}
		return marketRow(rec)
	})
	if err != nil {
		return summary, err
	}

	if l.archive != nil && len(batch) > 0 {
		if err := l.archive.ArchiveMarket(ctx, batch); err != nil {
			l.log.WithComponent("loader").WithError(err).Warn("failed to archive market batch")
		}
	}
	l.finish(summary)
	return summary, nil
}

// LoadTrending swaps the whole trending set inside one transaction so readers
// see either the previous list or the new one. The stream is drained before
// the transaction opens so no write lock is held across the provider request.
func (l *Loader) LoadTrending(ctx context.Context, records iter.Seq2[models.TrendingCoinRecord, error]) (LoadSummary, error) {
	summary := LoadSummary{Resource: models.ResourceTrending, Policy: PolicyReplace}

	var set []models.TrendingCoinRecord
	for rec, err := range records {
		if err != nil {
			return summary, &LoadError{Resource: summary.Resource, Cause: err}
		}
		set = append(set, rec)
	}

	err := l.wh.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+string(models.ResourceTrending)); err != nil {
			return &LoadError{Resource: summary.Resource, Cause: fmt.Errorf("clear previous set: %w", err)}
		}
		return each(ctx, &summary, buffered(set), tx, l.trendingSQL, func(rec models.TrendingCoinRecord) []any {
			summary.observe(time.Time{}, rec.ExtractedAt)
			return trendingRow(rec)
		})
	})
	if err != nil {
		summary.RowsWritten = 0
		summary.ExtractedAt = time.Time{}
		var le *LoadError
		if errors.As(err, &le) {
			le.RowsWrittenSoFar = 0
			return summary, le
		}
		return summary, &LoadError{Resource: summary.Resource, Cause: err}
	}
	l.finish(summary)
	return summary, nil
}

// LoadGlobal appends every record as a new history row.
func (l *Loader) LoadGlobal(ctx context.Context, records iter.Seq2[models.GlobalStatsRecord, error]) (LoadSummary, error) {
	summary := LoadSummary{Resource: models.ResourceGlobal, Policy: PolicyAppend}
	err := each(ctx, &summary, records, l.wh.DB, l.globalSQL, func(rec models.GlobalStatsRecord) []any {
		summary.observe(rec.UpdatedAt, rec.ExtractedAt)
		return globalRow(rec)
	})
	if err != nil {
		return summary, err
	}
	l.finish(summary)
	return summary, nil
}

func buffered[T any](recs []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// each drains records into ex one statement per record. A stream error or a
// failed statement stops the load with a LoadError carrying the progress.
func each[T any](ctx context.Context, summary *LoadSummary, records iter.Seq2[T, error], ex warehouse.Execer, query string, row func(T) []any) error {
	for rec, err := range records {
		if err != nil {
			return &LoadError{Resource: summary.Resource, RowsWrittenSoFar: summary.RowsWritten, Cause: err}
		}
		if err := ctx.Err(); err != nil {
			return &LoadError{Resource: summary.Resource, RowsWrittenSoFar: summary.RowsWritten, Cause: err}
		}
		if _, err := ex.ExecContext(ctx, query, row(rec)...); err != nil {
			return &LoadError{Resource: summary.Resource, RowsWrittenSoFar: summary.RowsWritten, Cause: err}
		}
		summary.RowsWritten++
	}
	return nil
}

func (l *Loader) finish(summary LoadSummary) {
	logger.RecordRowsLoaded(string(summary.Resource), summary.RowsWritten)
	logger.LogDataFlowEntry(l.log.WithComponent("loader").WithFields(logger.Fields{
		"policy": summary.Policy,
	}), "coingecko", string(summary.Resource), summary.RowsWritten, "rows")
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func marketRow(r models.MarketSnapshotRecord) []any {
	return []any{
		r.ID, r.Symbol, r.Name, r.Image,
		r.CurrentPrice, r.MarketCap, r.MarketCapRank, r.TotalVolume, r.High24h, r.Low24h,
		r.PriceChangePct1h, r.PriceChangePct24h, r.PriceChangePct7d, r.PriceChangePct30d,
		nullTime(r.LastUpdated), r.ExtractedAt.UTC(),
	}
}

func trendingRow(r models.TrendingCoinRecord) []any {
	return []any{
		r.Rank, r.ID, r.CoinID, r.Name, r.Symbol, r.Slug, r.MarketCapRank,
		r.Thumb, r.Small, r.Large, r.PriceBTC, r.Score, r.ExtractedAt.UTC(),
	}
}

func globalRow(r models.GlobalStatsRecord) []any {
	return []any{
		r.ActiveCryptocurrencies, r.UpcomingICOs, r.OngoingICOs, r.EndedICOs, r.Markets,
		r.TotalMarketCapUSD, r.TotalVolumeUSD, r.MarketCapChange24hPct,
		r.BTCDominancePct, r.ETHDominancePct, nullTime(r.UpdatedAt), r.ExtractedAt.UTC(),
	}
}
