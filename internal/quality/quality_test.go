package quality

import (
	"context"
	"testing"
	"time"

	"coinflow/internal/warehouse/warehousetest"
	"coinflow/models"
	"coinflow/processor"
	"coinflow/reader/coingecko"
	"coinflow/writer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckIngestionFailsOnEmptyMarket(t *testing.T) {
	ctx := context.Background()
	wh := warehousetest.Open(t)
	loader := writer.NewLoader(wh, nil)
	_, err := loader.LoadGlobal(ctx, coingecko.Records(models.GlobalStatsRecord{ExtractedAt: time.Now()}))
	require.NoError(t, err)

	report, err := NewGate(wh).CheckIngestion(ctx)
	var qErr *IngestionQualityError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, QualityReport{Market: 0, Trending: 0, Global: 1}, report)
	assert.Equal(t, report, qErr.Report)
}

func TestCheckIngestionEmptySecondaryResourcesOnlyWarn(t *testing.T) {
	ctx := context.Background()
	wh := warehousetest.Open(t)
	loader := writer.NewLoader(wh, nil)
	_, err := loader.LoadMarket(ctx, coingecko.Records(
		models.MarketSnapshotRecord{ID: "bitcoin", ExtractedAt: time.Now()},
		models.MarketSnapshotRecord{ID: "ethereum", ExtractedAt: time.Now()},
	))
	require.NoError(t, err)

	report, err := NewGate(wh).CheckIngestion(ctx)
	require.NoError(t, err)
	assert.Equal(t, QualityReport{Market: 2}, report)
}

func TestCheckViews(t *testing.T) {
	ctx := context.Background()
	wh := warehousetest.Open(t)
	loader := writer.NewLoader(wh, nil)
	_, err := loader.LoadMarket(ctx, coingecko.Records(models.MarketSnapshotRecord{ID: "bitcoin", ExtractedAt: time.Now()}))
	require.NoError(t, err)
	require.NoError(t, processor.NewTransformer(wh).Transform(ctx))

	counts := NewGate(wh).CheckViews(ctx, processor.Views)
	require.Len(t, counts, len(processor.Views))
	assert.EqualValues(t, 1, counts[processor.ViewMarketSummary])
	assert.EqualValues(t, 0, counts[processor.ViewTrending])
	assert.EqualValues(t, 1, counts[processor.ViewMarketOverview])
	for view, n := range counts {
		assert.GreaterOrEqual(t, n, int64(0), view)
	}
}

func TestCheckViewsReportsUnreadableView(t *testing.T) {
	wh := warehousetest.Open(t)
	counts := NewGate(wh).CheckViews(context.Background(), []string{"missing_view"})
	assert.EqualValues(t, -1, counts["missing_view"])
}

func TestExemptViewMatchesOverview(t *testing.T) {
	assert.Equal(t, processor.ViewMarketOverview, ExemptView)
}
