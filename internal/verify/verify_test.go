package verify

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinflow/internal/warehouse"
	"coinflow/internal/warehouse/warehousetest"
	"coinflow/models"
	"coinflow/processor"
	"coinflow/reader/coingecko"
	"coinflow/writer"
)

func seed(t *testing.T, wh *warehouse.Warehouse, coins int, nullPrice bool) {
	t.Helper()
	ctx := context.Background()
	loader := writer.NewLoader(wh, nil)
	at := time.Date(2026, 6, 1, 11, 58, 0, 0, time.UTC)

	market := make([]models.MarketSnapshotRecord, coins)
	for i := range market {
		rank := int64(i + 1)
		price := decimal.NewNullDecimal(decimal.NewFromInt(int64(100 + i)))
		if nullPrice && i == 0 {
			price = decimal.NullDecimal{}
		}
		market[i] = models.MarketSnapshotRecord{
			ID:                fmt.Sprintf("coin-%02d", i),
			Symbol:            fmt.Sprintf("c%d", i),
			Name:              fmt.Sprintf("Coin %d", i),
			CurrentPrice:      price,
			MarketCap:         decimal.NewNullDecimal(decimal.NewFromInt(int64(1000000 - i))),
			MarketCapRank:     &rank,
			PriceChangePct24h: decimal.NewNullDecimal(decimal.NewFromInt(int64(i))),
			LastUpdated:       at,
			ExtractedAt:       at,
		}
	}
	_, err := loader.LoadMarket(ctx, coingecko.Records(market...))
	require.NoError(t, err)

	_, err = loader.LoadTrending(ctx, coingecko.Records(models.TrendingCoinRecord{
		TrendingItem: models.TrendingItem{ID: "coin-01", Name: "Coin 1"}, Rank: 1, ExtractedAt: at,
	}))
	require.NoError(t, err)

	_, err = loader.LoadGlobal(ctx, coingecko.Records(models.GlobalStatsRecord{
		ActiveCryptocurrencies: 12000,
		BTCDominancePct:        decimal.NewNullDecimal(decimal.RequireFromString("51.5")),
		ExtractedAt:            at,
	}))
	require.NoError(t, err)

	require.NoError(t, processor.NewTransformer(wh).Transform(ctx))
}

func TestBuildAfterTransform(t *testing.T) {
	wh := warehousetest.Open(t)
	seed(t, wh, 8, false)

	r := Build(context.Background(), wh)

	require.Len(t, r.Views, len(processor.Views))
	for _, v := range r.Views {
		assert.Equal(t, "OK", v.Status(), v.View)
	}
	require.Len(t, r.TopGainers, 5)
	assert.Equal(t, "Coin 7", r.TopGainers[0].Name)
	assert.True(t, r.TopGainers[0].Change24hPct.Decimal.Equal(decimal.NewFromInt(7)))

	require.NotNil(t, r.Overview)
	assert.EqualValues(t, 8, r.Overview.TotalCoins)
	assert.Equal(t, "51.50", fmtDecimal(r.Overview.BTCDominancePct, 2))
	assert.False(t, r.Overview.ETHDominancePct.Valid)

	assert.Zero(t, r.NullPrices)
	assert.NotEmpty(t, r.LastUpdated)
	assert.Empty(t, r.Issues)
	assert.True(t, r.Healthy())

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, r))
	out := buf.String()
	assert.Contains(t, out, "crypto_top_performers")
	assert.Contains(t, out, "Coin 7")
	assert.Contains(t, out, "every price is present")
}

func TestBuildFlagsNullPrices(t *testing.T) {
	wh := warehousetest.Open(t)
	seed(t, wh, 3, true)

	r := Build(context.Background(), wh)
	assert.EqualValues(t, 1, r.NullPrices)
	assert.False(t, r.Healthy())

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, r))
	assert.Contains(t, buf.String(), "1 coins have a NULL price")
}

func TestBuildBeforeTransform(t *testing.T) {
	wh := warehousetest.Open(t)

	r := Build(context.Background(), wh)
	for _, v := range r.Views {
		assert.Equal(t, "ERROR", v.Status(), v.View)
	}
	assert.Nil(t, r.Overview)
	assert.NotEmpty(t, r.Issues)
	assert.False(t, r.Healthy())

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, r))
	assert.Contains(t, buf.String(), "no global data")
}

func TestViewStatus(t *testing.T) {
	assert.Equal(t, "EMPTY", ViewStatus{View: processor.ViewMarketSummary}.Status())
	assert.Equal(t, "OK", ViewStatus{View: "crypto_market_overview"}.Status())
	assert.Equal(t, "ERROR", ViewStatus{View: processor.ViewTrending, Error: "no such table"}.Status())
}
