package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Resource names one raw landing table.
type Resource string

const (
	ResourceMarket   Resource = "market_data"
	ResourceTrending Resource = "trending_coins"
	ResourceGlobal   Resource = "global_stats"
)

// Resources lists the raw resources in load order.
var Resources = []Resource{ResourceMarket, ResourceTrending, ResourceGlobal}

// MarketSnapshotRecord is one coin of the current market listing, keyed by
// the provider coin id.
type MarketSnapshotRecord struct {
	ID                string              `json:"id"`
	Symbol            string              `json:"symbol"`
	Name              string              `json:"name"`
	Image             string              `json:"image"`
	CurrentPrice      decimal.NullDecimal `json:"current_price"`
	MarketCap         decimal.NullDecimal `json:"market_cap"`
	MarketCapRank     *int64              `json:"market_cap_rank"`
	TotalVolume       decimal.NullDecimal `json:"total_volume"`
	High24h           decimal.NullDecimal `json:"high_24h"`
	Low24h            decimal.NullDecimal `json:"low_24h"`
	PriceChangePct1h  decimal.NullDecimal `json:"price_change_percentage_1h_in_currency"`
	PriceChangePct24h decimal.NullDecimal `json:"price_change_percentage_24h_in_currency"`
	PriceChangePct7d  decimal.NullDecimal `json:"price_change_percentage_7d_in_currency"`
	PriceChangePct30d decimal.NullDecimal `json:"price_change_percentage_30d_in_currency"`
	LastUpdated       time.Time           `json:"last_updated"`
	ExtractedAt       time.Time           `json:"extracted_at"`
}

// TrendingItem is the element shape of the provider trending list.
type TrendingItem struct {
	ID            string              `json:"id"`
	CoinID        int64               `json:"coin_id"`
	Name          string              `json:"name"`
	Symbol        string              `json:"symbol"`
	MarketCapRank *int64              `json:"market_cap_rank"`
	Thumb         string              `json:"thumb"`
	Small         string              `json:"small"`
	Large         string              `json:"large"`
	Slug          string              `json:"slug"`
	PriceBTC      decimal.NullDecimal `json:"price_btc"`
	Score         int64               `json:"score"`
}

// TrendingCoinRecord is one position of the trending list. Rank is 1-based.
type TrendingCoinRecord struct {
	TrendingItem
	Rank        int       `json:"rank"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// GlobalStatsPayload mirrors the "data" object of the global endpoint.
type GlobalStatsPayload struct {
	ActiveCryptocurrencies          int64                      `json:"active_cryptocurrencies"`
	UpcomingICOs                    int64                      `json:"upcoming_icos"`
	OngoingICOs                     int64                      `json:"ongoing_icos"`
	EndedICOs                       int64                      `json:"ended_icos"`
	Markets                         int64                      `json:"markets"`
	TotalMarketCap                  map[string]decimal.Decimal `json:"total_market_cap"`
	TotalVolume                     map[string]decimal.Decimal `json:"total_volume"`
	MarketCapPercentage             map[string]decimal.Decimal `json:"market_cap_percentage"`
	MarketCapChangePercentage24hUSD decimal.NullDecimal        `json:"market_cap_change_percentage_24h_usd"`
	UpdatedAt                       int64                      `json:"updated_at"`
}

// GlobalStatsRecord is one appended row of aggregate market statistics.
type GlobalStatsRecord struct {
	ActiveCryptocurrencies int64               `json:"active_cryptocurrencies"`
	UpcomingICOs           int64               `json:"upcoming_icos"`
	OngoingICOs            int64               `json:"ongoing_icos"`
	EndedICOs              int64               `json:"ended_icos"`
	Markets                int64               `json:"markets"`
	TotalMarketCapUSD      decimal.NullDecimal `json:"total_market_cap_usd"`
	TotalVolumeUSD         decimal.NullDecimal `json:"total_volume_usd"`
	MarketCapChange24hPct  decimal.NullDecimal `json:"market_cap_change_percentage_24h_usd"`
	BTCDominancePct        decimal.NullDecimal `json:"btc_dominance"`
	ETHDominancePct        decimal.NullDecimal `json:"eth_dominance"`
	UpdatedAt              time.Time           `json:"updated_at"`
	ExtractedAt            time.Time           `json:"extracted_at"`
}

// NewGlobalStatsRecord flattens the provider payload into a row stamped with
// extractedAt.
func NewGlobalStatsRecord(p GlobalStatsPayload, extractedAt time.Time) GlobalStatsRecord {
	rec := GlobalStatsRecord{
		ActiveCryptocurrencies: p.ActiveCryptocurrencies,
		UpcomingICOs:           p.UpcomingICOs,
		OngoingICOs:            p.OngoingICOs,
		EndedICOs:              p.EndedICOs,
		Markets:                p.Markets,
		TotalMarketCapUSD:      lookup(p.TotalMarketCap, "usd"),
		TotalVolumeUSD:         lookup(p.TotalVolume, "usd"),
		MarketCapChange24hPct:  p.MarketCapChangePercentage24hUSD,
		BTCDominancePct:        lookup(p.MarketCapPercentage, "btc"),
		ETHDominancePct:        lookup(p.MarketCapPercentage, "eth"),
		ExtractedAt:            extractedAt,
	}
	if p.UpdatedAt > 0 {
		rec.UpdatedAt = time.Unix(p.UpdatedAt, 0).UTC()
	}
	return rec
}

func lookup(m map[string]decimal.Decimal, key string) decimal.NullDecimal {
	v, ok := m[key]
	return decimal.NullDecimal{Decimal: v, Valid: ok}
}
