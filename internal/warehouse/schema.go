package warehouse

import "fmt"

// MarketColumns is the column order used for market_data writes.
var MarketColumns = []string{
	"id", "symbol", "name", "image",
	"current_price", "market_cap", "market_cap_rank", "total_volume", "high_24h", "low_24h",
	"price_change_percentage_1h_in_currency",
	"price_change_percentage_24h_in_currency",
	"price_change_percentage_7d_in_currency",
	"price_change_percentage_30d_in_currency",
	"last_updated", "extracted_at",
}

var TrendingColumns = []string{
	"rank", "id", "coin_id", "name", "symbol", "slug", "market_cap_rank",
	"thumb", "small", "large", "price_btc", "score", "extracted_at",
}

var GlobalColumns = []string{
	"active_cryptocurrencies", "upcoming_icos", "ongoing_icos", "ended_icos", "markets",
	"total_market_cap_usd", "total_volume_usd", "market_cap_change_percentage_24h_usd",
	"btc_dominance", "eth_dominance", "updated_at", "extracted_at",
}

func rawTableDDL(d Dialect) []string {
	ts := d.Timestamp
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS market_data (
	id TEXT PRIMARY KEY,
	symbol TEXT,
	name TEXT,
	image TEXT,
	current_price NUMERIC,
	market_cap NUMERIC,
	market_cap_rank INTEGER,
	total_volume NUMERIC,
	high_24h NUMERIC,
	low_24h NUMERIC,
	price_change_percentage_1h_in_currency NUMERIC,
	price_change_percentage_24h_in_currency NUMERIC,
	price_change_percentage_7d_in_currency NUMERIC,
	price_change_percentage_30d_in_currency NUMERIC,
	last_updated %[1]s,
	extracted_at %[1]s NOT NULL
)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS trending_coins (
	rank INTEGER NOT NULL,
	id TEXT NOT NULL,
	coin_id INTEGER,
	name TEXT,
	symbol TEXT,
	slug TEXT,
	market_cap_rank INTEGER,
	thumb TEXT,
	small TEXT,
	large TEXT,
	price_btc NUMERIC,
	score INTEGER,
	extracted_at %[1]s NOT NULL
)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS global_stats (
	active_cryptocurrencies INTEGER,
	upcoming_icos INTEGER,
	ongoing_icos INTEGER,
	ended_icos INTEGER,
	markets INTEGER,
	total_market_cap_usd NUMERIC,
	total_volume_usd NUMERIC,
	market_cap_change_percentage_24h_usd NUMERIC,
	btc_dominance NUMERIC,
	eth_dominance NUMERIC,
	updated_at %[1]s,
	extracted_at %[1]s NOT NULL
)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS transform_versions (
	version TEXT PRIMARY KEY,
	applied_at %[1]s NOT NULL
)`, ts),
	}
}
