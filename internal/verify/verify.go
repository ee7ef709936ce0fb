// Package verify inspects the derived views after a transformation and
// renders a human readable report.
package verify

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"coinflow/internal/quality"
	"coinflow/internal/warehouse"
	"coinflow/processor"
)

// ViewStatus is the row count of one derived view.
type ViewStatus struct {
	View  string
	Rows  int64
	Error string
}

// Status renders OK, EMPTY or ERROR the way the report prints it.
func (v ViewStatus) Status() string {
	switch {
	case v.Error != "":
		return "ERROR"
	case v.Rows > 0:
		return "OK"
	case v.View == quality.ExemptView:
		return "OK"
	default:
		return "EMPTY"
	}
}

type Gainer struct {
	Name         string
	Symbol       string
	CurrentPrice decimal.NullDecimal
	Change24hPct decimal.NullDecimal
}

type Overview struct {
	TotalCoins        int64
	TotalMarketCap    decimal.NullDecimal
	BTCDominancePct   decimal.NullDecimal
	ETHDominancePct   decimal.NullDecimal
	MarketDataUpdated string
}

// Report is everything the verify command prints.
type Report struct {
	Views       []ViewStatus
	TopGainers  []Gainer
	Overview    *Overview
	NullPrices  int64
	LastUpdated string
	Issues      []string
}

// Healthy reports whether every view is readable and no price is missing.
func (r Report) Healthy() bool {
	for _, v := range r.Views {
		if v.Status() != "OK" {
			return false
		}
	}
	return r.NullPrices == 0 && len(r.Issues) == 0
}

const (
	topGainersQuery = `SELECT name, symbol, current_price, change_24h_pct
FROM crypto_top_performers
WHERE performance_category = 'Top Gainer 24h'
ORDER BY change_24h_pct DESC
LIMIT 5`
	overviewQuery   = `SELECT total_coins, total_market_cap, btc_dominance_pct, eth_dominance_pct, market_data_updated FROM crypto_market_overview`
	nullPriceQuery  = `SELECT COUNT(*) FROM crypto_market_summary WHERE current_price IS NULL`
	lastUpdateQuery = `SELECT MAX(last_updated) FROM crypto_market_summary`
)

// Build queries the warehouse. Query failures are collected as issues so the
// report still shows whatever could be read.
func Build(ctx context.Context, wh *warehouse.Warehouse) Report {
	var r Report

	for _, view := range processor.Views {
		status := ViewStatus{View: view}
		n, err := wh.CountRows(ctx, view)
		if err != nil {
			status.Error = err.Error()
		}
		status.Rows = n
		r.Views = append(r.Views, status)
	}

	gainers, err := topGainers(ctx, wh.DB)
	if err != nil {
		r.Issues = append(r.Issues, fmt.Sprintf("top performers: %v", err))
	}
	r.TopGainers = gainers

	overview, err := marketOverview(ctx, wh.DB)
	if err != nil {
		r.Issues = append(r.Issues, fmt.Sprintf("market overview: %v", err))
	}
	r.Overview = overview

	if err := wh.DB.QueryRowContext(ctx, nullPriceQuery).Scan(&r.NullPrices); err != nil {
		r.Issues = append(r.Issues, fmt.Sprintf("null price check: %v", err))
	}

	var last sql.NullString
	if err := wh.DB.QueryRowContext(ctx, lastUpdateQuery).Scan(&last); err != nil {
		r.Issues = append(r.Issues, fmt.Sprintf("last update check: %v", err))
	}
	r.LastUpdated = last.String

	return r
}

func topGainers(ctx context.Context, db *sql.DB) ([]Gainer, error) {
	rows, err := db.QueryContext(ctx, topGainersQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Gainer
	for rows.Next() {
		var g Gainer
		var price, change sql.NullString
		if err := rows.Scan(&g.Name, &g.Symbol, &price, &change); err != nil {
			return out, err
		}
		g.CurrentPrice = parseDecimal(price)
		g.Change24hPct = parseDecimal(change)
		out = append(out, g)
	}
	return out, rows.Err()
}

func marketOverview(ctx context.Context, db *sql.DB) (*Overview, error) {
	var o Overview
	var capStr, btc, eth, updated sql.NullString
	err := db.QueryRowContext(ctx, overviewQuery).Scan(&o.TotalCoins, &capStr, &btc, &eth, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.TotalMarketCap = parseDecimal(capStr)
	o.BTCDominancePct = parseDecimal(btc)
	o.ETHDominancePct = parseDecimal(eth)
	o.MarketDataUpdated = updated.String
	return &o, nil
}

func parseDecimal(s sql.NullString) decimal.NullDecimal {
	if !s.Valid {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s.String))
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func fmtDecimal(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(places)
}

// Render writes r as aligned text tables.
func Render(w io.Writer, r Report) error {
	rule := strings.Repeat("=", 72)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "%s\n TRANSFORMATION VERIFICATION\n%s\n\n", rule, rule)

	fmt.Fprintln(tw, "[1] Derived views")
	fmt.Fprintln(tw, "VIEW\tROWS\tSTATUS")
	for _, v := range r.Views {
		rows := fmt.Sprint(v.Rows)
		if v.Error != "" {
			rows = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", v.View, rows, v.Status())
	}

	fmt.Fprintln(tw, "\n[2] Top 5 gainers (24h)")
	if len(r.TopGainers) == 0 {
		fmt.Fprintln(tw, "  no gainers")
	} else {
		fmt.Fprintln(tw, "NAME\tSYMBOL\tPRICE\tCHANGE 24H %")
		for _, g := range r.TopGainers {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.Name, g.Symbol, fmtDecimal(g.CurrentPrice, 4), fmtDecimal(g.Change24hPct, 2))
		}
	}

	fmt.Fprintln(tw, "\n[3] Market overview")
	if r.Overview == nil {
		fmt.Fprintln(tw, "  no global data")
	} else {
		o := r.Overview
		fmt.Fprintln(tw, "COINS\tMARKET CAP\tBTC %\tETH %\tUPDATED")
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", o.TotalCoins, fmtDecimal(o.TotalMarketCap, 0),
			fmtDecimal(o.BTCDominancePct, 2), fmtDecimal(o.ETHDominancePct, 2), o.MarketDataUpdated)
	}

	fmt.Fprintln(tw, "\n[4] Data quality")
	if r.NullPrices > 0 {
		fmt.Fprintf(tw, "  WARN %d coins have a NULL price\n", r.NullPrices)
	} else {
		fmt.Fprintln(tw, "  OK   every price is present")
	}
	if r.LastUpdated != "" {
		fmt.Fprintf(tw, "  INFO last market update: %s\n", r.LastUpdated)
	} else {
		fmt.Fprintln(tw, "  WARN last market update unknown")
	}
	for _, issue := range r.Issues {
		fmt.Fprintf(tw, "  ERR  %s\n", issue)
	}
	fmt.Fprintf(tw, "\n%s\n", rule)

	return tw.Flush()
}
