package quality

import (
	"context"

	"coinflow/logger"
)

// ExemptView may legitimately hold a single aggregate row or none at all.
const ExemptView = "crypto_market_overview"

// CheckViews counts rows per view. It never fails: empty views other than
// ExemptView are logged as warnings and a count that cannot be read is
// reported as -1.
func (g *Gate) CheckViews(ctx context.Context, views []string) map[string]int64 {
	counts := make(map[string]int64, len(views))
	for _, view := range views {
		log := g.log.WithComponent("quality_gate").WithFields(logger.Fields{"view": view})

		n, err := g.wh.CountRows(ctx, view)
		if err != nil {
			log.WithError(err).Warn("failed to count view rows")
			counts[view] = -1
			continue
		}
		counts[view] = n
		log.WithFields(logger.Fields{"rows": n}).Info("view row count")

		if n == 0 && view != ExemptView {
			log.Warn("view has no data")
		}
	}
	return counts
}
