package quality

import (
	"context"
	"fmt"

	"coinflow/internal/warehouse"
	"coinflow/logger"
	"coinflow/models"
)

// QualityReport holds the raw row counts observed after ingestion.
type QualityReport struct {
	Market   int64 `json:"market"`
	Trending int64 `json:"trending"`
	Global   int64 `json:"global"`
}

// IngestionQualityError halts a run whose primary resource is empty.
type IngestionQualityError struct {
	Report QualityReport
}

func (e *IngestionQualityError) Error() string {
	return fmt.Sprintf("ingestion quality check failed: %s has no rows (trending=%d, global=%d)",
		models.ResourceMarket, e.Report.Trending, e.Report.Global)
}

// Gate runs the row-count checkpoints against the warehouse.
type Gate struct {
	wh  *warehouse.Warehouse
	log *logger.Log
}

func NewGate(wh *warehouse.Warehouse) *Gate {
	return &Gate{wh: wh, log: logger.GetLogger()}
}

// CheckIngestion counts every raw resource. An empty market table is fatal;
// empty trending or global tables only warn.
func (g *Gate) CheckIngestion(ctx context.Context) (QualityReport, error) {
	var report QualityReport
	targets := map[models.Resource]*int64{
		models.ResourceMarket:   &report.Market,
		models.ResourceTrending: &report.Trending,
		models.ResourceGlobal:   &report.Global,
	}
	for _, resource := range models.Resources {
		n, err := g.wh.CountRows(ctx, string(resource))
		if err != nil {
			return report, fmt.Errorf("ingestion quality check: %w", err)
		}
		*targets[resource] = n
	}

	log := g.log.WithComponent("quality_gate").WithFields(logger.Fields{
		"market":   report.Market,
		"trending": report.Trending,
		"global":   report.Global,
	})
	log.Info("ingestion row counts")

	if report.Market == 0 {
		log.Error("market data is empty")
		return report, &IngestionQualityError{Report: report}
	}
	if report.Trending == 0 {
		log.Warn("trending coins table is empty")
	}
	if report.Global == 0 {
		log.Warn("global stats table is empty")
	}
	return report, nil
}
