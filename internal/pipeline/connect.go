package pipeline

import (
	"context"
	"sync"

	"coinflow/config"
	"coinflow/internal/quality"
	"coinflow/internal/warehouse"
	"coinflow/logger"
	"coinflow/processor"
	"coinflow/reader/coingecko"
	"coinflow/writer"
)

// WarehouseConnector opens the configured warehouse on first use and builds
// the production stages on its pool.
type WarehouseConnector struct {
	cfg      *config.Config
	archive  writer.MarketArchiver
	recorder func(ctx context.Context, wh *warehouse.Warehouse) (RunRecorder, error)

	mu sync.Mutex
	wh *warehouse.Warehouse
}

// NewWarehouseConnector returns a connector. archive and recorder may be nil.
func NewWarehouseConnector(cfg *config.Config, archive writer.MarketArchiver, recorder func(ctx context.Context, wh *warehouse.Warehouse) (RunRecorder, error)) *WarehouseConnector {
	return &WarehouseConnector{cfg: cfg, archive: archive, recorder: recorder}
}

// Connect satisfies Connector.
func (c *WarehouseConnector) Connect(ctx context.Context) (*Stages, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wh == nil {
		wh, err := warehouse.Open(ctx, c.cfg.Warehouse)
		if err != nil {
			return nil, err
		}
		if err := wh.EnsureSchema(ctx); err != nil {
			_ = wh.Close()
			return nil, err
		}
		c.wh = wh
	}

	stages := BuildStages(c.cfg, c.wh, c.archive)
	if c.recorder != nil {
		rec, err := c.recorder(ctx, c.wh)
		if err != nil {
			logger.GetLogger().WithComponent("pipeline").WithError(err).Warn("run history disabled")
		} else {
			stages.Recorder = rec
		}
	}
	return stages, nil
}

// Warehouse returns the open warehouse, or nil before the first Connect.
func (c *WarehouseConnector) Warehouse() *warehouse.Warehouse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wh
}

func (c *WarehouseConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wh == nil {
		return nil
	}
	err := c.wh.Close()
	c.wh = nil
	return err
}

// BuildStages wires the CoinGecko client, loader, gates and transformer on wh.
func BuildStages(cfg *config.Config, wh *warehouse.Warehouse, archive writer.MarketArchiver) *Stages {
	return &Stages{
		Extractor:   coingecko.NewClient(cfg),
		Loader:      writer.NewLoader(wh, archive),
		Gate:        quality.NewGate(wh),
		Transformer: processor.NewTransformer(wh),
	}
}
