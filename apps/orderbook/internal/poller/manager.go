package poller

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/barrier"
	"orderbook/apps/orderbook/internal/config"
)

// ChainStatus reports how far a chain's cursor trails the head.
type ChainStatus struct {
	ChainID                   int64   `json:"chainId"`
	LatestBlock               uint64  `json:"latestBlock"`
	LastPolledBlock           uint64  `json:"lastPolledBlock"`
	Batch                     uint64  `json:"batch"`
	CatchupLatestBlockSeconds float64 `json:"catchupLatestBlockSeconds"`
	Error                     string  `json:"error,omitempty"`
}

// Manager owns one poller per (chain, exchange contract) and the barrier they share.
type Manager struct {
	chains   []config.Chain
	pollers  []*Poller
	rpc      ChainReader
	progress ProgressStore
	opts     Options
	logger   *zap.Logger
}

func NewManager(chains []config.Chain, rpc ChainReader, progress ProgressStore, d Dispatcher, opts Options, logger *zap.Logger) *Manager {
	b := barrier.New()

	var pollers []*Poller
	for _, chain := range chains {
		for _, contract := range chain.ExchangeAddresses {
			pollers = append(pollers, New(chain, contract, rpc, progress, d, b, opts, logger))
		}
	}

	return &Manager{
		chains:   chains,
		pollers:  pollers,
		rpc:      rpc,
		progress: progress,
		opts:     opts,
		logger:   logger,
	}
}

// Run starts every poller and blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("Starting event pollers", zap.Int("pollers", len(m.pollers)))

	var wg sync.WaitGroup
	for _, p := range m.pollers {
		wg.Add(1)
		go func(p *Poller) {
			defer wg.Done()
			p.Run(ctx)
		}(p)
	}
	wg.Wait()
}

// Status reports each chain's cursor and the estimated time to reach the head.
func (m *Manager) Status(ctx context.Context) []ChainStatus {
	statuses := make([]ChainStatus, 0, len(m.chains))
	for _, chain := range m.chains {
		s := ChainStatus{ChainID: chain.ID, Batch: chain.PollBatch}

		latest, err := m.rpc.LatestBlock(ctx, chain.ID)
		if err != nil {
			m.logger.Warn("Failed to get latest block for status", zap.Int64("chain_id", chain.ID), zap.Error(err))
			s.Error = err.Error()
			statuses = append(statuses, s)
			continue
		}
		s.LatestBlock = latest

		polled, err := m.progress.GetLastPolledBlock(ctx, chain.ID)
		if err != nil {
			m.logger.Warn("Failed to get poll progress for status", zap.Int64("chain_id", chain.ID), zap.Error(err))
			s.Error = err.Error()
			statuses = append(statuses, s)
			continue
		}
		s.LastPolledBlock = polled

		if latest > polled {
			s.Batch = batchSize(chain.PollBatch, latest-polled-1, m.opts)
		}
		s.CatchupLatestBlockSeconds = catchupSeconds(latest, polled, s.Batch, m.opts.Interval.Seconds(), chain.BlockTimeMs)
		statuses = append(statuses, s)
	}
	return statuses
}

// catchupSeconds estimates the time to poll from polled up to latest.
func catchupSeconds(latest, polled, batch uint64, intervalSeconds float64, blockTimeMs uint64) float64 {
	if latest <= polled || batch == 0 {
		return 0
	}
	behind := float64(latest - polled)
	return behind * intervalSeconds * float64(blockTimeMs) / (1000 * float64(batch))
}
