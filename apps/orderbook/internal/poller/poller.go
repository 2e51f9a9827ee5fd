package poller

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderbook/apps/orderbook/internal/barrier"
	"orderbook/apps/orderbook/internal/config"
	"orderbook/apps/orderbook/internal/dispatcher"
	"orderbook/apps/orderbook/internal/seaport"
)

type ChainReader interface {
	LatestBlock(ctx context.Context, chainID int64) (uint64, error)
	FilterLogs(ctx context.Context, chainID int64, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, chainID int64, txHash common.Hash) (*types.Receipt, error)
	SwitchEndpoint(chainID int64)
}

type ProgressStore interface {
	GetLastPolledBlock(ctx context.Context, chainID int64) (uint64, error)
	AdvanceLastPolledBlock(ctx context.Context, chainID int64, block uint64) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, g dispatcher.Group) error
}

var (
	errInFlight    = errors.New("poll already in flight")
	errHeadBehind  = errors.New("chain head is behind the poll cursor")
	errRoundFailed = errors.New("another contract on the chain failed its sub-range")
	errProgress    = errors.New("failed to read poll progress")
)

// Options are the poll tuning knobs shared by every poller.
type Options struct {
	Interval               time.Duration
	RetryDelay             time.Duration
	RetryLimit             int
	MaxCatchBlockNumber    uint64
	CatchUpBatchMultiplier uint64
	Concurrency            int
	BarrierTimeout         time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:               cfg.PollInterval,
		RetryDelay:             cfg.PollRetryDelay,
		RetryLimit:             cfg.PollRetryLimit,
		MaxCatchBlockNumber:    cfg.MaxCatchBlockNumber,
		CatchUpBatchMultiplier: cfg.CatchUpBatchMultiplier,
		Concurrency:            cfg.DispatchConcurrency,
		BarrierTimeout:         cfg.BarrierTimeout,
	}
}

// Poller advances one exchange contract on one chain through new blocks.
type Poller struct {
	chain      config.Chain
	contract   common.Address
	rpc        ChainReader
	progress   ProgressStore
	dispatcher Dispatcher
	barrier    *barrier.Barrier
	opts       Options
	logger     *zap.Logger

	inFlight atomic.Bool
}

func New(chain config.Chain, contract string, rpc ChainReader, progress ProgressStore, d Dispatcher, b *barrier.Barrier, opts Options, logger *zap.Logger) *Poller {
	b.Register(chain.ID, contract)
	return &Poller{
		chain:      chain,
		contract:   common.HexToAddress(contract),
		rpc:        rpc,
		progress:   progress,
		dispatcher: d,
		barrier:    b,
		opts:       opts,
		logger: logger.With(
			zap.Int64("chain_id", chain.ID),
			zap.String("contract", strings.ToLower(contract))),
	}
}

// Run polls on every tick until ctx is done. A failed poll is retried after the retry
// delay until the retry budget runs out, then waits for the next tick.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("Starting poller", zap.Duration("interval", p.opts.Interval), zap.Uint64("batch", p.chain.PollBatch))

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Poller stopped")
			return
		case <-ticker.C:
			p.pollWithRetry(ctx)
		}
	}
}

func (p *Poller) pollWithRetry(ctx context.Context) {
	for retry := 0; ; retry++ {
		err := p.poll(ctx)
		if err == nil || errors.Is(err, errInFlight) || errors.Is(err, errHeadBehind) {
			return
		}
		if retry >= p.opts.RetryLimit {
			p.logger.Warn("Poll retry budget exhausted, waiting for next tick", zap.Int("retries", retry), zap.Error(err))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.RetryDelay):
		}
	}
}

// Poll runs one poll cycle and reports whether the chain cursor advanced.
func (p *Poller) Poll(ctx context.Context) bool {
	return p.poll(ctx) == nil
}

func (p *Poller) poll(ctx context.Context) error {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("Previous poll still running, skipping")
		return errInFlight
	}
	defer p.inFlight.Store(false)

	toBlock, err := p.process(ctx)
	if errors.Is(err, errProgress) {
		// Nothing was read from the chain; leave the round for the retry to join.
		p.logger.Error("Poll aborted", zap.Error(err))
		return err
	}
	if err != nil && !errors.Is(err, errHeadBehind) {
		p.logger.Error("Poll failed", zap.Error(err))
	}

	ticket := p.barrier.MarkFinished(p.chain.ID, p.contract.Hex(), toBlock, err == nil)

	waitCtx, cancel := context.WithTimeout(ctx, p.opts.BarrierTimeout)
	defer cancel()

	outcome, waitErr := p.barrier.AwaitAllFinished(waitCtx, ticket)
	if waitErr != nil {
		p.logger.Warn("Timed out waiting for other contracts on the chain", zap.Uint64("to_block", toBlock), zap.Error(waitErr))
		return fmt.Errorf("barrier wait: %w", waitErr)
	}
	if err != nil {
		return err
	}
	if !outcome.OK {
		p.logger.Debug("Chain round failed, cursor not advanced", zap.Uint64("to_block", toBlock))
		return errRoundFailed
	}

	if err := p.progress.AdvanceLastPolledBlock(ctx, p.chain.ID, outcome.ToBlock); err != nil {
		p.logger.Error("Failed to advance poll progress", zap.Uint64("to_block", outcome.ToBlock), zap.Error(err))
		return err
	}
	return nil
}

// process handles this contract's sub-range and returns its upper bound.
func (p *Poller) process(ctx context.Context) (uint64, error) {
	last, err := p.progress.GetLastPolledBlock(ctx, p.chain.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errProgress, err)
	}
	fromBlock := last + 1

	head, err := p.rpc.LatestBlock(ctx, p.chain.ID)
	if err != nil {
		p.rpc.SwitchEndpoint(p.chain.ID)
		return 0, fmt.Errorf("failed to get latest block: %w", err)
	}
	if head < fromBlock {
		p.logger.Debug("Chain head behind cursor", zap.Uint64("head", head), zap.Uint64("from_block", fromBlock))
		return 0, errHeadBehind
	}

	toBlock := p.toBlock(fromBlock, head)

	logs, err := p.rpc.FilterLogs(ctx, p.chain.ID, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{p.contract},
		Topics:    seaport.Topics(),
	})
	if err != nil {
		p.rpc.SwitchEndpoint(p.chain.ID)
		return 0, fmt.Errorf("failed to filter logs %d-%d: %w", fromBlock, toBlock, err)
	}

	if len(logs) == 0 {
		p.logger.Debug("No events in range", zap.Uint64("from_block", fromBlock), zap.Uint64("to_block", toBlock))
		return toBlock, nil
	}

	groups, err := p.groupLogs(ctx, logs)
	if err != nil {
		return 0, err
	}

	p.logger.Info("Found exchange events",
		zap.Uint64("from_block", fromBlock),
		zap.Uint64("to_block", toBlock),
		zap.Int("logs", len(logs)),
		zap.Int("groups", len(groups)))

	// Groups are isolated: a failing group does not cancel its siblings.
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(p.opts.Concurrency)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			if err := p.dispatcher.Dispatch(ctx, group); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		return 0, fmt.Errorf("failed to dispatch %d of %d groups in %d-%d: %w", len(errs), len(groups), fromBlock, toBlock, err)
	}

	return toBlock, nil
}

// batchSize is the chain's batch, widened when the cursor is far behind the head.
func batchSize(base, gap uint64, opts Options) uint64 {
	if gap > opts.MaxCatchBlockNumber && opts.CatchUpBatchMultiplier > 1 {
		return base * opts.CatchUpBatchMultiplier
	}
	return base
}

// toBlock bounds the sub-range to the batch size and the head.
func (p *Poller) toBlock(fromBlock, head uint64) uint64 {
	toBlock := fromBlock + batchSize(p.chain.PollBatch, head-fromBlock, p.opts)
	if toBlock > head {
		toBlock = head
	}
	return toBlock
}

// groupLogs decodes logs and groups them by transaction, then by kind, in log order.
// Logs of reverted transactions are dropped.
func (p *Poller) groupLogs(ctx context.Context, logs []types.Log) ([]dispatcher.Group, error) {
	type txKind struct {
		tx   common.Hash
		kind seaport.Kind
	}

	var (
		groups   []dispatcher.Group
		index    = map[txKind]int{}
		receipts = map[common.Hash]bool{}
	)

	for _, l := range logs {
		if l.Removed {
			continue
		}

		ok, checked := receipts[l.TxHash]
		if !checked {
			receipt, err := p.rpc.TransactionReceipt(ctx, p.chain.ID, l.TxHash)
			if err != nil {
				return nil, fmt.Errorf("failed to get receipt %s: %w", l.TxHash.Hex(), err)
			}
			ok = receipt.Status == types.ReceiptStatusSuccessful
			receipts[l.TxHash] = ok
		}
		if !ok {
			p.logger.Debug("Skipping log of reverted transaction", zap.String("tx_hash", l.TxHash.Hex()))
			continue
		}

		ev, err := seaport.DecodeLog(l)
		if err != nil {
			p.logger.Warn("Skipping undecodable log",
				zap.String("tx_hash", l.TxHash.Hex()),
				zap.Uint("log_index", l.Index),
				zap.Error(err))
			continue
		}

		key := txKind{tx: l.TxHash, kind: ev.Kind()}
		i, exists := index[key]
		if !exists {
			i = len(groups)
			index[key] = i
			groups = append(groups, dispatcher.Group{ChainID: p.chain.ID, TxHash: l.TxHash, Kind: ev.Kind()})
		}
		groups[i].Events = append(groups[i].Events, ev)
	}
	return groups, nil
}
