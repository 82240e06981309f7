// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package distributor drives the outer tick loop: it decides the next
// block range to process, fans events to every configured Keeper, and
// enforces the overall cadence (spec.md section 4.3).
package distributor

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/luxfi/perps-keeper/chain"
	"github.com/luxfi/perps-keeper/keeper"
	"github.com/luxfi/perps-keeper/metrics"
	"github.com/luxfi/perps-keeper/signer"
)

// DefaultMaxBacklog bounds a single tick's scan width after downtime; wider
// gaps are capped and caught up over subsequent ticks.
const DefaultMaxBacklog = 100_000

// BalanceCheckEvery is how many ticks elapse between signer-balance and
// keeper-uptime watchdog sweeps (spec.md SPEC_FULL.md's "signer balance
// watchdog" supplement: KeeperSignerEthBalance and KeeperUpTime are named
// in spec.md section 6 but no operation produces them in section 4).
const BalanceCheckEvery = 20

// PriceFetcher supplies the current asset price LiquidationKeeper needs for
// candidate selection. Every other Keeper variant receives a nil price.
type PriceFetcher interface {
	FetchAssetPrice(ctx context.Context, asset string) (*big.Float, error)
}

// SnapshotSource supplies the external on-chain state (open orders,
// positions) a Keeper hydrates from at startup.
type SnapshotSource interface {
	Snapshot(ctx context.Context, mkt chain.Market) (keeper.Snapshot, error)
}

// Distributor is the outer loop that owns lastProcessedBlock and drives
// every configured Keeper through hydrate, then updateIndex+execute each
// tick.
type Distributor struct {
	chain     chain.ChainClient
	events    *chain.EventSource
	keepers   []keeper.Keeper
	prices    PriceFetcher
	snapshots SnapshotSource
	metrics   *metrics.Metrics
	log       log.Logger

	maxBacklog      uint64
	processInterval time.Duration

	lastProcessedBlock uint64

	signers    *signer.Pool // optional; nil skips the balance watchdog
	tickCount  uint64
	hydratedAt map[string]time.Time
}

// NewDistributor constructs a Distributor over keepers. fromBlock is the
// first block to index on cold start (spec.md section 6's FROM_BLOCK);
// maxBacklog of 0 selects DefaultMaxBacklog. signers may be nil, in which
// case the signer-balance watchdog sweep is skipped.
func NewDistributor(cc chain.ChainClient, events *chain.EventSource, keepers []keeper.Keeper, prices PriceFetcher, snapshots SnapshotSource, m *metrics.Metrics, fromBlock uint64, processInterval time.Duration, maxBacklog uint64, signers *signer.Pool) *Distributor {
	if maxBacklog == 0 {
		maxBacklog = DefaultMaxBacklog
	}
	return &Distributor{
		chain:              cc,
		events:             events,
		keepers:            keepers,
		prices:             prices,
		snapshots:          snapshots,
		metrics:            m,
		log:                log.New("component", "Distributor"),
		maxBacklog:         maxBacklog,
		processInterval:    processInterval,
		lastProcessedBlock: initialLastProcessed(fromBlock),
		signers:            signers,
		hydratedAt:         make(map[string]time.Time, len(keepers)),
	}
}

func initialLastProcessed(fromBlock uint64) uint64 {
	if fromBlock == 0 {
		return 0
	}
	return fromBlock - 1
}

// LastProcessedBlock reports the last block number whose events have been
// delivered to every Keeper.
func (d *Distributor) LastProcessedBlock() uint64 { return d.lastProcessedBlock }

// Run hydrates every Keeper and then ticks every processInterval until ctx
// is cancelled. On cancellation the in-flight tick (if any) is given
// keeper.ShutdownGrace to finish before its context is cancelled out from
// under it.
func (d *Distributor) Run(ctx context.Context) error {
	if err := d.hydrateAll(ctx); err != nil {
		return fmt.Errorf("hydrating keepers: %w", err)
	}

	ticker := time.NewTicker(d.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.tickWithGrace(ctx)
			d.tickCount++
			if d.tickCount%BalanceCheckEvery == 0 {
				d.runWatchdog(ctx)
			}
		}
	}
}

// tickWithGrace runs one tick on a context independent of the caller's
// shutdown signal, so a tick already in flight when shutdown is requested
// gets keeper.ShutdownGrace to finish draining rather than being cut off
// instantly.
func (d *Distributor) tickWithGrace(shutdown context.Context) {
	tickCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Tick(tickCtx)
	}()

	select {
	case <-done:
		return
	case <-shutdown.Done():
	}

	select {
	case <-done:
	case <-time.After(keeper.ShutdownGrace):
		d.log.Warn("tick did not finish within shutdown grace period, abandoning in-flight work")
		cancel()
		<-done
	}
}

func (d *Distributor) hydrateAll(ctx context.Context) error {
	hdr, err := d.chain.HeaderByNumber(ctx, d.lastProcessedBlock)
	if err != nil {
		return fmt.Errorf("reading hydrate block header: %w", err)
	}
	block := keeper.BlockInfo{Number: hdr.Number, Timestamp: hdr.Timestamp}

	for _, k := range d.keepers {
		var snap keeper.Snapshot
		if d.snapshots != nil {
			s, err := d.snapshots.Snapshot(ctx, k.Market())
			if err != nil {
				d.log.Error("fetching hydrate snapshot, starting with an empty index", "market", k.Market().Key, "err", err)
			} else {
				snap = s
			}
		}
		if err := k.Hydrate(ctx, snap, block); err != nil {
			return fmt.Errorf("hydrating keeper %s: %w", k.Market().Key, err)
		}
		d.hydratedAt[k.Market().Key] = time.Now()
	}
	return nil
}

// runWatchdog sets KeeperUpTime (time since each Keeper's last successful
// hydrate) and, if a signer pool is configured, KeeperSignerEthBalance for
// every signer. It is called every BalanceCheckEvery ticks rather than
// every tick since a balance read is an RPC call per signer.
func (d *Distributor) runWatchdog(ctx context.Context) {
	if !d.metrics.Enabled() {
		return
	}
	for key, since := range d.hydratedAt {
		d.metrics.KeeperUpTime.WithLabelValues(key).Set(time.Since(since).Seconds())
	}
	if d.signers == nil {
		return
	}
	for _, addr := range d.signers.Addresses() {
		bal, err := d.chain.BalanceAt(ctx, addr)
		if err != nil {
			d.log.Error("fetching signer balance", "signer", addr, "err", err)
			continue
		}
		balF, _ := new(big.Float).SetInt(bal).Float64()
		d.metrics.KeeperSignerEthBalance.WithLabelValues(addr.Hex()).Set(balF)
	}
}

// Tick runs exactly one iteration of the state machine in spec.md section
// 4.3: compute the block range, fan events to every Keeper, run each
// Keeper's execute, and advance lastProcessedBlock only if every Keeper's
// event fetch succeeded.
func (d *Distributor) Tick(ctx context.Context) {
	start := time.Now()

	tip, err := d.chain.BlockNumber(ctx)
	if err != nil {
		d.log.Error("fetching chain tip, skipping tick", "err", err)
		return
	}

	var delta uint64
	if tip > d.lastProcessedBlock {
		delta = tip - d.lastProcessedBlock
	}
	toBlock := tip
	if delta > d.maxBacklog {
		toBlock = d.lastProcessedBlock + d.maxBacklog
	}
	if d.metrics.Enabled() {
		d.metrics.DistributorBlockDelta.Set(float64(delta))
	}

	if toBlock <= d.lastProcessedBlock {
		return
	}

	hdr, err := d.chain.HeaderByNumber(ctx, toBlock)
	if err != nil {
		d.log.Error("fetching tick block header, skipping tick", "block", toBlock, "err", err)
		return
	}
	block := keeper.BlockInfo{Number: hdr.Number, Timestamp: hdr.Timestamp}

	allEventsOK := true
	for _, k := range d.keepers {
		if !d.tickOne(ctx, k, block, toBlock) {
			allEventsOK = false
		}
	}

	if allEventsOK {
		d.lastProcessedBlock = toBlock
	}
	if d.metrics.Enabled() {
		d.metrics.DistributorBlockProcessTime.Set(float64(time.Since(start).Milliseconds()))
	}
}

// tickOne drives one Keeper through updateIndex+execute. It returns false
// only when the event fetch itself failed, which is the sole condition
// that withholds lastProcessedBlock's advance (spec.md section 4.3).
func (d *Distributor) tickOne(ctx context.Context, k keeper.Keeper, block keeper.BlockInfo, toBlock uint64) bool {
	mkt := k.Market()
	events, err := d.events.GetEvents(ctx, mkt.Contract, k.EventsOfInterest(), d.lastProcessedBlock+1, toBlock)
	if err != nil {
		d.log.Error("event fetch failed, retrying this range next tick", "market", mkt.Key, "err", err)
		if d.metrics.Enabled() {
			d.metrics.KeeperError.WithLabelValues(mkt.Key, "getEvents").Inc()
		}
		return false
	}

	var price *big.Float
	if _, wantsPrice := k.(*keeper.LiquidationKeeper); wantsPrice && d.prices != nil {
		p, err := d.prices.FetchAssetPrice(ctx, mkt.Asset)
		if err != nil {
			d.log.Error("fetching asset price, liquidation candidate selection will be skipped this tick", "market", mkt.Key, "err", err)
			if d.metrics.Enabled() {
				d.metrics.KeeperError.WithLabelValues(mkt.Key, "fetchAssetPrice").Inc()
			}
		} else {
			price = p
		}
	}

	k.UpdateIndex(events, block, price)

	if err := k.Execute(ctx); err != nil {
		d.log.Error("keeper execute failed", "market", mkt.Key, "err", err)
		if d.metrics.Enabled() {
			d.metrics.KeeperError.WithLabelValues(mkt.Key, "execute").Inc()
		}
	}
	return true
}
