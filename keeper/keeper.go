// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package keeper defines the shared Keeper capability interface and the
// helper object every concrete keeper (DelayedOrdersKeeper,
// OffchainDelayedOrdersKeeper, LiquidationKeeper) composes rather than
// inherits from, per spec.md section 9's design note: "the shared
// behaviour ... belongs in a helper object passed by composition, not
// inherited".
package keeper

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/luxfi/perps-keeper/chain"
	"github.com/luxfi/perps-keeper/metrics"
	"github.com/luxfi/perps-keeper/notify"
	"github.com/luxfi/perps-keeper/signer"
)

// Gas heuristics: economic knobs, not protocol constants (spec.md section 9).
const (
	GasLimitMultiplier = 1.2
	GasPriceMultiplier = 2.0
)

// MaxBatchSize and BatchWaitTime bound per-execute concurrency: within one
// Execute, up to MaxBatchSize per-account tasks run concurrently; the
// keeper pauses BatchWaitTime between batches.
const (
	MaxBatchSize  = 20
	BatchWaitTime = 2 * time.Second
)

// WaitTxTimeout bounds how long waitTx waits for one confirmation.
const WaitTxTimeout = 2 * time.Minute

// ShutdownGrace is the hard deadline the Distributor gives the current tick
// to drain on shutdown.
const ShutdownGrace = 30 * time.Second

// BlockInfo is the subset of chain.Header a Keeper tick needs.
type BlockInfo struct {
	Number    uint64
	Timestamp uint64
}

// Snapshot is the external on-chain state hydrate() merges into a fresh
// index at startup.
type Snapshot struct {
	Orders    []chain.DelayedOrder
	Positions []chain.Position
}

// Keeper is the capability interface the Distributor drives. Concrete
// variants are tagged by which events and execution semantics they
// implement; none of them subclass a shared base type.
type Keeper interface {
	// EventsOfInterest is this keeper's event-kind filter.
	EventsOfInterest() []chain.Kind
	// UpdateIndex is a pure in-memory index update. It must be idempotent
	// over already-seen events.
	UpdateIndex(events []chain.Event, block BlockInfo, price *big.Float)
	// Hydrate merges an external snapshot with the current in-memory
	// index; in-memory values win for fields that can drift.
	Hydrate(ctx context.Context, snapshot Snapshot, block BlockInfo) error
	// Execute selects actions and submits them. Per-item errors are
	// logged and metric-counted, never returned.
	Execute(ctx context.Context) error
	// Market identifies which market this keeper drives.
	Market() chain.Market
}

// Base is the composition-friendly helper every concrete Keeper embeds. It
// owns nothing about index shape; it only provides logging, metrics,
// signer leasing and the two Keeper-wide utilities named in spec.md
// section 4.4.
type Base struct {
	Chain    chain.ChainClient
	Signers  *signer.Pool
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	Log      log.Logger
	Mkt      chain.Market
}

// NewBase constructs a Base bound to one market.
func NewBase(kind string, mkt chain.Market, cc chain.ChainClient, signers *signer.Pool, m *metrics.Metrics, n notify.Notifier) Base {
	return Base{
		Chain:    cc,
		Signers:  signers,
		Metrics:  m,
		Notifier: n,
		Log:      log.New("keeper", kind, "market", mkt.Key),
		Mkt:      mkt,
	}
}

// ExecAsyncKeeperCallback runs fn, recording a timing metric under id and
// swallowing any panic/error so that one item's failure never aborts the
// caller's loop. Errors are still logged and metric-counted.
func (b *Base) ExecAsyncKeeperCallback(ctx context.Context, id string, fn func(ctx context.Context) error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.Log.Error("keeper callback panicked", "id", id, "panic", r)
			if b.Metrics.Enabled() {
				b.Metrics.KeeperError.WithLabelValues(b.Mkt.Key, id).Inc()
			}
		}
	}()

	err := fn(ctx)
	b.Log.Debug("keeper callback finished", "id", id, "elapsed", time.Since(start))
	if err != nil {
		b.Log.Error("keeper callback failed", "id", id, "err", err)
		if b.Metrics.Enabled() {
			b.Metrics.KeeperError.WithLabelValues(b.Mkt.Key, id).Inc()
		}
	}
}

// WaitTx awaits one confirmation for txHash with a bounded timeout.
func (b *Base) WaitTx(ctx context.Context, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, WaitTxTimeout)
	defer cancel()
	_, err := b.Chain.WaitMined(ctx, txHash)
	return err
}

// GasLimitWithHeadroom applies the 1.2x estimate-gas multiplier.
func GasLimitWithHeadroom(estimated uint64) uint64 {
	return uint64(float64(estimated) * GasLimitMultiplier)
}

// GasPriceWithHeadroom applies the 2x anti-reorg gas-price multiplier.
func GasPriceWithHeadroom(base *big.Int) *big.Int {
	return new(big.Int).Mul(base, big.NewInt(int64(GasPriceMultiplier)))
}

// Batches splits accounts into chunks of at most size (MaxBatchSize when
// size <= 0), preserving order (spec.md section 4.5's "partition ready into batches").
func Batches(accounts []common.Address, size int) [][]common.Address {
	if size <= 0 {
		size = MaxBatchSize
	}
	var batches [][]common.Address
	for i := 0; i < len(accounts); i += size {
		end := i + size
		if end > len(accounts) {
			end = len(accounts)
		}
		batches = append(batches, accounts[i:end])
	}
	return batches
}
