// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps-keeper/chain"
	"github.com/luxfi/perps-keeper/metrics"
	"github.com/luxfi/perps-keeper/notify"
	"github.com/luxfi/perps-keeper/signer"
)

// PythFetchRateLimit bounds how often this keeper calls out to the Pyth
// price server, so a batch of concurrently-ready orders (up to
// MaxBatchSize) does not hammer it with simultaneous requests.
const PythFetchRateLimit = 5 // requests per second

// OffchainDelayedOrdersKeeper shares DelayedOrdersKeeper's index and
// selection logic (spec.md section 4.6) but, before submission, fetches a
// signed Pyth price update and pays its fee atomically with execution. A
// Pyth fetch failure requeues the order as one execution failure rather
// than evicting immediately.
type OffchainDelayedOrdersKeeper struct {
	Base
	idx *orderIndex

	contract        chain.MarketContract
	pyth            chain.PythClient
	pythLimiter     *rate.Limiter
	maxExecAttempts int
}

// NewOffchainDelayedOrdersKeeper constructs a keeper for one market's
// off-chain delayed orders.
func NewOffchainDelayedOrdersKeeper(mkt chain.Market, cc chain.ChainClient, contract chain.MarketContract, pyth chain.PythClient, signers *signer.Pool, m *metrics.Metrics, n notify.Notifier, maxExecAttempts int) (*OffchainDelayedOrdersKeeper, error) {
	idx, err := newOrderIndex(cc)
	if err != nil {
		return nil, err
	}
	return &OffchainDelayedOrdersKeeper{
		Base:            NewBase("OffchainDelayedOrdersKeeper", mkt, cc, signers, m, n),
		idx:             idx,
		contract:        contract,
		pyth:            pyth,
		pythLimiter:     rate.NewLimiter(rate.Limit(PythFetchRateLimit), PythFetchRateLimit),
		maxExecAttempts: maxExecAttempts,
	}, nil
}

func (k *OffchainDelayedOrdersKeeper) Market() chain.Market { return k.Mkt }

func (k *OffchainDelayedOrdersKeeper) EventsOfInterest() []chain.Kind {
	return []chain.Kind{chain.DelayedOrderSubmitted, chain.DelayedOrderRemoved}
}

func (k *OffchainDelayedOrdersKeeper) UpdateIndex(events []chain.Event, block BlockInfo, _ *big.Float) {
	k.idx.update(k.Log.Warn, events, block)
}

func (k *OffchainDelayedOrdersKeeper) Hydrate(_ context.Context, snapshot Snapshot, block BlockInfo) error {
	k.idx.hydrate(snapshot.Orders, block)
	if k.Metrics.Enabled() {
		k.Metrics.KeeperStartUp.WithLabelValues(k.Mkt.Key).Inc()
	}
	return nil
}

func (k *OffchainDelayedOrdersKeeper) Execute(ctx context.Context) error {
	currentRoundID, err := k.contract.GetCurrentRoundID(ctx, k.Mkt.Asset)
	if err != nil {
		return fmt.Errorf("fetching current round id: %w", err)
	}

	ready := k.idx.ready(currentRoundID, k.idx.now())
	batches := Batches(ready, MaxBatchSize)
	for i, batch := range batches {
		g, gctx := errgroup.WithContext(ctx)
		for _, account := range batch {
			account := account
			g.Go(func() error {
				k.ExecAsyncKeeperCallback(gctx, "executeOffchainDelayedOrder", func(ctx context.Context) error {
					return k.executeOne(ctx, account)
				})
				return nil
			})
		}
		_ = g.Wait()

		if i == len(batches)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(BatchWaitTime):
		}
	}
	return nil
}

func (k *OffchainDelayedOrdersKeeper) executeOne(ctx context.Context, account common.Address) error {
	onChain, err := k.contract.DelayedOrders(ctx, account)
	if err != nil {
		return k.fail(account, fmt.Errorf("re-reading offchain delayed order: %w", err))
	}
	if onChain.SizeDelta == nil || onChain.SizeDelta.Sign() == 0 {
		k.idx.remove(account)
		if k.Metrics.Enabled() {
			k.Metrics.DelayedOrderAlreadyExecuted.WithLabelValues(k.Mkt.Key).Inc()
		}
		return nil
	}

	feedID, err := k.contract.OffchainPriceFeedID(ctx)
	if err != nil {
		return k.fail(account, fmt.Errorf("fetching price feed id: %w", err))
	}
	if err := k.pythLimiter.Wait(ctx); err != nil {
		return k.fail(account, fmt.Errorf("waiting for pyth rate limiter: %w", err))
	}
	updateData, err := k.pyth.LatestVAAs(ctx, feedID)
	if err != nil {
		// A Pyth fetch failure requeues rather than discards the order.
		return k.fail(account, fmt.Errorf("fetching pyth price update: %w", err))
	}
	fee, err := k.pyth.GetUpdateFee(ctx, updateData)
	if err != nil {
		return k.fail(account, fmt.Errorf("computing pyth update fee: %w", err))
	}

	estGas, err := k.contract.EstimateExecuteOffchainDelayedOrder(ctx, account, updateData, fee)
	if err != nil {
		return k.fail(account, fmt.Errorf("estimating gas: %w", err))
	}

	tx, err := signer.WithSigner(ctx, k.Signers, k.Mkt.Asset, func(ctx context.Context, s *signer.Signer) (chain.TxHandle, error) {
		return k.contract.ExecuteOffchainDelayedOrder(ctx, s, account, updateData, fee, GasLimitWithHeadroom(estGas))
	})
	if err != nil {
		return k.fail(account, fmt.Errorf("executing offchain delayed order: %w", err))
	}

	if err := k.WaitTx(ctx, tx.Hash); err != nil {
		return k.fail(account, fmt.Errorf("waiting for confirmation: %w", err))
	}

	k.idx.remove(account)
	if k.Metrics.Enabled() {
		k.Metrics.OffchainOrderExecuted.WithLabelValues(k.Mkt.Key).Inc()
	}
	return nil
}

func (k *OffchainDelayedOrdersKeeper) fail(account common.Address, cause error) error {
	evicted, ok := k.idx.recordFailure(account, k.maxExecAttempts)
	if ok && evicted {
		_ = k.Notifier.Notify(context.Background(), "offchain delayed order evicted",
			fmt.Sprintf("market=%s account=%s exceeded max execution attempts: %v", k.Mkt.Key, account, cause))
	}
	return cause
}

// Orders returns a snapshot copy of the current index, for tests.
func (k *OffchainDelayedOrdersKeeper) Orders() map[common.Address]chain.DelayedOrder {
	return k.idx.snapshot()
}
