// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps-keeper/chain"
	"github.com/luxfi/perps-keeper/metrics"
	"github.com/luxfi/perps-keeper/notify"
	"github.com/luxfi/perps-keeper/signer"
)

// DelayedOrdersKeeper executes time/round-triggered delayed orders
// (spec.md section 4.5).
type DelayedOrdersKeeper struct {
	Base
	idx *orderIndex

	contract        chain.MarketContract
	maxExecAttempts int
}

// NewDelayedOrdersKeeper constructs a keeper for one market's on-chain
// delayed orders.
func NewDelayedOrdersKeeper(mkt chain.Market, cc chain.ChainClient, contract chain.MarketContract, signers *signer.Pool, m *metrics.Metrics, n notify.Notifier, maxExecAttempts int) (*DelayedOrdersKeeper, error) {
	idx, err := newOrderIndex(cc)
	if err != nil {
		return nil, err
	}
	return &DelayedOrdersKeeper{
		Base:            NewBase("DelayedOrdersKeeper", mkt, cc, signers, m, n),
		idx:             idx,
		contract:        contract,
		maxExecAttempts: maxExecAttempts,
	}, nil
}

func (k *DelayedOrdersKeeper) Market() chain.Market { return k.Mkt }

func (k *DelayedOrdersKeeper) EventsOfInterest() []chain.Kind {
	return []chain.Kind{chain.DelayedOrderSubmitted, chain.DelayedOrderRemoved}
}

func (k *DelayedOrdersKeeper) UpdateIndex(events []chain.Event, block BlockInfo, _ *big.Float) {
	k.idx.update(k.Log.Warn, events, block)
}

func (k *DelayedOrdersKeeper) Hydrate(_ context.Context, snapshot Snapshot, block BlockInfo) error {
	k.idx.hydrate(snapshot.Orders, block)
	if k.Metrics.Enabled() {
		k.Metrics.KeeperStartUp.WithLabelValues(k.Mkt.Key).Inc()
	}
	return nil
}

// Execute selects ready orders and submits executeDelayedOrder for each,
// batched per spec.md section 4.5.
func (k *DelayedOrdersKeeper) Execute(ctx context.Context) error {
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
				k.ExecAsyncKeeperCallback(gctx, "executeDelayedOrder", func(ctx context.Context) error {
					return k.executeOne(ctx, account)
				})
				return nil
			})
		}
		_ = g.Wait() // ExecAsyncKeeperCallback never returns an error to propagate

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

func (k *DelayedOrdersKeeper) executeOne(ctx context.Context, account common.Address) error {
	onChain, err := k.contract.DelayedOrders(ctx, account)
	if err != nil {
		return k.fail(account, fmt.Errorf("re-reading delayed order: %w", err))
	}
	if onChain.SizeDelta == nil || onChain.SizeDelta.Sign() == 0 {
		k.idx.remove(account)
		if k.Metrics.Enabled() {
			k.Metrics.DelayedOrderAlreadyExecuted.WithLabelValues(k.Mkt.Key).Inc()
		}
		return nil
	}

	estGas, err := k.contract.EstimateExecuteDelayedOrder(ctx, account)
	if err != nil {
		return k.fail(account, fmt.Errorf("estimating gas: %w", err))
	}

	tx, err := signer.WithSigner(ctx, k.Signers, k.Mkt.Asset, func(ctx context.Context, s *signer.Signer) (chain.TxHandle, error) {
		return k.contract.ExecuteDelayedOrder(ctx, s, account, GasLimitWithHeadroom(estGas))
	})
	if err != nil {
		return k.fail(account, fmt.Errorf("executing delayed order: %w", err))
	}

	if err := k.WaitTx(ctx, tx.Hash); err != nil {
		return k.fail(account, fmt.Errorf("waiting for confirmation: %w", err))
	}

	k.idx.remove(account)
	if k.Metrics.Enabled() {
		k.Metrics.DelayedOrderExecuted.WithLabelValues(k.Mkt.Key).Inc()
	}
	return nil
}

// fail records one execution failure against account's order, evicting and
// notifying if it has now exceeded the failure budget.
func (k *DelayedOrdersKeeper) fail(account common.Address, cause error) error {
	evicted, ok := k.idx.recordFailure(account, k.maxExecAttempts)
	if ok && evicted {
		_ = k.Notifier.Notify(context.Background(), "delayed order evicted",
			fmt.Sprintf("market=%s account=%s exceeded max execution attempts: %v", k.Mkt.Key, account, cause))
	}
	return cause
}

// Orders returns a snapshot copy of the current index, for tests.
func (k *DelayedOrdersKeeper) Orders() map[common.Address]chain.DelayedOrder {
	return k.idx.snapshot()
}
