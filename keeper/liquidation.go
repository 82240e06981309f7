// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps-keeper/chain"
	"github.com/luxfi/perps-keeper/metrics"
	"github.com/luxfi/perps-keeper/notify"
	"github.com/luxfi/perps-keeper/signer"
)

// unit is the 18-decimal fixed-point base every amount in a PerpsV2-style
// market is expressed in.
var unit = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// Tuning knobs for candidate selection (spec.md section 4.7 defaults).
const (
	DefaultProximityThreshold    = 0.05
	DefaultFarPriceRecencyCutoff = 6 * time.Hour
	DefaultMaxFarPricesToUpdate  = 1
	MulticallPageSize            = 20
)

// LiquidationKeeper flags and liquidates underwater positions (spec.md
// section 4.7).
type LiquidationKeeper struct {
	Base

	contract  chain.MarketContract
	multicall chain.Multicall // optional fast path; nil disables it

	proximityThreshold    float64
	farPriceRecencyCutoff time.Duration
	maxFarPricesToUpdate  int

	mu                sync.Mutex
	positions         map[common.Address]*chain.Position
	blockTipTimestamp uint64
	lastPrice         float64
	havePrice         bool
}

// NewLiquidationKeeper constructs a keeper for one market's liquidations.
// multicall may be nil, in which case the batched dry-run fast path is
// skipped and every candidate is handled by the per-item walk.
func NewLiquidationKeeper(mkt chain.Market, cc chain.ChainClient, contract chain.MarketContract, multicall chain.Multicall, signers *signer.Pool, m *metrics.Metrics, n notify.Notifier) *LiquidationKeeper {
	return &LiquidationKeeper{
		Base:                  NewBase("LiquidationKeeper", mkt, cc, signers, m, n),
		contract:              contract,
		multicall:             multicall,
		proximityThreshold:    DefaultProximityThreshold,
		farPriceRecencyCutoff: DefaultFarPriceRecencyCutoff,
		maxFarPricesToUpdate:  DefaultMaxFarPricesToUpdate,
		positions:             make(map[common.Address]*chain.Position),
	}
}

func (k *LiquidationKeeper) Market() chain.Market { return k.Mkt }

func (k *LiquidationKeeper) EventsOfInterest() []chain.Kind {
	return []chain.Kind{chain.PositionModified, chain.PositionLiquidated, chain.PositionFlagged, chain.FundingRecomputed}
}

// UpdateIndex applies a batch of events and records the latest asset price
// (used, not refetched, by the following Execute call).
func (k *LiquidationKeeper) UpdateIndex(events []chain.Event, block BlockInfo, price *big.Float) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if price != nil {
		k.lastPrice, _ = price.Float64()
		k.havePrice = true
	}

	for _, ev := range events {
		switch ev.Kind {
		case chain.PositionModified:
			k.applyPositionModified(ev)
		case chain.PositionLiquidated, chain.PositionFlagged:
			if account, ok := ev.AddressArg("account"); ok {
				delete(k.positions, account)
			}
		case chain.FundingRecomputed:
			if ts, ok := ev.Uint64Arg("timestamp"); ok {
				k.blockTipTimestamp = ts
			} else if block.Timestamp > 0 {
				k.blockTipTimestamp = block.Timestamp
			}
		}
	}
	if block.Timestamp > k.blockTipTimestamp {
		k.blockTipTimestamp = block.Timestamp
	}
}

func (k *LiquidationKeeper) applyPositionModified(ev chain.Event) {
	account, ok := ev.AddressArg("account")
	if !ok {
		k.Log.Warn("PositionModified missing account", "block", ev.BlockNumber)
		return
	}
	margin, _ := ev.BigIntArg("margin")
	if margin == nil || margin.Sign() == 0 {
		delete(k.positions, account)
		return
	}
	id, _ := ev.BigIntArg("id")
	size, _ := ev.BigIntArg("size")
	lastPrice, _ := ev.BigIntArg("lastPrice")
	if size == nil || lastPrice == nil {
		k.Log.Warn("PositionModified missing size/lastPrice", "account", account)
		return
	}

	sizeF := new(big.Float).Quo(new(big.Float).SetInt(size), unit)

	absSize := new(big.Float).Abs(new(big.Float).SetInt(size))
	numerator := new(big.Float).Mul(absSize, new(big.Float).SetInt(lastPrice))
	denominator := new(big.Float).Mul(new(big.Float).SetInt(margin), unit)
	leverage := new(big.Float).Quo(numerator, denominator)

	k.positions[account] = &chain.Position{
		ID:       id,
		Account:  account,
		Size:     sizeF,
		Leverage: leverage,
		LiqPrice: chain.UnknownLiqPrice,
	}
}

// Hydrate seeds the index from external state. The index is empty at
// hydrate time in normal operation.
func (k *LiquidationKeeper) Hydrate(_ context.Context, snapshot Snapshot, block BlockInfo) error {
	k.mu.Lock()
	k.blockTipTimestamp = block.Timestamp
	for _, p := range snapshot.Positions {
		p := p
		if existing, ok := k.positions[p.Account]; ok {
			p.LiqPrice = existing.LiqPrice
			p.LiqPriceUpdatedTimestamp = existing.LiqPriceUpdatedTimestamp
		}
		k.positions[p.Account] = &p
	}
	k.mu.Unlock()

	if k.Metrics.Enabled() {
		k.Metrics.KeeperStartUp.WithLabelValues(k.Mkt.Key).Inc()
	}
	return nil
}

type candidate struct {
	account       common.Address
	distance      float64 // |liqPrice - assetPrice| / assetPrice
	leverage      float64
	liqUpdatedAt  uint64
}

// liquidationGroups computes the three disjoint candidate groups from the
// current index, per spec.md section 4.7.
func (k *LiquidationKeeper) liquidationGroups() []common.Address {
	k.mu.Lock()
	assetPrice := k.lastPrice
	haveprice := k.havePrice
	tip := k.blockTipTimestamp
	var all []*chain.Position
	for _, p := range k.positions {
		if p.Size == nil || p.Size.Sign() == 0 {
			continue
		}
		all = append(all, p)
	}
	k.mu.Unlock()

	if !haveprice || assetPrice == 0 {
		return nil
	}

	var close_, unknown, outdated []candidate
	for _, p := range all {
		leverage, _ := p.Leverage.Float64()
		c := candidate{account: p.Account, leverage: leverage, liqUpdatedAt: p.LiqPriceUpdatedTimestamp}

		switch {
		case p.LiqPrice == chain.UnknownLiqPrice:
			unknown = append(unknown, c)
		default:
			c.distance = math.Abs(p.LiqPrice-assetPrice) / assetPrice
			if c.distance <= k.proximityThreshold {
				close_ = append(close_, c)
			} else if tip > uint64(k.farPriceRecencyCutoff.Seconds()) && p.LiqPriceUpdatedTimestamp < tip-uint64(k.farPriceRecencyCutoff.Seconds()) {
				outdated = append(outdated, c)
			}
		}
	}

	sort.Slice(close_, func(i, j int) bool {
		if close_[i].distance != close_[j].distance {
			return close_[i].distance < close_[j].distance
		}
		return close_[i].leverage > close_[j].leverage
	})
	sort.Slice(unknown, func(i, j int) bool { return unknown[i].leverage > unknown[j].leverage })
	sort.Slice(outdated, func(i, j int) bool { return outdated[i].liqUpdatedAt < outdated[j].liqUpdatedAt })
	if len(outdated) > k.maxFarPricesToUpdate {
		outdated = outdated[:k.maxFarPricesToUpdate]
	}

	accounts := make([]common.Address, 0, len(close_)+len(unknown)+len(outdated))
	for _, c := range close_ {
		accounts = append(accounts, c.account)
	}
	for _, c := range unknown {
		accounts = append(accounts, c.account)
	}
	for _, c := range outdated {
		accounts = append(accounts, c.account)
	}
	return accounts
}

// Execute walks the candidate list in order, flagging/liquidating as
// needed (spec.md section 4.7), batched the same way as the delayed-order
// keepers: up to MaxBatchSize accounts concurrently per batch, with
// BatchWaitTime between batches (spec.md section 5). An optional Multicall3
// fast path dry-runs flagPosition for the whole candidate set first to
// discover which will be accepted before spending a real transaction on
// them.
func (k *LiquidationKeeper) Execute(ctx context.Context) error {
	candidates := k.liquidationGroups()
	if len(candidates) == 0 {
		return nil
	}

	if k.multicall != nil {
		var err error
		candidates, err = k.flagViaMulticall(ctx, candidates)
		if err != nil {
			k.Log.Error("multicall flag fast path failed, falling back to per-item walk", "err", err)
		}
	}

	batches := Batches(candidates, MaxBatchSize)
	for i, batch := range batches {
		g, gctx := errgroup.WithContext(ctx)
		for _, account := range batch {
			account := account
			g.Go(func() error {
				k.ExecAsyncKeeperCallback(gctx, "liquidatePosition", func(ctx context.Context) error {
					return k.liquidateOne(ctx, account)
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

// flagViaMulticall dry-runs flagPosition for every candidate (paged by
// MulticallPageSize), submits one real aggregate3 transaction containing
// only the calls that would succeed, and returns the remaining candidates
// unchanged so the per-item walk still liquidates whatever this step
// flagged.
func (k *LiquidationKeeper) flagViaMulticall(ctx context.Context, candidates []common.Address) ([]common.Address, error) {
	accepted := make(map[common.Address]bool)

	for start := 0; start < len(candidates); start += MulticallPageSize {
		end := start + MulticallPageSize
		if end > len(candidates) {
			end = len(candidates)
		}
		page := candidates[start:end]

		calls := make([]chain.Call3, len(page))
		for i, acct := range page {
			calls[i] = chain.Call3{Target: k.Mkt.Contract, AllowFailure: true, CallData: flagPositionCalldata(acct)}
		}

		results, err := k.multicall.Aggregate3DryRun(ctx, calls)
		if err != nil {
			return candidates, fmt.Errorf("dry-run aggregate3: %w", err)
		}

		var liveCalls []chain.Call3
		var liveAccounts []common.Address
		for i, r := range results {
			if i >= len(page) {
				break
			}
			if r.Success {
				liveCalls = append(liveCalls, calls[i])
				liveAccounts = append(liveAccounts, page[i])
			}
		}
		if len(liveCalls) == 0 {
			continue
		}

		estGas, err := k.contract.EstimateFlagPosition(ctx, liveAccounts[0])
		if err != nil {
			return candidates, fmt.Errorf("estimating multicall gas: %w", err)
		}
		gasPrice, err := k.Chain.GasPrice(ctx)
		if err != nil {
			return candidates, fmt.Errorf("fetching gas price: %w", err)
		}

		_, err = signer.WithSigner(ctx, k.Signers, k.Mkt.Asset, func(ctx context.Context, s *signer.Signer) (chain.TxHandle, error) {
			return k.multicall.Aggregate3Send(ctx, s, liveCalls, GasLimitWithHeadroom(estGas*uint64(len(liveCalls))), GasPriceWithHeadroom(gasPrice))
		})
		if err != nil {
			k.Log.Error("multicall aggregate3 send failed", "err", err)
			continue
		}
		for _, acct := range liveAccounts {
			accepted[acct] = true
		}
	}

	// Accounts flagged above are left in candidates: IsFlagged will now
	// report true for them, so the per-item walk below submits
	// liquidatePosition directly instead of re-flagging.
	return candidates, nil
}

// flagPositionCalldata is a placeholder for ABI-encoding flagPosition(acct);
// the concrete encoding lives in the abstract MarketContract's real
// implementation, which is an external collaborator.
func flagPositionCalldata(acct common.Address) []byte {
	return acct.Bytes()
}

func (k *LiquidationKeeper) liquidateOne(ctx context.Context, account common.Address) error {
	canLiquidate, err := k.contract.CanLiquidate(ctx, account)
	if err != nil {
		return fmt.Errorf("CanLiquidate(%s): %w", account, err)
	}
	flagged, err := k.contract.IsFlagged(ctx, account)
	if err != nil {
		return fmt.Errorf("IsFlagged(%s): %w", account, err)
	}

	if !canLiquidate && !flagged {
		return k.refreshLiqPrice(ctx, account)
	}

	gasPrice, err := k.Chain.GasPrice(ctx)
	if err != nil {
		return fmt.Errorf("fetching gas price: %w", err)
	}

	if !flagged {
		if err := k.submitFlag(ctx, account, gasPrice); err != nil {
			return err
		}
	}
	return k.submitLiquidate(ctx, account, gasPrice)
}

func (k *LiquidationKeeper) refreshLiqPrice(ctx context.Context, account common.Address) error {
	lp, err := k.contract.LiquidationPrice(ctx, account)
	if err != nil {
		return fmt.Errorf("refreshing liquidation price for %s: %w", account, err)
	}
	lpF := new(big.Float).Quo(new(big.Float).SetInt(lp), unit)
	price, _ := lpF.Float64()

	k.mu.Lock()
	if p, ok := k.positions[account]; ok {
		p.LiqPrice = price
		p.LiqPriceUpdatedTimestamp = k.blockTipTimestamp
	}
	k.mu.Unlock()
	return nil
}

func (k *LiquidationKeeper) submitFlag(ctx context.Context, account common.Address, gasPrice *big.Int) error {
	estGas, err := k.contract.EstimateFlagPosition(ctx, account)
	if err != nil {
		return fmt.Errorf("estimating flagPosition gas: %w", err)
	}
	tx, err := signer.WithSigner(ctx, k.Signers, k.Mkt.Asset, func(ctx context.Context, s *signer.Signer) (chain.TxHandle, error) {
		return k.contract.FlagPosition(ctx, s, account, GasLimitWithHeadroom(estGas), GasPriceWithHeadroom(gasPrice))
	})
	if err != nil {
		return fmt.Errorf("flagging %s: %w", account, err)
	}
	return k.WaitTx(ctx, tx.Hash)
}

func (k *LiquidationKeeper) submitLiquidate(ctx context.Context, account common.Address, gasPrice *big.Int) error {
	estGas, err := k.contract.EstimateLiquidatePosition(ctx, account)
	if err != nil {
		return fmt.Errorf("estimating liquidatePosition gas: %w", err)
	}
	tx, err := signer.WithSigner(ctx, k.Signers, k.Mkt.Asset, func(ctx context.Context, s *signer.Signer) (chain.TxHandle, error) {
		return k.contract.LiquidatePosition(ctx, s, account, GasLimitWithHeadroom(estGas), GasPriceWithHeadroom(gasPrice))
	})
	if err != nil {
		return fmt.Errorf("liquidating %s: %w", account, err)
	}
	if err := k.WaitTx(ctx, tx.Hash); err != nil {
		return err
	}

	k.mu.Lock()
	delete(k.positions, account)
	k.mu.Unlock()
	if k.Metrics.Enabled() {
		k.Metrics.PositionLiquidated.WithLabelValues(k.Mkt.Key).Inc()
	}
	return nil
}

// Positions returns a snapshot copy of the current index, for tests.
func (k *LiquidationKeeper) Positions() map[common.Address]chain.Position {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[common.Address]chain.Position, len(k.positions))
	for a, p := range k.positions {
		out[a] = *p
	}
	return out
}
