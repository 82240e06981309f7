// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps-keeper/chain"
)

// BlockTimestampSource looks up a historical block's timestamp; used to
// backfill DelayedOrderSubmitted.IntentionTime when the event itself
// doesn't carry it.
type BlockTimestampSource interface {
	HeaderByNumber(ctx context.Context, number uint64) (*chain.Header, error)
}

// orderIndex is the in-memory open-orders index shared by
// DelayedOrdersKeeper and OffchainDelayedOrdersKeeper. spec.md section 9
// flags these as "two near-duplicate files"; here the index/selection
// logic they share lives once, and each keeper only supplies its own
// executeOne.
type orderIndex struct {
	blockTS BlockTimestampSource
	tsCache *lru.Cache[uint64, uint64]

	mu           sync.Mutex
	orders       map[common.Address]*chain.DelayedOrder
	currentBlock BlockInfo
}

func newOrderIndex(blockTS BlockTimestampSource) (*orderIndex, error) {
	cache, err := lru.New[uint64, uint64](256)
	if err != nil {
		return nil, fmt.Errorf("building block-timestamp cache: %w", err)
	}
	return &orderIndex{
		blockTS: blockTS,
		tsCache: cache,
		orders:  make(map[common.Address]*chain.DelayedOrder),
	}, nil
}

// update applies a batch of events in order. It is idempotent: replaying
// the same DelayedOrderSubmitted twice for an account just replaces the
// same entry, and removing an absent account is a no-op.
func (idx *orderIndex) update(log logFn, events []chain.Event, block BlockInfo) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.currentBlock = block
	for _, ev := range events {
		account, ok := ev.AddressArg("account")
		if !ok {
			log("event missing account arg", "kind", ev.Kind, "block", ev.BlockNumber)
			continue
		}

		// DelayedOrdersKeeper and OffchainDelayedOrdersKeeper watch the
		// same event names emitted by two different contract instances
		// (the on-chain and off-chain order managers for the same
		// market) — spec.md section 4.6's "off-chain variants of the
		// events" is a different emitting contract, not a different
		// event kind.
		switch ev.Kind {
		case chain.DelayedOrderSubmitted:
			targetRoundID, _ := ev.BigIntArg("targetRoundId")
			executableAt, _ := ev.Uint64Arg("executableAtTime")
			intentionTime, hasIntention := ev.Uint64Arg("intentionTime")
			if !hasIntention {
				intentionTime = idx.blockTimestamp(log, ev)
			}
			idx.orders[account] = &chain.DelayedOrder{
				Account:          account,
				TargetRoundID:    targetRoundID,
				ExecutableAtTime: executableAt,
				IntentionTime:    intentionTime,
			}
		case chain.DelayedOrderRemoved:
			delete(idx.orders, account)
		}
	}
}

func (idx *orderIndex) blockTimestamp(log logFn, ev chain.Event) uint64 {
	if ev.BlockTimestamp != nil {
		return *ev.BlockTimestamp
	}
	if ts, ok := idx.tsCache.Get(ev.BlockNumber); ok {
		return ts
	}
	if ev.BlockNumber == idx.currentBlock.Number {
		idx.tsCache.Add(ev.BlockNumber, idx.currentBlock.Timestamp)
		return idx.currentBlock.Timestamp
	}
	hdr, err := idx.blockTS.HeaderByNumber(context.Background(), ev.BlockNumber)
	if err != nil {
		log("failed to resolve block timestamp for delayed order", "block", ev.BlockNumber, "err", err)
		return 0
	}
	idx.tsCache.Add(ev.BlockNumber, hdr.Timestamp)
	return hdr.Timestamp
}

// hydrate seeds the index from external state. The index is empty at
// hydrate time in normal operation (hydrate runs once before the first
// tick); the in-memory-wins merge rule is applied regardless so a future
// re-hydrate path stays correct.
func (idx *orderIndex) hydrate(orders []chain.DelayedOrder, block BlockInfo) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.currentBlock = block
	for _, o := range orders {
		o := o
		if existing, ok := idx.orders[o.Account]; ok {
			o.ExecutionFailures = existing.ExecutionFailures
		}
		idx.orders[o.Account] = &o
	}
}

func (idx *orderIndex) now() uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.currentBlock.Timestamp
}

// ready returns the accounts whose order has reached its execution window.
func (idx *orderIndex) ready(currentRoundID *big.Int, now uint64) []common.Address {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var out []common.Address
	for acct, o := range idx.orders {
		if currentRoundID != nil && o.TargetRoundID != nil && currentRoundID.Cmp(o.TargetRoundID) >= 0 {
			out = append(out, acct)
			continue
		}
		if now >= o.ExecutableAtTime {
			out = append(out, acct)
		}
	}
	return out
}

func (idx *orderIndex) remove(account common.Address) {
	idx.mu.Lock()
	delete(idx.orders, account)
	idx.mu.Unlock()
}

// recordFailure bumps an order's ExecutionFailures and evicts it once it
// exceeds maxExecAttempts, returning whether it was evicted.
func (idx *orderIndex) recordFailure(account common.Address, maxExecAttempts int) (evicted bool, ok bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	o, ok := idx.orders[account]
	if !ok {
		return false, false
	}
	o.ExecutionFailures++
	evicted = o.ExecutionFailures > maxExecAttempts
	if evicted {
		delete(idx.orders, account)
	}
	return evicted, true
}

func (idx *orderIndex) snapshot() map[common.Address]chain.DelayedOrder {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make(map[common.Address]chain.DelayedOrder, len(idx.orders))
	for a, o := range idx.orders {
		out[a] = *o
	}
	return out
}

// logFn matches log.Logger's Warn/Error/Debug signature closely enough for
// orderIndex to log without depending on a concrete logger type.
type logFn func(msg string, ctx ...interface{})
