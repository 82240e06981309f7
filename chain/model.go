// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// UnknownLiqPrice is the sentinel stored in Position.LiqPrice meaning "needs
// a liquidationPrice refresh". It is never produced by a successful refresh.
const UnknownLiqPrice = -1

// DelayedOrder mirrors the on-chain delayed order entry for one account.
// It exists in a Keeper's index iff a DelayedOrderSubmitted for Account has
// been observed without a matching DelayedOrderRemoved.
type DelayedOrder struct {
	Account           common.Address
	TargetRoundID     *big.Int
	ExecutableAtTime  uint64
	IntentionTime     uint64
	ExecutionFailures int
}

// Position mirrors the on-chain perpetual position for one account. Size is
// signed in natural units: positive is long, negative is short.
type Position struct {
	ID                     *big.Int
	Account                common.Address
	Size                   *big.Float
	Leverage               *big.Float
	LiqPrice               float64 // UnknownLiqPrice ("-1") means "unknown"
	LiqPriceUpdatedTimestamp uint64
}

// Market binds a Keeper instance to one deployed perps market.
type Market struct {
	Key        string
	Asset      string
	Contract   common.Address
	BaseAsset  string
	PriceFeedID [32]byte // Pyth price feed id, only meaningful for offchain markets
}
