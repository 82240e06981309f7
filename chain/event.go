// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package chain holds the data model and abstract chain-facing capability
// sets (ChainClient, MarketContract) that the keeper engine is built
// against. Concrete implementations (an RPC client, ABI bindings) are
// external collaborators and live outside this module.
package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind enumerates the contract events this core understands.
type Kind string

const (
	FundingRecomputed    Kind = "FundingRecomputed"
	PositionModified     Kind = "PositionModified"
	PositionLiquidated   Kind = "PositionLiquidated"
	PositionFlagged      Kind = "PositionFlagged"
	DelayedOrderSubmitted Kind = "DelayedOrderSubmitted"
	DelayedOrderRemoved  Kind = "DelayedOrderRemoved"
)

// Event is a decoded contract event as read from the chain, ordered by
// (BlockNumber, LogIndex) within any slice returned by an EventSource.
type Event struct {
	Kind            Kind
	Args            map[string]interface{}
	BlockNumber     uint64
	LogIndex        uint
	BlockTimestamp  *uint64 // present when the log itself carries it
}

// Uint64Arg reads a uint64-shaped argument, tolerating *big.Int, uint64 or
// int64 storage (ABI decoders disagree on the Go type for integers).
func (e Event) Uint64Arg(key string) (uint64, bool) {
	switch v := e.Args[key].(type) {
	case *big.Int:
		return v.Uint64(), true
	case uint64:
		return v, true
	case int64:
		return uint64(v), true
	}
	return 0, false
}

// BigIntArg reads a *big.Int-shaped argument.
func (e Event) BigIntArg(key string) (*big.Int, bool) {
	v, ok := e.Args[key].(*big.Int)
	return v, ok
}

// AddressArg reads a common.Address-shaped argument.
func (e Event) AddressArg(key string) (common.Address, bool) {
	v, ok := e.Args[key].(common.Address)
	return v, ok
}

// Header is the subset of block header fields the engine consumes.
type Header struct {
	Number    uint64
	Timestamp uint64
}
