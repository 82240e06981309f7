// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package markets enumerates the per-network static market list the
// Distributor drives one Keeper pair from, analogous to how the teacher
// enumerates per-chain constants under params/ (spec.md's SPEC_FULL.md
// "multi-market orchestration" supplement: spec.md itself never gives the
// market-configuration shape).
package markets

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps-keeper/chain"
)

// Config binds one deployed perps market to the keeper variant(s) it
// should run. Offchain markets run an OffchainDelayedOrdersKeeper in place
// of a DelayedOrdersKeeper (spec.md section 4.6); every market also gets a
// LiquidationKeeper.
type Config struct {
	Key         string
	Asset       string
	BaseAsset   string
	Contract    common.Address
	Offchain    bool
	PriceFeedID [32]byte
}

// registry is a static, network-keyed market list. Contract addresses here
// are placeholders: a real deployment's environment.Factory (the
// out-of-scope ABI/RPC wiring seam) is expected to override Contract with
// the actually deployed address per market, the same way cfg.ChainID is
// derived from NETWORK rather than configured directly.
var registry = map[string][]Config{
	"optimism": {
		{Key: "sETH-PERP", Asset: "sETH", BaseAsset: "ETH", Contract: common.HexToAddress("0x2B3bb4c683BFc5239B029131EEf3B1d214478d93"), Offchain: true, PriceFeedID: pythFeedID("ETH/USD")},
		{Key: "sBTC-PERP", Asset: "sBTC", BaseAsset: "BTC", Contract: common.HexToAddress("0x59b007E9ea8F89b069c43F8f45834d30853e3AE"), Offchain: true, PriceFeedID: pythFeedID("BTC/USD")},
		{Key: "sLINK-PERP", Asset: "sLINK", BaseAsset: "LINK", Contract: common.HexToAddress("0x4ff54624D5FB61C34c634c3314Ed3BfE4dBB665a"), Offchain: false},
	},
	"optimism-goerli": {
		{Key: "sETH-PERP", Asset: "sETH", BaseAsset: "ETH", Contract: common.HexToAddress("0x2aC1f9618f9D0A26E32E5ffEc1b6Be35cc1Bf0bb"), Offchain: true, PriceFeedID: pythFeedID("ETH/USD")},
	},
}

// pythFeedID derives a stable placeholder feed id from a human label; a
// real deployment overrides PriceFeedID with the feed id Pyth actually
// publishes for that pair.
func pythFeedID(label string) [32]byte {
	var id [32]byte
	copy(id[:], common.RightPadBytes([]byte(label), 32))
	return id
}

// Market converts c into the chain.Market shape the keeper engine drives.
func (c Config) Market() chain.Market {
	return chain.Market{
		Key:         c.Key,
		Asset:       c.Asset,
		Contract:    c.Contract,
		BaseAsset:   c.BaseAsset,
		PriceFeedID: c.PriceFeedID,
	}
}

// ForNetwork returns the static market list for network, or an error if the
// network is not configured (the same unknown-NETWORK failure mode
// config.BuildConfig reports, spec.md section 7.5's fatal startup class).
func ForNetwork(network string) ([]Config, error) {
	mkts, ok := registry[network]
	if !ok {
		return nil, fmt.Errorf("markets: no market list configured for network %q", network)
	}
	out := make([]Config, len(mkts))
	copy(out, mkts)
	return out, nil
}
