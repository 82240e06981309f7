// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package environment is the wiring seam between this module's engine
// (chain.ChainClient/MarketContract/PythClient/Multicall consumers) and the
// concrete collaborators spec.md section 1 declares out of scope: the
// chain-RPC client library, the contract ABI bindings, and Telegram
// alerting. A real deployment links in a package that calls Register from
// an init(), the way database/sql drivers and image decoders register
// themselves rather than being hard-wired into the consumer.
package environment

import (
	"context"
	"errors"

	"github.com/luxfi/perps-keeper/chain"
	"github.com/luxfi/perps-keeper/distributor"
	"github.com/luxfi/perps-keeper/markets"
	"github.com/luxfi/perps-keeper/notify"
	"github.com/luxfi/perps-keeper/config"
)

// Environment bundles every out-of-scope external collaborator the
// Distributor and its Keepers need for one process: the RPC client, one
// MarketContract and LogDecoder per configured market, an optional
// Multicall3 client, a Pyth client, a hydrate snapshot source, an asset
// price fetcher, and an alerting Notifier.
type Environment struct {
	Chain     chain.ChainClient
	Decoder   chain.LogDecoder
	Contracts map[string]chain.MarketContract // keyed by markets.Config.Key
	Multicall chain.Multicall                 // nil disables LiquidationKeeper's dry-run fast path
	Pyth      chain.PythClient

	Snapshots distributor.SnapshotSource // nil hydrates every Keeper from an empty index
	Prices    distributor.PriceFetcher

	Notifier notify.Notifier // nil falls back to notify.NewLogOnly()
}

// Factory builds an Environment for cfg against the resolved market list.
type Factory func(ctx context.Context, cfg *config.Config, mkts []markets.Config) (*Environment, error)

var factory Factory

// Register installs the Factory a concrete deployment supplies. Calling it
// more than once replaces the previously registered factory; intended to
// be called at most once, from an init() in the deployment's entrypoint
// package.
func Register(f Factory) { factory = f }

// ErrNoFactory is returned by Build when no deployment has registered a
// Factory. main treats this the same as any other fatal startup error
// (spec.md section 7.5): missing wiring is indistinguishable at this layer
// from unreachable RPC or absent ABI bindings.
var ErrNoFactory = errors.New("environment: no chain/ABI factory registered; link in a deployment package that calls environment.Register in its init()")

// Build constructs the Environment for one process invocation.
func Build(ctx context.Context, cfg *config.Config, mkts []markets.Config) (*Environment, error) {
	if factory == nil {
		return nil, ErrNoFactory
	}
	return factory(ctx, cfg, mkts)
}
