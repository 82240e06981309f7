// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// perps-keeper is the single-binary entrypoint: it loads configuration,
// resolves the market list, builds the signer pool and metrics registry,
// assembles one Keeper pair per market, and runs the Distributor until
// SIGINT/SIGTERM. Exit codes follow spec.md section 6: 0 clean shutdown, 1
// fatal startup error, 2 unrecoverable runtime error.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	gethlog "github.com/ethereum/go-ethereum/log"
	"golang.org/x/exp/slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/luxfi/perps-keeper/chain"
	"github.com/luxfi/perps-keeper/config"
	"github.com/luxfi/perps-keeper/distributor"
	"github.com/luxfi/perps-keeper/environment"
	"github.com/luxfi/perps-keeper/keeper"
	"github.com/luxfi/perps-keeper/markets"
	"github.com/luxfi/perps-keeper/metrics"
	"github.com/luxfi/perps-keeper/notify"
	"github.com/luxfi/perps-keeper/signer"
)

func main() {
	app := &cli.App{
		Name:  "perps-keeper",
		Usage: "off-chain keeper for perpetual-futures delayed orders and liquidations",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "load configuration and run the keeper until interrupted",
				Action: runAction,
			},
		},
		Action: func(c *cli.Context) error {
			cli.ShowAppHelp(c)
			return cli.Exit("", 1)
		},
	}

	if err := app.Run(os.Args); err != nil {
		if coder, ok := err.(cli.ExitCoder); ok {
			if msg := coder.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAction(*cli.Context) error {
	fs := config.BuildFlagSet()
	v, err := config.BuildViper(fs, nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("configuring flags: %s", err), 1)
	}
	cfg, err := config.BuildConfig(v)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid configuration: %s", err), 1)
	}

	gethlog.SetDefault(gethlog.NewLogger(gethlog.NewTerminalHandlerWithLevel(os.Stderr, logLevel(cfg.LogLevel), true)))
	log := gethlog.New("component", "main")

	mkts, err := markets.ForNetwork(cfg.Network)
	if err != nil {
		return cli.Exit(fmt.Sprintf("resolving markets: %s", err), 1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env, err := environment.Build(ctx, cfg, mkts)
	if err != nil {
		return cli.Exit(fmt.Sprintf("building chain environment: %s", err), 1)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, cfg.Network, cfg.MetricsEnabled)
	if m.Enabled() {
		m.SignerPoolSize.Set(float64(cfg.SignerPoolSize))
	}

	pool, err := signer.NewPool(cfg.Mnemonic, cfg.SignerPoolSize, cfg.ChainID, env.Chain)
	if err != nil {
		return cli.Exit(fmt.Sprintf("building signer pool: %s", err), 1)
	}

	notifier := env.Notifier
	if notifier == nil {
		notifier = notify.NewLogOnly()
	}

	keepers, err := buildKeepers(mkts, env, cfg, pool, m, notifier)
	if err != nil {
		return cli.Exit(fmt.Sprintf("building keepers: %s", err), 1)
	}

	source := chain.NewEventSource(env.Decoder, 0)
	d := distributor.NewDistributor(env.Chain, source, keepers, env.Prices, env.Snapshots, m, cfg.FromBlock, cfg.ProcessInterval, 0, pool)

	log.Info("perps-keeper starting", "network", cfg.Network, "markets", len(mkts), "signers", pool.Size())
	if err := d.Run(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("runtime error: %s", err), 2)
	}
	log.Info("perps-keeper shut down cleanly")
	return nil
}

// buildKeepers assembles one DelayedOrdersKeeper-or-OffchainDelayedOrdersKeeper
// plus one LiquidationKeeper per configured market.
func buildKeepers(mkts []markets.Config, env *environment.Environment, cfg *config.Config, pool *signer.Pool, m *metrics.Metrics, n notify.Notifier) ([]keeper.Keeper, error) {
	var keepers []keeper.Keeper
	for _, mc := range mkts {
		mkt := mc.Market()
		contract, ok := env.Contracts[mc.Key]
		if !ok {
			return nil, fmt.Errorf("no MarketContract wired for market %q", mc.Key)
		}

		if mc.Offchain {
			ordKeeper, err := keeper.NewOffchainDelayedOrdersKeeper(mkt, env.Chain, contract, env.Pyth, pool, m, n, cfg.MaxOrderExecAttempts)
			if err != nil {
				return nil, fmt.Errorf("market %q offchain delayed orders keeper: %w", mc.Key, err)
			}
			keepers = append(keepers, ordKeeper)
		} else {
			dk, err := keeper.NewDelayedOrdersKeeper(mkt, env.Chain, contract, pool, m, n, cfg.MaxOrderExecAttempts)
			if err != nil {
				return nil, fmt.Errorf("market %q delayed orders keeper: %w", mc.Key, err)
			}
			keepers = append(keepers, dk)
		}

		keepers = append(keepers, keeper.NewLiquidationKeeper(mkt, env.Chain, contract, env.Multicall, pool, m, n))
	}
	return keepers, nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return gethlog.LevelTrace
	case "debug":
		return gethlog.LevelDebug
	case "info":
		return gethlog.LevelInfo
	case "warn", "warning":
		return gethlog.LevelWarn
	case "error":
		return gethlog.LevelError
	case "crit", "critical":
		return gethlog.LevelCrit
	default:
		return gethlog.LevelInfo
	}
}
