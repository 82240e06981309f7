// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the keeper's configuration from environment
// variables, the way cmd/simulator's config package binds viper to a flag
// set and to the process environment. Every flag here has a matching env
// var per spec.md section 6; BuildFlagSet/BuildViper/BuildConfig mirror
// that three-step shape (register flags with defaults, bind env vars over
// them, materialise a typed struct and validate it once).
package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Env var names, verbatim from spec.md section 6.
const (
	NetworkKey               = "NETWORK"
	MnemonicKey               = "ETH_HDWALLET_MNEMONIC"
	SignerPoolSizeKey         = "SIGNER_POOL_SIZE"
	InfuraAPIKeyKey           = "PROVIDER_API_KEY_INFURA"
	AlchemyAPIKeyKey          = "PROVIDER_API_KEY_ALCHEMY"
	FromBlockKey              = "FROM_BLOCK"
	ProcessIntervalKey        = "DISTRIBUTOR_PROCESS_INTERVAL"
	MaxOrderExecAttemptsKey   = "MAX_ORDER_EXEC_ATTEMPTS"
	PythPriceServerKey        = "PYTH_PRICE_SERVER"
	MetricsEnabledKey         = "METRICS_ENABLED"
	LogLevelKey               = "LOG_LEVEL"
)

// Config is the fully validated, typed configuration for one keeper
// process.
type Config struct {
	Network               string
	Mnemonic              string
	SignerPoolSize        int
	InfuraAPIKey          string
	AlchemyAPIKey         string
	FromBlock             uint64
	ProcessInterval       time.Duration
	MaxOrderExecAttempts  int
	PythPriceServer       string
	MetricsEnabled        bool
	LogLevel              string

	// ChainID is derived from Network, not read directly from the
	// environment (spec.md section 6 enumerates NETWORK values, not chain
	// IDs).
	ChainID *big.Int
}

var networkChainIDs = map[string]int64{
	"optimism":        10,
	"optimism-goerli":  420,
}

// BuildFlagSet registers every configuration key with its default value.
func BuildFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("perps-keeper", pflag.ContinueOnError)
	fs.String("network", "optimism", "chain network to run against")
	fs.String("eth-hdwallet-mnemonic", "", "BIP-39 seed for signer derivation")
	fs.Int("signer-pool-size", 1, "number of signing keys to derive")
	fs.String("provider-api-key-infura", "", "Infura RPC provider credential")
	fs.String("provider-api-key-alchemy", "", "Alchemy RPC provider credential")
	fs.Uint64("from-block", 0, "first block to index on cold start")
	fs.Duration("distributor-process-interval", 15*time.Second, "tick period")
	fs.Int("max-order-exec-attempts", 10, "per-order failure budget")
	fs.String("pyth-price-server", "", "HTTPS endpoint for signed Pyth price updates")
	fs.Bool("metrics-enabled", true, "enable metrics instrumentation")
	fs.String("log-level", "info", "debug|info|warn|error")
	return fs
}

// BuildViper binds fs to the environment (every SCREAMING_SNAKE env var
// named in spec.md section 6 overrides its matching flag) and parses args.
func BuildViper(fs *pflag.FlagSet, args []string) (*viper.Viper, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	for flagName, envName := range map[string]string{
		"network":                       NetworkKey,
		"eth-hdwallet-mnemonic":         MnemonicKey,
		"signer-pool-size":              SignerPoolSizeKey,
		"provider-api-key-infura":       InfuraAPIKeyKey,
		"provider-api-key-alchemy":      AlchemyAPIKeyKey,
		"from-block":                    FromBlockKey,
		"distributor-process-interval":  ProcessIntervalKey,
		"max-order-exec-attempts":       MaxOrderExecAttemptsKey,
		"pyth-price-server":             PythPriceServerKey,
		"metrics-enabled":               MetricsEnabledKey,
		"log-level":                     LogLevelKey,
	} {
		if err := v.BindEnv(flagName, envName); err != nil {
			return nil, err
		}
	}
	v.AutomaticEnv()
	return v, nil
}

// BuildConfig materialises and validates a Config from v. A missing
// required key or an unrecognised NETWORK is a fatal startup error
// (spec.md section 7.5): the caller should exit(1).
func BuildConfig(v *viper.Viper) (*Config, error) {
	c := &Config{
		Network:              v.GetString("network"),
		Mnemonic:             v.GetString("eth-hdwallet-mnemonic"),
		SignerPoolSize:       v.GetInt("signer-pool-size"),
		InfuraAPIKey:         v.GetString("provider-api-key-infura"),
		AlchemyAPIKey:        v.GetString("provider-api-key-alchemy"),
		FromBlock:            v.GetUint64("from-block"),
		ProcessInterval:      v.GetDuration("distributor-process-interval"),
		MaxOrderExecAttempts: v.GetInt("max-order-exec-attempts"),
		PythPriceServer:      v.GetString("pyth-price-server"),
		MetricsEnabled:       v.GetBool("metrics-enabled"),
		LogLevel:             v.GetString("log-level"),
	}

	chainID, ok := networkChainIDs[c.Network]
	if !ok {
		return nil, fmt.Errorf("unknown NETWORK %q", c.Network)
	}
	c.ChainID = big.NewInt(chainID)

	if c.Mnemonic == "" {
		return nil, fmt.Errorf("%s is required", MnemonicKey)
	}
	if c.SignerPoolSize < 1 {
		return nil, fmt.Errorf("%s must be >= 1", SignerPoolSizeKey)
	}
	if c.InfuraAPIKey == "" && c.AlchemyAPIKey == "" {
		return nil, fmt.Errorf("one of %s or %s is required", InfuraAPIKeyKey, AlchemyAPIKeyKey)
	}
	if c.MaxOrderExecAttempts < 1 {
		return nil, fmt.Errorf("%s must be >= 1", MaxOrderExecAttemptsKey)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("%s must be one of debug|info|warn|error, got %q", LogLevelKey, c.LogLevel)
	}

	return c, nil
}
