// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFromEnv(t *testing.T, env map[string]string) (*Config, error) {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	fs := BuildFlagSet()
	v, err := BuildViper(fs, nil)
	require.NoError(t, err)
	return BuildConfig(v)
}

func TestBuildConfigHappyPath(t *testing.T) {
	cfg, err := buildFromEnv(t, map[string]string{
		MnemonicKey:       "test test test test test test test test test test test junk",
		InfuraAPIKeyKey:   "abc123",
		SignerPoolSizeKey: "3",
	})
	require.NoError(t, err)
	assert.Equal(t, "optimism", cfg.Network)
	assert.Equal(t, 3, cfg.SignerPoolSize)
	assert.Equal(t, int64(10), cfg.ChainID.Int64())
}

func TestBuildConfigRejectsMissingMnemonic(t *testing.T) {
	_, err := buildFromEnv(t, map[string]string{
		InfuraAPIKeyKey: "abc123",
	})
	assert.ErrorContains(t, err, MnemonicKey)
}

func TestBuildConfigRejectsMissingProvider(t *testing.T) {
	_, err := buildFromEnv(t, map[string]string{
		MnemonicKey: "test test test test test test test test test test test junk",
	})
	assert.Error(t, err)
}

func TestBuildConfigRejectsUnknownNetwork(t *testing.T) {
	_, err := buildFromEnv(t, map[string]string{
		NetworkKey:      "mainnet",
		MnemonicKey:     "test test test test test test test test test test test junk",
		InfuraAPIKeyKey: "abc123",
	})
	assert.ErrorContains(t, err, "unknown NETWORK")
}
