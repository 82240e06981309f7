// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package environment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps-keeper/config"
	"github.com/luxfi/perps-keeper/markets"
)

func TestBuildFailsFastWithNoRegisteredFactory(t *testing.T) {
	factory = nil // isolate from any prior test's Register call
	_, err := Build(context.Background(), &config.Config{}, nil)
	assert.ErrorIs(t, err, ErrNoFactory)
}

func TestBuildDelegatesToRegisteredFactory(t *testing.T) {
	t.Cleanup(func() { factory = nil })

	var gotNetwork string
	Register(func(ctx context.Context, cfg *config.Config, mkts []markets.Config) (*Environment, error) {
		gotNetwork = cfg.Network
		return &Environment{}, nil
	})

	env, err := Build(context.Background(), &config.Config{Network: "optimism"}, nil)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "optimism", gotNetwork)
}
