// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package signer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveEthereumKeysIsDeterministicAndDistinct(t *testing.T) {
	a, err := deriveEthereumKeys(testMnemonic, 4)
	require.NoError(t, err)
	b, err := deriveEthereumKeys(testMnemonic, 4)
	require.NoError(t, err)

	require.Len(t, a, 4)
	for i := range a {
		assert.Equal(t, a[i].D, b[i].D, "key %d must be reproducible from the same mnemonic", i)
	}
	for i := 1; i < len(a); i++ {
		assert.NotEqual(t, a[0].D, a[i].D)
	}
}

func TestDeriveEthereumKeysRejectsInvalidMnemonic(t *testing.T) {
	_, err := deriveEthereumKeys("not a valid mnemonic at all", 1)
	assert.Error(t, err)
}
