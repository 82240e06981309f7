// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package signer

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/crypto"
	bip39 "github.com/luxfi/go-bip39"
)

// hardenedBase is the m/44'/60'/0'/0 prefix of m/44'/60'/0'/0/index, the
// standard Ethereum account path.
var hardenedBase = []uint32{44 + hardened, 60 + hardened, 0 + hardened, 0}

const hardened = 0x80000000

// extendedKey is one node of a BIP32 derivation tree: a private key plus the
// chain code needed to derive its children.
type extendedKey struct {
	key       [32]byte
	chainCode [32]byte
}

// deriveEthereumKeys derives n ECDSA private keys from an HD mnemonic along
// m/44'/60'/0'/0/{0..n-1}, the path every EVM HD wallet (Metamask, Ledger
// Live, ethers.js) uses. The mnemonic seed derivation is BIP-39
// (github.com/luxfi/go-bip39); the child-key arithmetic is BIP-32 over
// secp256k1 (github.com/decred/dcrd/dcrec/secp256k1/v4, the curve library
// github.com/btcsuite/btcd/btcec/v2 is itself built on).
func deriveEthereumKeys(mnemonic string, n int) ([]*ecdsa.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")

	master, err := newMasterKey(seed)
	if err != nil {
		return nil, err
	}

	account := master
	for _, idx := range hardenedBase {
		account, err = account.child(idx)
		if err != nil {
			return nil, fmt.Errorf("deriving account path: %w", err)
		}
	}

	keys := make([]*ecdsa.PrivateKey, n)
	for i := 0; i < n; i++ {
		child, err := account.child(uint32(i))
		if err != nil {
			return nil, fmt.Errorf("deriving key %d: %w", i, err)
		}
		priv, err := crypto.ToECDSA(child.key[:])
		if err != nil {
			return nil, fmt.Errorf("key %d is not a valid secp256k1 scalar: %w", i, err)
		}
		keys[i] = priv
	}
	return keys, nil
}

func newMasterKey(seed []byte) (*extendedKey, error) {
	mac := hmac.New(sha512.New, []byte("Bitcoin seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)

	k := &extendedKey{}
	copy(k.key[:], sum[:32])
	copy(k.chainCode[:], sum[32:])
	if !validScalar(k.key[:]) {
		return nil, fmt.Errorf("invalid master key")
	}
	return k, nil
}

// child derives the non-hardened or hardened child at index (index >=
// hardened selects a hardened child).
func (k *extendedKey) child(index uint32) (*extendedKey, error) {
	var data []byte
	if index >= hardened {
		data = make([]byte, 0, 37)
		data = append(data, 0x00)
		data = append(data, k.key[:]...)
	} else {
		_, pub := btcecPubKey(k.key[:])
		data = append(data, pub...)
	}
	var idxBytes [4]byte
	binary.BigEndian.PutUint32(idxBytes[:], index)
	data = append(data, idxBytes[:]...)

	mac := hmac.New(sha512.New, k.chainCode[:])
	mac.Write(data)
	sum := mac.Sum(nil)

	var il secp256k1.ModNScalar
	il.SetByteSlice(sum[:32])

	var parent secp256k1.ModNScalar
	parent.SetByteSlice(k.key[:])
	il.Add(&parent)

	child := &extendedKey{}
	childKeyBytes := il.Bytes()
	copy(child.key[:], childKeyBytes[:])
	copy(child.chainCode[:], sum[32:])
	return child, nil
}

func btcecPubKey(priv []byte) (*secp256k1.PrivateKey, []byte) {
	p := secp256k1.PrivKeyFromBytes(priv)
	return p, p.PubKey().SerializeCompressed()
}

func validScalar(b []byte) bool {
	var s secp256k1.ModNScalar
	overflow := s.SetByteSlice(b)
	return !overflow && !s.IsZero()
}
