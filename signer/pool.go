// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package signer implements the SignerPool: a fixed set of HD-derived
// signing keys leased one-at-a-time so that nonce submission per key stays
// strictly serial while different keys (and different markets) proceed in
// parallel. The lease idiom mirrors the "acquire external resource, run
// caller-supplied work, release on every exit path" shape used throughout
// the teacher's concurrent fan-out code (warp/aggregator.AggregateSignatures
// dispatches one goroutine per validator and joins on a channel; here one
// slot per key is recv'd off a channel, which the Go runtime serves to
// blocked receivers in FIFO order).
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
)

// ErrPoolExhaustedTimeout is returned when no signer becomes idle before the
// caller's context is done.
var ErrPoolExhaustedTimeout = errors.New("signer pool: no signer became idle before deadline")

// NonceSource reads the on-chain pending nonce for an address, used to
// resync a signer's remembered nonce after a submission failure.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
}

// Signer is one leased signing key. It is safe to use only for the
// duration of the withSigner task that produced it.
type Signer struct {
	key   *ecdsa.PrivateKey
	addr  common.Address
	chain *big.Int

	mu         sync.Mutex
	nonce      uint64
	nonceStale bool
}

// Address returns the signer's EVM address.
func (s *Signer) Address() common.Address { return s.addr }

// Nonce returns the nonce to use for the next transaction from this signer
// within the current lease.
func (s *Signer) Nonce() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce
}

// SignTx signs tx with this signer's key using EIP-155 replay protection.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewEIP155Signer(s.chain), s.key)
}

// Pool guarantees at most one in-flight transaction per signing key while
// maximising parallelism across keys. Keys are pre-derived from an HD
// mnemonic at construction (poolSize of them, a fixed pool).
type Pool struct {
	signers []*Signer
	idle    chan *Signer // FIFO-fair: Go serves blocked channel receivers in arrival order
	nonces  NonceSource
	log     log.Logger
}

// NewPool derives poolSize signing keys from mnemonic and returns a ready
// pool. chainID is required to sign EIP-155 transactions.
func NewPool(mnemonic string, poolSize int, chainID *big.Int, nonces NonceSource) (*Pool, error) {
	if poolSize < 1 {
		return nil, fmt.Errorf("signer pool size must be >= 1, got %d", poolSize)
	}
	keys, err := deriveEthereumKeys(mnemonic, poolSize)
	if err != nil {
		return nil, fmt.Errorf("deriving signer keys: %w", err)
	}

	p := &Pool{
		idle:   make(chan *Signer, poolSize),
		nonces: nonces,
		log:    log.New("component", "SignerPool"),
	}
	for _, key := range keys {
		s := &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey), chain: chainID, nonceStale: true}
		p.signers = append(p.signers, s)
		p.idle <- s
	}
	return p, nil
}

// Size returns the number of configured signers.
func (p *Pool) Size() int { return len(p.signers) }

// Addresses returns every signer's address, e.g. for a balance watchdog.
func (p *Pool) Addresses() []common.Address {
	addrs := make([]common.Address, len(p.signers))
	for i, s := range p.signers {
		addrs[i] = s.Address()
	}
	return addrs
}

// WithSigner acquires an idle signer, resolves its nonce if stale, invokes
// task, and releases the signer unconditionally. On success the remembered
// nonce is bumped by one; on failure the key is marked stale so the next
// lease re-syncs from chain. asset is a free-form metrics/logging tag; it
// never influences which signer is picked.
func WithSigner[T any](ctx context.Context, p *Pool, asset string, task func(ctx context.Context, s *Signer) (T, error)) (T, error) {
	var zero T

	var s *Signer
	select {
	case s = <-p.idle:
	case <-ctx.Done():
		return zero, ErrPoolExhaustedTimeout
	}
	defer func() { p.idle <- s }()

	s.mu.Lock()
	stale := s.nonceStale
	s.mu.Unlock()
	if stale {
		n, err := p.nonces.PendingNonceAt(ctx, s.addr)
		if err != nil {
			return zero, fmt.Errorf("resyncing nonce for %s: %w", s.addr, err)
		}
		s.mu.Lock()
		s.nonce = n
		s.nonceStale = false
		s.mu.Unlock()
	}

	p.log.Debug("signer leased", "signer", s.addr, "asset", asset, "nonce", s.Nonce())
	result, err := task(ctx, s)

	s.mu.Lock()
	if err != nil {
		s.nonceStale = true
	} else {
		s.nonce++
	}
	s.mu.Unlock()

	return result, err
}
