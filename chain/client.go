// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainClient is the abstract block/call/send capability shared read-only
// across every Keeper. Implementations must be safe for concurrent use; a
// real implementation wraps an RPC provider (e.g. ethclient.Client) and
// applies the retry/backoff policy described in EventSource.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number uint64) (*Header, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SendTransaction(ctx context.Context, signed *types.Transaction) error
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// LogDecoder is the abstract ABI-bindings capability: it turns raw chain
// logs into decoded Events. A real implementation wraps the generated
// contract bindings for the markets this keeper watches.
type LogDecoder interface {
	// FilterLogs returns raw logs for contract emitted by any of the given
	// event kinds within [fromBlock, toBlock] inclusive.
	FilterLogs(ctx context.Context, contract common.Address, kinds []Kind, fromBlock, toBlock uint64) ([]types.Log, error)
	// DecodeLog turns one raw log into an Event.
	DecodeLog(log types.Log) (Event, error)
}

// DelayedOrderOnChain is the tuple returned by MarketContract.DelayedOrders.
type DelayedOrderOnChain struct {
	SizeDelta     *big.Int
	TargetRoundID *big.Int
	ExecutableAtTime uint64
}

// TxHandle is what a write call returns: enough to wait for confirmation.
type TxHandle struct {
	Hash common.Hash
	Tx   *types.Transaction
}

// MarketContract is the abstract per-market capability set the keeper logic
// drives. Exactly the operations named in spec.md section 6.
type MarketContract interface {
	GetCurrentRoundID(ctx context.Context, asset string) (*big.Int, error)
	OffchainPriceFeedID(ctx context.Context) ([32]byte, error)

	DelayedOrders(ctx context.Context, account common.Address) (DelayedOrderOnChain, error)
	EstimateExecuteDelayedOrder(ctx context.Context, account common.Address) (uint64, error)
	ExecuteDelayedOrder(ctx context.Context, signer Signer, account common.Address, gasLimit uint64) (TxHandle, error)
	EstimateExecuteOffchainDelayedOrder(ctx context.Context, account common.Address, updateData [][]byte, value *big.Int) (uint64, error)
	ExecuteOffchainDelayedOrder(ctx context.Context, signer Signer, account common.Address, updateData [][]byte, value *big.Int, gasLimit uint64) (TxHandle, error)

	CanLiquidate(ctx context.Context, account common.Address) (bool, error)
	IsFlagged(ctx context.Context, account common.Address) (bool, error)
	LiquidationPrice(ctx context.Context, account common.Address) (*big.Int, error)
	EstimateFlagPosition(ctx context.Context, account common.Address) (uint64, error)
	FlagPosition(ctx context.Context, signer Signer, account common.Address, gasLimit uint64, gasPrice *big.Int) (TxHandle, error)
	EstimateLiquidatePosition(ctx context.Context, account common.Address) (uint64, error)
	LiquidatePosition(ctx context.Context, signer Signer, account common.Address, gasLimit uint64, gasPrice *big.Int) (TxHandle, error)
}

// Signer is the minimal capability a MarketContract needs from a leased
// signer in order to build and sign a transaction. It is satisfied by
// *signer.Signer without this package importing the signer package.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// Call3 mirrors Multicall3's aggregate3 input tuple.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Result3 mirrors Multicall3's aggregate3 output tuple.
type Result3 struct {
	Success    bool
	ReturnData []byte
}

// Multicall is the abstract Multicall3 capability used by LiquidationKeeper's
// batched dry-run/flag fast path.
type Multicall interface {
	// Aggregate3DryRun performs an eth_call (no state change) so failing
	// calls can be discovered cheaply before a real transaction is built.
	Aggregate3DryRun(ctx context.Context, calls []Call3) ([]Result3, error)
	Aggregate3Send(ctx context.Context, signer Signer, calls []Call3, gasLimit uint64, gasPrice *big.Int) (TxHandle, error)
}

// PythClient is the abstract Pyth price-update capability used by
// OffchainDelayedOrdersKeeper.
type PythClient interface {
	// LatestVAAs fetches a signed price update for feedID from the Pyth
	// price server (GET /api/latest_vaas).
	LatestVAAs(ctx context.Context, feedID [32]byte) ([][]byte, error)
	// GetUpdateFee computes the fee (in wei) the Pyth contract charges to
	// apply updateData on-chain.
	GetUpdateFee(ctx context.Context, updateData [][]byte) (*big.Int, error)
}
