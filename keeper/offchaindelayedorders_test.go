// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps-keeper/chain"
	"github.com/luxfi/perps-keeper/metrics"
	"github.com/luxfi/perps-keeper/notify"
	"github.com/luxfi/perps-keeper/signer"
)

const offchainTestMnemonic = "test test test test test test test test test test test junk"

type fakeOffchainContract struct {
	sizeDelta      *big.Int
	executeCalls   int32
}

func (f *fakeOffchainContract) GetCurrentRoundID(ctx context.Context, asset string) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeOffchainContract) OffchainPriceFeedID(ctx context.Context) ([32]byte, error) {
	return [32]byte{1}, nil
}
func (f *fakeOffchainContract) DelayedOrders(ctx context.Context, account common.Address) (chain.DelayedOrderOnChain, error) {
	return chain.DelayedOrderOnChain{SizeDelta: f.sizeDelta, TargetRoundID: big.NewInt(100), ExecutableAtTime: 1000}, nil
}
func (f *fakeOffchainContract) EstimateExecuteDelayedOrder(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeOffchainContract) ExecuteDelayedOrder(ctx context.Context, s chain.Signer, account common.Address, gasLimit uint64) (chain.TxHandle, error) {
	return chain.TxHandle{}, nil
}
func (f *fakeOffchainContract) EstimateExecuteOffchainDelayedOrder(ctx context.Context, account common.Address, updateData [][]byte, value *big.Int) (uint64, error) {
	return 21000, nil
}
func (f *fakeOffchainContract) ExecuteOffchainDelayedOrder(ctx context.Context, s chain.Signer, account common.Address, updateData [][]byte, value *big.Int, gasLimit uint64) (chain.TxHandle, error) {
	atomic.AddInt32(&f.executeCalls, 1)
	return chain.TxHandle{Hash: common.HexToHash("0x1")}, nil
}
func (f *fakeOffchainContract) CanLiquidate(ctx context.Context, account common.Address) (bool, error) {
	return false, nil
}
func (f *fakeOffchainContract) IsFlagged(ctx context.Context, account common.Address) (bool, error) {
	return false, nil
}
func (f *fakeOffchainContract) LiquidationPrice(ctx context.Context, account common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeOffchainContract) EstimateFlagPosition(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeOffchainContract) FlagPosition(ctx context.Context, s chain.Signer, account common.Address, gasLimit uint64, gasPrice *big.Int) (chain.TxHandle, error) {
	return chain.TxHandle{}, nil
}
func (f *fakeOffchainContract) EstimateLiquidatePosition(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeOffchainContract) LiquidatePosition(ctx context.Context, s chain.Signer, account common.Address, gasLimit uint64, gasPrice *big.Int) (chain.TxHandle, error) {
	return chain.TxHandle{}, nil
}

type fakePyth struct {
	failFetch bool
	fee       *big.Int
}

func (p *fakePyth) LatestVAAs(ctx context.Context, feedID [32]byte) ([][]byte, error) {
	if p.failFetch {
		return nil, errors.New("pyth endpoint unreachable")
	}
	return [][]byte{{0x01, 0x02}}, nil
}
func (p *fakePyth) GetUpdateFee(ctx context.Context, updateData [][]byte) (*big.Int, error) {
	return p.fee, nil
}

func newTestOffchainKeeper(t *testing.T, contract *fakeOffchainContract, pyth *fakePyth, maxAttempts int) *OffchainDelayedOrdersKeeper {
	t.Helper()
	pool, err := signer.NewPool(offchainTestMnemonic, 1, big.NewInt(10), offchainNonceSource{})
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry(), "test", true)
	mkt := chain.Market{Key: "sETH", Asset: "sETH", Contract: common.HexToAddress("0xaaaa")}
	k, err := NewOffchainDelayedOrdersKeeper(mkt, &offchainTestChain{}, contract, pyth, pool, m, notify.Noop{}, maxAttempts)
	require.NoError(t, err)
	return k
}

type offchainNonceSource struct{}

func (offchainNonceSource) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return 0, nil
}

type offchainTestChain struct{}

func (offchainTestChain) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (offchainTestChain) HeaderByNumber(ctx context.Context, number uint64) (*chain.Header, error) {
	return &chain.Header{Number: number}, nil
}
func (offchainTestChain) GasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }
func (offchainTestChain) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (offchainTestChain) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return 0, nil
}
func (offchainTestChain) SendTransaction(ctx context.Context, signed *types.Transaction) error { return nil }
func (offchainTestChain) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func submittedOffchainEvent(account common.Address) chain.Event {
	return chain.Event{
		Kind: chain.DelayedOrderSubmitted,
		Args: map[string]interface{}{
			"account":          account,
			"targetRoundId":    big.NewInt(100),
			"executableAtTime": uint64(1000),
			"intentionTime":    uint64(950),
		},
	}
}

func TestOffchainDelayedOrdersKeeperExecutesWithPythUpdate(t *testing.T) {
	account := common.HexToAddress("0xA")
	contract := &fakeOffchainContract{sizeDelta: big.NewInt(5)}
	pyth := &fakePyth{fee: big.NewInt(100)}
	k := newTestOffchainKeeper(t, contract, pyth, 10)

	k.UpdateIndex([]chain.Event{submittedOffchainEvent(account)}, BlockInfo{Number: 1, Timestamp: 900}, nil)
	require.NoError(t, k.Execute(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&contract.executeCalls))
	_, stillOpen := k.Orders()[account]
	assert.False(t, stillOpen)
}

func TestOffchainDelayedOrdersKeeperRequeuesOnPythFailure(t *testing.T) {
	account := common.HexToAddress("0xA")
	contract := &fakeOffchainContract{sizeDelta: big.NewInt(5)}
	pyth := &fakePyth{failFetch: true}
	k := newTestOffchainKeeper(t, contract, pyth, 10)

	k.UpdateIndex([]chain.Event{submittedOffchainEvent(account)}, BlockInfo{Number: 1, Timestamp: 900}, nil)
	require.NoError(t, k.Execute(context.Background()))

	assert.Equal(t, int32(0), atomic.LoadInt32(&contract.executeCalls), "a Pyth fetch failure must not submit a transaction")
	order, stillOpen := k.Orders()[account]
	require.True(t, stillOpen, "a Pyth failure requeues the order rather than discarding it")
	assert.Equal(t, 1, order.ExecutionFailures)
}

func TestOffchainDelayedOrdersKeeperAlreadyExecutedIsRemovedWithoutFailure(t *testing.T) {
	account := common.HexToAddress("0xA")
	contract := &fakeOffchainContract{sizeDelta: big.NewInt(0)} // already executed on-chain
	pyth := &fakePyth{fee: big.NewInt(100)}
	k := newTestOffchainKeeper(t, contract, pyth, 10)

	k.UpdateIndex([]chain.Event{submittedOffchainEvent(account)}, BlockInfo{Number: 1, Timestamp: 900}, nil)
	require.NoError(t, k.Execute(context.Background()))

	assert.Equal(t, int32(0), atomic.LoadInt32(&contract.executeCalls))
	_, stillOpen := k.Orders()[account]
	assert.False(t, stillOpen)
}
