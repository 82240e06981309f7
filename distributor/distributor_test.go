// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distributor

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps-keeper/chain"
	"github.com/luxfi/perps-keeper/keeper"
	"github.com/luxfi/perps-keeper/metrics"
	"github.com/luxfi/perps-keeper/notify"
	"github.com/luxfi/perps-keeper/signer"
)

const testMnemonic = "test test test test test test test test test test test junk"

// fakeChain is a ChainClient whose tip advances by one block every time
// BlockNumber is called, so successive Tick calls each see fresh work.
type fakeChain struct {
	tip       uint64
	timestamp uint64
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.tip++
	return f.tip, nil
}
func (f *fakeChain) HeaderByNumber(ctx context.Context, number uint64) (*chain.Header, error) {
	return &chain.Header{Number: number, Timestamp: f.timestamp}, nil
}
func (f *fakeChain) GasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }
func (f *fakeChain) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeChain) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeChain) SendTransaction(ctx context.Context, signed *types.Transaction) error { return nil }
func (f *fakeChain) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

// fakeDecoder hands out a queue of events once, then FilterLogs returns
// nothing (mirroring "the submit happened once, in one historical range").
type fakeDecoder struct {
	mu     sync.Mutex
	queued []chain.Event
}

func (f *fakeDecoder) FilterLogs(ctx context.Context, contract common.Address, kinds []chain.Kind, from, to uint64) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queued) == 0 {
		return nil, nil
	}
	logs := make([]types.Log, len(f.queued))
	return logs, nil
}
func (f *fakeDecoder) DecodeLog(l types.Log) (chain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := f.queued[0]
	f.queued = f.queued[1:]
	return ev, nil
}

// fakeOrderContract implements chain.MarketContract for DelayedOrdersKeeper
// scenarios; every non-delayed-order method is an unused stub.
type fakeOrderContract struct {
	currentRoundID *big.Int

	mu            sync.Mutex
	sizeDelta     map[common.Address]*big.Int
	executeCalls  int32
	failUntilN    int32 // ExecuteDelayedOrder fails for the first failUntilN calls
}

func (c *fakeOrderContract) GetCurrentRoundID(ctx context.Context, asset string) (*big.Int, error) {
	return c.currentRoundID, nil
}
func (c *fakeOrderContract) OffchainPriceFeedID(ctx context.Context) ([32]byte, error) {
	return [32]byte{}, nil
}
func (c *fakeOrderContract) DelayedOrders(ctx context.Context, account common.Address) (chain.DelayedOrderOnChain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sd := c.sizeDelta[account]
	if sd == nil {
		sd = big.NewInt(1)
	}
	return chain.DelayedOrderOnChain{SizeDelta: sd, TargetRoundID: big.NewInt(100), ExecutableAtTime: 1000}, nil
}
func (c *fakeOrderContract) EstimateExecuteDelayedOrder(ctx context.Context, account common.Address) (uint64, error) {
	return 21000, nil
}
func (c *fakeOrderContract) ExecuteDelayedOrder(ctx context.Context, s chain.Signer, account common.Address, gasLimit uint64) (chain.TxHandle, error) {
	n := atomic.AddInt32(&c.executeCalls, 1)
	if n <= c.failUntilN {
		return chain.TxHandle{}, errExecReverted
	}
	c.mu.Lock()
	c.sizeDelta[account] = big.NewInt(0)
	c.mu.Unlock()
	return chain.TxHandle{Hash: common.HexToHash("0x1")}, nil
}
func (c *fakeOrderContract) EstimateExecuteOffchainDelayedOrder(ctx context.Context, account common.Address, updateData [][]byte, value *big.Int) (uint64, error) {
	return 0, nil
}
func (c *fakeOrderContract) ExecuteOffchainDelayedOrder(ctx context.Context, s chain.Signer, account common.Address, updateData [][]byte, value *big.Int, gasLimit uint64) (chain.TxHandle, error) {
	return chain.TxHandle{}, nil
}
func (c *fakeOrderContract) CanLiquidate(ctx context.Context, account common.Address) (bool, error) {
	return false, nil
}
func (c *fakeOrderContract) IsFlagged(ctx context.Context, account common.Address) (bool, error) {
	return false, nil
}
func (c *fakeOrderContract) LiquidationPrice(ctx context.Context, account common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (c *fakeOrderContract) EstimateFlagPosition(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (c *fakeOrderContract) FlagPosition(ctx context.Context, s chain.Signer, account common.Address, gasLimit uint64, gasPrice *big.Int) (chain.TxHandle, error) {
	return chain.TxHandle{}, nil
}
func (c *fakeOrderContract) EstimateLiquidatePosition(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (c *fakeOrderContract) LiquidatePosition(ctx context.Context, s chain.Signer, account common.Address, gasLimit uint64, gasPrice *big.Int) (chain.TxHandle, error) {
	return chain.TxHandle{}, nil
}

var errExecReverted = &orderRevertError{}

type orderRevertError struct{}

func (*orderRevertError) Error() string { return "execution reverted" }

func newTestDistributor(t *testing.T, decoder *fakeDecoder, contract *fakeOrderContract) (*Distributor, *keeper.DelayedOrdersKeeper, *fakeChain) {
	t.Helper()
	pool, err := signer.NewPool(testMnemonic, 1, big.NewInt(10), noopNonceSource{})
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry(), "test", true)
	mkt := chain.Market{Key: "sETH", Asset: "sETH", Contract: common.HexToAddress("0xaaaa")}
	cc := &fakeChain{timestamp: 900}

	k, err := keeper.NewDelayedOrdersKeeper(mkt, cc, contract, pool, m, notify.Noop{}, 10)
	require.NoError(t, err)

	events := chain.NewEventSource(decoder, 0)
	d := NewDistributor(cc, events, []keeper.Keeper{k}, nil, nil, m, 1, time.Hour, 0, nil)
	return d, k, cc
}

type noopNonceSource struct{}

func (noopNonceSource) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return 0, nil
}

func TestDistributorExecutesReadyOrderOnce(t *testing.T) {
	// Scenario 1: order submit then execute.
	account := common.HexToAddress("0xA")
	decoder := &fakeDecoder{queued: []chain.Event{{
		Kind: chain.DelayedOrderSubmitted,
		Args: map[string]interface{}{
			"account":          account,
			"targetRoundId":    big.NewInt(100),
			"executableAtTime": uint64(1000),
			"intentionTime":    uint64(950),
		},
		BlockNumber: 1,
	}}}
	contract := &fakeOrderContract{currentRoundID: big.NewInt(101), sizeDelta: map[common.Address]*big.Int{}}

	d, k, _ := newTestDistributor(t, decoder, contract)
	d.Tick(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&contract.executeCalls))
	_, stillOpen := k.Orders()[account]
	assert.False(t, stillOpen)
	assert.Equal(t, uint64(1), d.LastProcessedBlock())
}

func TestDistributorRemovedOrderNeverExecutes(t *testing.T) {
	// Scenario 2: order submit then remove.
	account := common.HexToAddress("0xA")
	decoder := &fakeDecoder{queued: []chain.Event{
		{Kind: chain.DelayedOrderSubmitted, Args: map[string]interface{}{
			"account": account, "targetRoundId": big.NewInt(100), "executableAtTime": uint64(1000), "intentionTime": uint64(950),
		}},
		{Kind: chain.DelayedOrderRemoved, Args: map[string]interface{}{"account": account}},
	}}
	contract := &fakeOrderContract{currentRoundID: big.NewInt(101), sizeDelta: map[common.Address]*big.Int{}}

	d, k, _ := newTestDistributor(t, decoder, contract)
	d.Tick(context.Background())

	assert.Equal(t, int32(0), atomic.LoadInt32(&contract.executeCalls))
	assert.Len(t, k.Orders(), 0)
}

func TestDistributorEvictsOrderAfterMaxAttempts(t *testing.T) {
	// Scenario 5: force 11 failures with maxExecAttempts=10; the 11th
	// failure evicts the entry and no further tx is sent.
	account := common.HexToAddress("0xA")
	decoder := &fakeDecoder{queued: []chain.Event{{
		Kind: chain.DelayedOrderSubmitted,
		Args: map[string]interface{}{
			"account": account, "targetRoundId": big.NewInt(100), "executableAtTime": uint64(1000), "intentionTime": uint64(950),
		},
	}}}
	contract := &fakeOrderContract{currentRoundID: big.NewInt(101), sizeDelta: map[common.Address]*big.Int{}, failUntilN: 11}

	d, k, _ := newTestDistributor(t, decoder, contract)

	for i := 0; i < 11; i++ {
		d.Tick(context.Background())
	}
	_, stillOpen := k.Orders()[account]
	assert.False(t, stillOpen, "order must be evicted after exceeding maxExecAttempts")

	calls := atomic.LoadInt32(&contract.executeCalls)
	assert.Equal(t, int32(11), calls)

	// A 12th tick must not submit again: the entry is gone.
	d.Tick(context.Background())
	assert.Equal(t, calls, atomic.LoadInt32(&contract.executeCalls))
}

func TestDistributorLastProcessedBlockIsMonotonicAndNoRangeRepeats(t *testing.T) {
	decoder := &fakeDecoder{}
	contract := &fakeOrderContract{currentRoundID: big.NewInt(0), sizeDelta: map[common.Address]*big.Int{}}
	d, _, _ := newTestDistributor(t, decoder, contract)

	var seen []uint64
	prev := d.LastProcessedBlock()
	for i := 0; i < 5; i++ {
		d.Tick(context.Background())
		cur := d.LastProcessedBlock()
		assert.GreaterOrEqual(t, cur, prev)
		seen = append(seen, cur)
		prev = cur
	}
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1], "each tick must advance past the previous tick's range, never repeating it")
	}
}
