package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fubapay/fubapay/internal/chain"
)

// Well-known throwaway development key, never funded.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const recipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

// mockClient scripts node behavior for the settlement path.
type mockClient struct {
	mu sync.Mutex

	head     uint64
	baseFee  *big.Int
	gasPrice *big.Int

	sendErrs []error // consumed one per SendTransaction call
	sends    int
	sentTx   *types.Transaction

	minedAfter    int // receipt polls before the tx appears
	receiptStatus uint64
	blockNumber   uint64
	polls         int
}

func (m *mockClient) BlockNumber(ctx context.Context) (uint64, error) {
	return m.head, nil
}

func (m *mockClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (m *mockClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(m.head), BaseFee: m.baseFee}, nil
}

func (m *mockClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if m.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return m.gasPrice, nil
}

func (m *mockClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (m *mockClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 65000, nil
}

func (m *mockClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return big.NewInt(250_000_000).FillBytes(make([]byte, 32)), nil // 250 USDC
}

func (m *mockClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentTx = tx
	m.sends++
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		return err
	}
	return nil
}

func (m *mockClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if m.polls <= m.minedAfter {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{
		Status:            m.receiptStatus,
		BlockNumber:       new(big.Int).SetUint64(m.blockNumber),
		GasUsed:           60000,
		EffectiveGasPrice: big.NewInt(2_000_000_000),
	}, nil
}

func (m *mockClient) Close() {}

func newEngine(t *testing.T, mock *mockClient) *Engine {
	t.Helper()
	network, err := chain.Lookup("POLYGON")
	require.NoError(t, err)

	pool := chain.NewPool(network, []string{"http://rpc-mock"}, nil).
		WithDialer(func(ctx context.Context, url string) (chain.Client, error) {
			return mock, nil
		})

	e, err := New(network, pool, Config{
		PrivateKey:        testKey,
		MinConfirmations:  3,
		PollInterval:      5 * time.Millisecond,
		ConfirmTimeout:    300 * time.Millisecond,
		BroadcastAttempts: 3,
		BroadcastDelay:    time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return e
}

func TestNew_RejectsBadKey(t *testing.T) {
	network, err := chain.Lookup("POLYGON")
	require.NoError(t, err)
	pool := chain.NewPool(network, nil, nil)

	_, err = New(network, pool, Config{PrivateKey: "deadbeef"}, nil)
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestSettle_Confirmed(t *testing.T) {
	mock := &mockClient{
		head:          104,
		baseFee:       big.NewInt(30_000_000_000),
		receiptStatus: types.ReceiptStatusSuccessful,
		blockNumber:   100,
	}
	e := newEngine(t, mock)

	r, err := e.Settle(context.Background(), recipient, "25.50")
	require.NoError(t, err)

	assert.Equal(t, OutcomeConfirmed, r.Outcome)
	assert.Equal(t, uint64(100), r.BlockNumber)
	assert.Equal(t, 5, r.Confirmations)
	assert.NotEmpty(t, r.TxHash)
	assert.Equal(t, "https://polygonscan.com/tx/"+r.TxHash, r.ExplorerURL)
	assert.NotEmpty(t, r.GasFee)

	// Base fee present means a dynamic fee transaction was signed.
	assert.Equal(t, uint8(types.DynamicFeeTxType), mock.sentTx.Type())
}

func TestSettle_LegacyNetworkSignsLegacyTx(t *testing.T) {
	mock := &mockClient{
		head:          104,
		receiptStatus: types.ReceiptStatusSuccessful,
		blockNumber:   100,
	}
	e := newEngine(t, mock)

	_, err := e.Settle(context.Background(), recipient, "10")
	require.NoError(t, err)
	assert.Equal(t, uint8(types.LegacyTxType), mock.sentTx.Type())
}

func TestSettle_RevertedYieldsFailed(t *testing.T) {
	mock := &mockClient{
		head:          104,
		receiptStatus: types.ReceiptStatusFailed,
		blockNumber:   100,
	}
	e := newEngine(t, mock)

	r, err := e.Settle(context.Background(), recipient, "10")
	require.NoError(t, err, "a reverted tx is an outcome, not an error")
	assert.Equal(t, OutcomeFailed, r.Outcome)
	assert.NotEmpty(t, r.TxHash)
}

func TestSettle_TimeoutKeepsHash(t *testing.T) {
	mock := &mockClient{
		head:       104,
		minedAfter: 1 << 30, // never mined
	}
	e := newEngine(t, mock)

	r, err := e.Settle(context.Background(), recipient, "10")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, r.Outcome)
	assert.NotEmpty(t, r.TxHash, "hash must survive a confirmation timeout")
	assert.Zero(t, r.BlockNumber)
}

func TestBroadcastThenConfirm(t *testing.T) {
	mock := &mockClient{
		head:          104,
		receiptStatus: types.ReceiptStatusSuccessful,
		blockNumber:   100,
		minedAfter:    2,
	}
	e := newEngine(t, mock)

	b, err := e.Broadcast(context.Background(), recipient, "25.50")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBroadcast, b.Outcome)
	assert.NotEmpty(t, b.TxHash, "the hash is known before any confirmation wait")
	assert.Contains(t, b.ExplorerURL, b.TxHash)
	assert.Equal(t, 1, mock.sends)
	assert.Zero(t, mock.polls, "broadcast must not wait on the chain")

	r := e.Confirm(context.Background(), b.TxHash)
	assert.Equal(t, OutcomeConfirmed, r.Outcome)
	assert.Equal(t, b.TxHash, r.TxHash)
	assert.Equal(t, uint64(100), r.BlockNumber)
	assert.Equal(t, 5, r.Confirmations)
}

func TestConfirm_CancelledMidPollReportsTimedOut(t *testing.T) {
	mock := &mockClient{
		head:       104,
		minedAfter: 1 << 30, // never mined
	}
	e := newEngine(t, mock)

	b, err := e.Broadcast(context.Background(), recipient, "10")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := e.Confirm(ctx, b.TxHash)
	assert.Equal(t, OutcomeTimedOut, r.Outcome)
	assert.Equal(t, b.TxHash, r.TxHash)
}

func TestSettle_BroadcastRetriesThenSucceeds(t *testing.T) {
	mock := &mockClient{
		head:          104,
		receiptStatus: types.ReceiptStatusSuccessful,
		blockNumber:   100,
		sendErrs:      []error{errors.New("nonce too low"), errors.New("connection reset")},
	}
	e := newEngine(t, mock)

	r, err := e.Settle(context.Background(), recipient, "10")
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, r.Outcome)
	assert.Equal(t, 3, mock.sends)
}

func TestSettle_BroadcastExhaustedReturnsError(t *testing.T) {
	mock := &mockClient{
		head: 104,
		sendErrs: []error{
			errors.New("boom"), errors.New("boom"), errors.New("boom"),
		},
	}
	e := newEngine(t, mock)

	_, err := e.Settle(context.Background(), recipient, "10")
	var se *SettleError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "broadcast", se.Op)
	assert.NotEmpty(t, se.TxHash)
}

func TestSettle_AlreadyKnownCountsAsBroadcast(t *testing.T) {
	mock := &mockClient{
		head:          104,
		receiptStatus: types.ReceiptStatusSuccessful,
		blockNumber:   100,
		sendErrs:      []error{errors.New("already known")},
	}
	e := newEngine(t, mock)

	r, err := e.Settle(context.Background(), recipient, "10")
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, r.Outcome)
	assert.Equal(t, 1, mock.sends)
}

func TestSettle_InputValidation(t *testing.T) {
	e := newEngine(t, &mockClient{})

	_, err := e.Settle(context.Background(), "not-an-address", "10")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = e.Settle(context.Background(), recipient, "0")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = e.Settle(context.Background(), recipient, "-5")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = e.Settle(context.Background(), recipient, "abc")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSettle_NoLiveEndpoint(t *testing.T) {
	network, err := chain.Lookup("POLYGON")
	require.NoError(t, err)
	pool := chain.NewPool(network, []string{"http://rpc-1"}, nil).
		WithDialer(func(ctx context.Context, url string) (chain.Client, error) {
			return nil, errors.New("dial tcp: refused")
		})

	e, err := New(network, pool, Config{PrivateKey: testKey}, nil)
	require.NoError(t, err)

	_, err = e.Settle(context.Background(), recipient, "10")
	assert.ErrorIs(t, err, chain.ErrNoLiveEndpoint)
}

func TestStatus_ResolvesLateConfirmation(t *testing.T) {
	mock := &mockClient{
		head:          110,
		receiptStatus: types.ReceiptStatusSuccessful,
		blockNumber:   100,
	}
	e := newEngine(t, mock)

	r, err := e.Status(context.Background(), "0x"+"11"+"22334455667788990011223344556677889900112233445566778899001122")
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, r.Outcome)
	assert.Equal(t, 11, r.Confirmations)
}

func TestBalanceOf(t *testing.T) {
	e := newEngine(t, &mockClient{head: 100})

	balance, err := e.BalanceOf(context.Background(), recipient)
	require.NoError(t, err)
	assert.Equal(t, "250.000000", balance)
}
