package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name    string
		chainID int64
	}{
		{"POLYGON", 137},
		{"ethereum", 1},
		{"Bsc", 56},
	}
	for _, tt := range tests {
		n, err := Lookup(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.chainID, n.ChainID)
	}

	_, err := Lookup("SOLANA")
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"BSC", "ETHEREUM", "POLYGON"}, Names())
}

func TestExplorerTxURL(t *testing.T) {
	n, err := Lookup("POLYGON")
	require.NoError(t, err)
	assert.Equal(t,
		"https://polygonscan.com/tx/0xabc",
		n.ExplorerTxURL("0xabc"))
}

func TestAddressHelpers(t *testing.T) {
	assert.True(t, ValidAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"))
	assert.False(t, ValidAddress("not-an-address"))
	assert.False(t, ValidAddress("0x123"))

	// Checksum normalizes casing.
	assert.Equal(t,
		"0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
		Checksum("0x2791bca1f2de4661ed88a30c99a7a9449aa84174"))
}

// fakeClient satisfies Client for pool and fee tests.
type fakeClient struct {
	blockErr error
	baseFee  *big.Int
	tip      *big.Int
	gasPrice *big.Int
	closed   bool
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	if f.blockErr != nil {
		return 0, f.blockErr
	}
	return 1000, nil
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1000), BaseFee: f.baseFee}, nil
}

func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return f.tip, nil
}

func (f *fakeClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 65000, nil
}

func (f *fakeClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeClient) Close() { f.closed = true }

func TestPool_ConnectFailsOverToLiveEndpoint(t *testing.T) {
	network, err := Lookup("POLYGON")
	require.NoError(t, err)

	dead := &fakeClient{blockErr: errors.New("connection refused")}
	live := &fakeClient{}

	var dialed []string
	pool := NewPool(network, []string{"", "http://rpc-dead", "http://rpc-live"}, nil).
		WithDialer(func(ctx context.Context, url string) (Client, error) {
			dialed = append(dialed, url)
			if url == "http://rpc-dead" {
				return dead, nil
			}
			return live, nil
		})

	ep, err := pool.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://rpc-live", ep.URL)
	assert.Equal(t, []string{"http://rpc-dead", "http://rpc-live"}, dialed, "empty URLs are skipped")
	assert.True(t, dead.closed, "failed probe must close the connection")
}

func TestPool_ConnectDialErrorFailsOver(t *testing.T) {
	network, err := Lookup("BSC")
	require.NoError(t, err)

	live := &fakeClient{}
	pool := NewPool(network, []string{"http://rpc-1", "http://rpc-2"}, nil).
		WithDialer(func(ctx context.Context, url string) (Client, error) {
			if url == "http://rpc-1" {
				return nil, errors.New("dial tcp: timeout")
			}
			return live, nil
		})

	ep, err := pool.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://rpc-2", ep.URL)
}

func TestPool_ConnectReusesHealthyEndpoint(t *testing.T) {
	network, err := Lookup("POLYGON")
	require.NoError(t, err)

	live := &fakeClient{}
	dials := 0
	pool := NewPool(network, []string{"http://rpc-live"}, nil).
		WithDialer(func(ctx context.Context, url string) (Client, error) {
			dials++
			return live, nil
		})

	first, err := pool.Connect(context.Background())
	require.NoError(t, err)
	second, err := pool.Connect(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, dials, "healthy endpoint is cached")
}

func TestPool_ConnectReplacesDeadCachedEndpoint(t *testing.T) {
	network, err := Lookup("POLYGON")
	require.NoError(t, err)

	stale := &fakeClient{}
	fresh := &fakeClient{}
	clients := []*fakeClient{stale, fresh}
	pool := NewPool(network, []string{"http://rpc"}, nil).
		WithDialer(func(ctx context.Context, url string) (Client, error) {
			c := clients[0]
			clients = clients[1:]
			return c, nil
		})

	_, err = pool.Connect(context.Background())
	require.NoError(t, err)

	// The cached endpoint dies; the next Connect must dial fresh.
	stale.blockErr = errors.New("connection reset")

	ep, err := pool.Connect(context.Background())
	require.NoError(t, err)
	assert.Same(t, fresh, ep.Client.(*fakeClient))
	assert.True(t, stale.closed)
}

func TestPool_ReconnectDropsCache(t *testing.T) {
	network, err := Lookup("POLYGON")
	require.NoError(t, err)

	dials := 0
	pool := NewPool(network, []string{"http://rpc"}, nil).
		WithDialer(func(ctx context.Context, url string) (Client, error) {
			dials++
			return &fakeClient{}, nil
		})

	first, err := pool.Connect(context.Background())
	require.NoError(t, err)
	second, err := pool.Reconnect(context.Background())
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, dials)
	assert.True(t, first.Client.(*fakeClient).closed)
}

func TestPool_AllDeadReturnsErrNoLiveEndpoint(t *testing.T) {
	network, err := Lookup("ETHEREUM")
	require.NoError(t, err)

	pool := NewPool(network, []string{"http://rpc-1", "http://rpc-2"}, nil).
		WithDialer(func(ctx context.Context, url string) (Client, error) {
			return nil, errors.New("dial tcp: refused")
		})

	_, err = pool.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoLiveEndpoint)
}

func TestSuggestFees_DynamicWhenBaseFeePresent(t *testing.T) {
	c := &fakeClient{baseFee: big.NewInt(100), tip: big.NewInt(2)}

	fees, err := SuggestFees(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, fees.Dynamic)
	assert.Equal(t, big.NewInt(2), fees.GasTipCap)
	// 100 * 1.2 + 2
	assert.Equal(t, big.NewInt(122), fees.GasFeeCap)
}

func TestSuggestFees_LegacyWithoutBaseFee(t *testing.T) {
	c := &fakeClient{gasPrice: big.NewInt(5_000_000_000)}

	fees, err := SuggestFees(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, fees.Dynamic)
	assert.Equal(t, big.NewInt(5_000_000_000), fees.GasPrice)
}
