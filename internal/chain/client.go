package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/fubapay/fubapay/internal/metrics"
)

// ErrNoLiveEndpoint means every configured RPC endpoint failed the liveness
// probe. Callers treat this as a connectivity problem, not a settlement
// failure: nothing was broadcast.
var ErrNoLiveEndpoint = errors.New("chain: no live RPC endpoint")

// probeTimeout bounds the liveness check on each candidate endpoint.
const probeTimeout = 5 * time.Second

// Client is the subset of the Ethereum JSON-RPC surface the settlement
// engine uses, abstracted for testing.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Dialer opens a Client for an RPC URL. The default wraps ethclient; tests
// substitute fakes.
type Dialer func(ctx context.Context, url string) (Client, error)

func ethDialer(ctx context.Context, url string) (Client, error) {
	return ethclient.DialContext(ctx, url)
}

// Endpoint is a live connection to one RPC URL of a network.
type Endpoint struct {
	Client  Client
	Network Network
	URL     string
}

// Pool connects to a network through an ordered list of RPC URLs, skipping
// dead endpoints. The last live endpoint is cached and reused while it still
// answers probes.
type Pool struct {
	network Network
	urls    []string
	dial    Dialer
	logger  *slog.Logger

	mu      sync.Mutex
	current *Endpoint
}

// NewPool creates a failover pool. URLs are tried in order whenever a fresh
// connection is needed.
func NewPool(network Network, urls []string, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{network: network, urls: urls, dial: ethDialer, logger: logger}
}

// WithDialer replaces the dial function. Returns the pool for chaining.
func (p *Pool) WithDialer(d Dialer) *Pool {
	p.dial = d
	return p
}

// Connect returns the cached endpoint if it is still healthy, otherwise the
// first endpoint that dials and answers a liveness probe. Dead endpoints are
// counted as failovers and skipped; if none survive, ErrNoLiveEndpoint is
// returned. The pool owns the endpoint, callers must not Close it.
func (p *Pool) Connect(ctx context.Context) (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		if p.current.Healthy(ctx) {
			return p.current, nil
		}
		p.failover(p.current.URL, errors.New("health probe failed"))
		p.current.Close()
		p.current = nil
	}

	ep, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	p.current = ep
	return ep, nil
}

// Reconnect drops the cached endpoint and dials fresh.
func (p *Pool) Reconnect(ctx context.Context) (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		p.current.Close()
		p.current = nil
	}

	ep, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	p.current = ep
	return ep, nil
}

// Close releases the cached endpoint.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.current.Close()
		p.current = nil
	}
}

func (p *Pool) connect(ctx context.Context) (*Endpoint, error) {
	for _, url := range p.urls {
		if url == "" {
			continue
		}

		client, err := p.dial(ctx, url)
		if err != nil {
			p.failover(url, err)
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		_, err = client.BlockNumber(probeCtx)
		cancel()
		if err != nil {
			client.Close()
			p.failover(url, err)
			continue
		}

		p.logger.Debug("rpc endpoint connected", "network", p.network.Name, "url", url)
		return &Endpoint{Client: client, Network: p.network, URL: url}, nil
	}
	return nil, fmt.Errorf("%w: network %s", ErrNoLiveEndpoint, p.network.Name)
}

func (p *Pool) failover(url string, err error) {
	metrics.RPCFailoversTotal.WithLabelValues(p.network.Name).Inc()
	p.logger.Warn("rpc endpoint unavailable, failing over",
		"network", p.network.Name, "url", url, "error", err)
}

// Healthy reports whether the endpoint still answers a liveness probe.
func (e *Endpoint) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := e.Client.BlockNumber(ctx)
	return err == nil
}

// Close releases the underlying connection.
func (e *Endpoint) Close() {
	e.Client.Close()
}

// GasFees is the fee strategy for one transaction. Dynamic fees are used on
// networks whose latest block carries a base fee; everything else falls back
// to a legacy gas price.
type GasFees struct {
	Dynamic   bool
	GasPrice  *big.Int // Legacy
	GasFeeCap *big.Int // Dynamic: base fee * 1.2 + tip
	GasTipCap *big.Int
}

// SuggestFees inspects the chain head and picks the fee model.
func SuggestFees(ctx context.Context, c Client) (*GasFees, error) {
	head, err := c.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch head: %w", err)
	}

	if head.BaseFee != nil {
		tip, err := c.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain: suggest tip: %w", err)
		}
		feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(120))
		feeCap.Div(feeCap, big.NewInt(100))
		feeCap.Add(feeCap, tip)
		return &GasFees{Dynamic: true, GasFeeCap: feeCap, GasTipCap: tip}, nil
	}

	price, err := c.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas price: %w", err)
	}
	return &GasFees{GasPrice: price}, nil
}
