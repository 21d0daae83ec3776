// Package settlement executes approved transfers on chain.
//
// A settlement walks one path: build, sign, broadcast, confirm. Failures
// before broadcast are reported as errors and leave nothing on chain, so the
// caller can safely retry the whole settlement later. Once a transaction is
// broadcast its hash is never lost: the confirmation phase always reports an
// outcome (CONFIRMED, FAILED, or TIMED_OUT) carrying the hash.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fubapay/fubapay/internal/chain"
	"github.com/fubapay/fubapay/internal/metrics"
	"github.com/fubapay/fubapay/internal/retry"
	"github.com/fubapay/fubapay/internal/token"
)

var (
	ErrInvalidPrivateKey = errors.New("settlement: invalid private key")
	ErrInvalidAddress    = errors.New("settlement: invalid recipient address")
	ErrInvalidAmount     = errors.New("settlement: invalid amount")
	ErrReverted          = errors.New("settlement: transaction reverted on chain")
)

// SettleError wraps a settlement failure with the operation and, when the
// transaction made it on chain, its hash.
type SettleError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *SettleError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("settlement: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("settlement: %s failed: %v", e.Op, e.Err)
}

func (e *SettleError) Unwrap() error { return e.Err }

// Outcome is the terminal result of a broadcast settlement.
type Outcome string

const (
	// OutcomeBroadcast marks a receipt from the broadcast phase: the
	// transaction is on its way but has no terminal outcome yet.
	OutcomeBroadcast Outcome = "BROADCAST"

	OutcomeConfirmed Outcome = "CONFIRMED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeTimedOut  Outcome = "TIMED_OUT"
)

// Defaults.
const (
	DefaultGasLimit          = uint64(100000)
	DefaultMinConfirmations  = 3
	DefaultPollInterval      = 4 * time.Second
	DefaultConfirmTimeout    = 90 * time.Second
	DefaultBroadcastAttempts = 3
	defaultBroadcastDelay    = 2 * time.Second
)

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// Receipt is the result of one settlement. TxHash and ExplorerURL are set
// for every outcome, including timeouts.
type Receipt struct {
	TxHash        string  `json:"txHash"`
	Network       string  `json:"network"`
	Outcome       Outcome `json:"outcome"`
	BlockNumber   uint64  `json:"blockNumber,omitempty"`
	Confirmations int     `json:"confirmations"`
	GasUsed       uint64  `json:"gasUsed,omitempty"`
	GasFee        string  `json:"gasFee,omitempty"` // Native units
	ExplorerURL   string  `json:"explorerUrl"`
}

// Config tunes the settlement engine.
type Config struct {
	PrivateKey        string // Hex, with or without 0x prefix
	MinConfirmations  int
	PollInterval      time.Duration
	ConfirmTimeout    time.Duration
	BroadcastAttempts int
	BroadcastDelay    time.Duration
}

// Engine settles ERC-20 transfers on one network.
type Engine struct {
	network chain.Network
	pool    *chain.Pool
	key     *ecdsa.PrivateKey
	from    common.Address
	abi     abi.ABI

	minConfirmations  int
	pollInterval      time.Duration
	confirmTimeout    time.Duration
	broadcastAttempts int
	broadcastDelay    time.Duration

	logger *slog.Logger
}

// New creates a settlement engine for the given network and endpoint pool.
func New(network chain.Network, pool *chain.Pool, cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	keyHex := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("settlement: parse erc20 abi: %w", err)
	}

	e := &Engine{
		network:           network,
		pool:              pool,
		key:               key,
		from:              crypto.PubkeyToAddress(key.PublicKey),
		abi:               parsedABI,
		minConfirmations:  cfg.MinConfirmations,
		pollInterval:      cfg.PollInterval,
		confirmTimeout:    cfg.ConfirmTimeout,
		broadcastAttempts: cfg.BroadcastAttempts,
		broadcastDelay:    cfg.BroadcastDelay,
		logger:            logger,
	}
	if e.minConfirmations <= 0 {
		e.minConfirmations = DefaultMinConfirmations
	}
	if e.pollInterval <= 0 {
		e.pollInterval = DefaultPollInterval
	}
	if e.confirmTimeout <= 0 {
		e.confirmTimeout = DefaultConfirmTimeout
	}
	if e.broadcastAttempts <= 0 {
		e.broadcastAttempts = DefaultBroadcastAttempts
	}
	if e.broadcastDelay <= 0 {
		e.broadcastDelay = defaultBroadcastDelay
	}
	return e, nil
}

// From returns the settlement wallet address.
func (e *Engine) From() string {
	return e.from.Hex()
}

// Network returns the network this engine settles on.
func (e *Engine) Network() chain.Network {
	return e.network
}

// Settle transfers amount (a decimal token string) to the recipient and
// waits for confirmations. An error return means nothing reached the chain;
// once broadcast succeeds the result is always a Receipt. Callers that need
// the hash durable before the confirmation wait should run Broadcast and
// Confirm themselves.
func (e *Engine) Settle(ctx context.Context, to string, amount string) (*Receipt, error) {
	rec, err := e.Broadcast(ctx, to, amount)
	if err != nil {
		return nil, err
	}
	return e.Confirm(ctx, rec.TxHash), nil
}

// Broadcast builds, signs, and pushes the transfer. The returned receipt
// carries the hash and explorer URL with outcome BROADCAST; an error means
// nothing reached the chain.
func (e *Engine) Broadcast(ctx context.Context, to string, amount string) (*Receipt, error) {
	if !chain.ValidAddress(to) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}
	units, ok := token.ToUnits(amount, chain.USDCDecimals)
	if !ok || units.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	ep, err := e.pool.Connect(ctx)
	if err != nil {
		return nil, err
	}

	signed, err := e.buildAndSign(ctx, ep.Client, common.HexToAddress(to), units)
	if err != nil {
		return nil, err
	}

	if err := e.broadcast(ctx, ep.Client, signed); err != nil {
		return nil, err
	}

	hash := signed.Hash().Hex()
	return &Receipt{
		TxHash:      hash,
		Network:     e.network.Name,
		Outcome:     OutcomeBroadcast,
		ExplorerURL: e.network.ExplorerTxURL(hash),
	}, nil
}

// Confirm waits for a broadcast transaction to reach its confirmation depth.
// It never errors; when the chain cannot be watched the receipt reports
// TIMED_OUT and a later Status call picks the settlement back up.
func (e *Engine) Confirm(ctx context.Context, txHash string) *Receipt {
	hash := common.HexToHash(txHash)

	ep, err := e.pool.Connect(ctx)
	if err != nil {
		e.logger.Warn("confirmation deferred, no live endpoint", "tx_hash", hash.Hex())
		return &Receipt{
			TxHash:      hash.Hex(),
			Network:     e.network.Name,
			Outcome:     OutcomeTimedOut,
			ExplorerURL: e.network.ExplorerTxURL(hash.Hex()),
		}
	}

	start := time.Now()
	receipt := e.confirm(ctx, ep.Client, hash)
	metrics.SettlementsTotal.WithLabelValues(string(receipt.Outcome)).Inc()
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())

	e.logger.Info("settlement finished",
		"network", e.network.Name,
		"tx_hash", receipt.TxHash,
		"outcome", receipt.Outcome,
		"confirmations", receipt.Confirmations,
	)
	return receipt
}

// buildAndSign assembles the ERC-20 transfer and signs it. Dynamic fees are
// used when the chain head advertises a base fee, legacy pricing otherwise.
func (e *Engine) buildAndSign(ctx context.Context, c chain.Client, to common.Address, units *big.Int) (*types.Transaction, error) {
	calldata, err := e.abi.Pack("transfer", to, units)
	if err != nil {
		return nil, &SettleError{Op: "pack", Err: err}
	}

	nonce, err := c.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, &SettleError{Op: "nonce", Err: err}
	}

	fees, err := chain.SuggestFees(ctx, c)
	if err != nil {
		return nil, &SettleError{Op: "gas_fees", Err: err}
	}

	gasLimit, err := c.EstimateGas(ctx, ethereum.CallMsg{
		From: e.from,
		To:   &e.network.USDCContract,
		Data: calldata,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	var inner types.TxData
	if fees.Dynamic {
		inner = &types.DynamicFeeTx{
			ChainID:   big.NewInt(e.network.ChainID),
			Nonce:     nonce,
			To:        &e.network.USDCContract,
			Gas:       gasLimit,
			GasFeeCap: fees.GasFeeCap,
			GasTipCap: fees.GasTipCap,
			Data:      calldata,
		}
	} else {
		inner = &types.LegacyTx{
			Nonce:    nonce,
			To:       &e.network.USDCContract,
			Gas:      gasLimit,
			GasPrice: fees.GasPrice,
			Data:     calldata,
		}
	}

	signer := types.LatestSignerForChainID(big.NewInt(e.network.ChainID))
	signed, err := types.SignNewTx(e.key, signer, inner)
	if err != nil {
		return nil, &SettleError{Op: "sign", Err: err}
	}
	return signed, nil
}

// broadcast pushes the signed transaction with bounded retries. Context
// cancellation and an already-known transaction both stop the retry loop.
func (e *Engine) broadcast(ctx context.Context, c chain.Client, signed *types.Transaction) error {
	hash := signed.Hash().Hex()

	err := retry.Do(ctx, e.broadcastAttempts, e.broadcastDelay, func() error {
		sendErr := c.SendTransaction(ctx, signed)
		if sendErr == nil {
			return nil
		}
		// The node already has it from an earlier attempt; that is success.
		if strings.Contains(sendErr.Error(), "already known") {
			return nil
		}
		e.logger.Warn("broadcast attempt failed", "tx_hash", hash, "error", sendErr)
		return sendErr
	})
	if err != nil {
		return &SettleError{Op: "broadcast", TxHash: hash, Err: err}
	}
	return nil
}

// confirm polls for the receipt until the transaction accumulates enough
// confirmations, reverts, or the timeout elapses. Always returns a Receipt.
func (e *Engine) confirm(ctx context.Context, c chain.Client, hash common.Hash) *Receipt {
	out := &Receipt{
		TxHash:      hash.Hex(),
		Network:     e.network.Name,
		ExplorerURL: e.network.ExplorerTxURL(hash.Hex()),
	}

	ctx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			out.Outcome = OutcomeTimedOut
			return out

		case <-ticker.C:
			receipt, err := c.TransactionReceipt(ctx, hash)
			if err != nil || receipt == nil {
				continue // not mined yet
			}

			head, err := c.BlockNumber(ctx)
			if err != nil {
				continue
			}

			out.BlockNumber = receipt.BlockNumber.Uint64()
			out.Confirmations = int(head - out.BlockNumber + 1)
			out.GasUsed = receipt.GasUsed
			if receipt.EffectiveGasPrice != nil {
				fee := new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
				out.GasFee = token.FromUnits(fee, 18)
			}

			if receipt.Status == types.ReceiptStatusFailed {
				out.Outcome = OutcomeFailed
				return out
			}
			if out.Confirmations >= e.minConfirmations {
				out.Outcome = OutcomeConfirmed
				return out
			}
		}
	}
}

// Status checks a previously broadcast transaction without waiting. Used to
// resolve TIMED_OUT settlements after the fact.
func (e *Engine) Status(ctx context.Context, txHash string) (*Receipt, error) {
	ep, err := e.pool.Connect(ctx)
	if err != nil {
		return nil, err
	}

	hash := common.HexToHash(txHash)
	out := &Receipt{
		TxHash:      hash.Hex(),
		Network:     e.network.Name,
		ExplorerURL: e.network.ExplorerTxURL(hash.Hex()),
	}

	receipt, err := ep.Client.TransactionReceipt(ctx, hash)
	if err != nil || receipt == nil {
		out.Outcome = OutcomeTimedOut // still pending
		return out, nil
	}

	head, err := ep.Client.BlockNumber(ctx)
	if err != nil {
		return nil, &SettleError{Op: "status", TxHash: out.TxHash, Err: err}
	}

	out.BlockNumber = receipt.BlockNumber.Uint64()
	out.Confirmations = int(head - out.BlockNumber + 1)
	out.GasUsed = receipt.GasUsed

	switch {
	case receipt.Status == types.ReceiptStatusFailed:
		out.Outcome = OutcomeFailed
	case out.Confirmations >= e.minConfirmations:
		out.Outcome = OutcomeConfirmed
	default:
		out.Outcome = OutcomeTimedOut
	}
	return out, nil
}

// BalanceOf reads the token balance of an address, as a decimal string.
func (e *Engine) BalanceOf(ctx context.Context, address string) (string, error) {
	if !chain.ValidAddress(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	ep, err := e.pool.Connect(ctx)
	if err != nil {
		return "", err
	}

	calldata, err := e.abi.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return "", &SettleError{Op: "pack", Err: err}
	}

	raw, err := ep.Client.CallContract(ctx, ethereum.CallMsg{
		To:   &e.network.USDCContract,
		Data: calldata,
	}, nil)
	if err != nil {
		return "", &SettleError{Op: "balance", Err: err}
	}

	return token.FromUnits(new(big.Int).SetBytes(raw), chain.USDCDecimals), nil
}
