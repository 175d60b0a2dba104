// Package chain reads EVM state for the sentinel: treasury balances
// across monitored chains, and USDC settlement verification on Base.
//
// All RPC calls go through bounded exponential backoff (retry.ChainRPC);
// after exhaustion the error propagates to the caller as a run-level
// failure, never a crash.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/treasury-sentinel/internal/metrics"
	"github.com/mbd888/treasury-sentinel/internal/retry"
	"github.com/mbd888/treasury-sentinel/internal/store"
)

var ErrRPCUnavailable = errors.New("chain: rpc unavailable")

// ERC20 read-only ABI: balanceOf, decimals, symbol.
const erc20ReadABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"}
]`

// RPCReader abstracts the subset of ethclient the reader needs.
type RPCReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// tokenMeta caches immutable ERC-20 metadata per token.
type tokenMeta struct {
	symbol   string
	decimals uint8
}

// Reader snapshots one chain's treasury balances.
type Reader struct {
	chainID  int64
	treasury common.Address
	tokens   []common.Address
	client   RPCReader
	abi      abi.ABI

	mu   sync.Mutex
	meta map[common.Address]tokenMeta
}

// ReaderConfig describes one monitored treasury.
type ReaderConfig struct {
	ChainID  int64
	RPCURL   string
	Treasury common.Address
	Tokens   []common.Address
}

// ReaderOption configures the reader.
type ReaderOption func(*Reader)

// WithReaderClient sets a custom RPC client (useful for testing).
func WithReaderClient(client RPCReader) ReaderOption {
	return func(r *Reader) {
		r.client = client
	}
}

// NewReader creates a balance reader for one chain.
func NewReader(cfg ReaderConfig, opts ...ReaderOption) (*Reader, error) {
	parsedABI, err := abi.JSON(strings.NewReader(erc20ReadABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	r := &Reader{
		chainID:  cfg.ChainID,
		treasury: cfg.Treasury,
		tokens:   cfg.Tokens,
		abi:      parsedABI,
		meta:     make(map[common.Address]tokenMeta),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chain %d: dial rpc: %w", cfg.ChainID, err)
		}
		r.client = client
	}

	return r, nil
}

// ChainID returns the chain this reader monitors.
func (r *Reader) ChainID() int64 { return r.chainID }

// Treasury returns the monitored wallet address.
func (r *Reader) Treasury() common.Address { return r.treasury }

// Snapshot reads the native balance and every tracked token balance at
// the current head block.
func (r *Reader) Snapshot(ctx context.Context) (*store.Snapshot, error) {
	var block uint64
	err := retry.Do(ctx, retry.ChainRPC, func() error {
		var err error
		block, err = r.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		metrics.ChainRPCErrorsTotal.WithLabelValues(strconv.FormatInt(r.chainID, 10)).Inc()
		return nil, fmt.Errorf("%w: chain %d block number: %v", ErrRPCUnavailable, r.chainID, err)
	}

	balances := make([]store.TokenBalance, 0, len(r.tokens)+1)

	// Native balance first.
	var native *big.Int
	err = retry.Do(ctx, retry.ChainRPC, func() error {
		var err error
		native, err = r.client.BalanceAt(ctx, r.treasury, nil)
		return err
	})
	if err != nil {
		metrics.ChainRPCErrorsTotal.WithLabelValues(strconv.FormatInt(r.chainID, 10)).Inc()
		return nil, fmt.Errorf("%w: chain %d native balance: %v", ErrRPCUnavailable, r.chainID, err)
	}
	balances = append(balances, store.TokenBalance{
		Token:      "native",
		Symbol:     "ETH",
		Decimals:   18,
		RawBalance: native.String(),
	})

	for _, token := range r.tokens {
		bal, err := r.tokenBalance(ctx, token)
		if err != nil {
			metrics.ChainRPCErrorsTotal.WithLabelValues(strconv.FormatInt(r.chainID, 10)).Inc()
			return nil, err
		}
		balances = append(balances, bal)
	}

	return &store.Snapshot{
		ChainID:     r.chainID,
		Wallet:      strings.ToLower(r.treasury.Hex()),
		BlockNumber: block,
		Timestamp:   time.Now().UTC(),
		Balances:    balances,
	}, nil
}

func (r *Reader) tokenBalance(ctx context.Context, token common.Address) (store.TokenBalance, error) {
	meta, err := r.tokenMeta(ctx, token)
	if err != nil {
		return store.TokenBalance{}, err
	}

	data, err := r.abi.Pack("balanceOf", r.treasury)
	if err != nil {
		return store.TokenBalance{}, fmt.Errorf("pack balanceOf: %w", err)
	}

	var raw []byte
	err = retry.Do(ctx, retry.ChainRPC, func() error {
		var err error
		raw, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return err
	})
	if err != nil {
		return store.TokenBalance{}, fmt.Errorf("%w: chain %d balanceOf %s: %v",
			ErrRPCUnavailable, r.chainID, token.Hex(), err)
	}

	balance := new(big.Int).SetBytes(raw)
	return store.TokenBalance{
		Token:      strings.ToLower(token.Hex()),
		Symbol:     meta.symbol,
		Decimals:   meta.decimals,
		RawBalance: balance.String(),
	}, nil
}

// tokenMeta reads and caches symbol/decimals. Both are immutable for an
// ERC-20, so the first successful read is cached for the process.
func (r *Reader) tokenMeta(ctx context.Context, token common.Address) (tokenMeta, error) {
	r.mu.Lock()
	if m, ok := r.meta[token]; ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	m := tokenMeta{symbol: "UNKNOWN", decimals: 18}

	if data, err := r.abi.Pack("decimals"); err == nil {
		var raw []byte
		err = retry.Do(ctx, retry.ChainRPC, func() error {
			var err error
			raw, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
			return err
		})
		if err != nil {
			return tokenMeta{}, fmt.Errorf("%w: chain %d decimals %s: %v",
				ErrRPCUnavailable, r.chainID, token.Hex(), err)
		}
		var out []interface{}
		if out, err = r.abi.Unpack("decimals", raw); err == nil && len(out) == 1 {
			if d, ok := out[0].(uint8); ok {
				m.decimals = d
			}
		}
	}

	if data, err := r.abi.Pack("symbol"); err == nil {
		var raw []byte
		err = retry.Do(ctx, retry.ChainRPC, func() error {
			var err error
			raw, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
			return err
		})
		if err != nil {
			return tokenMeta{}, fmt.Errorf("%w: chain %d symbol %s: %v",
				ErrRPCUnavailable, r.chainID, token.Hex(), err)
		}
		var out []interface{}
		if out, err = r.abi.Unpack("symbol", raw); err == nil && len(out) == 1 {
			if s, ok := out[0].(string); ok && s != "" {
				m.symbol = s
			}
		}
	}

	r.mu.Lock()
	r.meta[token] = m
	r.mu.Unlock()
	return m, nil
}

// Close closes the underlying RPC client.
func (r *Reader) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
