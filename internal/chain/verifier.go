package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/treasury-sentinel/internal/retry"
	"github.com/mbd888/treasury-sentinel/internal/store"
	"github.com/mbd888/treasury-sentinel/internal/usdc"
)

// ERC-20 Transfer event signature.
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Rejection reasons reported on VerificationResult.
const (
	ReasonReceiptNotFound      = "receipt_not_found"
	ReasonTxFailed             = "tx_failed"
	ReasonNoMatchingTransfer   = "no_matching_transfer"
	ReasonAmountBelowInvoice   = "amount_below_invoice"
	ReasonSenderMismatch       = "sender_mismatch"
	ReasonInsufficientConfirms = "insufficient_confirmations"
	ReasonTxAlreadyUsed        = "tx_already_used"
	ReasonRPCUnavailable       = "rpc_unavailable"
)

// ErrWatchTimeout is returned by Watch when no matching transfer
// appears before the deadline.
var ErrWatchTimeout = errors.New("chain: watch timed out")

// RPCVerifier abstracts the subset of ethclient the verifier needs.
type RPCVerifier interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// ConsumedTxStore persists the consumed-transaction set. IsTxConsumed
// reports the invoice a hash is bound to, so a restarted verifier can
// replay its own settlement instead of rejecting it.
type ConsumedTxStore interface {
	ConsumeTx(ctx context.Context, txHash, invoiceID string) error
	IsTxConsumed(ctx context.Context, txHash string) (string, bool, error)
}

// VerificationResult reports the outcome of a settlement check.
type VerificationResult struct {
	Verified      bool
	Amount        usdc.Micro
	Sender        common.Address
	Block         uint64
	Confirmations uint64
	Reason        string // set when not verified
}

// VerifyRequest asks whether a tx settles an invoice.
type VerifyRequest struct {
	TxHash         common.Hash
	InvoiceID      string
	MinAmount      usdc.Micro
	ExpectedSender *common.Address // nil = any sender
}

// WatchRequest scans for an inbound settlement transfer.
type WatchRequest struct {
	InvoiceID string
	MinAmount usdc.Micro
	Sender    common.Address // the paying wallet
	Deadline  time.Time
}

// VerifierConfig configures the settlement verifier.
type VerifierConfig struct {
	RPCURL        string
	USDCContract  common.Address
	Recipient     common.Address // gateway payment address
	Confirmations uint64         // minimum confirmations, default 3
	PollInterval  time.Duration  // watch poll cadence, default 5s
	ScanBlocks    uint64         // watch lookback window, default 50
}

// VerifierOption configures the verifier.
type VerifierOption func(*Verifier)

// WithVerifierClient sets a custom RPC client (useful for testing).
func WithVerifierClient(client RPCVerifier) VerifierOption {
	return func(v *Verifier) {
		v.client = client
	}
}

// Verifier confirms USDC settlements on Base and enforces one-invoice-
// per-transaction via the persisted consumed-tx set.
type Verifier struct {
	client        RPCVerifier
	usdcContract  common.Address
	recipient     common.Address
	confirmations uint64
	pollInterval  time.Duration
	scanBlocks    uint64
	txs           ConsumedTxStore

	// In-memory mirror of the consumed set; the store stays authoritative.
	mu       sync.Mutex
	consumed map[string]string // tx hash -> invoice id
}

// NewVerifier creates a settlement verifier.
func NewVerifier(cfg VerifierConfig, txs ConsumedTxStore, opts ...VerifierOption) (*Verifier, error) {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 3
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ScanBlocks == 0 {
		cfg.ScanBlocks = 50
	}

	v := &Verifier{
		usdcContract:  cfg.USDCContract,
		recipient:     cfg.Recipient,
		confirmations: cfg.Confirmations,
		pollInterval:  cfg.PollInterval,
		scanBlocks:    cfg.ScanBlocks,
		txs:           txs,
		consumed:      make(map[string]string),
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("verifier: dial rpc: %w", err)
		}
		v.client = client
	}

	return v, nil
}

// Verify checks that the transaction settles at least MinAmount of USDC
// to the configured recipient with enough confirmations, and binds the
// hash to the invoice. Network errors surface as reason
// "rpc_unavailable"; the verifier never propagates a panic or crashes
// the run.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) *VerificationResult {
	hashHex := strings.ToLower(req.TxHash.Hex())

	if used, invoiceID := v.isConsumed(ctx, hashHex); used && invoiceID != req.InvoiceID {
		return &VerificationResult{Reason: ReasonTxAlreadyUsed}
	}

	var receipt *types.Receipt
	err := retry.Do(ctx, retry.ChainRPC, func() error {
		var err error
		receipt, err = v.client.TransactionReceipt(ctx, req.TxHash)
		if errors.Is(err, ethereum.NotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return &VerificationResult{Reason: ReasonReceiptNotFound}
	}
	if err != nil {
		return &VerificationResult{Reason: ReasonRPCUnavailable}
	}

	if receipt.Status == 0 {
		return &VerificationResult{Reason: ReasonTxFailed}
	}

	// Find a USDC Transfer log to the recipient.
	var (
		found  bool
		amount usdc.Micro
		sender common.Address
	)
	for _, lg := range receipt.Logs {
		if lg.Address != v.usdcContract {
			continue
		}
		if len(lg.Topics) < 3 || lg.Topics[0] != transferEventSig {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		if to != v.recipient {
			continue
		}
		value, ok := usdc.FromBigInt(new(big.Int).SetBytes(lg.Data))
		if !ok {
			continue
		}
		found = true
		amount = value
		sender = common.BytesToAddress(lg.Topics[1].Bytes())
		break
	}
	if !found {
		return &VerificationResult{Reason: ReasonNoMatchingTransfer}
	}

	res := &VerificationResult{
		Amount: amount,
		Sender: sender,
		Block:  receipt.BlockNumber.Uint64(),
	}

	if amount < req.MinAmount {
		res.Reason = ReasonAmountBelowInvoice
		return res
	}
	if req.ExpectedSender != nil && sender != *req.ExpectedSender {
		res.Reason = ReasonSenderMismatch
		return res
	}

	var head uint64
	err = retry.Do(ctx, retry.ChainRPC, func() error {
		var err error
		head, err = v.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		res.Reason = ReasonRPCUnavailable
		return res
	}

	confs := uint64(0)
	if head >= res.Block {
		confs = head - res.Block
	}
	res.Confirmations = confs
	if confs < v.confirmations {
		res.Reason = ReasonInsufficientConfirms
		return res
	}

	// Bind the hash to this invoice. The store's unique constraint is
	// the authority; a lost race surfaces as tx_already_used.
	if err := v.consume(ctx, hashHex, req.InvoiceID); err != nil {
		if errors.Is(err, store.ErrTxAlreadyUsed) {
			if _, boundTo := v.isConsumed(ctx, hashHex); boundTo != req.InvoiceID {
				res.Reason = ReasonTxAlreadyUsed
				return res
			}
		} else {
			res.Reason = ReasonRPCUnavailable
			return res
		}
	}

	res.Verified = true
	return res
}

// Watch long-polls recent Transfer logs for an inbound settlement
// matching the request, then verifies it. Returns ErrWatchTimeout when
// the deadline passes without a verified match.
func (v *Verifier) Watch(ctx context.Context, req WatchRequest) (*VerificationResult, common.Hash, error) {
	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	for {
		if !req.Deadline.IsZero() && time.Now().After(req.Deadline) {
			return nil, common.Hash{}, ErrWatchTimeout
		}

		hash, err := v.scanOnce(ctx, req)
		if err == nil && hash != (common.Hash{}) {
			res := v.Verify(ctx, VerifyRequest{
				TxHash:         hash,
				InvoiceID:      req.InvoiceID,
				MinAmount:      req.MinAmount,
				ExpectedSender: &req.Sender,
			})
			if res.Verified {
				return res, hash, nil
			}
			// Not yet confirmed (or consumed by someone else): keep polling
			// until the deadline.
		}

		select {
		case <-ctx.Done():
			return nil, common.Hash{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// scanOnce filters the last scanBlocks blocks for a matching transfer.
func (v *Verifier) scanOnce(ctx context.Context, req WatchRequest) (common.Hash, error) {
	var head uint64
	err := retry.Do(ctx, retry.ChainRPC, func() error {
		var err error
		head, err = v.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: block number: %v", ErrRPCUnavailable, err)
	}

	from := uint64(0)
	if head > v.scanBlocks {
		from = head - v.scanBlocks
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{v.usdcContract},
		Topics: [][]common.Hash{
			{transferEventSig},
			{common.BytesToHash(req.Sender.Bytes())},
			{common.BytesToHash(v.recipient.Bytes())},
		},
	}

	var logs []types.Log
	err = retry.Do(ctx, retry.ChainRPC, func() error {
		var err error
		logs, err = v.client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: filter logs: %v", ErrRPCUnavailable, err)
	}

	for _, lg := range logs {
		value, ok := usdc.FromBigInt(new(big.Int).SetBytes(lg.Data))
		if !ok || value < req.MinAmount {
			continue
		}
		hashHex := strings.ToLower(lg.TxHash.Hex())
		if used, boundTo := v.isConsumed(ctx, hashHex); used && boundTo != req.InvoiceID {
			continue
		}
		return lg.TxHash, nil
	}

	return common.Hash{}, nil
}

func (v *Verifier) isConsumed(ctx context.Context, hashHex string) (bool, string) {
	v.mu.Lock()
	if invoiceID, ok := v.consumed[hashHex]; ok {
		v.mu.Unlock()
		return true, invoiceID
	}
	v.mu.Unlock()

	invoiceID, used, err := v.txs.IsTxConsumed(ctx, hashHex)
	if err != nil {
		// Fall back to the in-memory view; the unique constraint still
		// protects the consume path.
		return false, ""
	}
	if used {
		v.mu.Lock()
		v.consumed[hashHex] = invoiceID
		v.mu.Unlock()
	}
	return used, invoiceID
}

func (v *Verifier) consume(ctx context.Context, hashHex, invoiceID string) error {
	if err := v.txs.ConsumeTx(ctx, hashHex, invoiceID); err != nil {
		return err
	}
	v.mu.Lock()
	v.consumed[hashHex] = invoiceID
	v.mu.Unlock()
	return nil
}

// Close closes the underlying RPC client.
func (v *Verifier) Close() {
	if v.client != nil {
		v.client.Close()
	}
}
