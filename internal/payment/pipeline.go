// Package payment drives the HTTP 402 purchase flow: request, invoice,
// budget reservation, on-chain settlement, verification, and the
// retried request carrying the receipt.
package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/chain"
	"github.com/mbd888/treasury-sentinel/internal/idgen"
	"github.com/mbd888/treasury-sentinel/internal/metrics"
	"github.com/mbd888/treasury-sentinel/internal/store"
	"github.com/mbd888/treasury-sentinel/internal/usdc"
	"github.com/mbd888/treasury-sentinel/internal/wallet"
	"github.com/mbd888/treasury-sentinel/pkg/x402"
)

// ErrorKind classifies pipeline failures for the caller's routing
// decisions (release vs. redirect vs. surface).
type ErrorKind string

const (
	KindBudgetBlocked       ErrorKind = "budget_blocked"
	KindInvoiceExpired      ErrorKind = "invoice_expired"
	KindVerificationTimeout ErrorKind = "verification_timeout"
	KindSettlementFailed    ErrorKind = "settlement_failed"
	KindUpstreamError       ErrorKind = "upstream_error"
)

// PipelineError is a classified pipeline failure.
type PipelineError struct {
	Kind      ErrorKind
	InvoiceID string
	Err       error
}

func (e *PipelineError) Error() string {
	if e.InvoiceID != "" {
		return fmt.Sprintf("payment: %s (invoice %s): %v", e.Kind, e.InvoiceID, e.Err)
	}
	return fmt.Sprintf("payment: %s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// KindOf extracts the pipeline error kind, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Budget is the slice of the ledger the pipeline needs.
type Budget interface {
	Reserve(amount usdc.Micro) (*budget.Reservation, error)
	Commit(r *budget.Reservation) error
	Release(r *budget.Reservation) error
}

// Verifier confirms on-chain settlement of an invoice.
type Verifier interface {
	Verify(ctx context.Context, req chain.VerifyRequest) *chain.VerificationResult
}

// Receipt is the client-side record of a verified settlement.
type Receipt struct {
	InvoiceID     string
	TxHash        common.Hash
	Sender        common.Address
	Amount        usdc.Micro
	Block         uint64
	Confirmations uint64
	VerifiedAt    time.Time
}

// Result is a completed purchase: the data payload plus what it cost.
type Result struct {
	Body      []byte
	Paid      bool
	PaymentID string
	// Cost is the spend the ledger committed for this call: the invoice
	// amount, or zero for free responses and replayed invoices.
	// Receipt.Amount is what moved on-chain and may exceed it.
	Cost    usdc.Micro
	Receipt *Receipt
}

// invoiceRecord tracks one invoice through its lifecycle for
// idempotent replays.
type invoiceRecord struct {
	status  x402.InvoiceStatus
	receipt *Receipt
}

// Config tunes the pipeline.
type Config struct {
	SettlementPoll time.Duration // default 5s
	InvoiceTTL     time.Duration // client-side ceiling on invoice deadlines, default 15m
	RequestTimeout time.Duration // per-HTTP-request timeout, default 30s
}

// Pipeline executes 402 purchases against a gateway.
type Pipeline struct {
	http     *http.Client
	payer    wallet.Payer
	verifier Verifier
	budget   Budget
	store    store.Store
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	invoices map[string]*invoiceRecord
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithHTTPClient overrides the HTTP client (tests use the gateway's).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) { p.http = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a payment pipeline.
func New(payer wallet.Payer, verifier Verifier, bud Budget, st store.Store, cfg Config, logger *slog.Logger, opts ...Option) *Pipeline {
	if cfg.SettlementPoll <= 0 {
		cfg.SettlementPoll = 5 * time.Second
	}
	if cfg.InvoiceTTL <= 0 {
		cfg.InvoiceTTL = 15 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	p := &Pipeline{
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		payer:    payer,
		verifier: verifier,
		budget:   bud,
		store:    st,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		invoices: make(map[string]*invoiceRecord),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch requests url; when the gateway answers 402 it pays the invoice
// and retries with the receipt. A 200 on the first attempt costs
// nothing. endpoint names the data product for payment rows and
// metrics; runID attributes spend to the active run.
func (p *Pipeline) Fetch(ctx context.Context, runID, endpoint, url string) (*Result, error) {
	resp, err := p.send(ctx, url, common.Hash{})
	if err != nil {
		return nil, p.fail(endpoint, &PipelineError{Kind: KindUpstreamError, Err: err})
	}
	defer resp.Body.Close()

	if !x402.Is402(resp) {
		if resp.StatusCode != http.StatusOK {
			return nil, p.fail(endpoint, &PipelineError{Kind: KindUpstreamError, Err: fmt.Errorf("gateway status %d", resp.StatusCode)})
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, p.fail(endpoint, &PipelineError{Kind: KindUpstreamError, Err: err})
		}
		return &Result{Body: body}, nil
	}

	inv, err := x402.ParseInvoice(resp)
	if err != nil {
		// Malformed invoice: nothing was reserved.
		return nil, p.fail(endpoint, &PipelineError{Kind: KindUpstreamError, Err: err})
	}

	receipt, paymentID, err := p.settle(ctx, runID, endpoint, inv)
	if err != nil {
		return nil, p.fail(endpoint, err)
	}

	body, err := p.redeem(ctx, url, receipt.TxHash)
	if err != nil {
		// The spend stands; only the redemption failed.
		return nil, p.fail(endpoint, &PipelineError{Kind: KindUpstreamError, InvoiceID: inv.ID, Err: err})
	}

	metrics.PaymentsTotal.WithLabelValues(endpoint, "confirmed").Inc()
	result := &Result{Body: body, Paid: true, PaymentID: paymentID, Receipt: receipt}
	if paymentID != "" {
		// A replayed invoice (empty payment id) committed nothing new.
		result.Cost = inv.Amount
	}
	return result, nil
}

// settle pays one invoice: reserve, submit, wait for verification,
// commit. Replaying an already-verified invoice returns the recorded
// receipt without new spend.
func (p *Pipeline) settle(ctx context.Context, runID, endpoint string, inv *x402.Invoice) (*Receipt, string, error) {
	if rec := p.lookup(inv.ID); rec != nil && rec.status == x402.InvoiceVerified {
		p.logger.Debug("invoice replay, reusing receipt", "invoice_id", inv.ID)
		return rec.receipt, "", nil
	}

	now := p.now()
	deadline := inv.ExpiresAt
	if ceiling := now.Add(p.cfg.InvoiceTTL); deadline.After(ceiling) {
		deadline = ceiling
	}
	if inv.Expired(now) {
		return nil, "", &PipelineError{Kind: KindInvoiceExpired, InvoiceID: inv.ID, Err: fmt.Errorf("invoice expired at %s", inv.ExpiresAt.Format(time.RFC3339))}
	}

	pay := &store.Payment{
		ID:        idgen.WithPrefix("pay"),
		RunID:     runID,
		Endpoint:  endpoint,
		Amount:    inv.Amount,
		Status:    store.PaymentPending,
		CreatedAt: now,
	}

	res, err := p.budget.Reserve(inv.Amount)
	if err != nil {
		// The refused attempt still leaves an audit row.
		pay.Status = store.PaymentFailed
		if ierr := p.store.InsertPayment(ctx, pay); ierr != nil {
			p.logger.Warn("persist refused payment failed", "payment_id", pay.ID, "err", ierr)
		}
		p.track(inv.ID, x402.InvoiceFailed, nil)
		return nil, "", &PipelineError{Kind: KindBudgetBlocked, InvoiceID: inv.ID, Err: err}
	}
	p.track(inv.ID, x402.InvoicePending, nil)

	if err := p.store.InsertPayment(ctx, pay); err != nil {
		p.release(res)
		return nil, "", &PipelineError{Kind: KindSettlementFailed, InvoiceID: inv.ID, Err: fmt.Errorf("persist payment: %w", err)}
	}

	transfer, err := p.payer.Pay(ctx, inv.PaymentAddress, inv.Amount)
	if err != nil {
		p.release(res)
		p.failPayment(ctx, pay, endpoint)
		p.track(inv.ID, x402.InvoiceFailed, nil)
		return nil, "", &PipelineError{Kind: KindSettlementFailed, InvoiceID: inv.ID, Err: err}
	}

	pay.TxHash = transfer.TxHash
	pay.Status = store.PaymentSubmitted
	if err := p.store.UpdatePayment(ctx, pay); err != nil {
		p.logger.Warn("payment row update failed", "payment_id", pay.ID, "err", err)
	}
	p.track(inv.ID, x402.InvoiceSubmitted, nil)

	verification, err := p.awaitSettlement(ctx, inv, transfer.TxHash, deadline)
	if err != nil {
		p.release(res)
		p.failPayment(ctx, pay, endpoint)
		p.track(inv.ID, x402.InvoiceFailed, nil)
		return nil, "", err
	}

	if err := p.budget.Commit(res); err != nil {
		// Should be impossible for a live reservation; surface loudly.
		return nil, "", &PipelineError{Kind: KindSettlementFailed, InvoiceID: inv.ID, Err: fmt.Errorf("commit reservation: %w", err)}
	}

	receipt := &Receipt{
		InvoiceID:     inv.ID,
		TxHash:        common.HexToHash(transfer.TxHash),
		Sender:        verification.Sender,
		Amount:        verification.Amount,
		Block:         verification.Block,
		Confirmations: verification.Confirmations,
		VerifiedAt:    p.now(),
	}
	p.track(inv.ID, x402.InvoiceVerified, receipt)

	pay.Status = store.PaymentConfirmed
	pay.SettledAt = receipt.VerifiedAt
	pay.BlockNumber = verification.Block
	pay.Confirmations = verification.Confirmations
	if err := p.store.UpdatePayment(ctx, pay); err != nil {
		p.logger.Warn("payment row update failed", "payment_id", pay.ID, "err", err)
	}

	p.logger.Info("invoice settled",
		"invoice_id", inv.ID,
		"endpoint", endpoint,
		"amount", inv.Amount.String(),
		"tx_hash", transfer.TxHash,
		"confirmations", verification.Confirmations,
	)
	return receipt, pay.ID, nil
}

// awaitSettlement polls the verifier until the transfer confirms, the
// result is permanently rejected, or the invoice deadline passes.
func (p *Pipeline) awaitSettlement(ctx context.Context, inv *x402.Invoice, txHash string, deadline time.Time) (*chain.VerificationResult, error) {
	started := p.now()
	sender := p.payer.Address()
	req := chain.VerifyRequest{
		TxHash:         common.HexToHash(txHash),
		InvoiceID:      inv.ID,
		MinAmount:      inv.Amount,
		ExpectedSender: &sender,
	}

	ticker := time.NewTicker(p.cfg.SettlementPoll)
	defer ticker.Stop()

	for {
		res := p.verifier.Verify(ctx, req)
		if res.Verified {
			metrics.SettlementWaitDuration.Observe(p.now().Sub(started).Seconds())
			return res, nil
		}
		if permanentReason(res.Reason) {
			return nil, &PipelineError{Kind: KindSettlementFailed, InvoiceID: inv.ID, Err: fmt.Errorf("settlement rejected: %s", res.Reason)}
		}
		if p.now().After(deadline) {
			return nil, &PipelineError{Kind: KindInvoiceExpired, InvoiceID: inv.ID, Err: fmt.Errorf("no settlement before %s (last: %s)", deadline.Format(time.RFC3339), res.Reason)}
		}

		select {
		case <-ctx.Done():
			return nil, &PipelineError{Kind: KindVerificationTimeout, InvoiceID: inv.ID, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// permanentReason reports rejection reasons that later polls cannot fix.
func permanentReason(reason string) bool {
	switch reason {
	case chain.ReasonTxFailed,
		chain.ReasonNoMatchingTransfer,
		chain.ReasonAmountBelowInvoice,
		chain.ReasonSenderMismatch,
		chain.ReasonTxAlreadyUsed:
		return true
	}
	return false
}

// send issues one HTTP GET, with the receipt attached when non-zero.
func (p *Pipeline) send(ctx context.Context, url string, receipt common.Hash) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if receipt != (common.Hash{}) {
		x402.AttachReceipt(req, receipt)
	}
	return p.http.Do(req)
}

// redeem retries the original request with proof of payment.
func (p *Pipeline) redeem(ctx context.Context, url string, txHash common.Hash) ([]byte, error) {
	resp, err := p.send(ctx, url, txHash)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("redeem returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (p *Pipeline) lookup(invoiceID string) *invoiceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invoices[invoiceID]
}

func (p *Pipeline) track(invoiceID string, status x402.InvoiceStatus, receipt *Receipt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.invoices[invoiceID]
	if !ok {
		rec = &invoiceRecord{}
		p.invoices[invoiceID] = rec
	}
	rec.status = status
	if receipt != nil {
		rec.receipt = receipt
	}
}

func (p *Pipeline) release(r *budget.Reservation) {
	if err := p.budget.Release(r); err != nil {
		p.logger.Warn("release reservation failed", "err", err)
	}
}

func (p *Pipeline) failPayment(ctx context.Context, pay *store.Payment, endpoint string) {
	pay.Status = store.PaymentFailed
	if err := p.store.UpdatePayment(ctx, pay); err != nil {
		p.logger.Warn("payment row update failed", "payment_id", pay.ID, "err", err)
	}
	metrics.PaymentsTotal.WithLabelValues(endpoint, "failed").Inc()
}

func (p *Pipeline) fail(endpoint string, err error) error {
	if KindOf(err) == KindBudgetBlocked {
		metrics.PaymentsTotal.WithLabelValues(endpoint, "budget_blocked").Inc()
	}
	return err
}
