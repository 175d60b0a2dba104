package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/chain"
	"github.com/mbd888/treasury-sentinel/internal/store"
	"github.com/mbd888/treasury-sentinel/internal/usdc"
	"github.com/mbd888/treasury-sentinel/internal/wallet"
	"github.com/mbd888/treasury-sentinel/pkg/x402"
)

var (
	gatewayAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	senderAddr  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	settledTx   = "0x" + strings.Repeat("ab", 32)
)

// fakePayer signs nothing; it hands back a canned tx hash.
type fakePayer struct {
	err   error
	calls atomic.Int32
}

func (f *fakePayer) Pay(ctx context.Context, to common.Address, amount usdc.Micro) (*wallet.TransferResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &wallet.TransferResult{TxHash: settledTx, From: senderAddr, To: to, Amount: amount}, nil
}

func (f *fakePayer) Address() common.Address { return senderAddr }

// fakeVerifier returns a fixed result, optionally after n rejections.
type fakeVerifier struct {
	result    *chain.VerificationResult
	pending   int32 // rejections served before result
	served    atomic.Int32
	pendingAs string
}

func (f *fakeVerifier) Verify(ctx context.Context, req chain.VerifyRequest) *chain.VerificationResult {
	if f.served.Add(1) <= f.pending {
		reason := f.pendingAs
		if reason == "" {
			reason = chain.ReasonReceiptNotFound
		}
		return &chain.VerificationResult{Reason: reason}
	}
	return f.result
}

// fakeGateway serves 402 until a request carries the expected receipt.
type fakeGateway struct {
	t         *testing.T
	amount    float64
	invoiceID string
	payload   string
	invoices  atomic.Int32
}

func (g *fakeGateway) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hash, ok := x402.ReceiptFromRequest(r); ok {
			if hash != common.HexToHash(settledTx) {
				http.Error(w, "unknown receipt", http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, g.payload)
			return
		}
		g.invoices.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"invoice_id":      g.invoiceID,
			"amount_usdc":     g.amount,
			"payment_address": gatewayAddr.Hex(),
			"expires_at":      time.Now().Add(15 * time.Minute).Format(time.RFC3339),
			"endpoint":        "liquidity_depth",
		})
	}
}

func verifiedResult(amount usdc.Micro) *chain.VerificationResult {
	return &chain.VerificationResult{
		Verified:      true,
		Amount:        amount,
		Sender:        senderAddr,
		Block:         90,
		Confirmations: 3,
	}
}

func newPipeline(t *testing.T, payer wallet.Payer, v Verifier, led *budget.Ledger, st store.Store) *Pipeline {
	t.Helper()
	return New(payer, v, led, st, Config{
		SettlementPoll: 5 * time.Millisecond,
	}, slog.Default())
}

// Happy path: 402, reserve, pay, verify, commit, redeem.
func TestFetch_PaidPurchase(t *testing.T) {
	gw := &fakeGateway{t: t, amount: 0.25, invoiceID: "inv_1", payload: `{"bands":[]}`}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	led := budget.New(10_000_000, 50_000)
	st := store.NewMemoryStore()
	p := newPipeline(t, &fakePayer{}, &fakeVerifier{result: verifiedResult(250_000)}, led, st)

	res, err := p.Fetch(context.Background(), "run_1", "liquidity_depth", srv.URL)
	require.NoError(t, err)

	assert.True(t, res.Paid)
	assert.JSONEq(t, `{"bands":[]}`, string(res.Body))
	assert.Equal(t, usdc.Micro(250_000), res.Cost)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, usdc.Micro(250_000), res.Receipt.Amount)
	assert.Equal(t, uint64(3), res.Receipt.Confirmations)

	status := led.Status()
	assert.Equal(t, usdc.Micro(250_000), status.Spent)
	assert.Equal(t, usdc.Micro(9_750_000), status.Remaining)
	assert.Equal(t, usdc.Micro(0), status.Reserved)

	pays, err := st.ListPaymentsByRun(context.Background(), "run_1")
	require.NoError(t, err)
	require.Len(t, pays, 1)
	assert.Equal(t, store.PaymentConfirmed, pays[0].Status)
	assert.Equal(t, settledTx, pays[0].TxHash)
}

// A 200 on first contact costs nothing.
func TestFetch_FreeResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"price": 100.5}`)
	}))
	defer srv.Close()

	led := budget.New(10_000_000, 50_000)
	payer := &fakePayer{}
	p := newPipeline(t, payer, &fakeVerifier{}, led, store.NewMemoryStore())

	res, err := p.Fetch(context.Background(), "run_1", "spot_price", srv.URL)
	require.NoError(t, err)
	assert.False(t, res.Paid)
	assert.Equal(t, int32(0), payer.calls.Load())
	assert.Equal(t, usdc.Micro(0), led.Status().Spent)
}

// Malformed invoice fails upstream with no reservation taken.
func TestFetch_MalformedInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `<html>pay me</html>`)
	}))
	defer srv.Close()

	led := budget.New(10_000_000, 50_000)
	p := newPipeline(t, &fakePayer{}, &fakeVerifier{}, led, store.NewMemoryStore())

	_, err := p.Fetch(context.Background(), "run_1", "spot_price", srv.URL)
	assert.Equal(t, KindUpstreamError, KindOf(err))
	assert.Equal(t, usdc.Micro(0), led.Status().Reserved)
}

// An invoice the budget cannot cover is rejected before any transfer,
// and the refused attempt leaves a FAILED payment row.
func TestFetch_BudgetBlocked(t *testing.T) {
	gw := &fakeGateway{t: t, amount: 0.25, invoiceID: "inv_1", payload: `{}`}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	led := budget.New(100_000, 50_000) // 0.1 USDC limit, invoice wants 0.25
	payer := &fakePayer{}
	st := store.NewMemoryStore()
	p := newPipeline(t, payer, &fakeVerifier{}, led, st)

	_, err := p.Fetch(context.Background(), "run_1", "liquidity_depth", srv.URL)
	assert.Equal(t, KindBudgetBlocked, KindOf(err))
	assert.ErrorIs(t, err, budget.ErrInsufficientBudget)
	assert.Equal(t, int32(0), payer.calls.Load())

	pays, err := st.ListPaymentsByRun(context.Background(), "run_1")
	require.NoError(t, err)
	require.Len(t, pays, 1)
	assert.Equal(t, store.PaymentFailed, pays[0].Status)
	assert.Equal(t, usdc.Micro(250_000), pays[0].Amount)
	assert.Empty(t, pays[0].TxHash)
}

// Settlement never arrives before the invoice deadline: reservation
// released, payment row FAILED, spend unchanged.
func TestFetch_SettlementTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"invoice_id":      "inv_slow",
			"amount_usdc":     0.25,
			"payment_address": gatewayAddr.Hex(),
			"expires_at":      time.Now().Add(60 * time.Millisecond).Format(time.RFC3339Nano),
			"endpoint":        "liquidity_depth",
		})
	}))
	defer srv.Close()

	led := budget.New(10_000_000, 50_000)
	st := store.NewMemoryStore()
	v := &fakeVerifier{pending: 1 << 30} // never settles
	p := newPipeline(t, &fakePayer{}, v, led, st)

	_, err := p.Fetch(context.Background(), "run_1", "liquidity_depth", srv.URL)
	assert.Equal(t, KindInvoiceExpired, KindOf(err))

	status := led.Status()
	assert.Equal(t, usdc.Micro(0), status.Spent)
	assert.Equal(t, usdc.Micro(0), status.Reserved)

	pays, err := st.ListPaymentsByRun(context.Background(), "run_1")
	require.NoError(t, err)
	require.Len(t, pays, 1)
	assert.Equal(t, store.PaymentFailed, pays[0].Status)
}

// Permanent verifier rejection aborts immediately instead of polling
// out the deadline.
func TestFetch_SettlementRejected(t *testing.T) {
	gw := &fakeGateway{t: t, amount: 0.25, invoiceID: "inv_1", payload: `{}`}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	led := budget.New(10_000_000, 50_000)
	v := &fakeVerifier{result: &chain.VerificationResult{Reason: chain.ReasonAmountBelowInvoice}}
	p := newPipeline(t, &fakePayer{}, v, led, store.NewMemoryStore())

	start := time.Now()
	_, err := p.Fetch(context.Background(), "run_1", "liquidity_depth", srv.URL)
	assert.Equal(t, KindSettlementFailed, KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, usdc.Micro(0), led.Status().Spent)
}

// Pending confirmations resolve on a later poll.
func TestFetch_SettlesAfterPolling(t *testing.T) {
	gw := &fakeGateway{t: t, amount: 0.25, invoiceID: "inv_1", payload: `{}`}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	led := budget.New(10_000_000, 50_000)
	v := &fakeVerifier{
		result:    verifiedResult(250_000),
		pending:   3,
		pendingAs: chain.ReasonInsufficientConfirms,
	}
	p := newPipeline(t, &fakePayer{}, v, led, store.NewMemoryStore())

	res, err := p.Fetch(context.Background(), "run_1", "liquidity_depth", srv.URL)
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assert.GreaterOrEqual(t, v.served.Load(), int32(4))
}

// An overpaid settlement commits only the invoice amount; the excess
// shows on the receipt but never enters the ledger.
func TestFetch_OverpaidSettlement(t *testing.T) {
	gw := &fakeGateway{t: t, amount: 0.25, invoiceID: "inv_1", payload: `{}`}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	led := budget.New(10_000_000, 50_000)
	p := newPipeline(t, &fakePayer{}, &fakeVerifier{result: verifiedResult(300_000)}, led, store.NewMemoryStore())

	res, err := p.Fetch(context.Background(), "run_1", "liquidity_depth", srv.URL)
	require.NoError(t, err)

	assert.Equal(t, usdc.Micro(250_000), res.Cost)
	assert.Equal(t, usdc.Micro(300_000), res.Receipt.Amount)
	assert.Equal(t, usdc.Micro(250_000), led.Status().Spent)
}

// Re-presenting a VERIFIED invoice reuses the receipt with no new spend.
func TestSettle_IdempotentReplay(t *testing.T) {
	gw := &fakeGateway{t: t, amount: 0.25, invoiceID: "inv_same", payload: `{}`}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	led := budget.New(10_000_000, 50_000)
	payer := &fakePayer{}
	p := newPipeline(t, payer, &fakeVerifier{result: verifiedResult(250_000)}, led, store.NewMemoryStore())

	first, err := p.Fetch(context.Background(), "run_1", "liquidity_depth", srv.URL)
	require.NoError(t, err)

	second, err := p.Fetch(context.Background(), "run_2", "liquidity_depth", srv.URL)
	require.NoError(t, err)

	assert.Equal(t, int32(1), payer.calls.Load(), "replay must not pay again")
	assert.Equal(t, usdc.Micro(250_000), led.Status().Spent, "replay must not spend again")
	assert.Equal(t, first.Receipt.TxHash, second.Receipt.TxHash)
	assert.Equal(t, usdc.Micro(0), second.Cost, "replay commits nothing new")
}

// Transfer submission failure releases the reservation.
func TestSettle_TransferFails(t *testing.T) {
	gw := &fakeGateway{t: t, amount: 0.25, invoiceID: "inv_1", payload: `{}`}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	led := budget.New(10_000_000, 50_000)
	payer := &fakePayer{err: errors.New("nonce too low")}
	st := store.NewMemoryStore()
	p := newPipeline(t, payer, &fakeVerifier{}, led, st)

	_, err := p.Fetch(context.Background(), "run_1", "liquidity_depth", srv.URL)
	assert.Equal(t, KindSettlementFailed, KindOf(err))
	assert.Equal(t, usdc.Micro(0), led.Status().Reserved)

	pays, _ := st.ListPaymentsByRun(context.Background(), "run_1")
	require.Len(t, pays, 1)
	assert.Equal(t, store.PaymentFailed, pays[0].Status)
}
