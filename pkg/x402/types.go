// Package x402 implements the wire types of the HTTP 402 metering
// protocol spoken by paid market-data gateways: invoice parsing from
// 402 responses and receipt attachment for the retried request.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/treasury-sentinel/internal/usdc"
)

// ReceiptHeader carries the settlement tx hash on the retried request.
const ReceiptHeader = "X-Payment-Receipt"

// maxInvoiceBody bounds how much of a 402 body is read.
const maxInvoiceBody = 1 << 16

// InvoiceStatus is the lifecycle of a server-issued invoice as tracked
// by the client.
type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "PENDING"
	InvoiceSubmitted InvoiceStatus = "SUBMITTED"
	InvoiceVerified  InvoiceStatus = "VERIFIED"
	InvoiceExpired   InvoiceStatus = "EXPIRED"
	InvoiceFailed    InvoiceStatus = "FAILED"
)

// Invoice is the payment demand embedded in a 402 response body.
type Invoice struct {
	ID             string         `json:"invoice_id"`
	Amount         usdc.Micro     `json:"-"`
	PaymentAddress common.Address `json:"-"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Endpoint       string         `json:"endpoint"`
}

// Expired reports whether the invoice deadline has passed.
func (inv *Invoice) Expired(now time.Time) bool {
	return now.After(inv.ExpiresAt)
}

// wireInvoice is the raw 402 body shape. Amounts travel as decimal
// USDC numbers; addresses as 0x hex strings.
type wireInvoice struct {
	InvoiceID      string  `json:"invoice_id"`
	AmountUSDC     float64 `json:"amount_usdc"`
	PaymentAddress string  `json:"payment_address"`
	ExpiresAt      string  `json:"expires_at"`
	Endpoint       string  `json:"endpoint"`
}

// MalformedInvoiceError reports a 402 body that does not parse into a
// usable invoice. The pipeline treats it as an upstream failure and
// reserves nothing.
type MalformedInvoiceError struct {
	Field string
	Err   error
}

func (e *MalformedInvoiceError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("x402: malformed invoice field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("x402: malformed invoice: %v", e.Err)
}

func (e *MalformedInvoiceError) Unwrap() error { return e.Err }

// Is402 reports whether a response demands payment.
func Is402(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParseInvoice decodes and validates the invoice carried by a 402
// response. The response body is consumed but not closed.
func ParseInvoice(resp *http.Response) (*Invoice, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("x402: not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInvoiceBody))
	if err != nil {
		return nil, &MalformedInvoiceError{Err: fmt.Errorf("read body: %w", err)}
	}

	var wire wireInvoice
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &MalformedInvoiceError{Err: err}
	}

	if wire.InvoiceID == "" {
		return nil, &MalformedInvoiceError{Field: "invoice_id", Err: fmt.Errorf("missing")}
	}
	if wire.AmountUSDC <= 0 {
		return nil, &MalformedInvoiceError{Field: "amount_usdc", Err: fmt.Errorf("non-positive: %v", wire.AmountUSDC)}
	}
	if !common.IsHexAddress(wire.PaymentAddress) {
		return nil, &MalformedInvoiceError{Field: "payment_address", Err: fmt.Errorf("not a hex address: %q", wire.PaymentAddress)}
	}
	expires, err := time.Parse(time.RFC3339, wire.ExpiresAt)
	if err != nil {
		return nil, &MalformedInvoiceError{Field: "expires_at", Err: err}
	}
	if wire.Endpoint == "" {
		return nil, &MalformedInvoiceError{Field: "endpoint", Err: fmt.Errorf("missing")}
	}

	return &Invoice{
		ID:             wire.InvoiceID,
		Amount:         usdc.FromUSDC(wire.AmountUSDC),
		PaymentAddress: common.HexToAddress(wire.PaymentAddress),
		ExpiresAt:      expires,
		Endpoint:       wire.Endpoint,
	}, nil
}

// AttachReceipt adds the settlement proof to a retried request via the
// receipt header.
func AttachReceipt(req *http.Request, txHash common.Hash) {
	req.Header.Set(ReceiptHeader, txHash.Hex())
}

// ProofBody builds a JSON request body carrying the proof inline, for
// gateways that prefer a body field over the header. Both forms are
// accepted by conforming servers.
func ProofBody(txHash common.Hash) (io.Reader, error) {
	payload := struct {
		PaymentProof string `json:"payment_proof"`
	}{PaymentProof: txHash.Hex()}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("x402: marshal proof: %w", err)
	}
	return strings.NewReader(string(data)), nil
}

// ReceiptFromRequest extracts a tx hash proof from either accepted
// form, header first. Used by test gateways and server-side metering.
func ReceiptFromRequest(req *http.Request) (common.Hash, bool) {
	if h := req.Header.Get(ReceiptHeader); h != "" {
		if len(h) == 66 && strings.HasPrefix(h, "0x") {
			return common.HexToHash(h), true
		}
		return common.Hash{}, false
	}
	if req.Body == nil {
		return common.Hash{}, false
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxInvoiceBody))
	if err != nil {
		return common.Hash{}, false
	}
	var payload struct {
		PaymentProof string `json:"payment_proof"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.PaymentProof) != 66 {
		return common.Hash{}, false
	}
	return common.HexToHash(payload.PaymentProof), true
}
