// Package store persists sentinel state: runs, payments, transitions,
// treasury snapshots, and the consumed-transaction set.
//
// Two implementations exist: MemoryStore for tests and DATABASE_URL-less
// development, and PostgresStore for durable deployments. Every JSON
// column is backed by a fixed struct so serialization is total and
// round-trip exact.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/treasury-sentinel/internal/riskmetrics"
	"github.com/mbd888/treasury-sentinel/internal/usdc"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrTxAlreadyUsed = errors.New("store: tx already used")
)

// Run statuses.
const (
	RunPending   = "PENDING"
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"
	RunFailed    = "FAILED"
	RunSkipped   = "SKIPPED"
)

// Payment statuses.
const (
	PaymentPending   = "PENDING"
	PaymentSubmitted = "SUBMITTED"
	PaymentConfirmed = "CONFIRMED"
	PaymentFailed    = "FAILED"
)

// RunMetadata is the fixed schema of the runs.metadata JSON column.
type RunMetadata struct {
	SkipReason   string               `json:"skip_reason,omitempty"`
	InvoiceCount int                  `json:"invoice_count,omitempty"`
	DryRun       bool                 `json:"dry_run,omitempty"`
	ReplayOf     string               `json:"replay_of,omitempty"`
	Metrics      *riskmetrics.Metrics `json:"metrics,omitempty"`
}

// Run is one scheduler tick. Append-only; the in-progress row is
// updated in place until it reaches a terminal status.
type Run struct {
	ID          string
	RunNumber   int64
	ScheduledAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Status      string
	LevelBefore string
	LevelAfter  string
	SpendDelta  usdc.Micro
	SnapshotID  string
	Error       string
	Metadata    RunMetadata
}

// Payment is one pipeline attempt, terminal at CONFIRMED or FAILED.
type Payment struct {
	ID            string
	RunID         string
	Endpoint      string
	Amount        usdc.Micro
	TxHash        string // empty until submitted
	Status        string
	CreatedAt     time.Time
	SettledAt     time.Time
	BlockNumber   uint64
	Confirmations uint64
}

// Transition is one state-machine transition attempt, successful or not.
type Transition struct {
	ID           string
	RunID        string
	FromLevel    string
	ToLevel      string
	Trigger      string
	Successful   bool
	GuardsPassed []string
	GuardsFailed []string
	Cost         usdc.Micro
	PaymentID    string
	SnapshotID   string
	Timestamp    time.Time
}

// TokenBalance is one entry of the snapshots.balances JSON column.
type TokenBalance struct {
	Token      string  `json:"token"`
	Symbol     string  `json:"symbol"`
	Decimals   uint8   `json:"decimals"`
	RawBalance string  `json:"raw_balance"` // decimal string of an arbitrary-precision integer
	USDValue   float64 `json:"usd_value,omitempty"`
}

// Snapshot is a treasury balance snapshot for one chain. Append-only.
type Snapshot struct {
	ID          string
	RunID       string
	ChainID     int64
	Wallet      string
	BlockNumber uint64
	Timestamp   time.Time
	Balances    []TokenBalance
}

// ConsumedTx binds a settlement transaction hash to the invoice that
// consumed it. A hash may be consumed at most once.
type ConsumedTx struct {
	TxHash     string
	InvoiceID  string
	ConsumedAt time.Time
}

// Store persists all sentinel tables.
type Store interface {
	// Runs. CreateRun assigns RunNumber.
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	// Payments. TotalSpend sums confirmed payments; the ledger replays
	// it at boot so the budget survives restarts.
	InsertPayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error
	ListPaymentsByRun(ctx context.Context, runID string) ([]*Payment, error)
	TotalSpend(ctx context.Context) (usdc.Micro, error)

	// Transitions.
	InsertTransition(ctx context.Context, tr *Transition) error
	ListTransitionsByRun(ctx context.Context, runID string) ([]*Transition, error)
	ListTransitions(ctx context.Context, limit int) ([]*Transition, error)

	// Snapshots.
	InsertSnapshot(ctx context.Context, s *Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)

	// Consumed transactions. ConsumeTx returns ErrTxAlreadyUsed when the
	// hash is already bound to another invoice. IsTxConsumed reports the
	// bound invoice id so a restarted verifier can recognize its own
	// settlement.
	ConsumeTx(ctx context.Context, txHash, invoiceID string) error
	IsTxConsumed(ctx context.Context, txHash string) (string, bool, error)
}
