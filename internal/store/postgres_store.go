package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/treasury-sentinel/internal/usdc"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store. Schema is
// managed by goose migrations (see migrations/).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// nullTime maps zero times to NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (p *PostgresStore) CreateRun(ctx context.Context, run *Run) error {
	meta, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}

	err = p.db.QueryRowContext(ctx, `
		INSERT INTO runs (id, scheduled_at, started_at, completed_at, status,
			level_before, level_after, spend_delta_micro_usdc, snapshot_id, error, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
		RETURNING run_number
	`, run.ID, run.ScheduledAt, nullTime(run.StartedAt), nullTime(run.CompletedAt),
		run.Status, run.LevelBefore, run.LevelAfter, int64(run.SpendDelta),
		run.SnapshotID, run.Error, meta).Scan(&run.RunNumber)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateRun(ctx context.Context, run *Run) error {
	meta, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE runs SET started_at = $2, completed_at = $3, status = $4,
			level_before = $5, level_after = $6, spend_delta_micro_usdc = $7,
			snapshot_id = NULLIF($8, ''), error = $9, metadata = $10
		WHERE id = $1
	`, run.ID, nullTime(run.StartedAt), nullTime(run.CompletedAt), run.Status,
		run.LevelBefore, run.LevelAfter, int64(run.SpendDelta),
		run.SnapshotID, run.Error, meta)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var (
		run        Run
		started    sql.NullTime
		completed  sql.NullTime
		snapshotID sql.NullString
		meta       []byte
	)
	err := row.Scan(&run.ID, &run.RunNumber, &run.ScheduledAt, &started, &completed,
		&run.Status, &run.LevelBefore, &run.LevelAfter, &run.SpendDelta,
		&snapshotID, &run.Error, &meta)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.StartedAt = started.Time
	run.CompletedAt = completed.Time
	run.SnapshotID = snapshotID.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &run.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal run metadata: %w", err)
		}
	}
	return &run, nil
}

const runColumns = `id, run_number, scheduled_at, started_at, completed_at, status,
	level_before, level_after, spend_delta_micro_usdc, snapshot_id, COALESCE(error, ''), metadata`

func (p *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return p.scanRun(row)
}

func (p *PostgresStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY run_number DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := p.scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (p *PostgresStore) InsertPayment(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (id, run_id, endpoint, amount_micro_usdc, tx_hash,
			status, created_at, settled_at, block_number, confirmations)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)
	`, pay.ID, pay.RunID, pay.Endpoint, int64(pay.Amount), strings.ToLower(pay.TxHash),
		pay.Status, pay.CreatedAt, nullTime(pay.SettledAt), int64(pay.BlockNumber), int64(pay.Confirmations))
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, pay *Payment) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments SET tx_hash = NULLIF($2, ''), status = $3, settled_at = $4,
			block_number = $5, confirmations = $6
		WHERE id = $1
	`, pay.ID, strings.ToLower(pay.TxHash), pay.Status, nullTime(pay.SettledAt),
		int64(pay.BlockNumber), int64(pay.Confirmations))
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListPaymentsByRun(ctx context.Context, runID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, run_id, endpoint, amount_micro_usdc, COALESCE(tx_hash, ''),
			status, created_at, settled_at, block_number, confirmations
		FROM payments WHERE run_id = $1 ORDER BY created_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		var (
			pay     Payment
			settled sql.NullTime
		)
		if err := rows.Scan(&pay.ID, &pay.RunID, &pay.Endpoint, &pay.Amount, &pay.TxHash,
			&pay.Status, &pay.CreatedAt, &settled, &pay.BlockNumber, &pay.Confirmations); err != nil {
			return nil, err
		}
		pay.SettledAt = settled.Time
		out = append(out, &pay)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TotalSpend(ctx context.Context) (usdc.Micro, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_micro_usdc), 0) FROM payments WHERE status = $1
	`, PaymentConfirmed).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total spend: %w", err)
	}
	return usdc.Micro(total), nil
}

func (p *PostgresStore) InsertTransition(ctx context.Context, tr *Transition) error {
	passed, err := json.Marshal(tr.GuardsPassed)
	if err != nil {
		return fmt.Errorf("marshal guards_passed: %w", err)
	}
	failed, err := json.Marshal(tr.GuardsFailed)
	if err != nil {
		return fmt.Errorf("marshal guards_failed: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transitions (id, run_id, from_level, to_level, trigger, successful,
			guards_passed, guards_failed, cost_micro_usdc, payment_id, snapshot_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12)
	`, tr.ID, tr.RunID, tr.FromLevel, tr.ToLevel, tr.Trigger, tr.Successful,
		passed, failed, int64(tr.Cost), tr.PaymentID, tr.SnapshotID, tr.Timestamp)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (p *PostgresStore) scanTransitions(rows *sql.Rows) ([]*Transition, error) {
	var out []*Transition
	for rows.Next() {
		var (
			tr             Transition
			passed, failed []byte
		)
		if err := rows.Scan(&tr.ID, &tr.RunID, &tr.FromLevel, &tr.ToLevel, &tr.Trigger,
			&tr.Successful, &passed, &failed, &tr.Cost, &tr.PaymentID, &tr.SnapshotID,
			&tr.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(passed, &tr.GuardsPassed); err != nil {
			return nil, fmt.Errorf("unmarshal guards_passed: %w", err)
		}
		if err := json.Unmarshal(failed, &tr.GuardsFailed); err != nil {
			return nil, fmt.Errorf("unmarshal guards_failed: %w", err)
		}
		out = append(out, &tr)
	}
	return out, rows.Err()
}

const transitionColumns = `id, run_id, from_level, to_level, trigger, successful,
	guards_passed, guards_failed, cost_micro_usdc, COALESCE(payment_id, ''),
	COALESCE(snapshot_id, ''), timestamp`

func (p *PostgresStore) ListTransitionsByRun(ctx context.Context, runID string) ([]*Transition, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+transitionColumns+` FROM transitions WHERE run_id = $1 ORDER BY timestamp`, runID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()
	return p.scanTransitions(rows)
}

func (p *PostgresStore) ListTransitions(ctx context.Context, limit int) ([]*Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+transitionColumns+` FROM transitions ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()
	return p.scanTransitions(rows)
}

func (p *PostgresStore) InsertSnapshot(ctx context.Context, s *Snapshot) error {
	balances, err := json.Marshal(s.Balances)
	if err != nil {
		return fmt.Errorf("marshal balances: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, run_id, chain_id, wallet, block_number, timestamp, balances)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.RunID, s.ChainID, strings.ToLower(s.Wallet), int64(s.BlockNumber), s.Timestamp, balances)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	var (
		s        Snapshot
		balances []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, run_id, chain_id, wallet, block_number, timestamp, balances
		FROM snapshots WHERE id = $1
	`, id).Scan(&s.ID, &s.RunID, &s.ChainID, &s.Wallet, &s.BlockNumber, &s.Timestamp, &balances)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(balances, &s.Balances); err != nil {
		return nil, fmt.Errorf("unmarshal balances: %w", err)
	}
	return &s, nil
}

func (p *PostgresStore) ConsumeTx(ctx context.Context, txHash, invoiceID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO consumed_tx (tx_hash, invoice_id, consumed_at)
		VALUES ($1, $2, NOW())
	`, strings.ToLower(txHash), invoiceID)
	if err != nil {
		var pqErr *pq.Error
		// 23505 = unique_violation
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrTxAlreadyUsed
		}
		return fmt.Errorf("consume tx: %w", err)
	}
	return nil
}

func (p *PostgresStore) IsTxConsumed(ctx context.Context, txHash string) (string, bool, error) {
	var invoiceID string
	err := p.db.QueryRowContext(ctx,
		`SELECT invoice_id FROM consumed_tx WHERE tx_hash = $1`,
		strings.ToLower(txHash)).Scan(&invoiceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("check consumed tx: %w", err)
	}
	return invoiceID, true, nil
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)
