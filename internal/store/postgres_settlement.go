/**
 * @description
 * PostgreSQL implementation of the settlement and capital parts of the `Repository`
 * interface. Every money movement runs inside one database transaction with the
 * involved account rows locked via SELECT ... FOR UPDATE.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/google/uuid: capital ledger entry identifiers.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const paymentColumns = `payment_id, idempotency_key, from_account_number, to_account_number, amount, currency, description, status, destination_bank, initiated_by, rejection_reason, created_at, updated_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(
		&p.ID,
		&p.IdempotencyKey,
		&p.FromAccountNumber,
		&p.ToAccountNumber,
		&p.Amount,
		&p.Currency,
		&p.Description,
		&p.Status,
		&p.DestinationBank,
		&p.InitiatedBy,
		&p.RejectionReason,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const transferColumns = `transfer_id, payment_id, direction, from_bank, to_bank, account_number, amount, currency, status, reference, created_at, capital_applied_at`

func scanTransfer(row pgx.Row) (*domain.InterbankTransfer, error) {
	var t domain.InterbankTransfer
	err := row.Scan(
		&t.ID,
		&t.PaymentID,
		&t.Direction,
		&t.FromBank,
		&t.ToBank,
		&t.AccountNumber,
		&t.Amount,
		&t.Currency,
		&t.Status,
		&t.Reference,
		&t.CreatedAt,
		&t.CapitalAppliedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const capitalColumns = `bank_code, capital, initial_capital, total_deposits, total_loans, updated_at`

func scanCapital(row pgx.Row) (*domain.BankCapital, error) {
	var c domain.BankCapital
	err := row.Scan(&c.BankCode, &c.Capital, &c.InitialCapital, &c.TotalDeposits, &c.TotalLoans, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// lockAccounts locks the named accounts in account-number order so concurrent
// payments touching the same pair cannot deadlock.
func lockAccounts(ctx context.Context, tx pgx.Tx, numbers ...string) (map[string]*domain.Account, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE account_number = ANY($1)
		ORDER BY account_number
		FOR UPDATE
	`, numbers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locked := make(map[string]*domain.Account, len(numbers))
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		locked[account.AccountNumber] = account
	}
	return locked, rows.Err()
}

func insertPayment(ctx context.Context, tx pgx.Tx, p *domain.Payment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		p.ID,
		p.IdempotencyKey,
		p.FromAccountNumber,
		p.ToAccountNumber,
		p.Amount,
		p.Currency,
		p.Description,
		p.Status,
		p.DestinationBank,
		p.InitiatedBy,
		p.RejectionReason,
		p.CreatedAt,
		p.UpdatedAt,
	)
	return err
}

func insertTransfer(ctx context.Context, tx pgx.Tx, t *domain.InterbankTransfer) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO interbank_transfers (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		t.ID,
		t.PaymentID,
		t.Direction,
		t.FromBank,
		t.ToBank,
		t.AccountNumber,
		t.Amount,
		t.Currency,
		t.Status,
		t.Reference,
		t.CreatedAt,
		t.CapitalAppliedAt,
	)
	return err
}

func adjustBalance(ctx context.Context, tx pgx.Tx, accountNumber string, delta decimal.Decimal) error {
	_, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $1::numeric WHERE account_number = $2`,
		delta, accountNumber,
	)
	return err
}

// SettlePayment applies a payment atomically. Both accounts are locked first; the
// idempotency key is then resolved under the source lock so concurrent retries serialize.
func (r *PostgresRepository) SettlePayment(ctx context.Context, params SettlePaymentParams) (*SettlementResult, error) {
	p := params.Payment

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := lockAccounts(ctx, tx, p.FromAccountNumber, p.ToAccountNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to lock accounts: %w", err)
	}
	source := locked[p.FromAccountNumber]
	if source == nil {
		return nil, ErrAccountNotFound
	}

	if p.IdempotencyKey != nil {
		existing, err := scanPayment(tx.QueryRow(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE from_account_number = $1 AND idempotency_key = $2`,
			p.FromAccountNumber, *p.IdempotencyKey,
		))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if existing != nil {
			if !existing.SameInstruction(domain.PaymentInstruction{
				FromAccountNumber: p.FromAccountNumber,
				ToAccountNumber:   p.ToAccountNumber,
				Amount:            p.Amount,
				Currency:          p.Currency,
			}) {
				return nil, ErrIdempotencyConflict
			}
			transfer, err := scanTransfer(tx.QueryRow(ctx,
				`SELECT `+transferColumns+` FROM interbank_transfers WHERE payment_id = $1`,
				existing.ID,
			))
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return nil, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			return &SettlementResult{Payment: existing, Transfer: transfer, Replayed: true}, nil
		}
	}

	dest := locked[p.ToAccountNumber]
	plan, err := planSettlement(source, dest, p.Amount, p.Currency)
	if err != nil {
		return nil, err
	}

	if plan.rejectReason != "" {
		p.Status = domain.PaymentRejected
		p.DestinationBank = params.BankCode
		p.RejectionReason = stringPtr(plan.rejectReason)
		if err := insertPayment(ctx, tx, &p); err != nil {
			return nil, fmt.Errorf("failed to insert payment: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &SettlementResult{Payment: &p}, nil
	}

	if err := adjustBalance(ctx, tx, p.FromAccountNumber, p.Amount.Neg()); err != nil {
		return nil, fmt.Errorf("failed to debit source account: %w", err)
	}

	p.Status = domain.PaymentInProcess
	if plan.local {
		p.DestinationBank = params.BankCode
	} else {
		p.DestinationBank = domain.ExternalBank
	}
	if err := insertPayment(ctx, tx, &p); err != nil {
		return nil, fmt.Errorf("failed to insert payment: %w", err)
	}

	var transfer *domain.InterbankTransfer
	if plan.local {
		if err := adjustBalance(ctx, tx, p.ToAccountNumber, p.Amount); err != nil {
			return nil, fmt.Errorf("failed to credit destination account: %w", err)
		}
	} else {
		transfer = &domain.InterbankTransfer{
			ID:            params.TransferID,
			PaymentID:     stringPtr(p.ID),
			Direction:     domain.TransferOutbound,
			FromBank:      params.BankCode,
			ToBank:        domain.ExternalBank,
			AccountNumber: p.ToAccountNumber,
			Amount:        p.Amount,
			Currency:      p.Currency,
			Status:        domain.TransferCompleted,
			Reference:     p.ID,
			CreatedAt:     p.CreatedAt,
		}
		if err := insertTransfer(ctx, tx, transfer); err != nil {
			return nil, fmt.Errorf("failed to insert interbank transfer: %w", err)
		}
	}

	p.Status = domain.PaymentCompleted
	if _, err := tx.Exec(ctx,
		`UPDATE payments SET status = $1, updated_at = $2 WHERE payment_id = $3`,
		p.Status, p.UpdatedAt, p.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to complete payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &SettlementResult{Payment: &p, Transfer: transfer}, nil
}

// ReceiveInterbankTransfer credits a local account for money sent by a remote bank.
// A (from_bank, reference) pair seen before returns the stored transfer and true.
func (r *PostgresRepository) ReceiveInterbankTransfer(ctx context.Context, transfer domain.InterbankTransfer) (*domain.InterbankTransfer, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := lockAccounts(ctx, tx, transfer.AccountNumber)
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock account: %w", err)
	}

	if transfer.Reference != "" {
		existing, err := scanTransfer(tx.QueryRow(ctx, `
			SELECT `+transferColumns+`
			FROM interbank_transfers
			WHERE direction = 'inbound' AND from_bank = $1 AND reference = $2
		`, transfer.FromBank, transfer.Reference))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return nil, false, err
			}
			return existing, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err
		}
	}

	account := locked[transfer.AccountNumber]
	if account == nil {
		return nil, false, ErrAccountNotFound
	}
	if account.Status != domain.AccountActive {
		return nil, false, ErrAccountNotActive
	}
	if account.Currency != transfer.Currency {
		return nil, false, ErrCurrencyMismatch
	}

	if err := adjustBalance(ctx, tx, transfer.AccountNumber, transfer.Amount); err != nil {
		return nil, false, fmt.Errorf("failed to credit account: %w", err)
	}
	if err := insertTransfer(ctx, tx, &transfer); err != nil {
		return nil, false, fmt.Errorf("failed to insert interbank transfer: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return &transfer, false, nil
}

// FindPaymentByID retrieves a payment.
func (r *PostgresRepository) FindPaymentByID(ctx context.Context, paymentID string) (*domain.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE payment_id = $1`,
		paymentID,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// FindInterbankTransferByPaymentID retrieves the outbound transfer recorded for a payment.
func (r *PostgresRepository) FindInterbankTransferByPaymentID(ctx context.Context, paymentID string) (*domain.InterbankTransfer, error) {
	t, err := scanTransfer(r.db.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM interbank_transfers WHERE payment_id = $1`,
		paymentID,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *PostgresRepository) queryPayments(ctx context.Context, query string, args ...any) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []domain.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *PostgresRepository) queryTransfers(ctx context.Context, query string, args ...any) ([]domain.InterbankTransfer, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transfers := []domain.InterbankTransfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

// ListPayments returns the newest payments, optionally filtered by status.
func (r *PostgresRepository) ListPayments(ctx context.Context, status domain.PaymentStatus, limit int) ([]domain.Payment, error) {
	return r.queryPayments(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), normalizeLimit(limit))
}

// ListStalePayments returns payments stuck in-process since before olderThan.
func (r *PostgresRepository) ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	return r.queryPayments(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'in-process' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, olderThan, normalizeLimit(limit))
}

// ListInterbankTransfers returns the newest interbank transfers in both directions.
func (r *PostgresRepository) ListInterbankTransfers(ctx context.Context, limit int) ([]domain.InterbankTransfer, error) {
	return r.queryTransfers(ctx, `
		SELECT `+transferColumns+`
		FROM interbank_transfers
		ORDER BY created_at DESC
		LIMIT $1
	`, normalizeLimit(limit))
}

// ListUnappliedTransfers returns transfers whose capital effect is still pending, oldest first.
func (r *PostgresRepository) ListUnappliedTransfers(ctx context.Context, limit int) ([]domain.InterbankTransfer, error) {
	return r.queryTransfers(ctx, `
		SELECT `+transferColumns+`
		FROM interbank_transfers
		WHERE capital_applied_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, normalizeLimit(limit))
}

// GetBankCapital retrieves the capital row of a bank.
func (r *PostgresRepository) GetBankCapital(ctx context.Context, bankCode string) (*domain.BankCapital, error) {
	c, err := scanCapital(r.db.QueryRow(ctx,
		`SELECT `+capitalColumns+` FROM bank_capital WHERE bank_code = $1`,
		bankCode,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCapitalNotFound
		}
		return nil, err
	}
	return c, nil
}

// applyCapitalDelta upserts the capital row and appends a ledger entry inside tx.
func applyCapitalDelta(ctx context.Context, tx pgx.Tx, update CapitalUpdate, delta decimal.Decimal, transferID *string) (*domain.BankCapital, error) {
	capital, err := scanCapital(tx.QueryRow(ctx, `
		INSERT INTO bank_capital (bank_code, capital, initial_capital, total_deposits, total_loans, updated_at)
		VALUES ($1, $2::numeric + $3::numeric, $2::numeric, 0, 0, $4)
		ON CONFLICT (bank_code) DO UPDATE
		SET capital = bank_capital.capital + $3::numeric, updated_at = $4
		RETURNING `+capitalColumns,
		update.BankCode, update.InitialCapital, delta, update.At,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update bank capital: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO capital_ledger (entry_id, bank_code, delta, reason, transfer_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), update.BankCode, delta, update.Reason, transferID, update.At)
	if err != nil {
		return nil, fmt.Errorf("failed to insert capital ledger entry: %w", err)
	}
	return capital, nil
}

// UpdateCapital moves the bank's capital by update.Delta, creating the row from
// update.InitialCapital when it does not exist yet.
func (r *PostgresRepository) UpdateCapital(ctx context.Context, update CapitalUpdate) (*domain.BankCapital, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	capital, err := applyCapitalDelta(ctx, tx, update, update.Delta, nil)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return capital, nil
}

// ApplyTransferToCapital applies a transfer's signed amount to capital exactly once.
func (r *PostgresRepository) ApplyTransferToCapital(ctx context.Context, transferID string, update CapitalUpdate) (*domain.BankCapital, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	transfer, err := scanTransfer(tx.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM interbank_transfers WHERE transfer_id = $1 FOR UPDATE`,
		transferID,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	if transfer.CapitalAppliedAt != nil {
		return nil, ErrTransferAlreadyApplied
	}

	capital, err := applyCapitalDelta(ctx, tx, update, transfer.CapitalDelta(), &transfer.ID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE interbank_transfers SET capital_applied_at = $1 WHERE transfer_id = $2`,
		update.At, transfer.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to mark transfer applied: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return capital, nil
}
