/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * clients, accounts, consents and notifications. Settlement and capital queries live
 * in postgres_settlement.go.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = `id, client_id, account_number, account_type, balance, currency, status, opened_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(
		&account.ID,
		&account.ClientID,
		&account.AccountNumber,
		&account.AccountType,
		&account.Balance,
		&account.Currency,
		&account.Status,
		&account.OpenedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// FindClientByID retrieves a client by its public identifier.
func (r *PostgresRepository) FindClientByID(ctx context.Context, clientID string) (*domain.Client, error) {
	var client domain.Client
	err := r.db.QueryRow(ctx,
		`SELECT client_id, full_name, password_hash, created_at FROM clients WHERE client_id = $1`,
		clientID,
	).Scan(&client.ID, &client.FullName, &client.PasswordHash, &client.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	return &client, nil
}

// FindAccountByNumber retrieves an account without locking it.
func (r *PostgresRepository) FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	account, err := scanAccount(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_number = $1`,
		accountNumber,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// ListAccountsByClient returns every account owned by the client, oldest first.
func (r *PostgresRepository) ListAccountsByClient(ctx context.Context, clientID string) ([]domain.Account, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE client_id = $1 ORDER BY opened_at, account_number`,
		clientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []domain.Account{}
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// SumAccountBalances totals the balances of every local account.
func (r *PostgresRepository) SumAccountBalances(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(balance), 0) FROM accounts`).Scan(&total)
	return total, err
}

const consentRequestColumns = `request_id, client_id, requesting_bank, requesting_bank_name, permissions, reason, status, created_at, responded_at`

func scanConsentRequest(row pgx.Row) (*domain.ConsentRequest, error) {
	var req domain.ConsentRequest
	err := row.Scan(
		&req.ID,
		&req.ClientID,
		&req.RequestingBank,
		&req.RequestingBankName,
		&req.Permissions,
		&req.Reason,
		&req.Status,
		&req.CreatedAt,
		&req.RespondedAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

const consentColumns = `consent_id, COALESCE(request_id, ''), client_id, granted_to, permissions, status, created_at, expires_at, status_updated_at, signed_at, revoked_at, last_accessed_at`

func scanConsent(row pgx.Row) (*domain.Consent, error) {
	var consent domain.Consent
	err := row.Scan(
		&consent.ID,
		&consent.RequestID,
		&consent.ClientID,
		&consent.GrantedTo,
		&consent.Permissions,
		&consent.Status,
		&consent.CreatedAt,
		&consent.ExpiresAt,
		&consent.StatusUpdatedAt,
		&consent.SignedAt,
		&consent.RevokedAt,
		&consent.LastAccessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &consent, nil
}

func insertConsentRequest(ctx context.Context, tx pgx.Tx, req *domain.ConsentRequest) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO consent_requests (
			request_id, client_id, requesting_bank, requesting_bank_name, permissions, reason, status, created_at, responded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		req.ID,
		req.ClientID,
		req.RequestingBank,
		req.RequestingBankName,
		req.Permissions,
		req.Reason,
		req.Status,
		req.CreatedAt,
		req.RespondedAt,
	)
	return err
}

func insertConsent(ctx context.Context, tx pgx.Tx, consent *domain.Consent) error {
	var requestID *string
	if consent.RequestID != "" {
		requestID = &consent.RequestID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO consents (
			consent_id, request_id, client_id, granted_to, permissions, status,
			created_at, expires_at, status_updated_at, signed_at, revoked_at, last_accessed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, NULL)
	`,
		consent.ID,
		requestID,
		consent.ClientID,
		consent.GrantedTo,
		consent.Permissions,
		consent.Status,
		consent.CreatedAt,
		consent.ExpiresAt,
		consent.StatusUpdatedAt,
		consent.SignedAt,
	)
	return err
}

// CreateConsentRequest stores a pending request.
func (r *PostgresRepository) CreateConsentRequest(ctx context.Context, req *domain.ConsentRequest) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertConsentRequest(ctx, tx, req); err != nil {
		return fmt.Errorf("failed to insert consent request: %w", err)
	}
	return tx.Commit(ctx)
}

// CreateAutoApprovedConsent stores an approved request together with its consent.
func (r *PostgresRepository) CreateAutoApprovedConsent(ctx context.Context, req *domain.ConsentRequest, consent *domain.Consent) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertConsentRequest(ctx, tx, req); err != nil {
		return fmt.Errorf("failed to insert consent request: %w", err)
	}
	if err := insertConsent(ctx, tx, consent); err != nil {
		return fmt.Errorf("failed to insert consent: %w", err)
	}
	return tx.Commit(ctx)
}

// FindConsentRequestByID retrieves a consent request.
func (r *PostgresRepository) FindConsentRequestByID(ctx context.Context, requestID string) (*domain.ConsentRequest, error) {
	req, err := scanConsentRequest(r.db.QueryRow(ctx,
		`SELECT `+consentRequestColumns+` FROM consent_requests WHERE request_id = $1`,
		requestID,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrConsentRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// ListConsentRequestsByClient lists a client's requests, newest first. An empty status lists all.
func (r *PostgresRepository) ListConsentRequestsByClient(ctx context.Context, clientID string, status domain.ConsentRequestStatus) ([]domain.ConsentRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+consentRequestColumns+`
		FROM consent_requests
		WHERE client_id = $1 AND ($2::text = '' OR status = $2::text)
		ORDER BY created_at DESC
	`, clientID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := []domain.ConsentRequest{}
	for rows.Next() {
		req, err := scanConsentRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// DecideConsentRequest records a decision on a pending request owned by the client and,
// for approvals, inserts the resulting consent in the same transaction.
func (r *PostgresRepository) DecideConsentRequest(ctx context.Context, params DecideConsentParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE consent_requests
		SET status = $1, responded_at = $2
		WHERE request_id = $3 AND client_id = $4 AND status = 'pending'
	`, params.Status, params.RespondedAt, params.RequestID, params.ClientID)
	if err != nil {
		return fmt.Errorf("failed to update consent request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConsentRequestNotFound
	}

	if params.Consent != nil {
		if err := insertConsent(ctx, tx, params.Consent); err != nil {
			return fmt.Errorf("failed to insert consent: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// FindConsentByID retrieves a consent.
func (r *PostgresRepository) FindConsentByID(ctx context.Context, consentID string) (*domain.Consent, error) {
	consent, err := scanConsent(r.db.QueryRow(ctx,
		`SELECT `+consentColumns+` FROM consents WHERE consent_id = $1`,
		consentID,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrConsentNotFound
		}
		return nil, err
	}
	return consent, nil
}

// ListConsentsByClient lists a client's consents, newest first.
func (r *PostgresRepository) ListConsentsByClient(ctx context.Context, clientID string) ([]domain.Consent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+consentColumns+` FROM consents WHERE client_id = $1 ORDER BY created_at DESC`,
		clientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	consents := []domain.Consent{}
	for rows.Next() {
		consent, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		consents = append(consents, *consent)
	}
	return consents, rows.Err()
}

// TouchConsent stamps last_accessed_at on an active consent.
func (r *PostgresRepository) TouchConsent(ctx context.Context, consentID string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE consents SET last_accessed_at = $1 WHERE consent_id = $2 AND status = 'active'`,
		at, consentID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConsentNotFound
	}
	return nil
}

// RevokeConsent moves an active consent of the client to revoked.
func (r *PostgresRepository) RevokeConsent(ctx context.Context, consentID, clientID string, at time.Time) (*domain.Consent, error) {
	consent, err := scanConsent(r.db.QueryRow(ctx, `
		UPDATE consents
		SET status = 'revoked', revoked_at = $1, status_updated_at = $1
		WHERE consent_id = $2 AND client_id = $3 AND status = 'active'
		RETURNING `+consentColumns,
		at, consentID, clientID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConsentNotFound
		}
		return nil, err
	}
	return consent, nil
}

// ExpireConsents flips active consents past their expiry to expired.
func (r *PostgresRepository) ExpireConsents(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE consents
		SET status = 'expired', status_updated_at = $1
		WHERE status = 'active' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FindAutoApprovalPolicy retrieves the policy row for a requesting bank.
func (r *PostgresRepository) FindAutoApprovalPolicy(ctx context.Context, requestingBank string) (*domain.AutoApprovalPolicy, error) {
	var policy domain.AutoApprovalPolicy
	err := r.db.QueryRow(ctx,
		`SELECT requesting_bank, enabled, scopes, updated_at FROM consent_auto_approval_policies WHERE requesting_bank = $1`,
		requestingBank,
	).Scan(&policy.RequestingBank, &policy.Enabled, &policy.Scopes, &policy.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	return &policy, nil
}

// UpsertAutoApprovalPolicy creates or replaces a policy row.
func (r *PostgresRepository) UpsertAutoApprovalPolicy(ctx context.Context, policy domain.AutoApprovalPolicy) error {
	scopes := policy.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO consent_auto_approval_policies (requesting_bank, enabled, scopes, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (requesting_bank) DO UPDATE
		SET enabled = EXCLUDED.enabled, scopes = EXCLUDED.scopes, updated_at = EXCLUDED.updated_at
	`, policy.RequestingBank, policy.Enabled, scopes, policy.UpdatedAt)
	return err
}

// CreateNotification stores a customer inbox entry.
func (r *PostgresRepository) CreateNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO notifications (notification_id, client_id, type, title, message, related_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.ClientID, n.Type, n.Title, n.Message, n.RelatedID, n.Read, n.CreatedAt)
	return err
}

// ListNotifications returns the newest notifications of a client.
func (r *PostgresRepository) ListNotifications(ctx context.Context, clientID string, limit int) ([]domain.Notification, error) {
	rows, err := r.db.Query(ctx, `
		SELECT notification_id, client_id, type, title, message, related_id, is_read, created_at
		FROM notifications
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, clientID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []domain.Notification{}
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.ClientID, &n.Type, &n.Title, &n.Message, &n.RelatedID, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}
