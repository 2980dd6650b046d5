package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type accountRepo struct {
	db DB
}

const accountColumns = `id, user_id, provider, provider_account_id, email, encrypted_access_token,
encrypted_refresh_token, token_expires_at, scope, status, status_message, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var status string
	if err := row.Scan(
		&a.ID, &a.UserID, &a.Provider, &a.ProviderAccountID, &a.Email, &a.EncryptedAccessToken,
		&a.EncryptedRefreshToken, &a.TokenExpiresAt, &a.Scope, &status, &a.StatusMessage, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Status = AccountStatus(status)
	return &a, nil
}

func (r *accountRepo) Create(ctx context.Context, account Account) (*Account, error) {
	defer observeDB(ctx, "accounts.create")()

	status := account.Status
	if status == "" {
		status = AccountActive
	}
	row := r.db.QueryRow(ctx, `INSERT INTO connected_accounts
(user_id, provider, provider_account_id, email, encrypted_access_token, encrypted_refresh_token, token_expires_at, scope, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+accountColumns,
		account.UserID, account.Provider, account.ProviderAccountID, account.Email, account.EncryptedAccessToken,
		account.EncryptedRefreshToken, account.TokenExpiresAt, account.Scope, string(status),
	)
	created, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	return created, nil
}

func (r *accountRepo) GetByID(ctx context.Context, id int64) (*Account, error) {
	defer observeDB(ctx, "accounts.get_by_id")()

	a, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM connected_accounts WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return a, nil
}

func (r *accountRepo) GetByProviderAccount(ctx context.Context, provider, providerAccountID string) (*Account, error) {
	defer observeDB(ctx, "accounts.get_by_provider_account")()

	a, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM connected_accounts
WHERE provider=$1 AND provider_account_id=$2`, provider, providerAccountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account by provider id: %w", err)
	}
	return a, nil
}

func (r *accountRepo) ListByUser(ctx context.Context, userID string) ([]Account, error) {
	defer observeDB(ctx, "accounts.list_by_user")()
	return r.list(ctx, `SELECT `+accountColumns+` FROM connected_accounts WHERE user_id=$1 ORDER BY id`, userID)
}

func (r *accountRepo) ListByProvider(ctx context.Context, provider string) ([]Account, error) {
	defer observeDB(ctx, "accounts.list_by_provider")()
	return r.list(ctx, `SELECT `+accountColumns+` FROM connected_accounts WHERE provider=$1 ORDER BY id`, provider)
}

func (r *accountRepo) list(ctx context.Context, query string, arg any) ([]Account, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *accountRepo) UpdateTokens(ctx context.Context, id int64, update TokenUpdate) error {
	defer observeDB(ctx, "accounts.update_tokens")()

	tag, err := r.db.Exec(ctx, `UPDATE connected_accounts SET
encrypted_access_token=$2,
encrypted_refresh_token=COALESCE($3, encrypted_refresh_token),
token_expires_at=$4,
scope=COALESCE($5, scope),
status='active',
status_message=NULL,
updated_at=NOW()
WHERE id=$1`, id, update.EncryptedAccessToken, update.EncryptedRefreshToken, update.TokenExpiresAt, update.Scope)
	if err != nil {
		return fmt.Errorf("update account tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *accountRepo) MarkReauthRequired(ctx context.Context, id int64, message string) error {
	defer observeDB(ctx, "accounts.mark_reauth_required")()

	tag, err := r.db.Exec(ctx, `UPDATE connected_accounts SET status='reauth_required', status_message=$2, updated_at=NOW() WHERE id=$1`, id, message)
	if err != nil {
		return fmt.Errorf("mark account %d reauth required: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *accountRepo) Delete(ctx context.Context, userID string, id int64) error {
	defer observeDB(ctx, "accounts.delete")()

	tag, err := r.db.Exec(ctx, `DELETE FROM connected_accounts WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete account %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// refreshLockClass namespaces token refresh locks among advisory locks.
const refreshLockClass int32 = 0x746f6b

// WithRefreshLock holds a transaction-scoped advisory lock keyed by the account
// while fn runs, so instances sharing the database refresh one at a time.
// fn uses the pool; the lock is released when the transaction ends.
func (r *accountRepo) WithRefreshLock(ctx context.Context, id int64, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin refresh lock %d: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Ids beyond int4 wrap; a collision only serializes two accounts.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, refreshLockClass, int32(id)); err != nil {
		return fmt.Errorf("lock account %d for refresh: %w", id, err)
	}
	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("release refresh lock %d: %w", id, err)
	}
	return nil
}
