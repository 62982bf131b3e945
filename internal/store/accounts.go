package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertAccount records a freshly authorized mailbox. If an account with
// the same address already exists its tokens are replaced and it is
// reactivated; a disconnect followed by a new authorization reuses the row.
func (s *Store) UpsertAccount(ctx context.Context, userID, email string, cred Credential) (*Account, error) {
	now := time.Now()

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (user_id, email, access_token, refresh_token, token_expiry, connected_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			user_id = excluded.user_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expiry = excluded.token_expiry,
			status = excluded.status
	`, userID, email, cred.AccessToken, cred.RefreshToken, nullTime(cred.Expiry), now.Unix(), AccountActive)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert account: %w", err)
	}

	return s.GetAccountByEmail(ctx, email)
}

// GetAccount loads one account by id.
func (s *Store) GetAccount(ctx context.Context, id int64) (*Account, error) {
	return s.scanAccount(s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, email, access_token, refresh_token, token_expiry, connected_at, last_sync, status
		FROM accounts WHERE id = ?
	`, id))
}

// GetAccountByEmail loads one account by its mailbox address.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return s.scanAccount(s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, email, access_token, refresh_token, token_expiry, connected_at, last_sync, status
		FROM accounts WHERE email = ?
	`, email))
}

// ListAccounts returns all accounts owned by a user.
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]Account, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, email, access_token, refresh_token, token_expiry, connected_at, last_sync, status
		FROM accounts WHERE user_id = ? ORDER BY connected_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccountRow(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// Disconnect marks an account inactive. Rows are never hard-deleted so
// ingested emails keep a valid owner.
func (s *Store) Disconnect(ctx context.Context, id int64, userID string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET status = ? WHERE id = ? AND user_id = ?
	`, AccountInactive, id, userID)
	if err != nil {
		return fmt.Errorf("failed to disconnect account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInactive flags an account whose refresh token was revoked. The user
// has to re-authorize before any further sync.
func (s *Store) MarkInactive(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE accounts SET status = ? WHERE id = ?`, AccountInactive, id)
	if err != nil {
		return fmt.Errorf("failed to mark account inactive: %w", err)
	}
	return nil
}

// GetCredential reads the stored OAuth state for an account.
func (s *Store) GetCredential(ctx context.Context, accountID int64) (Credential, error) {
	var cred Credential
	var expiry sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, token_expiry FROM accounts WHERE id = ?
	`, accountID).Scan(&cred.AccessToken, &cred.RefreshToken, &expiry)
	if err != nil {
		if err == sql.ErrNoRows {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("failed to load credential: %w", err)
	}
	cred.Expiry = fromUnix(expiry)
	return cred, nil
}

// PutCredential persists refreshed OAuth state in a single statement so a
// crash can never leave a new access token without its expiry.
func (s *Store) PutCredential(ctx context.Context, accountID int64, cred Credential) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET access_token = ?, refresh_token = ?, token_expiry = ? WHERE id = ?
	`, cred.AccessToken, cred.RefreshToken, nullTime(cred.Expiry), accountID)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSync records the completion time of an ingestion run.
func (s *Store) TouchLastSync(ctx context.Context, accountID int64, t time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE accounts SET last_sync = ? WHERE id = ?`, t.Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to update last sync: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAccount(row *sql.Row) (*Account, error) {
	a, err := scanAccountRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func scanAccountRow(row rowScanner) (*Account, error) {
	var a Account
	var connectedAt int64
	var expiry, lastSync sql.NullInt64

	err := row.Scan(&a.ID, &a.UserID, &a.Email, &a.AccessToken, &a.RefreshToken,
		&expiry, &connectedAt, &lastSync, &a.Status)
	if err != nil {
		return nil, err
	}

	a.TokenExpiry = fromUnix(expiry)
	a.ConnectedAt = time.Unix(connectedAt, 0)
	a.LastSync = fromUnix(lastSync)
	return &a, nil
}
