package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const emailColumns = `id, account_id, provider_message_id, provider_thread_id, subject, sender_name,
	sender_email, received_at, body_text, body_html, has_attachments, status, created_at, updated_at`

// InsertEmail stores a normalized message. A collision on the
// (provider_message_id, account_id) dedup key returns ErrDuplicateEmail;
// under concurrent writers the constraint turns the race into that same
// rejection.
func (s *Store) InsertEmail(ctx context.Context, e *Email) error {
	return s.insertEmail(ctx, s.DB, e)
}

// InsertEmailWithEvent stores a normalized message and appends an outbox
// entry in the same transaction, so an event is published iff the row was
// actually inserted.
func (s *Store) InsertEmailWithEvent(ctx context.Context, e *Email, natsSubject, eventType string, payload []byte, msgID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertEmail(ctx, tx, e); err != nil {
		return err
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, natsSubject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertEmail(ctx context.Context, db execer, e *Email) error {
	now := time.Now()
	if e.Status == "" {
		e.Status = EmailUnprocessed
	}
	e.CreatedAt = now
	e.UpdatedAt = now

	res, err := db.ExecContext(ctx, `
		INSERT INTO emails (account_id, provider_message_id, provider_thread_id, subject, sender_name,
			sender_email, received_at, body_text, body_html, has_attachments, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.AccountID, e.ProviderMessageID, e.ProviderThreadID, e.Subject, e.SenderName,
		e.SenderEmail, e.ReceivedAt.Unix(), e.BodyText, e.BodyHTML, e.HasAttachments,
		e.Status, now.Unix(), now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert email: %w", err)
	}

	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get email id: %w", err)
	}
	return nil
}

// EmailExists reports whether the dedup key is already stored.
func (s *Store) EmailExists(ctx context.Context, accountID int64, providerMessageID string) (bool, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM emails WHERE account_id = ? AND provider_message_id = ?
	`, accountID, providerMessageID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check email existence: %w", err)
	}
	return count > 0, nil
}

// GetEmail loads one email by id.
func (s *Store) GetEmail(ctx context.Context, id int64) (*Email, error) {
	e, err := scanEmailRow(s.DB.QueryRowContext(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// ListEmailsByStatus returns up to limit emails in a given processing
// state, oldest first. Annotation producers poll this to find work.
func (s *Store) ListEmailsByStatus(ctx context.Context, status string, limit int) ([]Email, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE status = ? ORDER BY received_at ASC LIMIT ?`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	var emails []Email
	for rows.Next() {
		e, err := scanEmailRow(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, *e)
	}
	return emails, rows.Err()
}

// MarkReviewed advances a classified email to reviewed. Status never moves
// backwards, so only classified rows are affected.
func (s *Store) MarkReviewed(ctx context.Context, emailID int64) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE emails SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, EmailReviewed, time.Now().Unix(), emailID, EmailClassified)
	if err != nil {
		return fmt.Errorf("failed to mark email reviewed: %w", err)
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

func scanEmailRow(row rowScanner) (*Email, error) {
	var e Email
	var subject, senderName, bodyText, bodyHTML sql.NullString
	var receivedAt, createdAt, updatedAt int64

	err := row.Scan(&e.ID, &e.AccountID, &e.ProviderMessageID, &e.ProviderThreadID,
		&subject, &senderName, &e.SenderEmail, &receivedAt, &bodyText, &bodyHTML,
		&e.HasAttachments, &e.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.Subject = subject.String
	e.SenderName = senderName.String
	e.BodyText = bodyText.String
	e.BodyHTML = bodyHTML.String
	e.ReceivedAt = time.Unix(receivedAt, 0)
	e.CreatedAt = time.Unix(createdAt, 0)
	e.UpdatedAt = time.Unix(updatedAt, 0)
	return &e, nil
}
