package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertClassification attaches a classification to an email, keeping the
// row count at exactly one: update in place when present, insert when
// absent. The UNIQUE(email_id) constraint is only the safety net for two
// producers racing on the same email; the loser retries as an update.
// The first classification advances the email from unprocessed to
// classified within the same transaction.
func (s *Store) UpsertClassification(ctx context.Context, emailID int64, c *Classification) error {
	if c.ClassifiedAt.IsZero() {
		c.ClassifiedAt = time.Now()
	}
	if c.ClassifiedBy == "" {
		c.ClassifiedBy = "algorithm"
	}

	featuresJSON, err := marshalNullable(c.Features)
	if err != nil {
		return fmt.Errorf("failed to encode features: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	update := func() (int64, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE classifications
			SET category = ?, subcategory = ?, confidence = ?, features_json = ?,
			    classified_at = ?, classified_by = ?
			WHERE email_id = ?
		`, c.Category, nullString(c.Subcategory), c.Confidence, featuresJSON,
			c.ClassifiedAt.Unix(), c.ClassifiedBy, emailID)
		if err != nil {
			return 0, fmt.Errorf("failed to update classification: %w", err)
		}
		return res.RowsAffected()
	}

	n, err := update()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO classifications (email_id, category, subcategory, confidence, features_json, classified_at, classified_by)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, emailID, c.Category, nullString(c.Subcategory), c.Confidence, featuresJSON,
			c.ClassifiedAt.Unix(), c.ClassifiedBy)
		switch {
		case isUniqueViolation(err):
			// Lost the race to a concurrent producer; last write wins.
			if _, err := update(); err != nil {
				return err
			}
		case isForeignKeyViolation(err):
			return ErrNotFound
		case err != nil:
			return fmt.Errorf("failed to insert classification: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE emails SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, EmailClassified, time.Now().Unix(), emailID, EmailUnprocessed)
	if err != nil {
		return fmt.Errorf("failed to advance email status: %w", err)
	}

	return tx.Commit()
}

// GetClassification loads the classification for an email, or ErrNotFound.
func (s *Store) GetClassification(ctx context.Context, emailID int64) (*Classification, error) {
	var c Classification
	var subcategory, featuresJSON sql.NullString
	var classifiedAt int64

	err := s.DB.QueryRowContext(ctx, `
		SELECT id, email_id, category, subcategory, confidence, features_json, classified_at, classified_by
		FROM classifications WHERE email_id = ?
	`, emailID).Scan(&c.ID, &c.EmailID, &c.Category, &subcategory, &c.Confidence,
		&featuresJSON, &classifiedAt, &c.ClassifiedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load classification: %w", err)
	}

	c.Subcategory = subcategory.String
	c.ClassifiedAt = time.Unix(classifiedAt, 0)
	if featuresJSON.Valid {
		if err := json.Unmarshal([]byte(featuresJSON.String), &c.Features); err != nil {
			return nil, fmt.Errorf("failed to decode features: %w", err)
		}
	}
	return &c, nil
}

// UpsertExtraction attaches extracted information to an email with the
// same single-row guarantee as UpsertClassification. Extraction does not
// change the email's processing status.
func (s *Store) UpsertExtraction(ctx context.Context, emailID int64, ex *Extraction) error {
	if ex.ExtractedAt.IsZero() {
		ex.ExtractedAt = time.Now()
	}

	contactJSON, err := marshalNullable(ex.ContactInfo)
	if err != nil {
		return fmt.Errorf("failed to encode contact info: %w", err)
	}
	interestsJSON, err := marshalNullable(ex.ProductInterests)
	if err != nil {
		return fmt.Errorf("failed to encode product interests: %w", err)
	}
	questionsJSON, err := marshalNullable(ex.Questions)
	if err != nil {
		return fmt.Errorf("failed to encode questions: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	update := func() (int64, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE extractions
			SET contact_info_json = ?, product_interests_json = ?, questions_json = ?,
			    urgency = ?, preferred_contact_method = ?, extracted_at = ?
			WHERE email_id = ?
		`, contactJSON, interestsJSON, questionsJSON,
			nullString(ex.Urgency), nullString(ex.PreferredContactMethod), ex.ExtractedAt.Unix(), emailID)
		if err != nil {
			return 0, fmt.Errorf("failed to update extraction: %w", err)
		}
		return res.RowsAffected()
	}

	n, err := update()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO extractions (email_id, contact_info_json, product_interests_json, questions_json,
				urgency, preferred_contact_method, extracted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, emailID, contactJSON, interestsJSON, questionsJSON,
			nullString(ex.Urgency), nullString(ex.PreferredContactMethod), ex.ExtractedAt.Unix())
		switch {
		case isUniqueViolation(err):
			if _, err := update(); err != nil {
				return err
			}
		case isForeignKeyViolation(err):
			return ErrNotFound
		case err != nil:
			return fmt.Errorf("failed to insert extraction: %w", err)
		}
	}

	return tx.Commit()
}

// GetExtraction loads the extracted information for an email, or ErrNotFound.
func (s *Store) GetExtraction(ctx context.Context, emailID int64) (*Extraction, error) {
	var ex Extraction
	var contactJSON, interestsJSON, questionsJSON, urgency, contactMethod sql.NullString
	var extractedAt int64

	err := s.DB.QueryRowContext(ctx, `
		SELECT id, email_id, contact_info_json, product_interests_json, questions_json,
		       urgency, preferred_contact_method, extracted_at
		FROM extractions WHERE email_id = ?
	`, emailID).Scan(&ex.ID, &ex.EmailID, &contactJSON, &interestsJSON, &questionsJSON,
		&urgency, &contactMethod, &extractedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load extraction: %w", err)
	}

	ex.Urgency = urgency.String
	ex.PreferredContactMethod = contactMethod.String
	ex.ExtractedAt = time.Unix(extractedAt, 0)

	if contactJSON.Valid {
		if err := json.Unmarshal([]byte(contactJSON.String), &ex.ContactInfo); err != nil {
			return nil, fmt.Errorf("failed to decode contact info: %w", err)
		}
	}
	if interestsJSON.Valid {
		if err := json.Unmarshal([]byte(interestsJSON.String), &ex.ProductInterests); err != nil {
			return nil, fmt.Errorf("failed to decode product interests: %w", err)
		}
	}
	if questionsJSON.Valid {
		if err := json.Unmarshal([]byte(questionsJSON.String), &ex.Questions); err != nil {
			return nil, fmt.Errorf("failed to decode questions: %w", err)
		}
	}
	return &ex, nil
}

func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case []ProductInterest:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case *ContactInfo:
		if t == nil {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
