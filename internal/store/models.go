package store

import "time"

// Account statuses.
const (
	AccountActive   = "active"
	AccountInactive = "inactive"
)

// Email processing statuses. Status only moves forward:
// unprocessed -> classified -> reviewed.
const (
	EmailUnprocessed = "unprocessed"
	EmailClassified  = "classified"
	EmailReviewed    = "reviewed"
)

// Urgency levels for extracted information.
const (
	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"
)

// Account is a connected Gmail mailbox owned by a user. Token fields are
// excluded from JSON so they never leak through API responses or logs.
type Account struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenExpiry  time.Time `json:"-"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastSync     time.Time `json:"last_sync,omitempty"`
	Status       string    `json:"status"`
}

// Credential is the per-account slice of OAuth state the token refresher
// reads and writes. The client id/secret and token endpoint are shared
// service configuration, not per-account data.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Email is one ingested message. (ProviderMessageID, AccountID) is the
// dedup key and is unique in storage.
type Email struct {
	ID                int64     `json:"id"`
	AccountID         int64     `json:"account_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	ProviderThreadID  string    `json:"provider_thread_id"`
	Subject           string    `json:"subject,omitempty"`
	SenderName        string    `json:"sender_name,omitempty"`
	SenderEmail       string    `json:"sender_email"`
	ReceivedAt        time.Time `json:"received_at"`
	BodyText          string    `json:"body_text,omitempty"`
	BodyHTML          string    `json:"body_html,omitempty"`
	HasAttachments    bool      `json:"has_attachments"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Classification is the single classification attached to an email.
type Classification struct {
	ID           int64          `json:"id"`
	EmailID      int64          `json:"email_id"`
	Category     string         `json:"category"`
	Subcategory  string         `json:"subcategory,omitempty"`
	Confidence   float64        `json:"confidence"`
	Features     map[string]any `json:"features,omitempty"`
	ClassifiedAt time.Time      `json:"classified_at"`
	ClassifiedBy string         `json:"classified_by"`
}

// ContactInfo is structured contact data pulled out of an email body.
type ContactInfo struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
}

// ProductInterest pairs a product mention with the extractor's confidence.
type ProductInterest struct {
	Product    string  `json:"product"`
	Confidence float64 `json:"confidence"`
}

// Extraction is the single extracted-information record for an email.
type Extraction struct {
	ID                     int64             `json:"id"`
	EmailID                int64             `json:"email_id"`
	ContactInfo            *ContactInfo      `json:"contact_info,omitempty"`
	ProductInterests       []ProductInterest `json:"product_interests,omitempty"`
	Questions              []string          `json:"questions,omitempty"`
	Urgency                string            `json:"urgency,omitempty"`
	PreferredContactMethod string            `json:"preferred_contact_method,omitempty"`
	ExtractedAt            time.Time         `json:"extracted_at"`
}

// OutboxMessage is a pending event waiting to be published.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}
