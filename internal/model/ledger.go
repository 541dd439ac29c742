package model

import (
	"time"
)

// Kind classifies a ledger transaction.
type Kind string

const (
	KindPurchase Kind = "purchase"
	KindSale     Kind = "sale"
	KindBonus    Kind = "bonus"
	KindPenalty  Kind = "penalty"
	KindRefund   Kind = "refund"
)

// Valid reports whether k is one of the known transaction kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPurchase, KindSale, KindBonus, KindPenalty, KindRefund:
		return true
	}
	return false
}

// Outcome values stored on audit rows.
const (
	OutcomeCompleted = "completed"
	OutcomePublished = "published"
	OutcomeFailed    = "failed"
)

// User holds the denormalized points balance. Points must always equal the
// sum of PointsDelta over the user's transactions.
type User struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Email     string    `gorm:"size:255;index" json:"email"`
	Points    int64     `gorm:"not null" json:"points"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name
func (User) TableName() string {
	return "users"
}

// Transaction is an immutable ledger entry. JobID, Platform and Outcome are
// first-class columns so history can be queried without parsing Description.
type Transaction struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	UserID      string    `gorm:"size:64;not null;index:idx_tx_user_created,priority:1;index:idx_tx_user_job,priority:1" json:"user_id"`
	Kind        Kind      `gorm:"size:16;not null" json:"type"`
	Description string    `gorm:"type:text" json:"description"`
	PointsDelta int64     `gorm:"not null" json:"points"`
	JobID       string    `gorm:"size:191;index:idx_tx_user_job,priority:2" json:"job_id,omitempty"`
	Platform    string    `gorm:"size:64" json:"platform,omitempty"`
	Outcome     string    `gorm:"size:32" json:"outcome,omitempty"`
	CreatedAt   time.Time `gorm:"index:idx_tx_user_created,priority:2" json:"created_at"`
}

// TableName specifies the table name
func (Transaction) TableName() string {
	return "transactions"
}

// Preference is the subset of user preferences the ledger service reads.
type Preference struct {
	UserID     string    `gorm:"primaryKey;size:64" json:"user_id"`
	WebhookURL string    `gorm:"size:2048" json:"webhook_url"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName specifies the table name
func (Preference) TableName() string {
	return "preferences"
}
