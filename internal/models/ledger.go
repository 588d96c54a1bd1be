package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type LedgerKind string

const (
	LedgerKindPurchase    LedgerKind = "purchase"
	LedgerKindConsumption LedgerKind = "consumption"
	LedgerKindRefund      LedgerKind = "refund"
)

type LedgerStatus string

const (
	LedgerStatusPending   LedgerStatus = "pending"
	LedgerStatusCompleted LedgerStatus = "completed"
	LedgerStatusFailed    LedgerStatus = "failed"
	LedgerStatusCancelled LedgerStatus = "cancelled"
)

func (s LedgerStatus) Terminal() bool {
	return s == LedgerStatusCompleted || s == LedgerStatusFailed || s == LedgerStatusCancelled
}

// LedgerEntry records one balance change. Only a pending purchase ever
// changes after insert, and only once.
type LedgerEntry struct {
	ID               uint            `json:"id" gorm:"primaryKey"`
	AccountID        uint            `json:"accountId" gorm:"not null;index:idx_ledger_account_created,priority:1"`
	Kind             LedgerKind      `json:"kind" gorm:"type:varchar(20);not null;index:idx_ledger_kind_status,priority:1"`
	Status           LedgerStatus    `json:"status" gorm:"type:varchar(20);not null;index:idx_ledger_kind_status,priority:2"`
	Credits          int             `json:"credits" gorm:"not null"`
	Amount           decimal.Decimal `json:"amount" gorm:"type:numeric(12,2);not null;default:0"`
	Currency         string          `json:"currency" gorm:"type:varchar(3)"`
	PackageKey       string          `json:"packageKey,omitempty" gorm:"type:varchar(50)"`
	PaymentSessionID *string         `json:"paymentSessionId,omitempty" gorm:"uniqueIndex"`
	PaymentIntentID  *string         `json:"paymentIntentId,omitempty" gorm:"index"`
	ParentEntryID    *uint           `json:"parentEntryId,omitempty" gorm:"uniqueIndex"`
	BalanceAfter     *int            `json:"balanceAfter,omitempty"`
	Cause            string          `json:"description" gorm:"not null;default:''"`
	FailureReason    string          `json:"failureReason,omitempty"`
	Metadata         datatypes.JSON  `json:"metadata,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt" gorm:"index:idx_ledger_account_created,priority:2"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

type LedgerFilter struct {
	Kinds    []LedgerKind
	Statuses []LedgerStatus
}

// LedgerTransition describes the fields written alongside a status change.
type LedgerTransition struct {
	PaymentIntentID string
	BalanceAfter    *int
	FailureReason   string
	At              time.Time
}
