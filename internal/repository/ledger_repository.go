package repository

import (
	"context"
	"fmt"

	"github.com/sefazor/cutout-backend/internal/models"
	"gorm.io/gorm"
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Append(ctx context.Context, entry *models.LedgerEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (r *LedgerRepository) GetByID(ctx context.Context, id uint) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	if err := r.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

func (r *LedgerRepository) FindByPaymentSession(ctx context.Context, sessionID string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("payment_session_id = ? AND kind = ?", sessionID, models.LedgerKindPurchase).
		First(&entry).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

func (r *LedgerRepository) FindByPaymentIntent(ctx context.Context, intentID string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("payment_intent_id = ? AND kind = ?", intentID, models.LedgerKindPurchase).
		First(&entry).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

// FindRefund returns the refund already recorded against a purchase, if any.
func (r *LedgerRepository) FindRefund(ctx context.Context, purchaseID uint) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("parent_entry_id = ? AND kind = ?", purchaseID, models.LedgerKindRefund).
		First(&entry).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

// FindByAccount lists an account's entries newest first.
func (r *LedgerRepository) FindByAccount(ctx context.Context, accountID uint, filter models.LedgerFilter, page models.Page) ([]models.LedgerEntry, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).Where("account_id = ?", accountID)
	if len(filter.Kinds) > 0 {
		query = query.Where("kind IN ?", filter.Kinds)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count ledger entries: %w", err)
	}

	var entries []models.LedgerEntry
	err := query.Order("created_at DESC").Order("id DESC").
		Limit(page.Limit).Offset(page.Offset()).
		Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, total, nil
}

// AttachSession records the provider session on a pending purchase that has none yet.
func (r *LedgerRepository) AttachSession(ctx context.Context, id uint, sessionID string) error {
	result := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("id = ? AND status = ? AND payment_session_id IS NULL", id, models.LedgerStatusPending).
		Update("payment_session_id", sessionID)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrDuplicate
		}
		return fmt.Errorf("attach payment session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Transition moves an entry from one status to another. It reports false when
// the entry was no longer in the expected status, which makes the caller that
// gets true the only one to have performed the transition.
func (r *LedgerRepository) Transition(ctx context.Context, id uint, from, to models.LedgerStatus, change models.LedgerTransition) (bool, error) {
	updates := map[string]interface{}{"status": to}
	if change.PaymentIntentID != "" {
		updates["payment_intent_id"] = change.PaymentIntentID
	}
	if change.BalanceAfter != nil {
		updates["balance_after"] = *change.BalanceAfter
	}
	if change.FailureReason != "" {
		updates["failure_reason"] = change.FailureReason
	} else if to == models.LedgerStatusCompleted {
		updates["failure_reason"] = ""
	}
	if to == models.LedgerStatusCompleted && !change.At.IsZero() {
		updates["completed_at"] = change.At
	}

	result := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("transition ledger entry %d: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// NoteFailure records why the last payment attempt on a pending entry failed
// without closing it. It reports false when the entry is no longer pending.
func (r *LedgerRepository) NoteFailure(ctx context.Context, id uint, reason string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("id = ? AND status = ?", id, models.LedgerStatusPending).
		Update("failure_reason", reason)
	if result.Error != nil {
		return false, fmt.Errorf("note ledger entry %d failure: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// SetBalanceAfter stamps the post-application balance on an entry already
// transitioned in the same transaction.
func (r *LedgerRepository) SetBalanceAfter(ctx context.Context, id uint, balance int) error {
	return r.db.WithContext(ctx).Model(&models.LedgerEntry{}).Where("id = ?", id).
		Update("balance_after", balance).Error
}
