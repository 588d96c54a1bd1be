package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/sefazor/cutout-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByID(ctx context.Context, id uint) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

func (r *AccountRepository) GetByExternalID(ctx context.Context, externalID string) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&account).Error; err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&account).Error; err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

// GetOrCreate returns the account for identity.ExternalID, creating it with
// the given opening balance on first sight. An existing account with the same
// email is relinked to the new external id instead of duplicated. Concurrent
// first sightings converge on a single row.
func (r *AccountRepository) GetOrCreate(ctx context.Context, identity models.Identity, openingBalance int) (*models.Account, bool, error) {
	if account, err := r.GetByExternalID(ctx, identity.ExternalID); err == nil {
		return account, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if existing, err := r.GetByEmail(ctx, identity.Email); err == nil {
		updates := map[string]interface{}{"external_id": identity.ExternalID}
		if identity.FirstName != "" {
			updates["first_name"] = identity.FirstName
		}
		if identity.LastName != "" {
			updates["last_name"] = identity.LastName
		}
		if err := r.db.WithContext(ctx).Model(existing).Updates(updates).Error; err != nil {
			return nil, false, fmt.Errorf("relink account: %w", err)
		}
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	account := &models.Account{
		ExternalID: identity.ExternalID,
		Email:      identity.Email,
		FirstName:  identity.FirstName,
		LastName:   identity.LastName,
		Balance:    openingBalance,
		IsActive:   true,
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(account)
	if result.Error != nil {
		if !isUniqueViolation(result.Error) {
			return nil, false, fmt.Errorf("create account: %w", result.Error)
		}
	} else if result.RowsAffected == 1 {
		return account, true, nil
	}

	// Lost the race to a concurrent insert.
	winner, err := r.GetByExternalID(ctx, identity.ExternalID)
	if err != nil {
		return nil, false, fmt.Errorf("reload account after conflict: %w", err)
	}
	return winner, false, nil
}

// AdjustBalance applies delta to the balance in a single conditional update.
// A debit that would take the balance below zero returns ErrInsufficientBalance
// and changes nothing.
func (r *AccountRepository) AdjustBalance(ctx context.Context, id uint, delta int) (*models.Account, error) {
	query := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id)
	if delta < 0 {
		query = query.Where("balance >= ?", -delta)
	}
	result := query.Update("balance", gorm.Expr("balance + ?", delta))
	if result.Error != nil {
		return nil, fmt.Errorf("adjust balance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrInsufficientBalance
	}
	return r.GetByID(ctx, id)
}

func (r *AccountRepository) UpdateProfile(ctx context.Context, id uint, firstName, lastName string) (*models.Account, error) {
	result := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).
		Updates(map[string]interface{}{"first_name": firstName, "last_name": lastName})
	if result.Error != nil {
		return nil, fmt.Errorf("update profile: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *AccountRepository) UpdateEmail(ctx context.Context, id uint, email string) error {
	err := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Update("email", email).Error
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *AccountRepository) SetActive(ctx context.Context, id uint, active bool) error {
	return r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Update("is_active", active).Error
}
