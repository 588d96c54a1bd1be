package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sefazor/cutout-backend/internal/config"
	"github.com/sefazor/cutout-backend/internal/models"
	"github.com/sefazor/cutout-backend/internal/repository"
	"github.com/sefazor/cutout-backend/pkg/email"
	"github.com/sefazor/cutout-backend/pkg/events"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// PendingPurchase is a purchase entry waiting for its payment.
type PendingPurchase struct {
	EntryID uint
	Package config.Package
}

// CreditService owns every balance change. Each change is one ledger entry
// written in the same transaction as the balance update.
type CreditService struct {
	store     *repository.Store
	catalog   *config.Catalog
	publisher EventPublisher
	notifier  Notifier
	log       *zap.Logger
	now       func() time.Time
}

func NewCreditService(store *repository.Store, catalog *config.Catalog, publisher EventPublisher, notifier Notifier, log *zap.Logger) *CreditService {
	return &CreditService{
		store:     store,
		catalog:   catalog,
		publisher: publisher,
		notifier:  notifier,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *CreditService) Balance(ctx context.Context, accountID uint) (int, error) {
	account, err := s.store.Accounts().GetByID(ctx, accountID)
	if err != nil {
		return 0, accountErr(err)
	}
	return account.Balance, nil
}

// EnsureBalance checks without debiting. The debit itself re-checks.
func (s *CreditService) EnsureBalance(ctx context.Context, accountID uint, amount int) error {
	balance, err := s.Balance(ctx, accountID)
	if err != nil {
		return err
	}
	if balance < amount {
		return ErrInsufficientCredits
	}
	return nil
}

// Consume debits amount credits (1 when amount <= 0) and returns the
// remaining balance.
func (s *CreditService) Consume(ctx context.Context, accountID uint, amount int, cause string) (int, error) {
	return s.ConsumeWith(ctx, accountID, amount, cause, nil)
}

// ConsumeWith debits like Consume and runs also inside the same transaction,
// so the caller's write commits or rolls back together with the debit.
func (s *CreditService) ConsumeWith(ctx context.Context, accountID uint, amount int, cause string, also func(tx *repository.Store, remaining int) error) (int, error) {
	if amount <= 0 {
		amount = 1
	}

	var entry models.LedgerEntry
	err := runInTx(ctx, s.store, s.log, "consume", func(tx *repository.Store) error {
		account, err := tx.Accounts().AdjustBalance(ctx, accountID, -amount)
		if err != nil {
			if errors.Is(err, repository.ErrInsufficientBalance) {
				return ErrInsufficientCredits
			}
			return accountErr(err)
		}

		now := s.now()
		balance := account.Balance
		entry = models.LedgerEntry{
			AccountID:    accountID,
			Kind:         models.LedgerKindConsumption,
			Status:       models.LedgerStatusCompleted,
			Credits:      -amount,
			Amount:       decimal.Zero,
			Currency:     s.catalog.Currency(),
			Cause:        cause,
			BalanceAfter: &balance,
			CompletedAt:  &now,
		}
		if err := tx.Ledger().Append(ctx, &entry); err != nil {
			return err
		}
		if also != nil {
			return also(tx, balance)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.publish(ctx, events.SubjectCreditsConsumed, &entry)
	return *entry.BalanceAfter, nil
}

// BeginPurchase records a pending purchase for packageKey. No balance changes
// until the purchase is settled.
func (s *CreditService) BeginPurchase(ctx context.Context, accountID uint, packageKey string) (*PendingPurchase, error) {
	pkg, ok := s.catalog.Lookup(packageKey)
	if !ok {
		return nil, ErrInvalidPackage
	}
	if _, err := s.store.Accounts().GetByID(ctx, accountID); err != nil {
		return nil, accountErr(err)
	}

	metadata, err := json.Marshal(map[string]interface{}{
		"package_name": pkg.Name,
		"price_cents":  pkg.PriceCents,
	})
	if err != nil {
		return nil, fmt.Errorf("encode purchase metadata: %w", err)
	}

	entry := &models.LedgerEntry{
		AccountID:  accountID,
		Kind:       models.LedgerKindPurchase,
		Status:     models.LedgerStatusPending,
		Credits:    pkg.Credits,
		Amount:     pkg.Amount(),
		Currency:   s.catalog.Currency(),
		PackageKey: pkg.Key,
		Cause:      fmt.Sprintf("Purchase of %s", pkg.Name),
		Metadata:   datatypes.JSON(metadata),
	}
	if err := s.store.Ledger().Append(ctx, entry); err != nil {
		return nil, err
	}

	s.log.Info("purchase started",
		zap.Uint("account_id", accountID),
		zap.Uint("entry_id", entry.ID),
		zap.String("package", pkg.Key))
	return &PendingPurchase{EntryID: entry.ID, Package: pkg}, nil
}

// SettlePurchase credits the purchase paid through sessionRef. Only the first
// call for a session changes the balance; later calls report the recorded
// result with AlreadySettled set.
func (s *CreditService) SettlePurchase(ctx context.Context, sessionRef, paymentIntentRef string) (*models.SettleResult, error) {
	var (
		result  *models.SettleResult
		account *models.Account
		entry   *models.LedgerEntry
	)
	err := runInTx(ctx, s.store, s.log, "settle purchase", func(tx *repository.Store) error {
		result, account, entry = nil, nil, nil

		found, err := tx.Ledger().FindByPaymentSession(ctx, sessionRef)
		if err != nil {
			return transactionErr(err)
		}

		switch found.Status {
		case models.LedgerStatusCompleted:
			result, err = settledResult(ctx, tx, found)
			return err
		case models.LedgerStatusFailed, models.LedgerStatusCancelled:
			return ErrPurchaseClosed
		}

		applied, err := tx.Ledger().Transition(ctx, found.ID, models.LedgerStatusPending, models.LedgerStatusCompleted,
			models.LedgerTransition{PaymentIntentID: paymentIntentRef, At: s.now()})
		if err != nil {
			return err
		}
		if !applied {
			// Another settlement committed between the read and the update.
			latest, err := tx.Ledger().GetByID(ctx, found.ID)
			if err != nil {
				return err
			}
			if latest.Status != models.LedgerStatusCompleted {
				return ErrPurchaseClosed
			}
			result, err = settledResult(ctx, tx, latest)
			return err
		}

		account, err = tx.Accounts().AdjustBalance(ctx, found.AccountID, found.Credits)
		if err != nil {
			return accountErr(err)
		}
		if err := tx.Ledger().SetBalanceAfter(ctx, found.ID, account.Balance); err != nil {
			return err
		}

		balance := account.Balance
		found.Status = models.LedgerStatusCompleted
		found.BalanceAfter = &balance
		entry = found
		result = &models.SettleResult{
			TransactionID: found.ID,
			CreditsAdded:  found.Credits,
			NewBalance:    balance,
			Amount:        found.Amount,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.AlreadySettled {
		s.log.Info("purchase already settled",
			zap.String("session", sessionRef),
			zap.Uint("entry_id", result.TransactionID))
		return result, nil
	}

	s.log.Info("purchase settled",
		zap.String("session", sessionRef),
		zap.Uint("entry_id", result.TransactionID),
		zap.Uint("account_id", account.ID),
		zap.Int("credits", result.CreditsAdded),
		zap.Int("balance", result.NewBalance))
	s.publish(ctx, events.SubjectCreditsPurchased, entry)
	s.sendReceipt(ctx, account, entry)
	return result, nil
}

// CancelPurchase abandons a pending purchase. Terminal purchases are left untouched.
func (s *CreditService) CancelPurchase(ctx context.Context, sessionRef, reason string) error {
	entry, err := s.store.Ledger().FindByPaymentSession(ctx, sessionRef)
	if err != nil {
		return transactionErr(err)
	}
	return s.close(ctx, entry, models.LedgerStatusCancelled, reason)
}

// FailPurchase marks a pending purchase as failed. Terminal purchases are left untouched.
func (s *CreditService) FailPurchase(ctx context.Context, entryID uint, reason string) error {
	entry, err := s.store.Ledger().GetByID(ctx, entryID)
	if err != nil {
		return transactionErr(err)
	}
	if entry.Kind != models.LedgerKindPurchase {
		return ErrTransactionNotFound
	}
	return s.close(ctx, entry, models.LedgerStatusFailed, reason)
}

func (s *CreditService) close(ctx context.Context, entry *models.LedgerEntry, to models.LedgerStatus, reason string) error {
	if entry.Status != models.LedgerStatusPending {
		s.log.Debug("purchase already terminal",
			zap.Uint("entry_id", entry.ID),
			zap.String("status", string(entry.Status)),
			zap.String("requested", string(to)))
		return nil
	}
	applied, err := s.store.Ledger().Transition(ctx, entry.ID, models.LedgerStatusPending, to,
		models.LedgerTransition{FailureReason: reason, At: s.now()})
	if err != nil {
		return err
	}
	if applied {
		s.log.Info("purchase closed",
			zap.Uint("entry_id", entry.ID),
			zap.String("status", string(to)),
			zap.String("reason", reason))
	}
	return nil
}

// RefundPurchase reverses a completed purchase once. The debit is capped at
// the current balance so it never goes negative. A repeated call returns the
// refund already recorded.
func (s *CreditService) RefundPurchase(ctx context.Context, entryID uint, refunded decimal.Decimal, reason string) (*models.LedgerEntry, error) {
	var (
		refund  *models.LedgerEntry
		created bool
	)
	err := runInTx(ctx, s.store, s.log, "refund purchase", func(tx *repository.Store) error {
		refund, created = nil, false

		purchase, err := tx.Ledger().GetByID(ctx, entryID)
		if err != nil {
			return transactionErr(err)
		}
		if purchase.Kind != models.LedgerKindPurchase {
			return ErrTransactionNotFound
		}
		if purchase.Status != models.LedgerStatusCompleted {
			return ErrPurchaseClosed
		}

		if existing, err := tx.Ledger().FindRefund(ctx, purchase.ID); err == nil {
			refund = existing
			return nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		debit, account, err := debitUpTo(ctx, tx, purchase.AccountID, purchase.Credits)
		if err != nil {
			return err
		}

		now := s.now()
		balance := account.Balance
		parentID := purchase.ID
		refund = &models.LedgerEntry{
			AccountID:     purchase.AccountID,
			Kind:          models.LedgerKindRefund,
			Status:        models.LedgerStatusCompleted,
			Credits:       -debit,
			Amount:        refunded,
			Currency:      purchase.Currency,
			PackageKey:    purchase.PackageKey,
			ParentEntryID: &parentID,
			BalanceAfter:  &balance,
			Cause:         reason,
			CompletedAt:   &now,
		}
		if err := tx.Ledger().Append(ctx, refund); err != nil {
			return err
		}
		created = true
		return nil
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// A concurrent refund of the same purchase won.
		existing, findErr := s.store.Ledger().FindRefund(ctx, entryID)
		if findErr != nil {
			return nil, findErr
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}

	if created {
		s.log.Info("purchase refunded",
			zap.Uint("purchase_id", entryID),
			zap.Uint("refund_id", refund.ID),
			zap.Int("credits", refund.Credits))
		s.publish(ctx, events.SubjectCreditsRefunded, refund)
	}
	return refund, nil
}

// debitUpTo takes up to credits from an account without driving it negative.
// When a concurrent debit lands between the read and the conditional update,
// the balance is read again and the amount re-clamped.
func debitUpTo(ctx context.Context, tx *repository.Store, accountID uint, credits int) (int, *models.Account, error) {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		account, err := tx.Accounts().GetByID(ctx, accountID)
		if err != nil {
			return 0, nil, accountErr(err)
		}
		debit := min(credits, account.Balance)
		if debit <= 0 {
			return 0, account, nil
		}
		account, err = tx.Accounts().AdjustBalance(ctx, accountID, -debit)
		switch {
		case err == nil:
			return debit, account, nil
		case !errors.Is(err, repository.ErrInsufficientBalance):
			return 0, nil, accountErr(err)
		}
	}
	return 0, nil, ErrConflict
}

// History lists an account's purchases that reached a terminal status.
func (s *CreditService) History(ctx context.Context, accountID uint, page models.Page) ([]models.LedgerEntry, models.Pagination, error) {
	return s.list(ctx, accountID, models.LedgerFilter{
		Kinds: []models.LedgerKind{models.LedgerKindPurchase},
		Statuses: []models.LedgerStatus{
			models.LedgerStatusCompleted,
			models.LedgerStatusFailed,
			models.LedgerStatusCancelled,
		},
	}, page)
}

// Transactions lists every ledger entry of an account.
func (s *CreditService) Transactions(ctx context.Context, accountID uint, page models.Page) ([]models.LedgerEntry, models.Pagination, error) {
	return s.list(ctx, accountID, models.LedgerFilter{}, page)
}

func (s *CreditService) list(ctx context.Context, accountID uint, filter models.LedgerFilter, page models.Page) ([]models.LedgerEntry, models.Pagination, error) {
	page = page.Normalize()
	entries, total, err := s.store.Ledger().FindByAccount(ctx, accountID, filter, page)
	if err != nil {
		return nil, models.Pagination{}, err
	}
	return entries, models.NewPagination(page, total), nil
}

func (s *CreditService) publish(ctx context.Context, subject string, entry *models.LedgerEntry) {
	if s.publisher == nil || entry == nil {
		return
	}
	event := events.LedgerEvent{
		EntryID:    entry.ID,
		AccountID:  entry.AccountID,
		Kind:       string(entry.Kind),
		Credits:    entry.Credits,
		Amount:     entry.Amount,
		Currency:   entry.Currency,
		PackageKey: entry.PackageKey,
		OccurredAt: s.now(),
	}
	if entry.BalanceAfter != nil {
		event.BalanceAfter = *entry.BalanceAfter
	}
	if err := s.publisher.Publish(ctx, subject, event); err != nil {
		s.log.Warn("failed to publish ledger event",
			zap.String("subject", subject),
			zap.Uint("entry_id", entry.ID),
			zap.Error(err))
	}
}

func (s *CreditService) sendReceipt(ctx context.Context, account *models.Account, entry *models.LedgerEntry) {
	if s.notifier == nil || account == nil {
		return
	}
	packageName := entry.PackageKey
	if pkg, ok := s.catalog.Lookup(entry.PackageKey); ok {
		packageName = pkg.Name
	}
	err := s.notifier.SendPurchaseReceipt(ctx, recipientOf(account), email.Receipt{
		TransactionID: entry.ID,
		PackageName:   packageName,
		Credits:       entry.Credits,
		Amount:        entry.Amount,
		Currency:      entry.Currency,
		NewBalance:    account.Balance,
	})
	if err != nil {
		s.log.Warn("failed to send purchase receipt", zap.Uint("entry_id", entry.ID), zap.Error(err))
	}
}

func settledResult(ctx context.Context, tx *repository.Store, entry *models.LedgerEntry) (*models.SettleResult, error) {
	result := &models.SettleResult{
		TransactionID:  entry.ID,
		CreditsAdded:   entry.Credits,
		Amount:         entry.Amount,
		AlreadySettled: true,
	}
	if entry.BalanceAfter != nil {
		result.NewBalance = *entry.BalanceAfter
		return result, nil
	}
	account, err := tx.Accounts().GetByID(ctx, entry.AccountID)
	if err != nil {
		return nil, accountErr(err)
	}
	result.NewBalance = account.Balance
	return result, nil
}

func recipientOf(account *models.Account) email.Recipient {
	return email.Recipient{Email: account.Email, FirstName: account.FirstName, LastName: account.LastName}
}

func accountErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrAccountNotFound
	}
	return err
}

func transactionErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrTransactionNotFound
	}
	return err
}
