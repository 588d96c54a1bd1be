package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/sefazor/cutout-backend/internal/config"
	"github.com/sefazor/cutout-backend/internal/models"
	"github.com/sefazor/cutout-backend/internal/repository"
	"github.com/sefazor/cutout-backend/pkg/payment"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const paymentProvider = "stripe"

// CheckoutService connects purchases to the hosted checkout and reconciles
// them from either the user's return or the provider's webhook, whichever
// comes first.
type CheckoutService struct {
	credits     *CreditService
	store       *repository.Store
	provider    PaymentProvider
	catalog     *config.Catalog
	frontendURL string
	log         *zap.Logger
}

func NewCheckoutService(credits *CreditService, store *repository.Store, provider PaymentProvider, catalog *config.Catalog, frontendURL string, log *zap.Logger) *CheckoutService {
	return &CheckoutService{
		credits:     credits,
		store:       store,
		provider:    provider,
		catalog:     catalog,
		frontendURL: frontendURL,
		log:         log,
	}
}

func (s *CheckoutService) Packages() []config.Package {
	return s.catalog.List()
}

func (s *CheckoutService) CreateCheckout(ctx context.Context, accountID uint, packageKey string) (*models.CheckoutSession, error) {
	account, err := s.store.Accounts().GetByID(ctx, accountID)
	if err != nil {
		return nil, accountErr(err)
	}
	pending, err := s.credits.BeginPurchase(ctx, accountID, packageKey)
	if err != nil {
		return nil, err
	}
	pkg := pending.Package

	metadata := map[string]string{
		"account_id":      strconv.FormatUint(uint64(accountID), 10),
		"ledger_entry_id": strconv.FormatUint(uint64(pending.EntryID), 10),
		"package_key":     pkg.Key,
		"credits":         strconv.Itoa(pkg.Credits),
	}
	session, err := s.provider.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		CustomerEmail:      account.Email,
		ClientReferenceID:  account.ExternalID,
		Currency:           s.catalog.Currency(),
		ProductName:        pkg.Name,
		ProductDescription: pkg.Description,
		UnitAmount:         pkg.PriceCents,
		SuccessURL:         s.frontendURL + "/payment/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:          s.frontendURL + "/payment/cancel",
		Metadata:           metadata,
	})
	if err != nil {
		s.abandon(ctx, pending.EntryID, "checkout session creation failed", err)
		return nil, wrap(ErrPaymentProviderUnavailable, err)
	}

	if err := s.store.Ledger().AttachSession(ctx, pending.EntryID, session.ID); err != nil {
		s.abandon(ctx, pending.EntryID, "attaching checkout session failed", err)
		return nil, err
	}

	s.log.Info("checkout session created",
		zap.Uint("account_id", accountID),
		zap.Uint("entry_id", pending.EntryID),
		zap.String("session", session.ID))
	return &models.CheckoutSession{
		SessionRef:    session.ID,
		URL:           session.URL,
		TransactionID: pending.EntryID,
	}, nil
}

func (s *CheckoutService) abandon(ctx context.Context, entryID uint, reason string, cause error) {
	s.log.Error(reason, zap.Uint("entry_id", entryID), zap.Error(cause))
	if err := s.credits.FailPurchase(context.WithoutCancel(ctx), entryID, reason); err != nil {
		s.log.Error("failed to mark purchase failed", zap.Uint("entry_id", entryID), zap.Error(err))
	}
}

// OnUserReturn settles the caller's purchase when the browser comes back from
// a paid checkout.
func (s *CheckoutService) OnUserReturn(ctx context.Context, accountID uint, sessionRef string) (*models.SettleResult, error) {
	entry, err := s.store.Ledger().FindByPaymentSession(ctx, sessionRef)
	if err != nil {
		return nil, transactionErr(err)
	}
	if entry.AccountID != accountID {
		return nil, ErrTransactionNotFound
	}

	session, err := s.provider.RetrieveSession(ctx, sessionRef)
	if err != nil {
		if errors.Is(err, payment.ErrSessionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, wrap(ErrPaymentProviderUnavailable, err)
	}
	if !session.Paid() {
		return nil, ErrPaymentNotCompleted
	}

	return s.credits.SettlePurchase(ctx, sessionRef, session.PaymentIntentID)
}

// OnProviderEvent verifies and applies one webhook delivery. Deliveries
// already processed are acknowledged without effect.
func (s *CheckoutService) OnProviderEvent(ctx context.Context, payload []byte, signature string) error {
	event, err := s.provider.ConstructEvent(payload, signature)
	if err != nil {
		s.log.Warn("rejected payment webhook", zap.Error(err))
		return wrap(ErrSignatureInvalid, err)
	}

	record, processed, err := s.store.WebhookEvents().Record(ctx, paymentProvider, event.ID, event.ProviderType, payload)
	if err != nil {
		return err
	}
	if processed {
		s.log.Info("payment webhook replay ignored", zap.String("event_id", event.ID), zap.String("type", event.ProviderType))
		return nil
	}

	procErr := s.dispatch(ctx, event)
	if err := s.store.WebhookEvents().Finish(context.WithoutCancel(ctx), record.ID, procErr); err != nil {
		s.log.Error("failed to journal webhook outcome", zap.String("event_id", event.ID), zap.Error(err))
	}
	return procErr
}

func (s *CheckoutService) dispatch(ctx context.Context, event *payment.Event) error {
	log := s.log.With(zap.String("event_id", event.ID), zap.String("type", event.ProviderType))

	var err error
	switch event.Type {
	case payment.EventSessionCompleted:
		if !event.Session.Paid() {
			log.Info("checkout completed without payment, awaiting async result", zap.String("session", event.Session.ID))
			return nil
		}
		_, err = s.credits.SettlePurchase(ctx, event.Session.ID, event.PaymentIntentID)

	case payment.EventSessionAsyncPaymentSucceeded:
		_, err = s.credits.SettlePurchase(ctx, event.Session.ID, event.PaymentIntentID)

	case payment.EventSessionExpired:
		err = s.credits.CancelPurchase(ctx, event.Session.ID, "checkout session expired")

	case payment.EventSessionAsyncPaymentFailed:
		var entry *models.LedgerEntry
		if entry, err = s.store.Ledger().FindByPaymentSession(ctx, event.Session.ID); err == nil {
			err = s.credits.FailPurchase(ctx, entry.ID, "async payment failed")
		}

	case payment.EventPaymentFailed:
		err = s.paymentFailed(ctx, event, log)

	case payment.EventChargeRefunded:
		if !event.FullyRefunded {
			log.Info("partial refund leaves credits in place",
				zap.String("payment_intent", event.PaymentIntentID),
				zap.Int64("amount_refunded", event.AmountRefunded))
			return nil
		}
		var entry *models.LedgerEntry
		if entry, err = s.store.Ledger().FindByPaymentIntent(ctx, event.PaymentIntentID); err == nil {
			_, err = s.credits.RefundPurchase(ctx, entry.ID, decimal.New(event.AmountRefunded, -2), "charge refunded")
		}

	default:
		log.Debug("unhandled payment webhook")
		return nil
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, ErrTransactionNotFound):
		log.Warn("payment webhook references an unknown purchase")
		return nil
	case errors.Is(err, ErrPurchaseClosed):
		log.Error("payment webhook for a closed purchase needs manual review")
		return nil
	}
	return err
}

// paymentFailed handles a declined attempt. While the checkout session is
// still open the customer can retry with another card, so the decline is only
// noted on the pending purchase; it is failed once the session has expired.
func (s *CheckoutService) paymentFailed(ctx context.Context, event *payment.Event, log *zap.Logger) error {
	entryID, err := s.entryForIntent(ctx, event)
	if err != nil {
		return err
	}
	entry, err := s.store.Ledger().GetByID(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Kind != models.LedgerKindPurchase {
		return ErrTransactionNotFound
	}
	if entry.Status != models.LedgerStatusPending {
		return nil
	}

	reason := event.FailureMessage
	if reason == "" {
		reason = "payment failed"
	}
	if entry.PaymentSessionID != nil {
		session, err := s.provider.RetrieveSession(ctx, *entry.PaymentSessionID)
		if err != nil && !errors.Is(err, payment.ErrSessionNotFound) {
			return err
		}
		if err == nil && !session.Expired() {
			if _, err := s.store.Ledger().NoteFailure(ctx, entry.ID, reason); err != nil {
				return err
			}
			log.Info("payment attempt declined, checkout still open",
				zap.Uint("entry_id", entry.ID),
				zap.String("session", session.ID),
				zap.String("reason", reason))
			return nil
		}
	}
	return s.credits.FailPurchase(ctx, entry.ID, reason)
}

// entryForIntent prefers the ledger id stamped in the payment intent metadata.
func (s *CheckoutService) entryForIntent(ctx context.Context, event *payment.Event) (uint, error) {
	if raw := event.Metadata["ledger_entry_id"]; raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return uint(id), nil
		}
	}
	entry, err := s.store.Ledger().FindByPaymentIntent(ctx, event.PaymentIntentID)
	if err != nil {
		return 0, err
	}
	return entry.ID, nil
}
