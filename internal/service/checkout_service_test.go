package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/sefazor/cutout-backend/internal/config"
	"github.com/sefazor/cutout-backend/internal/models"
	"github.com/sefazor/cutout-backend/pkg/apperror"
	"github.com/sefazor/cutout-backend/pkg/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type checkoutFixture struct {
	*creditFixture
	provider *mockProvider
	checkout *CheckoutService
}

func newCheckoutFixture(t *testing.T) *checkoutFixture {
	t.Helper()
	cf := newCreditFixture(t)
	provider := &mockProvider{}
	return &checkoutFixture{
		creditFixture: cf,
		provider:      provider,
		checkout: NewCheckoutService(cf.credits, cf.store, provider, config.DefaultCatalog("usd"),
			"https://app.cutout.test", zap.NewNop()),
	}
}

func paidSession(id string) *payment.Session {
	return &payment.Session{ID: id, PaymentStatus: "paid", PaymentIntentID: "pi_" + id}
}

func TestCreateCheckoutStartsPendingPurchase(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	account := createAccount(t, f.store, "checkout", 5)

	f.provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req payment.CheckoutRequest) bool {
		return req.UnitAmount == 1000 &&
			req.Currency == "usd" &&
			req.CustomerEmail == "checkout@example.com" &&
			req.ClientReferenceID == "user_checkout" &&
			req.Metadata["account_id"] != "" &&
			req.Metadata["ledger_entry_id"] != "" &&
			req.Metadata["package_key"] == "standard" &&
			req.Metadata["credits"] == "25" &&
			req.SuccessURL == "https://app.cutout.test/payment/success?session_id={CHECKOUT_SESSION_ID}" &&
			req.CancelURL == "https://app.cutout.test/payment/cancel"
	})).Return(&payment.Session{ID: "cs_new", URL: "https://checkout.stripe.test/cs_new"}, nil).Once()

	session, err := f.checkout.CreateCheckout(ctx, account.ID, "standard")
	require.NoError(t, err)
	assert.Equal(t, "cs_new", session.SessionRef)
	assert.Equal(t, "https://checkout.stripe.test/cs_new", session.URL)

	entry, err := f.store.Ledger().FindByPaymentSession(ctx, "cs_new")
	require.NoError(t, err)
	assert.Equal(t, session.TransactionID, entry.ID)
	assert.Equal(t, models.LedgerStatusPending, entry.Status)
	assert.Equal(t, 5, balanceOf(t, f.store, account.ID))
	f.provider.AssertExpectations(t)
}

func TestCreateCheckoutRejectsUnknownPackage(t *testing.T) {
	f := newCheckoutFixture(t)
	account := createAccount(t, f.store, "checkout-bad", 5)

	_, err := f.checkout.CreateCheckout(context.Background(), account.ID, "gold")
	assert.ErrorIs(t, err, ErrInvalidPackage)
	f.provider.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
}

func TestCreateCheckoutProviderFailureFailsEntry(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	account := createAccount(t, f.store, "checkout-down", 5)
	f.provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(nil, errors.New("stripe down")).Once()

	_, err := f.checkout.CreateCheckout(ctx, account.ID, "basic")
	assert.ErrorIs(t, err, ErrPaymentProviderUnavailable)
	assert.Equal(t, apperror.CodeVendorUnavailable, apperror.CodeOf(err))

	entries, _, err := f.credits.Transactions(ctx, account.ID, models.Page{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LedgerStatusFailed, entries[0].Status)
	assert.Equal(t, 5, balanceOf(t, f.store, account.ID))
}

func TestOnUserReturnSettlesPaidSession(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	account := createAccount(t, f.store, "return", 4)
	f.pendingPurchase(t, account.ID, "standard", "cs_return")
	f.provider.On("RetrieveSession", mock.Anything, "cs_return").Return(paidSession("cs_return"), nil)

	res, err := f.checkout.OnUserReturn(ctx, account.ID, "cs_return")
	require.NoError(t, err)
	assert.False(t, res.AlreadySettled)
	assert.Equal(t, 29, res.NewBalance)

	again, err := f.checkout.OnUserReturn(ctx, account.ID, "cs_return")
	require.NoError(t, err)
	assert.True(t, again.AlreadySettled)
	assert.Equal(t, 29, again.NewBalance)
	assert.Equal(t, 29, balanceOf(t, f.store, account.ID))
}

func TestOnUserReturnRequiresPayment(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	account := createAccount(t, f.store, "unpaid", 4)
	f.pendingPurchase(t, account.ID, "standard", "cs_unpaid")
	f.provider.On("RetrieveSession", mock.Anything, "cs_unpaid").
		Return(&payment.Session{ID: "cs_unpaid", PaymentStatus: "unpaid"}, nil)

	_, err := f.checkout.OnUserReturn(ctx, account.ID, "cs_unpaid")
	assert.ErrorIs(t, err, ErrPaymentNotCompleted)
	assert.Equal(t, 4, balanceOf(t, f.store, account.ID))
}

func TestOnUserReturnRejectsOtherAccountsSession(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	owner := createAccount(t, f.store, "owner", 4)
	intruder := createAccount(t, f.store, "intruder", 4)
	f.pendingPurchase(t, owner.ID, "standard", "cs_owned")

	_, err := f.checkout.OnUserReturn(ctx, intruder.ID, "cs_owned")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	f.provider.AssertNotCalled(t, "RetrieveSession", mock.Anything, mock.Anything)
	assert.Equal(t, 4, balanceOf(t, f.store, owner.ID))
	assert.Equal(t, 4, balanceOf(t, f.store, intruder.ID))
}

func TestOnProviderEventRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	account := createAccount(t, f.store, "forged", 4)
	f.pendingPurchase(t, account.ID, "standard", "cs_forged")
	payload := []byte(`{"id":"evt_forged"}`)
	f.provider.On("ConstructEvent", payload, "t=1,v1=bad").Return(nil, payment.ErrInvalidSignature)

	err := f.checkout.OnProviderEvent(ctx, payload, "t=1,v1=bad")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Equal(t, 4, balanceOf(t, f.store, account.ID))

	entry, err := f.store.Ledger().FindByPaymentSession(ctx, "cs_forged")
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusPending, entry.Status)

	var journaled int64
	require.NoError(t, f.store.DB().Model(&models.WebhookEvent{}).Count(&journaled).Error)
	assert.Zero(t, journaled)
}

func TestOnProviderEventSettlesOnceAcrossReplaysAndReturn(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	account := createAccount(t, f.store, "webhook", 4)
	f.pendingPurchase(t, account.ID, "standard", "cs_webhook")

	payload := []byte(`{"id":"evt_completed"}`)
	f.provider.On("ConstructEvent", payload, "sig").Return(&payment.Event{
		ID:              "evt_completed",
		Type:            payment.EventSessionCompleted,
		ProviderType:    "checkout.session.completed",
		Session:         paidSession("cs_webhook"),
		PaymentIntentID: "pi_cs_webhook",
	}, nil)
	f.provider.On("RetrieveSession", mock.Anything, "cs_webhook").Return(paidSession("cs_webhook"), nil)

	require.NoError(t, f.checkout.OnProviderEvent(ctx, payload, "sig"))
	require.NoError(t, f.checkout.OnProviderEvent(ctx, payload, "sig"))
	assert.Equal(t, 29, balanceOf(t, f.store, account.ID))

	res, err := f.checkout.OnUserReturn(ctx, account.ID, "cs_webhook")
	require.NoError(t, err)
	assert.True(t, res.AlreadySettled)
	assert.Equal(t, 25, res.CreditsAdded)
	assert.Equal(t, 29, res.NewBalance)
	assert.Equal(t, 29, balanceOf(t, f.store, account.ID))

	var stored models.WebhookEvent
	require.NoError(t, f.store.DB().Where("event_id = ?", "evt_completed").First(&stored).Error)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestWebhookAndUserReturnRaceCreditsOnce(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	account := createAccount(t, f.store, "race", 4)
	f.pendingPurchase(t, account.ID, "standard", "cs_both")

	payload := []byte(`{"id":"evt_both"}`)
	f.provider.On("ConstructEvent", payload, "sig").Return(&payment.Event{
		ID:           "evt_both",
		Type:         payment.EventSessionCompleted,
		ProviderType: "checkout.session.completed",
		Session:      paidSession("cs_both"),
	}, nil)
	f.provider.On("RetrieveSession", mock.Anything, "cs_both").Return(paidSession("cs_both"), nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, f.checkout.OnProviderEvent(ctx, payload, "sig"))
	}()
	go func() {
		defer wg.Done()
		res, err := f.checkout.OnUserReturn(ctx, account.ID, "cs_both")
		if assert.NoError(t, err) {
			assert.Equal(t, 29, res.NewBalance)
		}
	}()
	wg.Wait()

	assert.Equal(t, 29, balanceOf(t, f.store, account.ID))
	assert.Equal(t, 1, f.notifier.receiptCount())
}

func TestOnProviderEventCompletedWithoutPaymentWaits(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	account := createAccount(t, f.store, "async", 4)
	f.pendingPurchase(t, account.ID, "basic", "cs_async")

	completed := []byte(`{"id":"evt_async_1"}`)
	f.provider.On("ConstructEvent", completed, "sig").Return(&payment.Event{
		ID:      "evt_async_1",
		Type:    payment.EventSessionCompleted,
		Session: &payment.Session{ID: "cs_async", PaymentStatus: "unpaid"},
	}, nil)
	succeeded := []byte(`{"id":"evt_async_2"}`)
	f.provider.On("ConstructEvent", succeeded, "sig").Return(&payment.Event{
		ID:      "evt_async_2",
		Type:    payment.EventSessionAsyncPaymentSucceeded,
		Session: &payment.Session{ID: "cs_async", PaymentStatus: "paid"},
	}, nil)

	require.NoError(t, f.checkout.OnProviderEvent(ctx, completed, "sig"))
	assert.Equal(t, 4, balanceOf(t, f.store, account.ID))

	require.NoError(t, f.checkout.OnProviderEvent(ctx, succeeded, "sig"))
	assert.Equal(t, 14, balanceOf(t, f.store, account.ID))
}

func TestOnProviderEventClosesPurchases(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	account := createAccount(t, f.store, "close", 4)
	expiredID := f.pendingPurchase(t, account.ID, "basic", "cs_expired")
	asyncFailedID := f.pendingPurchase(t, account.ID, "basic", "cs_async_failed")
	declinedID := f.pendingPurchase(t, account.ID, "basic", "cs_declined")
	lapsedID := f.pendingPurchase(t, account.ID, "basic", "cs_lapsed")

	f.provider.On("RetrieveSession", mock.Anything, "cs_declined").
		Return(&payment.Session{ID: "cs_declined", Status: "open", PaymentStatus: "unpaid"}, nil)
	f.provider.On("RetrieveSession", mock.Anything, "cs_lapsed").
		Return(&payment.Session{ID: "cs_lapsed", Status: "expired", PaymentStatus: "unpaid"}, nil)

	deliveries := map[string]*payment.Event{
		"expired": {
			ID: "evt_expired", Type: payment.EventSessionExpired,
			Session: &payment.Session{ID: "cs_expired"},
		},
		"async_failed": {
			ID: "evt_async_failed", Type: payment.EventSessionAsyncPaymentFailed,
			Session: &payment.Session{ID: "cs_async_failed"},
		},
		"declined": {
			ID: "evt_declined", Type: payment.EventPaymentFailed,
			PaymentIntentID: "pi_declined",
			Metadata:        map[string]string{"ledger_entry_id": strconv.FormatUint(uint64(declinedID), 10)},
			FailureMessage:  "Your card was declined.",
		},
		"lapsed": {
			ID: "evt_lapsed", Type: payment.EventPaymentFailed,
			PaymentIntentID: "pi_lapsed",
			Metadata:        map[string]string{"ledger_entry_id": strconv.FormatUint(uint64(lapsedID), 10)},
		},
	}
	for name, event := range deliveries {
		payload := []byte(`{"delivery":"` + name + `"}`)
		f.provider.On("ConstructEvent", payload, "sig").Return(event, nil)
		require.NoError(t, f.checkout.OnProviderEvent(ctx, payload, "sig"), name)
	}

	expired, err := f.store.Ledger().GetByID(ctx, expiredID)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusCancelled, expired.Status)

	asyncFailed, err := f.store.Ledger().GetByID(ctx, asyncFailedID)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusFailed, asyncFailed.Status)

	declined, err := f.store.Ledger().GetByID(ctx, declinedID)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusPending, declined.Status)
	assert.Equal(t, "Your card was declined.", declined.FailureReason)

	lapsed, err := f.store.Ledger().GetByID(ctx, lapsedID)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusFailed, lapsed.Status)
	assert.Equal(t, "payment failed", lapsed.FailureReason)

	assert.Equal(t, 4, balanceOf(t, f.store, account.ID))
}

func TestDeclinedAttemptThenPaidRetryCredits(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	account := createAccount(t, f.store, "retry", 4)
	entryID := f.pendingPurchase(t, account.ID, "standard", "cs_retry")

	open := &payment.Session{ID: "cs_retry", Status: "open", PaymentStatus: "unpaid"}
	paid := &payment.Session{ID: "cs_retry", Status: "complete", PaymentStatus: "paid", PaymentIntentID: "pi_retry"}
	f.provider.On("RetrieveSession", mock.Anything, "cs_retry").Return(open, nil).Once()
	f.provider.On("RetrieveSession", mock.Anything, "cs_retry").Return(paid, nil)

	declined := []byte(`{"id":"evt_retry_declined"}`)
	f.provider.On("ConstructEvent", declined, "sig").Return(&payment.Event{
		ID: "evt_retry_declined", Type: payment.EventPaymentFailed,
		PaymentIntentID: "pi_retry",
		Metadata:        map[string]string{"ledger_entry_id": strconv.FormatUint(uint64(entryID), 10)},
		FailureMessage:  "Your card was declined.",
	}, nil)
	completed := []byte(`{"id":"evt_retry_completed"}`)
	f.provider.On("ConstructEvent", completed, "sig").Return(&payment.Event{
		ID: "evt_retry_completed", Type: payment.EventSessionCompleted,
		Session: paid, PaymentIntentID: "pi_retry",
	}, nil)

	require.NoError(t, f.checkout.OnProviderEvent(ctx, declined, "sig"))
	require.NoError(t, f.checkout.OnProviderEvent(ctx, completed, "sig"))

	res, err := f.checkout.OnUserReturn(ctx, account.ID, "cs_retry")
	require.NoError(t, err)
	assert.True(t, res.AlreadySettled)
	assert.Equal(t, 29, res.NewBalance)
	assert.Equal(t, 29, balanceOf(t, f.store, account.ID))

	entry, err := f.store.Ledger().GetByID(ctx, entryID)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusCompleted, entry.Status)
	assert.Empty(t, entry.FailureReason)
}

func TestOnProviderEventRefund(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	account := createAccount(t, f.store, "refund", 0)
	f.pendingPurchase(t, account.ID, "basic", "cs_refunded")
	_, err := f.credits.SettlePurchase(ctx, "cs_refunded", "pi_refunded")
	require.NoError(t, err)
	assert.Equal(t, 10, balanceOf(t, f.store, account.ID))

	partial := []byte(`{"id":"evt_refund_partial"}`)
	f.provider.On("ConstructEvent", partial, "sig").Return(&payment.Event{
		ID: "evt_refund_partial", Type: payment.EventChargeRefunded,
		PaymentIntentID: "pi_refunded", AmountRefunded: 200,
	}, nil)
	require.NoError(t, f.checkout.OnProviderEvent(ctx, partial, "sig"))
	assert.Equal(t, 10, balanceOf(t, f.store, account.ID))

	full := []byte(`{"id":"evt_refund"}`)
	f.provider.On("ConstructEvent", full, "sig").Return(&payment.Event{
		ID: "evt_refund", Type: payment.EventChargeRefunded,
		PaymentIntentID: "pi_refunded", AmountRefunded: 500, FullyRefunded: true,
	}, nil)
	require.NoError(t, f.checkout.OnProviderEvent(ctx, full, "sig"))
	assert.Equal(t, 0, balanceOf(t, f.store, account.ID))
}

func TestOnProviderEventAcknowledgesUnknownAndUnhandled(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)

	foreign := []byte(`{"id":"evt_foreign"}`)
	f.provider.On("ConstructEvent", foreign, "sig").Return(&payment.Event{
		ID: "evt_foreign", Type: payment.EventSessionCompleted,
		Session: paidSession("cs_not_ours"),
	}, nil)
	other := []byte(`{"id":"evt_other"}`)
	f.provider.On("ConstructEvent", other, "sig").Return(&payment.Event{
		ID: "evt_other", Type: payment.EventUnhandled, ProviderType: "customer.created",
	}, nil)

	assert.NoError(t, f.checkout.OnProviderEvent(ctx, foreign, "sig"))
	assert.NoError(t, f.checkout.OnProviderEvent(ctx, other, "sig"))
}
