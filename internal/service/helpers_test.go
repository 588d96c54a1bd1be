package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sefazor/cutout-backend/internal/config"
	"github.com/sefazor/cutout-backend/internal/models"
	"github.com/sefazor/cutout-backend/internal/repository"
	"github.com/sefazor/cutout-backend/pkg/database"
	"github.com/sefazor/cutout-backend/pkg/email"
	"github.com/sefazor/cutout-backend/pkg/events"
	"github.com/sefazor/cutout-backend/pkg/payment"
	"github.com/sefazor/cutout-backend/pkg/removal"
	"github.com/sefazor/cutout-backend/pkg/storage"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := database.Open("sqlite://"+filepath.Join(t.TempDir(), "cutout.db"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return repository.NewStore(db)
}

func createAccount(t *testing.T, store *repository.Store, suffix string, balance int) *models.Account {
	t.Helper()
	account, _, err := store.Accounts().GetOrCreate(context.Background(), models.Identity{
		ExternalID: "user_" + suffix,
		Email:      suffix + "@example.com",
		FirstName:  "Ada",
		LastName:   "Lovelace",
	}, balance)
	require.NoError(t, err)
	return account
}

func balanceOf(t *testing.T, store *repository.Store, accountID uint) int {
	t.Helper()
	account, err := store.Accounts().GetByID(context.Background(), accountID)
	require.NoError(t, err)
	return account.Balance
}

type publishedEvent struct {
	subject string
	event   events.LedgerEvent
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, event events.LedgerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{subject: subject, event: event})
	return nil
}

func (p *recordingPublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.subject)
	}
	return out
}

type recordingNotifier struct {
	mu       sync.Mutex
	welcomes []email.Recipient
	receipts []email.Receipt
}

func (n *recordingNotifier) SendWelcomeEmail(_ context.Context, to email.Recipient, _ int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.welcomes = append(n.welcomes, to)
	return nil
}

func (n *recordingNotifier) SendPurchaseReceipt(_ context.Context, _ email.Recipient, receipt email.Receipt) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receipts = append(n.receipts, receipt)
	return nil
}

func (n *recordingNotifier) receiptCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.receipts)
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.Session, error) {
	args := m.Called(ctx, req)
	session, _ := args.Get(0).(*payment.Session)
	return session, args.Error(1)
}

func (m *mockProvider) RetrieveSession(ctx context.Context, sessionID string) (*payment.Session, error) {
	args := m.Called(ctx, sessionID)
	session, _ := args.Get(0).(*payment.Session)
	return session, args.Error(1)
}

func (m *mockProvider) ConstructEvent(payload []byte, signature string) (*payment.Event, error) {
	args := m.Called(payload, signature)
	event, _ := args.Get(0).(*payment.Event)
	return event, args.Error(1)
}

type mockBlobs struct {
	mock.Mock
}

func (m *mockBlobs) Put(ctx context.Context, in storage.PutInput) (*storage.Object, error) {
	args := m.Called(ctx, in)
	obj, _ := args.Get(0).(*storage.Object)
	return obj, args.Error(1)
}

func (m *mockBlobs) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type mockRemover struct {
	mock.Mock
}

func (m *mockRemover) Remove(ctx context.Context, in removal.Input) (*removal.Result, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*removal.Result)
	return res, args.Error(1)
}

type creditFixture struct {
	store     *repository.Store
	credits   *CreditService
	publisher *recordingPublisher
	notifier  *recordingNotifier
}

func newCreditFixture(t *testing.T) *creditFixture {
	t.Helper()
	store := newTestStore(t)
	publisher := &recordingPublisher{}
	notifier := &recordingNotifier{}
	return &creditFixture{
		store:     store,
		credits:   NewCreditService(store, config.DefaultCatalog("usd"), publisher, notifier, zap.NewNop()),
		publisher: publisher,
		notifier:  notifier,
	}
}

// pendingPurchase starts a purchase and attaches sessionRef to it.
func (f *creditFixture) pendingPurchase(t *testing.T, accountID uint, packageKey, sessionRef string) uint {
	t.Helper()
	ctx := context.Background()
	pending, err := f.credits.BeginPurchase(ctx, accountID, packageKey)
	require.NoError(t, err)
	require.NoError(t, f.store.Ledger().AttachSession(ctx, pending.EntryID, sessionRef))
	return pending.EntryID
}
