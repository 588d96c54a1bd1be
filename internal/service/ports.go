package service

import (
	"context"

	"github.com/sefazor/cutout-backend/pkg/email"
	"github.com/sefazor/cutout-backend/pkg/events"
	"github.com/sefazor/cutout-backend/pkg/payment"
	"github.com/sefazor/cutout-backend/pkg/removal"
	"github.com/sefazor/cutout-backend/pkg/storage"
	"github.com/sefazor/cutout-backend/pkg/webhook"
)

type PaymentProvider interface {
	CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.Session, error)
	RetrieveSession(ctx context.Context, sessionID string) (*payment.Session, error)
	ConstructEvent(payload []byte, signature string) (*payment.Event, error)
}

type BlobStore interface {
	Put(ctx context.Context, in storage.PutInput) (*storage.Object, error)
	Delete(ctx context.Context, key string) error
}

type BackgroundRemover interface {
	Remove(ctx context.Context, in removal.Input) (*removal.Result, error)
}

type Notifier interface {
	SendWelcomeEmail(ctx context.Context, to email.Recipient, credits int) error
	SendPurchaseReceipt(ctx context.Context, to email.Recipient, receipt email.Receipt) error
}

type EventPublisher interface {
	Publish(ctx context.Context, subject string, event events.LedgerEvent) error
}

type IdentityVerifier interface {
	Verify(payload []byte, h webhook.Headers) error
}
