package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/checkout/session"
	"github.com/stripe/stripe-go/v74/webhook"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrSessionNotFound  = errors.New("checkout session not found")
)

type EventType string

const (
	EventSessionCompleted             EventType = "session.completed"
	EventSessionAsyncPaymentSucceeded EventType = "session.async_payment_succeeded"
	EventSessionAsyncPaymentFailed    EventType = "session.async_payment_failed"
	EventSessionExpired               EventType = "session.expired"
	EventPaymentFailed                EventType = "payment.failed"
	EventChargeRefunded               EventType = "charge.refunded"
	EventUnhandled                    EventType = "unhandled"
)

type CheckoutRequest struct {
	CustomerEmail      string
	ClientReferenceID  string
	Currency           string
	ProductName        string
	ProductDescription string
	UnitAmount         int64
	SuccessURL         string
	CancelURL          string
	Metadata           map[string]string
}

type Session struct {
	ID              string
	URL             string
	Status          string
	PaymentStatus   string
	PaymentIntentID string
	Metadata        map[string]string
}

// Paid reports whether the customer has been charged for the session.
func (s *Session) Paid() bool {
	return s.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusPaid)
}

// Expired reports whether the session can no longer be paid.
func (s *Session) Expired() bool {
	return s.Status == string(stripe.CheckoutSessionStatusExpired)
}

// Event is a verified provider event reduced to what reconciliation needs.
type Event struct {
	ID              string
	Type            EventType
	ProviderType    string
	Session         *Session
	PaymentIntentID string
	Metadata        map[string]string
	AmountRefunded  int64
	FullyRefunded   bool
	FailureMessage  string
}

type StripeService struct {
	webhookSecret string
}

func NewStripeService(secretKey, webhookSecret string) *StripeService {
	stripe.Key = secretKey
	return &StripeService{webhookSecret: webhookSecret}
}

func (s *StripeService) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(req.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(req.ProductName),
						Description: stripe.String(req.ProductDescription),
					},
					UnitAmount: stripe.Int64(req.UnitAmount),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.ClientReferenceID),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}
	params.Context = ctx

	created, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return toSession(created), nil
}

func (s *StripeService) RetrieveSession(ctx context.Context, sessionID string) (*Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	found, err := session.Get(sessionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("retrieve checkout session: %w", err)
	}
	return toSession(found), nil
}

// ConstructEvent verifies the Stripe-Signature header over the raw payload and
// normalizes the event. Any verification failure returns ErrInvalidSignature.
func (s *StripeService) ConstructEvent(payload []byte, signature string) (*Event, error) {
	if s.webhookSecret == "" || signature == "" {
		return nil, ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return normalizeEvent(event)
}

func normalizeEvent(event stripe.Event) (*Event, error) {
	out := &Event{ID: event.ID, ProviderType: string(event.Type), Type: EventUnhandled}

	switch string(event.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		out.Session = toSession(&cs)
		out.PaymentIntentID = out.Session.PaymentIntentID
		out.Metadata = cs.Metadata
		switch string(event.Type) {
		case "checkout.session.completed":
			out.Type = EventSessionCompleted
		case "checkout.session.async_payment_succeeded":
			out.Type = EventSessionAsyncPaymentSucceeded
		case "checkout.session.async_payment_failed":
			out.Type = EventSessionAsyncPaymentFailed
		default:
			out.Type = EventSessionExpired
		}

	case "payment_intent.payment_failed":
		var pi paymentIntentPayload
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.Type = EventPaymentFailed
		out.PaymentIntentID = pi.ID
		out.Metadata = pi.Metadata
		if pi.LastPaymentError != nil {
			out.FailureMessage = pi.LastPaymentError.Message
		}

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		out.Type = EventChargeRefunded
		out.AmountRefunded = charge.AmountRefunded
		out.FullyRefunded = charge.Refunded
		if charge.PaymentIntent != nil {
			out.PaymentIntentID = charge.PaymentIntent.ID
			out.Metadata = charge.PaymentIntent.Metadata
		}
	}
	return out, nil
}

type paymentIntentPayload struct {
	ID               string            `json:"id"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func toSession(cs *stripe.CheckoutSession) *Session {
	out := &Session{
		ID:            cs.ID,
		URL:           cs.URL,
		Status:        string(cs.Status),
		PaymentStatus: string(cs.PaymentStatus),
		Metadata:      cs.Metadata,
	}
	if cs.PaymentIntent != nil {
		out.PaymentIntentID = cs.PaymentIntent.ID
	}
	return out
}
