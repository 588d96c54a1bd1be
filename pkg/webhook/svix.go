package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	svix "github.com/svix/svix-webhooks/go"
)

var (
	ErrMissingHeaders   = errors.New("missing svix headers")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

const (
	HeaderID        = "svix-id"
	HeaderTimestamp = "svix-timestamp"
	HeaderSignature = "svix-signature"
)

type Headers struct {
	ID        string
	Timestamp string
	Signature string
}

func (h Headers) httpHeader() http.Header {
	out := http.Header{}
	out.Set(HeaderID, h.ID)
	out.Set(HeaderTimestamp, h.Timestamp)
	out.Set(HeaderSignature, h.Signature)
	return out
}

// Verifier checks svix webhook signatures against a whsec_ secret.
type Verifier struct {
	wh *svix.Webhook
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is empty")
	}
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("load webhook secret: %w", err)
	}
	return &Verifier{wh: wh}, nil
}

// Verify rejects payloads whose signature does not match or whose timestamp
// falls outside the library's tolerance window.
func (v *Verifier) Verify(payload []byte, h Headers) error {
	if h.ID == "" || h.Timestamp == "" || h.Signature == "" {
		return ErrMissingHeaders
	}
	if err := v.wh.Verify(payload, h.httpHeader()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Sign returns a signature header value for payload, as a sender would.
func (v *Verifier) Sign(id string, at time.Time, payload []byte) (string, error) {
	return v.wh.Sign(id, at, payload)
}
