package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/resendlabs/resend-go"
	internalConfig "github.com/sefazor/cutout-backend/internal/config"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

type Recipient struct {
	Email     string
	FirstName string
	LastName  string
}

func (r Recipient) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

type Receipt struct {
	TransactionID uint
	PackageName   string
	Credits       int
	Amount        decimal.Decimal
	Currency      string
	NewBalance    int
}

type sender interface {
	Send(params *resend.SendEmailRequest) (resend.SendEmailResponse, error)
}

type EmailService struct {
	sender    sender
	from      string
	appURL    string
	templates *template.Template
	log       *zap.Logger
}

func NewEmailService(cfg internalConfig.EmailConfig, appURL string, log *zap.Logger) (*EmailService, error) {
	templates, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	from := cfg.FromAddress
	if cfg.FromName != "" {
		from = cfg.FromName + " <" + cfg.FromAddress + ">"
	}
	return &EmailService{
		sender:    resend.NewClient(cfg.ResendAPIKey).Emails,
		from:      from,
		appURL:    appURL,
		templates: templates,
		log:       log,
	}, nil
}

func (s *EmailService) SendWelcomeEmail(ctx context.Context, to Recipient, credits int) error {
	html, err := s.render("welcome.html", map[string]interface{}{
		"FullName": displayName(to),
		"Credits":  credits,
		"AppURL":   s.appURL,
		"Year":     time.Now().Year(),
	})
	if err != nil {
		return err
	}
	return s.send(ctx, to.Email, "Welcome to Cutout!", html)
}

func (s *EmailService) SendPurchaseReceipt(ctx context.Context, to Recipient, receipt Receipt) error {
	html, err := s.render("receipt.html", map[string]interface{}{
		"FullName":      displayName(to),
		"PackageName":   receipt.PackageName,
		"Credits":       receipt.Credits,
		"Amount":        receipt.Amount.StringFixed(2),
		"Currency":      strings.ToUpper(receipt.Currency),
		"NewBalance":    receipt.NewBalance,
		"TransactionID": receipt.TransactionID,
		"AppURL":        s.appURL,
		"Year":          time.Now().Year(),
	})
	if err != nil {
		return err
	}
	return s.send(ctx, to.Email, fmt.Sprintf("Your receipt: %d credits added", receipt.Credits), html)
}

func (s *EmailService) send(ctx context.Context, to, subject, html string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := s.sender.Send(&resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    html,
	})
	if err != nil {
		s.log.Error("failed to send email", zap.String("to", to), zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("send email: %w", err)
	}
	s.log.Info("email sent", zap.String("to", to), zap.String("subject", subject), zap.String("id", resp.Id))
	return nil
}

func (s *EmailService) render(name string, data interface{}) (string, error) {
	var body bytes.Buffer
	if err := s.templates.ExecuteTemplate(&body, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return body.String(), nil
}

func displayName(r Recipient) string {
	if name := r.FullName(); name != "" {
		return name
	}
	return r.Email
}

// NoopMailer logs instead of sending. Used when no Resend key is configured.
type NoopMailer struct {
	log *zap.Logger
}

func NewNoopMailer(log *zap.Logger) *NoopMailer {
	return &NoopMailer{log: log}
}

func (m *NoopMailer) SendWelcomeEmail(_ context.Context, to Recipient, credits int) error {
	m.log.Debug("email disabled, skipping welcome mail", zap.String("to", to.Email), zap.Int("credits", credits))
	return nil
}

func (m *NoopMailer) SendPurchaseReceipt(_ context.Context, to Recipient, receipt Receipt) error {
	m.log.Debug("email disabled, skipping receipt", zap.String("to", to.Email), zap.Uint("transaction_id", receipt.TransactionID))
	return nil
}
