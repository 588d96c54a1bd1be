package handler

import (
	"bytes"

	"github.com/gofiber/fiber/v2"
	"github.com/sefazor/cutout-backend/internal/models"
	"github.com/sefazor/cutout-backend/internal/service"
	"github.com/sefazor/cutout-backend/pkg/webhook"
)

// WebhookHandler receives provider callbacks. Both routes verify signatures
// over the raw body, so nothing may parse it first.
type WebhookHandler struct {
	checkout *service.CheckoutService
	accounts *service.AccountService
}

func NewWebhookHandler(checkout *service.CheckoutService, accounts *service.AccountService) *WebhookHandler {
	return &WebhookHandler{
		checkout: checkout,
		accounts: accounts,
	}
}

func (h *WebhookHandler) PaymentProvider(c *fiber.Ctx) error {
	payload := bytes.Clone(c.Body())
	if err := h.checkout.OnProviderEvent(c.UserContext(), payload, c.Get("Stripe-Signature")); err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse(fiber.Map{"received": true}, ""))
}

func (h *WebhookHandler) IdentityProvider(c *fiber.Ctx) error {
	payload := bytes.Clone(c.Body())
	headers := webhook.Headers{
		ID:        c.Get(webhook.HeaderID),
		Timestamp: c.Get(webhook.HeaderTimestamp),
		Signature: c.Get(webhook.HeaderSignature),
	}
	if err := h.accounts.HandleIdentityEvent(c.UserContext(), payload, headers); err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse(fiber.Map{"received": true}, ""))
}
