package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sefazor/cutout-backend/internal/middleware"
	"github.com/sefazor/cutout-backend/internal/models"
	"github.com/sefazor/cutout-backend/internal/service"
	"github.com/sefazor/cutout-backend/pkg/utils"
)

type PaymentHandler struct {
	checkout  *service.CheckoutService
	credits   *service.CreditService
	validator *utils.Validator
}

func NewPaymentHandler(checkout *service.CheckoutService, credits *service.CreditService, validator *utils.Validator) *PaymentHandler {
	return &PaymentHandler{
		checkout:  checkout,
		credits:   credits,
		validator: validator,
	}
}

func (h *PaymentHandler) Packages(c *fiber.Ctx) error {
	return c.JSON(models.SuccessResponse(h.checkout.Packages(), ""))
}

func (h *PaymentHandler) CreateCheckout(c *fiber.Ctx) error {
	accountID, err := middleware.AccountID(c)
	if err != nil {
		return err
	}
	var req models.CreateCheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(err)
	}
	if err := h.validator.Struct(req); err != nil {
		return invalidField(err)
	}

	session, err := h.checkout.CreateCheckout(c.UserContext(), accountID, req.PackageKey)
	if err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse(session, "Checkout session created"))
}

// Success reconciles a purchase when the browser returns from checkout.
func (h *PaymentHandler) Success(c *fiber.Ctx) error {
	accountID, err := middleware.AccountID(c)
	if err != nil {
		return err
	}
	var req models.PaymentSuccessRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(err)
	}
	if err := h.validator.Struct(req); err != nil {
		return invalidField(err)
	}

	result, err := h.checkout.OnUserReturn(c.UserContext(), accountID, req.SessionRef)
	if err != nil {
		return err
	}
	message := "Payment successful, credits added"
	if result.AlreadySettled {
		message = "Payment already processed"
	}
	return c.JSON(models.SuccessResponse(result, message))
}

func (h *PaymentHandler) History(c *fiber.Ctx) error {
	accountID, err := middleware.AccountID(c)
	if err != nil {
		return err
	}
	entries, pagination, err := h.credits.History(c.UserContext(), accountID, pageFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse(fiber.Map{
		"transactions": entries,
		"pagination":   pagination,
	}, ""))
}
