package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sefazor/cutout-backend/internal/middleware"
	"github.com/sefazor/cutout-backend/internal/models"
	"github.com/sefazor/cutout-backend/internal/service"
	"github.com/sefazor/cutout-backend/pkg/utils"
)

type UserHandler struct {
	accounts  *service.AccountService
	credits   *service.CreditService
	validator *utils.Validator
}

func NewUserHandler(accounts *service.AccountService, credits *service.CreditService, validator *utils.Validator) *UserHandler {
	return &UserHandler{
		accounts:  accounts,
		credits:   credits,
		validator: validator,
	}
}

func (h *UserHandler) Credits(c *fiber.Ctx) error {
	accountID, err := middleware.AccountID(c)
	if err != nil {
		return err
	}
	balance, err := h.credits.Balance(c.UserContext(), accountID)
	if err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse(fiber.Map{"credits": balance}, ""))
}

func (h *UserHandler) GetProfile(c *fiber.Ctx) error {
	accountID, err := middleware.AccountID(c)
	if err != nil {
		return err
	}
	account, err := h.accounts.Profile(c.UserContext(), accountID)
	if err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse(account, ""))
}

func (h *UserHandler) UpdateProfile(c *fiber.Ctx) error {
	accountID, err := middleware.AccountID(c)
	if err != nil {
		return err
	}
	var req models.UpdateProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(err)
	}
	if err := h.validator.Struct(req); err != nil {
		return invalidField(err)
	}

	account, err := h.accounts.UpdateProfile(c.UserContext(), accountID, req)
	if err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse(account, "Profile updated successfully"))
}

func (h *UserHandler) Transactions(c *fiber.Ctx) error {
	accountID, err := middleware.AccountID(c)
	if err != nil {
		return err
	}
	entries, pagination, err := h.credits.Transactions(c.UserContext(), accountID, pageFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(models.SuccessResponse(fiber.Map{
		"transactions": entries,
		"pagination":   pagination,
	}, ""))
}
