package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sefazor/cutout-backend/internal/models"
	"github.com/sefazor/cutout-backend/pkg/apperror"
	"github.com/sefazor/cutout-backend/pkg/utils"
	"go.uber.org/zap"
)

// ErrorHandler renders every error returned by a handler as the standard
// envelope. The raw cause is only exposed in development.
func ErrorHandler(development bool, log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := apperror.HTTPStatus(apperror.CodeOf(err))
		body := models.ErrorResponse(apperror.CodeOf(err), apperror.MessageOf(err))

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
			body = models.ErrorResponse(fiberErrorCode(fiberErr.Code), fiberErr.Message)
		}

		if status >= fiber.StatusInternalServerError {
			log.Error("request failed",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Int("status", status),
				zap.Error(err))
		}
		if development {
			body.Detail = err.Error()
		}
		return c.Status(status).JSON(body)
	}
}

func fiberErrorCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return apperror.CodeNotFound
	case fiber.StatusUnauthorized:
		return apperror.CodeUnauthenticated
	case fiber.StatusForbidden:
		return apperror.CodeForbidden
	case fiber.StatusTooManyRequests:
		return apperror.CodeRateLimited
	case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge, fiber.StatusMethodNotAllowed:
		return apperror.CodeInvalidArgument
	}
	return apperror.CodeInternal
}

func invalidBody(err error) error {
	return apperror.Wrap(apperror.CodeInvalidArgument, "Invalid request body", err)
}

func invalidField(err error) error {
	return apperror.Wrap(apperror.CodeInvalidArgument, utils.Message(err), err)
}

func pageFrom(c *fiber.Ctx) models.Page {
	return models.Page{
		Page:  c.QueryInt("page", 1),
		Limit: c.QueryInt("limit", models.DefaultPageLimit),
	}.Normalize()
}
